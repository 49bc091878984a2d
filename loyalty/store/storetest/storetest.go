// Package storetest is a conformance suite for loyalty.Store implementations.
//
// Usage from an implementation's tests:
//
//	func TestStore(t *testing.T) {
//		storetest.Run(t, func(t *testing.T) loyalty.Store { return newStore(t) })
//	}
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
)

var epoch = time.Date(2025, 1, 15, 10, 30, 0, 123456789, time.UTC)

// Run executes every conformance test against stores built by newStore.
// Each subtest gets a fresh, empty store.
func Run(t *testing.T, newStore func(t *testing.T) loyalty.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s loyalty.Store)
	}{
		{"Programs", testPrograms},
		{"Tiers", testTiers},
		{"Tasks", testTasks},
		{"CommitAccount", testCommitAccount},
		{"IdempotencyKey", testIdempotencyKey},
		{"ListTransactions", testListTransactions},
		{"ListAccounts", testListAccounts},
		{"TaskProgress", testTaskProgress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// =============================================================================
// FIXTURES
// =============================================================================

func seedProgram(t *testing.T, s loyalty.Store, id loyalty.ProgramID) loyalty.Program {
	t.Helper()
	p := loyalty.Program{
		ID:             id,
		Name:           "Program " + string(id),
		Description:    "test program",
		ConversionRate: decimal.RequireFromString("0.75"),
		CreatedAt:      epoch,
	}
	require.NoError(t, s.CreateProgram(context.Background(), p))
	return p
}

func seedTask(t *testing.T, s loyalty.Store, id loyalty.TaskID, program loyalty.ProgramID, created time.Time) loyalty.Task {
	t.Helper()
	task := loyalty.Task{
		ID:                   id,
		ProgramID:            program,
		Name:                 "Task " + string(id),
		PointsRequired:       200,
		TransactionsRequired: 2,
		DurationDays:         30,
		RewardPoints:         50,
		CreatedAt:            created,
	}
	require.NoError(t, s.CreateTask(context.Background(), task))
	return task
}

func earnTx(user loyalty.UserID, program loyalty.ProgramID, id string, points int64, at time.Time) loyalty.Transaction {
	return loyalty.Transaction{
		ID:        loyalty.TransactionID(id),
		UserID:    user,
		ProgramID: program,
		Kind:      loyalty.KindEarn,
		Points:    points,
		Credited:  points,
		Reason:    loyalty.ReasonEarn,
		Timestamp: at,
	}
}

// earn applies an earn of points through CommitAccount the way the engine does.
func earn(t *testing.T, s loyalty.Store, user loyalty.UserID, program loyalty.ProgramID, id string, points int64, at time.Time) loyalty.Transaction {
	t.Helper()
	ctx := context.Background()
	key := loyalty.AccountKey{UserID: user, ProgramID: program}

	acct, err := s.GetAccount(ctx, key)
	if err != nil {
		require.ErrorIs(t, err, loyalty.ErrAccountNotFound)
		acct = loyalty.Account{UserID: user, ProgramID: program, CreatedAt: at}
	}
	expected := acct.Version
	acct.Balance += points
	acct.LifetimeEarned += points
	acct.UpdatedAt = at

	_, tx, err := s.CommitAccount(ctx, acct, expected, earnTx(user, program, id, points, at))
	require.NoError(t, err)
	return tx
}

// =============================================================================
// PROGRAMS, TIERS, TASKS
// =============================================================================

func testPrograms(t *testing.T, s loyalty.Store) {
	ctx := context.Background()

	_, err := s.GetProgram(ctx, "missing")
	assert.ErrorIs(t, err, loyalty.ErrProgramNotFound)

	want := seedProgram(t, s, "b")
	seedProgram(t, s, "a")

	got, err := s.GetProgram(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, want.Description, got.Description)
	assert.True(t, want.ConversionRate.Equal(got.ConversionRate))
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))

	assert.ErrorIs(t, s.CreateProgram(ctx, want), loyalty.ErrDuplicateProgram)

	want.Name = "Renamed"
	want.ConversionRate = decimal.NewFromInt(2)
	require.NoError(t, s.UpdateProgram(ctx, want))
	got, err = s.GetProgram(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, "2", got.ConversionRate.String())

	assert.ErrorIs(t, s.UpdateProgram(ctx, loyalty.Program{ID: "missing", Name: "x"}), loyalty.ErrProgramNotFound)

	all, err := s.ListPrograms(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testTiers(t *testing.T, s loyalty.Store) {
	ctx := context.Background()
	seedProgram(t, s, "p")

	for _, tier := range []loyalty.Tier{
		{ProgramID: "p", Name: "Gold", PointsToReach: 500},
		{ProgramID: "p", Name: "Bronze", PointsToReach: 100, Description: "entry"},
		{ProgramID: "p", Name: "Silver", PointsToReach: 300},
	} {
		require.NoError(t, s.CreateTier(ctx, tier))
	}

	tiers, err := s.ListTiers(ctx, "p")
	require.NoError(t, err)
	require.Len(t, tiers, 3)
	assert.Equal(t, []string{"Bronze", "Silver", "Gold"}, []string{tiers[0].Name, tiers[1].Name, tiers[2].Name})
	assert.Equal(t, "entry", tiers[0].Description)

	assert.ErrorIs(t, s.CreateTier(ctx, loyalty.Tier{ProgramID: "p", Name: "Gold", PointsToReach: 900}), loyalty.ErrDuplicateTier)
	assert.ErrorIs(t, s.CreateTier(ctx, loyalty.Tier{ProgramID: "p", Name: "Platinum", PointsToReach: 300}), loyalty.ErrDuplicateTier)
	assert.ErrorIs(t, s.CreateTier(ctx, loyalty.Tier{ProgramID: "nope", Name: "Gold", PointsToReach: 1}), loyalty.ErrProgramNotFound)

	require.NoError(t, s.DeleteTier(ctx, "p", "Silver"))
	assert.ErrorIs(t, s.DeleteTier(ctx, "p", "Silver"), loyalty.ErrTierNotFound)
	tiers, err = s.ListTiers(ctx, "p")
	require.NoError(t, err)
	assert.Len(t, tiers, 2)

	empty, err := s.ListTiers(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testTasks(t *testing.T, s loyalty.Store) {
	ctx := context.Background()
	seedProgram(t, s, "p")

	_, err := s.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, loyalty.ErrTaskNotFound)

	second := seedTask(t, s, "second", "p", epoch.Add(time.Hour))
	seedTask(t, s, "first", "p", epoch)

	got, err := s.GetTask(ctx, "second")
	require.NoError(t, err)
	assert.Equal(t, second.PointsRequired, got.PointsRequired)
	assert.Equal(t, second.TransactionsRequired, got.TransactionsRequired)
	assert.Equal(t, second.DurationDays, got.DurationDays)
	assert.Equal(t, second.RewardPoints, got.RewardPoints)
	assert.True(t, second.CreatedAt.Equal(got.CreatedAt))

	assert.ErrorIs(t, s.CreateTask(ctx, second), loyalty.ErrDuplicateTask)
	orphan := second
	orphan.ID, orphan.ProgramID = "orphan", "nope"
	assert.ErrorIs(t, s.CreateTask(ctx, orphan), loyalty.ErrProgramNotFound)

	tasks, err := s.ListTasks(ctx, "p")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, loyalty.TaskID("first"), tasks[0].ID)
}

// =============================================================================
// ACCOUNTS AND TRANSACTIONS
// =============================================================================

func testCommitAccount(t *testing.T, s loyalty.Store) {
	ctx := context.Background()
	seedProgram(t, s, "p")
	key := loyalty.AccountKey{UserID: "u", ProgramID: "p"}

	_, err := s.GetAccount(ctx, key)
	require.ErrorIs(t, err, loyalty.ErrAccountNotFound)

	// Insert
	acct := loyalty.Account{UserID: "u", ProgramID: "p", Balance: 100, LifetimeEarned: 100, CreatedAt: epoch, UpdatedAt: epoch}
	saved, tx, err := s.CommitAccount(ctx, acct, 0, earnTx("u", "p", "tx-1", 100, epoch))
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)
	assert.Positive(t, tx.Seq)

	// A second insert of the same key loses
	_, _, err = s.CommitAccount(ctx, acct, 0, earnTx("u", "p", "tx-2", 100, epoch))
	assert.ErrorIs(t, err, loyalty.ErrConcurrentModification)

	// Stale version loses and appends nothing
	stale := acct
	stale.Balance = 999
	stale.LifetimeEarned = 999
	_, _, err = s.CommitAccount(ctx, stale, 7, earnTx("u", "p", "tx-3", 899, epoch))
	assert.ErrorIs(t, err, loyalty.ErrConcurrentModification)

	// Correct version wins
	next := saved
	next.Balance = 40
	next.UpdatedAt = epoch.Add(time.Minute)
	redeem := loyalty.Transaction{ID: "tx-4", UserID: "u", ProgramID: "p", Kind: loyalty.KindRedeem,
		Points: 60, Credited: 60, Reason: loyalty.ReasonRedeem, Timestamp: next.UpdatedAt}
	saved2, tx2, err := s.CommitAccount(ctx, next, saved.Version, redeem)
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved2.Version)
	assert.Greater(t, tx2.Seq, tx.Seq)

	got, err := s.GetAccount(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(40), got.Balance)
	assert.Equal(t, int64(100), got.LifetimeEarned)
	assert.Equal(t, int64(2), got.Version)
	assert.True(t, epoch.Equal(got.CreatedAt))
	assert.True(t, next.UpdatedAt.Equal(got.UpdatedAt))

	txs, err := s.ListTransactions(ctx, "p", loyalty.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, loyalty.TransactionID("tx-1"), txs[0].ID)
	assert.Equal(t, loyalty.KindRedeem, txs[1].Kind)
	assert.True(t, next.UpdatedAt.Equal(txs[1].Timestamp))

	has, err := s.HasTransactions(ctx, "p")
	require.NoError(t, err)
	assert.True(t, has)
	has, err = s.HasTransactions(ctx, "other")
	require.NoError(t, err)
	assert.False(t, has)
}

func testIdempotencyKey(t *testing.T, s loyalty.Store) {
	ctx := context.Background()
	seedProgram(t, s, "p")
	key := loyalty.RewardKey("u", "task")

	exists, err := s.TransactionExists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)

	tx := earnTx("u", "p", "reward-1", 50, epoch)
	tx.Reason = loyalty.ReasonTaskReward
	tx.ReferenceID = "task"
	tx.IdempotencyKey = key
	acct := loyalty.Account{UserID: "u", ProgramID: "p", Balance: 50, LifetimeEarned: 50, CreatedAt: epoch, UpdatedAt: epoch}
	saved, _, err := s.CommitAccount(ctx, acct, 0, tx)
	require.NoError(t, err)

	exists, err = s.TransactionExists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	// A second grant with the same key writes nothing
	again := saved
	again.Balance, again.LifetimeEarned = 100, 100
	tx.ID = "reward-2"
	_, _, err = s.CommitAccount(ctx, again, saved.Version, tx)
	assert.ErrorIs(t, err, loyalty.ErrDuplicateIdempotencyKey)

	got, err := s.GetAccount(ctx, saved.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.Balance)

	txs, err := s.ListTransactions(ctx, "p", loyalty.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, key, txs[0].IdempotencyKey)
	assert.Equal(t, "task", txs[0].ReferenceID)
	assert.True(t, txs[0].IsTaskReward())
}

func testListTransactions(t *testing.T, s loyalty.Store) {
	ctx := context.Background()
	seedProgram(t, s, "p")
	seedProgram(t, s, "q")

	for i, user := range []loyalty.UserID{"alice", "bob", "alice", "bob", "alice"} {
		earn(t, s, user, "p", "p-"+string(rune('a'+i)), int64(10*(i+1)), epoch.Add(time.Duration(i)*time.Hour))
	}
	earn(t, s, "alice", "q", "q-a", 1, epoch)

	all, err := s.ListTransactions(ctx, "p", loyalty.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i].Seq, all[i-1].Seq)
	}

	alice, err := s.ListTransactions(ctx, "p", loyalty.TransactionFilter{UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, alice, 3)

	from, to := epoch.Add(time.Hour), epoch.Add(3*time.Hour)
	window, err := s.ListTransactions(ctx, "p", loyalty.TransactionFilter{Start: &from, End: &to})
	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.Equal(t, int64(20), window[0].Points)
	assert.Equal(t, int64(40), window[2].Points)

	page, err := s.ListTransactions(ctx, "p", loyalty.TransactionFilter{After: all[1].Seq, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, all[2].ID, page[0].ID)
	assert.Equal(t, all[3].ID, page[1].ID)

	none, err := s.ListTransactions(ctx, "p", loyalty.TransactionFilter{After: all[4].Seq})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testListAccounts(t *testing.T, s loyalty.Store) {
	ctx := context.Background()
	seedProgram(t, s, "p")
	seedProgram(t, s, "q")

	earn(t, s, "carol", "p", "1", 10, epoch)
	earn(t, s, "alice", "p", "2", 20, epoch)
	earn(t, s, "bob", "q", "3", 30, epoch)

	accounts, err := s.ListAccounts(ctx, "p")
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, loyalty.UserID("alice"), accounts[0].UserID)
	assert.Equal(t, loyalty.UserID("carol"), accounts[1].UserID)

	empty, err := s.ListAccounts(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

// =============================================================================
// TASK PROGRESS
// =============================================================================

func testTaskProgress(t *testing.T, s loyalty.Store) {
	ctx := context.Background()
	seedProgram(t, s, "p")
	seedTask(t, s, "task", "p", epoch)

	_, err := s.GetTaskProgress(ctx, "u", "task")
	require.ErrorIs(t, err, loyalty.ErrProgressNotFound)

	p := loyalty.TaskProgress{UserID: "u", TaskID: "task", ProgramID: "p", PointsEarned: 100, TransactionsCount: 1, UpdatedAt: epoch}
	saved, err := s.CommitTaskProgress(ctx, p, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)

	_, err = s.CommitTaskProgress(ctx, p, 0)
	assert.ErrorIs(t, err, loyalty.ErrConcurrentModification)

	done := epoch.Add(time.Hour)
	next := saved
	next.PointsEarned, next.TransactionsCount = 200, 2
	next.CompletedAt = &done
	_, err = s.CommitTaskProgress(ctx, next, 5)
	assert.ErrorIs(t, err, loyalty.ErrConcurrentModification)

	saved, err = s.CommitTaskProgress(ctx, next, saved.Version)
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.Version)

	got, err := s.GetTaskProgress(ctx, "u", "task")
	require.NoError(t, err)
	assert.Equal(t, int64(200), got.PointsEarned)
	assert.Equal(t, int64(2), got.TransactionsCount)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, done.Equal(*got.CompletedAt))

	orphan := p
	orphan.TaskID = "missing"
	_, err = s.CommitTaskProgress(ctx, orphan, 0)
	assert.ErrorIs(t, err, loyalty.ErrTaskNotFound)
}
