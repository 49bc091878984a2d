package loyalty_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var start = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	ctx    context.Context
	ledger *loyalty.Ledger
	mem    *store.Memory
	clock  *loyalty.ManualClock
}

func newFixture(t *testing.T, s loyalty.Store) *fixture {
	t.Helper()
	mem := store.NewMemory()
	if s == nil {
		s = mem
	}
	clock := loyalty.NewManualClock(start)
	return &fixture{
		ctx:    context.Background(),
		ledger: loyalty.NewLedger(s, loyalty.Options{Clock: clock}),
		mem:    mem,
		clock:  clock,
	}
}

// program creates a program with the Bronze/Silver/Gold ladder.
func (f *fixture) program(t *testing.T, id loyalty.ProgramID, rate string) {
	t.Helper()
	p := loyalty.Program{ID: id, Name: string(id)}
	if rate != "" {
		p.ConversionRate = decimal.RequireFromString(rate)
	}
	_, err := f.ledger.CreateProgram(f.ctx, p)
	require.NoError(t, err)

	for _, tier := range []loyalty.Tier{
		{Name: "Bronze", PointsToReach: 100},
		{Name: "Silver", PointsToReach: 300},
		{Name: "Gold", PointsToReach: 500},
	} {
		tier.ProgramID = id
		_, err := f.ledger.CreateTier(f.ctx, tier)
		require.NoError(t, err)
	}
}

func (f *fixture) task(t *testing.T, id loyalty.TaskID, program loyalty.ProgramID, points, txs, reward int64) {
	t.Helper()
	_, err := f.ledger.CreateTask(f.ctx, loyalty.Task{
		ID:                   id,
		ProgramID:            program,
		Name:                 string(id),
		PointsRequired:       points,
		TransactionsRequired: txs,
		DurationDays:         7,
		RewardPoints:         reward,
	})
	require.NoError(t, err)
}

func (f *fixture) account(t *testing.T, user loyalty.UserID, program loyalty.ProgramID) loyalty.AccountView {
	t.Helper()
	v, err := f.ledger.GetAccount(f.ctx, user, program)
	require.NoError(t, err)
	return v
}

func (f *fixture) earn(t *testing.T, user loyalty.UserID, program loyalty.ProgramID, amount int64) loyalty.EarnResult {
	t.Helper()
	res, err := f.ledger.EarnAndTrack(f.ctx, user, program, amount)
	require.NoError(t, err)
	return res
}

func (f *fixture) transactions(t *testing.T, program loyalty.ProgramID, user loyalty.UserID) []loyalty.Transaction {
	t.Helper()
	txs, err := f.ledger.ListTransactions(f.ctx, program, loyalty.TransactionFilter{UserID: user})
	require.NoError(t, err)
	return txs
}

// =============================================================================
// BALANCE ENGINE
// =============================================================================

func TestEarnRedeem_EndToEnd(t *testing.T) {
	// GIVEN: Bronze=100, Silver=300, Gold=500
	f := newFixture(t, nil)
	f.program(t, "shop", "")

	steps := []struct {
		earn, redeem      int64
		balance, lifetime int64
		tier              string
	}{
		{earn: 150, balance: 150, lifetime: 150, tier: "Bronze"},
		{earn: 200, balance: 350, lifetime: 350, tier: "Silver"},
		{redeem: 200, balance: 150, lifetime: 350, tier: "Silver"},
		{earn: 300, balance: 450, lifetime: 650, tier: "Gold"},
	}
	for i, s := range steps {
		var err error
		if s.earn > 0 {
			_, err = f.ledger.Earn(f.ctx, "alice", "shop", s.earn)
		} else {
			_, err = f.ledger.Redeem(f.ctx, "alice", "shop", s.redeem)
		}
		require.NoError(t, err, "step %d", i)

		v := f.account(t, "alice", "shop")
		assert.Equal(t, s.balance, v.Balance, "step %d balance", i)
		assert.Equal(t, s.lifetime, v.LifetimeEarned, "step %d lifetime", i)
		assert.Equal(t, s.tier, v.Tier, "step %d tier", i)
	}

	// One transaction per step, in order
	txs := f.transactions(t, "shop", "alice")
	require.Len(t, txs, 4)
	assert.Equal(t, loyalty.KindRedeem, txs[2].Kind)
	for i := 1; i < len(txs); i++ {
		assert.Greater(t, txs[i].Seq, txs[i-1].Seq)
		assert.False(t, txs[i].Timestamp.Before(txs[i-1].Timestamp))
	}
}

func TestRedeem_DoesNotChangeTier(t *testing.T) {
	f := newFixture(t, nil)
	f.program(t, "shop", "")

	_, err := f.ledger.Earn(f.ctx, "alice", "shop", 500)
	require.NoError(t, err)
	acct, err := f.ledger.Redeem(f.ctx, "alice", "shop", 200)
	require.NoError(t, err)

	assert.Equal(t, int64(300), acct.Balance)
	assert.Equal(t, int64(500), acct.LifetimeEarned)
	assert.Equal(t, "Gold", f.account(t, "alice", "shop").Tier)
}

func TestRedeem_InsufficientPoints(t *testing.T) {
	// GIVEN: balance=100
	f := newFixture(t, nil)
	f.program(t, "shop", "")
	_, err := f.ledger.Earn(f.ctx, "alice", "shop", 100)
	require.NoError(t, err)

	// WHEN: redeem(200)
	_, err = f.ledger.Redeem(f.ctx, "alice", "shop", 200)

	// THEN: Rejected, nothing changed, nothing appended
	require.ErrorIs(t, err, loyalty.ErrInsufficientPoints)
	var ipe *loyalty.InsufficientPointsError
	require.True(t, errors.As(err, &ipe))
	assert.Equal(t, int64(100), ipe.Available)
	assert.Equal(t, int64(200), ipe.Requested)

	v := f.account(t, "alice", "shop")
	assert.Equal(t, int64(100), v.Balance)
	assert.Equal(t, int64(100), v.LifetimeEarned)
	assert.Len(t, f.transactions(t, "shop", "alice"), 1)
}

func TestRedeem_ExactBalance(t *testing.T) {
	f := newFixture(t, nil)
	f.program(t, "shop", "")
	_, err := f.ledger.Earn(f.ctx, "alice", "shop", 120)
	require.NoError(t, err)

	acct, err := f.ledger.Redeem(f.ctx, "alice", "shop", 120)

	require.NoError(t, err)
	assert.Zero(t, acct.Balance)
	assert.Equal(t, int64(120), acct.LifetimeEarned)
}

func TestValidation_NothingPersisted(t *testing.T) {
	f := newFixture(t, nil)
	f.program(t, "shop", "0.1")

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"earn zero", func() error { _, err := f.ledger.Earn(f.ctx, "alice", "shop", 0); return err }, loyalty.ErrInvalidAmount},
		{"earn negative", func() error { _, err := f.ledger.Earn(f.ctx, "alice", "shop", -10); return err }, loyalty.ErrInvalidAmount},
		{"earn rounds to zero", func() error { _, err := f.ledger.Earn(f.ctx, "alice", "shop", 4); return err }, loyalty.ErrInvalidAmount},
		{"earn unknown program", func() error { _, err := f.ledger.Earn(f.ctx, "alice", "nope", 10); return err }, loyalty.ErrProgramNotFound},
		{"earn without user", func() error { _, err := f.ledger.Earn(f.ctx, "", "shop", 10); return err }, loyalty.ErrInvalidInput},
		{"redeem zero", func() error { _, err := f.ledger.Redeem(f.ctx, "alice", "shop", 0); return err }, loyalty.ErrInvalidAmount},
		{"redeem unknown account", func() error { _, err := f.ledger.Redeem(f.ctx, "alice", "shop", 1); return err }, loyalty.ErrAccountNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.run(), tt.want)
		})
	}

	_, err := f.ledger.GetAccount(f.ctx, "alice", "shop")
	assert.ErrorIs(t, err, loyalty.ErrAccountNotFound)
	assert.Empty(t, f.transactions(t, "shop", ""))
}

func TestEarn_ConversionRate(t *testing.T) {
	// GIVEN: A program converting at 0.5
	f := newFixture(t, nil)
	f.program(t, "coffee", "0.5")

	// WHEN: 400 and then 3 are earned
	res := f.earn(t, "bob", "coffee", 400)
	f.earn(t, "bob", "coffee", 3)

	// THEN: 200 + round(1.5) = 202 points
	assert.Equal(t, int64(400), res.Transaction.Points)
	assert.Equal(t, int64(200), res.Transaction.Credited)
	v := f.account(t, "bob", "coffee")
	assert.Equal(t, int64(202), v.Balance)
	assert.Equal(t, "Bronze", v.Tier)
}

func TestEarn_Overflow(t *testing.T) {
	// GIVEN: A program converting at 5
	f := newFixture(t, nil)
	f.program(t, "shop", "5")

	// WHEN: The converted amount does not fit in int64
	_, err := f.ledger.Earn(f.ctx, "alice", "shop", 4_000_000_000_000_000_000)

	// THEN: A client error and nothing persisted
	assert.ErrorIs(t, err, loyalty.ErrInvalidAmount)
	assert.True(t, loyalty.IsClientError(err))
	_, err = f.ledger.GetAccount(f.ctx, "alice", "shop")
	assert.ErrorIs(t, err, loyalty.ErrAccountNotFound)

	// GIVEN: An account holding 5 points
	f.earn(t, "bob", "shop", 1)
	txs := len(f.transactions(t, "shop", "bob"))

	// WHEN: The balance would wrap past int64
	_, _, err = f.ledger.Balance.Credit(f.ctx, "bob", "shop", math.MaxInt64, loyalty.CreditOptions{})

	// THEN: Rejected as a client error; balance and log unchanged
	assert.ErrorIs(t, err, loyalty.ErrInvalidAmount)
	assert.True(t, loyalty.IsClientError(err))
	v := f.account(t, "bob", "shop")
	assert.Equal(t, int64(5), v.Balance)
	assert.Equal(t, int64(5), v.LifetimeEarned)
	assert.Len(t, f.transactions(t, "shop", "bob"), txs)
}

func TestEarn_ConcurrentSameAccount(t *testing.T) {
	// GIVEN: N concurrent earns of p points
	f := newFixture(t, nil)
	f.program(t, "shop", "")
	const n, p = 40, 7

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.ledger.EarnAndTrack(f.ctx, "alice", "shop", p); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("earn failed: %v", err)
	}

	// THEN: No lost updates
	v := f.account(t, "alice", "shop")
	assert.Equal(t, int64(n*p), v.Balance)
	assert.Equal(t, int64(n*p), v.LifetimeEarned)
	assert.Len(t, f.transactions(t, "shop", "alice"), n)
}

func TestRedeem_ConcurrentNeverOverdraws(t *testing.T) {
	// GIVEN: 100 points and 30 concurrent redemptions of 10
	f := newFixture(t, nil)
	f.program(t, "shop", "")
	_, err := f.ledger.Earn(f.ctx, "alice", "shop", 100)
	require.NoError(t, err)

	var (
		wg                  sync.WaitGroup
		mu                  sync.Mutex
		succeeded, rejected int
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.Redeem(f.ctx, "alice", "shop", 10)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, loyalty.ErrInsufficientPoints):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// THEN: Exactly ten succeed and the balance is zero
	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 20, rejected)
	assert.Zero(t, f.account(t, "alice", "shop").Balance)
}

// conflictingStore fails the first CommitAccount calls with a version
// conflict, as another process winning the race would.
type conflictingStore struct {
	*store.Memory
	mu        sync.Mutex
	conflicts int
}

func (s *conflictingStore) CommitAccount(ctx context.Context, acct loyalty.Account, expected int64, tx loyalty.Transaction) (loyalty.Account, loyalty.Transaction, error) {
	s.mu.Lock()
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return loyalty.Account{}, loyalty.Transaction{}, loyalty.ErrConcurrentModification
	}
	s.mu.Unlock()
	return s.Memory.CommitAccount(ctx, acct, expected, tx)
}

func TestEarn_RetriesConflictsThenBusy(t *testing.T) {
	cs := &conflictingStore{Memory: store.NewMemory(), conflicts: 2}
	ledger := loyalty.NewLedger(cs, loyalty.Options{Retry: loyalty.RetryPolicy{MaxAttempts: 3}})
	ctx := context.Background()
	_, err := ledger.CreateProgram(ctx, loyalty.Program{ID: "shop", Name: "Shop"})
	require.NoError(t, err)

	// Two conflicts fit in three attempts
	acct, err := ledger.Earn(ctx, "alice", "shop", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.Balance)

	// Three conflicts do not
	cs.conflicts = 3
	_, err = ledger.Earn(ctx, "alice", "shop", 10)
	assert.ErrorIs(t, err, loyalty.ErrBusy)

	v, err := ledger.GetAccount(ctx, "alice", "shop")
	require.NoError(t, err)
	assert.Equal(t, int64(10), v.Balance)
}

// =============================================================================
// TASK PROGRESS
// =============================================================================

func TestTask_RewardGrantedExactlyOnce(t *testing.T) {
	// GIVEN: points_required=200, transactions_required=2, reward_points=50
	f := newFixture(t, nil)
	f.program(t, "shop", "")
	f.task(t, "two-buys", "shop", 200, 2, 50)

	// WHEN: Two earns of 100
	first := f.earn(t, "alice", "shop", 100)
	second := f.earn(t, "alice", "shop", 100)

	// THEN: Completed on the second earn, balance is +250
	assert.Empty(t, first.CompletedTasks)
	require.Len(t, second.CompletedTasks, 1)
	assert.Equal(t, int64(250), second.Account.Balance)

	p, err := f.ledger.GetTaskProgress(f.ctx, "alice", "two-buys")
	require.NoError(t, err)
	assert.Equal(t, int64(200), p.PointsEarned)
	assert.Equal(t, int64(2), p.TransactionsCount)
	require.NotNil(t, p.CompletedAt)
	completedAt := *p.CompletedAt

	// WHEN: Progress is re-evaluated and more qualifying updates arrive
	_, err = f.ledger.EvaluateTaskProgress(f.ctx, "alice", "two-buys")
	require.NoError(t, err)
	more := int64(900)
	_, err = f.ledger.UpsertTaskProgress(f.ctx, "alice", "two-buys", loyalty.ProgressUpdate{PointsEarned: &more})
	require.NoError(t, err)
	f.earn(t, "alice", "shop", 100)

	// THEN: completed_at and the reward are unchanged
	p, err = f.ledger.GetTaskProgress(f.ctx, "alice", "two-buys")
	require.NoError(t, err)
	assert.True(t, completedAt.Equal(*p.CompletedAt))
	assert.Equal(t, int64(350), f.account(t, "alice", "shop").Balance)

	rewards := 0
	for _, tx := range f.transactions(t, "shop", "alice") {
		if tx.IsTaskReward() {
			rewards++
			assert.Equal(t, loyalty.RewardKey("alice", "two-buys"), tx.IdempotencyKey)
			assert.Equal(t, "two-buys", tx.ReferenceID)
		}
	}
	assert.Equal(t, 1, rewards)
}

func TestTask_RedeemAndRewardDoNotAdvanceProgress(t *testing.T) {
	f := newFixture(t, nil)
	f.program(t, "shop", "")
	f.task(t, "big", "shop", 1000, 1, 0)
	f.task(t, "small", "shop", 50, 1, 25)

	f.earn(t, "alice", "shop", 60)
	_, err := f.ledger.Redeem(f.ctx, "alice", "shop", 10)
	require.NoError(t, err)

	// The 25-point reward of "small" is not counted toward "big".
	p, err := f.ledger.GetTaskProgress(f.ctx, "alice", "big")
	require.NoError(t, err)
	assert.Equal(t, int64(60), p.PointsEarned)
	assert.Equal(t, int64(1), p.TransactionsCount)
	assert.False(t, p.Completed())
}

func TestTask_AccruesPreConversionPoints(t *testing.T) {
	f := newFixture(t, nil)
	f.program(t, "coffee", "0.5")
	f.task(t, "spend", "coffee", 100, 1, 0)

	res := f.earn(t, "alice", "coffee", 100)

	require.Len(t, res.CompletedTasks, 1)
	assert.Equal(t, int64(100), res.CompletedTasks[0].PointsEarned)
	assert.Equal(t, int64(50), res.Account.Balance)
}

func TestTask_ProgressAccruesAfterDeadline(t *testing.T) {
	f := newFixture(t, nil)
	f.program(t, "shop", "")
	f.task(t, "week", "shop", 100, 1, 10)

	task, err := f.ledger.GetTask(f.ctx, "week")
	require.NoError(t, err)
	f.clock.Set(task.Deadline().Add(24 * time.Hour))

	res := f.earn(t, "alice", "shop", 100)
	assert.Len(t, res.CompletedTasks, 1)
}

func TestUpsertTaskProgress_Validation(t *testing.T) {
	f := newFixture(t, nil)
	f.program(t, "shop", "")
	f.task(t, "t", "shop", 100, 1, 0)

	neg := int64(-1)
	_, err := f.ledger.UpsertTaskProgress(f.ctx, "alice", "t", loyalty.ProgressUpdate{PointsEarned: &neg})
	assert.ErrorIs(t, err, loyalty.ErrInvalidInput)

	one := int64(1)
	_, err = f.ledger.UpsertTaskProgress(f.ctx, "alice", "missing", loyalty.ProgressUpdate{PointsEarned: &one})
	assert.ErrorIs(t, err, loyalty.ErrTaskNotFound)

	_, err = f.ledger.GetTaskProgress(f.ctx, "alice", "t")
	assert.ErrorIs(t, err, loyalty.ErrProgressNotFound)
}

// failingProgressStore fails progress commits for one task.
type failingProgressStore struct {
	*store.Memory
	failTask loyalty.TaskID
}

var errDiskFull = errors.New("disk full")

func (s *failingProgressStore) CommitTaskProgress(ctx context.Context, p loyalty.TaskProgress, expected int64) (loyalty.TaskProgress, error) {
	if p.TaskID == s.failTask {
		return loyalty.TaskProgress{}, errDiskFull
	}
	return s.Memory.CommitTaskProgress(ctx, p, expected)
}

func TestEarnAndTrack_PartialFailureKeepsEarn(t *testing.T) {
	// GIVEN: Three tasks, the middle one failing in the store
	fs := &failingProgressStore{Memory: store.NewMemory(), failTask: "b"}
	f := newFixture(t, fs)
	f.program(t, "shop", "")
	f.task(t, "a", "shop", 10, 1, 5)
	f.task(t, "b", "shop", 10, 1, 5)
	f.task(t, "c", "shop", 10, 1, 5)

	// WHEN: Earning
	res, err := f.ledger.EarnAndTrack(f.ctx, "alice", "shop", 100)

	// THEN: The earn is committed, a and c completed, b reported
	var pf *loyalty.PartialFailureError
	require.True(t, errors.As(err, &pf))
	require.Len(t, pf.Failures, 1)
	assert.Equal(t, loyalty.TaskID("b"), pf.Failures[0].TaskID)
	assert.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, res.Transaction.ID, pf.TransactionID)

	assert.Len(t, res.CompletedTasks, 2)
	assert.Equal(t, int64(110), res.Account.Balance)
	assert.Equal(t, int64(110), f.account(t, "alice", "shop").Balance)
}

// =============================================================================
// PROGRAMS, TRANSACTIONS, AUDIT
// =============================================================================

func TestUpdateProgram_ImmutableOnceReferenced(t *testing.T) {
	f := newFixture(t, nil)
	f.program(t, "shop", "")

	updated, err := f.ledger.UpdateProgram(f.ctx, loyalty.Program{ID: "shop", Name: "Shop", ConversionRate: decimal.NewFromInt(2)})
	require.NoError(t, err)
	assert.Equal(t, "2", updated.Rate().String())

	_, err = f.ledger.Earn(f.ctx, "alice", "shop", 10)
	require.NoError(t, err)

	_, err = f.ledger.UpdateProgram(f.ctx, loyalty.Program{ID: "shop", Name: "Shop", ConversionRate: decimal.NewFromInt(3)})
	assert.ErrorIs(t, err, loyalty.ErrProgramImmutable)

	_, err = f.ledger.UpdateProgram(f.ctx, loyalty.Program{ID: "nope", Name: "Nope"})
	assert.ErrorIs(t, err, loyalty.ErrProgramNotFound)
}

func TestCreateTier_Rules(t *testing.T) {
	f := newFixture(t, nil)
	f.program(t, "shop", "")

	_, err := f.ledger.CreateTier(f.ctx, loyalty.Tier{ProgramID: "shop", Name: "Gold", PointsToReach: 900})
	assert.ErrorIs(t, err, loyalty.ErrDuplicateTier)
	_, err = f.ledger.CreateTier(f.ctx, loyalty.Tier{ProgramID: "shop", Name: "Platinum", PointsToReach: 500})
	assert.ErrorIs(t, err, loyalty.ErrDuplicateTier)
	_, err = f.ledger.CreateTier(f.ctx, loyalty.Tier{ProgramID: "shop", Name: "Zero", PointsToReach: 0})
	assert.ErrorIs(t, err, loyalty.ErrInvalidInput)
	_, err = f.ledger.CreateTier(f.ctx, loyalty.Tier{ProgramID: "nope", Name: "Gold", PointsToReach: 1})
	assert.ErrorIs(t, err, loyalty.ErrProgramNotFound)

	tiers, err := f.ledger.ListTiers(f.ctx, "shop")
	require.NoError(t, err)
	require.Len(t, tiers, 3)
	assert.Equal(t, "Bronze", tiers[0].Name)
}

func TestListTransactions_FiltersAndCursor(t *testing.T) {
	f := newFixture(t, nil)
	f.program(t, "shop", "")
	f.program(t, "other", "")

	for i := 0; i < 6; i++ {
		user := loyalty.UserID("alice")
		if i%2 == 1 {
			user = "bob"
		}
		_, err := f.ledger.Earn(f.ctx, user, "shop", int64(10*(i+1)))
		require.NoError(t, err)
	}
	_, err := f.ledger.Earn(f.ctx, "alice", "other", 5)
	require.NoError(t, err)

	all := f.transactions(t, "shop", "")
	require.Len(t, all, 6)

	// Time window covers the 2nd through 4th transactions
	from, to := all[1].Timestamp, all[3].Timestamp
	window, err := f.ledger.ListTransactions(f.ctx, "shop", loyalty.TransactionFilter{Start: &from, End: &to})
	require.NoError(t, err)
	assert.Len(t, window, 3)

	// Paging resumes after the last seq seen
	var paged []loyalty.Transaction
	filter := loyalty.TransactionFilter{UserID: "alice", Limit: 2}
	for {
		page, err := f.ledger.ListTransactions(f.ctx, "shop", filter)
		require.NoError(t, err)
		paged = append(paged, page...)
		if len(page) < filter.Limit {
			break
		}
		filter.After = page[len(page)-1].Seq
	}
	require.Len(t, paged, 3)
	assert.Equal(t, []int64{10, 30, 50}, []int64{paged[0].Points, paged[1].Points, paged[2].Points})

	_, err = f.ledger.ListTransactions(f.ctx, "shop", loyalty.TransactionFilter{Start: &to, End: &from})
	assert.ErrorIs(t, err, loyalty.ErrInvalidInput)
	_, err = f.ledger.ListTransactions(f.ctx, "nope", loyalty.TransactionFilter{})
	assert.ErrorIs(t, err, loyalty.ErrProgramNotFound)
}

// driftingStore reports a stored balance that disagrees with the log.
type driftingStore struct {
	*store.Memory
}

func (s driftingStore) GetAccount(ctx context.Context, key loyalty.AccountKey) (loyalty.Account, error) {
	a, err := s.Memory.GetAccount(ctx, key)
	if err == nil && key.UserID == "bob" {
		a.Balance += 1
	}
	return a, err
}

func TestAudit(t *testing.T) {
	mem := store.NewMemory()
	ledger := loyalty.NewLedger(mem, loyalty.Options{})
	ctx := context.Background()
	_, err := ledger.CreateProgram(ctx, loyalty.Program{ID: "shop", Name: "Shop"})
	require.NoError(t, err)
	for _, u := range []loyalty.UserID{"alice", "bob"} {
		_, err := ledger.Earn(ctx, u, "shop", 100)
		require.NoError(t, err)
	}
	_, err = ledger.Redeem(ctx, "alice", "shop", 40)
	require.NoError(t, err)

	report, err := ledger.Audit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Programs)
	assert.Equal(t, 2, report.Accounts)
	assert.Empty(t, report.Drifted)

	r, err := ledger.ReplayAccount(ctx, "alice", "shop")
	require.NoError(t, err)
	assert.True(t, r.Consistent())
	assert.Equal(t, int64(60), r.Balance)
	assert.Equal(t, 2, r.Transactions)

	// Same data read through a store that misreports bob
	drifting := loyalty.NewLedger(driftingStore{mem}, loyalty.Options{})
	report, err = drifting.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, report.Drifted, 1)
	assert.Equal(t, loyalty.UserID("bob"), report.Drifted[0].Stored.UserID)
}

// racingStore commits one more earn for the user the first time the log is
// listed, between the account read and the log read of a replay.
type racingStore struct {
	*store.Memory
	once   sync.Once
	onList func()
}

func (s *racingStore) ListTransactions(ctx context.Context, programID loyalty.ProgramID, filter loyalty.TransactionFilter) ([]loyalty.Transaction, error) {
	if s.onList != nil {
		s.once.Do(s.onList)
	}
	return s.Memory.ListTransactions(ctx, programID, filter)
}

func TestReplayAccount_IgnoresCommitsAfterRead(t *testing.T) {
	// GIVEN: alice with two transactions
	rs := &racingStore{Memory: store.NewMemory()}
	f := newFixture(t, rs)
	f.program(t, "shop", "")
	f.earn(t, "alice", "shop", 100)
	_, err := f.ledger.Redeem(f.ctx, "alice", "shop", 30)
	require.NoError(t, err)

	// WHEN: An earn commits while the audit is replaying her log
	rs.onList = func() {
		_, err := f.ledger.Earn(f.ctx, "alice", "shop", 50)
		require.NoError(t, err)
	}
	report, err := f.ledger.Audit(f.ctx)

	// THEN: No drift is reported; the replay covers the account as read
	require.NoError(t, err)
	assert.Equal(t, 1, report.Accounts)
	assert.Empty(t, report.Drifted)

	r, err := f.ledger.ReplayAccount(f.ctx, "alice", "shop")
	require.NoError(t, err)
	assert.True(t, r.Consistent())
	assert.Equal(t, int64(120), r.Balance)
	assert.Equal(t, 3, r.Transactions)
}

func TestReplayAccount_Pages(t *testing.T) {
	// GIVEN: More transactions than one replay page
	f := newFixture(t, nil)
	f.program(t, "shop", "")
	for i := 0; i < 501; i++ {
		_, err := f.ledger.Earn(f.ctx, "alice", "shop", 2)
		require.NoError(t, err)
	}
	f.earn(t, "bob", "shop", 7)

	// WHEN: Replaying
	r, err := f.ledger.ReplayAccount(f.ctx, "alice", "shop")

	// THEN: Every transaction of alice is counted once
	require.NoError(t, err)
	assert.True(t, r.Consistent())
	assert.Equal(t, 501, r.Transactions)
	assert.Equal(t, int64(1002), r.Balance)
}

// flakyRewardStore fails the first reward commit.
type flakyRewardStore struct {
	*store.Memory
	failed bool
}

func (s *flakyRewardStore) CommitAccount(ctx context.Context, acct loyalty.Account, expected int64, tx loyalty.Transaction) (loyalty.Account, loyalty.Transaction, error) {
	if tx.IdempotencyKey != "" && !s.failed {
		s.failed = true
		return loyalty.Account{}, loyalty.Transaction{}, errDiskFull
	}
	return s.Memory.CommitAccount(ctx, acct, expected, tx)
}

func TestTask_FailedRewardGrantedOnNextEarn(t *testing.T) {
	// GIVEN: A task of 200 points over 2 transactions rewarding 50
	fs := &flakyRewardStore{Memory: store.NewMemory()}
	f := newFixture(t, fs)
	f.program(t, "shop", "")
	f.task(t, "t", "shop", 200, 2, 50)
	f.earn(t, "alice", "shop", 100)

	// WHEN: The completing earn cannot write the reward
	res, err := f.ledger.EarnAndTrack(f.ctx, "alice", "shop", 100)

	// THEN: The earn stands, completion is recorded and the failure reported
	var pf *loyalty.PartialFailureError
	require.True(t, errors.As(err, &pf))
	assert.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, int64(200), res.Account.Balance)
	p, err := f.ledger.GetTaskProgress(f.ctx, "alice", "t")
	require.NoError(t, err)
	assert.True(t, p.Completed())

	// WHEN: The next earn touches the task
	res = f.earn(t, "alice", "shop", 20)

	// THEN: The pending reward is granted and the returned account shows it
	assert.Empty(t, res.CompletedTasks)
	assert.Equal(t, int64(270), res.Account.Balance)
	assert.Equal(t, int64(270), f.account(t, "alice", "shop").Balance)

	// Later earns do not grant it again
	res = f.earn(t, "alice", "shop", 10)
	assert.Equal(t, int64(280), res.Account.Balance)

	rewards := 0
	for _, tx := range f.transactions(t, "shop", "alice") {
		if tx.IsTaskReward() {
			rewards++
		}
	}
	assert.Equal(t, 1, rewards)
}
