/*
ledger.go - Facade over the balance engine, tier resolver and task tracker

PURPOSE:
  The single entry point used by the API layer. Collaborators hand it
  pre-authorized, typed requests; the Ledger validates them, runs the
  engine and returns what should be rendered.

FLOWS:
  EarnAndTrack: BalanceEngine.Earn -> TaskTracker.Track(tx)
  Redeem:       BalanceEngine.Redeem (no task side effects)
  GetAccount:   Store.GetAccount + ResolveTier(lifetime, tiers)

  A task-progress failure in EarnAndTrack never rolls back the earn: the
  result is returned together with a *PartialFailureError.

SEE ALSO:
  - balance.go, tasks.go, tier.go
  - api/handlers.go: HTTP mapping
*/
package loyalty

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Options configures the engine. Zero values get defaults.
type Options struct {
	Clock    Clock
	Logger   logrus.FieldLogger
	Recorder Recorder
	Retry    RetryPolicy
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = &SystemClock{}
	}
	if o.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		o.Logger = l
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	return o
}

// Ledger orchestrates the loyalty engine.
type Ledger struct {
	store    Store
	clock    Clock
	log      logrus.FieldLogger
	recorder Recorder
	Balance  *BalanceEngine
	Tasks    *TaskTracker
}

func NewLedger(store Store, opts Options) *Ledger {
	opts = opts.withDefaults()
	balance := NewBalanceEngine(store, opts)
	return &Ledger{
		store:    store,
		clock:    opts.Clock,
		log:      opts.Logger,
		recorder: opts.Recorder,
		Balance:  balance,
		Tasks:    NewTaskTracker(store, balance, opts),
	}
}

// EarnResult is the outcome of EarnAndTrack.
type EarnResult struct {
	Account        Account
	Transaction    Transaction
	CompletedTasks []TaskProgress
}

// =============================================================================
// POINTS
// =============================================================================

// Earn credits points without touching task progress.
func (l *Ledger) Earn(ctx context.Context, userID UserID, programID ProgramID, amount int64) (Account, error) {
	acct, _, err := l.Balance.Earn(ctx, userID, programID, amount)
	return acct, err
}

// EarnAndTrack credits points and advances the program's tasks.
// If only task tracking fails, the result is valid and err is a
// *PartialFailureError (or a wrapped listing error).
func (l *Ledger) EarnAndTrack(ctx context.Context, userID UserID, programID ProgramID, amount int64) (EarnResult, error) {
	acct, tx, err := l.Balance.Earn(ctx, userID, programID, amount)
	if err != nil {
		return EarnResult{}, err
	}

	result := EarnResult{Account: acct, Transaction: tx}
	tracked, trackErr := l.Tasks.Track(ctx, tx)
	result.CompletedTasks = tracked.Completed

	if tracked.Rewards > 0 {
		// Rewards moved the balance after the earn committed.
		if latest, err := l.store.GetAccount(ctx, acct.Key()); err == nil {
			result.Account = latest
		}
	}
	return result, trackErr
}

// Redeem debits points. It has no task-progress side effects.
func (l *Ledger) Redeem(ctx context.Context, userID UserID, programID ProgramID, points int64) (Account, error) {
	acct, _, err := l.Balance.Redeem(ctx, userID, programID, points)
	return acct, err
}

// GetAccount returns the account with its tier resolved now.
func (l *Ledger) GetAccount(ctx context.Context, userID UserID, programID ProgramID) (AccountView, error) {
	acct, err := l.store.GetAccount(ctx, AccountKey{UserID: userID, ProgramID: programID})
	if err != nil {
		return AccountView{}, err
	}
	tiers, err := l.store.ListTiers(ctx, programID)
	if err != nil {
		return AccountView{}, err
	}
	return AccountView{Account: acct, Tier: ResolveTier(acct.LifetimeEarned, tiers)}, nil
}

// ListAccounts returns the program's accounts with tiers resolved.
func (l *Ledger) ListAccounts(ctx context.Context, programID ProgramID) ([]AccountView, error) {
	if _, err := l.store.GetProgram(ctx, programID); err != nil {
		return nil, err
	}
	accounts, err := l.store.ListAccounts(ctx, programID)
	if err != nil {
		return nil, err
	}
	tiers, err := l.store.ListTiers(ctx, programID)
	if err != nil {
		return nil, err
	}

	views := make([]AccountView, len(accounts))
	for i, a := range accounts {
		views[i] = AccountView{Account: a, Tier: ResolveTier(a.LifetimeEarned, tiers)}
	}
	return views, nil
}

// ListTransactions returns the program's transactions in creation order.
// Pass the last Seq seen as filter.After to resume.
func (l *Ledger) ListTransactions(ctx context.Context, programID ProgramID, filter TransactionFilter) ([]Transaction, error) {
	if _, err := l.store.GetProgram(ctx, programID); err != nil {
		return nil, err
	}
	if filter.Start != nil && filter.End != nil && filter.End.Before(*filter.Start) {
		return nil, fmt.Errorf("%w: end before start", ErrInvalidInput)
	}
	if filter.Limit < 0 || filter.After < 0 {
		return nil, fmt.Errorf("%w: limit and cursor must not be negative", ErrInvalidInput)
	}
	return l.store.ListTransactions(ctx, programID, filter)
}

// Replay is the result of rebuilding an account from its transactions.
type Replay struct {
	Stored         Account
	Balance        int64
	LifetimeEarned int64
	Transactions   int
}

// Consistent reports whether the stored account matches the log.
func (r Replay) Consistent() bool {
	return r.Balance == r.Stored.Balance && r.LifetimeEarned == r.Stored.LifetimeEarned
}

// ReplayAccount recomputes balance and lifetime earned from the log.
func (l *Ledger) ReplayAccount(ctx context.Context, userID UserID, programID ProgramID) (Replay, error) {
	acct, err := l.store.GetAccount(ctx, AccountKey{UserID: userID, ProgramID: programID})
	if err != nil {
		return Replay{}, err
	}

	// Every commit appends one transaction and bumps the version, so the
	// first acct.Version transactions are exactly the ones acct reflects.
	// Later commits are left out of the replay.
	const page = 500
	r := Replay{Stored: acct}
	remaining := acct.Version
	filter := TransactionFilter{UserID: userID}
	for remaining > 0 {
		filter.Limit = int(min(remaining, page))
		txs, err := l.store.ListTransactions(ctx, programID, filter)
		if err != nil {
			return Replay{}, err
		}
		for _, tx := range txs {
			r.Balance += tx.Delta()
			if tx.Kind == KindEarn {
				r.LifetimeEarned += tx.Credited
			}
			r.Transactions++
		}
		remaining -= int64(len(txs))
		if len(txs) < filter.Limit {
			break
		}
		filter.After = txs[len(txs)-1].Seq
	}

	if !r.Consistent() {
		l.recorder.Drifted(programID)
		l.log.WithFields(logrus.Fields{
			"user_id":         userID,
			"program_id":      programID,
			"stored_balance":  acct.Balance,
			"replay_balance":  r.Balance,
			"stored_lifetime": acct.LifetimeEarned,
			"replay_lifetime": r.LifetimeEarned,
		}).Error("account drifted from transaction log")
	}
	return r, nil
}

// AuditReport summarizes one Audit run.
type AuditReport struct {
	Programs int
	Accounts int
	Drifted  []Replay
}

// Audit replays every account of every program. Accounts whose stored
// balance disagrees with the log are listed in Drifted.
func (l *Ledger) Audit(ctx context.Context) (AuditReport, error) {
	programs, err := l.store.ListPrograms(ctx)
	if err != nil {
		return AuditReport{}, err
	}

	var report AuditReport
	for _, p := range programs {
		accounts, err := l.store.ListAccounts(ctx, p.ID)
		if err != nil {
			return report, fmt.Errorf("listing accounts of %s: %w", p.ID, err)
		}
		report.Programs++
		for _, a := range accounts {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			r, err := l.ReplayAccount(ctx, a.UserID, a.ProgramID)
			if err != nil {
				return report, fmt.Errorf("replaying %s: %w", a.Key(), err)
			}
			report.Accounts++
			if !r.Consistent() {
				report.Drifted = append(report.Drifted, r)
			}
		}
	}
	return report, nil
}

// =============================================================================
// TASK PROGRESS
// =============================================================================

// UpsertTaskProgress writes progress fields directly and evaluates completion.
func (l *Ledger) UpsertTaskProgress(ctx context.Context, userID UserID, taskID TaskID, upd ProgressUpdate) (TaskProgress, error) {
	p, _, err := l.Tasks.Upsert(ctx, userID, taskID, upd)
	return p, err
}

func (l *Ledger) GetTaskProgress(ctx context.Context, userID UserID, taskID TaskID) (TaskProgress, error) {
	return l.store.GetTaskProgress(ctx, userID, taskID)
}

// EvaluateTaskProgress re-runs completion for an existing progress record.
func (l *Ledger) EvaluateTaskProgress(ctx context.Context, userID UserID, taskID TaskID) (TaskProgress, error) {
	p, _, err := l.Tasks.Evaluate(ctx, userID, taskID)
	return p, err
}

// =============================================================================
// PROGRAMS, TIERS, TASKS
// =============================================================================

func (l *Ledger) CreateProgram(ctx context.Context, p Program) (Program, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return Program{}, fmt.Errorf("%w: program name is required", ErrInvalidInput)
	}
	if p.ConversionRate.IsNegative() {
		return Program{}, fmt.Errorf("%w: conversion rate must not be negative", ErrInvalidInput)
	}
	if p.ID == "" {
		p.ID = ProgramID(uuid.NewString())
	}
	p.ConversionRate = p.Rate()
	p.CreatedAt = l.clock.Now()

	if err := l.store.CreateProgram(ctx, p); err != nil {
		return Program{}, err
	}
	l.log.WithField("program_id", p.ID).Info("program created")
	return p, nil
}

// UpdateProgram replaces a program's attributes. Programs referenced by any
// transaction are immutable.
func (l *Ledger) UpdateProgram(ctx context.Context, p Program) (Program, error) {
	existing, err := l.store.GetProgram(ctx, p.ID)
	if err != nil {
		return Program{}, err
	}
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return Program{}, fmt.Errorf("%w: program name is required", ErrInvalidInput)
	}
	if p.ConversionRate.IsNegative() {
		return Program{}, fmt.Errorf("%w: conversion rate must not be negative", ErrInvalidInput)
	}

	used, err := l.store.HasTransactions(ctx, p.ID)
	if err != nil {
		return Program{}, err
	}
	if used {
		return Program{}, fmt.Errorf("%w: %s", ErrProgramImmutable, p.ID)
	}

	p.ConversionRate = p.Rate()
	p.CreatedAt = existing.CreatedAt
	if err := l.store.UpdateProgram(ctx, p); err != nil {
		return Program{}, err
	}
	return p, nil
}

func (l *Ledger) GetProgram(ctx context.Context, id ProgramID) (Program, error) {
	return l.store.GetProgram(ctx, id)
}

func (l *Ledger) ListPrograms(ctx context.Context) ([]Program, error) {
	return l.store.ListPrograms(ctx)
}

func (l *Ledger) CreateTier(ctx context.Context, t Tier) (Tier, error) {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return Tier{}, fmt.Errorf("%w: tier name is required", ErrInvalidInput)
	}
	if t.PointsToReach <= 0 {
		return Tier{}, fmt.Errorf("%w: points_to_reach must be positive", ErrInvalidInput)
	}
	if err := l.requireProgram(ctx, t); err != nil {
		return Tier{}, err
	}
	if err := l.store.CreateTier(ctx, t); err != nil {
		return Tier{}, err
	}
	return t, nil
}

func (l *Ledger) ListTiers(ctx context.Context, programID ProgramID) ([]Tier, error) {
	if _, err := l.store.GetProgram(ctx, programID); err != nil {
		return nil, err
	}
	return l.store.ListTiers(ctx, programID)
}

func (l *Ledger) DeleteTier(ctx context.Context, programID ProgramID, name string) error {
	return l.store.DeleteTier(ctx, programID, name)
}

func (l *Ledger) CreateTask(ctx context.Context, t Task) (Task, error) {
	t.Name = strings.TrimSpace(t.Name)
	switch {
	case t.Name == "":
		return Task{}, fmt.Errorf("%w: task name is required", ErrInvalidInput)
	case t.PointsRequired < 0, t.TransactionsRequired < 0, t.RewardPoints < 0:
		return Task{}, fmt.Errorf("%w: task thresholds and reward must not be negative", ErrInvalidInput)
	case t.DurationDays < 0:
		return Task{}, fmt.Errorf("%w: duration_days must not be negative", ErrInvalidInput)
	}
	if err := l.requireProgram(ctx, t); err != nil {
		return Task{}, err
	}
	if t.ID == "" {
		t.ID = TaskID(uuid.NewString())
	}
	t.CreatedAt = l.clock.Now()
	if err := l.store.CreateTask(ctx, t); err != nil {
		return Task{}, err
	}
	return t, nil
}

func (l *Ledger) GetTask(ctx context.Context, id TaskID) (Task, error) {
	return l.store.GetTask(ctx, id)
}

func (l *Ledger) ListTasks(ctx context.Context, programID ProgramID) ([]Task, error) {
	if _, err := l.store.GetProgram(ctx, programID); err != nil {
		return nil, err
	}
	return l.store.ListTasks(ctx, programID)
}

// requireProgram checks that the entity's owning program exists.
func (l *Ledger) requireProgram(ctx context.Context, entity ProgramScoped) error {
	_, err := l.store.GetProgram(ctx, entity.OwningProgram())
	return err
}
