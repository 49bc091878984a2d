/*
Package loyalty provides the core point ledger engine.

PURPOSE:
  Tracks a loyalty point balance per (user, program) pair. Every balance
  change is an immutable Transaction appended in the same atomic unit as
  the Account mutation it causes, so the balance is always reconstructable
  from the log.

KEY CONCEPTS IN THIS FILE (types.go):
  - Program: tenant-defined scheme with a point conversion rate
  - Account: (user, program) balance + lifetime-earned counter
  - Transaction: immutable earn/redeem record
  - Tier: named threshold on lifetime-earned points
  - Task / TaskProgress: time-boxed bonus objectives and their per-user state

DESIGN PRINCIPLES:
  1. Append-only: transactions are never updated or deleted
  2. Integer points: balances are whole points, conversion uses decimal
  3. Derived state is computed, never cached (tier is resolved on read)
  4. Optimistic versions: Account and TaskProgress carry a Version used
     by stores to reject lost updates

SEE ALSO:
  - balance.go: Earn/Redeem
  - tier.go: ResolveTier
  - tasks.go: Task progress tracking
  - ledger.go: Facade used by the API layer
*/
package loyalty

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ProgramID string
type UserID string
type TaskID string
type TransactionID string

// ProgramScoped is implemented by every entity that belongs to a program.
// Callers resolve ownership through it instead of switching on entity type.
type ProgramScoped interface {
	OwningProgram() ProgramID
}

// =============================================================================
// PROGRAM
// =============================================================================

// DefaultConversionRate is applied when a program does not set one.
var DefaultConversionRate = decimal.NewFromInt(1)

type Program struct {
	ID             ProgramID
	Name           string
	Description    string
	// ConversionRate zero means unset; Rate then returns the default.
	// Explicit non-positive rates are rejected where definitions enter.
	ConversionRate decimal.Decimal
	CreatedAt      time.Time
}

// Rate returns the effective conversion rate.
func (p Program) Rate() decimal.Decimal {
	if p.ConversionRate.IsZero() {
		return DefaultConversionRate
	}
	return p.ConversionRate
}

func (p Program) OwningProgram() ProgramID { return p.ID }

var maxPoints = decimal.NewFromInt(math.MaxInt64)

// ConvertPoints applies a conversion rate to a raw amount, rounding half away
// from zero. Results outside the int64 range fail with ErrInvalidAmount.
func ConvertPoints(amount int64, rate decimal.Decimal) (int64, error) {
	d := decimal.NewFromInt(amount).Mul(rate).Round(0)
	if d.GreaterThan(maxPoints) || d.LessThan(maxPoints.Neg()) {
		return 0, fmt.Errorf("%w: %d at rate %s exceeds the point range", ErrInvalidAmount, amount, rate)
	}
	return d.IntPart(), nil
}

// addPoints returns a+b, failing with ErrInvalidAmount on int64 overflow.
func addPoints(a, b int64) (int64, error) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, fmt.Errorf("%w: adding %d to %d overflows", ErrInvalidAmount, b, a)
	}
	return a + b, nil
}

// =============================================================================
// ACCOUNT
// =============================================================================

type AccountKey struct {
	UserID    UserID
	ProgramID ProgramID
}

func (k AccountKey) String() string { return string(k.ProgramID) + "/" + string(k.UserID) }

// Account is the spendable balance of a user within a program.
//
// INVARIANTS:
//   - Balance >= 0
//   - Balance <= LifetimeEarned
//   - LifetimeEarned never decreases
type Account struct {
	UserID         UserID
	ProgramID      ProgramID
	Balance        int64
	LifetimeEarned int64

	// Version is 0 for an account that has never been persisted.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a Account) Key() AccountKey           { return AccountKey{UserID: a.UserID, ProgramID: a.ProgramID} }
func (a Account) OwningProgram() ProgramID { return a.ProgramID }

// AccountView is an account with its tier resolved at read time.
type AccountView struct {
	Account
	Tier string
}

// =============================================================================
// TRANSACTION
// =============================================================================

type TransactionKind string

const (
	KindEarn   TransactionKind = "earn"
	KindRedeem TransactionKind = "redeem"
)

// Reasons recorded on transactions.
const (
	ReasonEarn       = "earn"
	ReasonRedeem     = "redeem"
	ReasonTaskReward = "task_reward"
)

// Transaction is an immutable record of one balance change.
//
// Points is the amount the caller asked for (pre-conversion for earns).
// Credited is what was actually applied to the balance.
type Transaction struct {
	ID             TransactionID
	Seq            int64 // assigned by the store, strictly increasing
	UserID         UserID
	ProgramID      ProgramID
	Kind           TransactionKind
	Points         int64
	Credited       int64
	Reason         string
	ReferenceID    string
	IdempotencyKey string
	Timestamp      time.Time
}

func (t Transaction) OwningProgram() ProgramID { return t.ProgramID }
func (t Transaction) AccountKey() AccountKey   { return AccountKey{UserID: t.UserID, ProgramID: t.ProgramID} }

// Delta is the signed effect of the transaction on the balance.
func (t Transaction) Delta() int64 {
	if t.Kind == KindRedeem {
		return -t.Credited
	}
	return t.Credited
}

// IsTaskReward reports whether the transaction was granted by task completion.
func (t Transaction) IsTaskReward() bool { return t.Reason == ReasonTaskReward }

// TransactionFilter narrows ListTransactions. Zero values mean "no filter".
type TransactionFilter struct {
	UserID UserID
	Start  *time.Time // inclusive
	End    *time.Time // inclusive
	After  int64      // return only Seq > After (restart cursor)
	Limit  int
}

// Matches reports whether tx passes the filter, ignoring After and Limit.
func (f TransactionFilter) Matches(tx Transaction) bool {
	if f.UserID != "" && tx.UserID != f.UserID {
		return false
	}
	if f.Start != nil && tx.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && tx.Timestamp.After(*f.End) {
		return false
	}
	return true
}

// =============================================================================
// TIER
// =============================================================================

type Tier struct {
	ProgramID     ProgramID
	Name          string
	PointsToReach int64
	Description   string
}

func (t Tier) OwningProgram() ProgramID { return t.ProgramID }

// NoTier is returned by ResolveTier when no tier qualifies.
const NoTier = "No Tier"

// =============================================================================
// TASK
// =============================================================================

type Task struct {
	ID                   TaskID
	ProgramID            ProgramID
	Name                 string
	Description          string
	PointsRequired       int64
	TransactionsRequired int64
	DurationDays         int
	RewardPoints         int64
	CreatedAt            time.Time
}

func (t Task) OwningProgram() ProgramID { return t.ProgramID }

// Deadline is informational; accrual is not blocked after it passes.
func (t Task) Deadline() time.Time {
	return t.CreatedAt.AddDate(0, 0, t.DurationDays)
}

// RewardKey is the idempotency key of the reward transaction for a user/task.
// The store rejects a second transaction with the same key.
func RewardKey(userID UserID, taskID TaskID) string {
	return "task-reward:" + string(userID) + ":" + string(taskID)
}

// TaskProgress is the per-user accumulation toward a task.
// CompletedAt is set at most once.
type TaskProgress struct {
	UserID            UserID
	TaskID            TaskID
	ProgramID         ProgramID
	PointsEarned      int64
	TransactionsCount int64
	CompletedAt       *time.Time

	Version   int64
	UpdatedAt time.Time
}

func (p TaskProgress) OwningProgram() ProgramID { return p.ProgramID }
func (p TaskProgress) Completed() bool          { return p.CompletedAt != nil }

// Satisfies reports whether the accumulators meet the task requirements.
func (p TaskProgress) Satisfies(task Task) bool {
	return p.PointsEarned >= task.PointsRequired &&
		p.TransactionsCount >= task.TransactionsRequired
}

// ProgressUpdate is a direct write of progress fields. Nil fields are left
// unchanged.
type ProgressUpdate struct {
	PointsEarned      *int64
	TransactionsCount *int64
}
