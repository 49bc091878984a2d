/*
store.go - Persistence interfaces for the ledger

PURPOSE:
  Defines the contract between the engine and the database. Stores keep
  transactions append-only and make every Account / TaskProgress write
  conditional on the version the caller read.

OPTIMISTIC COMMITS:
  CommitAccount(acct, expectedVersion, tx):
    - expectedVersion == 0: insert acct; fails with ErrConcurrentModification
      if the key already exists
    - expectedVersion > 0: update acct only if the stored version matches;
      fails with ErrConcurrentModification otherwise
    - tx is appended in the same atomic unit; if its idempotency key already
      exists nothing is written and ErrDuplicateIdempotencyKey is returned
  The stored account comes back with Version = expectedVersion + 1 and the
  transaction with its Seq assigned.

  CommitTaskProgress follows the same version rules without a transaction.

IMPLEMENTATIONS:
  - loyalty/store/memory.go: In-memory for tests and development
  - store/sqlite/sqlite.go: SQLite
*/
package loyalty

import "context"

// ProgramStore persists programs and their tier and task tables.
type ProgramStore interface {
	CreateProgram(ctx context.Context, p Program) error
	UpdateProgram(ctx context.Context, p Program) error
	GetProgram(ctx context.Context, id ProgramID) (Program, error)
	ListPrograms(ctx context.Context) ([]Program, error)

	// CreateTier fails with ErrDuplicateTier if the name or threshold is taken.
	CreateTier(ctx context.Context, t Tier) error
	// ListTiers returns tiers ordered by PointsToReach ascending.
	ListTiers(ctx context.Context, programID ProgramID) ([]Tier, error)
	DeleteTier(ctx context.Context, programID ProgramID, name string) error

	CreateTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, id TaskID) (Task, error)
	// ListTasks returns tasks ordered by creation time.
	ListTasks(ctx context.Context, programID ProgramID) ([]Task, error)
}

// AccountStore persists accounts and the append-only transaction log.
// There is no Update or Delete for transactions.
type AccountStore interface {
	GetAccount(ctx context.Context, key AccountKey) (Account, error)
	// ListAccounts returns the program's accounts ordered by user id.
	ListAccounts(ctx context.Context, programID ProgramID) ([]Account, error)
	CommitAccount(ctx context.Context, acct Account, expectedVersion int64, tx Transaction) (Account, Transaction, error)

	// ListTransactions returns matching transactions in Seq order.
	ListTransactions(ctx context.Context, programID ProgramID, filter TransactionFilter) ([]Transaction, error)
	TransactionExists(ctx context.Context, idempotencyKey string) (bool, error)
	HasTransactions(ctx context.Context, programID ProgramID) (bool, error)
}

// ProgressStore persists task progress records.
type ProgressStore interface {
	GetTaskProgress(ctx context.Context, userID UserID, taskID TaskID) (TaskProgress, error)
	CommitTaskProgress(ctx context.Context, p TaskProgress, expectedVersion int64) (TaskProgress, error)
}

// Store is everything the ledger needs.
type Store interface {
	ProgramStore
	AccountStore
	ProgressStore
}
