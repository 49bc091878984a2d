/*
Package sqlite provides a SQLite-backed implementation of loyalty.Store.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements touch the transactions table
  - Account changes and their transaction are written in one SQL transaction

KEY TABLES:
  programs:      Program definitions (conversion rate stored as decimal text)
  tiers:         (program_id, name) unique, (program_id, points_to_reach) unique
  tasks:         Task definitions
  accounts:      (user_id, program_id) unique, versioned
  transactions:  Immutable ledger, seq is the creation order
  task_progress: (user_id, task_id) unique, versioned

OPTIMISTIC CONCURRENCY:
  accounts and task_progress carry a version column. Updates are
  "UPDATE ... WHERE version = ?"; zero rows affected means another writer
  got there first and loyalty.ErrConcurrentModification is returned. Inserts
  of an existing key report the same error.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time

TIMESTAMPS:
  Stored as fixed-width UTC text so string comparison orders them.

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := loyalty.NewLedger(store, loyalty.Options{})
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements loyalty.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ loyalty.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS programs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		conversion_rate TEXT NOT NULL DEFAULT '1',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tiers (
		program_id TEXT NOT NULL REFERENCES programs(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		points_to_reach INTEGER NOT NULL CHECK (points_to_reach > 0),
		description TEXT,
		PRIMARY KEY (program_id, name),
		UNIQUE (program_id, points_to_reach)
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		program_id TEXT NOT NULL REFERENCES programs(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		description TEXT,
		points_required INTEGER NOT NULL DEFAULT 0,
		transactions_required INTEGER NOT NULL DEFAULT 0,
		duration_days INTEGER NOT NULL DEFAULT 0,
		reward_points INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_program
		ON tasks(program_id, created_at);

	CREATE TABLE IF NOT EXISTS accounts (
		user_id TEXT NOT NULL,
		program_id TEXT NOT NULL REFERENCES programs(id) ON DELETE CASCADE,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		lifetime_earned INTEGER NOT NULL DEFAULT 0 CHECK (lifetime_earned >= balance),
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, program_id)
	);

	-- Append-only ledger
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		program_id TEXT NOT NULL REFERENCES programs(id) ON DELETE CASCADE,
		kind TEXT NOT NULL CHECK (kind IN ('earn', 'redeem')),
		points INTEGER NOT NULL CHECK (points > 0),
		credited INTEGER NOT NULL CHECK (credited > 0),
		reason TEXT,
		reference_id TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	-- Range filters on (program, user, time)
	CREATE INDEX IF NOT EXISTS idx_transactions_program_user_time
		ON transactions(program_id, user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_program_time
		ON transactions(program_id, created_at);

	CREATE TABLE IF NOT EXISTS task_progress (
		user_id TEXT NOT NULL,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		program_id TEXT NOT NULL,
		points_earned INTEGER NOT NULL DEFAULT 0,
		transactions_count INTEGER NOT NULL DEFAULT 0,
		completed_at TEXT,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, task_id)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// PROGRAMS
// =============================================================================

func (s *Store) CreateProgram(ctx context.Context, p loyalty.Program) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO programs (id, name, description, conversion_rate, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.Name, nullString(p.Description), p.Rate().String(), formatTime(p.CreatedAt))
	if isUniqueConstraintError(err) {
		return loyalty.ErrDuplicateProgram
	}
	return err
}

func (s *Store) UpdateProgram(ctx context.Context, p loyalty.Program) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE programs SET name = ?, description = ?, conversion_rate = ?
		WHERE id = ?
	`, p.Name, nullString(p.Description), p.Rate().String(), p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return loyalty.ErrProgramNotFound
	}
	return nil
}

func (s *Store) GetProgram(ctx context.Context, id loyalty.ProgramID) (loyalty.Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		p           loyalty.Program
		description sql.NullString
		rate        string
		createdAt   string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, description, conversion_rate, created_at FROM programs WHERE id = ?", id,
	).Scan(&p.ID, &p.Name, &description, &rate, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.Program{}, loyalty.ErrProgramNotFound
	}
	if err != nil {
		return loyalty.Program{}, err
	}

	p.Description = description.String
	p.ConversionRate, err = decimal.NewFromString(rate)
	if err != nil {
		return loyalty.Program{}, fmt.Errorf("program %s: bad conversion rate %q: %w", id, rate, err)
	}
	p.CreatedAt = parseTime(createdAt)
	return p, nil
}

func (s *Store) ListPrograms(ctx context.Context) ([]loyalty.Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, description, conversion_rate, created_at FROM programs ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	programs := []loyalty.Program{}
	for rows.Next() {
		var (
			p           loyalty.Program
			description sql.NullString
			rate        string
			createdAt   string
		)
		if err := rows.Scan(&p.ID, &p.Name, &description, &rate, &createdAt); err != nil {
			return nil, err
		}
		p.Description = description.String
		p.ConversionRate = decimal.RequireFromString(rate)
		p.CreatedAt = parseTime(createdAt)
		programs = append(programs, p)
	}
	return programs, rows.Err()
}

// =============================================================================
// TIERS
// =============================================================================

func (s *Store) CreateTier(ctx context.Context, t loyalty.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tiers (program_id, name, points_to_reach, description)
		VALUES (?, ?, ?, ?)
	`, t.ProgramID, t.Name, t.PointsToReach, nullString(t.Description))
	switch {
	case isUniqueConstraintError(err):
		return loyalty.ErrDuplicateTier
	case isForeignKeyError(err):
		return loyalty.ErrProgramNotFound
	}
	return err
}

func (s *Store) ListTiers(ctx context.Context, programID loyalty.ProgramID) ([]loyalty.Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT program_id, name, points_to_reach, description
		FROM tiers WHERE program_id = ?
		ORDER BY points_to_reach ASC
	`, programID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tiers := []loyalty.Tier{}
	for rows.Next() {
		var (
			t           loyalty.Tier
			description sql.NullString
		)
		if err := rows.Scan(&t.ProgramID, &t.Name, &t.PointsToReach, &description); err != nil {
			return nil, err
		}
		t.Description = description.String
		tiers = append(tiers, t)
	}
	return tiers, rows.Err()
}

func (s *Store) DeleteTier(ctx context.Context, programID loyalty.ProgramID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM tiers WHERE program_id = ? AND name = ?", programID, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return loyalty.ErrTierNotFound
	}
	return nil
}

// =============================================================================
// TASKS
// =============================================================================

const taskColumns = `id, program_id, name, description, points_required, transactions_required,
	duration_days, reward_points, created_at`

func (s *Store) CreateTask(ctx context.Context, t loyalty.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.ProgramID, t.Name, nullString(t.Description), t.PointsRequired, t.TransactionsRequired,
		t.DurationDays, t.RewardPoints, formatTime(t.CreatedAt))
	switch {
	case isUniqueConstraintError(err):
		return loyalty.ErrDuplicateTask
	case isForeignKeyError(err):
		return loyalty.ErrProgramNotFound
	}
	return err
}

func (s *Store) GetTask(ctx context.Context, id loyalty.TaskID) (loyalty.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, err := s.queryTasks(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	if err != nil {
		return loyalty.Task{}, err
	}
	if len(tasks) == 0 {
		return loyalty.Task{}, loyalty.ErrTaskNotFound
	}
	return tasks[0], nil
}

func (s *Store) ListTasks(ctx context.Context, programID loyalty.ProgramID) ([]loyalty.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryTasks(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE program_id = ? ORDER BY created_at ASC, id ASC", programID)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]loyalty.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []loyalty.Task{}
	for rows.Next() {
		var (
			t           loyalty.Task
			description sql.NullString
			createdAt   string
		)
		if err := rows.Scan(&t.ID, &t.ProgramID, &t.Name, &description, &t.PointsRequired,
			&t.TransactionsRequired, &t.DurationDays, &t.RewardPoints, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.Description = description.String
		t.CreatedAt = parseTime(createdAt)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// =============================================================================
// ACCOUNTS AND TRANSACTIONS
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, key loyalty.AccountKey) (loyalty.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		a                    loyalty.Account
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, program_id, balance, lifetime_earned, version, created_at, updated_at
		FROM accounts WHERE user_id = ? AND program_id = ?
	`, key.UserID, key.ProgramID).Scan(
		&a.UserID, &a.ProgramID, &a.Balance, &a.LifetimeEarned, &a.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.Account{}, loyalty.ErrAccountNotFound
	}
	if err != nil {
		return loyalty.Account{}, err
	}
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

func (s *Store) ListAccounts(ctx context.Context, programID loyalty.ProgramID) ([]loyalty.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, program_id, balance, lifetime_earned, version, created_at, updated_at
		FROM accounts WHERE program_id = ?
		ORDER BY user_id ASC
	`, programID)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	accounts := []loyalty.Account{}
	for rows.Next() {
		var (
			a                    loyalty.Account
			createdAt, updatedAt string
		)
		if err := rows.Scan(&a.UserID, &a.ProgramID, &a.Balance, &a.LifetimeEarned, &a.Version,
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		a.CreatedAt = parseTime(createdAt)
		a.UpdatedAt = parseTime(updatedAt)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// CommitAccount writes the account (version checked) and appends tx in one
// SQL transaction.
func (s *Store) CommitAccount(ctx context.Context, acct loyalty.Account, expectedVersion int64, tx loyalty.Transaction) (loyalty.Account, loyalty.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return loyalty.Account{}, loyalty.Transaction{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if tx.IdempotencyKey != "" {
		var count int
		if err := sqlTx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM transactions WHERE idempotency_key = ?", tx.IdempotencyKey,
		).Scan(&count); err != nil {
			return loyalty.Account{}, loyalty.Transaction{}, err
		}
		if count > 0 {
			return loyalty.Account{}, loyalty.Transaction{}, loyalty.ErrDuplicateIdempotencyKey
		}
	}

	next := expectedVersion + 1
	if err := writeAccount(ctx, sqlTx, acct, expectedVersion); err != nil {
		return loyalty.Account{}, loyalty.Transaction{}, err
	}

	seq, err := appendTx(ctx, sqlTx, tx)
	if err != nil {
		return loyalty.Account{}, loyalty.Transaction{}, err
	}

	if err := sqlTx.Commit(); err != nil {
		return loyalty.Account{}, loyalty.Transaction{}, fmt.Errorf("failed to commit: %w", err)
	}

	acct.Version = next
	tx.Seq = seq
	return acct, tx, nil
}

func writeAccount(ctx context.Context, db execer, acct loyalty.Account, expectedVersion int64) error {
	if expectedVersion == 0 {
		_, err := db.ExecContext(ctx, `
			INSERT INTO accounts (user_id, program_id, balance, lifetime_earned, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, 1, ?, ?)
		`, acct.UserID, acct.ProgramID, acct.Balance, acct.LifetimeEarned,
			formatTime(acct.CreatedAt), formatTime(acct.UpdatedAt))
		switch {
		case isUniqueConstraintError(err):
			return loyalty.ErrConcurrentModification
		case isForeignKeyError(err):
			return loyalty.ErrProgramNotFound
		case err != nil:
			return fmt.Errorf("failed to insert account: %w", err)
		}
		return nil
	}

	res, err := db.ExecContext(ctx, `
		UPDATE accounts
		SET balance = ?, lifetime_earned = ?, version = version + 1, updated_at = ?
		WHERE user_id = ? AND program_id = ? AND version = ?
	`, acct.Balance, acct.LifetimeEarned, formatTime(acct.UpdatedAt),
		acct.UserID, acct.ProgramID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return loyalty.ErrConcurrentModification
	}
	return nil
}

func appendTx(ctx context.Context, db execer, tx loyalty.Transaction) (int64, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO transactions
		(id, user_id, program_id, kind, points, credited, reason, reference_id, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tx.ID, tx.UserID, tx.ProgramID, tx.Kind, tx.Points, tx.Credited,
		nullString(tx.Reason), nullString(tx.ReferenceID), nullString(tx.IdempotencyKey),
		formatTime(tx.Timestamp))
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, loyalty.ErrDuplicateIdempotencyKey
		}
		return 0, fmt.Errorf("failed to append transaction: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) ListTransactions(ctx context.Context, programID loyalty.ProgramID, filter loyalty.TransactionFilter) ([]loyalty.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where = []string{"program_id = ?", "seq > ?"}
		args  = []any{programID, filter.After}
	)
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Start != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*filter.Start))
	}
	if filter.End != nil {
		where = append(where, "created_at <= ?")
		args = append(args, formatTime(*filter.End))
	}

	query := `
		SELECT seq, id, user_id, program_id, kind, points, credited, reason, reference_id,
		       idempotency_key, created_at
		FROM transactions
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY seq ASC`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	txs := []loyalty.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func scanTransaction(rows *sql.Rows) (loyalty.Transaction, error) {
	var (
		tx             loyalty.Transaction
		reason         sql.NullString
		referenceID    sql.NullString
		idempotencyKey sql.NullString
		createdAt      string
	)
	err := rows.Scan(&tx.Seq, &tx.ID, &tx.UserID, &tx.ProgramID, &tx.Kind, &tx.Points, &tx.Credited,
		&reason, &referenceID, &idempotencyKey, &createdAt)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}
	tx.Reason = reason.String
	tx.ReferenceID = referenceID.String
	tx.IdempotencyKey = idempotencyKey.String
	tx.Timestamp = parseTime(createdAt)
	return tx, nil
}

func (s *Store) TransactionExists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM transactions WHERE idempotency_key = ?", idempotencyKey,
	).Scan(&count)
	return count > 0, err
}

func (s *Store) HasTransactions(ctx context.Context, programID loyalty.ProgramID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM transactions WHERE program_id = ?)", programID,
	).Scan(&exists)
	return exists == 1, err
}

// =============================================================================
// TASK PROGRESS
// =============================================================================

func (s *Store) GetTaskProgress(ctx context.Context, userID loyalty.UserID, taskID loyalty.TaskID) (loyalty.TaskProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		p           loyalty.TaskProgress
		completedAt sql.NullString
		updatedAt   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, task_id, program_id, points_earned, transactions_count, completed_at, version, updated_at
		FROM task_progress WHERE user_id = ? AND task_id = ?
	`, userID, taskID).Scan(&p.UserID, &p.TaskID, &p.ProgramID, &p.PointsEarned, &p.TransactionsCount,
		&completedAt, &p.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.TaskProgress{}, loyalty.ErrProgressNotFound
	}
	if err != nil {
		return loyalty.TaskProgress{}, err
	}
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		p.CompletedAt = &t
	}
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

func (s *Store) CommitTaskProgress(ctx context.Context, p loyalty.TaskProgress, expectedVersion int64) (loyalty.TaskProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var completedAt sql.NullString
	if p.CompletedAt != nil {
		completedAt = sql.NullString{String: formatTime(*p.CompletedAt), Valid: true}
	}

	if expectedVersion == 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_progress
			(user_id, task_id, program_id, points_earned, transactions_count, completed_at, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?)
		`, p.UserID, p.TaskID, p.ProgramID, p.PointsEarned, p.TransactionsCount, completedAt,
			formatTime(p.UpdatedAt))
		switch {
		case isUniqueConstraintError(err):
			return loyalty.TaskProgress{}, loyalty.ErrConcurrentModification
		case isForeignKeyError(err):
			return loyalty.TaskProgress{}, loyalty.ErrTaskNotFound
		case err != nil:
			return loyalty.TaskProgress{}, fmt.Errorf("failed to insert task progress: %w", err)
		}
		p.Version = 1
		return p, nil
	}

	// completed_at is never cleared once set
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_progress
		SET points_earned = ?, transactions_count = ?, completed_at = COALESCE(completed_at, ?),
		    version = version + 1, updated_at = ?
		WHERE user_id = ? AND task_id = ? AND version = ?
	`, p.PointsEarned, p.TransactionsCount, completedAt, formatTime(p.UpdatedAt),
		p.UserID, p.TaskID, expectedVersion)
	if err != nil {
		return loyalty.TaskProgress{}, fmt.Errorf("failed to update task progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return loyalty.TaskProgress{}, loyalty.ErrConcurrentModification
	}
	p.Version = expectedVersion + 1
	return p, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"task_progress", "transactions", "accounts", "tasks", "tiers", "programs"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func isForeignKeyError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
