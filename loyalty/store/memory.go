// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	programs     map[loyalty.ProgramID]loyalty.Program
	tiers        map[loyalty.ProgramID][]loyalty.Tier
	tasks        map[loyalty.TaskID]loyalty.Task
	accounts     map[loyalty.AccountKey]loyalty.Account
	transactions []loyalty.Transaction
	idempotency  map[string]bool
	progress     map[progressKey]loyalty.TaskProgress
	seq          int64
}

type progressKey struct {
	UserID loyalty.UserID
	TaskID loyalty.TaskID
}

var _ loyalty.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		programs:    make(map[loyalty.ProgramID]loyalty.Program),
		tiers:       make(map[loyalty.ProgramID][]loyalty.Tier),
		tasks:       make(map[loyalty.TaskID]loyalty.Task),
		accounts:    make(map[loyalty.AccountKey]loyalty.Account),
		idempotency: make(map[string]bool),
		progress:    make(map[progressKey]loyalty.TaskProgress),
	}
}

// =============================================================================
// PROGRAMS
// =============================================================================

func (m *Memory) CreateProgram(_ context.Context, p loyalty.Program) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.programs[p.ID]; ok {
		return loyalty.ErrDuplicateProgram
	}
	m.programs[p.ID] = p
	return nil
}

func (m *Memory) UpdateProgram(_ context.Context, p loyalty.Program) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.programs[p.ID]; !ok {
		return loyalty.ErrProgramNotFound
	}
	m.programs[p.ID] = p
	return nil
}

func (m *Memory) GetProgram(_ context.Context, id loyalty.ProgramID) (loyalty.Program, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.programs[id]
	if !ok {
		return loyalty.Program{}, loyalty.ErrProgramNotFound
	}
	return p, nil
}

func (m *Memory) ListPrograms(_ context.Context) ([]loyalty.Program, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]loyalty.Program, 0, len(m.programs))
	for _, p := range m.programs {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// =============================================================================
// TIERS AND TASKS
// =============================================================================

func (m *Memory) CreateTier(_ context.Context, t loyalty.Tier) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.programs[t.ProgramID]; !ok {
		return loyalty.ErrProgramNotFound
	}
	tiers := m.tiers[t.ProgramID]
	for _, existing := range tiers {
		if existing.Name == t.Name || existing.PointsToReach == t.PointsToReach {
			return loyalty.ErrDuplicateTier
		}
	}

	// Keep ordered by threshold
	i := sort.Search(len(tiers), func(i int) bool {
		return tiers[i].PointsToReach > t.PointsToReach
	})
	tiers = append(tiers, loyalty.Tier{})
	copy(tiers[i+1:], tiers[i:])
	tiers[i] = t
	m.tiers[t.ProgramID] = tiers
	return nil
}

func (m *Memory) ListTiers(_ context.Context, programID loyalty.ProgramID) ([]loyalty.Tier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]loyalty.Tier, len(m.tiers[programID]))
	copy(result, m.tiers[programID])
	return result, nil
}

func (m *Memory) DeleteTier(_ context.Context, programID loyalty.ProgramID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tiers := m.tiers[programID]
	for i, t := range tiers {
		if t.Name == name {
			m.tiers[programID] = append(tiers[:i:i], tiers[i+1:]...)
			return nil
		}
	}
	return loyalty.ErrTierNotFound
}

func (m *Memory) CreateTask(_ context.Context, t loyalty.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.programs[t.ProgramID]; !ok {
		return loyalty.ErrProgramNotFound
	}
	if _, ok := m.tasks[t.ID]; ok {
		return loyalty.ErrDuplicateTask
	}
	m.tasks[t.ID] = t
	return nil
}

func (m *Memory) GetTask(_ context.Context, id loyalty.TaskID) (loyalty.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return loyalty.Task{}, loyalty.ErrTaskNotFound
	}
	return t, nil
}

func (m *Memory) ListTasks(_ context.Context, programID loyalty.ProgramID) ([]loyalty.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []loyalty.Task
	for _, t := range m.tasks {
		if t.ProgramID == programID {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// =============================================================================
// ACCOUNTS AND TRANSACTIONS
// =============================================================================

func (m *Memory) GetAccount(_ context.Context, key loyalty.AccountKey) (loyalty.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[key]
	if !ok {
		return loyalty.Account{}, loyalty.ErrAccountNotFound
	}
	return a, nil
}

func (m *Memory) ListAccounts(_ context.Context, programID loyalty.ProgramID) ([]loyalty.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []loyalty.Account{}
	for k, a := range m.accounts {
		if k.ProgramID == programID {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

// CommitAccount checks the idempotency key and version, then writes the
// account and appends the transaction under one lock.
func (m *Memory) CommitAccount(_ context.Context, acct loyalty.Account, expectedVersion int64, tx loyalty.Transaction) (loyalty.Account, loyalty.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.IdempotencyKey != "" && m.idempotency[tx.IdempotencyKey] {
		return loyalty.Account{}, loyalty.Transaction{}, loyalty.ErrDuplicateIdempotencyKey
	}

	current, exists := m.accounts[acct.Key()]
	switch {
	case expectedVersion == 0 && exists:
		return loyalty.Account{}, loyalty.Transaction{}, loyalty.ErrConcurrentModification
	case expectedVersion > 0 && (!exists || current.Version != expectedVersion):
		return loyalty.Account{}, loyalty.Transaction{}, loyalty.ErrConcurrentModification
	}

	acct.Version = expectedVersion + 1
	m.accounts[acct.Key()] = acct

	m.seq++
	tx.Seq = m.seq
	m.transactions = append(m.transactions, tx)
	if tx.IdempotencyKey != "" {
		m.idempotency[tx.IdempotencyKey] = true
	}
	return acct, tx, nil
}

func (m *Memory) ListTransactions(_ context.Context, programID loyalty.ProgramID, filter loyalty.TransactionFilter) ([]loyalty.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Seq is the slice order, so the cursor is a binary search
	start := sort.Search(len(m.transactions), func(i int) bool {
		return m.transactions[i].Seq > filter.After
	})

	result := []loyalty.Transaction{}
	for _, tx := range m.transactions[start:] {
		if tx.ProgramID != programID || !filter.Matches(tx) {
			continue
		}
		result = append(result, tx)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

func (m *Memory) TransactionExists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[idempotencyKey], nil
}

func (m *Memory) HasTransactions(_ context.Context, programID loyalty.ProgramID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, tx := range m.transactions {
		if tx.ProgramID == programID {
			return true, nil
		}
	}
	return false, nil
}

// =============================================================================
// TASK PROGRESS
// =============================================================================

func (m *Memory) GetTaskProgress(_ context.Context, userID loyalty.UserID, taskID loyalty.TaskID) (loyalty.TaskProgress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.progress[progressKey{UserID: userID, TaskID: taskID}]
	if !ok {
		return loyalty.TaskProgress{}, loyalty.ErrProgressNotFound
	}
	return p, nil
}

func (m *Memory) CommitTaskProgress(_ context.Context, p loyalty.TaskProgress, expectedVersion int64) (loyalty.TaskProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[p.TaskID]; !ok {
		return loyalty.TaskProgress{}, loyalty.ErrTaskNotFound
	}

	k := progressKey{UserID: p.UserID, TaskID: p.TaskID}
	current, exists := m.progress[k]
	switch {
	case expectedVersion == 0 && exists:
		return loyalty.TaskProgress{}, loyalty.ErrConcurrentModification
	case expectedVersion > 0 && (!exists || current.Version != expectedVersion):
		return loyalty.TaskProgress{}, loyalty.ErrConcurrentModification
	}

	p.Version = expectedVersion + 1
	m.progress[k] = p
	return p, nil
}

// Reset drops all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.programs = make(map[loyalty.ProgramID]loyalty.Program)
	m.tiers = make(map[loyalty.ProgramID][]loyalty.Tier)
	m.tasks = make(map[loyalty.TaskID]loyalty.Task)
	m.accounts = make(map[loyalty.AccountKey]loyalty.Account)
	m.transactions = nil
	m.idempotency = make(map[string]bool)
	m.progress = make(map[progressKey]loyalty.TaskProgress)
	m.seq = 0
	return nil
}
