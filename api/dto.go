/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the loyalty domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Programs:     ProgramDTO, UpdateProgramRequest (create uses factory.ProgramJSON)
  Tiers/Tasks:  TierDTO, TaskDTO
  Points:       EarnRequest, RedeemRequest, EarnResponse
  Accounts:     AccountDTO, ReplayDTO
  Transactions: TransactionDTO, TransactionPageDTO
  Progress:     ProgressRequest, ProgressDTO
  Scenarios:    ScenarioDTO

VALIDATION:
  Validation is done by the ledger, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/program.go: ProgramJSON type
*/
package api

import (
	"time"

	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// PROGRAMS, TIERS, TASKS
// =============================================================================

// ProgramDTO represents a program in API responses.
type ProgramDTO struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	ConversionRate string `json:"conversion_rate"`
	CreatedAt      string `json:"created_at"`
}

// UpdateProgramRequest replaces a program's attributes.
type UpdateProgramRequest struct {
	Name           string        `json:"name"`
	Description    string        `json:"description,omitempty"`
	ConversionRate *factory.Rate `json:"conversion_rate,omitempty"`
}

// TierDTO represents a tier.
type TierDTO struct {
	ProgramID     string `json:"program_id"`
	Name          string `json:"name"`
	PointsToReach int64  `json:"points_to_reach"`
	Description   string `json:"description,omitempty"`
}

// TaskDTO represents a task. Deadline is informational.
type TaskDTO struct {
	ID                   string  `json:"id"`
	ProgramID            string  `json:"program_id"`
	Name                 string  `json:"name"`
	Description          string  `json:"description,omitempty"`
	PointsRequired       int64   `json:"points_required"`
	TransactionsRequired int64   `json:"transactions_required"`
	DurationDays         int     `json:"duration_days"`
	RewardPoints         int64   `json:"reward_points"`
	CreatedAt            string  `json:"created_at"`
	Deadline             *string `json:"deadline,omitempty"`
}

// =============================================================================
// POINTS
// =============================================================================

// EarnRequest credits amount, converted with the program's rate.
type EarnRequest struct {
	UserID    string `json:"user_id"`
	ProgramID string `json:"program_id"`
	Amount    int64  `json:"amount"`
}

// RedeemRequest debits points.
type RedeemRequest struct {
	UserID    string `json:"user_id"`
	ProgramID string `json:"program_id"`
	Points    int64  `json:"points"`
}

// EarnResponse is returned by POST /api/points/earn. TaskErrors lists task
// progress updates that failed; the earn itself is committed.
type EarnResponse struct {
	Account        AccountDTO     `json:"account"`
	Transaction    TransactionDTO `json:"transaction"`
	CompletedTasks []ProgressDTO  `json:"completed_tasks"`
	TaskErrors     []TaskErrorDTO `json:"task_errors,omitempty"`
}

// TaskErrorDTO describes one failed task update.
type TaskErrorDTO struct {
	TaskID string `json:"task_id,omitempty"`
	Error  string `json:"error"`
}

// =============================================================================
// ACCOUNTS AND TRANSACTIONS
// =============================================================================

// AccountDTO represents an account with its resolved tier.
type AccountDTO struct {
	UserID         string `json:"user_id"`
	ProgramID      string `json:"program_id"`
	Balance        int64  `json:"balance"`
	LifetimeEarned int64  `json:"lifetime_earned"`
	Tier           string `json:"tier"`
	UpdatedAt      string `json:"updated_at"`
}

// ReplayDTO is the audit result of one account.
type ReplayDTO struct {
	Account        AccountDTO `json:"account"`
	ReplayBalance  int64      `json:"replay_balance"`
	ReplayLifetime int64      `json:"replay_lifetime_earned"`
	Transactions   int        `json:"transactions"`
	Consistent     bool       `json:"consistent"`
}

// TransactionDTO represents a ledger transaction.
type TransactionDTO struct {
	ID             string `json:"id"`
	Seq            int64  `json:"seq"`
	UserID         string `json:"user_id"`
	ProgramID      string `json:"program_id"`
	Kind           string `json:"kind"`
	Points         int64  `json:"points"`
	Credited       int64  `json:"credited"`
	Reason         string `json:"reason,omitempty"`
	ReferenceID    string `json:"reference_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Timestamp      string `json:"timestamp"`
}

// TransactionPageDTO is one page of transactions. Pass NextAfter as
// ?after= to continue; it is omitted on the last page.
type TransactionPageDTO struct {
	Transactions []TransactionDTO `json:"transactions"`
	NextAfter    *int64           `json:"next_after,omitempty"`
}

// =============================================================================
// TASK PROGRESS
// =============================================================================

// ProgressRequest writes progress accumulators directly. Omitted fields are
// left unchanged.
type ProgressRequest struct {
	PointsEarned      *int64 `json:"points_earned,omitempty"`
	TransactionsCount *int64 `json:"transactions_count,omitempty"`
}

// ProgressDTO represents one user's progress on one task.
type ProgressDTO struct {
	UserID            string  `json:"user_id"`
	TaskID            string  `json:"task_id"`
	ProgramID         string  `json:"program_id"`
	PointsEarned      int64   `json:"points_earned"`
	TransactionsCount int64   `json:"transactions_count"`
	Completed         bool    `json:"completed"`
	CompletedAt       *string `json:"completed_at,omitempty"`
}

// =============================================================================
// SCENARIOS AND ERRORS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func toProgramDTO(p loyalty.Program) ProgramDTO {
	return ProgramDTO{
		ID:             string(p.ID),
		Name:           p.Name,
		Description:    p.Description,
		ConversionRate: p.Rate().String(),
		CreatedAt:      formatTime(p.CreatedAt),
	}
}

func toTierDTO(t loyalty.Tier) TierDTO {
	return TierDTO{
		ProgramID:     string(t.ProgramID),
		Name:          t.Name,
		PointsToReach: t.PointsToReach,
		Description:   t.Description,
	}
}

func toTaskDTO(t loyalty.Task) TaskDTO {
	dto := TaskDTO{
		ID:                   string(t.ID),
		ProgramID:            string(t.ProgramID),
		Name:                 t.Name,
		Description:          t.Description,
		PointsRequired:       t.PointsRequired,
		TransactionsRequired: t.TransactionsRequired,
		DurationDays:         t.DurationDays,
		RewardPoints:         t.RewardPoints,
		CreatedAt:            formatTime(t.CreatedAt),
	}
	if t.DurationDays > 0 {
		d := formatTime(t.Deadline())
		dto.Deadline = &d
	}
	return dto
}

func toAccountDTO(v loyalty.AccountView) AccountDTO {
	return AccountDTO{
		UserID:         string(v.UserID),
		ProgramID:      string(v.ProgramID),
		Balance:        v.Balance,
		LifetimeEarned: v.LifetimeEarned,
		Tier:           v.Tier,
		UpdatedAt:      formatTime(v.UpdatedAt),
	}
}

func toTransactionDTO(tx loyalty.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:             string(tx.ID),
		Seq:            tx.Seq,
		UserID:         string(tx.UserID),
		ProgramID:      string(tx.ProgramID),
		Kind:           string(tx.Kind),
		Points:         tx.Points,
		Credited:       tx.Credited,
		Reason:         tx.Reason,
		ReferenceID:    tx.ReferenceID,
		IdempotencyKey: tx.IdempotencyKey,
		Timestamp:      formatTime(tx.Timestamp),
	}
}

func toProgressDTO(p loyalty.TaskProgress) ProgressDTO {
	dto := ProgressDTO{
		UserID:            string(p.UserID),
		TaskID:            string(p.TaskID),
		ProgramID:         string(p.ProgramID),
		PointsEarned:      p.PointsEarned,
		TransactionsCount: p.TransactionsCount,
		Completed:         p.Completed(),
	}
	if p.CompletedAt != nil {
		c := formatTime(*p.CompletedAt)
		dto.CompletedAt = &c
	}
	return dto
}

func toProgressDTOs(ps []loyalty.TaskProgress) []ProgressDTO {
	dtos := make([]ProgressDTO, len(ps))
	for i, p := range ps {
		dtos[i] = toProgressDTO(p)
	}
	return dtos
}
