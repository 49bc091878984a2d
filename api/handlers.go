/*
handlers.go - HTTP API handlers for the loyalty ledger

PURPOSE:
  Exposes the loyalty ledger via REST API. Handles HTTP request/response
  and JSON serialization, and delegates every rule to loyalty.Ledger.
  Callers are assumed to be authenticated and authorized upstream.

ENDPOINTS:
  Programs:
    GET    /api/programs                         List programs
    POST   /api/programs                         Create program (with tiers/tasks)
    GET    /api/programs/{id}                    Get program
    PUT    /api/programs/{id}                    Update program (409 once referenced)

  Tiers and tasks:
    GET    /api/programs/{id}/tiers              Tiers ordered by threshold
    POST   /api/programs/{id}/tiers              Create tier
    DELETE /api/programs/{id}/tiers/{name}       Delete tier
    GET    /api/programs/{id}/tasks              List tasks
    POST   /api/programs/{id}/tasks              Create task
    GET    /api/tasks/{id}                       Get task

  Points:
    POST   /api/points/earn                      Earn (converted) and track tasks
    POST   /api/points/redeem                    Redeem

  Accounts and history:
    GET    /api/programs/{id}/accounts           List accounts with tiers
    GET    /api/programs/{id}/accounts/{user}    Account with tier
    GET    /api/programs/{id}/accounts/{user}/replay  Rebuild from the log
    GET    /api/programs/{id}/transactions       Filter by user_id, start, end; page by after, limit

  Task progress:
    GET    /api/tasks/{id}/progress/{user}       Get progress
    PUT    /api/tasks/{id}/progress/{user}       Write accumulators, evaluate completion

ERROR HANDLING:
  Errors are returned as JSON {"error", "details"} with:
  - 400: Validation errors, invalid input
  - 404: Program, account, task, tier or progress not found
  - 409: Insufficient points, duplicates, immutable program
  - 503: Retries exhausted on a contended account (retry later)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter clears a store. Both store implementations satisfy it.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger  *loyalty.Ledger
	Factory *factory.ProgramFactory
	Log     logrus.FieldLogger

	store Resetter

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler. store is used only to reset data when
// a demo scenario is loaded.
func NewHandler(ledger *loyalty.Ledger, store Resetter, log logrus.FieldLogger) *Handler {
	return &Handler{
		Ledger:  ledger,
		Factory: factory.NewProgramFactory(),
		Log:     log,
		store:   store,
	}
}

// =============================================================================
// PROGRAM HANDLERS
// =============================================================================

func (h *Handler) ListPrograms(w http.ResponseWriter, r *http.Request) {
	programs, err := h.Ledger.ListPrograms(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "Failed to list programs", err)
		return
	}

	dtos := make([]ProgramDTO, len(programs))
	for i, p := range programs {
		dtos[i] = toProgramDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateProgram accepts a full program definition, including tiers and tasks.
func (h *Handler) CreateProgram(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	def, err := h.Factory.ParseProgram(string(raw))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid program definition", err)
		return
	}

	program, err := h.Factory.Apply(r.Context(), h.Ledger, def)
	if err != nil {
		h.writeDomainError(w, r, "Failed to create program", err)
		return
	}
	writeJSON(w, http.StatusCreated, toProgramDTO(program))
}

func (h *Handler) GetProgram(w http.ResponseWriter, r *http.Request) {
	program, err := h.Ledger.GetProgram(r.Context(), programParam(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get program", err)
		return
	}
	writeJSON(w, http.StatusOK, toProgramDTO(program))
}

func (h *Handler) UpdateProgram(w http.ResponseWriter, r *http.Request) {
	var req UpdateProgramRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := factory.CheckRate(req.ConversionRate); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid conversion rate", err)
		return
	}

	p := loyalty.Program{ID: programParam(r), Name: req.Name, Description: req.Description}
	if req.ConversionRate != nil {
		p.ConversionRate = req.ConversionRate.Decimal
	}

	updated, err := h.Ledger.UpdateProgram(r.Context(), p)
	if err != nil {
		h.writeDomainError(w, r, "Failed to update program", err)
		return
	}
	writeJSON(w, http.StatusOK, toProgramDTO(updated))
}

// =============================================================================
// TIER AND TASK HANDLERS
// =============================================================================

func (h *Handler) ListTiers(w http.ResponseWriter, r *http.Request) {
	tiers, err := h.Ledger.ListTiers(r.Context(), programParam(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to list tiers", err)
		return
	}

	dtos := make([]TierDTO, len(tiers))
	for i, t := range tiers {
		dtos[i] = toTierDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateTier(w http.ResponseWriter, r *http.Request) {
	var req factory.TierJSON
	if !decodeBody(w, r, &req) {
		return
	}

	tier, err := h.Ledger.CreateTier(r.Context(), loyalty.Tier{
		ProgramID:     programParam(r),
		Name:          req.Name,
		PointsToReach: req.PointsToReach,
		Description:   req.Description,
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to create tier", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTierDTO(tier))
}

func (h *Handler) DeleteTier(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid tier name", err)
		return
	}
	if err := h.Ledger.DeleteTier(r.Context(), programParam(r), name); err != nil {
		h.writeDomainError(w, r, "Failed to delete tier", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Ledger.ListTasks(r.Context(), programParam(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to list tasks", err)
		return
	}

	dtos := make([]TaskDTO, len(tasks))
	for i, t := range tasks {
		dtos[i] = toTaskDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req factory.TaskJSON
	if !decodeBody(w, r, &req) {
		return
	}

	task, err := h.Ledger.CreateTask(r.Context(), loyalty.Task{
		ID:                   loyalty.TaskID(req.ID),
		ProgramID:            programParam(r),
		Name:                 req.Name,
		Description:          req.Description,
		PointsRequired:       req.PointsRequired,
		TransactionsRequired: req.TransactionsRequired,
		DurationDays:         req.DurationDays,
		RewardPoints:         req.RewardPoints,
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to create task", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskDTO(task))
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Ledger.GetTask(r.Context(), loyalty.TaskID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get task", err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTO(task))
}

// =============================================================================
// POINTS HANDLERS
// =============================================================================

// Earn credits points and advances task progress. A task failure does not
// fail the request: the committed earn is returned with task_errors.
func (h *Handler) Earn(w http.ResponseWriter, r *http.Request) {
	var req EarnRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ctx := r.Context()
	userID, programID := loyalty.UserID(req.UserID), loyalty.ProgramID(req.ProgramID)

	result, err := h.Ledger.EarnAndTrack(ctx, userID, programID, req.Amount)
	if err != nil && result.Transaction.ID == "" {
		h.writeDomainError(w, r, "Failed to earn points", err)
		return
	}

	resp := EarnResponse{
		Transaction:    toTransactionDTO(result.Transaction),
		CompletedTasks: toProgressDTOs(result.CompletedTasks),
	}
	if err != nil {
		resp.TaskErrors = taskErrors(err)
		h.Log.WithError(err).WithField("transaction_id", result.Transaction.ID).
			Warn("earn committed with task progress failures")
	}

	view, viewErr := h.Ledger.GetAccount(ctx, userID, programID)
	if viewErr != nil {
		view = loyalty.AccountView{Account: result.Account, Tier: loyalty.NoTier}
	}
	resp.Account = toAccountDTO(view)

	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ctx := r.Context()
	userID, programID := loyalty.UserID(req.UserID), loyalty.ProgramID(req.ProgramID)

	if _, err := h.Ledger.Redeem(ctx, userID, programID, req.Points); err != nil {
		h.writeDomainError(w, r, "Failed to redeem points", err)
		return
	}

	view, err := h.Ledger.GetAccount(ctx, userID, programID)
	if err != nil {
		h.writeDomainError(w, r, "Failed to load account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(view))
}

func taskErrors(err error) []TaskErrorDTO {
	var pf *loyalty.PartialFailureError
	if !errors.As(err, &pf) {
		return []TaskErrorDTO{{Error: err.Error()}}
	}
	dtos := make([]TaskErrorDTO, len(pf.Failures))
	for i, f := range pf.Failures {
		dtos[i] = TaskErrorDTO{TaskID: string(f.TaskID), Error: f.Err.Error()}
	}
	return dtos
}

// =============================================================================
// ACCOUNT AND TRANSACTION HANDLERS
// =============================================================================

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	views, err := h.Ledger.ListAccounts(r.Context(), programParam(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to list accounts", err)
		return
	}

	dtos := make([]AccountDTO, len(views))
	for i, v := range views {
		dtos[i] = toAccountDTO(v)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	view, err := h.Ledger.GetAccount(r.Context(), userParam(r), programParam(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(view))
}

func (h *Handler) ReplayAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	replay, err := h.Ledger.ReplayAccount(ctx, userParam(r), programParam(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to replay account", err)
		return
	}

	view, err := h.Ledger.GetAccount(ctx, userParam(r), programParam(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get account", err)
		return
	}
	writeJSON(w, http.StatusOK, ReplayDTO{
		Account:        toAccountDTO(view),
		ReplayBalance:  replay.Balance,
		ReplayLifetime: replay.LifetimeEarned,
		Transactions:   replay.Transactions,
		Consistent:     replay.Consistent(),
	})
}

// ListTransactions filters by user_id, start and end (RFC 3339 or
// YYYY-MM-DD, inclusive) and pages with after and limit.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseTransactionFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}

	txs, err := h.Ledger.ListTransactions(r.Context(), programParam(r), filter)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list transactions", err)
		return
	}

	page := TransactionPageDTO{Transactions: make([]TransactionDTO, len(txs))}
	for i, tx := range txs {
		page.Transactions[i] = toTransactionDTO(tx)
	}
	if filter.Limit > 0 && len(txs) == filter.Limit {
		next := txs[len(txs)-1].Seq
		page.NextAfter = &next
	}
	writeJSON(w, http.StatusOK, page)
}

// DefaultPageSize caps transaction listings without an explicit limit.
const DefaultPageSize = 100

func parseTransactionFilter(q url.Values) (loyalty.TransactionFilter, error) {
	filter := loyalty.TransactionFilter{
		UserID: loyalty.UserID(q.Get("user_id")),
		Limit:  DefaultPageSize,
	}

	if v := q.Get("start"); v != "" {
		t, err := parseQueryTime(v, false)
		if err != nil {
			return filter, fmt.Errorf("start: %w", err)
		}
		filter.Start = &t
	}
	if v := q.Get("end"); v != "" {
		t, err := parseQueryTime(v, true)
		if err != nil {
			return filter, fmt.Errorf("end: %w", err)
		}
		filter.End = &t
	}
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return filter, fmt.Errorf("after: %w", err)
		}
		filter.After = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return filter, fmt.Errorf("limit: %w", err)
		}
		filter.Limit = n
	}
	return filter, nil
}

// parseQueryTime accepts RFC 3339 or a date. A date used as an end bound
// covers the whole day.
func parseQueryTime(v string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	d, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC 3339 nor YYYY-MM-DD", v)
	}
	if endOfDay {
		d = d.Add(24*time.Hour - time.Nanosecond)
	}
	return d, nil
}

// =============================================================================
// TASK PROGRESS HANDLERS
// =============================================================================

func (h *Handler) GetTaskProgress(w http.ResponseWriter, r *http.Request) {
	p, err := h.Ledger.GetTaskProgress(r.Context(), userParam(r), loyalty.TaskID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get task progress", err)
		return
	}
	writeJSON(w, http.StatusOK, toProgressDTO(p))
}

// UpsertTaskProgress writes accumulators and runs the completion check.
// An empty body re-evaluates existing progress.
func (h *Handler) UpsertTaskProgress(w http.ResponseWriter, r *http.Request) {
	var req ProgressRequest
	if r.ContentLength != 0 {
		if !decodeBody(w, r, &req) {
			return
		}
	}

	ctx := r.Context()
	userID, taskID := userParam(r), loyalty.TaskID(chi.URLParam(r, "id"))

	var (
		p   loyalty.TaskProgress
		err error
	)
	if req.PointsEarned == nil && req.TransactionsCount == nil {
		p, err = h.Ledger.EvaluateTaskProgress(ctx, userID, taskID)
	} else {
		p, err = h.Ledger.UpsertTaskProgress(ctx, userID, taskID, loyalty.ProgressUpdate{
			PointsEarned:      req.PointsEarned,
			TransactionsCount: req.TransactionsCount,
		})
	}
	if err != nil {
		h.writeDomainError(w, r, "Failed to update task progress", err)
		return
	}
	writeJSON(w, http.StatusOK, toProgressDTO(p))
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func programParam(r *http.Request) loyalty.ProgramID {
	return loyalty.ProgramID(chi.URLParam(r, "id"))
}

func userParam(r *http.Request) loyalty.UserID {
	return loyalty.UserID(chi.URLParam(r, "user"))
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps ledger errors to HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Log.WithError(err).WithField("path", r.URL.Path).Error(message)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, loyalty.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, loyalty.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, loyalty.ErrInsufficientPoints),
		errors.Is(err, loyalty.ErrDuplicateIdempotencyKey),
		errors.Is(err, loyalty.ErrDuplicateProgram),
		errors.Is(err, loyalty.ErrDuplicateTier),
		errors.Is(err, loyalty.ErrDuplicateTask),
		errors.Is(err, loyalty.ErrProgramImmutable):
		return http.StatusConflict
	case errors.Is(err, loyalty.ErrBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
