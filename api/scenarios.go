/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
	Provides pre-built scenarios that populate the store with realistic
	data for demos. Each scenario creates programs (with tiers and tasks)
	from factory definitions and then plays earn/redeem operations through
	the ledger, so every balance is backed by transactions.

AVAILABLE SCENARIOS:

	tier-ladder:   Bronze/Silver/Gold ladder; redemption keeps the tier
	task-reward:   Two purchases complete a task and grant its reward once
	conversion:    Program with a 0.5 conversion rate and rounding

HOW SCENARIOS WORK:
 1. Reset store (clear all data)
 2. Create programs via factory definitions
 3. Earn and redeem through the ledger

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "task-reward"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Ledger endpoints
  - factory/program.go: Program definitions
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "tier-ladder",
		Name:        "Tier Ladder",
		Description: "Bronze 100 / Silver 300 / Gold 500; a redemption lowers the balance but not the tier",
	},
	{
		ID:          "task-reward",
		Name:        "Task Reward",
		Description: "Two 100-point purchases complete a task and grant a 50-point reward exactly once",
	},
	{
		ID:          "conversion",
		Name:        "Conversion Rate",
		Description: "Program converting purchase amounts at 0.5 points per unit",
	},
}

// ladderTiers is the tier table shared by the demo programs.
var ladderTiers = []factory.TierJSON{
	{Name: "Bronze", PointsToReach: 100, Description: "Welcome perks"},
	{Name: "Silver", PointsToReach: 300, Description: "Free shipping"},
	{Name: "Gold", PointsToReach: 500, Description: "Priority support"},
}

// step is one ledger operation of a scenario.
type step struct {
	user    loyalty.UserID
	program loyalty.ProgramID
	earn    int64
	redeem  int64
}

type scenario struct {
	programs []factory.ProgramJSON
	steps    []step
}

var scenarioData = map[string]scenario{
	"tier-ladder": {
		programs: []factory.ProgramJSON{{
			ID:    "shop-rewards",
			Name:  "Shop Rewards",
			Tiers: ladderTiers,
		}},
		steps: []step{
			{user: "alice", program: "shop-rewards", earn: 200},
			{user: "alice", program: "shop-rewards", earn: 150},
			{user: "alice", program: "shop-rewards", redeem: 200},
			{user: "bob", program: "shop-rewards", earn: 600},
		},
	},
	"task-reward": {
		programs: []factory.ProgramJSON{{
			ID:    "cafe-club",
			Name:  "Cafe Club",
			Tiers: ladderTiers,
			Tasks: []factory.TaskJSON{{
				ID:                   "two-visits",
				Name:                 "Two visits",
				Description:          "Spend 200 points over at least two visits",
				PointsRequired:       200,
				TransactionsRequired: 2,
				DurationDays:         30,
				RewardPoints:         50,
			}},
		}},
		steps: []step{
			{user: "carol", program: "cafe-club", earn: 100},
			{user: "carol", program: "cafe-club", earn: 100},
			{user: "carol", program: "cafe-club", earn: 30},
		},
	},
	"conversion": {
		programs: []factory.ProgramJSON{{
			ID:             "coffee-beans",
			Name:           "Coffee Beans",
			Description:    "Half a point per unit spent",
			ConversionRate: factory.NewRate(decimal.RequireFromString("0.5")),
			Tiers:          ladderTiers,
		}},
		steps: []step{
			{user: "dave", program: "coffee-beans", earn: 400},
			{user: "dave", program: "coffee-beans", earn: 3},
			{user: "dave", program: "coffee-beans", redeem: 50},
		},
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if _, ok := scenarioData[req.ScenarioID]; !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err := h.loadScenario(r.Context(), req.ScenarioID); err != nil {
		h.writeDomainError(w, r, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadScenario(ctx context.Context, id string) error {
	sc, ok := scenarioData[id]
	if !ok {
		return fmt.Errorf("%w: unknown scenario %q", loyalty.ErrInvalidInput, id)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.store.Reset(ctx); err != nil {
		return fmt.Errorf("resetting store: %w", err)
	}
	h.currentScenario = ""

	for _, pj := range sc.programs {
		if _, err := h.Factory.Apply(ctx, h.Ledger, pj); err != nil {
			return err
		}
	}

	for i, s := range sc.steps {
		var err error
		if s.earn > 0 {
			_, err = h.Ledger.EarnAndTrack(ctx, s.user, s.program, s.earn)
		} else {
			_, err = h.Ledger.Redeem(ctx, s.user, s.program, s.redeem)
		}
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, s.user, err)
		}
	}

	h.currentScenario = id
	h.Log.WithField("scenario", id).Info("scenario loaded")
	return nil
}
