package factory

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
	"gopkg.in/yaml.v3"
)

const coffeeClubJSON = `{
  "id": "coffee-club",
  "name": "Coffee Club",
  "conversion_rate": 0.5,
  "tiers": [
    {"name": "Bronze", "points_to_reach": 100},
    {"name": "Silver", "points_to_reach": 300}
  ],
  "tasks": [
    {"id": "first-week", "name": "First week", "points_required": 200, "transactions_required": 2, "reward_points": 50}
  ]
}`

func TestParseProgram(t *testing.T) {
	f := NewProgramFactory()

	pj, err := f.ParseProgram(coffeeClubJSON)
	require.NoError(t, err)

	assert.Equal(t, "coffee-club", pj.ID)
	require.NotNil(t, pj.ConversionRate)
	assert.True(t, pj.ConversionRate.Equal(decimal.RequireFromString("0.5")))
	assert.Len(t, pj.Tiers, 2)
	require.Len(t, pj.Tasks, 1)
	assert.Equal(t, int64(50), pj.Tasks[0].RewardPoints)
}

func TestParseProgram_StringRate(t *testing.T) {
	pj, err := NewProgramFactory().ParseProgram(`{"name": "P", "conversion_rate": "1.25"}`)
	require.NoError(t, err)
	assert.Equal(t, "1.25", pj.ConversionRate.String())
}

func TestParseProgram_Invalid(t *testing.T) {
	f := NewProgramFactory()

	tests := []struct {
		name string
		json string
	}{
		{"malformed", `{"name": `},
		{"unknown field", `{"name": "P", "points_per_dollar": 2}`},
		{"missing name", `{"conversion_rate": 1}`},
		{"negative rate", `{"name": "P", "conversion_rate": -1}`},
		{"duplicate tier name", `{"name": "P", "tiers": [{"name": "Gold", "points_to_reach": 1}, {"name": "Gold", "points_to_reach": 2}]}`},
		{"duplicate threshold", `{"name": "P", "tiers": [{"name": "A", "points_to_reach": 5}, {"name": "B", "points_to_reach": 5}]}`},
		{"unnamed task", `{"name": "P", "tasks": [{"points_required": 1}]}`},
		{"zero rate", `{"name": "P", "conversion_rate": 0}`},
		{"zero tier threshold", `{"name": "P", "tiers": [{"name": "Base", "points_to_reach": 0}]}`},
		{"unnamed tier", `{"name": "P", "tiers": [{"points_to_reach": 10}]}`},
		{"negative reward", `{"name": "P", "tasks": [{"name": "T", "reward_points": -5}]}`},
		{"negative duration", `{"name": "P", "tasks": [{"name": "T", "duration_days": -1}]}`},
		{"duplicate task id", `{"name": "P", "tasks": [{"id": "t", "name": "A"}, {"id": "t", "name": "B"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParseProgram(tt.json)
			assert.Error(t, err)
		})
	}

	_, err := f.ParseProgram(`{"conversion_rate": 1}`)
	assert.ErrorIs(t, err, loyalty.ErrInvalidInput)
}

func TestParsePrograms_YAML(t *testing.T) {
	doc := []byte(`
programs:
  - id: coffee-club
    name: Coffee Club
    conversion_rate: 0.5
    tiers:
      - {name: Bronze, points_to_reach: 100}
  - name: Book Club
    conversion_rate: "2"
    tasks:
      - name: Read three
        transactions_required: 3
        reward_points: 30
`)

	programs, err := NewProgramFactory().ParsePrograms(doc)
	require.NoError(t, err)
	require.Len(t, programs, 2)

	assert.Equal(t, "0.5", programs[0].ConversionRate.String())
	assert.Equal(t, "2", programs[1].ConversionRate.String())
	assert.Equal(t, int64(3), programs[1].Tasks[0].TransactionsRequired)
}

func TestParsePrograms_BadRate(t *testing.T) {
	_, err := NewProgramFactory().ParsePrograms([]byte("programs:\n  - name: P\n    conversion_rate: fast\n"))
	assert.Error(t, err)
}

func TestToJSON_RoundTripsThroughYAML(t *testing.T) {
	f := NewProgramFactory()
	program := loyalty.Program{ID: "p", Name: "P", ConversionRate: decimal.RequireFromString("1.5")}
	tiers := []loyalty.Tier{{ProgramID: "p", Name: "Gold", PointsToReach: 500}}

	out, err := yaml.Marshal(seedFile{Programs: []ProgramJSON{f.ToJSON(program, tiers, nil)}})
	require.NoError(t, err)

	back, err := f.ParsePrograms(out)
	require.NoError(t, err)
	require.Len(t, back, 1)
	assert.Equal(t, "1.5", back[0].ConversionRate.String())
	assert.Equal(t, int64(500), back[0].Tiers[0].PointsToReach)
}

func TestToJSON_JSONRate(t *testing.T) {
	pj := NewProgramFactory().ToJSON(loyalty.Program{ID: "p", Name: "P"}, nil, nil)

	b, err := json.Marshal(pj)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"conversion_rate":"1"`)
}

func TestApply(t *testing.T) {
	// GIVEN: A parsed definition and an empty ledger
	ctx := context.Background()
	ledger := loyalty.NewLedger(store.NewMemory(), loyalty.Options{})
	f := NewProgramFactory()
	pj, err := f.ParseProgram(coffeeClubJSON)
	require.NoError(t, err)

	// WHEN: Applying it
	program, err := f.Apply(ctx, ledger, pj)
	require.NoError(t, err)

	// THEN: Program, tiers and tasks exist
	assert.Equal(t, loyalty.ProgramID("coffee-club"), program.ID)

	tiers, err := ledger.ListTiers(ctx, program.ID)
	require.NoError(t, err)
	assert.Len(t, tiers, 2)

	task, err := ledger.GetTask(ctx, "first-week")
	require.NoError(t, err)
	assert.Equal(t, program.ID, task.ProgramID)

	// Applying again collides on the program id
	_, err = f.Apply(ctx, ledger, pj)
	assert.ErrorIs(t, err, loyalty.ErrDuplicateProgram)
}

func TestApply_RejectedDefinitionWritesNothing(t *testing.T) {
	// GIVEN: A definition whose second tier is invalid
	ctx := context.Background()
	ledger := loyalty.NewLedger(store.NewMemory(), loyalty.Options{})
	f := NewProgramFactory()
	pj := ProgramJSON{
		ID:   "shop",
		Name: "Shop",
		Tiers: []TierJSON{
			{Name: "Bronze", PointsToReach: 100},
			{Name: "Base", PointsToReach: 0},
		},
		Tasks: []TaskJSON{{ID: "first-buy", Name: "First buy", TransactionsRequired: 1, RewardPoints: 10}},
	}

	// WHEN: Applying it without parsing first
	_, err := f.Apply(ctx, ledger, pj)

	// THEN: It is rejected as invalid input and nothing was created
	assert.ErrorIs(t, err, loyalty.ErrInvalidInput)
	_, err = ledger.GetProgram(ctx, "shop")
	assert.ErrorIs(t, err, loyalty.ErrProgramNotFound)
	_, err = ledger.GetTask(ctx, "first-buy")
	assert.ErrorIs(t, err, loyalty.ErrTaskNotFound)

	// The corrected definition applies cleanly under the same id
	pj.Tiers[1].PointsToReach = 300
	program, err := f.Apply(ctx, ledger, pj)
	require.NoError(t, err)
	tiers, err := ledger.ListTiers(ctx, program.ID)
	require.NoError(t, err)
	assert.Len(t, tiers, 2)
}

func TestApply_TaskIDTaken(t *testing.T) {
	// GIVEN: A program that already owns task "first-week"
	ctx := context.Background()
	ledger := loyalty.NewLedger(store.NewMemory(), loyalty.Options{})
	f := NewProgramFactory()
	pj, err := f.ParseProgram(coffeeClubJSON)
	require.NoError(t, err)
	_, err = f.Apply(ctx, ledger, pj)
	require.NoError(t, err)

	// WHEN: A second program reuses the task id
	other := pj
	other.ID = "tea-club"
	other.Name = "Tea Club"
	_, err = f.Apply(ctx, ledger, other)

	// THEN: The collision is reported before the program is created
	assert.ErrorIs(t, err, loyalty.ErrDuplicateTask)
	_, err = ledger.GetProgram(ctx, "tea-club")
	assert.ErrorIs(t, err, loyalty.ErrProgramNotFound)
}

func TestCheckRate(t *testing.T) {
	assert.NoError(t, CheckRate(nil))
	assert.NoError(t, CheckRate(NewRate(decimal.RequireFromString("0.25"))))
	assert.Error(t, CheckRate(NewRate(decimal.Zero)))
	assert.Error(t, CheckRate(NewRate(decimal.NewFromInt(-2))))
}

func TestSeed(t *testing.T) {
	// GIVEN: A seed file with two programs
	ctx := context.Background()
	ledger := loyalty.NewLedger(store.NewMemory(), loyalty.Options{})
	path := filepath.Join(t.TempDir(), "programs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
programs:
  - id: coffee-club
    name: Coffee Club
    conversion_rate: 0.5
    tiers:
      - {name: Bronze, points_to_reach: 100}
  - id: book-club
    name: Book Club
`), 0o644))
	f := NewProgramFactory()

	// WHEN: Seeding twice
	first, err := f.Seed(ctx, ledger, path)
	require.NoError(t, err)
	second, err := f.Seed(ctx, ledger, path)
	require.NoError(t, err)

	// THEN: Programs are created once
	assert.Equal(t, 2, first)
	assert.Equal(t, 0, second)
	programs, err := ledger.ListPrograms(ctx)
	require.NoError(t, err)
	assert.Len(t, programs, 2)

	_, err = f.Seed(ctx, ledger, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
