/*
Package factory converts program definitions (JSON or YAML) into a loyalty
program with its tiers and tasks.

PURPOSE:
  Programs are configured as data: the HTTP API accepts the JSON form, the
  server seeds programs from a YAML file at startup, and the demo scenarios
  are built from the same definitions.

JSON SCHEMA:
  {
    "id": "coffee-club",
    "name": "Coffee Club",
    "description": "Points for every cup",
    "conversion_rate": 0.5,
    "tiers": [
      {"name": "Bronze", "points_to_reach": 100},
      {"name": "Silver", "points_to_reach": 300}
    ],
    "tasks": [
      {
        "id": "first-week",
        "name": "First week",
        "points_required": 200,
        "transactions_required": 2,
        "duration_days": 7,
        "reward_points": 50
      }
    ]
  }

YAML SEED FILE:
  programs:
    - id: coffee-club
      name: Coffee Club
      conversion_rate: 0.5
      tiers:
        - {name: Bronze, points_to_reach: 100}

USAGE:
  f := factory.NewProgramFactory()
  def, err := f.ParseProgram(jsonString)
  program, err := f.Apply(ctx, ledger, def)
  n, err := f.Seed(ctx, ledger, "programs.yaml")

SEE ALSO:
  - loyalty/types.go: Program, Tier, Task
  - api/scenarios.go: demo programs built from definitions
*/
package factory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// SCHEMA TYPES
// =============================================================================

// ProgramJSON is the serialized form of a program definition.
type ProgramJSON struct {
	ID             string     `json:"id,omitempty" yaml:"id,omitempty"`
	Name           string     `json:"name" yaml:"name"`
	Description    string     `json:"description,omitempty" yaml:"description,omitempty"`
	ConversionRate *Rate      `json:"conversion_rate,omitempty" yaml:"conversion_rate,omitempty"`
	Tiers          []TierJSON `json:"tiers,omitempty" yaml:"tiers,omitempty"`
	Tasks          []TaskJSON `json:"tasks,omitempty" yaml:"tasks,omitempty"`
}

// TierJSON is the serialized form of a tier.
type TierJSON struct {
	Name          string `json:"name" yaml:"name"`
	PointsToReach int64  `json:"points_to_reach" yaml:"points_to_reach"`
	Description   string `json:"description,omitempty" yaml:"description,omitempty"`
}

// TaskJSON is the serialized form of a task.
type TaskJSON struct {
	ID                   string `json:"id,omitempty" yaml:"id,omitempty"`
	Name                 string `json:"name" yaml:"name"`
	Description          string `json:"description,omitempty" yaml:"description,omitempty"`
	PointsRequired       int64  `json:"points_required" yaml:"points_required"`
	TransactionsRequired int64  `json:"transactions_required" yaml:"transactions_required"`
	DurationDays         int    `json:"duration_days,omitempty" yaml:"duration_days,omitempty"`
	RewardPoints         int64  `json:"reward_points" yaml:"reward_points"`
}

// seedFile is the top-level YAML document.
type seedFile struct {
	Programs []ProgramJSON `yaml:"programs"`
}

// Rate is a conversion rate accepted as a number or a string in both
// JSON and YAML, e.g. 0.5 or "0.5".
type Rate struct {
	decimal.Decimal
}

// NewRate wraps a decimal.
func NewRate(d decimal.Decimal) *Rate { return &Rate{Decimal: d} }

func (r *Rate) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("conversion_rate: expected a scalar at line %d", node.Line)
	}
	d, err := decimal.NewFromString(node.Value)
	if err != nil {
		return fmt.Errorf("conversion_rate %q at line %d: %w", node.Value, node.Line, err)
	}
	r.Decimal = d
	return nil
}

func (r Rate) MarshalYAML() (any, error) {
	return r.Decimal.String(), nil
}

// =============================================================================
// PROGRAM FACTORY
// =============================================================================

// ProgramFactory converts definitions to domain types.
type ProgramFactory struct{}

// NewProgramFactory creates a new program factory.
func NewProgramFactory() *ProgramFactory {
	return &ProgramFactory{}
}

// ParseProgram parses one JSON definition.
func (f *ProgramFactory) ParseProgram(jsonStr string) (ProgramJSON, error) {
	var pj ProgramJSON
	dec := json.NewDecoder(strings.NewReader(jsonStr))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&pj); err != nil {
		return ProgramJSON{}, fmt.Errorf("failed to parse program JSON: %w", err)
	}
	if err := f.Validate(pj); err != nil {
		return ProgramJSON{}, err
	}
	return pj, nil
}

// ParsePrograms parses a YAML seed document ("programs:" list).
func (f *ProgramFactory) ParsePrograms(data []byte) ([]ProgramJSON, error) {
	var doc seedFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse program YAML: %w", err)
	}
	for i, pj := range doc.Programs {
		if err := f.Validate(pj); err != nil {
			return nil, fmt.Errorf("program %d (%s): %w", i, pj.Name, err)
		}
	}
	return doc.Programs, nil
}

// Validate checks a definition without touching any store. The ledger
// validates again when the definition is applied.
func (f *ProgramFactory) Validate(pj ProgramJSON) error {
	var errs []error
	if strings.TrimSpace(pj.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if err := CheckRate(pj.ConversionRate); err != nil {
		errs = append(errs, err)
	}

	names := make(map[string]bool)
	thresholds := make(map[int64]bool)
	for _, t := range pj.Tiers {
		if strings.TrimSpace(t.Name) == "" {
			errs = append(errs, errors.New("tier name is required"))
		}
		if t.PointsToReach <= 0 {
			errs = append(errs, fmt.Errorf("tier %q: points_to_reach must be positive", t.Name))
		}
		if names[t.Name] {
			errs = append(errs, fmt.Errorf("tier %q defined twice", t.Name))
		}
		if thresholds[t.PointsToReach] {
			errs = append(errs, fmt.Errorf("tier threshold %d defined twice", t.PointsToReach))
		}
		names[t.Name] = true
		thresholds[t.PointsToReach] = true
	}
	taskIDs := make(map[string]bool)
	for _, t := range pj.Tasks {
		if strings.TrimSpace(t.Name) == "" {
			errs = append(errs, errors.New("task name is required"))
		}
		if t.PointsRequired < 0 || t.TransactionsRequired < 0 || t.RewardPoints < 0 {
			errs = append(errs, fmt.Errorf("task %q: thresholds and reward must not be negative", t.Name))
		}
		if t.DurationDays < 0 {
			errs = append(errs, fmt.Errorf("task %q: duration_days must not be negative", t.Name))
		}
		if t.ID != "" {
			if taskIDs[t.ID] {
				errs = append(errs, fmt.Errorf("task id %q defined twice", t.ID))
			}
			taskIDs[t.ID] = true
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", loyalty.ErrInvalidInput, err)
	}
	return nil
}

// CheckRate rejects an explicit conversion rate that is not positive. A nil
// rate means the default applies.
func CheckRate(r *Rate) error {
	if r != nil && !r.IsPositive() {
		return fmt.Errorf("conversion_rate must be positive, got %s", r.Decimal)
	}
	return nil
}

// FromJSON converts a definition to domain values. IDs left empty are
// assigned when the values are created.
func (f *ProgramFactory) FromJSON(pj ProgramJSON) (loyalty.Program, []loyalty.Tier, []loyalty.Task) {
	program := loyalty.Program{
		ID:          loyalty.ProgramID(pj.ID),
		Name:        pj.Name,
		Description: pj.Description,
	}
	if pj.ConversionRate != nil {
		program.ConversionRate = pj.ConversionRate.Decimal
	}

	tiers := make([]loyalty.Tier, len(pj.Tiers))
	for i, t := range pj.Tiers {
		tiers[i] = loyalty.Tier{
			Name:          t.Name,
			PointsToReach: t.PointsToReach,
			Description:   t.Description,
		}
	}

	tasks := make([]loyalty.Task, len(pj.Tasks))
	for i, t := range pj.Tasks {
		tasks[i] = loyalty.Task{
			ID:                   loyalty.TaskID(t.ID),
			Name:                 t.Name,
			Description:          t.Description,
			PointsRequired:       t.PointsRequired,
			TransactionsRequired: t.TransactionsRequired,
			DurationDays:         t.DurationDays,
			RewardPoints:         t.RewardPoints,
		}
	}
	return program, tiers, tasks
}

// ToJSON converts a program and its children back to a definition.
func (f *ProgramFactory) ToJSON(p loyalty.Program, tiers []loyalty.Tier, tasks []loyalty.Task) ProgramJSON {
	pj := ProgramJSON{
		ID:             string(p.ID),
		Name:           p.Name,
		Description:    p.Description,
		ConversionRate: NewRate(p.Rate()),
	}
	for _, t := range tiers {
		pj.Tiers = append(pj.Tiers, TierJSON{Name: t.Name, PointsToReach: t.PointsToReach, Description: t.Description})
	}
	for _, t := range tasks {
		pj.Tasks = append(pj.Tasks, TaskJSON{
			ID:                   string(t.ID),
			Name:                 t.Name,
			Description:          t.Description,
			PointsRequired:       t.PointsRequired,
			TransactionsRequired: t.TransactionsRequired,
			DurationDays:         t.DurationDays,
			RewardPoints:         t.RewardPoints,
		})
	}
	return pj
}

// Apply creates the program, then its tiers and tasks. The definition is
// validated and checked against existing ids before anything is written, so
// a rejected definition leaves the store untouched. Storage failures midway
// still stop at the first error with earlier entities in place.
func (f *ProgramFactory) Apply(ctx context.Context, l *loyalty.Ledger, pj ProgramJSON) (loyalty.Program, error) {
	if err := f.Validate(pj); err != nil {
		return loyalty.Program{}, fmt.Errorf("program %q: %w", pj.Name, err)
	}
	if err := f.checkFree(ctx, l, pj); err != nil {
		return loyalty.Program{}, err
	}
	program, tiers, tasks := f.FromJSON(pj)

	created, err := l.CreateProgram(ctx, program)
	if err != nil {
		return loyalty.Program{}, fmt.Errorf("creating program %q: %w", pj.Name, err)
	}
	for _, t := range tiers {
		t.ProgramID = created.ID
		if _, err := l.CreateTier(ctx, t); err != nil {
			return created, fmt.Errorf("creating tier %q: %w", t.Name, err)
		}
	}
	for _, t := range tasks {
		t.ProgramID = created.ID
		if _, err := l.CreateTask(ctx, t); err != nil {
			return created, fmt.Errorf("creating task %q: %w", t.Name, err)
		}
	}
	return created, nil
}

// checkFree fails when the definition reuses a program or task id.
func (f *ProgramFactory) checkFree(ctx context.Context, l *loyalty.Ledger, pj ProgramJSON) error {
	if pj.ID != "" {
		_, err := l.GetProgram(ctx, loyalty.ProgramID(pj.ID))
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s", loyalty.ErrDuplicateProgram, pj.ID)
		case !loyalty.IsNotFound(err):
			return err
		}
	}
	for _, t := range pj.Tasks {
		if t.ID == "" {
			continue
		}
		_, err := l.GetTask(ctx, loyalty.TaskID(t.ID))
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s", loyalty.ErrDuplicateTask, t.ID)
		case !loyalty.IsNotFound(err):
			return err
		}
	}
	return nil
}

// Seed reads a YAML seed file and applies every program in it. Programs whose
// id already exists are skipped, so seeding on every start is safe. It
// returns the number of programs created.
func (f *ProgramFactory) Seed(ctx context.Context, l *loyalty.Ledger, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading seed file: %w", err)
	}
	programs, err := f.ParsePrograms(data)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, pj := range programs {
		if pj.ID != "" {
			if _, err := l.GetProgram(ctx, loyalty.ProgramID(pj.ID)); err == nil {
				continue
			}
		}
		if _, err := f.Apply(ctx, l, pj); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}
