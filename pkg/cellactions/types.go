// Package cellactions defines the actions a user can run against a matrix
// cell: pure formulas, valuations, data workflows and agent calls. Actions
// live in a Registry and run through an Executor, which writes their output
// back to the matrix as audited edits.
package cellactions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/otherjamesbrown/vcmatrix/pkg/companies"
	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/matrix"
)

// Category groups actions in the UI action menu.
type Category string

const (
	CategoryFormula   Category = "formula"
	CategoryValuation Category = "valuation"
	CategoryWorkflow  Category = "workflow"
	CategoryAgent     Category = "agent"
)

// categoryOrder is the listing order of categories.
var categoryOrder = map[Category]int{
	CategoryFormula:   0,
	CategoryValuation: 1,
	CategoryWorkflow:  2,
	CategoryAgent:     3,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	_, ok := categoryOrder[c]
	return ok
}

// Input is what an action runs against.
type Input struct {
	Company *companies.Company
	Params  map[string]any
}

// Output is what an action produces. Value goes to the action's output
// column; Updates holds additional column writes keyed by column key.
type Output struct {
	Value       any            `json:"value"`
	Display     string         `json:"display,omitempty"`
	Explanation string         `json:"explanation,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Updates     map[string]any `json:"updates,omitempty"`
}

// RunFunc executes an action locally.
type RunFunc func(ctx context.Context, in Input) (*Output, error)

// Action is a registered cell action.
type Action struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Category    Category `json:"category"`
	Description string   `json:"description,omitempty"`
	// Inputs are column keys that must hold a value before the action runs.
	Inputs []string `json:"inputs"`
	// Output is the column key the value is written to, or "" for
	// display-only actions.
	Output string  `json:"output,omitempty"`
	Remote bool    `json:"remote"`
	Run    RunFunc `json:"-"`
}

// Pure reports whether the action can be evaluated inline while building
// the grid.
func (a *Action) Pure() bool {
	return a.Category == CategoryFormula && !a.Remote && a.Run != nil
}

func (a *Action) validate() error {
	if a.ID == "" {
		return fmt.Errorf("action id is required: %w", vcerrors.ErrValidation)
	}
	if a.Name == "" {
		return fmt.Errorf("action %s: name is required: %w", a.ID, vcerrors.ErrValidation)
	}
	if !a.Category.Valid() {
		return fmt.Errorf("action %s: unknown category %q: %w", a.ID, a.Category, vcerrors.ErrValidation)
	}
	if !a.Remote && a.Run == nil {
		return fmt.Errorf("action %s: local actions need a run function: %w", a.ID, vcerrors.ErrValidation)
	}
	return nil
}

// ExecuteRequest asks the Executor to run one action for one company.
type ExecuteRequest struct {
	ActionID  string         `json:"action_id"`
	CompanyID string         `json:"company_id"`
	Params    map[string]any `json:"params,omitempty"`
	DryRun    bool           `json:"dry_run"`
	EditedBy  string         `json:"edited_by,omitempty"`
}

// ActionResult is the outcome of an execution. Cells lists the matrix
// cells written; it is empty for dry runs.
type ActionResult struct {
	ActionID    string         `json:"action_id"`
	CompanyID   string         `json:"company_id"`
	Value       any            `json:"value"`
	Display     string         `json:"display,omitempty"`
	Explanation string         `json:"explanation,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	DryRun      bool           `json:"dry_run"`
	Cells       []matrix.Cell  `json:"cells,omitempty"`
}

// DecodeParams converts loosely typed request params into dst through JSON.
func DecodeParams(params map[string]any, dst any) error {
	if len(params) == 0 {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding params: %w", vcerrors.ErrValidation)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid params: %v: %w", err, vcerrors.ErrValidation)
	}
	return nil
}
