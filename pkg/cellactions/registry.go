package cellactions

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/otherjamesbrown/vcmatrix/pkg/companies"
	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/matrix"
)

// Registry holds the available actions.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]*Action
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]*Action)}
}

// Register adds an action.
func (r *Registry) Register(a *Action) error {
	if err := a.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[a.ID]; exists {
		return fmt.Errorf("action already registered: %s: %w", a.ID, vcerrors.ErrAlreadyExists)
	}
	r.actions[a.ID] = a
	return nil
}

// MustRegister is Register for static registrations.
func (r *Registry) MustRegister(actions ...*Action) {
	for _, a := range actions {
		if err := r.Register(a); err != nil {
			panic(err)
		}
	}
}

// Get returns an action by id.
func (r *Registry) Get(id string) (*Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.actions[id]
	if !ok {
		return nil, fmt.Errorf("cell action %q: %w", id, vcerrors.ErrNotFound)
	}
	return a, nil
}

// List returns every action ordered by category, then id.
func (r *Registry) List() []*Action {
	r.mu.RLock()
	result := make([]*Action, 0, len(r.actions))
	for _, a := range r.actions {
		result = append(result, a)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		ci, cj := categoryOrder[result[i].Category], categoryOrder[result[j].Category]
		if ci != cj {
			return ci < cj
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// ForColumn returns the actions whose output is the column key.
func (r *Registry) ForColumn(key string) []*Action {
	var out []*Action
	for _, a := range r.List() {
		if a.Output == key {
			out = append(out, a)
		}
	}
	return out
}

// EvaluateFormula runs a pure formula action against a company without
// writing anything.
func (r *Registry) EvaluateFormula(ctx context.Context, actionID string, c *companies.Company) (any, error) {
	a, err := r.Get(actionID)
	if err != nil {
		return nil, err
	}
	if !a.Pure() {
		return nil, fmt.Errorf("action %s is not a formula: %w", actionID, vcerrors.ErrInvalidState)
	}
	if missing := MissingInputs(a, c); len(missing) > 0 {
		return nil, missingError(missing)
	}
	out, err := a.Run(ctx, Input{Company: c})
	if err != nil {
		return nil, err
	}
	return out.Value, nil
}

var _ matrix.FormulaEvaluator = (*Registry)(nil)
