// Package matrixtest provides an in-memory matrix.Store backed by
// companiestest.Store.
package matrixtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/vcmatrix/pkg/companies/companiestest"
	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/matrix"
)

// Store keeps columns and edits in memory.
type Store struct {
	mu        sync.Mutex
	companies *companiestest.Store
	columns   map[uuid.UUID]*matrix.Column
	edits     []matrix.Edit

	// FailNext makes the next ApplyCellEdit calls return these errors in order.
	FailNext []error
	now      func() time.Time
}

var _ matrix.Store = (*Store)(nil)

// New returns a store seeded with DefaultColumns.
func New(cs *companiestest.Store) *Store {
	s := &Store{
		companies: cs,
		columns:   map[uuid.UUID]*matrix.Column{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, c := range DefaultColumns() {
		c := c
		c.ID = uuid.New()
		c.BuiltIn = true
		s.columns[c.ID] = &c
	}
	return s
}

// DefaultColumns mirrors the built-in columns seeded by the schema.
func DefaultColumns() []matrix.Column {
	return []matrix.Column{
		{Key: "name", Name: "Company", Type: matrix.TypeText, Field: "name", Position: 0, Width: 220},
		{Key: "sector", Name: "Sector", Type: matrix.TypeText, Field: "sector", Position: 1, Width: 140},
		{Key: "stage", Name: "Stage", Type: matrix.TypeText, Field: "stage", Position: 2, Width: 120},
		{Key: "arr", Name: "ARR", Type: matrix.TypeCurrency, Field: "current_arr", Position: 3, Width: 140},
		{Key: "growth", Name: "Growth %", Type: matrix.TypePercentage, Field: "revenue_growth_pct", Position: 4, Width: 110},
		{Key: "burn", Name: "Monthly Burn", Type: matrix.TypeCurrency, Field: "burn_rate_monthly", Position: 5, Width: 140},
		{Key: "cash", Name: "Cash", Type: matrix.TypeCurrency, Field: "cash_in_bank", Position: 6, Width: 140},
		{Key: "runway", Name: "Runway (months)", Type: matrix.TypeNumber, Field: "runway_months", Position: 7, Width: 130},
		{Key: "headcount", Name: "Headcount", Type: matrix.TypeNumber, Field: "headcount", Position: 8, Width: 110},
		{Key: "gross_margin", Name: "Gross Margin %", Type: matrix.TypePercentage, Field: "gross_margin_pct", Position: 9, Width: 130},
		{Key: "invested", Name: "Invested", Type: matrix.TypeCurrency, Field: "total_invested", Position: 10, Width: 140},
		{Key: "ownership", Name: "Ownership %", Type: matrix.TypePercentage, Field: "ownership_pct", Position: 11, Width: 120},
		{Key: "valuation", Name: "Valuation", Type: matrix.TypeCurrency, Field: "current_valuation", Position: 12, Width: 150},
		{Key: "last_round_date", Name: "Last Round", Type: matrix.TypeDate, Field: "last_round_date", Position: 13, Width: 130},
		{Key: "rule_of_40", Name: "Rule of 40", Type: matrix.TypeFormula, Position: 14, Width: 110, ActionID: "formula.rule_of_40"},
		{Key: "burn_multiple", Name: "Burn Multiple", Type: matrix.TypeFormula, Position: 15, Width: 120, ActionID: "formula.burn_multiple"},
		{Key: "currency", Name: "Currency", Type: matrix.TypeText, Field: "currency", Position: 16, Width: 90},
	}
}

func (s *Store) find(idOrKey string) (*matrix.Column, bool) {
	if id, err := uuid.Parse(idOrKey); err == nil {
		c, ok := s.columns[id]
		return c, ok
	}
	for _, c := range s.columns {
		if c.Key == idOrKey {
			return c, true
		}
	}
	return nil, false
}

// ListColumns implements matrix.Store.
func (s *Store) ListColumns(context.Context) ([]matrix.Column, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]matrix.Column, 0, len(s.columns))
	for _, c := range s.columns {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// GetColumn implements matrix.Store.
func (s *Store) GetColumn(_ context.Context, idOrKey string) (*matrix.Column, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.find(idOrKey)
	if !ok {
		return nil, fmt.Errorf("column %s: %w", idOrKey, vcerrors.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

// CreateColumn implements matrix.Store.
func (s *Store) CreateColumn(_ context.Context, col *matrix.Column) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.find(col.Key); ok {
		return fmt.Errorf("column %q already exists: %w", col.Key, vcerrors.ErrConflict)
	}
	if col.ID == uuid.Nil {
		col.ID = uuid.New()
	}
	if col.Position <= 0 {
		max := -1
		for _, c := range s.columns {
			if c.Position > max {
				max = c.Position
			}
		}
		col.Position = max + 1
	}
	col.CreatedAt = s.now()
	cp := *col
	s.columns[col.ID] = &cp
	return nil
}

// UpdateColumn implements matrix.Store.
func (s *Store) UpdateColumn(_ context.Context, id string, upd matrix.ColumnUpdate) (*matrix.Column, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.find(id)
	if !ok {
		return nil, fmt.Errorf("column %s: %w", id, vcerrors.ErrNotFound)
	}
	if upd.Name != nil {
		c.Name = *upd.Name
	}
	if upd.Position != nil {
		c.Position = *upd.Position
	}
	if upd.Width != nil {
		c.Width = *upd.Width
	}
	cp := *c
	return &cp, nil
}

// DeleteColumn implements matrix.Store.
func (s *Store) DeleteColumn(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.find(id)
	if !ok {
		return fmt.Errorf("column %s: %w", id, vcerrors.ErrNotFound)
	}
	delete(s.columns, c.ID)
	return nil
}

// SetPositions implements matrix.Store.
func (s *Store) SetPositions(_ context.Context, positions map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, pos := range positions {
		if c, ok := s.find(key); ok {
			c.Position = pos
		}
	}
	return nil
}

// ApplyCellEdit implements matrix.Store.
func (s *Store) ApplyCellEdit(ctx context.Context, w matrix.CellWrite) (*matrix.CellResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.FailNext) > 0 {
		err := s.FailNext[0]
		s.FailNext = s.FailNext[1:]
		return nil, err
	}

	current, err := s.companies.Get(ctx, w.CompanyID)
	if err != nil {
		return nil, err
	}
	next, err := s.companies.ApplyPatch(w.CompanyID, w.Patch)
	if err != nil {
		return nil, err
	}
	edit := matrix.Edit{
		ID:        uuid.New(),
		CompanyID: next.ID,
		ColumnKey: w.Column.Key,
		OldValue:  matrix.CellValue(current, w.Column),
		NewValue:  matrix.CellValue(next, w.Column),
		Source:    w.Source,
		EditedBy:  w.EditedBy,
		CreatedAt: s.now(),
	}
	s.edits = append(s.edits, edit)
	return &matrix.CellResult{Company: next, Edit: edit}, nil
}

// ListEdits implements matrix.Store.
func (s *Store) ListEdits(_ context.Context, f matrix.EditFilter) ([]matrix.Edit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	var out []matrix.Edit
	for i := len(s.edits) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.edits[i]
		if f.CompanyID != "" && e.CompanyID.String() != f.CompanyID {
			continue
		}
		if f.ColumnKey != "" && e.ColumnKey != f.ColumnKey {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// GetEdit implements matrix.Store.
func (s *Store) GetEdit(_ context.Context, id string) (*matrix.Edit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.edits {
		if e.ID.String() == id {
			cp := e
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("edit %s: %w", id, vcerrors.ErrNotFound)
}
