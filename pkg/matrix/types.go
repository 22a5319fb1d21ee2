// Package matrix serves the portfolio grid: column definitions, audited
// cell edits and the assembled grid of companies by columns.
package matrix

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/vcmatrix/pkg/companies"
	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
)

// ColumnType is the display and storage type of a column.
type ColumnType string

const (
	TypeText       ColumnType = "text"
	TypeNumber     ColumnType = "number"
	TypeCurrency   ColumnType = "currency"
	TypePercentage ColumnType = "percentage"
	TypeDate       ColumnType = "date"
	TypeFormula    ColumnType = "formula"
	TypeAction     ColumnType = "action"
)

// ColumnTypes lists every accepted column type.
var ColumnTypes = []ColumnType{
	TypeText, TypeNumber, TypeCurrency, TypePercentage, TypeDate, TypeFormula, TypeAction,
}

// Computed reports whether cells of this type are derived rather than stored.
func (t ColumnType) Computed() bool {
	return t == TypeFormula || t == TypeAction
}

// Valid reports whether t is a known type.
func (t ColumnType) Valid() bool {
	for _, ct := range ColumnTypes {
		if ct == t {
			return true
		}
	}
	return false
}

// Edit sources other than "user".
const (
	SourceUser   = "user"
	SourceRevert = "revert"
	SourceAgent  = "agent"
)

// Column is one column of the matrix.
type Column struct {
	ID        uuid.UUID  `json:"id"`
	Key       string     `json:"key"`
	Name      string     `json:"name"`
	Type      ColumnType `json:"type"`
	Field     string     `json:"field,omitempty"`
	Position  int        `json:"position"`
	Width     int        `json:"width"`
	Formula   string     `json:"formula,omitempty"`
	ActionID  string     `json:"action_id,omitempty"`
	BuiltIn   bool       `json:"built_in"`
	CreatedAt time.Time  `json:"created_at"`
}

// Custom reports whether values live in companies.extra_data.
func (c Column) Custom() bool {
	return c.Field == ""
}

// Kind returns the value kind used to coerce writes. Mapped columns use the
// company field's kind so "number" columns over integer fields stay integers.
func (c Column) Kind() companies.Kind {
	if c.Field != "" {
		if f, ok := companies.FieldByColumn(c.Field); ok {
			return f.Kind
		}
	}
	return kindForType(c.Type)
}

func kindForType(t ColumnType) companies.Kind {
	switch t {
	case TypeNumber:
		return companies.KindNumber
	case TypeCurrency:
		return companies.KindCurrency
	case TypePercentage:
		return companies.KindPercentage
	case TypeDate:
		return companies.KindDate
	default:
		return companies.KindText
	}
}

// CoerceValue converts a raw cell value for a column of type t. nil and
// blank strings clear the cell.
func CoerceValue(t ColumnType, raw any) (any, error) {
	if t.Computed() {
		return nil, fmt.Errorf("%s columns are computed and cannot be written: %w", t, vcerrors.ErrValidation)
	}
	return companies.CoerceValue(kindForType(t), raw)
}

// CellValue reads the stored value of col for company c in its JSON form.
func CellValue(c *companies.Company, col Column) any {
	if col.Field != "" {
		return companies.PlainValue(c.FieldValue(col.Field))
	}
	if c.ExtraData == nil {
		return nil
	}
	return c.ExtraData[col.Key]
}

// Edit is one audited cell change.
type Edit struct {
	ID        uuid.UUID `json:"id"`
	CompanyID uuid.UUID `json:"company_id"`
	ColumnKey string    `json:"column_key"`
	OldValue  any       `json:"old_value"`
	NewValue  any       `json:"new_value"`
	Source    string    `json:"source"`
	EditedBy  string    `json:"edited_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EditFilter selects edits for ListEdits.
type EditFilter struct {
	CompanyID string `json:"company_id,omitempty"`
	ColumnKey string `json:"column_key,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

const (
	defaultEditLimit = 50
	maxEditLimit     = 500
)

func (f EditFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultEditLimit
	case f.Limit > maxEditLimit:
		return maxEditLimit
	default:
		return f.Limit
	}
}

// CellUpdate is a request to write one cell. ColumnID accepts a column key
// or id.
type CellUpdate struct {
	CompanyID string `json:"company_id"`
	ColumnID  string `json:"column_id"`
	Value     any    `json:"value"`
	Source    string `json:"source,omitempty"`
	EditedBy  string `json:"edited_by,omitempty"`
}

// Cell is the result of a cell write.
type Cell struct {
	CompanyID string    `json:"company_id"`
	ColumnKey string    `json:"column_key"`
	Value     any       `json:"value"`
	OldValue  any       `json:"old_value"`
	EditID    string    `json:"edit_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CellWrite is a coerced cell write handed to the store.
type CellWrite struct {
	CompanyID string
	Column    Column
	Patch     companies.Patch
	Source    string
	EditedBy  string
}

// CellResult is what the store reports after a cell write.
type CellResult struct {
	Company *companies.Company
	Edit    Edit
}

// ColumnUpdate changes the presentation of a column.
type ColumnUpdate struct {
	Name     *string `json:"name,omitempty"`
	Position *int    `json:"position,omitempty"`
	Width    *int    `json:"width,omitempty"`
}

// GridRequest selects the rows of a grid.
type GridRequest struct {
	Filter companies.Filter `json:"filter"`
}

// Row is one company in the grid.
type Row struct {
	CompanyID string            `json:"company_id"`
	Cells     map[string]any    `json:"cells"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// Grid is the assembled matrix.
type Grid struct {
	Columns    []Column `json:"columns"`
	Rows       []Row    `json:"rows"`
	TotalCount int      `json:"total_count"`
}

// Store persists columns and edits. ApplyCellEdit must write the company and
// its edit row atomically.
type Store interface {
	ListColumns(ctx context.Context) ([]Column, error)
	GetColumn(ctx context.Context, idOrKey string) (*Column, error)
	CreateColumn(ctx context.Context, col *Column) error
	UpdateColumn(ctx context.Context, id string, upd ColumnUpdate) (*Column, error)
	DeleteColumn(ctx context.Context, id string) error
	SetPositions(ctx context.Context, positions map[string]int) error

	ApplyCellEdit(ctx context.Context, w CellWrite) (*CellResult, error)
	ListEdits(ctx context.Context, f EditFilter) ([]Edit, error)
	GetEdit(ctx context.Context, id string) (*Edit, error)
}

var columnKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// validateNewColumn checks a column before it is created.
func validateNewColumn(col *Column) error {
	col.Key = strings.TrimSpace(col.Key)
	col.Name = strings.TrimSpace(col.Name)
	if !columnKeyPattern.MatchString(col.Key) {
		return fmt.Errorf("column key %q must be lower-case letters, digits and underscores: %w", col.Key, vcerrors.ErrValidation)
	}
	if col.Name == "" {
		return fmt.Errorf("column name is required: %w", vcerrors.ErrValidation)
	}
	if !col.Type.Valid() {
		return fmt.Errorf("unknown column type %q: %w", col.Type, vcerrors.ErrValidation)
	}
	if col.Field != "" {
		f, ok := companies.FieldByColumn(col.Field)
		if !ok {
			return fmt.Errorf("unknown company field %q: %w", col.Field, vcerrors.ErrValidation)
		}
		col.Field = f.Column
	} else if _, ok := companies.ResolveField(col.Key); ok && !col.Type.Computed() {
		return fmt.Errorf("column key %q is reserved for a company field: %w", col.Key, vcerrors.ErrValidation)
	}
	if col.Type.Computed() {
		if col.Field != "" {
			return fmt.Errorf("%s columns cannot map to a company field: %w", col.Type, vcerrors.ErrValidation)
		}
		if col.ActionID == "" {
			return fmt.Errorf("%s columns need an action_id: %w", col.Type, vcerrors.ErrValidation)
		}
	}
	if col.Width <= 0 {
		col.Width = 140
	}
	return nil
}
