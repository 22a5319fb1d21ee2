package matrix

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/otherjamesbrown/vcmatrix/pkg/companies"
	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
	"github.com/otherjamesbrown/vcmatrix/pkg/observability"
	"github.com/otherjamesbrown/vcmatrix/pkg/retry"
)

// FormulaEvaluator computes formula cells from a company row.
type FormulaEvaluator interface {
	EvaluateFormula(ctx context.Context, actionID string, c *companies.Company) (any, error)
}

// Service implements column management, cell writes and grid assembly.
type Service struct {
	store     Store
	companies companies.Store
	formulas  FormulaEvaluator
	publisher observability.Publisher
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	policy    retry.Policy
	logger    logging.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithFormulas sets the evaluator used for formula columns in Grid.
func WithFormulas(f FormulaEvaluator) Option { return func(s *Service) { s.formulas = f } }

// WithPublisher sets the cell-updated event publisher.
func WithPublisher(p observability.Publisher) Option { return func(s *Service) { s.publisher = p } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithTracer sets the tracer.
func WithTracer(t *observability.Tracer) Option { return func(s *Service) { s.tracer = t } }

// WithRetryPolicy overrides the retry policy for cell writes.
func WithRetryPolicy(p retry.Policy) Option { return func(s *Service) { s.policy = p } }

// NewService creates a matrix service.
func NewService(store Store, companyStore companies.Store, logger logging.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	s := &Service{
		store:     store,
		companies: companyStore,
		publisher: observability.NopPublisher{},
		policy:    retry.DefaultPolicy(),
		logger:    logger.With(logging.F("component", "matrix_service")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetFormulas installs the formula evaluator after construction, for the
// cell-action registry which itself depends on the service.
func (s *Service) SetFormulas(f FormulaEvaluator) { s.formulas = f }

// ==================== Columns ====================

// ListColumns returns all columns in display order.
func (s *Service) ListColumns(ctx context.Context) ([]Column, error) {
	return s.store.ListColumns(ctx)
}

// GetColumn returns a column by id or key.
func (s *Service) GetColumn(ctx context.Context, idOrKey string) (*Column, error) {
	return s.store.GetColumn(ctx, strings.TrimSpace(idOrKey))
}

// CreateColumn validates and stores a custom column.
func (s *Service) CreateColumn(ctx context.Context, col *Column) error {
	if err := validateNewColumn(col); err != nil {
		return err
	}
	col.BuiltIn = false
	return s.store.CreateColumn(ctx, col)
}

// UpdateColumn changes a column's name, position or width.
func (s *Service) UpdateColumn(ctx context.Context, id string, upd ColumnUpdate) (*Column, error) {
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, fmt.Errorf("column name is required: %w", vcerrors.ErrValidation)
		}
		upd.Name = &name
	}
	if upd.Position != nil && *upd.Position < 0 {
		return nil, fmt.Errorf("position cannot be negative: %w", vcerrors.ErrValidation)
	}
	if upd.Width != nil && (*upd.Width < 40 || *upd.Width > 1000) {
		return nil, fmt.Errorf("width must be between 40 and 1000: %w", vcerrors.ErrValidation)
	}
	return s.store.UpdateColumn(ctx, id, upd)
}

// DeleteColumn removes a custom column. Built-in columns are ErrForbidden.
func (s *Service) DeleteColumn(ctx context.Context, id string) error {
	col, err := s.store.GetColumn(ctx, id)
	if err != nil {
		return err
	}
	if col.BuiltIn {
		return fmt.Errorf("column %q is built in: %w", col.Key, vcerrors.ErrForbidden)
	}
	return s.store.DeleteColumn(ctx, col.ID.String())
}

// ReorderColumns assigns positions in the order of keys. Columns not named
// keep their relative order after the named ones.
func (s *Service) ReorderColumns(ctx context.Context, keys []string) ([]Column, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys are required: %w", vcerrors.ErrValidation)
	}
	cols, err := s.store.ListColumns(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(cols))
	for _, c := range cols {
		known[c.Key] = true
	}

	positions := make(map[string]int, len(cols))
	for i, k := range keys {
		if !known[k] {
			return nil, fmt.Errorf("unknown column %q: %w", k, vcerrors.ErrValidation)
		}
		if _, dup := positions[k]; dup {
			return nil, fmt.Errorf("column %q listed twice: %w", k, vcerrors.ErrValidation)
		}
		positions[k] = i
	}
	next := len(keys)
	for _, c := range cols {
		if _, ok := positions[c.Key]; !ok {
			positions[c.Key] = next
			next++
		}
	}

	if err := s.store.SetPositions(ctx, positions); err != nil {
		return nil, err
	}
	return s.store.ListColumns(ctx)
}

// ==================== Cells ====================

// UpdateCell coerces and writes one cell, recording an audited edit.
func (s *Service) UpdateCell(ctx context.Context, req CellUpdate) (*Cell, error) {
	if req.CompanyID == "" || req.ColumnID == "" {
		return nil, fmt.Errorf("company_id and column_id are required: %w", vcerrors.ErrValidation)
	}
	if _, err := companies.ParseID(req.CompanyID); err != nil {
		return nil, err
	}
	if req.Source == "" {
		req.Source = SourceUser
	}

	ctx, span := s.tracer.StartCellUpdateSpan(ctx, req.CompanyID, req.ColumnID)
	defer span.End()
	helper := observability.NewSpanHelper(span)

	col, err := s.store.GetColumn(ctx, req.ColumnID)
	if err != nil {
		helper.SetError(err, vcerrors.Code(err), false)
		return nil, err
	}
	if col.Type.Computed() {
		err := fmt.Errorf("column %q is computed and cannot be edited: %w", col.Key, vcerrors.ErrValidation)
		helper.SetError(err, vcerrors.Code(err), false)
		return nil, err
	}

	value, err := companies.CoerceValue(col.Kind(), req.Value)
	if err != nil {
		err = fmt.Errorf("column %s: %w", col.Key, err)
		helper.SetError(err, vcerrors.Code(err), false)
		return nil, err
	}

	patch := companies.Patch{Set: map[string]any{}, Extra: map[string]any{}}
	if col.Custom() {
		patch.Extra[col.Key] = companies.PlainValue(value)
	} else {
		if col.Field == "name" && value == nil {
			return nil, fmt.Errorf("company name cannot be cleared: %w", vcerrors.ErrValidation)
		}
		patch.Set[col.Field] = value
	}

	write := CellWrite{
		CompanyID: req.CompanyID,
		Column:    *col,
		Patch:     patch,
		Source:    req.Source,
		EditedBy:  req.EditedBy,
	}
	result, err := retry.DoValue(ctx, s.policy, func(ctx context.Context) (*CellResult, error) {
		return s.store.ApplyCellEdit(ctx, write)
	})
	if err != nil {
		helper.SetError(err, vcerrors.Code(err), vcerrors.IsErrorRetryable(err))
		return nil, err
	}

	s.metrics.RecordCellUpdate(sourceLabel(req.Source))
	helper.SetSuccess()

	cell := &Cell{
		CompanyID: req.CompanyID,
		ColumnKey: col.Key,
		Value:     result.Edit.NewValue,
		OldValue:  result.Edit.OldValue,
		EditID:    result.Edit.ID.String(),
		UpdatedAt: result.Company.UpdatedAt,
	}

	event := observability.CellUpdatedEvent{
		BaseEvent:  observability.NewBaseEvent(ctx, "matrix.cell_updated"),
		CompanyID:  cell.CompanyID,
		ColumnKey:  cell.ColumnKey,
		EditID:     cell.EditID,
		OldValue:   cell.OldValue,
		NewValue:   cell.Value,
		EditSource: req.Source,
		EditedBy:   req.EditedBy,
	}
	observability.PublishBestEffort(ctx, s.publisher, s.logger, observability.ChannelMatrixCellUpdated, event)

	s.logger.Debug("Cell updated",
		logging.F("company_id", cell.CompanyID),
		logging.F("column", cell.ColumnKey),
		logging.F("source", req.Source))
	return cell, nil
}

// sourceLabel bounds metric cardinality: "action:formula.runway" becomes "action".
func sourceLabel(source string) string {
	if i := strings.IndexByte(source, ':'); i > 0 {
		return source[:i]
	}
	return source
}

// ListEdits returns edits newest first.
func (s *Service) ListEdits(ctx context.Context, f EditFilter) ([]Edit, error) {
	if f.CompanyID != "" {
		if _, err := companies.ParseID(f.CompanyID); err != nil {
			return nil, err
		}
	}
	return s.store.ListEdits(ctx, f)
}

// RevertEdit writes an edit's old value back as a new edit with source "revert".
func (s *Service) RevertEdit(ctx context.Context, editID, editedBy string) (*Cell, error) {
	edit, err := s.store.GetEdit(ctx, editID)
	if err != nil {
		return nil, err
	}
	return s.UpdateCell(ctx, CellUpdate{
		CompanyID: edit.CompanyID.String(),
		ColumnID:  edit.ColumnKey,
		Value:     edit.OldValue,
		Source:    SourceRevert,
		EditedBy:  editedBy,
	})
}

// ==================== Grid ====================

// Grid assembles the filtered companies against every column.
func (s *Service) Grid(ctx context.Context, req GridRequest) (*Grid, error) {
	cols, err := s.store.ListColumns(ctx)
	if err != nil {
		return nil, err
	}
	list, err := s.companies.List(ctx, req.Filter)
	if err != nil {
		return nil, err
	}
	total, err := s.companies.Count(ctx, req.Filter)
	if err != nil {
		return nil, err
	}

	grid := &Grid{Columns: cols, Rows: make([]Row, 0, len(list)), TotalCount: total}
	for _, c := range list {
		grid.Rows = append(grid.Rows, s.buildRow(ctx, c, cols))
	}
	return grid, nil
}

func (s *Service) buildRow(ctx context.Context, c *companies.Company, cols []Column) Row {
	row := Row{CompanyID: c.ID.String(), Cells: make(map[string]any, len(cols))}
	for _, col := range cols {
		if col.Type == TypeFormula {
			row.Cells[col.Key] = s.evaluate(ctx, c, col, &row)
			continue
		}
		row.Cells[col.Key] = CellValue(c, col)
	}
	return row
}

func (s *Service) evaluate(ctx context.Context, c *companies.Company, col Column, row *Row) any {
	if s.formulas == nil || col.ActionID == "" {
		return nil
	}
	v, err := s.formulas.EvaluateFormula(ctx, col.ActionID, c)
	if err == nil {
		return v
	}
	// Missing inputs leave the cell blank.
	if errors.Is(err, vcerrors.ErrValidation) {
		return nil
	}
	if row.Errors == nil {
		row.Errors = map[string]string{}
	}
	row.Errors[col.Key] = err.Error()
	s.logger.Warn("Formula evaluation failed",
		logging.F("column", col.Key),
		logging.F("company_id", row.CompanyID),
		logging.Err(err))
	return nil
}
