package cellactions

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/otherjamesbrown/vcmatrix/pkg/companies"
	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/integrations"
	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
	"github.com/otherjamesbrown/vcmatrix/pkg/matrix"
	"github.com/otherjamesbrown/vcmatrix/pkg/observability"
)

// CellWriter writes audited matrix cells.
type CellWriter interface {
	UpdateCell(ctx context.Context, req matrix.CellUpdate) (*matrix.Cell, error)
}

// Executor runs actions and writes their results.
type Executor struct {
	registry  *Registry
	companies companies.Store
	writer    CellWriter
	remote    *Remote
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	logger    logging.Logger
}

// ExecutorConfig holds the optional collaborators of an Executor.
type ExecutorConfig struct {
	Remote  *Remote
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  logging.Logger
}

// NewExecutor creates an executor.
func NewExecutor(reg *Registry, store companies.Store, writer CellWriter, cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Executor{
		registry:  reg,
		companies: store,
		writer:    writer,
		remote:    cfg.Remote,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		logger:    logger.With(logging.F("component", "cell_actions")),
	}
}

// Registry returns the action registry.
func (e *Executor) Registry() *Registry { return e.registry }

// Source is the edit source recorded for writes made by action id.
func Source(id string) string { return "action:" + id }

// Execute runs one action for one company.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (res *ActionResult, err error) {
	action, err := e.registry.Get(req.ActionID)
	if err != nil {
		return nil, err
	}
	if _, err := companies.ParseID(req.CompanyID); err != nil {
		return nil, err
	}

	ctx, span := e.tracer.StartCellActionSpan(ctx, action.ID, req.CompanyID, req.DryRun)
	defer span.End()
	helper := observability.NewSpanHelper(span)
	start := time.Now()
	defer func() {
		e.metrics.ObserveCellAction(action.ID, err, time.Since(start))
		if err != nil {
			helper.SetError(err, vcerrors.Code(err), vcerrors.IsErrorRetryable(err))
			return
		}
		helper.SetSuccess()
	}()

	company, err := e.companies.Get(ctx, req.CompanyID)
	if err != nil {
		return nil, err
	}
	if missing := MissingInputs(action, company); len(missing) > 0 {
		return nil, missingError(missing)
	}

	out, err := e.run(ctx, action, Input{Company: company, Params: req.Params})
	if err != nil {
		return nil, err
	}

	res = &ActionResult{
		ActionID:    action.ID,
		CompanyID:   req.CompanyID,
		Value:       out.Value,
		Display:     out.Display,
		Explanation: out.Explanation,
		Metadata:    out.Metadata,
		DryRun:      req.DryRun,
	}
	if res.Display == "" && out.Value != nil {
		res.Display = fmt.Sprint(out.Value)
	}
	if req.DryRun {
		return res, nil
	}

	cells, err := e.write(ctx, action, company, out, req.EditedBy)
	res.Cells = cells
	if err != nil {
		return res, err
	}

	e.logger.Info("Cell action executed",
		logging.F("action_id", action.ID),
		logging.F("company_id", req.CompanyID),
		logging.F("cells_written", len(cells)),
		logging.F("duration_ms", time.Since(start).Milliseconds()))
	return res, nil
}

func (e *Executor) run(ctx context.Context, a *Action, in Input) (*Output, error) {
	var (
		out *Output
		err error
	)
	if a.Remote {
		if e.remote == nil {
			return nil, integrations.NotConfigured(remoteService)
		}
		out, err = e.remote.Run(ctx, a.ID, in)
	} else {
		out, err = a.Run(ctx, in)
	}
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = &Output{}
	}
	return out, nil
}

// write applies Updates in key order, then the output value. Values equal
// to what the cell already holds are skipped.
func (e *Executor) write(ctx context.Context, a *Action, c *companies.Company, out *Output, editedBy string) ([]matrix.Cell, error) {
	if len(out.Updates) == 0 && (a.Output == "" || out.Value == nil) {
		return nil, nil
	}
	if e.writer == nil {
		return nil, fmt.Errorf("no matrix writer for action %s: %w", a.ID, vcerrors.ErrUnavailable)
	}

	keys := make([]string, 0, len(out.Updates))
	for k := range out.Updates {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	type pending struct {
		key   string
		value any
	}
	writes := make([]pending, 0, len(keys)+1)
	for _, k := range keys {
		writes = append(writes, pending{k, out.Updates[k]})
	}
	if a.Output != "" && out.Value != nil {
		writes = append(writes, pending{a.Output, out.Value})
	}

	var cells []matrix.Cell
	for _, w := range writes {
		if sameValue(ColumnValue(c, w.key), w.value) {
			continue
		}
		cell, err := e.writer.UpdateCell(ctx, matrix.CellUpdate{
			CompanyID: c.ID.String(),
			ColumnID:  w.key,
			Value:     w.value,
			Source:    Source(a.ID),
			EditedBy:  editedBy,
		})
		if err != nil {
			return cells, fmt.Errorf("writing %s: %w", w.key, err)
		}
		cells = append(cells, *cell)
	}
	return cells, nil
}

func sameValue(current, next any) bool {
	current = companies.PlainValue(current)
	if n, ok := current.(int); ok {
		current = float64(n)
	}
	if n, ok := next.(int); ok {
		next = float64(n)
	}
	return reflect.DeepEqual(current, next)
}
