package cellactions_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/vcmatrix/pkg/cellactions"
	"github.com/otherjamesbrown/vcmatrix/pkg/companies"
	"github.com/otherjamesbrown/vcmatrix/pkg/companies/companiestest"
	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
	"github.com/otherjamesbrown/vcmatrix/pkg/matrix"
	"github.com/otherjamesbrown/vcmatrix/pkg/matrix/matrixtest"
	"github.com/otherjamesbrown/vcmatrix/pkg/valuation"
)

type fakeValuer struct {
	value float64
	calls int
	got   valuation.Overrides
}

func (f *fakeValuer) ValueCompany(_ context.Context, c *companies.Company, m valuation.Method, o valuation.Overrides) (*valuation.Result, error) {
	f.calls++
	f.got = o
	return &valuation.Result{CompanyID: c.ID.String(), CompanyName: c.Name, Method: m, Value: f.value, Currency: c.Currency}, nil
}

type fakeFX map[string]float64

func (f fakeFX) Rate(_ context.Context, from, to string) (float64, error) {
	r, ok := f[from+to]
	if !ok {
		return 0, errors.New("no rate")
	}
	return r, nil
}

type fakeSummarizer string

func (f fakeSummarizer) SummarizeCompany(context.Context, *companies.Company) (string, error) {
	return string(f), nil
}

func newAcme() *companies.Company {
	return &companies.Company{
		Name:             "Acme",
		CurrentARR:       companiestest.Ptr(1_000_000.0),
		RevenueGrowthPct: companiestest.Ptr(100.0),
		BurnRateMonthly:  companiestest.Ptr(50_000.0),
		CashInBank:       companiestest.Ptr(2_000_000.0),
		OwnershipPct:     companiestest.Ptr(10.0),
		CurrentValuation: companiestest.Ptr(8_000_000.0),
	}
}

type fixture struct {
	exec    *cellactions.Executor
	matrix  *matrix.Service
	store   *companiestest.Store
	company *companies.Company
	valuer  *fakeValuer
}

func newFixture(t *testing.T, c *companies.Company, deps cellactions.Deps, cfg cellactions.ExecutorConfig) *fixture {
	t.Helper()
	cs := companiestest.New(c)
	ms := matrix.NewService(matrixtest.New(cs), cs, nil)
	v := &fakeValuer{value: 5_000_000.4}
	if deps.Valuer == nil {
		deps.Valuer = v
	}
	reg := cellactions.NewDefaultRegistry(deps)
	ms.SetFormulas(reg)
	return &fixture{
		exec:    cellactions.NewExecutor(reg, cs, ms, cfg),
		matrix:  ms,
		store:   cs,
		company: c,
		valuer:  v,
	}
}

func TestRegistry(t *testing.T) {
	reg := cellactions.NewDefaultRegistry(cellactions.Deps{})

	err := reg.Register(&cellactions.Action{ID: "formula.runway", Name: "Again", Category: cellactions.CategoryFormula, Run: func(context.Context, cellactions.Input) (*cellactions.Output, error) { return nil, nil }})
	assert.True(t, vcerrors.IsAlreadyExists(err))

	err = reg.Register(&cellactions.Action{ID: "x", Name: "X", Category: "magic"})
	assert.True(t, vcerrors.IsValidation(err))

	_, err = reg.Get("formula.nope")
	assert.True(t, vcerrors.IsNotFound(err))

	list := reg.List()
	require.Len(t, list, 10)
	assert.Equal(t, "formula.arr_multiple", list[0].ID)
	assert.Equal(t, cellactions.CategoryAgent, list[len(list)-1].Category)
	rank := map[cellactions.Category]int{"formula": 0, "valuation": 1, "workflow": 2, "agent": 3}
	for i := 1; i < len(list); i++ {
		assert.LessOrEqual(t, rank[list[i-1].Category], rank[list[i].Category])
	}

	var ids []string
	for _, a := range reg.ForColumn("valuation") {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"valuation.comparables", "valuation.dcf", "valuation.pwerm"}, ids)
}

func TestFormulas(t *testing.T) {
	reg := cellactions.NewDefaultRegistry(cellactions.Deps{})
	c := newAcme()
	c.Normalize()
	ctx := context.Background()

	tests := []struct {
		id   string
		want float64
	}{
		{"formula.runway", 40},
		{"formula.burn_multiple", 1.2},
		{"formula.rule_of_40", 40},
		{"formula.arr_multiple", 8},
		{"formula.implied_ownership_value", 800_000},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			v, err := reg.EvaluateFormula(ctx, tt.id, c)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, v.(float64), 1e-9)
		})
	}
}

func TestFormulas_Errors(t *testing.T) {
	reg := cellactions.NewDefaultRegistry(cellactions.Deps{})
	ctx := context.Background()

	c := newAcme()
	c.BurnRateMonthly = nil
	_, err := reg.EvaluateFormula(ctx, "formula.runway", c)
	require.Error(t, err)
	assert.True(t, vcerrors.IsValidation(err))
	assert.Contains(t, err.Error(), "burn")

	c = newAcme()
	c.RevenueGrowthPct = companiestest.Ptr(0.0)
	_, err = reg.EvaluateFormula(ctx, "formula.burn_multiple", c)
	assert.True(t, vcerrors.IsValidation(err))

	c = newAcme()
	c.BurnRateMonthly = companiestest.Ptr(-10_000.0)
	v, err := reg.EvaluateFormula(ctx, "formula.burn_multiple", c)
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)

	_, err = reg.EvaluateFormula(ctx, "valuation.pwerm", newAcme())
	assert.True(t, vcerrors.IsInvalidState(err))
}

func TestGridEvaluatesFormulaColumns(t *testing.T) {
	f := newFixture(t, newAcme(), cellactions.Deps{}, cellactions.ExecutorConfig{})

	grid, err := f.matrix.Grid(context.Background(), matrix.GridRequest{})
	require.NoError(t, err)
	require.Len(t, grid.Rows, 1)
	assert.InDelta(t, 40.0, grid.Rows[0].Cells["rule_of_40"].(float64), 1e-9)
	assert.InDelta(t, 1.2, grid.Rows[0].Cells["burn_multiple"].(float64), 1e-9)
}

func TestExecute_ValuationWritesCell(t *testing.T) {
	f := newFixture(t, newAcme(), cellactions.Deps{}, cellactions.ExecutorConfig{})
	ctx := context.Background()
	id := f.company.ID.String()

	res, err := f.exec.Execute(ctx, cellactions.ExecuteRequest{
		ActionID:  "valuation.pwerm",
		CompanyID: id,
		Params:    map[string]any{"discount_rate": 0.4, "apply": true},
		EditedBy:  "ana@fund.vc",
	})
	require.NoError(t, err)
	assert.Equal(t, 5_000_000.0, res.Value)
	assert.Equal(t, "$5.0M", res.Display)
	require.Len(t, res.Cells, 1)
	assert.Equal(t, "valuation", res.Cells[0].ColumnKey)

	require.NotNil(t, f.valuer.got.DiscountRate)
	assert.Equal(t, 0.4, *f.valuer.got.DiscountRate)
	assert.False(t, f.valuer.got.Apply)

	got, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 5_000_000.0, *got.CurrentValuation)

	edits, err := f.matrix.ListEdits(ctx, matrix.EditFilter{CompanyID: id})
	require.NoError(t, err)
	require.Len(t, edits, 1)
	assert.Equal(t, "action:valuation.pwerm", edits[0].Source)
	assert.Equal(t, "ana@fund.vc", edits[0].EditedBy)
}

func TestExecute_DryRun(t *testing.T) {
	f := newFixture(t, newAcme(), cellactions.Deps{}, cellactions.ExecutorConfig{})
	ctx := context.Background()
	id := f.company.ID.String()

	res, err := f.exec.Execute(ctx, cellactions.ExecuteRequest{ActionID: "valuation.dcf", CompanyID: id, DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Empty(t, res.Cells)

	got, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 8_000_000.0, *got.CurrentValuation)
}

func TestExecute_MissingInputs(t *testing.T) {
	c := newAcme()
	c.CurrentARR = nil
	f := newFixture(t, c, cellactions.Deps{}, cellactions.ExecutorConfig{})

	_, err := f.exec.Execute(context.Background(), cellactions.ExecuteRequest{ActionID: "valuation.pwerm", CompanyID: c.ID.String()})
	require.Error(t, err)
	assert.True(t, vcerrors.IsValidation(err))
	assert.Contains(t, err.Error(), "arr")
	assert.Zero(t, f.valuer.calls)
}

func TestExecute_Errors(t *testing.T) {
	f := newFixture(t, newAcme(), cellactions.Deps{}, cellactions.ExecutorConfig{})
	ctx := context.Background()

	_, err := f.exec.Execute(ctx, cellactions.ExecuteRequest{ActionID: "nope", CompanyID: f.company.ID.String()})
	assert.True(t, vcerrors.IsNotFound(err))

	_, err = f.exec.Execute(ctx, cellactions.ExecuteRequest{ActionID: "formula.runway", CompanyID: "not-a-uuid"})
	assert.True(t, vcerrors.IsValidation(err))

	_, err = f.exec.Execute(ctx, cellactions.ExecuteRequest{ActionID: "agent.summarize", CompanyID: f.company.ID.String()})
	assert.True(t, vcerrors.IsUnavailable(err))
}

func TestExecute_NormalizeCurrency(t *testing.T) {
	c := newAcme()
	c.Currency = "EUR"
	c.CurrentValuation = nil
	f := newFixture(t, c, cellactions.Deps{FX: fakeFX{"EURUSD": 1.1}}, cellactions.ExecutorConfig{})
	ctx := context.Background()
	id := c.ID.String()

	res, err := f.exec.Execute(ctx, cellactions.ExecuteRequest{ActionID: "workflow.normalize_currency", CompanyID: id})
	require.NoError(t, err)
	assert.Equal(t, "USD", res.Value)

	keys := make([]string, 0, len(res.Cells))
	for _, cell := range res.Cells {
		keys = append(keys, cell.ColumnKey)
	}
	assert.Equal(t, []string{"arr", "burn", "cash", "currency"}, keys)

	got, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "USD", got.Currency)
	assert.Equal(t, 1_100_000.0, *got.CurrentARR)
	assert.Equal(t, 55_000.0, *got.BurnRateMonthly)
	assert.Equal(t, 2_200_000.0, *got.CashInBank)
	assert.Nil(t, got.CurrentValuation)

	// A second run is a no-op.
	res, err = f.exec.Execute(ctx, cellactions.ExecuteRequest{ActionID: "workflow.normalize_currency", CompanyID: id})
	require.NoError(t, err)
	assert.Empty(t, res.Cells)
}

func TestExecute_Summarize(t *testing.T) {
	f := newFixture(t, newAcme(), cellactions.Deps{Summarizer: fakeSummarizer("Acme is growing fast.")}, cellactions.ExecutorConfig{})

	res, err := f.exec.Execute(context.Background(), cellactions.ExecuteRequest{ActionID: "agent.summarize", CompanyID: f.company.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, "Acme is growing fast.", res.Value)
	assert.Empty(t, res.Cells)
}

func TestRemoteActions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/cell-actions":
			_, _ = w.Write([]byte(`[
				{"id":"remote.fair_value","name":"Fair Value","category":"valuation","inputs":["arr"],"output":"valuation"},
				{"id":"formula.runway","name":"Shadowed","category":"formula"}
			]`))
		case r.Method == http.MethodPost && r.URL.Path == "/cell-actions/remote.fair_value":
			var body struct {
				ActionID string             `json:"action_id"`
				Company  *companies.Company `json:"company"`
			}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "remote.fair_value", body.ActionID)
			assert.Equal(t, "Acme", body.Company.Name)
			_, _ = w.Write([]byte(`{"value":7000000,"display":"$7.0M","explanation":"model v2"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	remote := cellactions.NewRemote(srv.URL)
	f := newFixture(t, newAcme(), cellactions.Deps{}, cellactions.ExecutorConfig{Remote: remote})
	ctx := context.Background()

	added, err := cellactions.RegisterRemote(ctx, f.exec.Registry(), remote, logging.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	a, err := f.exec.Registry().Get("formula.runway")
	require.NoError(t, err)
	assert.False(t, a.Remote)

	res, err := f.exec.Execute(ctx, cellactions.ExecuteRequest{ActionID: "remote.fair_value", CompanyID: f.company.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, "$7.0M", res.Display)
	require.Len(t, res.Cells, 1)

	got, err := f.store.Get(ctx, f.company.ID.String())
	require.NoError(t, err)
	assert.Equal(t, 7_000_000.0, *got.CurrentValuation)
}

func TestRemoteAction_NotConfigured(t *testing.T) {
	f := newFixture(t, newAcme(), cellactions.Deps{}, cellactions.ExecutorConfig{})
	require.NoError(t, f.exec.Registry().Register(&cellactions.Action{
		ID: "remote.score", Name: "Score", Category: cellactions.CategoryAgent, Remote: true,
	}))

	_, err := f.exec.Execute(context.Background(), cellactions.ExecuteRequest{ActionID: "remote.score", CompanyID: f.company.ID.String()})
	assert.True(t, vcerrors.IsUnavailable(err))
}
