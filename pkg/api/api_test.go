package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/vcmatrix/pkg/agent"
	"github.com/otherjamesbrown/vcmatrix/pkg/agent/agenttest"
	"github.com/otherjamesbrown/vcmatrix/pkg/api"
	"github.com/otherjamesbrown/vcmatrix/pkg/blob"
	"github.com/otherjamesbrown/vcmatrix/pkg/cellactions"
	"github.com/otherjamesbrown/vcmatrix/pkg/companies"
	"github.com/otherjamesbrown/vcmatrix/pkg/companies/companiestest"
	"github.com/otherjamesbrown/vcmatrix/pkg/documents"
	"github.com/otherjamesbrown/vcmatrix/pkg/documents/documentstest"
	"github.com/otherjamesbrown/vcmatrix/pkg/health"
	"github.com/otherjamesbrown/vcmatrix/pkg/integrations/fx"
	"github.com/otherjamesbrown/vcmatrix/pkg/integrations/tavily"
	"github.com/otherjamesbrown/vcmatrix/pkg/jobs"
	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
	"github.com/otherjamesbrown/vcmatrix/pkg/matrix"
	"github.com/otherjamesbrown/vcmatrix/pkg/matrix/matrixtest"
	"github.com/otherjamesbrown/vcmatrix/pkg/observability"
	"github.com/otherjamesbrown/vcmatrix/pkg/rl"
	"github.com/otherjamesbrown/vcmatrix/pkg/rl/rltest"
	"github.com/otherjamesbrown/vcmatrix/pkg/valuation"
	"github.com/otherjamesbrown/vcmatrix/pkg/valuation/batch"
	"github.com/otherjamesbrown/vcmatrix/pkg/valuation/batch/batchtest"
)

type fakeSearch struct{ opts tavily.Options }

func (f *fakeSearch) Search(_ context.Context, q string, opts tavily.Options) (*tavily.Response, error) {
	f.opts = opts
	return &tavily.Response{Query: q, Answer: "Acme closed a Series B."}, nil
}

type fakeFX struct{}

func (fakeFX) Convert(_ context.Context, amount float64, from, to string) (*fx.Conversion, error) {
	return &fx.Conversion{Amount: amount, From: from, To: to, Rate: 1.1, Converted: amount * 1.1}, nil
}

func (fakeFX) Rate(context.Context, string, string) (float64, error) {
	return 1.1, nil
}

// auditSink collects entries written by the access log.
type auditSink struct {
	mu      sync.Mutex
	entries []logging.LogEntry
}

func (s *auditSink) Write(e logging.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func (s *auditSink) Flush(context.Context) error { return nil }
func (s *auditSink) Close() error                { return nil }

func (s *auditSink) all() []logging.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]logging.LogEntry(nil), s.entries...)
}

type fixture struct {
	srv       *api.Server
	companies *companiestest.Store
	matrix    *matrix.Service
	search    *fakeSearch
	audit     *auditSink
	acme      *companies.Company
	globex    *companies.Company
}

func newFixture(t *testing.T, cfg api.Config, mutate func(*api.Deps)) *fixture {
	t.Helper()
	acme := &companies.Company{
		Name:            "Acme",
		Stage:           companies.StageSeriesA,
		Sector:          "fintech",
		CurrentARR:      companiestest.Ptr(1_200_000.0),
		BurnRateMonthly: companiestest.Ptr(100_000.0),
		CashInBank:      companiestest.Ptr(1_200_000.0),
		Headcount:       companiestest.Ptr(42),
	}
	globex := &companies.Company{Name: "Globex", Stage: companies.StageSeed, Sector: "logistics"}
	cs := companiestest.New(acme, globex)
	ms := matrix.NewService(matrixtest.New(cs), cs, nil)
	vs := valuation.NewService(cs, valuation.ServiceConfig{})
	memory := rl.NewMemory(rltest.New(), rl.MemoryConfig{})
	search := &fakeSearch{}

	registry := cellactions.NewDefaultRegistry(cellactions.Deps{Valuer: vs, FX: fakeFX{}})
	ms.SetFormulas(registry)
	queue := jobs.NewMemoryQueue(jobs.DefaultQueueConfig(jobs.QueueValuationBatch, time.Minute))

	f := &fixture{companies: cs, matrix: ms, search: search, audit: &auditSink{}, acme: acme, globex: globex}
	deps := api.Deps{
		Companies: cs,
		Matrix:    ms,
		Actions:   cellactions.NewExecutor(registry, cs, ms, cellactions.ExecutorConfig{}),
		Valuation: vs,
		Batch:     batch.NewService(batchtest.New(), queue, nil),
		Documents: documents.NewService(documentstest.New(), blob.NewMemory(), cs, documents.Config{Cells: ms}),
		Agent: agent.NewService(agenttest.New(), cs, agent.Config{
			Deps:   agent.Deps{Valuer: vs, Cells: ms, Search: search, FX: fakeFX{}},
			Memory: memory,
		}),
		Memory:   memory,
		Search:   search,
		FX:       fakeFX{},
		Health:   health.NewChecker("test"),
		Metrics:  observability.NewMetrics(prometheus.NewRegistry()),
		Gatherer: prometheus.NewRegistry(),
		Audit:    f.audit,
	}
	if mutate != nil {
		mutate(&deps)
	}
	f.srv = api.NewServer(cfg, deps)
	return f
}

// envelope mirrors api.Response with the payload left raw.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *api.APIError   `json:"error"`
	Meta  *api.Meta       `json:"meta"`
}

func (f *fixture) do(t *testing.T, method, path string, body any, header ...string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out), string(env.Data))
	return out
}

func TestSystemEndpoints(t *testing.T) {
	f := newFixture(t, api.Config{}, nil)

	rec, env := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, env)["status"])

	rec, env = f.do(t, http.MethodGet, "/version", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "vcmatrix-api", decode[map[string]any](t, env)["service_name"])

	rec, _ = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyz(t *testing.T) {
	checker := health.NewChecker("test")
	checker.Register("database", true, func(context.Context) error { return errors.New("connection refused") })
	f := newFixture(t, api.Config{}, func(d *api.Deps) { d.Health = checker })

	rec, env := f.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	report := decode[health.Report](t, env)
	assert.Equal(t, health.StatusUnavailable, report.Status)
	require.Len(t, report.Services, 1)
	assert.Equal(t, "connection refused", report.Services[0].Error)
}

func TestRequestID(t *testing.T) {
	f := newFixture(t, api.Config{}, nil)

	rec, _ := f.do(t, http.MethodGet, "/healthz", nil, api.RequestIDHeader, "req-123")
	assert.Equal(t, "req-123", rec.Header().Get(api.RequestIDHeader))

	rec, _ = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Len(t, rec.Header().Get(api.RequestIDHeader), 36)

	rec, _ = f.do(t, http.MethodGet, "/healthz", nil, api.RequestIDHeader, strings.Repeat("x", 200))
	assert.Len(t, rec.Header().Get(api.RequestIDHeader), 36)
}

func TestAuth(t *testing.T) {
	f := newFixture(t, api.Config{APIKeys: []string{"secret"}}, nil)

	rec, env := f.do(t, http.MethodGet, "/api/companies", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "unauthorized", env.Error.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	rec, _ = f.do(t, http.MethodGet, "/api/companies", nil, "X-API-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/companies", nil, "X-API-Key", "secret")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/companies", nil, "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnconfiguredFeature(t *testing.T) {
	f := newFixture(t, api.Config{}, func(d *api.Deps) {
		d.Agent = nil
		d.FX = nil
		d.Documents = nil
	})

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/agent/query"},
		{http.MethodGet, "/api/fx?from=EUR&to=USD"},
		{http.MethodPost, "/api/documents"},
		{http.MethodGet, "/api/documents"},
	} {
		rec, env := f.do(t, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, tc.path)
		require.NotNil(t, env.Error, tc.path)
		assert.Equal(t, "unavailable", env.Error.Code)
	}
}

func TestDecodeErrors(t *testing.T) {
	f := newFixture(t, api.Config{}, nil)

	rec, env := f.do(t, http.MethodPost, "/api/companies", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_json", env.Error.Code)

	rec, env = f.do(t, http.MethodPost, "/api/companies", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_json", env.Error.Code)
	assert.Equal(t, "request body is required", env.Error.Message)

	rec, env = f.do(t, http.MethodPost, "/api/companies", `{"name":"A"}{"name":"B"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_json", env.Error.Code)

	big := `{"name":"` + strings.Repeat("a", api.MaxJSONBytes) + `"}`
	rec, env = f.do(t, http.MethodPost, "/api/companies", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "payload_too_large", env.Error.Code)
}

func TestCompanies(t *testing.T) {
	f := newFixture(t, api.Config{}, nil)

	rec, env := f.do(t, http.MethodGet, "/api/companies?q=sector:fintech", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]companies.Company](t, env)
	require.Len(t, list, 1)
	assert.Equal(t, "Acme", list[0].Name)
	require.NotNil(t, env.Meta)
	assert.Equal(t, 1, env.Meta.TotalCount)
	assert.Equal(t, 50, env.Meta.Limit)

	rec, env = f.do(t, http.MethodGet, "/api/companies?sort=-name&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list = decode[[]companies.Company](t, env)
	require.Len(t, list, 1)
	assert.Equal(t, "Globex", list[0].Name)
	assert.Equal(t, 2, env.Meta.TotalCount)

	rec, env = f.do(t, http.MethodGet, "/api/companies?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, env.Error)

	rec, env = f.do(t, http.MethodPost, "/api/companies", map[string]any{"name": "Initech", "sector": "saas", "stage": "seed"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[companies.Company](t, env)
	assert.Equal(t, "Initech", created.Name)
	id := created.ID.String()

	rec, env = f.do(t, http.MethodPatch, "/api/companies/"+id, map[string]any{"arr": 250000})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decode[companies.Company](t, env)
	require.NotNil(t, updated.CurrentARR)
	assert.InDelta(t, 250_000, *updated.CurrentARR, 0.01)

	rec, env = f.do(t, http.MethodPost, "/api/companies", map[string]any{"sector": "saas"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", env.Error.Code)

	rec, env = f.do(t, http.MethodDelete, "/api/companies/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, env)["deleted"])

	rec, env = f.do(t, http.MethodGet, "/api/companies/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", env.Error.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/portfolio/summary", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMatrixCellsAndEdits(t *testing.T) {
	f := newFixture(t, api.Config{}, nil)
	acmeID := f.acme.ID.String()

	rec, env := f.do(t, http.MethodPatch, "/api/matrix/cells",
		map[string]any{"company_id": acmeID, "column_id": "burn", "value": "$80k", "edited_by": "jane"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cell := decode[matrix.Cell](t, env)
	assert.Equal(t, 80_000.0, cell.Value)

	rec, env = f.do(t, http.MethodGet, "/api/matrix/edits?company_id="+acmeID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	edits := decode[[]matrix.Edit](t, env)
	require.Len(t, edits, 1)
	assert.Equal(t, matrix.SourceUser, edits[0].Source)
	assert.Equal(t, "jane", edits[0].EditedBy)

	rec, _ = f.do(t, http.MethodPost, "/api/matrix/edits/"+edits[0].ID.String()+"/revert", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	c, err := f.companies.Get(context.Background(), acmeID)
	require.NoError(t, err)
	assert.InDelta(t, 100_000, *c.BurnRateMonthly, 0.01)

	rec, env = f.do(t, http.MethodGet, "/api/matrix", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	grid := decode[matrix.Grid](t, env)
	assert.Len(t, grid.Rows, 2)
	assert.NotEmpty(t, grid.Columns)

	rec, env = f.do(t, http.MethodPatch, "/api/matrix/cells", map[string]any{"company_id": acmeID, "column_id": "nope", "value": 1})
	assert.GreaterOrEqual(t, rec.Code, 400)
	require.NotNil(t, env.Error)
}

func TestCellActions(t *testing.T) {
	f := newFixture(t, api.Config{}, nil)

	rec, env := f.do(t, http.MethodGet, "/api/matrix/actions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode[[]map[string]any](t, env))

	rec, env = f.do(t, http.MethodPost, "/api/matrix/actions/formula.runway/execute",
		map[string]any{"company_id": f.acme.ID.String(), "dry_run": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[cellactions.ActionResult](t, env)
	assert.Equal(t, "formula.runway", result.ActionID)
	assert.True(t, result.DryRun)
	assert.InDelta(t, 12.0, result.Value.(float64), 1e-9)

	rec, env = f.do(t, http.MethodPost, "/api/matrix/actions/formula.nope/execute",
		map[string]any{"company_id": f.acme.ID.String()})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", env.Error.Code)
}

func TestValuationCalculators(t *testing.T) {
	f := newFixture(t, api.Config{}, nil)

	rec, env := f.do(t, http.MethodPost, "/api/valuation/capm", map[string]any{
		"risk_free_rate": 0.04, "beta": 1.2, "equity_risk_premium": 0.05, "size_premium": 0.02, "specific_premium": 0.01,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 0.13, decode[valuation.CAPMResult](t, env).CostOfEquity, 1e-9)

	rec, env = f.do(t, http.MethodPost, "/api/valuation/wacc", map[string]any{
		"equity": 60, "debt": 40, "cost_of_equity": 0.13, "cost_of_debt": 0.06, "tax_rate": 0.25,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 0.096, decode[map[string]float64](t, env)["wacc"], 1e-9)

	rec, env = f.do(t, http.MethodPost, "/api/valuation/capm", map[string]any{"beta": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", env.Error.Code)

	rec, env = f.do(t, http.MethodPost, "/api/valuation/wacc", map[string]any{"equity": 0, "debt": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", env.Error.Code)
}

func TestBatchValuation(t *testing.T) {
	f := newFixture(t, api.Config{}, nil)

	rec, env := f.do(t, http.MethodPost, "/api/valuation/batch", map[string]any{
		"company_ids": []string{f.acme.ID.String(), f.globex.ID.String()}, "method": "pwerm",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	job := decode[batch.Job](t, env)
	assert.Equal(t, batch.StatusQueued, job.Status)
	assert.Equal(t, 2, job.Total)

	rec, env = f.do(t, http.MethodGet, "/api/valuation/batch/"+job.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, job.ID, decode[batch.Job](t, env).ID)

	rec, env = f.do(t, http.MethodGet, "/api/valuation/batch", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]batch.Job](t, env), 1)

	rec, env = f.do(t, http.MethodPost, "/api/valuation/batch/"+job.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, batch.StatusCancelled, decode[batch.Job](t, env).Status)

	rec, env = f.do(t, http.MethodPost, "/api/valuation/batch", map[string]any{"company_ids": []string{}, "method": "pwerm"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", env.Error.Code)
}

func multipartBody(t *testing.T, fields map[string]string, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		part, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (f *fixture) upload(t *testing.T, body io.Reader, contentType string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func TestDocuments(t *testing.T) {
	f := newFixture(t, api.Config{}, nil)
	content := []byte("Board deck notes.\nWe are hiring.\n")

	body, ct := multipartBody(t, map[string]string{"company_id": f.acme.ID.String()}, "notes.txt", content)
	rec, env := f.upload(t, body, ct)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	doc := decode[documents.Document](t, env)
	assert.Equal(t, "notes.txt", doc.Filename)
	assert.Equal(t, int64(len(content)), doc.SizeBytes)

	body, ct = multipartBody(t, map[string]string{"company_id": f.acme.ID.String()}, "notes.txt", content)
	rec, env = f.upload(t, body, ct)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dup := decode[documents.Document](t, env)
	assert.Equal(t, doc.ID, dup.ID)
	assert.True(t, dup.Duplicate)

	rec, env = f.do(t, http.MethodGet, "/api/documents?company_id="+f.acme.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]documents.Document](t, env), 1)

	rec, _ = f.do(t, http.MethodGet, "/api/documents/"+doc.ID.String()+"/download", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, content, rec.Body.Bytes())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename=notes.txt`)

	rec, _ = f.do(t, http.MethodPost, "/api/documents/"+doc.ID.String()+"/process", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	body, ct = multipartBody(t, map[string]string{"process": "false"}, "", nil)
	rec, env = f.upload(t, body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_multipart", env.Error.Code)
}

func TestDocuments_TooLarge(t *testing.T) {
	f := newFixture(t, api.Config{}, nil)
	body, ct := multipartBody(t, nil, "huge.txt", bytes.Repeat([]byte("a"), api.MaxUploadBytes+2<<20))

	rec, env := f.upload(t, body, ct)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "payload_too_large", env.Error.Code)
}

func TestAgentFlow(t *testing.T) {
	f := newFixture(t, api.Config{}, nil)

	rec, env := f.do(t, http.MethodPost, "/api/agent/query", map[string]any{"message": "What's Acme's runway?"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[agent.QueryResponse](t, env)
	assert.Equal(t, agent.IntentCompanyLookup, resp.Intent)
	assert.Contains(t, resp.Markdown, "**Acme** runway: **12 months**")
	require.NotEmpty(t, resp.ExperienceID)

	rec, env = f.do(t, http.MethodGet, "/api/agent/conversations/"+resp.ConversationID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	conv := decode[agent.Conversation](t, env)
	assert.Len(t, conv.Messages, 2)

	rec, env = f.do(t, http.MethodPost, "/api/agent/feedback", map[string]any{"experience_id": resp.ExperienceID, "rating": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.InDelta(t, 1.0, decode[rl.Experience](t, env).Reward, 1e-9)

	rec, env = f.do(t, http.MethodPost, "/api/agent/feedback", map[string]any{"experience_id": resp.ExperienceID, "rating": 3})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", env.Error.Code)

	rec, env = f.do(t, http.MethodPost, "/api/agent/query", map[string]any{"message": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", env.Error.Code)

	rec, env = f.do(t, http.MethodGet, "/api/rl/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[[]rl.IntentStat](t, env)
	require.Len(t, stats, 1)
	assert.Equal(t, string(agent.IntentCompanyLookup), stats[0].Intent)

	rec, _ = f.do(t, http.MethodGet, "/api/rl/similar?q=acme+runway&k=3", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, env = f.do(t, http.MethodGet, "/api/rl/similar", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, env.Error)
}

func TestSearchAndFX(t *testing.T) {
	f := newFixture(t, api.Config{}, nil)

	rec, env := f.do(t, http.MethodGet, "/api/search?q=acme&max_results=100&topic=news", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Acme closed a Series B.", decode[tavily.Response](t, env).Answer)
	assert.Equal(t, 20, f.search.opts.MaxResults)
	assert.Equal(t, "news", f.search.opts.Topic)

	rec, _ = f.do(t, http.MethodGet, "/api/search", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = f.do(t, http.MethodGet, "/api/fx?from=eur&to=usd&amount=100", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	conv := decode[fx.Conversion](t, env)
	assert.Equal(t, "EUR", conv.From)
	assert.InDelta(t, 110, conv.Converted, 1e-9)

	rec, env = f.do(t, http.MethodGet, "/api/fx?from=EURO&to=USD", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", env.Error.Code)

	for _, amount := range []string{"NaN", "Inf", "-Infinity", "abc"} {
		rec, env = f.do(t, http.MethodGet, "/api/fx?from=EUR&to=USD&amount="+amount, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, amount)
		require.NotNil(t, env.Error, amount)
		assert.Equal(t, "validation_error", env.Error.Code, amount)
	}
}

func TestAuditTrail(t *testing.T) {
	f := newFixture(t, api.Config{}, nil)

	f.do(t, http.MethodGet, "/api/companies", nil)
	assert.Empty(t, f.audit.all())

	f.do(t, http.MethodPost, "/api/companies", map[string]any{"name": "Initech"}, api.RequestIDHeader, "audit-1")
	entries := f.audit.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "api", entries[0].Component)
	assert.Equal(t, "POST /api/companies", entries[0].Message)
	assert.Equal(t, "201", entries[0].Fields["status"])
	assert.Equal(t, "audit-1", entries[0].RequestID)
}
