// Package api is the HTTP surface of vcmatrix: one ServeMux, one JSON
// envelope and one error taxonomy for every route.
package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/otherjamesbrown/vcmatrix/pkg/agent"
	"github.com/otherjamesbrown/vcmatrix/pkg/cellactions"
	"github.com/otherjamesbrown/vcmatrix/pkg/companies"
	"github.com/otherjamesbrown/vcmatrix/pkg/documents"
	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/health"
	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
	"github.com/otherjamesbrown/vcmatrix/pkg/matrix"
	"github.com/otherjamesbrown/vcmatrix/pkg/observability"
	"github.com/otherjamesbrown/vcmatrix/pkg/rl"
	"github.com/otherjamesbrown/vcmatrix/pkg/valuation"
	"github.com/otherjamesbrown/vcmatrix/pkg/valuation/batch"
)

// Config holds API server configuration.
type Config struct {
	ServiceName string
	// APIKeys enables bearer authentication when non-empty.
	APIKeys        []string
	RequestTimeout time.Duration
	// DownloadExpiry is the lifetime of presigned document URLs.
	DownloadExpiry time.Duration
}

// Deps are the services behind the routes. Routes whose service is nil
// answer 503.
type Deps struct {
	Companies companies.Store
	Matrix    *matrix.Service
	Actions   *cellactions.Executor
	Valuation *valuation.Service
	Batch     *batch.Service
	Documents *documents.Service
	Agent     *agent.Service
	Memory    *rl.Memory
	Search    agent.Searcher
	FX        agent.Converter

	Health   *health.Checker
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
	Tracer   *observability.Tracer
	// Audit receives one entry per write request.
	Audit  logging.Sink
	Logger logging.Logger
}

// Server serves the API.
type Server struct {
	cfg     Config
	deps    Deps
	logger  logging.Logger
	handler http.Handler
}

// NewServer builds the router.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "vcmatrix-api"
	}
	if cfg.DownloadExpiry <= 0 {
		cfg.DownloadExpiry = 15 * time.Minute
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(logging.F("component", "api")),
	}
	mux := http.NewServeMux()
	s.routes(mux)
	s.handler = s.withMiddleware(mux)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes(mux *http.ServeMux) {
	handle := func(pattern string, available bool, h http.HandlerFunc) {
		if !available {
			h = func(w http.ResponseWriter, r *http.Request) {
				writeErrorBody(w, http.StatusServiceUnavailable, vcerrors.Code(vcerrors.ErrUnavailable),
					"this feature is not configured on the server")
			}
		}
		mux.Handle(pattern, s.route(pattern, MaxJSONBytes, h))
	}
	d := s.deps

	// System
	handle("GET /healthz", true, s.handleHealthz)
	handle("GET /readyz", true, s.handleReadyz)
	handle("GET /version", true, s.handleVersion)
	mux.Handle("GET /metrics", s.metricsHandler())

	// Companies
	hasCompanies := d.Companies != nil
	handle("GET /api/companies", hasCompanies, s.handleListCompanies)
	handle("POST /api/companies", hasCompanies, s.handleCreateCompany)
	handle("GET /api/companies/{id}", hasCompanies, s.handleGetCompany)
	handle("PATCH /api/companies/{id}", hasCompanies, s.handleUpdateCompany)
	handle("DELETE /api/companies/{id}", hasCompanies, s.handleDeleteCompany)
	handle("GET /api/portfolio/summary", hasCompanies, s.handlePortfolioSummary)

	// Matrix
	hasMatrix := d.Matrix != nil
	handle("GET /api/matrix", hasMatrix, s.handleGrid)
	handle("GET /api/matrix/columns", hasMatrix, s.handleListColumns)
	handle("POST /api/matrix/columns", hasMatrix, s.handleCreateColumn)
	handle("PATCH /api/matrix/columns/{id}", hasMatrix, s.handleUpdateColumn)
	handle("DELETE /api/matrix/columns/{id}", hasMatrix, s.handleDeleteColumn)
	handle("POST /api/matrix/columns/reorder", hasMatrix, s.handleReorderColumns)
	handle("PATCH /api/matrix/cells", hasMatrix, s.handleUpdateCell)
	handle("GET /api/matrix/edits", hasMatrix, s.handleListEdits)
	handle("POST /api/matrix/edits/{id}/revert", hasMatrix, s.handleRevertEdit)

	// Cell actions
	handle("GET /api/matrix/actions", d.Actions != nil, s.handleListActions)
	handle("POST /api/matrix/actions/{id}/execute", d.Actions != nil, s.handleExecuteAction)

	// Valuation
	handle("POST /api/valuation/pwerm", true, s.handlePWERM)
	handle("POST /api/valuation/dcf", true, s.handleDCF)
	handle("POST /api/valuation/comparables", true, s.handleComparables)
	handle("POST /api/valuation/capm", true, s.handleCAPM)
	handle("POST /api/valuation/wacc", true, s.handleWACC)
	handle("POST /api/companies/{id}/valuation", d.Valuation != nil, s.handleValueCompany)
	handle("POST /api/valuation/batch", d.Batch != nil, s.handleSubmitBatch)
	handle("GET /api/valuation/batch", d.Batch != nil, s.handleListBatches)
	handle("GET /api/valuation/batch/{id}", d.Batch != nil, s.handleGetBatch)
	handle("POST /api/valuation/batch/{id}/cancel", d.Batch != nil, s.handleCancelBatch)

	// Documents
	hasDocs := d.Documents != nil
	if hasDocs {
		mux.Handle("POST /api/documents", s.route("POST /api/documents", MaxUploadBytes+multipartOverhead, s.handleUploadDocument))
	} else {
		handle("POST /api/documents", false, nil)
	}
	handle("GET /api/documents", hasDocs, s.handleListDocuments)
	handle("GET /api/documents/{id}", hasDocs, s.handleGetDocument)
	handle("GET /api/documents/{id}/download", hasDocs, s.handleDownloadDocument)
	handle("POST /api/documents/{id}/process", hasDocs, s.handleProcessDocument)

	// Agent
	hasAgent := d.Agent != nil
	handle("POST /api/agent/query", hasAgent, s.handleAgentQuery)
	handle("POST /api/agent/feedback", hasAgent, s.handleAgentFeedback)
	handle("GET /api/agent/conversations/{id}", hasAgent, s.handleGetConversation)

	// RL
	handle("GET /api/rl/similar", d.Memory != nil, s.handleSimilar)
	handle("GET /api/rl/stats", d.Memory != nil, s.handleIntentStats)

	// Integrations
	handle("GET /api/search", d.Search != nil, s.handleSearch)
	handle("GET /api/fx", d.FX != nil, s.handleFX)
}

func (s *Server) metricsHandler() http.Handler {
	if s.deps.Gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})
}
