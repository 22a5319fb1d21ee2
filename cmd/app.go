package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/otherjamesbrown/vcmatrix/config"
	"github.com/otherjamesbrown/vcmatrix/pkg/agent"
	"github.com/otherjamesbrown/vcmatrix/pkg/api"
	"github.com/otherjamesbrown/vcmatrix/pkg/auditlog"
	"github.com/otherjamesbrown/vcmatrix/pkg/blob"
	"github.com/otherjamesbrown/vcmatrix/pkg/buildinfo"
	"github.com/otherjamesbrown/vcmatrix/pkg/cellactions"
	"github.com/otherjamesbrown/vcmatrix/pkg/companies"
	"github.com/otherjamesbrown/vcmatrix/pkg/db"
	"github.com/otherjamesbrown/vcmatrix/pkg/documents"
	"github.com/otherjamesbrown/vcmatrix/pkg/health"
	"github.com/otherjamesbrown/vcmatrix/pkg/integrations"
	"github.com/otherjamesbrown/vcmatrix/pkg/integrations/fx"
	"github.com/otherjamesbrown/vcmatrix/pkg/integrations/tavily"
	"github.com/otherjamesbrown/vcmatrix/pkg/integrations/wolfram"
	"github.com/otherjamesbrown/vcmatrix/pkg/jobs"
	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
	"github.com/otherjamesbrown/vcmatrix/pkg/matrix"
	"github.com/otherjamesbrown/vcmatrix/pkg/observability"
	"github.com/otherjamesbrown/vcmatrix/pkg/rl"
	"github.com/otherjamesbrown/vcmatrix/pkg/valuation"
	"github.com/otherjamesbrown/vcmatrix/pkg/valuation/batch"
)

// app is the service graph shared by `vcm serve` and `vcm worker`.
type app struct {
	cfg      *config.ServiceConfig
	service  string
	logger   logging.Logger
	pool     *pgxpool.Pool
	redis    *redis.Client
	registry *prometheus.Registry
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	health   *health.Checker
	audit    logging.Sink

	companies companies.Store
	matrix    *matrix.Service
	actions   *cellactions.Executor
	valuation *valuation.Service
	batch     *batch.Service
	processor *batch.Processor
	documents *documents.Service
	agent     *agent.Service
	memory    *rl.Memory
	search    agent.Searcher
	fx        *fx.Client

	valuationQueue jobs.Queue
	documentQueue  jobs.Queue

	closers []func()
}

// newApp connects to PostgreSQL (and Redis when configured) and wires every
// service. Callers must call Close.
func newApp(ctx context.Context, deps *CommandDeps, cfg *config.ServiceConfig, service string, logOut io.Writer) (a *app, err error) {
	a = &app{cfg: cfg, service: service}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var (
		sinks     []logging.Sink
		auditPing func(context.Context) error
	)
	if cfg.Logging.Audit {
		writer, err := auditlog.Open(cfg.Database.ConnectionString())
		if err != nil {
			return nil, fmt.Errorf("opening audit log: %w", err)
		}
		sink := logging.NewBatchSink(logging.BatchSinkConfig{Writer: writer})
		a.audit = sink
		sinks = append(sinks, sink)
		auditPing = writer.Ping
		a.onClose(func() {
			_ = sink.Close()
			_ = writer.Close()
		})
	}
	a.logger = newLogger(cfg, service, logOut, sinks...)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = observability.NewMetrics(a.registry)
	a.tracer = observability.NewTracer()
	a.health = health.NewChecker(buildinfo.Get(service).Version)

	a.pool, err = deps.ConnectDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.onClose(func() { db.Close(a.pool) })
	if _, err := db.RegisterPoolStatsCollector(a.registry, a.pool, observability.Namespace, service); err != nil {
		return nil, fmt.Errorf("registering pool metrics: %w", err)
	}
	a.health.Register("database", true, func(ctx context.Context) error { return db.Ping(ctx, a.pool) })
	if auditPing != nil {
		a.health.Register("audit_log", false, auditPing)
	}

	var (
		publisher observability.Publisher = observability.NopPublisher{}
		cache     integrations.Cache      = integrations.NewMemoryCache()
	)
	valuationQueueCfg := jobs.DefaultQueueConfig(jobs.QueueValuationBatch, cfg.Workers.VisibilityTimeout)
	documentQueueCfg := jobs.DefaultQueueConfig(jobs.QueueDocuments, cfg.Workers.VisibilityTimeout)
	if cfg.Redis.Enabled() {
		a.redis, err = connectToRedis(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.onClose(func() { _ = a.redis.Close() })
		a.health.Register("redis", true, func(ctx context.Context) error { return a.redis.Ping(ctx).Err() })

		publisher = observability.NewRedisPublisher(a.redis, a.logger)
		cache = integrations.NewRedisCache(a.redis)
		a.valuationQueue = jobs.NewRedisQueue(a.redis, valuationQueueCfg)
		a.documentQueue = jobs.NewRedisQueue(a.redis, documentQueueCfg)
	} else {
		a.valuationQueue = jobs.NewMemoryQueue(valuationQueueCfg)
		a.documentQueue = jobs.NewMemoryQueue(documentQueueCfg)
	}
	a.onClose(func() {
		_ = a.valuationQueue.Close()
		_ = a.documentQueue.Close()
	})

	blobs, err := blob.Open(ctx, blob.Config{
		Driver:    blob.Driver(cfg.Blob.Driver),
		Root:      cfg.Blob.Root,
		Bucket:    cfg.Blob.Bucket,
		Region:    cfg.Blob.Region,
		Endpoint:  cfg.Blob.Endpoint,
		PathStyle: cfg.Blob.PathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("opening blob store: %w", err)
	}

	a.wireIntegrations(cache)
	a.wireServices(ctx, publisher, blobs)
	return a, nil
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) configureHTTP(c *integrations.HTTPClient) {
	c.Metrics = a.metrics
	c.Logger = a.logger
	if a.cfg.Integrations.HTTPTimeout > 0 {
		c.HTTP.Timeout = a.cfg.Integrations.HTTPTimeout
	}
}

func (a *app) wireIntegrations(cache integrations.Cache) {
	ic := a.cfg.Integrations
	a.fx = fx.New(fx.Config{BaseURL: ic.FXBaseURL, CacheTTL: ic.CacheTTL}, cache)
	a.configureHTTP(a.fx.HTTP())

	search := tavily.New(tavily.Config{APIKey: ic.TavilyAPIKey, BaseURL: ic.TavilyBaseURL, CacheTTL: ic.CacheTTL}, cache)
	a.configureHTTP(search.HTTP())
	if search.Configured() {
		a.search = search
	}
}

func (a *app) wireServices(ctx context.Context, publisher observability.Publisher, blobs blob.Store) {
	cfg := a.cfg
	logger := a.logger

	cs := companies.NewRepository(a.pool, logger)
	a.companies = cs
	a.matrix = matrix.NewService(matrix.NewRepository(a.pool, logger), cs, logger,
		matrix.WithPublisher(publisher),
		matrix.WithMetrics(a.metrics),
		matrix.WithTracer(a.tracer),
	)
	a.valuation = valuation.NewService(cs, valuation.ServiceConfig{
		Writer:  a.matrix,
		FX:      a.fx,
		Metrics: a.metrics,
		Tracer:  a.tracer,
		Logger:  logger,
	})

	batchStore := batch.NewRepository(a.pool, logger)
	a.batch = batch.NewService(batchStore, a.valuationQueue, logger)
	a.processor = batch.NewProcessor(batchStore, a.valuation, batch.ProcessorConfig{
		Concurrency: cfg.Workers.ValuationWorkers,
		Publisher:   publisher,
		Metrics:     a.metrics,
		Logger:      logger,
	})

	a.documents = documents.NewService(documents.NewRepository(a.pool, logger), blobs, cs, documents.Config{
		Queue:     a.documentQueue,
		Cells:     a.matrix,
		Publisher: publisher,
		Metrics:   a.metrics,
		Tracer:    a.tracer,
		Logger:    logger,
	})

	a.memory = rl.NewMemory(rl.NewRepository(a.pool, logger), rl.MemoryConfig{Logger: logger})

	agentDeps := agent.Deps{
		Companies: cs,
		Valuer:    a.valuation,
		Cells:     a.matrix,
		Documents: a.documents,
		Search:    a.search,
		FX:        a.fx,
	}
	calc := wolfram.New(wolfram.Config{
		AppID:    cfg.Integrations.WolframAppID,
		BaseURL:  cfg.Integrations.WolframBaseURL,
		CacheTTL: cfg.Integrations.CacheTTL,
	}, nil)
	a.configureHTTP(calc.HTTP())
	if calc.Configured() {
		agentDeps.Calculator = calc
	}
	if llm := agent.NewAnthropicLLM(agent.LLMConfig{
		APIKey:     cfg.LLM.APIKey,
		Model:      cfg.LLM.Model,
		MaxTokens:  int(cfg.LLM.MaxTokens),
		MaxRetries: 2,
		Metrics:    a.metrics,
		Tracer:     a.tracer,
		Logger:     logger,
	}); llm != nil {
		agentDeps.LLM = llm
	}
	a.agent = agent.NewService(agent.NewRepository(a.pool, logger), cs, agent.Config{
		Deps:    agentDeps,
		Memory:  a.memory,
		Metrics: a.metrics,
		Tracer:  a.tracer,
		Logger:  logger,
	})

	registry := cellactions.NewDefaultRegistry(cellactions.Deps{
		Valuer:     a.valuation,
		FX:         a.fx,
		Summarizer: a.agent,
	})
	a.matrix.SetFormulas(registry)

	var remote *cellactions.Remote
	if cfg.Backend.URL != "" {
		remote = cellactions.NewRemote(cfg.Backend.URL)
		a.configureHTTP(remote.HTTP())
		if cfg.Backend.Timeout > 0 {
			remote.HTTP().HTTP.Timeout = cfg.Backend.Timeout
		}
		n, err := cellactions.RegisterRemote(ctx, registry, remote, logger)
		if err != nil {
			logger.Warn("Remote cell actions unavailable", logging.Err(err), logging.F("url", cfg.Backend.URL))
		} else {
			logger.Info("Registered remote cell actions", logging.F("count", n))
		}
	}
	a.actions = cellactions.NewExecutor(registry, cs, a.matrix, cellactions.ExecutorConfig{
		Remote:  remote,
		Metrics: a.metrics,
		Tracer:  a.tracer,
		Logger:  logger,
	})
}

// apiDeps returns the dependencies of the HTTP API.
func (a *app) apiDeps() api.Deps {
	d := api.Deps{
		Companies: a.companies,
		Matrix:    a.matrix,
		Actions:   a.actions,
		Valuation: a.valuation,
		Batch:     a.batch,
		Documents: a.documents,
		Agent:     a.agent,
		Memory:    a.memory,
		Search:    a.search,
		FX:        a.fx,
		Health:    a.health,
		Metrics:   a.metrics,
		Gatherer:  a.registry,
		Tracer:    a.tracer,
		Audit:     a.audit,
		Logger:    a.logger,
	}
	return d
}

// registerPools adds the valuation and document worker pools to pm.
func (a *app) registerPools(pm *jobs.PoolManager) {
	w := a.cfg.Workers
	pm.Register(jobs.WorkerConfig{
		Name:              "valuation",
		Count:             w.ValuationWorkers,
		VisibilityTimeout: w.VisibilityTimeout,
		PollInterval:      w.PollInterval,
		ShutdownTimeout:   a.cfg.Server.ShutdownTimeout,
	}, a.valuationQueue, a.processor.Handle)
	pm.Register(jobs.WorkerConfig{
		Name:              "documents",
		Count:             w.DocumentWorkers,
		VisibilityTimeout: w.VisibilityTimeout,
		PollInterval:      w.PollInterval,
		ShutdownTimeout:   a.cfg.Server.ShutdownTimeout,
	}, a.documentQueue, a.documents.Handle)
}

// newPoolManager returns a pool manager with both pools registered.
func (a *app) newPoolManager() *jobs.PoolManager {
	pm := jobs.NewPoolManager(jobs.Deps{Logger: a.logger, Metrics: a.metrics, Tracer: a.tracer})
	a.registerPools(pm)
	return pm
}
