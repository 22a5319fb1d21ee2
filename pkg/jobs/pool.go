package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
	"github.com/otherjamesbrown/vcmatrix/pkg/observability"
)

// WorkerStatus represents the worker's current status.
type WorkerStatus string

const (
	WorkerStatusStarting WorkerStatus = "starting"
	WorkerStatusHealthy  WorkerStatus = "healthy"
	WorkerStatusDraining WorkerStatus = "draining"
	WorkerStatusStopped  WorkerStatus = "stopped"
)

// MessageHandler processes a queue message.
type MessageHandler func(ctx context.Context, msg Message) error

// WorkerConfig configures the workers of one pool.
type WorkerConfig struct {
	Name              string        `yaml:"name"`
	Count             int           `yaml:"count"`
	BatchSize         int           `yaml:"batch_size"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Count <= 0 {
		c.Count = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

// handlerTimeout leaves headroom so a handler finishes before its message
// becomes visible to other workers again.
func (c WorkerConfig) handlerTimeout() time.Duration {
	if c.VisibilityTimeout > 20*time.Second {
		return c.VisibilityTimeout - 10*time.Second
	}
	return c.VisibilityTimeout
}

// Deps are the shared collaborators of every worker.
type Deps struct {
	Logger  logging.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Worker processes messages from a queue until stopped.
type Worker struct {
	ID      string
	Config  WorkerConfig
	Queue   Queue
	Handler MessageHandler

	ProcessedCount atomic.Int64
	FailedCount    atomic.Int64

	deps   Deps
	logger logging.Logger

	mu           sync.Mutex
	status       WorkerStatus
	startedAt    time.Time
	lastActivity time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates a new worker.
func NewWorker(config WorkerConfig, queue Queue, handler MessageHandler, deps Deps) *Worker {
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	id := uuid.New().String()
	return &Worker{
		ID:      id,
		Config:  config.withDefaults(),
		Queue:   queue,
		Handler: handler,
		deps:    deps,
		logger: deps.Logger.With(
			logging.F("component", "worker"),
			logging.F("queue", queue.Name()),
			logging.F("worker_id", id[:8]),
		),
		status: WorkerStatusStarting,
		done:   make(chan struct{}),
	}
}

// Status returns the current worker status.
func (w *Worker) Status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Worker) setStatus(s WorkerStatus) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

// LastActivity returns when the worker last handled a message.
func (w *Worker) LastActivity() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActivity
}

// Start begins processing messages until ctx is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Lock()
	w.startedAt = time.Now()
	w.status = WorkerStatusHealthy
	w.mu.Unlock()

	go func() {
		defer close(w.done)
		w.processLoop(ctx)
	}()
}

// Stop gracefully stops the worker, waiting up to ShutdownTimeout for the
// in-flight message.
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.setStatus(WorkerStatusDraining)
	w.cancel()

	select {
	case <-w.done:
	case <-time.After(w.Config.ShutdownTimeout):
		w.logger.Warn("Worker did not drain before shutdown timeout")
	}
	w.setStatus(WorkerStatusStopped)
}

func (w *Worker) processLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		messages, err := w.Queue.Dequeue(ctx, w.Config.BatchSize, w.Config.PollInterval)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				return
			}
			w.logger.Error("Dequeue failed", logging.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.Config.PollInterval):
			}
			continue
		}

		for _, qm := range messages {
			w.processMessage(ctx, qm)
		}
	}
}

func (w *Worker) processMessage(ctx context.Context, qm *QueuedMessage) {
	w.mu.Lock()
	w.lastActivity = time.Now()
	w.mu.Unlock()

	// Messages already claimed are finished even while draining, with a
	// context detached from the shutdown signal.
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	log := w.logger.With(logging.F("message_id", qm.ID), logging.F("message_type", string(qm.MessageType)))

	msg, err := qm.ParseMessage()
	if err != nil {
		log.Error("Unparseable message moved to dead letter queue", logging.Err(err))
		if dlqErr := w.Queue.MoveToDeadLetter(ctx, qm.ID, fmt.Sprintf("parse error: %v", err)); dlqErr != nil {
			log.Error("Failed to dead-letter message", logging.Err(dlqErr))
		}
		w.FailedCount.Add(1)
		w.deps.Metrics.RecordDLQ(w.Queue.Name(), string(ErrorCategoryPermanent))
		w.deps.Metrics.ObserveJob(w.Queue.Name(), observability.StatusError, time.Since(start))
		return
	}

	hctx, cancel := context.WithTimeout(ctx, w.Config.handlerTimeout())
	defer cancel()
	hctx, span := w.deps.Tracer.StartJobSpan(hctx, w.Queue.Name(), string(qm.MessageType), msg.GetJobID())
	defer span.End()
	helper := observability.NewSpanHelper(span)

	err = w.runHandler(hctx, msg)
	elapsed := time.Since(start)
	if err != nil {
		perr := Categorize(err)
		helper.SetError(err, perr.Code, perr.IsRetryable())
		w.FailedCount.Add(1)
		w.deps.Metrics.ObserveJob(w.Queue.Name(), observability.StatusError, elapsed)

		if perr.IsRetryable() {
			log.Warn("Job failed, will retry",
				logging.Err(err),
				logging.F("category", string(perr.Category)),
				logging.F("retry_count", qm.RetryCount))
			if nackErr := w.Queue.Nack(ctx, qm.ID, err.Error()); nackErr != nil {
				log.Error("Failed to nack message", logging.Err(nackErr))
			}
			return
		}

		log.Error("Job failed permanently", logging.Err(err), logging.F("code", perr.Code))
		w.deps.Metrics.RecordDLQ(w.Queue.Name(), string(perr.Category))
		if dlqErr := w.Queue.MoveToDeadLetter(ctx, qm.ID, perr.Error()); dlqErr != nil {
			log.Error("Failed to dead-letter message", logging.Err(dlqErr))
		}
		return
	}

	helper.SetSuccess()
	if ackErr := w.Queue.Ack(ctx, qm.ID); ackErr != nil {
		log.Error("Failed to ack message", logging.Err(ackErr))
	}
	w.ProcessedCount.Add(1)
	w.deps.Metrics.ObserveJob(w.Queue.Name(), observability.StatusSuccess, elapsed)
	log.Debug("Job completed", logging.F("duration_ms", elapsed.Milliseconds()))
}

// runHandler converts handler panics into permanent errors.
func (w *Worker) runHandler(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewPermanentError("panic", fmt.Sprintf("handler panicked: %v", r), nil)
		}
	}()
	return w.Handler(ctx, msg)
}

// Pool manages the workers consuming one queue.
type Pool struct {
	Config  WorkerConfig
	Queue   Queue
	Handler MessageHandler

	deps    Deps
	mu      sync.RWMutex
	workers []*Worker
}

// NewPool creates a new worker pool.
func NewPool(config WorkerConfig, queue Queue, handler MessageHandler, deps Deps) *Pool {
	config = config.withDefaults()
	if config.Name == "" {
		config.Name = queue.Name()
	}
	return &Pool{
		Config:  config,
		Queue:   queue,
		Handler: handler,
		deps:    deps,
	}
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.Config.Name }

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < p.Config.Count; i++ {
		worker := NewWorker(p.Config, p.Queue, p.Handler, p.deps)
		worker.Start(ctx)
		p.workers = append(p.workers, worker)
	}
}

// Stop gracefully stops all workers.
func (p *Pool) Stop() {
	p.mu.RLock()
	workers := append([]*Worker(nil), p.workers...)
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, worker := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Stop()
		}(worker)
	}
	wg.Wait()
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Name        string `json:"name"`
	Queue       string `json:"queue"`
	WorkerCount int    `json:"worker_count"`
	ActiveCount int    `json:"active_count"`
	Processed   int64  `json:"processed"`
	Failed      int64  `json:"failed"`
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{
		Name:        p.Config.Name,
		Queue:       p.Queue.Name(),
		WorkerCount: len(p.workers),
	}
	for _, w := range p.workers {
		if w.Status() == WorkerStatusHealthy {
			stats.ActiveCount++
		}
		stats.Processed += w.ProcessedCount.Load()
		stats.Failed += w.FailedCount.Load()
	}
	return stats
}

// PoolManager manages multiple worker pools.
type PoolManager struct {
	pools  map[string]*Pool
	mu     sync.RWMutex
	deps   Deps
	logger logging.Logger
}

// NewPoolManager creates a new pool manager.
func NewPoolManager(deps Deps) *PoolManager {
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	return &PoolManager{
		pools:  make(map[string]*Pool),
		deps:   deps,
		logger: deps.Logger.With(logging.F("component", "pool_manager")),
	}
}

// Register creates and registers a pool for queue.
func (pm *PoolManager) Register(config WorkerConfig, queue Queue, handler MessageHandler) *Pool {
	pool := NewPool(config, queue, handler, pm.deps)
	pm.mu.Lock()
	pm.pools[pool.Name()] = pool
	pm.mu.Unlock()
	return pool
}

// GetPool returns a pool by name.
func (pm *PoolManager) GetPool(name string) (*Pool, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	pool, ok := pm.pools[name]
	return pool, ok
}

// StartAll starts all registered pools.
func (pm *PoolManager) StartAll(ctx context.Context) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	for name, pool := range pm.pools {
		pool.Start(ctx)
		pm.logger.Info("Worker pool started", logging.F("pool", name), logging.F("workers", pool.Config.Count))
	}
}

// StopAll stops all registered pools.
func (pm *PoolManager) StopAll() {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	var wg sync.WaitGroup
	for _, pool := range pm.pools {
		wg.Add(1)
		go func(p *Pool) {
			defer wg.Done()
			p.Stop()
		}(pool)
	}
	wg.Wait()
	pm.logger.Info("Worker pools stopped")
}

// AllStats returns statistics for all pools sorted by name.
func (pm *PoolManager) AllStats() []PoolStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	stats := make([]PoolStats, 0, len(pm.pools))
	for _, pool := range pm.pools {
		stats = append(stats, pool.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Sweep recovers stale messages and records queue depth for every pool once.
func (pm *PoolManager) Sweep(ctx context.Context) {
	pm.mu.RLock()
	pools := make([]*Pool, 0, len(pm.pools))
	for _, p := range pm.pools {
		pools = append(pools, p)
	}
	pm.mu.RUnlock()

	for _, p := range pools {
		n, err := p.Queue.RecoverStaleMessages(ctx)
		if err != nil {
			pm.logger.Warn("Stale message recovery failed", logging.Err(err), logging.F("queue", p.Queue.Name()))
		} else if n > 0 {
			pm.logger.Info("Recovered stale messages", logging.F("queue", p.Queue.Name()), logging.F("count", n))
		}
		if depth, err := p.Queue.Depth(ctx); err == nil {
			pm.deps.Metrics.SetQueueDepth(p.Queue.Name(), depth)
		}
	}
}

// RunSweeper calls Sweep every interval until ctx is done.
func (pm *PoolManager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.Sweep(ctx)
		}
	}
}
