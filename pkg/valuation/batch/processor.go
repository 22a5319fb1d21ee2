package batch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/jobs"
	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
	"github.com/otherjamesbrown/vcmatrix/pkg/observability"
	"github.com/otherjamesbrown/vcmatrix/pkg/valuation"
)

// DefaultConcurrency is the number of companies valued at once per job.
const DefaultConcurrency = 4

// Valuer values one company and writes a computed value back to it.
type Valuer interface {
	ValueCompanyByID(ctx context.Context, id string, method valuation.Method, o valuation.Overrides) (*valuation.Result, error)
	Apply(ctx context.Context, res *valuation.Result) error
}

// ProcessorConfig configures a Processor.
type ProcessorConfig struct {
	Concurrency int
	Publisher   observability.Publisher
	Metrics     *observability.Metrics
	Logger      logging.Logger
}

// Processor executes batch jobs delivered by the queue.
type Processor struct {
	store       Store
	valuer      Valuer
	concurrency int
	publisher   observability.Publisher
	metrics     *observability.Metrics
	logger      logging.Logger
}

// NewProcessor creates a batch job processor.
func NewProcessor(store Store, valuer Valuer, cfg ProcessorConfig) *Processor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Publisher == nil {
		cfg.Publisher = observability.NopPublisher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNopLogger()
	}
	return &Processor{
		store:       store,
		valuer:      valuer,
		concurrency: cfg.Concurrency,
		publisher:   cfg.Publisher,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With(logging.F("component", "batch_processor")),
	}
}

// Handle implements jobs.MessageHandler for valuation_batch messages.
func (p *Processor) Handle(ctx context.Context, msg jobs.Message) error {
	m, ok := msg.(*jobs.ValuationJobMessage)
	if !ok {
		return jobs.NewPermanentError("unexpected_message", fmt.Sprintf("batch processor cannot handle %s", msg.GetMessageType()), nil)
	}
	id, err := parseJobID(m.JobID)
	if err != nil {
		return err
	}
	logger := p.logger.With(logging.F("job_id", m.JobID))

	job, err := p.store.MarkRunning(ctx, id)
	if vcerrors.IsInvalidState(err) {
		logger.Info("Skipping batch job that is no longer runnable", logging.Err(err))
		return nil
	}
	if err != nil {
		return err
	}
	started := time.Now().UTC()
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	logger.Info("Batch valuation started",
		logging.F("method", string(job.Method)),
		logging.F("total", job.Total),
		logging.F("already_processed", job.Processed))

	var cancelled atomic.Bool
	done := job.Done()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, companyID := range job.CompanyIDs {
		if done[companyID] {
			continue
		}
		g.Go(func() error {
			if p.stopped(gctx, id, &cancelled) {
				return nil
			}
			res, out := p.valueOne(gctx, companyID, job.Method)
			if job.Apply && out != nil {
				// A job cancelled while the value was computed writes nothing.
				if p.stopped(gctx, id, &cancelled) {
					return nil
				}
				p.apply(gctx, &res, out)
			}
			updated, err := p.store.RecordResult(gctx, id, res)
			if vcerrors.IsInvalidState(err) {
				cancelled.Store(true)
				return nil
			}
			if err != nil {
				return err
			}
			if updated.Status == StatusCancelled {
				cancelled.Store(true)
			}
			p.publishProgress(gctx, updated, companyID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("batch job %s: %w", m.JobID, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	final, err := p.finish(ctx, id, cancelled.Load())
	if err != nil {
		return err
	}
	p.metrics.ObserveJob(jobs.QueueValuationBatch, string(final.Status), time.Since(started))
	p.publishCompleted(ctx, final, started)
	logger.Info("Batch valuation finished",
		logging.F("status", string(final.Status)),
		logging.F("succeeded", final.Succeeded),
		logging.F("failed", final.Failed))
	return nil
}

// stopped reports whether the job should value no more companies.
func (p *Processor) stopped(ctx context.Context, id uuid.UUID, cancelled *atomic.Bool) bool {
	if cancelled.Load() || ctx.Err() != nil {
		return true
	}
	job, err := p.store.Get(ctx, id)
	if err != nil {
		p.logger.Warn("Failed to check batch job status", logging.F("job_id", id.String()), logging.Err(err))
		return false
	}
	if job.Status != StatusRunning {
		cancelled.Store(true)
		return true
	}
	return false
}

func (p *Processor) valueOne(ctx context.Context, companyID string, method valuation.Method) (CompanyResult, *valuation.Result) {
	res := CompanyResult{CompanyID: companyID}
	out, err := p.valuer.ValueCompanyByID(ctx, companyID, method, valuation.Overrides{})
	res.FinishedAt = time.Now().UTC()
	if err != nil {
		res.Error = err.Error()
		p.logger.Debug("Company valuation failed", logging.F("company_id", companyID), logging.Err(err))
		return res, nil
	}
	v := out.Value
	res.CompanyName = out.CompanyName
	res.Value = &v
	return res, out
}

func (p *Processor) apply(ctx context.Context, res *CompanyResult, out *valuation.Result) {
	if err := p.valuer.Apply(ctx, out); err != nil {
		res.Error = err.Error()
		p.logger.Warn("Failed to store batch valuation", logging.F("company_id", res.CompanyID), logging.Err(err))
		return
	}
	res.Applied = out.Applied
	res.FinishedAt = time.Now().UTC()
}

// finish settles the terminal status: failed when every company failed,
// completed otherwise. A job cancelled meanwhile stays cancelled.
func (p *Processor) finish(ctx context.Context, uid uuid.UUID, cancelled bool) (*Job, error) {
	if !cancelled {
		current, err := p.store.Get(ctx, uid)
		if err != nil {
			return nil, err
		}
		status, msg := StatusCompleted, ""
		if current.Succeeded == 0 && current.Failed > 0 {
			status, msg = StatusFailed, "every company failed to value"
		}
		job, err := p.store.Finish(ctx, uid, status, msg)
		if err == nil {
			return job, nil
		}
		if !vcerrors.IsInvalidState(err) {
			return nil, err
		}
	}
	return p.store.Get(ctx, uid)
}

func (p *Processor) publishProgress(ctx context.Context, job *Job, companyID string) {
	observability.PublishBestEffort(ctx, p.publisher, p.logger, observability.ChannelValuationJobProgress,
		observability.ValuationJobProgressEvent{
			BaseEvent:   observability.NewBaseEvent(ctx, "valuation_job.progress"),
			JobID:       job.ID.String(),
			Status:      string(job.Status),
			Total:       job.Total,
			Processed:   job.Processed,
			Succeeded:   job.Succeeded,
			Failed:      job.Failed,
			LastCompany: companyID,
		})
}

func (p *Processor) publishCompleted(ctx context.Context, job *Job, started time.Time) {
	completed := time.Now().UTC()
	if job.CompletedAt != nil {
		completed = *job.CompletedAt
	}
	observability.PublishBestEffort(ctx, p.publisher, p.logger, observability.ChannelValuationJobCompleted,
		observability.ValuationJobCompletedEvent{
			BaseEvent:       observability.NewBaseEvent(ctx, "valuation_job.completed"),
			JobID:           job.ID.String(),
			Method:          string(job.Method),
			FinalStatus:     string(job.Status),
			Total:           job.Total,
			Succeeded:       job.Succeeded,
			Failed:          job.Failed,
			StartedAt:       started,
			CompletedAt:     completed,
			DurationSeconds: completed.Sub(started).Seconds(),
		})
}
