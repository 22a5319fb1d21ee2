package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/otherjamesbrown/vcmatrix/pkg/jobs"
	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
	"github.com/otherjamesbrown/vcmatrix/pkg/observability"
)

// Service submits and manages batch jobs.
type Service struct {
	store  Store
	queue  jobs.Queue
	logger logging.Logger
}

// NewService creates a batch job service that enqueues onto queue.
func NewService(store Store, queue jobs.Queue, logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Service{
		store:  store,
		queue:  queue,
		logger: logger.With(logging.F("component", "batch_service")),
	}
}

// Submit validates req, records a queued job and enqueues it. If the enqueue
// fails the job is marked failed and the error returned.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	ids, method, err := req.Validate()
	if err != nil {
		return nil, err
	}
	job := &Job{Method: method, Apply: req.Apply, CompanyIDs: ids}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}

	msg := &jobs.ValuationJobMessage{
		JobID:        job.ID.String(),
		Method:       string(method),
		CompanyIDs:   ids,
		Apply:        req.Apply,
		Priority:     jobs.PriorityNormal,
		SubmittedAt:  time.Now().UTC(),
		TraceContext: observability.InjectTraceContext(ctx),
	}
	if _, err := s.queue.Enqueue(ctx, msg); err != nil {
		if _, ferr := s.store.Finish(ctx, job.ID, StatusFailed, "enqueue failed: "+err.Error()); ferr != nil {
			s.logger.Warn("Failed to mark unqueued job failed", logging.F("job_id", job.ID.String()), logging.Err(ferr))
		}
		return nil, fmt.Errorf("failed to enqueue batch job: %w", err)
	}

	s.logger.Info("Batch valuation submitted",
		logging.F("job_id", job.ID.String()),
		logging.F("method", string(method)),
		logging.F("companies", len(ids)))
	return job, nil
}

// Get returns a job by id.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	u, err := parseJobID(id)
	if err != nil {
		return nil, err
	}
	return s.store.Get(ctx, u)
}

// List returns recent jobs, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return s.store.List(ctx, limit)
}

// Cancel stops a queued or running job. Companies already valued keep their
// results; a running worker stops before the next company.
func (s *Service) Cancel(ctx context.Context, id string) (*Job, error) {
	u, err := parseJobID(id)
	if err != nil {
		return nil, err
	}
	job, err := s.store.Cancel(ctx, u)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Batch valuation cancelled", logging.F("job_id", id), logging.F("processed", job.Processed))
	return job, nil
}
