// Package batchtest provides an in-memory batch.Store for tests.
package batchtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/valuation/batch"
)

// Store keeps jobs in a map with the same transition rules as the
// PostgreSQL repository.
type Store struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*batch.Job

	// BeforeRecord, when set, runs before each RecordResult under no lock.
	BeforeRecord func(id uuid.UUID, r batch.CompanyResult)
}

var _ batch.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{jobs: map[uuid.UUID]*batch.Job{}}
}

func clone(j *batch.Job) *batch.Job {
	cp := *j
	cp.CompanyIDs = append([]string(nil), j.CompanyIDs...)
	cp.Results = append([]batch.CompanyResult(nil), j.Results...)
	return &cp
}

// Create implements batch.Store.
func (s *Store) Create(_ context.Context, job *batch.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Status = batch.StatusQueued
	job.Total = len(job.CompanyIDs)
	job.CreatedAt = time.Now().UTC()
	s.jobs[job.ID] = clone(job)
	return nil
}

func (s *Store) get(id uuid.UUID) (*batch.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("batch job %s: %w", id, vcerrors.ErrNotFound)
	}
	return j, nil
}

// Get implements batch.Store.
func (s *Store) Get(_ context.Context, id uuid.UUID) (*batch.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return clone(j), nil
}

// List implements batch.Store.
func (s *Store) List(_ context.Context, limit int) ([]batch.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]batch.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *clone(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) update(id uuid.UUID, allowed []batch.Status, op string, fn func(j *batch.Job)) (*batch.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.get(id)
	if err != nil {
		return nil, err
	}
	for _, st := range allowed {
		if j.Status == st {
			fn(j)
			return clone(j), nil
		}
	}
	return nil, fmt.Errorf("cannot %s batch job in status %s: %w", op, j.Status, vcerrors.ErrInvalidState)
}

// MarkRunning implements batch.Store.
func (s *Store) MarkRunning(_ context.Context, id uuid.UUID) (*batch.Job, error) {
	return s.update(id, []batch.Status{batch.StatusQueued, batch.StatusRunning}, "start", func(j *batch.Job) {
		j.Status = batch.StatusRunning
		if j.StartedAt == nil {
			now := time.Now().UTC()
			j.StartedAt = &now
		}
	})
}

// RecordResult implements batch.Store.
func (s *Store) RecordResult(_ context.Context, id uuid.UUID, r batch.CompanyResult) (*batch.Job, error) {
	if s.BeforeRecord != nil {
		s.BeforeRecord(id, r)
	}
	allowed := []batch.Status{batch.StatusRunning}
	if r.Applied {
		allowed = append(allowed, batch.StatusCancelled)
	}
	return s.update(id, allowed, "record result on", func(j *batch.Job) {
		j.Processed++
		if r.Succeeded() {
			j.Succeeded++
		} else {
			j.Failed++
		}
		j.Results = append(j.Results, r)
	})
}

// Finish implements batch.Store.
func (s *Store) Finish(_ context.Context, id uuid.UUID, status batch.Status, errMsg string) (*batch.Job, error) {
	return s.update(id, []batch.Status{batch.StatusQueued, batch.StatusRunning}, "finish", func(j *batch.Job) {
		now := time.Now().UTC()
		j.Status, j.Error, j.CompletedAt = status, errMsg, &now
	})
}

// Cancel implements batch.Store.
func (s *Store) Cancel(_ context.Context, id uuid.UUID) (*batch.Job, error) {
	return s.update(id, []batch.Status{batch.StatusQueued, batch.StatusRunning}, "cancel", func(j *batch.Job) {
		now := time.Now().UTC()
		j.Status, j.CompletedAt = batch.StatusCancelled, &now
	})
}
