// Package rltest provides an in-memory rl.Store for tests.
package rltest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/rl"
)

// Store keeps experiences in insertion order.
type Store struct {
	mu    sync.Mutex
	rows  []*rl.Experience
	clock time.Time

	// RecentCalls counts Recent, for cache tests.
	RecentCalls int
}

var _ rl.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func clone(e *rl.Experience) rl.Experience {
	cp := *e
	cp.Embedding = append([]float64(nil), e.Embedding...)
	if e.Feedback != nil {
		fb := *e.Feedback
		cp.Feedback = &fb
	}
	return cp
}

// Insert implements rl.Store. Each insert is one second after the last so
// ordering is deterministic.
func (s *Store) Insert(_ context.Context, e *rl.Experience) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	s.clock = s.clock.Add(time.Second)
	e.CreatedAt, e.UpdatedAt = s.clock, s.clock
	cp := clone(e)
	s.rows = append(s.rows, &cp)
	return nil
}

func (s *Store) find(id uuid.UUID) (*rl.Experience, error) {
	for _, e := range s.rows {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, fmt.Errorf("experience %s: %w", id, vcerrors.ErrNotFound)
}

// Get implements rl.Store.
func (s *Store) Get(_ context.Context, id uuid.UUID) (*rl.Experience, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.find(id)
	if err != nil {
		return nil, err
	}
	cp := clone(e)
	return &cp, nil
}

// UpdateFeedback implements rl.Store.
func (s *Store) UpdateFeedback(_ context.Context, id uuid.UUID, reward float64, fb rl.Feedback) (*rl.Experience, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.find(id)
	if err != nil {
		return nil, err
	}
	e.Reward = reward
	e.Feedback = &fb
	e.UpdatedAt = time.Now().UTC()
	cp := clone(e)
	return &cp, nil
}

// Recent implements rl.Store.
func (s *Store) Recent(_ context.Context, limit int) ([]rl.Experience, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RecentCalls++
	var out []rl.Experience
	for i := len(s.rows) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, clone(s.rows[i]))
	}
	return out, nil
}

// Stats implements rl.Store.
func (s *Store) Stats(context.Context) ([]rl.IntentStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	by := map[string]*rl.IntentStat{}
	rewards := map[string]float64{}
	successes := map[string]int{}
	for _, e := range s.rows {
		st, ok := by[e.Intent]
		if !ok {
			st = &rl.IntentStat{Intent: e.Intent}
			by[e.Intent] = st
		}
		st.Count++
		rewards[e.Intent] += e.Reward
		if e.Success {
			successes[e.Intent]++
		}
		if e.Feedback != nil {
			switch {
			case e.Feedback.Rating > 0:
				st.Positive++
			case e.Feedback.Rating < 0:
				st.Negative++
			}
		}
	}
	out := make([]rl.IntentStat, 0, len(by))
	for intent, st := range by {
		st.AvgReward = rewards[intent] / float64(st.Count)
		st.SuccessRate = float64(successes[intent]) / float64(st.Count)
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Intent < out[j].Intent
	})
	return out, nil
}
