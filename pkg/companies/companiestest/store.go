// Package companiestest provides an in-memory companies.Store for tests.
package companiestest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/vcmatrix/pkg/companies"
	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
)

// Store keeps companies in a map. It is safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]*companies.Company
}

var _ companies.Store = (*Store)(nil)

// New returns a store seeded with list.
func New(list ...*companies.Company) *Store {
	s := &Store{rows: map[uuid.UUID]*companies.Company{}}
	for _, c := range list {
		if err := s.Create(context.Background(), c); err != nil {
			panic(err)
		}
	}
	return s
}

func (s *Store) nameTaken(name string, except uuid.UUID) bool {
	key := companies.NormalizeName(name)
	for id, c := range s.rows {
		if id != except && companies.NormalizeName(c.Name) == key {
			return true
		}
	}
	return false
}

// Create implements companies.Store.
func (s *Store) Create(_ context.Context, c *companies.Company) error {
	c.Normalize()
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nameTaken(c.Name, uuid.Nil) {
		return fmt.Errorf("company %q already exists: %w", c.Name, vcerrors.ErrConflict)
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	s.rows[c.ID] = c.Clone()
	return nil
}

// Get implements companies.Store.
func (s *Store) Get(_ context.Context, id string) (*companies.Company, error) {
	uid, err := companies.ParseID(id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.rows[uid]
	if !ok {
		return nil, fmt.Errorf("company %s: %w", id, vcerrors.ErrNotFound)
	}
	return c.Clone(), nil
}

func (s *Store) matching(f companies.Filter) []*companies.Company {
	var out []*companies.Company
	for _, c := range s.rows {
		if f.Matches(c) {
			out = append(out, c.Clone())
		}
	}
	companies.SortCompanies(out, f)
	return out
}

// List implements companies.Store.
func (s *Store) List(_ context.Context, f companies.Filter) ([]*companies.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.matching(f)
	if f.Offset >= len(all) {
		return nil, nil
	}
	all = all[f.Offset:]
	if limit := f.EffectiveLimit(); len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Count implements companies.Store.
func (s *Store) Count(_ context.Context, f companies.Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.matching(f)), nil
}

// Update implements companies.Store.
func (s *Store) Update(_ context.Context, id string, raw map[string]any) (*companies.Company, error) {
	patch, err := companies.BuildPatch(raw)
	if err != nil {
		return nil, err
	}
	return s.ApplyPatch(id, patch)
}

// ApplyPatch applies an already-built patch atomically.
func (s *Store) ApplyPatch(id string, patch companies.Patch) (*companies.Company, error) {
	uid, err := companies.ParseID(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.rows[uid]
	if !ok {
		return nil, fmt.Errorf("company %s: %w", id, vcerrors.ErrNotFound)
	}
	next, err := patch.Apply(current)
	if err != nil {
		return nil, err
	}
	if s.nameTaken(next.Name, uid) {
		return nil, fmt.Errorf("company %q already exists: %w", next.Name, vcerrors.ErrConflict)
	}
	next.UpdatedAt = time.Now().UTC()
	s.rows[uid] = next
	return next.Clone(), nil
}

// Delete implements companies.Store.
func (s *Store) Delete(_ context.Context, id string) error {
	uid, err := companies.ParseID(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[uid]; !ok {
		return fmt.Errorf("company %s: %w", id, vcerrors.ErrNotFound)
	}
	delete(s.rows, uid)
	return nil
}

// ListNames returns id to name for every company.
func (s *Store) ListNames(context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.rows))
	for id, c := range s.rows {
		out[id.String()] = c.Name
	}
	return out, nil
}

// Ptr returns a pointer to v, for building fixtures.
func Ptr[T any](v T) *T { return &v }
