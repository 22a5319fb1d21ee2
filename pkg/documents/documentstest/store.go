// Package documentstest provides an in-memory documents.Store for tests.
package documentstest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/vcmatrix/pkg/documents"
	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
)

// Store keeps documents in a map with the same rules as the PostgreSQL
// repository.
type Store struct {
	mu   sync.Mutex
	docs map[uuid.UUID]*documents.Document

	// FinishErr, when set, can fail a Finish call before it is applied.
	FinishErr func(o documents.Outcome) error
}

var _ documents.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{docs: map[uuid.UUID]*documents.Document{}}
}

func clone(d *documents.Document) *documents.Document {
	cp := *d
	if d.ExtractedData != nil {
		data := *d.ExtractedData
		cp.ExtractedData = &data
	}
	return &cp
}

func sameCompany(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Create implements documents.Store.
func (s *Store) Create(_ context.Context, d *documents.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = documents.StatusPending
	}
	if d.DocumentType == "" {
		d.DocumentType = documents.TypeOther
	}
	d.CreatedAt = time.Now().UTC()
	s.docs[d.ID] = clone(d)
	return nil
}

func (s *Store) get(id uuid.UUID) (*documents.Document, error) {
	d, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, vcerrors.ErrNotFound)
	}
	return d, nil
}

// Get implements documents.Store.
func (s *Store) Get(_ context.Context, id uuid.UUID) (*documents.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return clone(d), nil
}

// FindDuplicate implements documents.Store.
func (s *Store) FindDuplicate(_ context.Context, sha string, companyID *uuid.UUID) (*documents.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *documents.Document
	for _, d := range s.docs {
		if d.SHA256 != sha || !sameCompany(d.CompanyID, companyID) {
			continue
		}
		if best == nil || d.CreatedAt.Before(best.CreatedAt) {
			best = d
		}
	}
	if best == nil {
		return nil, fmt.Errorf("document with sha256 %s: %w", sha, vcerrors.ErrNotFound)
	}
	return clone(best), nil
}

// List implements documents.Store.
func (s *Store) List(_ context.Context, f documents.DocumentFilter) ([]documents.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []documents.Document
	for _, d := range s.docs {
		if f.CompanyID != "" && (d.CompanyID == nil || d.CompanyID.String() != f.CompanyID) {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		cp := clone(d)
		cp.ExtractedText = ""
		out = append(out, *cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// MarkProcessing implements documents.Store.
func (s *Store) MarkProcessing(_ context.Context, id uuid.UUID) (*documents.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.get(id)
	if err != nil {
		return nil, err
	}
	d.Status = documents.StatusProcessing
	d.Error = ""
	return clone(d), nil
}

// Finish implements documents.Store.
func (s *Store) Finish(_ context.Context, id uuid.UUID, o documents.Outcome) (*documents.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if s.FinishErr != nil {
		if err := s.FinishErr(o); err != nil {
			return nil, err
		}
	}
	if err := checkText(o); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	d.Status = o.Status
	d.DocumentType = o.DocumentType
	if d.DocumentType == "" {
		d.DocumentType = documents.TypeOther
	}
	d.TextExtracted = o.TextExtracted
	d.ExtractedText = o.Text
	d.ExtractedData = o.Data
	d.Error = o.Error
	d.ProcessedAt = &now
	return clone(d), nil
}

// checkText rejects NUL characters the way PostgreSQL text and jsonb
// columns do (SQLSTATE 22021).
func checkText(o documents.Outcome) error {
	data, err := json.Marshal(o.Data)
	if err != nil {
		return err
	}
	if strings.ContainsRune(o.Text, 0) || strings.ContainsRune(o.Error, 0) || strings.Contains(string(data), `\u0000`) {
		return errors.New(`invalid byte sequence for encoding "UTF8": 0x00`)
	}
	return nil
}

// Requeue implements documents.Store.
func (s *Store) Requeue(_ context.Context, id uuid.UUID) (*documents.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if d.Status == documents.StatusProcessing {
		return nil, fmt.Errorf("document %s is already processing: %w", id, vcerrors.ErrInvalidState)
	}
	d.Status = documents.StatusPending
	d.Error = ""
	return clone(d), nil
}

// SetStatus forces a status, for tests of state guards.
func (s *Store) SetStatus(id uuid.UUID, status documents.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docs[id]; ok {
		d.Status = status
	}
}
