// Package agenttest provides an in-memory agent.ConversationStore for tests.
package agenttest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/vcmatrix/pkg/agent"
	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
)

// Store keeps conversations as JSON so callers never share state with it.
type Store struct {
	mu   sync.Mutex
	rows map[uuid.UUID][]byte
}

var _ agent.ConversationStore = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{rows: map[uuid.UUID][]byte{}}
}

func (s *Store) put(c *agent.Conversation) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	s.rows[c.ID] = raw
	return nil
}

// Create implements agent.ConversationStore.
func (s *Store) Create(_ context.Context, c *agent.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if _, ok := s.rows[c.ID]; ok {
		return fmt.Errorf("conversation %s: %w", c.ID, vcerrors.ErrAlreadyExists)
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	return s.put(c)
}

// Get implements agent.ConversationStore.
func (s *Store) Get(_ context.Context, id uuid.UUID) (*agent.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.rows[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, vcerrors.ErrNotFound)
	}
	var c agent.Conversation
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Save implements agent.ConversationStore.
func (s *Store) Save(_ context.Context, c *agent.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[c.ID]; !ok {
		return fmt.Errorf("conversation %s: %w", c.ID, vcerrors.ErrNotFound)
	}
	c.UpdatedAt = time.Now().UTC()
	return s.put(c)
}

// Len returns how many conversations are stored.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}
