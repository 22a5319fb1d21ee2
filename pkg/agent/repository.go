package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
)

// Repository is the PostgreSQL ConversationStore.
type Repository struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ ConversationStore = (*Repository)(nil)

// NewRepository creates a conversation repository.
func NewRepository(pool *pgxpool.Pool, logger logging.Logger) *Repository {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Repository{
		pool:   pool,
		logger: logger.With(logging.F("component", "conversation_repository")),
	}
}

func encodeConversation(c *Conversation) (messages, state []byte, err error) {
	msgs := c.Messages
	if msgs == nil {
		msgs = []Message{}
	}
	if messages, err = json.Marshal(msgs); err != nil {
		return nil, nil, fmt.Errorf("failed to encode messages: %w", err)
	}
	if state, err = json.Marshal(c.State); err != nil {
		return nil, nil, fmt.Errorf("failed to encode conversation context: %w", err)
	}
	return messages, state, nil
}

// Create inserts a conversation.
func (r *Repository) Create(ctx context.Context, c *Conversation) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	messages, state, err := encodeConversation(c)
	if err != nil {
		return err
	}
	err = r.pool.QueryRow(ctx, `
		INSERT INTO agent_conversations (id, title, messages, context)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		c.ID, c.Title, messages, state,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// Get returns a conversation by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	c := &Conversation{}
	var messages, state []byte
	err := r.pool.QueryRow(ctx, `
		SELECT id, title, messages, context, created_at, updated_at
		FROM agent_conversations WHERE id = $1`, id,
	).Scan(&c.ID, &c.Title, &messages, &state, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, vcerrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if err := json.Unmarshal(messages, &c.Messages); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	if err := json.Unmarshal(state, &c.State); err != nil {
		return nil, fmt.Errorf("failed to decode conversation context: %w", err)
	}
	return c, nil
}

// Save replaces the title, messages and context of a conversation.
func (r *Repository) Save(ctx context.Context, c *Conversation) error {
	messages, state, err := encodeConversation(c)
	if err != nil {
		return err
	}
	err = r.pool.QueryRow(ctx, `
		UPDATE agent_conversations
		SET title = $2, messages = $3, context = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		c.ID, c.Title, messages, state,
	).Scan(&c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("conversation %s: %w", c.ID, vcerrors.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}
