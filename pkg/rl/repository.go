package rl

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

// Repository is the PostgreSQL Store.
type Repository struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ Store = (*Repository)(nil)

// NewRepository creates an experience repository.
func NewRepository(pool *pgxpool.Pool, logger logging.Logger) *Repository {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Repository{
		pool:   pool,
		logger: logger.With(logging.F("component", "rl_repository")),
	}
}

const experienceColumns = `
	id, conversation_id, query, intent, embedding, reward, feedback, latency_ms,
	success, used_fallback, created_at, updated_at`

func scanExperience(row pgx.Row) (*Experience, error) {
	e := &Experience{}
	var feedback []byte
	err := row.Scan(&e.ID, &e.ConversationID, &e.Query, &e.Intent, &e.Embedding, &e.Reward, &feedback,
		&e.LatencyMs, &e.Success, &e.UsedFallback, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(feedback) > 0 && string(feedback) != "{}" {
		e.Feedback = &Feedback{}
		if err := json.Unmarshal(feedback, e.Feedback); err != nil {
			return nil, fmt.Errorf("failed to decode feedback: %w", err)
		}
	}
	return e, nil
}

// Insert stores a new experience.
func (r *Repository) Insert(ctx context.Context, e *Experience) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO rl_experiences
			(id, conversation_id, query, intent, embedding, reward, latency_ms, success, used_fallback)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		e.ID, e.ConversationID, e.Query, e.Intent, e.Embedding, e.Reward, e.LatencyMs, e.Success, e.UsedFallback)
	if err := row.Scan(&e.CreatedAt, &e.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert experience: %w", err)
	}
	return nil
}

// Get returns an experience by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Experience, error) {
	e, err := scanExperience(r.pool.QueryRow(ctx, `SELECT `+experienceColumns+` FROM rl_experiences WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("experience %s: %w", id, vcerrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get experience: %w", err)
	}
	return e, nil
}

// UpdateFeedback stores feedback and the reshaped reward.
func (r *Repository) UpdateFeedback(ctx context.Context, id uuid.UUID, reward float64, fb Feedback) (*Experience, error) {
	raw, err := json.Marshal(fb)
	if err != nil {
		return nil, fmt.Errorf("failed to encode feedback: %w", err)
	}
	e, err := scanExperience(r.pool.QueryRow(ctx, `
		UPDATE rl_experiences SET reward = $2, feedback = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING `+experienceColumns, id, reward, raw))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("experience %s: %w", id, vcerrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update experience feedback: %w", err)
	}
	return e, nil
}

// Recent returns the newest experiences.
func (r *Repository) Recent(ctx context.Context, limit int) ([]Experience, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+experienceColumns+` FROM rl_experiences ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiences: %w", err)
	}
	defer rows.Close()

	var out []Experience
	for rows.Next() {
		e, err := scanExperience(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan experience: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Stats aggregates experiences per intent, busiest first.
func (r *Repository) Stats(ctx context.Context) ([]IntentStat, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT intent,
		       COUNT(*),
		       COALESCE(AVG(reward), 0),
		       COALESCE(AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END), 0),
		       COUNT(*) FILTER (WHERE (feedback->>'rating')::int > 0),
		       COUNT(*) FILTER (WHERE (feedback->>'rating')::int < 0)
		FROM rl_experiences
		GROUP BY intent
		ORDER BY COUNT(*) DESC, intent`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate experiences: %w", err)
	}
	defer rows.Close()

	var out []IntentStat
	for rows.Next() {
		var s IntentStat
		if err := rows.Scan(&s.Intent, &s.Count, &s.AvgReward, &s.SuccessRate, &s.Positive, &s.Negative); err != nil {
			return nil, fmt.Errorf("failed to scan intent stats: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
