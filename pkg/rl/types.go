package rl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
)

// Feedback is what the user said about an answer.
type Feedback struct {
	Rating     int    `json:"rating"`
	Correction string `json:"correction,omitempty"`
	// CorrectedIntent is the intent the user says the query should have had.
	CorrectedIntent string    `json:"corrected_intent,omitempty"`
	GivenAt         time.Time `json:"given_at"`
}

// Experience is one answered query.
type Experience struct {
	ID             uuid.UUID  `json:"id"`
	ConversationID *uuid.UUID `json:"conversation_id,omitempty"`
	Query          string     `json:"query"`
	Intent         string     `json:"intent"`
	Embedding      []float64  `json:"-"`
	Reward         float64    `json:"reward"`
	Feedback       *Feedback  `json:"feedback,omitempty"`
	LatencyMs      int64      `json:"latency_ms"`
	Success        bool       `json:"success"`
	UsedFallback   bool       `json:"used_fallback"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Signal rebuilds the reward signal from the stored outcome.
func (e *Experience) Signal() Signal {
	s := Signal{
		Latency:      time.Duration(e.LatencyMs) * time.Millisecond,
		Success:      e.Success,
		UsedFallback: e.UsedFallback,
	}
	if e.Feedback != nil {
		s.Rating = e.Feedback.Rating
		s.Corrected = e.Feedback.Correction != "" || e.Feedback.CorrectedIntent != ""
	}
	return s
}

// Match is a past experience scored against a query.
type Match struct {
	Experience Experience `json:"experience"`
	Score      float64    `json:"score"`
}

// IntentStat summarises the experiences routed to one intent.
type IntentStat struct {
	Intent      string  `json:"intent"`
	Count       int     `json:"count"`
	AvgReward   float64 `json:"avg_reward"`
	SuccessRate float64 `json:"success_rate"`
	Positive    int     `json:"positive_feedback"`
	Negative    int     `json:"negative_feedback"`
}

// RecordRequest describes an answered query.
type RecordRequest struct {
	ConversationID string
	Query          string
	Intent         string
	Latency        time.Duration
	Success        bool
	UsedFallback   bool
}

// FeedbackRequest rates an experience.
type FeedbackRequest struct {
	ExperienceID    string `json:"experience_id"`
	Rating          int    `json:"rating"`
	Correction      string `json:"correction,omitempty"`
	CorrectedIntent string `json:"corrected_intent,omitempty"`
}

// Validate checks the rating and id.
func (r FeedbackRequest) Validate() (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(r.ExperienceID))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid experience id %q: %w", r.ExperienceID, vcerrors.ErrValidation)
	}
	if r.Rating < -1 || r.Rating > 1 {
		return uuid.Nil, fmt.Errorf("rating must be -1, 0 or 1: %w", vcerrors.ErrValidation)
	}
	return id, nil
}

// Store persists experiences.
type Store interface {
	Insert(ctx context.Context, e *Experience) error
	Get(ctx context.Context, id uuid.UUID) (*Experience, error)
	UpdateFeedback(ctx context.Context, id uuid.UUID, reward float64, fb Feedback) (*Experience, error)
	// Recent returns up to limit experiences, newest first.
	Recent(ctx context.Context, limit int) ([]Experience, error)
	Stats(ctx context.Context) ([]IntentStat, error)
}
