// Package agent answers natural-language questions about the portfolio. A
// Router picks an intent for each query, a Handler answers it, and the
// conversation and its remembered context are persisted between turns.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
)

// Intent is what a query asks for.
type Intent string

const (
	IntentValuation        Intent = "valuation"
	IntentCompanyLookup    Intent = "company_lookup"
	IntentPortfolioSummary Intent = "portfolio_summary"
	IntentMatrixUpdate     Intent = "matrix_update"
	IntentDocumentQuery    Intent = "document_query"
	IntentMarketSearch     Intent = "market_search"
	IntentFXConversion     Intent = "fx_conversion"
	IntentCalculation      Intent = "calculation"
	IntentGeneral          Intent = "general"
)

// Intents lists every intent in tie-break order.
var Intents = []Intent{
	IntentMatrixUpdate,
	IntentFXConversion,
	IntentCalculation,
	IntentValuation,
	IntentDocumentQuery,
	IntentPortfolioSummary,
	IntentCompanyLookup,
	IntentMarketSearch,
	IntentGeneral,
}

// ParseIntent validates an intent name.
func ParseIntent(s string) (Intent, error) {
	in := Intent(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Intents {
		if in == known {
			return in, nil
		}
	}
	return "", fmt.Errorf("unknown intent %q: %w", s, vcerrors.ErrValidation)
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// MaxMessages is how many messages a conversation keeps.
const MaxMessages = 20

// MaxMessageLength bounds a user query.
const MaxMessageLength = 4000

// Message is one conversation turn.
type Message struct {
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	Intent       Intent    `json:"intent,omitempty"`
	ExperienceID string    `json:"experience_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CompanyRef names a portfolio company.
type CompanyRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Amount is a money amount mentioned in a query.
type Amount struct {
	Raw      string  `json:"raw"`
	Value    float64 `json:"value"`
	Currency string  `json:"currency"`
}

// Entities are the things a query mentions.
type Entities struct {
	Companies   []CompanyRef `json:"companies,omitempty"`
	Amounts     []Amount     `json:"amounts,omitempty"`
	Percentages []float64    `json:"percentages,omitempty"`
	Tickers     []string     `json:"tickers,omitempty"`
	Years       []int        `json:"years,omitempty"`
}

// State is what a conversation remembers between turns.
type State struct {
	FocusCompany *CompanyRef `json:"focus_company,omitempty"`
	LastIntent   Intent      `json:"last_intent,omitempty"`
	LastEntities Entities    `json:"last_entities"`
}

// Conversation is a persisted agent conversation.
type Conversation struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	State     State     `json:"context"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Append adds messages, keeping only the newest MaxMessages.
func (c *Conversation) Append(msgs ...Message) {
	c.Messages = append(c.Messages, msgs...)
	if n := len(c.Messages); n > MaxMessages {
		c.Messages = append([]Message(nil), c.Messages[n-MaxMessages:]...)
	}
}

// ConversationStore persists conversations.
type ConversationStore interface {
	Create(ctx context.Context, c *Conversation) error
	Get(ctx context.Context, id uuid.UUID) (*Conversation, error)
	// Save replaces the messages and state of an existing conversation.
	Save(ctx context.Context, c *Conversation) error
}

// QueryRequest is one user query.
type QueryRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
	CompanyID      string `json:"company_id,omitempty"`
}

// QueryResponse is the answer to a query.
type QueryResponse struct {
	ConversationID string  `json:"conversation_id"`
	Intent         Intent  `json:"intent"`
	Confidence     float64 `json:"confidence"`
	Markdown       string  `json:"markdown"`
	HTML           string  `json:"html"`
	Data           any     `json:"data,omitempty"`
	ExperienceID   string  `json:"experience_id,omitempty"`
}

// FeedbackRequest rates an answer.
type FeedbackRequest struct {
	ExperienceID    string `json:"experience_id"`
	Rating          int    `json:"rating"`
	Correction      string `json:"correction,omitempty"`
	CorrectedIntent string `json:"corrected_intent,omitempty"`
}

// ParseID parses a conversation id.
func ParseID(id string) (uuid.UUID, error) {
	u, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid conversation id %q: %w", id, vcerrors.ErrValidation)
	}
	return u, nil
}
