package agent

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/vcmatrix/pkg/companies"
	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
)

const titleLength = 60

// Turn is a query resolved against its conversation.
type Turn struct {
	Query        string
	Conversation *Conversation
	Entities     Entities
	// Company is the company the turn is about: the explicit company id,
	// else the first company named, else the conversation's focus.
	Company *companies.Company
	// Portfolio is every company, for handlers that need to name them.
	Portfolio []CompanyRef
}

// ContextManager loads conversations and resolves what each query refers to.
type ContextManager struct {
	store     ConversationStore
	companies companies.Store
	logger    logging.Logger
	now       func() time.Time
}

// NewContextManager creates a ContextManager.
func NewContextManager(store ConversationStore, cs companies.Store, logger logging.Logger) *ContextManager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &ContextManager{
		store:     store,
		companies: cs,
		logger:    logger.With(logging.F("component", "agent_context")),
		now:       time.Now,
	}
}

// Load returns the conversation with id, or a new unsaved conversation when
// id is empty. The bool reports whether the conversation is new.
func (m *ContextManager) Load(ctx context.Context, id, firstMessage string) (*Conversation, bool, error) {
	if strings.TrimSpace(id) == "" {
		now := m.now().UTC()
		return &Conversation{
			ID:        uuid.New(),
			Title:     Title(firstMessage),
			CreatedAt: now,
			UpdatedAt: now,
		}, true, nil
	}
	cid, err := ParseID(id)
	if err != nil {
		return nil, false, err
	}
	conv, err := m.store.Get(ctx, cid)
	if err != nil {
		return nil, false, err
	}
	return conv, false, nil
}

// Resolve extracts entities from query and works out which company it is
// about. A focus company that no longer exists is dropped.
func (m *ContextManager) Resolve(ctx context.Context, conv *Conversation, query, companyID string) (*Turn, error) {
	all, err := companies.ListAll(ctx, m.companies, companies.Filter{})
	if err != nil {
		return nil, fmt.Errorf("failed to load portfolio: %w", err)
	}
	portfolio := make([]CompanyRef, 0, len(all))
	byID := make(map[string]*companies.Company, len(all))
	for _, c := range all {
		ref := CompanyRef{ID: c.ID.String(), Name: c.Name}
		portfolio = append(portfolio, ref)
		byID[ref.ID] = c
	}

	turn := &Turn{
		Query:        query,
		Conversation: conv,
		Entities:     ExtractEntities(query, portfolio),
		Portfolio:    portfolio,
	}

	switch {
	case strings.TrimSpace(companyID) != "":
		id, err := companies.ParseID(companyID)
		if err != nil {
			return nil, err
		}
		c, ok := byID[id.String()]
		if !ok {
			return nil, fmt.Errorf("company %s: %w", companyID, vcerrors.ErrNotFound)
		}
		turn.Company = c
	case len(turn.Entities.Companies) > 0:
		turn.Company = byID[turn.Entities.Companies[0].ID]
	case conv.State.FocusCompany != nil:
		if c, ok := byID[conv.State.FocusCompany.ID]; ok {
			turn.Company = c
		} else {
			m.logger.Debug("Focus company no longer exists",
				logging.F("conversation_id", conv.ID.String()),
				logging.F("company_id", conv.State.FocusCompany.ID))
			conv.State.FocusCompany = nil
		}
	}
	return turn, nil
}

// Remember stores the turn and its answer on the conversation and updates
// the state carried to the next turn.
func (m *ContextManager) Remember(turn *Turn, intent Intent, answer string, experienceID string) {
	conv := turn.Conversation
	now := m.now().UTC()
	conv.Append(
		Message{Role: RoleUser, Content: turn.Query, Intent: intent, CreatedAt: now},
		Message{Role: RoleAssistant, Content: answer, Intent: intent, ExperienceID: experienceID, CreatedAt: now},
	)
	if turn.Company != nil {
		conv.State.FocusCompany = &CompanyRef{ID: turn.Company.ID.String(), Name: turn.Company.Name}
	}
	conv.State.LastIntent = intent
	conv.State.LastEntities = turn.Entities
	conv.UpdatedAt = now
}

// Title derives a conversation title from its first message.
func Title(message string) string {
	s := strings.Join(strings.Fields(message), " ")
	if utf8.RuneCountInString(s) <= titleLength {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:titleLength])) + "…"
}
