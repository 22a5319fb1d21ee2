package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/otherjamesbrown/vcmatrix/pkg/companies"
	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
	"github.com/otherjamesbrown/vcmatrix/pkg/observability"
	"github.com/otherjamesbrown/vcmatrix/pkg/rl"
)

// ExperienceMemory records answered queries and their feedback.
type ExperienceMemory interface {
	SimilarFinder
	Record(ctx context.Context, req rl.RecordRequest) (*rl.Experience, error)
	ApplyFeedback(ctx context.Context, req rl.FeedbackRequest) (*rl.Experience, error)
}

// Config holds the optional collaborators of a Service.
type Config struct {
	Deps Deps
	// Handlers override DefaultHandlers per intent.
	Handlers map[Intent]Handler
	Memory   ExperienceMemory
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
	Logger   logging.Logger
}

// Service answers agent queries.
type Service struct {
	contexts *ContextManager
	store    ConversationStore
	router   *Router
	handlers map[Intent]Handler
	deps     Deps
	memory   ExperienceMemory
	renderer *Renderer
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	logger   logging.Logger
	now      func() time.Time
}

// NewService creates an agent service.
func NewService(store ConversationStore, cs companies.Store, cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if cfg.Deps.Companies == nil {
		cfg.Deps.Companies = cs
	}
	handlers := DefaultHandlers(cfg.Deps)
	for in, h := range cfg.Handlers {
		handlers[in] = h
	}
	var finder SimilarFinder
	if cfg.Memory != nil {
		finder = cfg.Memory
	}
	return &Service{
		contexts: NewContextManager(store, cs, logger),
		store:    store,
		router:   NewRouter(finder, logger),
		handlers: handlers,
		deps:     cfg.Deps,
		memory:   cfg.Memory,
		renderer: NewRenderer(),
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		logger:   logger.With(logging.F("component", "agent_service")),
		now:      time.Now,
	}
}

// Query routes a message to its handler, stores both turns and records the
// exchange as an experience.
func (s *Service) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := s.now()
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, fmt.Errorf("message is required: %w", vcerrors.ErrValidation)
	}
	if len([]rune(message)) > MaxMessageLength {
		return nil, fmt.Errorf("message exceeds %d characters: %w", MaxMessageLength, vcerrors.ErrValidation)
	}

	conv, isNew, err := s.contexts.Load(ctx, req.ConversationID, message)
	if err != nil {
		return nil, err
	}
	ctx, span := s.tracer.StartAgentSpan(ctx, conv.ID.String())
	defer span.End()
	helper := observability.NewSpanHelper(span)

	turn, err := s.contexts.Resolve(ctx, conv, message, req.CompanyID)
	if err != nil {
		helper.SetError(err, vcerrors.Code(err), false)
		return nil, err
	}
	decision := s.router.Route(ctx, message, turn.Entities, conv.State, turn.Company != nil)

	answer, success, err := s.dispatch(ctx, decision.Intent, turn)
	if err != nil {
		helper.SetError(err, vcerrors.Code(err), vcerrors.IsErrorRetryable(err))
		s.logger.Warn("Agent query failed",
			logging.F("conversation_id", conv.ID.String()),
			logging.F("intent", string(decision.Intent)),
			logging.Err(err))
		return nil, err
	}
	s.metrics.RecordIntent(string(decision.Intent))

	html, err := s.renderer.Render(answer.Markdown)
	if err != nil {
		return nil, err
	}

	if isNew {
		if err := s.store.Create(ctx, conv); err != nil {
			return nil, err
		}
	}

	experienceID := s.record(ctx, conv, message, decision.Intent, s.now().Sub(start), success, answer.UsedFallback)
	s.contexts.Remember(turn, decision.Intent, answer.Markdown, experienceID)
	if err := s.store.Save(ctx, conv); err != nil {
		return nil, err
	}
	helper.SetSuccess()

	s.logger.Info("Agent query answered",
		logging.F("conversation_id", conv.ID.String()),
		logging.F("intent", string(decision.Intent)),
		logging.F("confidence", decision.Confidence),
		logging.F("boosted", decision.Boosted),
		logging.F("fallback", answer.UsedFallback),
		logging.F("duration_ms", s.now().Sub(start).Milliseconds()))

	return &QueryResponse{
		ConversationID: conv.ID.String(),
		Intent:         decision.Intent,
		Confidence:     decision.Confidence,
		Markdown:       answer.Markdown,
		HTML:           html,
		Data:           answer.Data,
		ExperienceID:   experienceID,
	}, nil
}

// dispatch runs the handler for intent. Validation and not-found failures
// become a reply explaining the problem. A handler whose dependency is
// unavailable falls back to the general handler.
func (s *Service) dispatch(ctx context.Context, intent Intent, turn *Turn) (*Answer, bool, error) {
	h, ok := s.handlers[intent]
	if !ok {
		h = s.handlers[IntentGeneral]
	}
	answer, err := h.Handle(ctx, turn)
	switch {
	case err == nil:
		return answer, true, nil
	case vcerrors.IsValidation(err) || vcerrors.IsNotFound(err):
		return &Answer{Markdown: replyFor(err)}, false, nil
	case vcerrors.IsUnavailable(err) && intent != IntentGeneral:
		fallback, ferr := s.handlers[IntentGeneral].Handle(ctx, turn)
		if ferr != nil {
			return nil, false, err
		}
		fallback.UsedFallback = true
		return fallback, true, nil
	}
	return nil, false, err
}

// replyFor turns a user-facing error into a sentence, dropping the sentinel
// suffix.
func replyFor(err error) string {
	msg := err.Error()
	for _, sentinel := range []error{vcerrors.ErrValidation, vcerrors.ErrNotFound} {
		msg = strings.TrimSuffix(msg, ": "+sentinel.Error())
	}
	if msg == "" {
		return "Sorry, I couldn't answer that."
	}
	return "Sorry, I couldn't do that: " + msg
}

func (s *Service) record(ctx context.Context, conv *Conversation, query string, intent Intent, latency time.Duration, success, fallback bool) string {
	if s.memory == nil {
		return ""
	}
	exp, err := s.memory.Record(ctx, rl.RecordRequest{
		ConversationID: conv.ID.String(),
		Query:          query,
		Intent:         string(intent),
		Latency:        latency,
		Success:        success,
		UsedFallback:   fallback,
	})
	if err != nil {
		s.logger.Warn("Experience not recorded", logging.Err(err), logging.F("conversation_id", conv.ID.String()))
		return ""
	}
	return exp.ID.String()
}

// Feedback rates an earlier answer and reshapes its reward.
func (s *Service) Feedback(ctx context.Context, req FeedbackRequest) (*rl.Experience, error) {
	if s.memory == nil {
		return nil, fmt.Errorf("experience memory is not configured: %w", vcerrors.ErrUnavailable)
	}
	if req.CorrectedIntent != "" {
		in, err := ParseIntent(req.CorrectedIntent)
		if err != nil {
			return nil, err
		}
		req.CorrectedIntent = string(in)
	}
	return s.memory.ApplyFeedback(ctx, rl.FeedbackRequest{
		ExperienceID:    req.ExperienceID,
		Rating:          req.Rating,
		Correction:      req.Correction,
		CorrectedIntent: req.CorrectedIntent,
	})
}

// Conversation returns a stored conversation.
func (s *Service) Conversation(ctx context.Context, id string) (*Conversation, error) {
	cid, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	return s.store.Get(ctx, cid)
}

// SummarizeCompany writes a one-paragraph summary of c, using the language
// model when one is configured and the recorded metrics otherwise.
func (s *Service) SummarizeCompany(ctx context.Context, c *companies.Company) (string, error) {
	if c == nil {
		return "", fmt.Errorf("company is required: %w", vcerrors.ErrValidation)
	}
	if s.deps.LLM != nil {
		out, err := s.deps.LLM.Complete(ctx, Prompt{
			System: systemPrompt,
			Query: fmt.Sprintf("Write a one-paragraph investment summary of %s from these metrics. No headings.\n\n%s",
				c.Name, table([2]string{"Metric", "Value"}, companyRows(c))),
		})
		if err == nil {
			return out.Text, nil
		}
		if !vcerrors.IsUnavailable(err) {
			return "", err
		}
		s.logger.Debug("LLM unavailable, summarising from metrics", logging.Err(err))
	}
	return MetricsSummary(c), nil
}

// MetricsSummary describes a company in one paragraph from its metrics.
func MetricsSummary(c *companies.Company) string {
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteString(" is a")
	if c.Stage != "" {
		b.WriteString(" " + strings.ReplaceAll(string(c.Stage), "_", " "))
	}
	if c.Sector != "" {
		b.WriteString(" " + c.Sector)
	}
	b.WriteString(" company")

	var facts []string
	if c.CurrentARR != nil {
		f := FormatMoney(*c.CurrentARR, c.Currency) + " ARR"
		if c.RevenueGrowthPct != nil {
			f += " growing " + FormatPercent(*c.RevenueGrowthPct)
		}
		facts = append(facts, f)
	}
	if c.BurnRateMonthly != nil {
		facts = append(facts, FormatMoney(*c.BurnRateMonthly, c.Currency)+" monthly burn")
	}
	if c.RunwayMonths != nil {
		facts = append(facts, formatMonths(*c.RunwayMonths)+" of runway")
	}
	if c.Headcount != nil {
		facts = append(facts, fmt.Sprintf("%d employees", *c.Headcount))
	}
	if len(facts) > 0 {
		b.WriteString(" with ")
		b.WriteString(joinList(facts))
	}
	b.WriteString(".")

	if c.TotalInvested != nil {
		fmt.Fprintf(&b, " We have invested %s", FormatMoney(*c.TotalInvested, c.Currency))
		if c.OwnershipPct != nil {
			fmt.Fprintf(&b, " for %s ownership", FormatPercent(*c.OwnershipPct))
		}
		b.WriteString(".")
	}
	if c.RunwayMonths != nil && *c.RunwayMonths < companies.ShortRunwayMonths {
		b.WriteString(" Runway is short and the company will likely need to raise within a year.")
	}
	return b.String()
}

func joinList(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	}
	return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
}
