package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
	"github.com/otherjamesbrown/vcmatrix/pkg/observability"
)

// LLM defaults.
const (
	DefaultModel     = "claude-sonnet-4-5"
	DefaultMaxTokens = 1024
)

// Prompt is a single completion request.
type Prompt struct {
	System  string
	History []Message
	Query   string
}

// Completion is a model reply.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// LLM completes prompts.
type LLM interface {
	Complete(ctx context.Context, p Prompt) (*Completion, error)
}

// LLMConfig configures an AnthropicLLM.
type LLMConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
	// BaseURL overrides the API endpoint.
	BaseURL    string
	MaxRetries int
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
	Logger     logging.Logger
}

// AnthropicLLM completes prompts with the Anthropic Messages API.
type AnthropicLLM struct {
	client    anthropic.Client
	model     string
	maxTokens int
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	logger    logging.Logger
}

var _ LLM = (*AnthropicLLM)(nil)

// NewAnthropicLLM creates an Anthropic-backed LLM. It returns nil when no
// API key is configured so callers can treat the LLM as absent.
func NewAnthropicLLM(cfg LLMConfig) *AnthropicLLM {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNopLogger()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicLLM{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		logger:    cfg.Logger.With(logging.F("component", "llm"), logging.F("model", cfg.Model)),
	}
}

// Complete sends p as one Messages API call. A nil AnthropicLLM reports
// ErrUnavailable.
func (l *AnthropicLLM) Complete(ctx context.Context, p Prompt) (*Completion, error) {
	if l == nil {
		return nil, fmt.Errorf("the language model is not configured: %w", vcerrors.ErrUnavailable)
	}
	ctx, span := l.tracer.StartLLMSpan(ctx, l.model)
	defer span.End()
	helper := observability.NewSpanHelper(span)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(l.model),
		MaxTokens: int64(l.maxTokens),
		Messages:  buildMessages(p.History, p.Query),
	}
	if p.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: p.System}}
	}

	start := time.Now()
	resp, err := l.client.Messages.New(ctx, params)
	if err != nil {
		err = classifyLLMError(err)
		helper.SetError(err, vcerrors.Code(err), vcerrors.IsErrorRetryable(err))
		l.logger.Warn("LLM request failed", logging.Err(err))
		return nil, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if t, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(t.Text)
		}
	}
	out := &Completion{
		Text:         strings.TrimSpace(text.String()),
		Model:        string(resp.Model),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	l.metrics.ObserveLLM(l.model, out.InputTokens, out.OutputTokens, time.Since(start))
	if out.Text == "" {
		err := fmt.Errorf("empty response from %s: %w", l.model, vcerrors.ErrUnavailable)
		helper.SetError(err, vcerrors.Code(err), false)
		return nil, err
	}
	helper.SetSuccess()
	l.logger.Debug("LLM completion",
		logging.F("input_tokens", out.InputTokens),
		logging.F("output_tokens", out.OutputTokens))
	return out, nil
}

// buildMessages turns history plus the query into alternating user and
// assistant turns starting with the user, merging consecutive same-role
// messages.
func buildMessages(history []Message, query string) []anthropic.MessageParam {
	type turn struct {
		role string
		text []string
	}
	var turns []turn
	add := func(role, text string) {
		if strings.TrimSpace(text) == "" {
			return
		}
		if n := len(turns); n > 0 && turns[n-1].role == role {
			turns[n-1].text = append(turns[n-1].text, text)
			return
		}
		if len(turns) == 0 && role != RoleUser {
			return
		}
		turns = append(turns, turn{role: role, text: []string{text}})
	}
	for _, m := range history {
		add(m.Role, m.Content)
	}
	add(RoleUser, query)

	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		block := anthropic.NewTextBlock(strings.Join(t.text, "\n\n"))
		if t.role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}

// classifyLLMError maps API failures onto the error taxonomy: bad requests
// are validation errors, everything else means the model is unavailable.
func classifyLLMError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 400 {
			return fmt.Errorf("llm rejected the request (status %d): %w", apiErr.StatusCode, vcerrors.ErrValidation)
		}
		return fmt.Errorf("llm unavailable (status %d): %w", apiErr.StatusCode, vcerrors.ErrUnavailable)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("llm request failed: %v: %w", err, vcerrors.ErrUnavailable)
}
