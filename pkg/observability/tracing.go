package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name used for all spans.
const TracerName = "vcmatrix"

// Span attribute keys
const (
	AttrHTTPMethod   = "http.method"
	AttrHTTPRoute    = "http.route"
	AttrHTTPStatus   = "http.status_code"
	AttrRequestID    = "request_id"
	AttrCompanyID    = "company_id"
	AttrDocumentID   = "document_id"
	AttrJobID        = "job_id"
	AttrQueue        = "queue"
	AttrMessageType  = "message_type"
	AttrMethod       = "valuation.method"
	AttrActionID     = "action_id"
	AttrDryRun       = "dry_run"
	AttrIntent       = "intent"
	AttrModel        = "model"
	AttrInputTokens  = "input_tokens"
	AttrOutputTokens = "output_tokens"
	AttrDurationMs   = "duration_ms"
	AttrErrorType    = "error_type"
	AttrRetryable    = "retryable"
)

// Span names
const (
	SpanHTTPRequest     = "http.request"
	SpanValuation       = "valuation.run"
	SpanCellAction      = "matrix.cell_action"
	SpanCellUpdate      = "matrix.cell_update"
	SpanDocumentProcess = "documents.process"
	SpanAgentQuery      = "agent.query"
	SpanLLMCall         = "agent.llm_call"
	SpanJob             = "jobs.handle"
)

// Tracer starts spans for the service's units of work.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer from the global otel provider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(TracerName),
	}
}

func (t *Tracer) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		// A no-op span, so callers ending it never end the caller's span.
		return ctx, trace.SpanFromContext(context.Background())
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartHTTPSpan starts a server span for a request matched to route.
func (t *Tracer) StartHTTPSpan(ctx context.Context, method, route string) (context.Context, trace.Span) {
	ctx, span := t.start(ctx, SpanHTTPRequest,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPRoute, route),
	)
	return ctx, span
}

// StartValuationSpan starts a span for one valuation calculation.
func (t *Tracer) StartValuationSpan(ctx context.Context, method, companyID string) (context.Context, trace.Span) {
	ctx, span := t.start(ctx, SpanValuation, attribute.String(AttrMethod, method))
	if companyID != "" {
		span.SetAttributes(attribute.String(AttrCompanyID, companyID))
	}
	return ctx, span
}

// StartCellActionSpan starts a span for a cell action execution.
func (t *Tracer) StartCellActionSpan(ctx context.Context, actionID, companyID string, dryRun bool) (context.Context, trace.Span) {
	return t.start(ctx, SpanCellAction,
		attribute.String(AttrActionID, actionID),
		attribute.String(AttrCompanyID, companyID),
		attribute.Bool(AttrDryRun, dryRun),
	)
}

// StartCellUpdateSpan starts a span for a matrix cell write.
func (t *Tracer) StartCellUpdateSpan(ctx context.Context, companyID, column string) (context.Context, trace.Span) {
	return t.start(ctx, SpanCellUpdate,
		attribute.String(AttrCompanyID, companyID),
		attribute.String("column", column),
	)
}

// StartDocumentSpan starts a span for processing an uploaded document.
func (t *Tracer) StartDocumentSpan(ctx context.Context, documentID string) (context.Context, trace.Span) {
	return t.start(ctx, SpanDocumentProcess, attribute.String(AttrDocumentID, documentID))
}

// StartAgentSpan starts a span for an agent query.
func (t *Tracer) StartAgentSpan(ctx context.Context, conversationID string) (context.Context, trace.Span) {
	return t.start(ctx, SpanAgentQuery, attribute.String("conversation_id", conversationID))
}

// StartLLMSpan starts a span for an LLM call.
func (t *Tracer) StartLLMSpan(ctx context.Context, model string) (context.Context, trace.Span) {
	return t.start(ctx, SpanLLMCall, attribute.String(AttrModel, model))
}

// StartJobSpan starts a span for a worker handling a queue message.
func (t *Tracer) StartJobSpan(ctx context.Context, queue, messageType, jobID string) (context.Context, trace.Span) {
	return t.start(ctx, SpanJob,
		attribute.String(AttrQueue, queue),
		attribute.String(AttrMessageType, messageType),
		attribute.String(AttrJobID, jobID),
	)
}

// SpanHelper provides convenient methods for working with a span.
type SpanHelper struct {
	span trace.Span
}

// NewSpanHelper creates a new span helper for the given span.
func NewSpanHelper(span trace.Span) *SpanHelper {
	return &SpanHelper{span: span}
}

// SetHTTPStatus sets the response status and marks 5xx responses as errors.
func (h *SpanHelper) SetHTTPStatus(status int) {
	h.span.SetAttributes(attribute.Int(AttrHTTPStatus, status))
	if status >= 500 {
		h.span.SetStatus(codes.Error, "server error")
	}
}

// SetIntent sets the routed agent intent.
func (h *SpanHelper) SetIntent(intent string, confidence float64) {
	h.span.SetAttributes(
		attribute.String(AttrIntent, intent),
		attribute.Float64("intent.confidence", confidence),
	)
}

// SetLLMResult sets LLM result attributes.
func (h *SpanHelper) SetLLMResult(inputTokens, outputTokens int64, latencyMs int64) {
	h.span.SetAttributes(
		attribute.Int64(AttrInputTokens, inputTokens),
		attribute.Int64(AttrOutputTokens, outputTokens),
		attribute.Int64(AttrDurationMs, latencyMs),
	)
}

// SetDuration sets the duration attribute.
func (h *SpanHelper) SetDuration(durationMs int64) {
	h.span.SetAttributes(attribute.Int64(AttrDurationMs, durationMs))
}

// SetError records an error on the span.
func (h *SpanHelper) SetError(err error, errorType string, retryable bool) {
	h.span.SetStatus(codes.Error, err.Error())
	h.span.SetAttributes(
		attribute.String(AttrErrorType, errorType),
		attribute.Bool(AttrRetryable, retryable),
	)
	h.span.RecordError(err)
}

// SetSuccess marks the span as successful.
func (h *SpanHelper) SetSuccess() {
	h.span.SetStatus(codes.Ok, "")
}

// AddEvent adds an event to the span.
func (h *SpanHelper) AddEvent(name string, attrs ...attribute.KeyValue) {
	h.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// GetTraceID returns the trace ID from the context.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}

// GetSpanID returns the span ID from the context.
func GetSpanID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasSpanID() {
		return span.SpanContext().SpanID().String()
	}
	return ""
}

// InjectTraceContext returns the trace identifiers to carry on queue messages.
func InjectTraceContext(ctx context.Context) map[string]string {
	headers := make(map[string]string)
	if traceID := GetTraceID(ctx); traceID != "" {
		headers["trace_id"] = traceID
	}
	if spanID := GetSpanID(ctx); spanID != "" {
		headers["span_id"] = spanID
	}
	return headers
}
