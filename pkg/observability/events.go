// Package observability provides metrics, tracing and the Redis event feed
// that the web UI subscribes to.
package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
)

// Event channels for Redis pub/sub
const (
	ChannelValuationJobProgress  = "events.valuation_job.progress"
	ChannelValuationJobCompleted = "events.valuation_job.completed"
	ChannelDocumentProcessed     = "events.document.processed"
	ChannelMatrixCellUpdated     = "events.matrix.cell_updated"
)

// EventSource identifies this service in published events.
const EventSource = "vcmatrix"

// BaseEvent contains fields common to all events.
type BaseEvent struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	TraceID       string    `json:"trace_id,omitempty"`
	Source        string    `json:"source"`
	Version       string    `json:"version"`
}

// NewBaseEvent creates a base event of the given type.
func NewBaseEvent(ctx context.Context, eventType string) BaseEvent {
	return BaseEvent{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		Timestamp:     time.Now().UTC(),
		CorrelationID: logging.RequestIDFromContext(ctx),
		TraceID:       GetTraceID(ctx),
		Source:        EventSource,
		Version:       "1.0",
	}
}

// ValuationJobProgressEvent is published after each company in a batch job.
type ValuationJobProgressEvent struct {
	BaseEvent
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
	Total       int    `json:"total"`
	Processed   int    `json:"processed"`
	Succeeded   int    `json:"succeeded"`
	Failed      int    `json:"failed"`
	LastCompany string `json:"last_company_id,omitempty"`
}

// ValuationJobCompletedEvent is published when a batch job reaches a final state.
type ValuationJobCompletedEvent struct {
	BaseEvent
	JobID           string    `json:"job_id"`
	Method          string    `json:"method"`
	FinalStatus     string    `json:"final_status"`
	Total           int       `json:"total"`
	Succeeded       int       `json:"succeeded"`
	Failed          int       `json:"failed"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// DocumentProcessedEvent is published when document processing finishes.
type DocumentProcessedEvent struct {
	BaseEvent
	DocumentID     string   `json:"document_id"`
	CompanyID      string   `json:"company_id,omitempty"`
	DocumentType   string   `json:"document_type"`
	Status         string   `json:"status"`
	TextExtracted  bool     `json:"text_extracted"`
	MetricsFound   []string `json:"metrics_found,omitempty"`
	MetricsApplied int      `json:"metrics_applied"`
	Error          string   `json:"error,omitempty"`
}

// CellUpdatedEvent is published for every matrix cell write.
type CellUpdatedEvent struct {
	BaseEvent
	CompanyID  string `json:"company_id"`
	ColumnKey  string `json:"column_key"`
	EditID     string `json:"edit_id"`
	OldValue   any    `json:"old_value"`
	NewValue   any    `json:"new_value"`
	EditSource string `json:"edit_source"`
	EditedBy   string `json:"edited_by,omitempty"`
}

// Publisher publishes events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, channel string, event any) error
}

// RedisPublisher publishes JSON events on Redis pub/sub channels.
type RedisPublisher struct {
	client *redis.Client
	logger logging.Logger
}

// NewRedisPublisher creates a new event publisher.
func NewRedisPublisher(client *redis.Client, logger logging.Logger) *RedisPublisher {
	return &RedisPublisher{
		client: client,
		logger: logger.With(logging.F("component", "event_publisher")),
	}
}

// Publish serializes and publishes an event to Redis.
func (p *RedisPublisher) Publish(ctx context.Context, channel string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		p.logger.Error("Failed to publish event",
			logging.Err(err),
			logging.F("channel", channel))
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}

	p.logger.Debug("Published event",
		logging.F("channel", channel),
		logging.F("size_bytes", len(data)))
	return nil
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, string, any) error { return nil }

// PublishedEvent is an event captured by MemoryPublisher.
type PublishedEvent struct {
	Channel string
	Payload json.RawMessage
}

// MemoryPublisher records events in memory. Used in tests and single-process mode.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []PublishedEvent
}

// NewMemoryPublisher creates an empty memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish implements Publisher.
func (p *MemoryPublisher) Publish(_ context.Context, channel string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	p.mu.Lock()
	p.events = append(p.events, PublishedEvent{Channel: channel, Payload: data})
	p.mu.Unlock()
	return nil
}

// Events returns the published events on channel, or all events when channel is empty.
func (p *MemoryPublisher) Events(channel string) []PublishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []PublishedEvent
	for _, e := range p.events {
		if channel == "" || e.Channel == channel {
			out = append(out, e)
		}
	}
	return out
}

// PublishBestEffort publishes an event and logs, rather than returns, failures.
// Event delivery never fails the operation that produced it.
func PublishBestEffort(ctx context.Context, p Publisher, logger logging.Logger, channel string, event any) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, channel, event); err != nil && logger != nil {
		logger.Warn("Event not delivered", logging.Err(err), logging.F("channel", channel))
	}
}
