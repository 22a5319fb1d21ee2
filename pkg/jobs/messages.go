// Package jobs provides the durable job queue and worker pools that run
// batch valuations and document processing outside the request path.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Priority levels for queue messages.
type Priority int

const (
	PriorityLow    Priority = 0 // Backfill, reprocessing
	PriorityNormal Priority = 1 // Batch submissions
	PriorityHigh   Priority = 2 // Interactive uploads
)

// MessageType identifies the type of queue message.
type MessageType string

const (
	MessageTypeValuationBatch  MessageType = "valuation_batch"
	MessageTypeDocumentProcess MessageType = "document_process"
)

// Queue names.
const (
	QueueValuationBatch = "valuation:batch"
	QueueDocuments      = "documents:process"
)

// Message is the base interface for all queue messages.
type Message interface {
	// GetMessageType returns the message type.
	GetMessageType() MessageType
	// GetPriority returns the message priority.
	GetPriority() Priority
	// GetJobID returns the id of the row the message drives.
	GetJobID() string
}

// ValuationJobMessage asks a worker to run a batch valuation job.
type ValuationJobMessage struct {
	JobID        string            `json:"job_id"`
	Method       string            `json:"method"`
	CompanyIDs   []string          `json:"company_ids"`
	Apply        bool              `json:"apply"`
	Priority     Priority          `json:"priority"`
	SubmittedAt  time.Time         `json:"submitted_at"`
	TraceContext map[string]string `json:"trace_context,omitempty"`
}

func (m *ValuationJobMessage) GetMessageType() MessageType { return MessageTypeValuationBatch }
func (m *ValuationJobMessage) GetPriority() Priority       { return m.Priority }
func (m *ValuationJobMessage) GetJobID() string            { return m.JobID }

// DocumentProcessMessage asks a worker to classify and extract an uploaded document.
type DocumentProcessMessage struct {
	DocumentID   string            `json:"document_id"`
	CompanyID    string            `json:"company_id,omitempty"`
	ApplyMetrics bool              `json:"apply_metrics"`
	Priority     Priority          `json:"priority"`
	QueuedAt     time.Time         `json:"queued_at"`
	TraceContext map[string]string `json:"trace_context,omitempty"`
}

func (m *DocumentProcessMessage) GetMessageType() MessageType { return MessageTypeDocumentProcess }
func (m *DocumentProcessMessage) GetPriority() Priority       { return m.Priority }
func (m *DocumentProcessMessage) GetJobID() string            { return m.DocumentID }

// QueuedMessage wraps a message with queue metadata.
type QueuedMessage struct {
	ID           string          `json:"id"`
	Message      json.RawMessage `json:"message"`
	MessageType  MessageType     `json:"message_type"`
	Priority     Priority        `json:"priority"`
	RetryCount   int             `json:"retry_count"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	VisibleAfter time.Time       `json:"visible_after,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
}

// ParseMessage parses the raw message based on message type.
func (qm *QueuedMessage) ParseMessage() (Message, error) {
	switch qm.MessageType {
	case MessageTypeValuationBatch:
		var msg ValuationJobMessage
		if err := json.Unmarshal(qm.Message, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return &msg, nil
	case MessageTypeDocumentProcess:
		var msg DocumentProcessMessage
		if err := json.Unmarshal(qm.Message, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return &msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, qm.MessageType)
	}
}

// newQueuedMessage serializes msg into a fresh envelope.
func newQueuedMessage(id string, msg Message, now time.Time) (*QueuedMessage, error) {
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return &QueuedMessage{
		ID:          id,
		Message:     msgBytes,
		MessageType: msg.GetMessageType(),
		Priority:    msg.GetPriority(),
		EnqueuedAt:  now,
	}, nil
}

// DeadLetter is a message that exhausted its retries or failed permanently.
type DeadLetter struct {
	Message   *QueuedMessage `json:"message"`
	Reason    string         `json:"reason"`
	MovedAt   time.Time      `json:"moved_at"`
	QueueName string         `json:"queue_name"`
}

// Queue defines the interface for a message queue.
type Queue interface {
	// Name returns the queue name.
	Name() string

	// Enqueue adds a message to the queue and returns its id.
	Enqueue(ctx context.Context, msg Message) (string, error)

	// EnqueueBatch adds multiple messages to the queue.
	EnqueueBatch(ctx context.Context, msgs []Message) ([]string, error)

	// Dequeue retrieves up to maxMessages, waiting at most timeout for the first.
	Dequeue(ctx context.Context, maxMessages int, timeout time.Duration) ([]*QueuedMessage, error)

	// Ack acknowledges successful processing of a message.
	Ack(ctx context.Context, messageID string) error

	// Nack indicates processing failure; the message is retried after a backoff
	// or dead-lettered once MaxRetries is reached.
	Nack(ctx context.Context, messageID string, reason string) error

	// MoveToDeadLetter moves a message to the dead letter queue.
	MoveToDeadLetter(ctx context.Context, messageID string, reason string) error

	// DeadLetters returns the newest dead-lettered messages.
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)

	// RecoverStaleMessages requeues messages whose visibility timeout expired.
	RecoverStaleMessages(ctx context.Context) (int, error)

	// Depth returns the number of messages waiting to be delivered.
	Depth(ctx context.Context) (int64, error)

	// Close releases the queue.
	Close() error
}

// QueueConfig configures queue behavior.
type QueueConfig struct {
	Name              string        `yaml:"name"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetentionPeriod   time.Duration `yaml:"retention_period"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
}

// DefaultQueueConfig returns the configuration used for a named queue.
func DefaultQueueConfig(name string, visibility time.Duration) QueueConfig {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return QueueConfig{
		Name:              name,
		VisibilityTimeout: visibility,
		MaxRetries:        3,
		RetentionPeriod:   7 * 24 * time.Hour,
		InitialBackoff:    time.Second,
		MaxBackoff:        5 * time.Minute,
	}
}

// calculateBackoff returns the delay before retry n: initial, doubling, capped.
func (c QueueConfig) calculateBackoff(retryCount int) time.Duration {
	backoff := c.InitialBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	maxBackoff := c.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Minute
	}
	for i := 1; i < retryCount; i++ {
		backoff *= 2
		if backoff >= maxBackoff {
			return maxBackoff
		}
	}
	if backoff > maxBackoff {
		return maxBackoff
	}
	return backoff
}

// Verify interface compliance
var (
	_ Message = (*ValuationJobMessage)(nil)
	_ Message = (*DocumentProcessMessage)(nil)
)
