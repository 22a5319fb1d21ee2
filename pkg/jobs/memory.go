package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue with the same delivery semantics as
// RedisQueue. Messages are lost when the process exits.
type MemoryQueue struct {
	mu         sync.Mutex
	name       string
	config     QueueConfig
	messages   map[string]*QueuedMessage
	ready      []string
	delayed    map[string]time.Time
	processing map[string]time.Time
	dead       []DeadLetter
	closed     bool
	notify     chan struct{}
	now        func() time.Time
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(config QueueConfig) *MemoryQueue {
	return &MemoryQueue{
		name:       config.Name,
		config:     config,
		messages:   make(map[string]*QueuedMessage),
		delayed:    make(map[string]time.Time),
		processing: make(map[string]time.Time),
		notify:     make(chan struct{}, 1),
		now:        time.Now,
	}
}

// Name returns the queue name.
func (q *MemoryQueue) Name() string { return q.name }

// Enqueue adds a message to the queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message) (string, error) {
	ids, err := q.EnqueueBatch(ctx, []Message{msg})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// EnqueueBatch adds multiple messages to the queue.
func (q *MemoryQueue) EnqueueBatch(_ context.Context, msgs []Message) ([]string, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	now := q.now()
	built := make([]*QueuedMessage, 0, len(msgs))
	for _, msg := range msgs {
		qm, err := newQueuedMessage(uuid.New().String(), msg, now)
		if err != nil {
			return nil, err
		}
		built = append(built, qm)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	ids := make([]string, 0, len(built))
	for _, qm := range built {
		q.messages[qm.ID] = qm
		q.pushReady(qm.ID)
		ids = append(ids, qm.ID)
	}
	q.mu.Unlock()

	q.wake()
	return ids, nil
}

// pushReady inserts id keeping ready ordered by priority desc, then age.
// Caller holds mu.
func (q *MemoryQueue) pushReady(id string) {
	q.ready = append(q.ready, id)
	sort.SliceStable(q.ready, func(i, j int) bool {
		a, b := q.messages[q.ready[i]], q.messages[q.ready[j]]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	})
}

func (q *MemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// promoteDelayed moves due delayed messages back to ready. Caller holds mu.
func (q *MemoryQueue) promoteDelayed(now time.Time) {
	for id, at := range q.delayed {
		if !at.After(now) {
			delete(q.delayed, id)
			q.pushReady(id)
		}
	}
}

// Dequeue retrieves up to maxMessages, waiting at most timeout for the first.
func (q *MemoryQueue) Dequeue(ctx context.Context, maxMessages int, timeout time.Duration) ([]*QueuedMessage, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	deadline := q.now().Add(timeout)

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		now := q.now()
		q.promoteDelayed(now)

		var out []*QueuedMessage
		for len(out) < maxMessages && len(q.ready) > 0 {
			id := q.ready[0]
			q.ready = q.ready[1:]
			qm := q.messages[id]
			qm.VisibleAfter = now.Add(q.config.VisibilityTimeout)
			q.processing[id] = qm.VisibleAfter
			cp := *qm
			out = append(out, &cp)
		}
		q.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		if wait > 50*time.Millisecond {
			wait = 50 * time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Ack acknowledges successful processing of a message.
func (q *MemoryQueue) Ack(_ context.Context, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.messages[messageID]; !ok {
		return ErrMessageNotFound
	}
	delete(q.processing, messageID)
	delete(q.messages, messageID)
	return nil
}

// Nack schedules the message for redelivery after a backoff.
func (q *MemoryQueue) Nack(_ context.Context, messageID string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	qm, ok := q.messages[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	delete(q.processing, messageID)
	qm.RetryCount++
	qm.LastError = reason
	if qm.RetryCount >= q.config.MaxRetries {
		q.deadLetter(qm, "max retries exceeded: "+reason)
		return nil
	}
	qm.VisibleAfter = q.now().Add(q.config.calculateBackoff(qm.RetryCount))
	q.delayed[messageID] = qm.VisibleAfter
	return nil
}

// MoveToDeadLetter moves a message to the dead letter queue.
func (q *MemoryQueue) MoveToDeadLetter(_ context.Context, messageID string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	qm, ok := q.messages[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	q.deadLetter(qm, reason)
	return nil
}

// deadLetter removes qm from every set and records it. Caller holds mu.
func (q *MemoryQueue) deadLetter(qm *QueuedMessage, reason string) {
	delete(q.processing, qm.ID)
	delete(q.delayed, qm.ID)
	delete(q.messages, qm.ID)
	for i, id := range q.ready {
		if id == qm.ID {
			q.ready = append(q.ready[:i], q.ready[i+1:]...)
			break
		}
	}
	cp := *qm
	q.dead = append(q.dead, DeadLetter{Message: &cp, Reason: reason, MovedAt: q.now(), QueueName: q.name})
}

// DeadLetters returns the newest dead-lettered messages first.
func (q *MemoryQueue) DeadLetters(_ context.Context, limit int) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	out := make([]DeadLetter, 0, limit)
	for i := len(q.dead) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, q.dead[i])
	}
	return out, nil
}

// RecoverStaleMessages requeues messages whose visibility timeout expired.
func (q *MemoryQueue) RecoverStaleMessages(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	recovered := 0
	for id, deadline := range q.processing {
		if deadline.After(now) {
			continue
		}
		delete(q.processing, id)
		qm := q.messages[id]
		qm.RetryCount++
		recovered++
		if qm.RetryCount >= q.config.MaxRetries {
			q.deadLetter(qm, "visibility timeout exceeded")
			continue
		}
		q.pushReady(id)
	}
	if recovered > 0 {
		q.wake()
	}
	return recovered, nil
}

// Depth returns the number of ready and delayed messages.
func (q *MemoryQueue) Depth(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ready) + len(q.delayed)), nil
}

// Close stops the queue; pending Dequeue calls return ErrQueueClosed.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
