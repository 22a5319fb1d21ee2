package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis key prefixes
const (
	keyPrefixQueue      = "vcm:queue:"      // Ready messages (sorted set by priority, then age)
	keyPrefixDelayed    = "vcm:delayed:"    // Nacked messages waiting out their backoff
	keyPrefixProcessing = "vcm:processing:" // Messages being processed, scored by visibility deadline
	keyPrefixMessage    = "vcm:msg:"        // Message data
	keyPrefixDLQ        = "vcm:dlq:"        // Dead letter queue
)

// priorityWeight separates priority bands in the ready set score. Unix
// milliseconds stay below it for the next few centuries.
const priorityWeight = 1e13

// readyScore orders messages so ZPOPMAX returns the highest priority first
// and, within a priority, the oldest message first.
func readyScore(p Priority, enqueuedAt time.Time) float64 {
	return float64(p)*priorityWeight - float64(enqueuedAt.UnixMilli())
}

// RedisQueue implements Queue using Redis sorted sets.
type RedisQueue struct {
	client *redis.Client
	name   string
	config QueueConfig
	now    func() time.Time
}

// NewRedisQueue creates a new Redis-backed queue.
func NewRedisQueue(client *redis.Client, config QueueConfig) *RedisQueue {
	return &RedisQueue{
		client: client,
		name:   config.Name,
		config: config,
		now:    time.Now,
	}
}

func (q *RedisQueue) queueKey() string      { return keyPrefixQueue + q.name }
func (q *RedisQueue) delayedKey() string    { return keyPrefixDelayed + q.name }
func (q *RedisQueue) processingKey() string { return keyPrefixProcessing + q.name }
func (q *RedisQueue) dlqKey() string        { return keyPrefixDLQ + q.name }
func (q *RedisQueue) msgKey(id string) string {
	return keyPrefixMessage + q.name + ":" + id
}

// Name returns the queue name.
func (q *RedisQueue) Name() string {
	return q.name
}

// Enqueue adds a message to the queue.
func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) (string, error) {
	ids, err := q.EnqueueBatch(ctx, []Message{msg})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// EnqueueBatch adds multiple messages to the queue in one transaction.
func (q *RedisQueue) EnqueueBatch(ctx context.Context, msgs []Message) ([]string, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	now := q.now()
	ids := make([]string, 0, len(msgs))

	for _, msg := range msgs {
		qm, err := newQueuedMessage(uuid.New().String(), msg, now)
		if err != nil {
			return nil, err
		}
		qmBytes, err := json.Marshal(qm)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal queued message: %w", err)
		}

		pipe.Set(ctx, q.msgKey(qm.ID), qmBytes, q.config.RetentionPeriod)
		pipe.ZAdd(ctx, q.queueKey(), redis.Z{Score: readyScore(qm.Priority, now), Member: qm.ID})
		ids = append(ids, qm.ID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue batch: %w", err)
	}
	return ids, nil
}

// Dequeue retrieves messages from the queue.
func (q *RedisQueue) Dequeue(ctx context.Context, maxMessages int, timeout time.Duration) ([]*QueuedMessage, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}

	deadline := q.now().Add(timeout)
	var messages []*QueuedMessage

	for len(messages) < maxMessages {
		if err := q.promoteDelayed(ctx); err != nil {
			return messages, err
		}

		result, err := q.client.ZPopMax(ctx, q.queueKey(), 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return messages, fmt.Errorf("failed to pop from queue: %w", err)
		}
		if len(result) == 0 {
			if len(messages) > 0 || !q.now().Before(deadline) {
				return messages, nil
			}
			select {
			case <-time.After(100 * time.Millisecond):
				continue
			case <-ctx.Done():
				return messages, ctx.Err()
			}
		}

		messageID, _ := result[0].Member.(string)
		qm, err := q.load(ctx, messageID)
		if errors.Is(err, ErrMessageNotFound) {
			// Message data expired, skip
			continue
		}
		if err != nil {
			return messages, err
		}

		qm.VisibleAfter = q.now().Add(q.config.VisibilityTimeout)
		updated, err := json.Marshal(qm)
		if err != nil {
			return messages, fmt.Errorf("failed to marshal message: %w", err)
		}

		pipe := q.client.TxPipeline()
		pipe.Set(ctx, q.msgKey(messageID), updated, q.config.RetentionPeriod)
		pipe.ZAdd(ctx, q.processingKey(), redis.Z{
			Score:  float64(qm.VisibleAfter.UnixMilli()),
			Member: messageID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return messages, fmt.Errorf("failed to move to processing: %w", err)
		}

		messages = append(messages, qm)
	}

	return messages, nil
}

// promoteDelayed moves nacked messages whose backoff has elapsed back to the ready set.
func (q *RedisQueue) promoteDelayed(ctx context.Context) error {
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read delayed messages: %w", err)
	}

	for _, id := range due {
		// Only the caller that removes the entry requeues it.
		removed, err := q.client.ZRem(ctx, q.delayedKey(), id).Result()
		if err != nil || removed == 0 {
			continue
		}
		qm, err := q.load(ctx, id)
		if err != nil {
			continue
		}
		q.client.ZAdd(ctx, q.queueKey(), redis.Z{Score: readyScore(qm.Priority, qm.EnqueuedAt), Member: id})
	}
	return nil
}

func (q *RedisQueue) load(ctx context.Context, messageID string) (*QueuedMessage, error) {
	data, err := q.client.Get(ctx, q.msgKey(messageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	var qm QueuedMessage
	if err := json.Unmarshal(data, &qm); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &qm, nil
}

// Ack acknowledges successful processing of a message.
func (q *RedisQueue) Ack(ctx context.Context, messageID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), messageID)
	pipe.Del(ctx, q.msgKey(messageID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// Nack indicates processing failure, message will be retried.
func (q *RedisQueue) Nack(ctx context.Context, messageID string, reason string) error {
	qm, err := q.load(ctx, messageID)
	if err != nil {
		return err
	}

	qm.RetryCount++
	qm.LastError = reason
	if qm.RetryCount >= q.config.MaxRetries {
		return q.moveToDeadLetter(ctx, qm, "max retries exceeded: "+reason)
	}

	qm.VisibleAfter = q.now().Add(q.config.calculateBackoff(qm.RetryCount))
	updated, err := json.Marshal(qm)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), messageID)
	pipe.Set(ctx, q.msgKey(messageID), updated, q.config.RetentionPeriod)
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(qm.VisibleAfter.UnixMilli()), Member: messageID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to nack message: %w", err)
	}
	return nil
}

// MoveToDeadLetter moves a message to the dead letter queue.
func (q *RedisQueue) MoveToDeadLetter(ctx context.Context, messageID string, reason string) error {
	qm, err := q.load(ctx, messageID)
	if err != nil {
		return err
	}
	return q.moveToDeadLetter(ctx, qm, reason)
}

func (q *RedisQueue) moveToDeadLetter(ctx context.Context, qm *QueuedMessage, reason string) error {
	now := q.now()
	dlqData, err := json.Marshal(DeadLetter{
		Message:   qm,
		Reason:    reason,
		MovedAt:   now,
		QueueName: q.name,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), qm.ID)
	pipe.ZRem(ctx, q.delayedKey(), qm.ID)
	pipe.Del(ctx, q.msgKey(qm.ID))
	pipe.ZAdd(ctx, q.dlqKey(), redis.Z{Score: float64(now.UnixMilli()), Member: string(dlqData)})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to move to DLQ: %w", err)
	}
	return nil
}

// DeadLetters returns the newest dead-lettered messages.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := q.client.ZRevRange(ctx, q.dlqKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read DLQ: %w", err)
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, r := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// Depth returns the number of ready and delayed messages.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	ready := pipe.ZCard(ctx, q.queueKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return ready.Val() + delayed.Val(), nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (q *RedisQueue) Close() error {
	return nil
}

// RecoverStaleMessages recovers messages that exceeded visibility timeout.
// Should be called periodically by a background worker.
func (q *RedisQueue) RecoverStaleMessages(ctx context.Context) (int, error) {
	stale, err := q.client.ZRangeByScore(ctx, q.processingKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to find stale messages: %w", err)
	}

	recovered := 0
	for _, messageID := range stale {
		qm, err := q.load(ctx, messageID)
		if errors.Is(err, ErrMessageNotFound) {
			q.client.ZRem(ctx, q.processingKey(), messageID)
			continue
		}
		if err != nil {
			continue
		}

		qm.RetryCount++
		if qm.RetryCount >= q.config.MaxRetries {
			if err := q.moveToDeadLetter(ctx, qm, "visibility timeout exceeded"); err == nil {
				recovered++
			}
			continue
		}

		updated, err := json.Marshal(qm)
		if err != nil {
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.processingKey(), messageID)
		pipe.Set(ctx, q.msgKey(messageID), updated, q.config.RetentionPeriod)
		pipe.ZAdd(ctx, q.queueKey(), redis.Z{Score: readyScore(qm.Priority, qm.EnqueuedAt), Member: messageID})
		if _, err := pipe.Exec(ctx); err == nil {
			recovered++
		}
	}

	return recovered, nil
}

// Verify interface compliance
var _ Queue = (*RedisQueue)(nil)
