package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/observability"
)

func testQueue(t *testing.T) *MemoryQueue {
	t.Helper()
	cfg := DefaultQueueConfig("test", time.Minute)
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	q := NewMemoryQueue(cfg)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestQueuedMessage_ParseMessage(t *testing.T) {
	raw, err := json.Marshal(&ValuationJobMessage{JobID: "job-1", Method: "pwerm", CompanyIDs: []string{"a", "b"}})
	require.NoError(t, err)

	qm := &QueuedMessage{ID: "m1", Message: raw, MessageType: MessageTypeValuationBatch}
	msg, err := qm.ParseMessage()
	require.NoError(t, err)
	vm, ok := msg.(*ValuationJobMessage)
	require.True(t, ok)
	assert.Equal(t, "job-1", vm.GetJobID())
	assert.Equal(t, []string{"a", "b"}, vm.CompanyIDs)

	qm.MessageType = "unknown"
	_, err = qm.ParseMessage()
	assert.ErrorIs(t, err, ErrUnknownMessageType)

	qm.MessageType = MessageTypeDocumentProcess
	qm.Message = []byte("{not json")
	_, err = qm.ParseMessage()
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestQueueConfig_Backoff(t *testing.T) {
	cfg := QueueConfig{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second}
	assert.Equal(t, time.Second, cfg.calculateBackoff(1))
	assert.Equal(t, 2*time.Second, cfg.calculateBackoff(2))
	assert.Equal(t, 4*time.Second, cfg.calculateBackoff(3))
	assert.Equal(t, 5*time.Second, cfg.calculateBackoff(4))
	assert.Equal(t, 5*time.Second, cfg.calculateBackoff(30))
}

func TestReadyScore_PriorityThenAge(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Second)

	assert.Greater(t, readyScore(PriorityNormal, t0), readyScore(PriorityNormal, t1), "older first")
	assert.Greater(t, readyScore(PriorityHigh, t1), readyScore(PriorityNormal, t0), "priority wins")
	assert.Greater(t, readyScore(PriorityNormal, t1), readyScore(PriorityLow, t0))
}

func TestMemoryQueue_PriorityOrder(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &DocumentProcessMessage{DocumentID: "low", Priority: PriorityLow})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, &DocumentProcessMessage{DocumentID: "normal-1", Priority: PriorityNormal})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, &DocumentProcessMessage{DocumentID: "high", Priority: PriorityHigh})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, &DocumentProcessMessage{DocumentID: "normal-2", Priority: PriorityNormal})
	require.NoError(t, err)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), depth)

	got, err := q.Dequeue(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 4)

	var order []string
	for _, qm := range got {
		msg, err := qm.ParseMessage()
		require.NoError(t, err)
		order = append(order, msg.GetJobID())
	}
	assert.Equal(t, []string{"high", "normal-1", "normal-2", "low"}, order)

	depth, _ = q.Depth(ctx)
	assert.Zero(t, depth)
}

func TestMemoryQueue_DequeueTimesOutEmpty(t *testing.T) {
	q := testQueue(t)
	start := time.Now()
	got, err := q.Dequeue(context.Background(), 1, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestMemoryQueue_DequeueHonoursContext(t *testing.T) {
	q := testQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx, 1, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryQueue_NackRetriesThenDeadLetters(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, &ValuationJobMessage{JobID: "j"})
	require.NoError(t, err)

	for attempt := 1; attempt < q.config.MaxRetries; attempt++ {
		got, err := q.Dequeue(ctx, 1, time.Second)
		require.NoError(t, err)
		require.Len(t, got, 1, "attempt %d", attempt)
		assert.Equal(t, attempt-1, got[0].RetryCount)
		require.NoError(t, q.Nack(ctx, id, "boom"))
	}

	got, err := q.Dequeue(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NoError(t, q.Nack(ctx, id, "final"))

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].Reason, "max retries exceeded")
	assert.Equal(t, "final", dead[0].Message.LastError)

	assert.ErrorIs(t, q.Ack(ctx, id), ErrMessageNotFound)
}

func TestMemoryQueue_NackDelaysVisibility(t *testing.T) {
	cfg := DefaultQueueConfig("delay", time.Minute)
	cfg.InitialBackoff = time.Hour
	q := NewMemoryQueue(cfg)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, &ValuationJobMessage{JobID: "j"})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, 1, 0)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, id, "later"))

	got, err := q.Dequeue(ctx, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, got, "message stays hidden during backoff")

	depth, _ := q.Depth(ctx)
	assert.Equal(t, int64(1), depth)

	q.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	got, err = q.Dequeue(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestMemoryQueue_RecoverStaleMessages(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &ValuationJobMessage{JobID: "j"})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, 1, 0)
	require.NoError(t, err)

	n, err := q.RecoverStaleMessages(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "visibility timeout not reached")

	q.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	n, err = q.RecoverStaleMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Dequeue(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].RetryCount)
}

func TestMemoryQueue_Closed(t *testing.T) {
	q := NewMemoryQueue(DefaultQueueConfig("closed", 0))
	require.NoError(t, q.Close())
	_, err := q.Enqueue(context.Background(), &ValuationJobMessage{})
	assert.ErrorIs(t, err, ErrQueueClosed)
	_, err = q.Dequeue(context.Background(), 1, time.Second)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		category  ErrorCategory
		retryable bool
	}{
		{"validation", fmt.Errorf("bad method: %w", vcerrors.ErrValidation), ErrorCategoryPermanent, false},
		{"not found", fmt.Errorf("company: %w", vcerrors.ErrNotFound), ErrorCategoryPermanent, false},
		{"unavailable", fmt.Errorf("fx: %w", vcerrors.ErrUnavailable), ErrorCategoryDependency, true},
		{"timeout", context.DeadlineExceeded, ErrorCategoryTransient, true},
		{"connection", errors.New("dial tcp: connection refused"), ErrorCategoryTransient, true},
		{"unknown", errors.New("division by zero"), ErrorCategoryPermanent, false},
		{"already categorized", NewTransientError("x", "y", nil), ErrorCategoryTransient, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := Categorize(tt.err)
			require.NotNil(t, pe)
			assert.Equal(t, tt.category, pe.Category)
			assert.Equal(t, tt.retryable, pe.IsRetryable())
			if tt.err != nil && pe.Err != nil {
				assert.ErrorIs(t, pe, tt.err)
			}
		})
	}
	assert.Nil(t, Categorize(nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestPool_ProcessesAndAcks(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	var handled atomic.Int64
	pm := NewPoolManager(Deps{Metrics: metrics})
	pool := pm.Register(WorkerConfig{Name: "valuations", Count: 2, PollInterval: 10 * time.Millisecond}, q,
		func(ctx context.Context, msg Message) error {
			_, ok := msg.(*ValuationJobMessage)
			if !ok {
				return errors.New("wrong type")
			}
			handled.Add(1)
			return nil
		})

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, &ValuationJobMessage{JobID: fmt.Sprintf("job-%d", i)})
		require.NoError(t, err)
	}

	pm.StartAll(ctx)
	waitFor(t, func() bool { return handled.Load() == 5 })
	pm.StopAll()

	stats := pool.Stats()
	assert.Equal(t, "valuations", stats.Name)
	assert.Equal(t, 2, stats.WorkerCount)
	assert.Equal(t, int64(5), stats.Processed)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, 5.0, testutil.ToFloat64(metrics.JobsProcessedTotal.WithLabelValues("test", observability.StatusSuccess)))

	got, ok := pm.GetPool("valuations")
	require.True(t, ok)
	assert.Same(t, pool, got)
	require.Len(t, pm.AllStats(), 1)
}

func TestPool_PermanentErrorDeadLetters(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	pool := NewPool(WorkerConfig{Count: 1, PollInterval: 10 * time.Millisecond}, q,
		func(context.Context, Message) error {
			return fmt.Errorf("no companies: %w", vcerrors.ErrValidation)
		}, Deps{})

	_, err := q.Enqueue(ctx, &ValuationJobMessage{JobID: "bad"})
	require.NoError(t, err)

	pool.Start(ctx)
	waitFor(t, func() bool {
		dead, _ := q.DeadLetters(ctx, 10)
		return len(dead) == 1
	})
	pool.Stop()

	assert.Equal(t, int64(1), pool.Stats().Failed)
	assert.Equal(t, WorkerStatusStopped, pool.workers[0].Status())
}

func TestPool_TransientErrorRetries(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	var calls atomic.Int64
	pool := NewPool(WorkerConfig{Count: 1, PollInterval: 10 * time.Millisecond}, q,
		func(context.Context, Message) error {
			if calls.Add(1) == 1 {
				return errors.New("connection reset by peer")
			}
			return nil
		}, Deps{})

	_, err := q.Enqueue(ctx, &DocumentProcessMessage{DocumentID: "d"})
	require.NoError(t, err)

	pool.Start(ctx)
	waitFor(t, func() bool { return pool.Stats().Processed == 1 })
	pool.Stop()

	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, int64(1), pool.Stats().Failed)
	dead, _ := q.DeadLetters(ctx, 10)
	assert.Empty(t, dead)
}

func TestPool_HandlerPanicIsPermanent(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	pool := NewPool(WorkerConfig{Count: 1, PollInterval: 10 * time.Millisecond}, q,
		func(context.Context, Message) error { panic("nil map") }, Deps{})

	_, err := q.Enqueue(ctx, &DocumentProcessMessage{DocumentID: "d"})
	require.NoError(t, err)

	pool.Start(ctx)
	waitFor(t, func() bool {
		dead, _ := q.DeadLetters(ctx, 10)
		return len(dead) == 1
	})
	pool.Stop()
}

func TestPoolManager_Sweep(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	pm := NewPoolManager(Deps{Metrics: metrics})
	pm.Register(WorkerConfig{}, q, func(context.Context, Message) error { return nil })

	_, err := q.Enqueue(ctx, &ValuationJobMessage{JobID: "a"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, &ValuationJobMessage{JobID: "b"})
	require.NoError(t, err)

	pm.Sweep(ctx)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("test")))
}
