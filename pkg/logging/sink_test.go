package logging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	mu      sync.Mutex
	batches [][]LogEntry
	err     error
}

func (w *recordingWriter) WriteBatch(_ context.Context, entries []LogEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := make([]LogEntry, len(entries))
	copy(cp, entries)
	w.batches = append(w.batches, cp)
	return w.err
}

func (w *recordingWriter) total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

func (w *recordingWriter) batchSizes() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	sizes := make([]int, len(w.batches))
	for i, b := range w.batches {
		sizes[i] = len(b)
	}
	return sizes
}

func TestBatchSink_PanicsOnNilWriter(t *testing.T) {
	assert.Panics(t, func() { NewBatchSink(BatchSinkConfig{}) })
}

func TestBatchSink_BatchesBySize(t *testing.T) {
	w := &recordingWriter{}
	s := NewBatchSink(BatchSinkConfig{Writer: w, BatchSize: 3, FlushInterval: time.Hour})
	defer s.Close()

	for i := 0; i < 7; i++ {
		s.Write(LogEntry{Message: fmt.Sprintf("m%d", i)})
	}
	require.NoError(t, s.Flush(context.Background()))

	assert.Equal(t, 7, w.total())
	for _, size := range w.batchSizes() {
		assert.LessOrEqual(t, size, 3)
	}
}

func TestBatchSink_PeriodicFlush(t *testing.T) {
	w := &recordingWriter{}
	s := NewBatchSink(BatchSinkConfig{Writer: w, BatchSize: 100, FlushInterval: 20 * time.Millisecond})
	defer s.Close()

	s.Write(LogEntry{Message: "tick"})

	assert.Eventually(t, func() bool { return w.total() == 1 }, time.Second, 10*time.Millisecond)
}

func TestBatchSink_CloseDrains(t *testing.T) {
	w := &recordingWriter{}
	s := NewBatchSink(BatchSinkConfig{Writer: w, BatchSize: 100, FlushInterval: time.Hour})

	for i := 0; i < 25; i++ {
		s.Write(LogEntry{Message: "x"})
	}
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, 25, w.total())

	s.Write(LogEntry{Message: "after close"})
	assert.Equal(t, 25, w.total())
	assert.ErrorIs(t, s.Flush(context.Background()), ErrSinkClosed)
}

func TestBatchSink_WriterErrorIsReported(t *testing.T) {
	errOut := &syncBuffer{}
	w := &recordingWriter{err: errors.New("db down")}
	s := NewBatchSink(BatchSinkConfig{Writer: w, FlushInterval: time.Hour, ErrorOutput: errOut})
	defer s.Close()

	s.Write(LogEntry{Message: "lost"})
	err := s.Flush(context.Background())

	assert.EqualError(t, err, "db down")
	assert.Contains(t, errOut.String(), "failed to write 1 entries")
}

func TestBatchSink_FieldsPreserved(t *testing.T) {
	w := &recordingWriter{}
	s := NewBatchSink(BatchSinkConfig{Writer: w, FlushInterval: time.Hour})
	defer s.Close()

	in := LogEntry{
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:     "error",
		Service:   "vcm-api",
		Component: "documents",
		Message:   "extract failed",
		Fields:    map[string]string{"document_id": "d1"},
		RequestID: "req-1",
		Caller:    "service.go:10",
	}
	s.Write(in)
	require.NoError(t, s.Flush(context.Background()))

	require.Len(t, w.batches, 1)
	assert.Equal(t, in, w.batches[0][0])
}

type blockingWriter struct {
	release chan struct{}
}

func (b *blockingWriter) WriteBatch(ctx context.Context, _ []LogEntry) error {
	<-b.release
	return nil
}

func TestBatchSink_DropsWhenFull(t *testing.T) {
	bw := &blockingWriter{release: make(chan struct{})}
	errOut := &syncBuffer{}
	s := NewBatchSink(BatchSinkConfig{Writer: bw, BufferSize: 2, BatchSize: 1, FlushInterval: time.Hour, ErrorOutput: errOut})

	for i := 0; i < 20; i++ {
		s.Write(LogEntry{Message: "flood"})
	}

	assert.Positive(t, s.Dropped())
	close(bw.release)
	require.NoError(t, s.Close())
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
