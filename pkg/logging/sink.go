package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"
)

// LogEntry is a log line forwarded to a sink, typically the audit_log table.
type LogEntry struct {
	Timestamp time.Time
	Level     string
	Service   string
	Component string
	Message   string
	Fields    map[string]string
	RequestID string
	Caller    string
}

// LogWriter persists batches of entries.
type LogWriter interface {
	WriteBatch(ctx context.Context, entries []LogEntry) error
}

// Sink receives log entries.
type Sink interface {
	// Write queues an entry without blocking the caller.
	Write(entry LogEntry)
	// Flush blocks until queued entries are written or ctx ends.
	Flush(ctx context.Context) error
	Close() error
}

// ErrSinkClosed is returned by Flush after Close.
var ErrSinkClosed = errors.New("log sink closed")

// BatchSinkConfig configures a BatchSink.
type BatchSinkConfig struct {
	Writer LogWriter
	// BufferSize is the queue capacity (default 1000). Entries beyond it are dropped.
	BufferSize int
	// BatchSize is the max entries per WriteBatch call (default 100).
	BatchSize int
	// FlushInterval is how often partial batches are written (default 2s).
	FlushInterval time.Duration
	// WriteTimeout bounds each WriteBatch call (default 5s).
	WriteTimeout time.Duration
	// ErrorOutput receives sink failures (default os.Stderr).
	ErrorOutput io.Writer
}

// BatchSink buffers entries in memory and writes them in batches from a
// single goroutine. A failing writer never blocks or crashes the logger.
type BatchSink struct {
	cfg     BatchSinkConfig
	entries chan LogEntry
	flushes chan chan error
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	dropped int64
}

// NewBatchSink starts a sink goroutine. It panics on a nil writer.
func NewBatchSink(cfg BatchSinkConfig) *BatchSink {
	if cfg.Writer == nil {
		panic("logging: BatchSink requires a non-nil Writer")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ErrorOutput == nil {
		cfg.ErrorOutput = os.Stderr
	}

	s := &BatchSink{
		cfg:     cfg,
		entries: make(chan LogEntry, cfg.BufferSize),
		flushes: make(chan chan error),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Write implements Sink.
func (s *BatchSink) Write(entry LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.entries <- entry:
	default:
		s.dropped++
		fmt.Fprintf(s.cfg.ErrorOutput, "[logsink] buffer full, dropping entry: %s\n", entry.Message)
	}
}

// Dropped reports how many entries were discarded because the buffer was full.
func (s *BatchSink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Flush implements Sink.
func (s *BatchSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSinkClosed
	}

	reply := make(chan error, 1)
	select {
	case s.flushes <- reply:
	case <-s.done:
		return ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains queued entries and stops the goroutine.
func (s *BatchSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	return nil
}

func (s *BatchSink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]LogEntry, 0, s.cfg.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		defer cancel()
		err := s.cfg.Writer.WriteBatch(ctx, batch)
		if err != nil {
			fmt.Fprintf(s.cfg.ErrorOutput, "[logsink] failed to write %d entries: %v\n", len(batch), err)
		}
		batch = batch[:0]
		return err
	}
	add := func(e LogEntry) {
		batch = append(batch, e)
		if len(batch) >= s.cfg.BatchSize {
			_ = flush()
		}
	}
	// drain moves everything currently queued into batches.
	drain := func() {
		for {
			select {
			case e := <-s.entries:
				add(e)
			default:
				return
			}
		}
	}

	for {
		select {
		case e := <-s.entries:
			add(e)
		case <-ticker.C:
			_ = flush()
		case reply := <-s.flushes:
			drain()
			reply <- flush()
		case <-s.done:
			drain()
			_ = flush()
			return
		}
	}
}

// getCaller returns file:line for the frame skip levels up.
func getCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	for i := len(file) - 1; i > 0; i-- {
		if file[i] == '/' {
			file = file[i+1:]
			break
		}
	}
	return fmt.Sprintf("%s:%d", file, line)
}
