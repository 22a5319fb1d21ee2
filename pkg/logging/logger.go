// Package logging provides structured logging for the vcmatrix API server and workers.
// It wraps zerolog with a small field-based interface so packages never depend on
// zerolog directly, and supports JSON output (production) and console output
// (development).
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ContextKey type for context values to avoid collisions.
type ContextKey string

// Context keys for request correlation.
const (
	TraceIDKey   ContextKey = "trace_id"
	RequestIDKey ContextKey = "request_id"
)

// Level represents logging severity levels.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level sets the minimum log level (debug, info, warn, error).
	Level Level

	// ServiceName is included in all log entries ("vcm-api", "vcm-worker").
	ServiceName string

	// Environment is included in all log entries.
	Environment string

	// JSONFormat enables JSON output when true, console output when false.
	JSONFormat bool

	// Output sets the writer for logs (defaults to os.Stdout).
	Output io.Writer

	// Sinks receive a copy of every entry at or above SinkLevel.
	Sinks []Sink

	// SinkLevel is the minimum level forwarded to sinks (default warn).
	SinkLevel Level
}

// DefaultConfig returns a Config with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Level:       LevelInfo,
		ServiceName: "vcmatrix",
		Environment: "development",
		JSONFormat:  false,
		Output:      os.Stdout,
		SinkLevel:   LevelWarn,
	}
}

// Logger is the interface for structured logging.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a new Logger with the given fields attached to all subsequent logs.
	With(fields ...Field) Logger

	// WithContext returns a new Logger carrying the request and trace ids found in ctx.
	WithContext(ctx context.Context) Logger

	// Zerolog returns the underlying zerolog.Logger.
	Zerolog() zerolog.Logger
}

// Field represents a key-value pair for structured logging.
type Field struct {
	Key   string
	Value interface{}
}

// F creates a new Field with the given key and value.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Err creates a Field for an error.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

type logger struct {
	zl          zerolog.Logger
	serviceName string
	sinks       []Sink
	sinkLevel   zerolog.Level
	// bound holds fields attached through With so sinks see them too.
	bound     []Field
	requestID string
}

// NewLogger creates a new Logger with the given configuration.
func NewLogger(cfg *Config) Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	if !cfg.JSONFormat {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zl := zerolog.New(output).
		With().
		Timestamp().
		Str("service_name", cfg.ServiceName).
		Str("environment", cfg.Environment).
		Logger()

	sinkLevel := cfg.SinkLevel
	if sinkLevel == "" {
		sinkLevel = LevelWarn
	}

	return &logger{
		zl:          zl,
		serviceName: cfg.ServiceName,
		sinks:       cfg.Sinks,
		sinkLevel:   parseLevel(sinkLevel),
	}
}

// ParseLevel converts a user supplied level name, defaulting to info.
func ParseLevel(s string) Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn, "warning":
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

func parseLevel(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *logger) Zerolog() zerolog.Logger {
	return l.zl
}

func (l *logger) Debug(msg string, fields ...Field) {
	l.log(zerolog.DebugLevel, msg, fields)
}

func (l *logger) Info(msg string, fields ...Field) {
	l.log(zerolog.InfoLevel, msg, fields)
}

func (l *logger) Warn(msg string, fields ...Field) {
	l.log(zerolog.WarnLevel, msg, fields)
}

func (l *logger) Error(msg string, fields ...Field) {
	l.log(zerolog.ErrorLevel, msg, fields)
}

func (l *logger) log(level zerolog.Level, msg string, fields []Field) {
	event := l.zl.WithLevel(level)
	addFields(event, fields).Msg(msg)

	if level >= l.sinkLevel {
		l.sendToSinks(level.String(), msg, fields)
	}
}

func (l *logger) With(fields ...Field) Logger {
	ctx := l.zl.With()
	for _, f := range fields {
		ctx = addFieldToContext(ctx, f)
	}
	bound := make([]Field, 0, len(l.bound)+len(fields))
	bound = append(bound, l.bound...)
	bound = append(bound, fields...)

	return &logger{
		zl:          ctx.Logger(),
		serviceName: l.serviceName,
		sinks:       l.sinks,
		sinkLevel:   l.sinkLevel,
		bound:       bound,
		requestID:   l.requestID,
	}
}

func (l *logger) WithContext(ctx context.Context) Logger {
	zctx := l.zl.With()
	requestID := l.requestID

	if traceID, ok := ctx.Value(TraceIDKey).(string); ok && traceID != "" {
		zctx = zctx.Str("trace_id", traceID)
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		zctx = zctx.Str("request_id", rid)
		requestID = rid
	}

	return &logger{
		zl:          zctx.Logger(),
		serviceName: l.serviceName,
		sinks:       l.sinks,
		sinkLevel:   l.sinkLevel,
		bound:       l.bound,
		requestID:   requestID,
	}
}

// ContextWithRequestID stores a request id for later log correlation.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// RequestIDFromContext returns the request id stored by ContextWithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	rid, _ := ctx.Value(RequestIDKey).(string)
	return rid
}

func addFields(event *zerolog.Event, fields []Field) *zerolog.Event {
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			event = event.Str(f.Key, v)
		case int:
			event = event.Int(f.Key, v)
		case int64:
			event = event.Int64(f.Key, v)
		case float64:
			event = event.Float64(f.Key, v)
		case bool:
			event = event.Bool(f.Key, v)
		case error:
			event = event.Err(v)
		case time.Duration:
			event = event.Dur(f.Key, v)
		case time.Time:
			event = event.Time(f.Key, v)
		case fmt.Stringer:
			event = event.Stringer(f.Key, v)
		default:
			event = event.Interface(f.Key, v)
		}
	}
	return event
}

func addFieldToContext(ctx zerolog.Context, f Field) zerolog.Context {
	switch v := f.Value.(type) {
	case string:
		return ctx.Str(f.Key, v)
	case int:
		return ctx.Int(f.Key, v)
	case int64:
		return ctx.Int64(f.Key, v)
	case float64:
		return ctx.Float64(f.Key, v)
	case bool:
		return ctx.Bool(f.Key, v)
	case error:
		return ctx.Err(v)
	case time.Duration:
		return ctx.Dur(f.Key, v)
	case time.Time:
		return ctx.Time(f.Key, v)
	case fmt.Stringer:
		return ctx.Stringer(f.Key, v)
	default:
		return ctx.Interface(f.Key, v)
	}
}

func (l *logger) sendToSinks(level, msg string, fields []Field) {
	if len(l.sinks) == 0 {
		return
	}

	fieldMap := make(map[string]string, len(l.bound)+len(fields))
	var component string
	for _, group := range [][]Field{l.bound, fields} {
		for _, f := range group {
			fieldMap[f.Key] = fmt.Sprint(f.Value)
			if f.Key == "component" {
				component = fieldMap[f.Key]
			}
		}
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Service:   l.serviceName,
		Component: component,
		Message:   msg,
		Fields:    fieldMap,
		RequestID: l.requestID,
		Caller:    getCaller(4),
	}

	for _, sink := range l.sinks {
		sink.Write(entry)
	}
}

var global Logger

// SetGlobal sets the global logger instance.
func SetGlobal(l Logger) {
	global = l
}

// Global returns the global logger instance.
// Panics if SetGlobal has not been called.
func Global() Logger {
	if global == nil {
		panic("logging: global logger not initialized, call SetGlobal first")
	}
	return global
}

// MustGlobal returns the global logger, initializing with defaults if not set.
func MustGlobal() Logger {
	if global == nil {
		global = NewLogger(DefaultConfig())
	}
	return global
}

type nopLogger struct{}

func (n *nopLogger) Debug(msg string, fields ...Field)      {}
func (n *nopLogger) Info(msg string, fields ...Field)       {}
func (n *nopLogger) Warn(msg string, fields ...Field)       {}
func (n *nopLogger) Error(msg string, fields ...Field)      {}
func (n *nopLogger) With(fields ...Field) Logger            { return n }
func (n *nopLogger) WithContext(ctx context.Context) Logger { return n }
func (n *nopLogger) Zerolog() zerolog.Logger                { return zerolog.Nop() }

// NewNopLogger returns a logger that discards all output.
func NewNopLogger() Logger {
	return &nopLogger{}
}
