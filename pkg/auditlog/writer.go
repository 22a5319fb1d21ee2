// Package auditlog persists log entries to the audit_log table through
// database/sql and lib/pq, independent of the pgx pool used by request paths.
package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
)

const maxMessageLen = 2000

// Writer implements logging.LogWriter on top of a *sql.DB.
type Writer struct {
	db *sql.DB
}

var _ logging.LogWriter = (*Writer)(nil)

// Open connects with the lib/pq driver using a small dedicated pool.
func Open(dsn string) (*Writer, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &Writer{db: db}, nil
}

// NewWriter wraps an existing *sql.DB.
func NewWriter(db *sql.DB) *Writer {
	return &Writer{db: db}
}

// Close closes the underlying database.
func (w *Writer) Close() error {
	if w.db != nil {
		return w.db.Close()
	}
	return nil
}

// Ping checks the database connection.
func (w *Writer) Ping(ctx context.Context) error {
	return w.db.PingContext(ctx)
}

// row is one audit_log insert.
type row struct {
	LoggedAt  time.Time
	Level     string
	Service   string
	Component string
	Message   string
	RequestID string
	Caller    string
	Labels    []string
	Fields    []byte
}

func toRow(e logging.LogEntry) (row, error) {
	fields := e.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return row{}, fmt.Errorf("marshaling fields: %w", err)
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return row{
		LoggedAt:  ts,
		Level:     e.Level,
		Service:   e.Service,
		Component: e.Component,
		Message:   truncate(e.Message, maxMessageLen),
		RequestID: e.RequestID,
		Caller:    e.Caller,
		Labels:    labels(e),
		Fields:    raw,
	}, nil
}

// labels derives searchable tags: level, component and any *_id field names.
func labels(e logging.LogEntry) []string {
	set := map[string]struct{}{}
	if e.Level != "" {
		set["level:"+e.Level] = struct{}{}
	}
	if e.Component != "" {
		set["component:"+e.Component] = struct{}{}
	}
	for k := range e.Fields {
		if strings.HasSuffix(k, "_id") {
			set["has:"+k] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// WriteBatch copies entries into audit_log in one transaction.
func (w *Writer) WriteBatch(ctx context.Context, entries []logging.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() // nolint: errcheck

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("audit_log",
		"logged_at", "level", "service", "component", "message", "request_id", "caller", "labels", "fields"))
	if err != nil {
		return fmt.Errorf("preparing copy: %w", err)
	}

	for _, e := range entries {
		r, err := toRow(e)
		if err != nil {
			_ = stmt.Close()
			return err
		}
		if _, err := stmt.ExecContext(ctx, r.LoggedAt, r.Level, r.Service, r.Component, r.Message,
			r.RequestID, r.Caller, pq.Array(r.Labels), string(r.Fields)); err != nil {
			_ = stmt.Close()
			return fmt.Errorf("copying entry: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return fmt.Errorf("flushing copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("closing copy: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing audit batch: %w", err)
	}
	return nil
}

// Entry is a stored audit_log row.
type Entry struct {
	ID        int64             `json:"id"`
	LoggedAt  time.Time         `json:"logged_at"`
	Level     string            `json:"level"`
	Service   string            `json:"service"`
	Component string            `json:"component,omitempty"`
	Message   string            `json:"message"`
	RequestID string            `json:"request_id,omitempty"`
	Caller    string            `json:"caller,omitempty"`
	Labels    []string          `json:"labels"`
	Fields    map[string]string `json:"fields"`
}

// Filter narrows Recent.
type Filter struct {
	Level     string
	Component string
	RequestID string
	Label     string
	Since     time.Time
	Limit     int
}

// buildQuery returns the SELECT for f and its arguments.
func buildQuery(f Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Level != "" {
		add("level = $%d", f.Level)
	}
	if f.Component != "" {
		add("component = $%d", f.Component)
	}
	if f.RequestID != "" {
		add("request_id = $%d", f.RequestID)
	}
	if f.Label != "" {
		add("labels @> $%d", pq.Array([]string{f.Label}))
	}
	if !f.Since.IsZero() {
		add("logged_at >= $%d", f.Since)
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	q := "SELECT id, logged_at, level, service, component, message, request_id, caller, labels, fields FROM audit_log"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY logged_at DESC LIMIT $%d", len(args))
	return q, args
}

// Recent returns the newest entries matching f.
func (w *Writer) Recent(ctx context.Context, f Filter) ([]Entry, error) {
	q, args := buildQuery(f)
	rows, err := w.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			fields []byte
		)
		if err := rows.Scan(&e.ID, &e.LoggedAt, &e.Level, &e.Service, &e.Component, &e.Message,
			&e.RequestID, &e.Caller, pq.Array(&e.Labels), &fields); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &e.Fields); err != nil {
				return nil, fmt.Errorf("decoding audit fields: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
