package auditlog

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
)

func TestToRow(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r, err := toRow(logging.LogEntry{
		Timestamp: ts,
		Level:     "warn",
		Service:   "vcm-api",
		Component: "matrix",
		Message:   "cell update retried",
		RequestID: "req-9",
		Caller:    "service.go:42",
		Fields:    map[string]string{"company_id": "c1", "attempt": "2"},
	})
	require.NoError(t, err)

	assert.Equal(t, ts, r.LoggedAt)
	assert.Equal(t, []string{"component:matrix", "has:company_id", "level:warn"}, r.Labels)

	var fields map[string]string
	require.NoError(t, json.Unmarshal(r.Fields, &fields))
	assert.Equal(t, "2", fields["attempt"])
}

func TestToRow_Defaults(t *testing.T) {
	r, err := toRow(logging.LogEntry{Message: strings.Repeat("x", maxMessageLen+50)})
	require.NoError(t, err)

	assert.False(t, r.LoggedAt.IsZero())
	assert.Equal(t, "{}", string(r.Fields))
	assert.Len(t, r.Message, maxMessageLen)
	assert.True(t, strings.HasSuffix(r.Message, "..."))
	assert.Empty(t, r.Labels)
}

func TestBuildQuery(t *testing.T) {
	q, args := buildQuery(Filter{})
	assert.Equal(t, "SELECT id, logged_at, level, service, component, message, request_id, caller, labels, fields FROM audit_log ORDER BY logged_at DESC LIMIT $1", q)
	assert.Equal(t, []any{100}, args)

	since := time.Now()
	q, args = buildQuery(Filter{Level: "error", Component: "documents", Label: "has:document_id", Since: since, Limit: 20})
	assert.Contains(t, q, "WHERE level = $1 AND component = $2 AND labels @> $3 AND logged_at >= $4")
	assert.True(t, strings.HasSuffix(q, "LIMIT $5"))
	require.Len(t, args, 5)
	assert.Equal(t, 20, args[4])
}

func TestOpen_DoesNotDial(t *testing.T) {
	w, err := Open("postgres://nobody@127.0.0.1:1/none?sslmode=disable")
	require.NoError(t, err)
	assert.NoError(t, w.Close())
}
