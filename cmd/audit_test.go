package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/vcmatrix/config"
	"github.com/otherjamesbrown/vcmatrix/pkg/auditlog"
)

type fakeAuditReader struct {
	entries []auditlog.Entry
	filter  auditlog.Filter
	closed  bool
}

func (r *fakeAuditReader) Recent(_ context.Context, f auditlog.Filter) ([]auditlog.Entry, error) {
	r.filter = f
	return r.entries, nil
}

func (r *fakeAuditReader) Close() error {
	r.closed = true
	return nil
}

func newAuditTestDeps(reader *fakeAuditReader) *AuditCommandDeps {
	return &AuditCommandDeps{
		CommandDeps: &CommandDeps{
			LoadConfig: func() (*config.ServiceConfig, error) { return config.DefaultConfig(), nil },
		},
		Open: func(string) (AuditReader, error) { return reader, nil },
	}
}

func TestAuditCommand_FiltersAndText(t *testing.T) {
	reader := &fakeAuditReader{entries: []auditlog.Entry{{
		ID:        1,
		LoggedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Level:     "info",
		Component: "api",
		Message:   "POST /api/v1/companies",
		RequestID: "req-1",
		Fields:    map[string]string{"status": "201", "method": "POST"},
	}}}

	cmd := NewAuditCommand(newAuditTestDeps(reader))
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--component", "api", "--level", "info", "--request-id", "req-1", "--limit", "10", "--since", "1h"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	assert.Equal(t, "api", reader.filter.Component)
	assert.Equal(t, "info", reader.filter.Level)
	assert.Equal(t, "req-1", reader.filter.RequestID)
	assert.Equal(t, 10, reader.filter.Limit)
	assert.WithinDuration(t, time.Now().Add(-time.Hour), reader.filter.Since, time.Minute)
	assert.True(t, reader.closed)

	assert.Contains(t, out.String(), "COMPONENT")
	assert.Contains(t, out.String(), "INFO")
	assert.Contains(t, out.String(), "method=POST status=201")
}

func TestAuditCommand_JSONEmpty(t *testing.T) {
	cmd := NewAuditCommand(newAuditTestDeps(&fakeAuditReader{}))
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"-o", "json"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	var entries []auditlog.Entry
	require.NoError(t, json.Unmarshal(out.Bytes(), &entries))
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestAuditCommand_OpenError(t *testing.T) {
	deps := newAuditTestDeps(nil)
	deps.Open = func(string) (AuditReader, error) { return nil, errors.New("no database") }
	cmd := NewAuditCommand(deps)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{})
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no database")
}

func TestOutputAuditText_Empty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, outputAuditText(&out, nil))
	assert.Equal(t, "No audit entries found.\n", out.String())
	assert.Equal(t, "-", formatFields(nil))
}
