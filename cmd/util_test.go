package cmd

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/vcmatrix/config"
)

func TestWriteOutput(t *testing.T) {
	v := map[string]int{"count": 3}
	text := func(w io.Writer) error {
		_, err := io.WriteString(w, "three\n")
		return err
	}

	var buf bytes.Buffer
	require.NoError(t, writeOutput(&buf, config.OutputFormatJSON, v, text))
	assert.Equal(t, "{\n  \"count\": 3\n}\n", buf.String())

	buf.Reset()
	require.NoError(t, writeOutput(&buf, config.OutputFormatYAML, v, text))
	assert.Equal(t, "count: 3\n", buf.String())

	buf.Reset()
	require.NoError(t, writeOutput(&buf, "", v, text))
	assert.Equal(t, "three\n", buf.String())

	assert.Error(t, writeOutput(&buf, "csv", v, text))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func TestPrintProbe(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printProbe(&buf, "localhost:9090", "SERVING"))
	assert.Contains(t, buf.String(), "vcmatrix.worker")

	buf.Reset()
	err := printProbe(&buf, "localhost:9090", "NOT_SERVING")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_SERVING")
}

func TestWorkerCommand_RequiresRedis(t *testing.T) {
	deps := &CommandDeps{LoadConfig: func() (*config.ServiceConfig, error) {
		cfg := config.DefaultConfig()
		cfg.Redis.URL = ""
		return cfg, nil
	}}
	cmd := NewWorkerCommand(deps)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs redis.url")
}
