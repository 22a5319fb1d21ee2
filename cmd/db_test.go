package cmd

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/vcmatrix/config"
	"github.com/otherjamesbrown/vcmatrix/pkg/db"
)

func TestDbCommand_HasSubcommands(t *testing.T) {
	cmd := NewDbCommand(nil)
	assert.Equal(t, "db", cmd.Use)
	assert.NotEmpty(t, cmd.Long)

	found := map[string]bool{}
	for _, sub := range cmd.Commands() {
		found[sub.Use] = true
	}
	assert.True(t, found["migrate"])
	assert.True(t, found["status"])
}

func TestDbMigrateCommand_Flags(t *testing.T) {
	cmd := NewDbCommand(nil)
	migrateCmd, _, err := cmd.Find([]string{"migrate"})
	require.NoError(t, err)

	for name, typ := range map[string]string{"dry-run": "bool", "yes": "bool", "target": "string"} {
		flag := migrateCmd.Flags().Lookup(name)
		require.NotNil(t, flag, name)
		assert.Equal(t, typ, flag.Value.Type())
		assert.NotEmpty(t, flag.Usage)
	}
	assert.NotEmpty(t, migrateCmd.Example)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("migrations"))

	statusCmd, _, err := cmd.Find([]string{"status"})
	require.NoError(t, err)
	assert.NotNil(t, statusCmd.Flags().Lookup("output"))
}

func TestDbMigrate_ConnectError(t *testing.T) {
	deps := &CommandDeps{
		LoadConfig: func() (*config.ServiceConfig, error) { return config.DefaultConfig(), nil },
		ConnectDB: func(context.Context, *config.ServiceConfig) (*pgxpool.Pool, error) {
			return nil, errors.New("connection refused")
		},
	}
	cmd := NewDbCommand(deps)
	cmd.SetArgs([]string{"migrate", "--dry-run"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestMigrationSource_Embedded(t *testing.T) {
	source, dir := migrationSource("")
	found, err := db.FindMigrations(source, dir)
	require.NoError(t, err)
	require.NotEmpty(t, found)
	assert.Equal(t, "001_companies", found[0].Version)
}

func TestOutputMigrationStatusText(t *testing.T) {
	applied := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	status := db.BuildStatus(
		[]db.Migration{{Version: "001_companies", Name: "001_companies.sql"}, {Version: "002_matrix", Name: "002_matrix.sql"}},
		map[string]time.Time{"001_companies": applied, "000_legacy": applied},
	)

	var buf bytes.Buffer
	require.NoError(t, outputMigrationStatusText(&buf, status))
	out := buf.String()
	assert.Contains(t, out, "Applied Migrations (1)")
	assert.Contains(t, out, "Pending Migrations (1)")
	assert.Contains(t, out, "002_matrix.sql")
	assert.Contains(t, out, "2026-01-02 03:04:05")
	assert.Contains(t, out, "Summary: 1 applied, 1 pending")
	assert.True(t, strings.Contains(out, "1 drift"))

	buf.Reset()
	require.NoError(t, outputMigrationStatusText(&buf, db.BuildStatus(nil, nil)))
	assert.Equal(t, "No migrations found.\n", buf.String())
}

func TestConfirm(t *testing.T) {
	var out bytes.Buffer
	assert.True(t, confirm(strings.NewReader("y\n"), &out, "ok? "))
	assert.True(t, confirm(strings.NewReader("Y"), &out, "ok? "))
	assert.False(t, confirm(strings.NewReader("\n"), &out, "ok? "))
	assert.False(t, confirm(strings.NewReader(""), &out, "ok? "))
}
