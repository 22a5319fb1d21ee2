package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/vcmatrix/pkg/db"
)

func TestEmbeddedMigrationsAreOrdered(t *testing.T) {
	migrations, err := db.FindMigrations(FS, ".")
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	assert.Equal(t, "001_companies", migrations[0].Version)
	for i := 1; i < len(migrations); i++ {
		assert.Less(t, migrations[i-1].Version, migrations[i].Version)
	}
}

func TestEmbeddedMigrationsCreateEveryTable(t *testing.T) {
	var all strings.Builder
	require.NoError(t, fs.WalkDir(FS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := fs.ReadFile(FS, path)
		if err != nil {
			return err
		}
		all.Write(data)
		return nil
	}))

	for _, table := range []string{
		"companies", "matrix_columns", "matrix_edits", "processed_documents",
		"batch_valuation_jobs", "agent_conversations", "rl_experiences", "audit_log",
	} {
		assert.Contains(t, all.String(), "CREATE TABLE IF NOT EXISTS "+table+" (", table)
	}
}
