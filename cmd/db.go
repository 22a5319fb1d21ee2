package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/vcmatrix/config"
	"github.com/otherjamesbrown/vcmatrix/migrations"
	"github.com/otherjamesbrown/vcmatrix/pkg/db"
)

// DbCommandDeps holds the dependencies for database commands.
type DbCommandDeps struct {
	*CommandDeps
	// Migrations returns the migration source. It defaults to the embedded
	// schema, or the --migrations directory when that flag is set.
	Migrations func(dir string) (fs.FS, string)
}

// DefaultDbDeps returns the default dependencies for production use.
func DefaultDbDeps(deps *CommandDeps) *DbCommandDeps {
	return &DbCommandDeps{CommandDeps: deps, Migrations: migrationSource}
}

func migrationSource(dir string) (fs.FS, string) {
	if dir == "" {
		return migrations.FS, "."
	}
	return os.DirFS(dir), "."
}

type dbOptions struct {
	dryRun  bool
	yes     bool
	target  string
	output  string
	dirPath string
}

// NewDbCommand creates the root db command with all subcommands.
func NewDbCommand(deps *CommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultDeps("")
	}
	dbDeps := DefaultDbDeps(deps)
	opts := &dbOptions{}

	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
		Long: `Database management commands for vcmatrix.

Manage the PostgreSQL schema and view migration status. The connection comes
from the database section of the config file or DATABASE_URL / DB_*.

Migrations are embedded in the binary and applied in filename order, each in
its own transaction, and tracked in the schema_migrations table. Use
--migrations to apply SQL files from a directory instead.`,
		Aliases: []string{"database", "migrations"},
	}

	cmd.PersistentFlags().StringVarP(&opts.dirPath, "migrations", "m", "", "Directory of .sql migrations (default: embedded schema)")

	cmd.AddCommand(newDbMigrateCommand(dbDeps, opts))
	cmd.AddCommand(newDbStatusCommand(dbDeps, opts))

	return cmd
}

func newDbMigrateCommand(deps *DbCommandDeps, opts *dbOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Apply pending database migrations.

Shows pending migrations and asks for confirmation before applying them.
If a migration fails its transaction is rolled back and no further
migrations are attempted.`,
		Example: `  vcm db migrate
  vcm db migrate --dry-run
  vcm db migrate --target 003 --yes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDbMigrate(cmd.Context(), deps, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Show what would be applied without executing")
	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "Apply without asking for confirmation")
	cmd.Flags().StringVarP(&opts.target, "target", "t", "", "Target version to migrate to (e.g., 003)")

	return cmd
}

func newDbStatusCommand(deps *DbCommandDeps, opts *dbOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show database migration status",
		Long: `Show the current state of database migrations.

  Applied: migrations that have been applied and have corresponding files
  Pending: migrations with files that have not been applied yet
  Drift:   migrations that were applied but no longer have files`,
		Example: `  vcm db status
  vcm db status --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDbStatus(cmd.Context(), deps, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output format: text, json, yaml")

	return cmd
}

func runDbMigrate(ctx context.Context, deps *DbCommandDeps, opts *dbOptions, in io.Reader, out io.Writer) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	pool, err := deps.ConnectDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	source, dir := deps.Migrations(opts.dirPath)
	migrator := db.NewMigrator(pool, source, dir)

	plan, err := migrator.Run(ctx, db.MigrateOptions{Target: opts.target, DryRun: true})
	if err != nil {
		return fmt.Errorf("planning migrations: %w", err)
	}
	if len(plan.Planned) == 0 {
		fmt.Fprintln(out, "No pending migrations.")
		return nil
	}

	fmt.Fprintf(out, "Pending migrations (%d):\n", len(plan.Planned))
	for _, v := range plan.Planned {
		fmt.Fprintf(out, "  %s\n", v)
	}
	fmt.Fprintln(out)

	if opts.dryRun {
		fmt.Fprintln(out, "Dry run mode: no migrations applied.")
		return nil
	}

	if !opts.yes && !confirm(in, out, "Apply these migrations? (y/N): ") {
		fmt.Fprintln(out, "Migration cancelled.")
		return nil
	}

	result, err := migrator.Run(ctx, db.MigrateOptions{Target: opts.target})
	if err != nil {
		fmt.Fprintf(out, "\n\033[31mMigration failed:\033[0m %v\n", err)
		if result != nil && len(result.Applied) > 0 {
			fmt.Fprintf(out, "\nSuccessfully applied before failure:\n")
			for _, v := range result.Applied {
				fmt.Fprintf(out, "  \033[32m✓\033[0m %s\n", v)
			}
		}
		return err
	}

	fmt.Fprintf(out, "\033[32mSuccessfully applied %d migration(s):\033[0m\n", len(result.Applied))
	for _, v := range result.Applied {
		fmt.Fprintf(out, "  \033[32m✓\033[0m %s\n", v)
	}
	if len(result.Skipped) > 0 {
		fmt.Fprintf(out, "\nSkipped %d migration(s) (already applied)\n", len(result.Skipped))
	}
	return nil
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	line, _ := bufio.NewReader(in).ReadString('\n')
	return strings.EqualFold(strings.TrimSpace(line), "y")
}

func runDbStatus(ctx context.Context, deps *DbCommandDeps, opts *dbOptions, out io.Writer) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	pool, err := deps.ConnectDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	source, dir := deps.Migrations(opts.dirPath)
	status, err := db.NewMigrator(pool, source, dir).Status(ctx)
	if err != nil {
		return fmt.Errorf("getting migration status: %w", err)
	}

	format := cfg.OutputFormat
	if opts.output != "" {
		format = config.OutputFormat(opts.output)
	}
	return writeOutput(out, format, status, func(w io.Writer) error {
		return outputMigrationStatusText(w, status)
	})
}

// outputMigrationStatusText formats migration status for terminal display.
func outputMigrationStatusText(w io.Writer, status *db.MigrationStatus) error {
	section := func(color, title string, entries []db.MigrationStatusEntry, withTime bool) {
		if len(entries) == 0 {
			return
		}
		fmt.Fprintf(w, "\033[%sm%s (%d):\033[0m\n", color, title, len(entries))
		for _, m := range entries {
			if withTime && m.AppliedAt != nil {
				fmt.Fprintf(w, "  %-26s %-33s %s\n", truncate(m.Version, 26), truncate(m.Name, 33),
					m.AppliedAt.Format("2006-01-02 15:04:05"))
				continue
			}
			fmt.Fprintf(w, "  %-26s %s\n", truncate(m.Version, 26), m.Name)
		}
		fmt.Fprintln(w)
	}
	section("32", "Applied Migrations", status.Applied, true)
	section("33", "Pending Migrations", status.Pending, false)
	section("31", "Drift - applied but file missing", status.Drift, true)

	if len(status.Applied) == 0 && len(status.Pending) == 0 && len(status.Drift) == 0 {
		fmt.Fprintln(w, "No migrations found.")
		return nil
	}
	fmt.Fprintf(w, "Summary: %d applied, %d pending", len(status.Applied), len(status.Pending))
	if len(status.Drift) > 0 {
		fmt.Fprintf(w, ", \033[31m%d drift\033[0m", len(status.Drift))
	}
	fmt.Fprintln(w)
	return nil
}
