package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/vcmatrix/config"
	"github.com/otherjamesbrown/vcmatrix/pkg/auditlog"
)

// AuditReader reads persisted audit entries.
type AuditReader interface {
	Recent(ctx context.Context, f auditlog.Filter) ([]auditlog.Entry, error)
	Close() error
}

// AuditCommandDeps holds the dependencies for the audit command.
type AuditCommandDeps struct {
	*CommandDeps
	Open func(dsn string) (AuditReader, error)
}

// DefaultAuditDeps returns the default dependencies for production use.
func DefaultAuditDeps(deps *CommandDeps) *AuditCommandDeps {
	return &AuditCommandDeps{
		CommandDeps: deps,
		Open: func(dsn string) (AuditReader, error) {
			return auditlog.Open(dsn)
		},
	}
}

type auditOptions struct {
	output    string
	limit     int
	level     string
	component string
	requestID string
	since     time.Duration
}

// NewAuditCommand creates the audit command.
func NewAuditCommand(deps *AuditCommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultAuditDeps(DefaultDeps(""))
	}
	opts := &auditOptions{}

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit log entries",
		Long: `Show recent entries from the audit_log table.

The API server records every mutating request (component "api") and, when
logging.audit is enabled, every warning or error logged by the server and
workers. Use --request-id to follow one request across components.`,
		Example: `  vcm audit
  vcm audit --component api --since 1h
  vcm audit --request-id 3f0c... --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(cmd.Context(), deps, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output format: text, json, yaml")
	cmd.Flags().IntVarP(&opts.limit, "limit", "l", 50, "Maximum number of entries")
	cmd.Flags().StringVar(&opts.level, "level", "", "Only entries at this level")
	cmd.Flags().StringVar(&opts.component, "component", "", "Only entries from this component")
	cmd.Flags().StringVar(&opts.requestID, "request-id", "", "Only entries for this request")
	cmd.Flags().DurationVar(&opts.since, "since", 0, "Only entries newer than this (e.g. 30m, 24h)")

	return cmd
}

func runAudit(ctx context.Context, deps *AuditCommandDeps, opts *auditOptions, out io.Writer) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	reader, err := deps.Open(cfg.Database.ConnectionString())
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer reader.Close()

	f := auditlog.Filter{
		Level:     opts.level,
		Component: opts.component,
		RequestID: opts.requestID,
		Limit:     opts.limit,
	}
	if opts.since > 0 {
		f.Since = time.Now().Add(-opts.since)
	}
	entries, err := reader.Recent(ctx, f)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []auditlog.Entry{}
	}

	format := cfg.OutputFormat
	if opts.output != "" {
		format = config.OutputFormat(opts.output)
	}
	return writeOutput(out, format, entries, func(w io.Writer) error {
		return outputAuditText(w, entries)
	})
}

func outputAuditText(w io.Writer, entries []auditlog.Entry) error {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No audit entries found.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tLEVEL\tCOMPONENT\tMESSAGE\tDETAILS")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.LoggedAt.Local().Format("2006-01-02 15:04:05"),
			strings.ToUpper(e.Level),
			valueOr(e.Component, "-"),
			truncate(e.Message, 60),
			truncate(formatFields(e.Fields), 60))
	}
	return tw.Flush()
}

func formatFields(fields map[string]string) string {
	if len(fields) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + fields[k]
	}
	return strings.Join(parts, " ")
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
