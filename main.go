// Package main provides the vcm entry point.
// vcm runs the vcmatrix API server and workers and manages their database,
// secrets and audit log.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/vcmatrix/cmd"
	"github.com/otherjamesbrown/vcmatrix/config"
	"github.com/otherjamesbrown/vcmatrix/pkg/buildinfo"
)

// Global flags.
var (
	cfgFile      string
	outputFormat string
	debug        bool
)

// deps is shared by every subcommand. LoadConfig reads the global flags at
// call time, after cobra has parsed them.
var deps = newDeps()

func newDeps() *cmd.CommandDeps {
	d := cmd.DefaultDeps("")
	d.LoadConfig = func() (*config.ServiceConfig, error) {
		cfg, err := cmd.DefaultDeps(cfgFile).LoadConfig()
		if err != nil {
			return nil, err
		}
		if outputFormat != "" {
			cfg.OutputFormat = config.OutputFormat(outputFormat)
		}
		if debug {
			cfg.Logging.Level = "debug"
		}
		return cfg, nil
	}
	return d
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "vcm",
	Short: "vcmatrix - VC portfolio analytics",
	Long: `vcm runs and operates vcmatrix, the analytics backend behind the portfolio
matrix: company records, matrix cells and their actions, PWERM/DCF/comparables
valuations, document extraction and the analyst agent.

COMMON WORKFLOWS:
  First run:       vcm db migrate  →  vcm secrets set anthropic_api_key  →  vcm serve
  Scale out:       vcm serve  +  vcm worker (requires redis.url)
  Offline models:  vcm valuate pwerm --revenue 2000000 --ownership 0.15 --investment 3000000
  Investigate:     vcm audit --since 1h  →  vcm audit --request-id <id>

DISCOVERY:
  vcm <command> --help        Subcommands, flags, and examples for any command
  vcm config show             Effective configuration with credentials masked`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Version command flags.
var (
	versionAll    bool
	versionAPIURL string
)

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long: `Print the version, commit hash, and build time of vcm.

Use --all to also ask a running API server for its version.

Examples:
  vcm version
  vcm version --all --api-url http://vcmatrix:8080
  vcm version --output json`,
	RunE: func(c *cobra.Command, args []string) error {
		infos := []versionResult{{Info: buildinfo.Get("vcm")}}
		if versionAll {
			infos = append(infos, fetchVersion(c.Context(), versionAPIURL))
		}
		return printVersions(c.OutOrStdout(), config.OutputFormat(outputFormat), infos)
	},
}

type versionResult struct {
	buildinfo.Info
	Error string `json:"error,omitempty"`
}

// fetchVersion reads the enveloped /version response of an API server.
func fetchVersion(ctx context.Context, baseURL string) versionResult {
	res := versionResult{Info: buildinfo.Info{ServiceName: "vcmatrix-api", Version: "unreachable"}}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/version", nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		res.Error = fmt.Sprintf("status %d", resp.StatusCode)
		return res
	}
	var env struct {
		Data buildinfo.Info `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		res.Error = fmt.Sprintf("decoding response: %v", err)
		return res
	}
	res.Info = env.Data
	return res
}

func printVersions(w io.Writer, format config.OutputFormat, infos []versionResult) error {
	if format == config.OutputFormatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if len(infos) == 1 {
			return enc.Encode(infos[0])
		}
		return enc.Encode(infos)
	}
	for i, info := range infos {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s version %s\n", info.ServiceName, info.Version)
		if info.Error != "" {
			fmt.Fprintf(w, "  error:      %s\n", info.Error)
			continue
		}
		fmt.Fprintf(w, "  commit:     %s\n", info.Commit)
		fmt.Fprintf(w, "  built:      %s\n", info.BuildTime)
		fmt.Fprintf(w, "  go:         %s\n", info.GoVersion)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.vcmatrix/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "", "output format: text, json, yaml")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddGroup(
		&cobra.Group{ID: "run", Title: "Running:"},
		&cobra.Group{ID: "analysis", Title: "Analysis:"},
		&cobra.Group{ID: "ops", Title: "Operations:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)

	serveCmd := cmd.NewServeCommand(deps)
	serveCmd.GroupID = "run"
	rootCmd.AddCommand(serveCmd)

	workerCmd := cmd.NewWorkerCommand(deps)
	workerCmd.GroupID = "run"
	rootCmd.AddCommand(workerCmd)

	valuateCmd := cmd.NewValuateCommand()
	valuateCmd.GroupID = "analysis"
	rootCmd.AddCommand(valuateCmd)

	dbCmd := cmd.NewDbCommand(deps)
	dbCmd.GroupID = "ops"
	rootCmd.AddCommand(dbCmd)

	auditCmd := cmd.NewAuditCommand(cmd.DefaultAuditDeps(deps))
	auditCmd.GroupID = "ops"
	rootCmd.AddCommand(auditCmd)

	secretsCmd := cmd.NewSecretsCommand(deps)
	secretsCmd.GroupID = "setup"
	rootCmd.AddCommand(secretsCmd)

	configCmd := cmd.NewConfigCommand(deps)
	configCmd.GroupID = "setup"
	rootCmd.AddCommand(configCmd)

	versionCmd.GroupID = "setup"
	versionCmd.Flags().BoolVar(&versionAll, "all", false, "Also query the API server's version")
	versionCmd.Flags().StringVar(&versionAPIURL, "api-url", "http://localhost:8080", "API server base URL for --all")
	rootCmd.AddCommand(versionCmd)

	rootCmd.SetHelpCommandGroupID("setup")
	rootCmd.SetCompletionCommandGroupID("setup")
}

func main() {
	// SIGINT and SIGTERM cancel the context; serve and worker shut down
	// gracefully when it is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
