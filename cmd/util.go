// Package cmd provides CLI commands for the vcm tool.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/vcmatrix/config"
	"github.com/otherjamesbrown/vcmatrix/pkg/db"
	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
	"github.com/otherjamesbrown/vcmatrix/pkg/secrets"
)

// EnvPassphrase holds the passphrase for the secrets file when the OS
// keyring is not available.
const EnvPassphrase = "VCM_SECRETS_PASSPHRASE"

// CommandDeps holds the dependencies shared by vcm commands. Tests replace
// the functions to avoid touching the filesystem, database or keyring.
type CommandDeps struct {
	LoadConfig  func() (*config.ServiceConfig, error)
	ConnectDB   func(context.Context, *config.ServiceConfig) (*pgxpool.Pool, error)
	OpenSecrets func() (SecretStore, error)
}

// SecretStore is the subset of secrets.Store used by the CLI.
type SecretStore interface {
	Get(name string) (string, error)
	Set(name, value string) error
	Delete(name string) error
	List() ([]string, error)
	Path() string
	KeySource() string
}

// DefaultDeps returns the production dependencies. configPath may be empty.
func DefaultDeps(configPath string) *CommandDeps {
	return &CommandDeps{
		LoadConfig: func() (*config.ServiceConfig, error) {
			return loadServiceConfig(configPath)
		},
		ConnectDB:   connectToDatabase,
		OpenSecrets: openSecrets,
	}
}

func openSecrets() (SecretStore, error) {
	return secrets.OpenDefault(os.Getenv(EnvPassphrase))
}

// loadServiceConfig loads the config and fills missing API keys from the
// secrets store. An unavailable store only matters when no key is needed.
func loadServiceConfig(path string) (*config.ServiceConfig, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	store, err := secrets.OpenDefault(os.Getenv(EnvPassphrase))
	if err != nil {
		return cfg, nil
	}
	if err := cfg.ResolveSecrets(store); err != nil {
		return nil, fmt.Errorf("resolving secrets: %w", err)
	}
	return cfg, nil
}

// connectToDatabase opens the pool, retrying while PostgreSQL starts up.
func connectToDatabase(ctx context.Context, cfg *config.ServiceConfig) (*pgxpool.Pool, error) {
	pool, err := db.ConnectWithRetry(ctx, &cfg.Database, 5, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return pool, nil
}

// connectToRedis opens a client for cfg.Redis.URL and checks it answers.
func connectToRedis(ctx context.Context, cfg *config.ServiceConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("testing redis connection: %w", err)
	}
	return client, nil
}

// newLogger builds the process logger for service from cfg.
func newLogger(cfg *config.ServiceConfig, service string, out io.Writer, sinks ...logging.Sink) logging.Logger {
	lc := logging.DefaultConfig()
	lc.Level = logging.ParseLevel(cfg.Logging.Level)
	lc.ServiceName = service
	lc.Environment = cfg.Environment
	lc.JSONFormat = cfg.Logging.JSON
	lc.Sinks = sinks
	if out != nil {
		lc.Output = out
	}
	return logging.NewLogger(lc)
}

// writeOutput renders v as JSON or YAML, or calls text for the text format.
func writeOutput(w io.Writer, format config.OutputFormat, v any, text func(io.Writer) error) error {
	switch format {
	case config.OutputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case config.OutputFormatYAML:
		enc := yaml.NewEncoder(w)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case config.OutputFormatText, "":
		return text(w)
	default:
		return fmt.Errorf("unknown output format %q (text, json, yaml)", format)
	}
}

// truncate shortens s to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
