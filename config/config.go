// Package config loads the vcmatrix service configuration.
// Values come from defaults, then a YAML file, then environment variables,
// and finally the encrypted secrets store for API keys still left empty.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/vcmatrix/pkg/db"
)

// OutputFormat defines the supported output formats for CLI results.
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
	OutputFormatYAML OutputFormat = "yaml"
)

// Default configuration values.
const (
	DefaultHTTPAddr        = ":8080"
	DefaultHealthAddr      = ":9090"
	DefaultRequestTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
	DefaultConfigDir       = ".vcmatrix"
	DefaultConfigFile      = "config.yaml"
	DefaultLLMModel        = "claude-sonnet-4-5"
	DefaultCacheTTL        = 15 * time.Minute
)

// ServerConfig configures the HTTP API and the worker health endpoint.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	HealthAddr      string        `yaml:"health_addr"`
	APIKeys         []string      `yaml:"api_keys,omitempty"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig configures the job queue, event bus and integration cache.
// An empty URL selects the in-process implementations.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// Enabled reports whether a Redis URL is configured.
func (r RedisConfig) Enabled() bool { return r.URL != "" }

// BlobConfig selects and configures the document store driver.
type BlobConfig struct {
	Driver    string `yaml:"driver"` // fs, s3 or memory
	Root      string `yaml:"root"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// LLMConfig configures the Anthropic fallback used by the agent.
type LLMConfig struct {
	APIKey    string `yaml:"api_key,omitempty"`
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"max_tokens"`
}

// IntegrationsConfig holds keys and endpoints for third-party data APIs.
type IntegrationsConfig struct {
	TavilyAPIKey   string        `yaml:"tavily_api_key,omitempty"`
	TavilyBaseURL  string        `yaml:"tavily_base_url"`
	WolframAppID   string        `yaml:"wolfram_app_id,omitempty"`
	WolframBaseURL string        `yaml:"wolfram_base_url"`
	FXBaseURL      string        `yaml:"fx_base_url"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	HTTPTimeout    time.Duration `yaml:"http_timeout"`
}

// BackendConfig points at an optional remote service that executes cell
// actions marked as remote.
type BackendConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// WorkersConfig sizes the job worker pools.
type WorkersConfig struct {
	ValuationWorkers   int           `yaml:"valuation_workers"`
	DocumentWorkers    int           `yaml:"document_workers"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	VisibilityTimeout  time.Duration `yaml:"visibility_timeout"`
	StaleSweepInterval time.Duration `yaml:"stale_sweep_interval"`
}

// LoggingConfig configures the zerolog output.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	// Audit persists warn+ entries to the audit_log table.
	Audit bool `yaml:"audit"`
}

// ServiceConfig is the root configuration for `vcm serve` and `vcm worker`.
type ServiceConfig struct {
	Environment  string             `yaml:"environment"`
	Server       ServerConfig       `yaml:"server"`
	Database     db.Config          `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Blob         BlobConfig         `yaml:"blob"`
	LLM          LLMConfig          `yaml:"llm"`
	Integrations IntegrationsConfig `yaml:"integrations"`
	Backend      BackendConfig      `yaml:"backend"`
	Workers      WorkersConfig      `yaml:"workers"`
	Logging      LoggingConfig      `yaml:"logging"`
	OutputFormat OutputFormat       `yaml:"output_format"`
}

// DefaultConfig returns a ServiceConfig suitable for local development.
func DefaultConfig() *ServiceConfig {
	return &ServiceConfig{
		Environment: "development",
		Server: ServerConfig{
			Addr:            DefaultHTTPAddr,
			HealthAddr:      DefaultHealthAddr,
			RequestTimeout:  DefaultRequestTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Database: *db.DefaultConfig(),
		Blob: BlobConfig{
			Driver: "fs",
			Root:   "./data/blobs",
			Region: "us-east-1",
		},
		LLM: LLMConfig{
			Model:     DefaultLLMModel,
			MaxTokens: 1024,
		},
		Integrations: IntegrationsConfig{
			TavilyBaseURL:  "https://api.tavily.com",
			WolframBaseURL: "https://api.wolframalpha.com",
			FXBaseURL:      "https://open.er-api.com/v6",
			CacheTTL:       DefaultCacheTTL,
			HTTPTimeout:    15 * time.Second,
		},
		Backend: BackendConfig{
			Timeout: 30 * time.Second,
		},
		Workers: WorkersConfig{
			ValuationWorkers:   2,
			DocumentWorkers:    2,
			PollInterval:       time.Second,
			VisibilityTimeout:  5 * time.Minute,
			StaleSweepInterval: time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		OutputFormat: OutputFormatText,
	}
}

// ConfigDir returns $VCM_CONFIG_DIR or ~/.vcmatrix.
func ConfigDir() (string, error) {
	if dir := os.Getenv("VCM_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, DefaultConfigDir), nil
}

// ConfigPath returns $VCM_CONFIG or the config.yaml inside ConfigDir.
func ConfigPath() (string, error) {
	if p := os.Getenv("VCM_CONFIG"); p != "" {
		return p, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFile), nil
}

// SecretSource supplies API keys that are not set in the file or environment.
type SecretSource interface {
	Get(name string) (string, error)
}

// Secret names looked up in a SecretSource.
const (
	SecretAnthropicAPIKey = "anthropic_api_key"
	SecretTavilyAPIKey    = "tavily_api_key"
	SecretWolframAppID    = "wolfram_app_id"
)

// Load builds the configuration. path overrides ConfigPath; a missing
// default file is not an error, a missing explicit file is.
func Load(path string) (*ServiceConfig, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		p, err := ConfigPath()
		if err != nil {
			return nil, fmt.Errorf("getting config path: %w", err)
		}
		path = p
		explicit = os.Getenv("VCM_CONFIG") != ""
	}

	if _, err := os.Stat(path); err == nil {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	} else if explicit {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func loadFromFile(cfg *ServiceConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// loadFromEnv overlays environment variables onto the configuration.
func loadFromEnv(cfg *ServiceConfig) {
	setString(&cfg.Environment, "VCM_ENV")
	setString(&cfg.Server.Addr, "VCM_HTTP_ADDR")
	setString(&cfg.Server.HealthAddr, "VCM_HEALTH_ADDR")
	if v := os.Getenv("VCM_API_KEYS"); v != "" {
		cfg.Server.APIKeys = splitList(v)
	}
	setDuration(&cfg.Server.RequestTimeout, "VCM_REQUEST_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "VCM_SHUTDOWN_TIMEOUT")

	db.ApplyEnv(&cfg.Database)

	setString(&cfg.Redis.URL, "REDIS_URL")

	setString(&cfg.Blob.Driver, "VCM_BLOB_DRIVER")
	setString(&cfg.Blob.Root, "VCM_BLOB_ROOT")
	setString(&cfg.Blob.Bucket, "VCM_S3_BUCKET")
	setString(&cfg.Blob.Region, "AWS_REGION")
	setString(&cfg.Blob.Endpoint, "VCM_S3_ENDPOINT")
	setBool(&cfg.Blob.PathStyle, "VCM_S3_PATH_STYLE")

	setString(&cfg.LLM.APIKey, "ANTHROPIC_API_KEY")
	setString(&cfg.LLM.Model, "VCM_LLM_MODEL")

	setString(&cfg.Integrations.TavilyAPIKey, "TAVILY_API_KEY")
	setString(&cfg.Integrations.WolframAppID, "WOLFRAM_APP_ID")
	setString(&cfg.Integrations.FXBaseURL, "VCM_FX_BASE_URL")
	setDuration(&cfg.Integrations.CacheTTL, "VCM_CACHE_TTL")

	setString(&cfg.Backend.URL, "VCM_BACKEND_URL")

	setInt(&cfg.Workers.ValuationWorkers, "VCM_VALUATION_WORKERS")
	setInt(&cfg.Workers.DocumentWorkers, "VCM_DOCUMENT_WORKERS")

	setString(&cfg.Logging.Level, "VCM_LOG_LEVEL")
	setBool(&cfg.Logging.JSON, "VCM_LOG_JSON")
	setBool(&cfg.Logging.Audit, "VCM_LOG_AUDIT")

	if v := os.Getenv("VCM_OUTPUT_FORMAT"); v != "" {
		cfg.OutputFormat = OutputFormat(v)
	}
}

// ResolveSecrets fills empty API keys from src. Missing secrets are skipped.
func (c *ServiceConfig) ResolveSecrets(src SecretSource) error {
	if src == nil {
		return nil
	}
	targets := []struct {
		name string
		dst  *string
	}{
		{SecretAnthropicAPIKey, &c.LLM.APIKey},
		{SecretTavilyAPIKey, &c.Integrations.TavilyAPIKey},
		{SecretWolframAppID, &c.Integrations.WolframAppID},
	}

	var errs []error
	for _, t := range targets {
		if *t.dst != "" {
			continue
		}
		v, err := src.Get(t.name)
		if err != nil {
			if IsSecretNotFound(err) {
				continue
			}
			errs = append(errs, fmt.Errorf("secret %s: %w", t.name, err))
			continue
		}
		*t.dst = v
	}
	return errors.Join(errs...)
}

// ErrSecretNotFound is returned by secret sources for unknown names.
var ErrSecretNotFound = errors.New("secret not found")

// IsSecretNotFound reports whether err means the secret simply is not stored.
func IsSecretNotFound(err error) bool {
	return errors.Is(err, ErrSecretNotFound)
}

// Validate checks that the configuration is usable.
func (c *ServiceConfig) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be positive")
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	switch c.Blob.Driver {
	case "fs":
		if c.Blob.Root == "" {
			return fmt.Errorf("blob.root is required for the fs driver")
		}
	case "s3":
		if c.Blob.Bucket == "" {
			return fmt.Errorf("blob.bucket is required for the s3 driver")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid blob.driver: %q (must be fs, s3, or memory)", c.Blob.Driver)
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("llm.max_tokens must be positive")
	}
	if c.Workers.ValuationWorkers < 0 || c.Workers.DocumentWorkers < 0 {
		return fmt.Errorf("worker counts must not be negative")
	}
	if c.Integrations.CacheTTL < 0 {
		return fmt.Errorf("integrations.cache_ttl must not be negative")
	}
	if !c.OutputFormat.IsValid() {
		return fmt.Errorf("invalid output_format: %q (must be text, json, or yaml)", c.OutputFormat)
	}
	return nil
}

// IsValid checks if the output format is valid.
func (f OutputFormat) IsValid() bool {
	switch f {
	case OutputFormatText, OutputFormatJSON, OutputFormatYAML:
		return true
	default:
		return false
	}
}

// String returns the string representation of the output format.
func (f OutputFormat) String() string {
	return string(f)
}

// ExpandPath expands ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
