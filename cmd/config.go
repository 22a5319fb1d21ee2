package cmd

import (
	"fmt"
	"io"
	"net/url"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/vcmatrix/config"
	"github.com/otherjamesbrown/vcmatrix/pkg/secrets"
)

// NewConfigCommand creates the config command.
func NewConfigCommand(deps *CommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultDeps("")
	}
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
		Long: `Inspect the configuration the server and workers would run with.

Settings come from defaults, then the config file, then VCM_* environment
variables, then the secrets store for API keys that are still empty.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with credentials masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := deps.LoadConfig()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			return showConfig(cmd.OutOrStdout(), cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := config.ConfigPath()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), p)
			return nil
		},
	})
	return cmd
}

func showConfig(w io.Writer, cfg *config.ServiceConfig) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(redactConfig(cfg)); err != nil {
		return err
	}
	return enc.Close()
}

// redactConfig returns a copy of cfg safe to print.
func redactConfig(cfg *config.ServiceConfig) *config.ServiceConfig {
	c := *cfg
	c.Server.APIKeys = make([]string, len(cfg.Server.APIKeys))
	for i, k := range cfg.Server.APIKeys {
		c.Server.APIKeys[i] = secrets.Mask(k)
	}
	c.LLM.APIKey = secrets.Mask(c.LLM.APIKey)
	c.Integrations.TavilyAPIKey = secrets.Mask(c.Integrations.TavilyAPIKey)
	c.Integrations.WolframAppID = secrets.Mask(c.Integrations.WolframAppID)
	if c.Database.Password != "" {
		c.Database.Password = "********"
	}
	c.Database.URL = redactURL(c.Database.URL)
	c.Redis.URL = redactURL(c.Redis.URL)
	return &c
}

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "********"
	}
	return u.Redacted()
}
