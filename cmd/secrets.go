package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/otherjamesbrown/vcmatrix/config"
	"github.com/otherjamesbrown/vcmatrix/pkg/secrets"
)

// knownSecrets are the names the service resolves at startup.
var knownSecrets = []string{
	config.SecretAnthropicAPIKey,
	config.SecretTavilyAPIKey,
	config.SecretWolframAppID,
}

// NewSecretsCommand creates the secrets command.
func NewSecretsCommand(deps *CommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultDeps("")
	}

	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage encrypted API keys",
		Long: `Manage the API keys used by the agent and integrations.

Secrets are stored AES-256-GCM encrypted in secrets.yaml under the config
directory. The key is derived from ` + EnvPassphrase + ` when it is set,
otherwise it comes from ` + secrets.EnvKeyVar + ` (base64) or the system keyring.

Values in the config file or environment take precedence. The service reads:
  ` + strings.Join(knownSecrets, "\n  "),
		Aliases: []string{"secret"},
	}

	cmd.AddCommand(newSecretsSetCommand(deps))
	cmd.AddCommand(newSecretsGetCommand(deps))
	cmd.AddCommand(newSecretsDeleteCommand(deps))
	cmd.AddCommand(newSecretsListCommand(deps))

	return cmd
}

func newSecretsSetCommand(deps *CommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "set <name> [value]",
		Short: "Store a secret",
		Long: `Store a secret. Without a value argument the value is read from stdin,
without echo when stdin is a terminal.`,
		Example: `  vcm secrets set tavily_api_key
  echo "$KEY" | vcm secrets set anthropic_api_key`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := secrets.ValidateName(name); err != nil {
				return err
			}
			store, err := deps.OpenSecrets()
			if err != nil {
				return fmt.Errorf("opening secrets store: %w", err)
			}

			var value string
			if len(args) == 2 {
				value = args[1]
			} else {
				value, err = readSecretValue(cmd.InOrStdin(), cmd.ErrOrStderr(), name)
				if err != nil {
					return err
				}
			}
			if value == "" {
				return errors.New("secret value cannot be empty")
			}
			if err := store.Set(name, value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s in %s\n", name, store.Path())
			return nil
		},
	}
}

// readSecretValue reads one line from in, disabling echo when in is a
// terminal.
func readSecretValue(in io.Reader, prompt io.Writer, name string) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprintf(prompt, "Value for %s: ", name)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("reading value: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading value: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func newSecretsGetCommand(deps *CommandDeps) *cobra.Command {
	var show bool
	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Show a secret (masked unless --show)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := deps.OpenSecrets()
			if err != nil {
				return fmt.Errorf("opening secrets store: %w", err)
			}
			value, err := store.Get(args[0])
			if err != nil {
				if errors.Is(err, secrets.ErrNotFound) {
					return fmt.Errorf("secret %q is not set", args[0])
				}
				return err
			}
			if !show {
				value = secrets.Mask(value)
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}
	cmd.Flags().BoolVar(&show, "show", false, "Print the plain value")
	return cmd
}

func newSecretsDeleteCommand(deps *CommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <name>",
		Aliases: []string{"rm"},
		Short:   "Delete a secret",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := deps.OpenSecrets()
			if err != nil {
				return fmt.Errorf("opening secrets store: %w", err)
			}
			if err := store.Delete(args[0]); err != nil {
				if errors.Is(err, secrets.ErrNotFound) {
					return fmt.Errorf("secret %q is not set", args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}

func newSecretsListCommand(deps *CommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored secret names",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := deps.OpenSecrets()
			if err != nil {
				return fmt.Errorf("opening secrets store: %w", err)
			}
			names, err := store.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Store: %s (key: %s)\n", store.Path(), store.KeySource())
			if len(names) == 0 {
				fmt.Fprintln(out, "No secrets stored.")
				return nil
			}
			for _, n := range names {
				fmt.Fprintf(out, "  %s\n", n)
			}
			return nil
		},
	}
}
