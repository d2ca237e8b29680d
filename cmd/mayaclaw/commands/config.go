package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/copilot"
)

// newConfigCmd creates the `mayaclaw config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and manage the configuration",
		Long: `Inspect and manage the mayaclaw configuration.

Examples:
  mayaclaw config show
  mayaclaw config validate
  mayaclaw config set-key`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigValidateCmd(),
		newConfigPathCmd(),
		newConfigSetKeyCmd(),
		newConfigDeleteKeyCmd(),
	)
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (secrets masked)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			shown := *cfg
			shown.API.APIKey = mask(cfg.API.APIKey)
			shown.Channels.Telegram.Token = mask(cfg.Channels.Telegram.Token)

			out, err := yaml.Marshal(&shown)
			if err != nil {
				return fmt.Errorf("encoding config: %w", err)
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("%s is invalid:\n%w", path, err)
			}
			fmt.Printf("%s is valid (%d workspaces).\n", path, len(cfg.Workspaces.Configs))
			return nil
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the configuration file in use",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if p, _ := cmd.Root().PersistentFlags().GetString("config"); p != "" {
				fmt.Println(p)
				return nil
			}
			if found := copilot.FindConfigFile(); found != "" {
				fmt.Println(found)
				return nil
			}
			return fmt.Errorf("no configuration file found (default location: %s)", copilot.DefaultConfigPath())
		},
	}
}

func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key",
		Short: "Store the API key in the OS keyring",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if !copilot.KeyringAvailable() {
				return fmt.Errorf("OS keyring is not available, export %s instead", copilot.EnvAPIKey)
			}
			key, err := copilot.ReadPassword("API key: ")
			if err != nil {
				return err
			}
			if err := copilot.StoreAPIKey(key); err != nil {
				return err
			}
			fmt.Println("API key stored in the OS keyring.")
			return nil
		},
	}
}

func newConfigDeleteKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-key",
		Short: "Remove the API key from the OS keyring",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := copilot.DeleteAPIKey(); err != nil {
				return fmt.Errorf("deleting key: %w", err)
			}
			fmt.Println("API key removed from the OS keyring.")
			return nil
		},
	}
}

// mask hides all but the last four characters of a secret.
func mask(secret string) string {
	switch {
	case secret == "" || copilot.IsEnvReference(secret):
		return secret
	case len(secret) <= 8:
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
