package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/enkidu/internal/credential"
)

func newConfigCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage stored configuration and credentials",
		Long: `Manage values in the store's configuration table. Keys ending in api_key or
token are encrypted at rest and masked when read back.

Known keys: openai.api_key, openai.base_url, gemini.api_key,
anthropic.api_key, anthropic.base_url, provider.cli.path, provider.cli.args.
Runtime settings such as provider and model belong in config.yaml.`,
	}

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.creds.Put(e.store, args[0], args[1]); err != nil {
				return fmt.Errorf("failed to set config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved: %s\n", args[0])
			return nil
		},
	}

	var reveal bool
	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			val, err := e.creds.Get(e.store, args[0])
			if err != nil {
				return err
			}
			switch {
			case val == "":
				fmt.Fprintln(cmd.OutOrStdout(), "(not set)")
			case credential.IsSecretKey(args[0]) && !reveal:
				fmt.Fprintln(cmd.OutOrStdout(), credential.MaskSecret(val))
			default:
				fmt.Fprintln(cmd.OutOrStdout(), val)
			}
			return nil
		},
	}
	get.Flags().BoolVar(&reveal, "reveal", false, "Print secrets unmasked")

	cmd.AddCommand(set, get)
	return cmd
}
