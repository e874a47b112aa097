package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newToolsCmd(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Print the tool manifest offered to the agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			manifest := e.tools().Manifest()
			if asJSON {
				data, err := json.MarshalIndent(manifest, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}

			w := newTable(cmd.OutOrStdout())
			fmt.Fprintln(w, "NAME\tMUTATING\tDESCRIPTION")
			for _, s := range manifest {
				fmt.Fprintf(w, "%s\t%t\t%s\n", s.Name, s.Mutating, cell(s.Description, 80))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "as-json", false, "Print the manifest as JSON")
	return cmd
}
