package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/enkidu/internal/vault"
)

func newVaultCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Mirror records to markdown files in the data directory",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "export",
			Short: "Write every non-chat record as a markdown file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				e, err := g.openEnv(cmd)
				if err != nil {
					return err
				}
				defer e.Close()

				rep, err := e.vault().Export(cmd.Context())
				if err != nil {
					return err
				}
				printReport(cmd.OutOrStdout(), "written", rep)
				return nil
			},
		},
		&cobra.Command{
			Use:   "import",
			Short: "Create records from markdown files the store does not know yet",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				e, err := g.openEnv(cmd)
				if err != nil {
					return err
				}
				defer e.Close()

				rep, err := e.vault().Import(cmd.Context())
				if err != nil {
					return err
				}
				if len(rep.Written) > 0 {
					e.index.Invalidate()
				}
				printReport(cmd.OutOrStdout(), "created", rep)
				return nil
			},
		},
	)
	return cmd
}

func printReport(w io.Writer, verb string, rep *vault.Report) {
	fmt.Fprintf(w, "%s %d, skipped %d, failed %d\n", verb, len(rep.Written), len(rep.Skipped), len(rep.Failed))
	keys := make([]string, 0, len(rep.Failed))
	for k := range rep.Failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s: %s\n", k, rep.Failed[k])
	}
}
