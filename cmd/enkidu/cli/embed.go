package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/enkidu/internal/semantic"
)

func newEmbedCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "embed",
		Short: "Manage record embeddings",
	}
	cmd.AddCommand(newEmbedBackfillCmd(g))
	return cmd
}

func newEmbedBackfillCmd(g *globalFlags) *cobra.Command {
	var (
		limit int
		all   bool
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Embed records that have no embedding yet, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.semantic == nil {
				return errors.New("no embedding provider is configured")
			}

			w := cmd.OutOrStdout()
			total := 0
			for {
				rep, err := a.semantic.Backfill(cmd.Context(), limit)
				if err != nil {
					return err
				}
				total += rep.Updated
				for _, f := range rep.Failed {
					fmt.Fprintf(cmd.ErrOrStderr(), "failed %s: %s\n", f.ID, f.Error)
				}
				fmt.Fprintf(w, "scanned %d, embedded %d\n", rep.Scanned, rep.Updated)
				// Stop when nothing moved so failing records do not loop forever.
				if !all || !rep.More || rep.Updated == 0 {
					break
				}
			}
			fmt.Fprintf(w, "embedded %d records\n", total)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", semantic.DefaultBackfillLimit, fmt.Sprintf("Records per batch (max %d)", semantic.MaxBackfillLimit))
	cmd.Flags().BoolVar(&all, "all", false, "Repeat batches until every record is embedded")
	return cmd
}
