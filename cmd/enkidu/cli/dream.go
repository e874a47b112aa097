package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/enkidu/internal/dream"
	"github.com/felixgeelhaar/enkidu/internal/ui"
	"github.com/felixgeelhaar/enkidu/internal/ui/tui"
)

func newDreamCmd(g *globalFlags) *cobra.Command {
	var (
		limit       int
		interactive bool
	)

	cmd := &cobra.Command{
		Use:   "dream",
		Short: "Run a maintenance pass over recent records",
		Long: `Offer recent records to the model, let it merge, retitle, tag or split them
inside the memories directory, and write a dream diary describing what changed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			pass := a.dreamPass()
			in := dream.Input{Limit: limit, Model: a.cfg.Model}

			var out *dream.Output
			work := func(u ui.UI) (string, error) {
				a.rt.SetUI(u)
				res, err := pass.Run(cmd.Context(), in)
				if err != nil {
					return "", err
				}
				out = res
				return res.Reply, nil
			}

			if interactive {
				if _, err := tui.Run("Enkidu dream", a.rt.Config().MaxIterations, work); err != nil {
					return err
				}
			} else {
				var u ui.UI = ui.SilentUI{}
				if g.verbose {
					u = ui.NewLines(cmd.ErrOrStderr())
				}
				if _, err := work(u); err != nil {
					return err
				}
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "candidates: %d\n", len(out.Candidates))
			fmt.Fprintf(w, "tool calls: %d\n", len(out.ToolCalls))
			fmt.Fprintf(w, "created: %d, updated: %d, deleted: %d\n", len(out.Created), len(out.Updated), len(out.Deleted))
			fmt.Fprintf(w, "diary: %s\n", out.DiaryID)
			if out.TimedOut {
				fmt.Fprintln(w, "iteration ceiling reached")
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", dream.DefaultLimit, fmt.Sprintf("Records to offer (max %d)", dream.MaxLimit))
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Show progress in a terminal UI")
	return cmd
}
