package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/enkidu/internal/runtime"
)

func newThreadsCmd(g *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List conversations by last activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			// Thread listing reads the store only.
			rt := runtime.New(runtime.Deps{Store: e.store, Guard: e.guard, Observe: e.obs}, runtime.Config{})
			threads, err := rt.Threads(cmd.Context(), limit)
			if err != nil {
				return err
			}

			w := newTable(cmd.OutOrStdout())
			fmt.Fprintln(w, "THREAD\tLAST ACTIVITY\tTURNS\tTITLE")
			for _, t := range threads {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", t.ID, stamp(t.LastActivity), t.Turns, cell(t.Title, 60))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum threads (0 for all)")
	return cmd
}
