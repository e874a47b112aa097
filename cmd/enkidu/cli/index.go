package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/enkidu/internal/semantic"
)

func newIndexCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Inspect and rebuild the retrieval index",
	}
	cmd.AddCommand(newIndexRebuildCmd(g), newIndexSearchCmd(g))
	return cmd
}

func newIndexRebuildCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the index snapshot from the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			snap, err := e.index.Rebuild(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d records into %s\n", snap.Count, e.layout.SnapshotPath())
			return nil
		},
	}
}

func newIndexSearchCmd(g *globalFlags) *cobra.Command {
	var (
		topK  int
		quiet bool
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Rank records against a query",
		Long: `Rank records against a query. Semantic and token hits are merged when an
embedding provider is configured; otherwise only token overlap is used.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			a, err := g.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			var hits []semantic.Hit
			if a.semantic != nil {
				hits, err = a.semantic.Combined(cmd.Context(), query, topK)
			} else {
				tokenHits, terr := a.index.TopN(cmd.Context(), query, topK)
				hits, err = semantic.Merge(nil, tokenHits, topK), terr
			}
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if quiet {
				for _, h := range hits {
					fmt.Fprintln(w, h.ID)
				}
				return nil
			}
			if len(hits) == 0 {
				fmt.Fprintln(w, "No results found.")
				return nil
			}

			fmt.Fprintf(w, "\n%s %s\n\n", headerStyle.Render("Results for:"), idStyle.Render(fmt.Sprintf("%q", query)))
			for i, h := range hits {
				score := fmt.Sprintf("score %d", h.Score)
				if h.Source == semantic.SourceSemantic {
					score = fmt.Sprintf("similarity %.3f", h.Similarity)
				}
				fmt.Fprintf(w, "%s %s %s %s\n",
					rankStyle.Render(fmt.Sprintf("%2d.", i+1)),
					idStyle.Render(h.ID),
					scoreStyle.Render(score),
					dimStyle.Render("("+h.Source+")"),
				)
				if h.Title != "" {
					fmt.Fprintf(w, "    %s\n", h.Title)
				}
			}
			fmt.Fprintln(w)
			return nil
		},
	}
	cmd.Flags().IntVarP(&topK, "top", "k", 5, "Number of results to return")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Output only record ids, one per line")
	return cmd
}
