package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/enkidu/internal/store"
	"github.com/felixgeelhaar/enkidu/internal/tools"
	"github.com/felixgeelhaar/enkidu/internal/vault"
)

func newRecordsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "records",
		Aliases: []string{"rec"},
		Short:   "Manage memory records",
	}
	cmd.AddCommand(
		newRecordsListCmd(g),
		newRecordsGetCmd(g),
		newRecordsAddCmd(g),
		newRecordsRmCmd(g),
	)
	return cmd
}

func newRecordsListCmd(g *globalFlags) *cobra.Command {
	var (
		tags     []string
		exclude  []string
		threadID string
		query    string
		limit    int
		offset   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := e.store.Query(cmd.Context(), store.Filter{
				Tags:         tags,
				ExcludeTags:  exclude,
				ThreadID:     threadID,
				BodyContains: query,
				Limit:        limit,
				Offset:       offset,
				WithCount:    true,
			})
			if err != nil {
				return err
			}

			w := newTable(cmd.OutOrStdout())
			fmt.Fprintln(w, "ID\tCREATED\tTAGS\tTITLE")
			for _, r := range res.Records {
				title := r.Title
				if title == "" {
					title = r.Body
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, stamp(r.CreatedAt), cell(strings.Join(r.Tags, ","), 30), cell(title, 60))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d of %d records\n", len(res.Records), res.Count)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&tags, "tag", nil, "Require these tags")
	f.StringSliceVar(&exclude, "exclude", nil, "Skip records with these tags")
	f.StringVar(&threadID, "thread", "", "Only this thread")
	f.StringVarP(&query, "query", "q", "", "Body substring")
	f.IntVarP(&limit, "limit", "n", 20, "Maximum rows")
	f.IntVar(&offset, "offset", 0, "Rows to skip")
	return cmd
}

func newRecordsGetCmd(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Print one record as markdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			rec, err := e.store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			var data []byte
			if asJSON {
				data, err = json.MarshalIndent(rec, "", "  ")
				data = append(data, '\n')
			} else {
				data, err = vault.Render(rec)
			}
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "as-json", false, "Print JSON instead of markdown")
	return cmd
}

// newRecordsAddCmd creates a record through the create_record tool so the
// sandbox and secret screen apply exactly as they do for the agent.
func newRecordsAddCmd(g *globalFlags) *cobra.Command {
	var (
		title        string
		tags         []string
		allowSecrets bool
	)
	cmd := &cobra.Command{
		Use:   "add [body]",
		Short: "Add a record; the body is read from stdin when not given",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			e, err := g.openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			raw, err := json.Marshal(map[string]any{"title": title, "body": body, "tags": tags})
			if err != nil {
				return err
			}
			_, changes, err := e.tools().WithAllowSecrets(allowSecrets).Execute(cmd.Context(), tools.CreateRecord.String(), raw)
			if err != nil {
				return err
			}
			for _, id := range changes.Created {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&title, "title", "", "Record title")
	f.StringSliceVar(&tags, "tag", nil, "Tags")
	f.BoolVar(&allowSecrets, "allow-secrets", false, "Allow content that looks like a secret")
	return cmd
}

func newRecordsRmCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>...",
		Short: "Delete records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			reg := e.tools()
			for _, id := range args {
				raw, _ := json.Marshal(map[string]string{"id": id})
				if _, _, err := reg.Execute(cmd.Context(), tools.DeleteRecord.String(), raw); err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			}
			return nil
		},
	}
}
