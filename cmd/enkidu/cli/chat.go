package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/enkidu/internal/runtime"
	"github.com/felixgeelhaar/enkidu/internal/ui"
	"github.com/felixgeelhaar/enkidu/internal/ui/tui"
)

func newChatCmd(g *globalFlags) *cobra.Command {
	var (
		threadID     string
		contextIDs   []string
		web          bool
		simple       bool
		allowSecrets bool
		interactive  bool
	)

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send one chat turn",
		Long: `Send one chat turn. The message is read from the arguments, or from stdin
when there are none. Pass --thread to continue a conversation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			message, err := readInput(cmd, args)
			if err != nil {
				return err
			}

			a, err := g.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			in := runtime.ChatInput{
				Message:      message,
				ThreadID:     threadID,
				Model:        a.cfg.Model,
				ContextIDs:   contextIDs,
				Web:          web,
				AllowSecrets: allowSecrets,
			}
			if simple {
				in.Mode = runtime.ModeSimple
			}

			counts := a.rt.Events().Counts()
			var out *runtime.ChatOutput
			turn := func(u ui.UI) (string, error) {
				a.rt.SetUI(u)
				res, err := a.rt.Chat(cmd.Context(), in)
				if err != nil {
					return "", err
				}
				out = res
				return res.Reply, nil
			}

			if interactive {
				if _, err := tui.Run("Enkidu chat", a.rt.Config().MaxIterations, turn); err != nil {
					return err
				}
			} else {
				var u ui.UI = ui.SilentUI{}
				if g.verbose {
					u = ui.NewLines(cmd.ErrOrStderr())
				}
				if _, err := turn(u); err != nil {
					return err
				}
			}

			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(out.Reply))
			fmt.Fprintf(cmd.ErrOrStderr(), "thread %s\n", out.ThreadID)
			if out.CaptureID != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "captured %s to the inbox\n", out.CaptureID)
			}
			if g.verbose {
				n := counts()
				fmt.Fprintf(cmd.ErrOrStderr(), "iterations: %d, tool calls: %d, protocol errors: %d\n",
					n[runtime.EventIterationStart], n[runtime.EventToolCallEnd], n[runtime.EventProtocolError])
			}
			if out.TimedOut {
				fmt.Fprintln(cmd.ErrOrStderr(), "iteration ceiling reached; the reply may be incomplete")
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&threadID, "thread", "t", "", "Continue this thread")
	f.StringSliceVar(&contextIDs, "context", nil, "Record ids to include as context")
	f.BoolVar(&web, "web", false, "Allow fetching web pages")
	f.BoolVar(&simple, "simple", false, "Answer with one completion instead of the agent loop")
	f.BoolVar(&allowSecrets, "allow-secrets", false, "Allow writes that look like they contain secrets")
	f.BoolVarP(&interactive, "interactive", "i", false, "Show progress in a terminal UI")
	return cmd
}
