// Package cli is the enkidu command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time and sent as the web fetch user agent.
var Version = "dev"

const rootLongDesc = `Enkidu is a personal knowledge assistant. It keeps your notes in a local
SQLite store, answers chat turns with an agent that can read and edit them,
and tidies them up in periodic dream passes.

Settings come from flags, ENKIDU_* environment variables and config.yaml in
the data directory, in that order.`

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	dataDir string
	verbose bool
	json    bool
}

// NewRootCmd builds the full command tree.
func NewRootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "enkidu",
		Short:         "Personal knowledge assistant",
		Long:          rootLongDesc,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&g.dataDir, "data-dir", "", "Data directory (default ~/.enkidu)")
	pf.StringP("provider", "p", "", "Completion provider (ollama, openai, gemini, anthropic, cli, stub)")
	pf.StringP("model", "m", "", "Model name (default depends on provider)")
	pf.String("prompts", "", "Prompt pack file (.yaml or .json)")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "Enable verbose logging")
	pf.BoolVar(&g.json, "json", false, "Log as JSON")

	cmd.AddCommand(
		newChatCmd(g),
		newDreamCmd(g),
		newIndexCmd(g),
		newRecordsCmd(g),
		newThreadsCmd(g),
		newEmbedCmd(g),
		newVaultCmd(g),
		newConfigCmd(g),
		newToolsCmd(g),
		newServeCmd(g),
	)
	return cmd
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
