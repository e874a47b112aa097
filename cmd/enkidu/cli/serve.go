package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/enkidu/internal/api"
)

const serveLongDesc = `Serve the HTTP API.

Routes:
  POST /api/chat                  one chat turn
  POST /api/dream                 one dream pass
  GET  /api/records[/:id]         list or read records
  GET  /api/search?q=             rank records
  GET  /api/threads               list conversations
  POST /api/backfill-embeddings   embed records missing a vector
  GET  /api/tools                 tool manifest
  GET  /healthz                   health check`

func newServeCmd(g *globalFlags) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long:  serveLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			server, err := api.NewServer(api.Config{
				ListenAddr: a.cfg.Server.Listen,
				WatchVault: watch,
			}, api.Deps{
				Layout:   a.layout,
				Runtime:  a.rt,
				Dream:    a.dreamPass(),
				Index:    a.index,
				Semantic: a.semantic,
				Vault:    a.vault(),
			}, a.obs)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return server.Run(ctx)
		},
	}
	cmd.Flags().String("listen", "", "Listen address (default 127.0.0.1:7777)")
	cmd.Flags().BoolVar(&watch, "watch", true, "Re-import vault files when they change")
	return cmd
}
