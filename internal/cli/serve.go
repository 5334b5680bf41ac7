package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fluentloop/synapse/internal/server"
)

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server, task worker and retrain scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s, err := server.New(a.cfg, a.log)
			if err != nil {
				return err
			}
			a.log.Info().Str("version", version).Str("addr", a.cfg.ListenAddr()).Msg("starting synapse")
			return s.Run(ctx)
		},
	}
}
