package main

import (
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nvr-ai/derm-screen/server"
)

func newServeCmd(opts *rootOptions, stderr io.Writer) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the screening HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts, stderr)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if a.cfg.Server.Warm {
				go func() {
					if err := a.orchestrator.Warm(ctx); err != nil {
						a.capture(err, "")
						log.Warn().Err(err).Msg("model warm-up failed; it will be retried on the first request")
					}
				}()
			}

			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			router := server.New(a.orchestrator, server.Options{MaxUploadBytes: a.cfg.Server.MaxUploadBytes})
			return server.ListenAndServe(ctx, addr, router, server.Timeouts{
				Read:     a.cfg.Server.ReadTimeout,
				Write:    a.cfg.Server.WriteTimeout,
				Shutdown: a.cfg.Server.ShutdownTimeout,
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from server.addr)")
	return cmd
}
