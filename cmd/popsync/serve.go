package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"popsync/internal/api"

	"github.com/spf13/cobra"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the invocation API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if port == "" {
				port = os.Getenv("API_PORT")
			}
			if port == "" {
				port = "8080"
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := api.NewServer(a.orch, a.metrics.Handler())
			return srv.Run(ctx, port)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen port (default $API_PORT or 8080)")
	return cmd
}
