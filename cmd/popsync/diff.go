package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"popsync/internal/reconcile"

	"github.com/spf13/cobra"
)

func newDiffCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "diff",
		Short: "Show what a catalog sync would change without applying it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			d, err := dryRun(ctx, a)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(d)
		},
	}
}

func dryRun(ctx context.Context, a *app) (reconcile.DiffResult, error) {
	a.reconciler.DryRun = true
	defer func() { a.reconciler.DryRun = false }()

	d, _, err := a.reconciler.Sync(ctx, a.catalog, a.mirror)
	if err != nil {
		return reconcile.DiffResult{}, fmt.Errorf("diff: %w", err)
	}
	return d, nil
}
