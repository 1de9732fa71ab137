package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type runOptions struct {
	*rootOptions
	EventPath string
}

func newRunCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one invocation and print its result",
		Long: `Run one invocation. Without --event the run is scheduled: the population
snapshot is stored and the BLS catalog is mirrored. With a storage event the
matching objects are handed to the notebook executor.

Example:
  popsync run
  popsync run --event s3-event.json
  cat event.json | popsync run --event -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInvocation(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.EventPath, "event", "", "trigger event JSON file, or - for stdin")
	return cmd
}

func runInvocation(cmd *cobra.Command, opts *runOptions) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	raw, err := readEvent(opts.EventPath, cmd.InOrStdin())
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

	res, runErr := a.orch.Run(ctx, raw)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("invocation %s failed: %w", res.InvocationID, runErr)
	}
	return nil
}

// readEvent returns the trigger payload. An empty path means a scheduled
// run; "-" reads stdin.
func readEvent(path string, stdin io.Reader) ([]byte, error) {
	switch path {
	case "":
		return nil, nil
	case "-":
		return io.ReadAll(stdin)
	default:
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read event: %w", err)
		}
		return b, nil
	}
}
