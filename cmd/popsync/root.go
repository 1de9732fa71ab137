package main

import (
	"fmt"
	"strings"

	"popsync/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	LogLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "popsync",
		Short:         "Mirror population and BLS data into object storage",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "config.yaml", "path to configuration file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (overrides log.level)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newDiffCommand(opts))
	cmd.AddCommand(newServeCommand(opts))
	return cmd
}

// load reads the configuration and configures the global logger from it.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if err := configureLogging(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configureLogging(lc config.LogConfig) error {
	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", lc.Level, err)
	}
	logrus.SetLevel(level)

	switch strings.ToLower(lc.Format) {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unsupported log format: %s", lc.Format)
	}
	return nil
}
