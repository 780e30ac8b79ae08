// Command mathagent answers mathematics questions with a retrieval,
// reasoning and verification pipeline.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/mathagent/internal/config"
	"github.com/Kocoro-lab/mathagent/internal/logging"
	"github.com/Kocoro-lab/mathagent/internal/tracing"
)

// cli carries the loaded configuration into subcommands.
type cli struct {
	configPath string
	logLevel   string

	cfg      *config.Config
	logger   *zap.Logger
	shutdown func(context.Context) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "mathagent",
		Short:         "Math question answering with retrieval and verification",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return c.finish()
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default ./config/mathagent.yaml or $CONFIG_PATH)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(
		newChatCmd(c),
		newAskCmd(c),
		newServeCmd(c),
		newWorkerCmd(c),
		newIngestCmd(c),
		newMCPCmd(c),
		newTokenCmd(c),
	)
	return root
}

func (c *cli) load() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	shutdown, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing setup failed, continuing without traces", zap.Error(err))
		shutdown = func(context.Context) error { return nil }
	}
	c.cfg, c.logger, c.shutdown = cfg, logger, shutdown
	return nil
}

func (c *cli) finish() error {
	if c.shutdown != nil {
		_ = c.shutdown(context.Background())
	}
	if c.logger != nil {
		_ = c.logger.Sync()
	}
	return nil
}
