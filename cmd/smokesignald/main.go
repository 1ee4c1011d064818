// Command smokesignald runs the group-membership and fan-out broker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tiras-j/smokesignal/internal/broker"
	"github.com/tiras-j/smokesignal/internal/config"
	"github.com/tiras-j/smokesignal/internal/health"
	"github.com/tiras-j/smokesignal/internal/logging"
	"github.com/tiras-j/smokesignal/internal/reactor"
	"github.com/tiras-j/smokesignal/internal/registry"
)

func main() {
	if err := logging.Configure(logging.LevelInfo, nil); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		port        int
		stateDir    string
		resetWindow time.Duration
		debug       bool
	)

	cmd := &cobra.Command{
		Use:   "smokesignald",
		Short: "Group-membership and fan-out message broker",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level, nil)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("state-dir") {
				cfg.StateDir = stateDir
			}
			if cmd.Flags().Changed("reset-window") {
				cfg.ResetWindow = resetWindow
			}
			if debug {
				cfg.LogLevel = logging.LevelDebug
			}
			if err := logging.Configure(cfg.LogLevel, nil); err != nil {
				return fmt.Errorf("configure logger: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().IntVar(&port, "port", config.DefaultPort, "TCP port to listen on")
	cmd.Flags().StringVar(&stateDir, "state-dir", config.DefaultStateDir, "Directory holding persisted group member lists")
	cmd.Flags().DurationVar(&resetWindow, "reset-window", config.DefaultResetWindow, "Cold-start staleness window before wiping persisted state")
	return cmd
}

// run wires the registry, health table, dispatcher, and reactor together and
// blocks until ctx is cancelled.
func run(ctx context.Context, cfg config.Config) error {
	reg := registry.New(cfg.StateDir, cfg.ResetWindow)
	if err := reg.Initialize(); err != nil {
		return fmt.Errorf("initialize registry: %w", err)
	}

	healthTable := health.NewTable()
	b := broker.New(reg, healthTable)
	r := reactor.New(cfg.Port, b)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("smokesignald: starting", "port", cfg.Port, "state_dir", cfg.StateDir)
		return r.Run(ctx)
	})
	return g.Wait()
}
