package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/offlinekit/pkg/config"
	"github.com/pario-ai/offlinekit/pkg/engine"
	"github.com/pario-ai/offlinekit/pkg/proxy"
	"github.com/pario-ai/offlinekit/pkg/trigger"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the offline interception proxy",
		Long: "Start the offline interception proxy.\n\n" +
			"SIGUSR1 requests a sync wake (drain now), SIGUSR2 a periodic wake " +
			"(refresh templates and snapshots, then drain).",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := newLogger(os.Stdout, cfg.Log)
			slog.SetDefault(logger)

			eng, err := engine.New(cfg, engine.Options{Logger: logger})
			if err != nil {
				return fmt.Errorf("init engine: %w", err)
			}
			defer func() { _ = eng.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := eng.Start(ctx); err != nil {
				return fmt.Errorf("start engine: %w", err)
			}
			go forwardWakeSignals(ctx, eng)

			logger.Info("starting offlinekit", "config", configPath, "version", cfg.Version, "db", cfg.DBPath)
			return proxy.New(eng).ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	return cmd
}

func forwardWakeSignals(ctx context.Context, eng *engine.Engine) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			switch sig {
			case syscall.SIGUSR1:
				eng.Wake(trigger.SourceSyncWake)
			case syscall.SIGUSR2:
				eng.Wake(trigger.SourcePeriodic)
			}
		}
	}
}
