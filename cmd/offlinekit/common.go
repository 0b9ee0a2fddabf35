package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/pario-ai/offlinekit/pkg/config"
	"github.com/pario-ai/offlinekit/pkg/engine"
)

const defaultConfigPath = "offlinekit.yaml"

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// openEngine builds an engine for one-shot commands. Nothing runs in
// the background; logs go to stderr as text.
func openEngine(configPath string) (*engine.Engine, func(), error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logCfg := cfg.Log
	logCfg.Format = "text"
	if logCfg.Level == "info" {
		logCfg.Level = "warn"
	}

	eng, err := engine.New(cfg, engine.Options{Logger: newLogger(os.Stderr, logCfg)})
	if err != nil {
		return nil, nil, err
	}
	return eng, func() { _ = eng.Close() }, nil
}
