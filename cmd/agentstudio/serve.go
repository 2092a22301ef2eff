package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/Pratyay/agent-studio/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the server until SIGINT or SIGTERM",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	a.coord.HandleSignals(ctx)
	if err := a.start(ctx); err != nil {
		a.coord.ShutdownWithTimeout(0)
		return err
	}

	logger.Info("agentstudio ready", map[string]interface{}{
		"version":   version,
		"store":     cfg.Store.Backend,
		"manifests": cfg.Manifests.Dir,
		"telemetry": a.telemetry.Enabled(),
	})

	<-a.coord.Done()
	res := a.coord.Result()
	logger.Info("agentstudio stopped", map[string]interface{}{
		"duration_ms": res.TotalDuration.Milliseconds(),
		"failed":      res.FailedHandlers(),
	})
	return res.Err
}
