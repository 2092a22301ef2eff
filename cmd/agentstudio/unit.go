package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/Pratyay/agent-studio/config"
	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/loader"
	"github.com/Pratyay/agent-studio/logging"
)

var unitCmd = &cobra.Command{
	Use:   "unit <builtin>",
	Short: "Serve a builtin agent over stdio as an exec unit",
	Long: `unit speaks the exec unit protocol on stdin and stdout, so a record with
locator "exec:agentstudio unit llm" runs the llm builtin in its own process.`,
	Args: cobra.ExactArgs(1),
	RunE: runUnit,
}

func runUnit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	// stdout carries the protocol; logs go to stderr.
	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Format: "json",
		Output: os.Stderr,
	})
	defer logger.Sync()

	catalog, err := builtinCatalog(cfg)
	if err != nil {
		return err
	}
	factory, ok := catalog.Get(args[0])
	if !ok {
		return errors.NotFound("unknown builtin", errors.WithMetadata("builtin", args[0]))
	}

	srv := &loader.Server{Factory: factory, Version: version, Logger: logger}
	return srv.Serve(cmd.Context(), os.Stdin, os.Stdout)
}
