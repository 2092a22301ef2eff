package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Pratyay/agent-studio/agent"
	"github.com/Pratyay/agent-studio/config"
	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/manifest"
)

var (
	askSession string
	askUser    string
	askTimeout time.Duration
)

var askCmd = &cobra.Command{
	Use:   "ask <message>",
	Short: "Route one message and print the reply",
	Long:  `ask boots the components in-process, syncs the manifest directory once, routes the message through the callbacks and the router, and prints the resulting events.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askSession, "session", "", "Session ID (default: random)")
	askCmd.Flags().StringVar(&askUser, "user", "cli", "User ID")
	askCmd.Flags().DurationVar(&askTimeout, "timeout", 2*time.Minute, "Overall deadline")
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(cmd.Context(), askTimeout)
	defer cancel()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.coord.ShutdownWithTimeout(10 * time.Second)

	if dir := cfg.Manifests.Dir; dir != "" {
		if _, err := manifest.NewWatcher(dir, a.registry, manifest.WithLogger(logger)).Sync(ctx); err != nil {
			return err
		}
	}
	if _, err := a.index.Rebuild(ctx); err != nil {
		return err
	}
	if _, err := a.remotes.ReconnectAll(ctx); err != nil {
		logger.Warn("reconnecting remote agents failed", map[string]interface{}{"error": err})
	}

	session := askSession
	if session == "" {
		session = uuid.New().String()
	}
	events, err := a.router.Dispatch(ctx, agent.Invocation{
		UserID:    askUser,
		SessionID: session,
		Content:   strings.Join(args, " "),
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for ev := range events {
		switch ev.Kind {
		case agent.EventError:
			return errors.New(errors.ErrCodeUnavailable, ev.Error, errors.WithMetadata("author", ev.Author))
		case agent.EventFinal, agent.EventReplaced:
			fmt.Fprintf(out, "[%s] %s\n", ev.Author, ev.Text)
		default:
			logger.Debug("event", map[string]interface{}{"kind": string(ev.Kind), "author": ev.Author})
		}
	}
	return ctx.Err()
}
