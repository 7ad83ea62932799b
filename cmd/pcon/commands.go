package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ZanzyTHEbar/prompt-console/pcon/backend"
	"github.com/ZanzyTHEbar/prompt-console/pcon/config"
	"github.com/ZanzyTHEbar/prompt-console/pcon/harness"
	"github.com/ZanzyTHEbar/prompt-console/pcon/harness/adapters"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newChatCmd() *cobra.Command {
	var endpoint, useVersion string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if endpoint != "" {
				cfg.API.Endpoint = endpoint
			}
			ctx, cancel := signalContext()
			defer cancel()
			return runChat(ctx, cmd, useVersion)
		},
	}
	cmd.Flags().StringVarP(&endpoint, "endpoint", "e", "", "backend base URL (overrides api.endpoint)")
	cmd.Flags().StringVar(&useVersion, "use", "", "prompt version to select on start")
	return cmd
}

func runChat(ctx context.Context, cmd *cobra.Command, useVersion string) error {
	factory := harness.NewFactory(cfg, prometheus.NewRegistry(), logger)
	defer factory.Close()

	sched := factory.CreateScheduler()
	defer sched.Close()

	out := &syncWriter{w: cmd.OutOrStdout()}
	notifier := adapters.MultiNotifier{
		adapters.NewLogNotifier(logger.With().Str("component", "notify").Logger()),
		consoleNotifier(out),
	}
	ctrl, err := factory.CreateController(ctx, factory.CreateGateway(), sched, notifier)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	loader.Watch(func(next *config.Config, err error) {
		if err != nil {
			logger.Warn().Err(err).Msg("config reload rejected")
			return
		}
		ctrl.SetPollConfig(harness.PollConfig(next.Poll))
		logger.Info().Dur("interval", next.Poll.Interval).Msg("poll settings reloaded")
	})

	r := newREPL(ctrl, cmd.InOrStdin(), out)
	if cfg.API.Endpoint != "" {
		if useVersion != "" {
			if err := ctrl.SelectPromptVersion(ctx, useVersion); err != nil {
				return err
			}
		} else if sel, err := ctrl.Bootstrap(ctx); err != nil {
			logger.Warn().Err(err).Msg("prompt catalog unavailable")
		} else if sel.Version != "" {
			fmt.Fprintf(out, "Using prompt %s (%s)\n", sel.Version, sel.Name)
		}
	}
	return r.run(ctx)
}

func newPromptsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prompts",
		Short: "List prompt versions and the active ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			gw := harness.NewFactory(cfg, nil, logger).CreateGateway()
			prompts, err := gw.ListPrompts(ctx)
			if err != nil {
				return err
			}
			active, err := gw.ActiveVersions(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("active versions unavailable")
			}
			printPrompts(cmd.OutOrStdout(), prompts, active)
			return nil
		},
	}
}

func newServeStubCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve-stub",
		Short: "Run an in-memory backend for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = cfg.Backend.Addr
			}
			if logger.GetLevel() > zerolog.DebugLevel {
				gin.SetMode(gin.ReleaseMode)
			}
			ctx, cancel := signalContext()
			defer cancel()

			srv := backend.New(
				backend.WithLogger(logger.With().Str("component", "backend").Logger()),
				backend.WithChunkDelay(cfg.Backend.ChunkDelay),
			)
			return srv.ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides backend.addr)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pcon %s\n", version)
		},
	}
}
