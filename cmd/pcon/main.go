// Command pcon is an interactive console for testing prompt versions
// against a chat backend.
package main

import (
	"os"
	"time"

	"github.com/ZanzyTHEbar/prompt-console/pcon/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	logLevel   string

	loader *config.Loader
	cfg    *config.Config
	logger zerolog.Logger
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pcon",
		Short:         "Interactive console for prompt version testing",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loader = config.NewLoader(configPath)
			loaded, err := loader.Load()
			if err != nil {
				return err
			}
			if logLevel != "" {
				loaded.Log.Level = logLevel
			}
			cfg = loaded
			logger = newLogger(cfg.Log.Level)
			if used := loader.ConfigFileUsed(); used != "" {
				logger.Debug().Str("file", used).Msg("configuration loaded")
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./config.yaml or the user config dir)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")

	root.AddCommand(newChatCmd(), newPromptsCmd(), newServeStubCmd(), newVersionCmd())
	return root
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
