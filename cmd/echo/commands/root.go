package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AporiaLabs/echo/coreengine/config"
	"github.com/AporiaLabs/echo/coreengine/logging"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "echo",
		Short: "Echo - a persona-driven conversational agent runtime",
		Long: `Echo runs a character-defined agent behind a message pipeline:
inputs are validated, enriched with memories, routed by an LLM classifier
and answered by the selected route. Replies leave through paced queues.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		FParseErrWhitelist: cobra.FParseErrWhitelist{},
		SilenceErrors:      true,
		SilenceUsage:       true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (settings and character)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(newServeCmd(), newChatCmd(), newPostCmd())
	return cmd
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version shown by --version.
func SetVersionInfo(v, c, d string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

// loadConfig reads --config over the defaults and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if logLevel != "" {
		cfg.ApplyMap(map[string]any{"log_level": logLevel})
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) logging.Logger {
	return logging.New(os.Stderr, cfg.LogFormat, cfg.LogLevel).Bind("service", "echo")
}
