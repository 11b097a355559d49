package commands

import (
	"os"

	"github.com/spf13/cobra"

	"rootscope/internal/app"
	"rootscope/internal/config"
)

const Version = "0.1.0"

var (
	configPath string
	logLevel   string
	simulate   bool
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "rootscope-evaluate - fault-injection accuracy harness",
		Long: `evaluate injects faults into a system under test, waits for them to show up
in telemetry and scores rootscope's suspect ranking against the injected target.`,
		Version:      Version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: search ./config.yaml, ./config, /etc/rootscope)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	cmd.PersistentFlags().BoolVar(&simulate, "simulate", false, "Inject into the built-in simulator instead of the chaos endpoint")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newHistoryCmd())
	return cmd
}

func Execute() error {
	return rootCmd.Execute()
}

// loadConfig applies the persistent flags on top of the config file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.App.LogLevel = logLevel
	}
	if simulate {
		cfg.Chaos.Mode = "simulator"
	}
	return cfg, nil
}

// setup builds the application with logs on stderr so stdout stays clean
// for the JSON report.
func setup(cfg *config.Config) (*app.App, error) {
	logger := app.NewLogger(cfg.App, os.Stderr)
	return app.New(cfg, logger)
}
