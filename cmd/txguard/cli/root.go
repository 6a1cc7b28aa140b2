package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tkingovr/txguard/internal/config"
)

// ConfigEnv names the config file when --config is not given.
const ConfigEnv = "TXGUARD_CONFIG"

var (
	cfgFile string
	verbose bool
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "txguard",
	Short: "txguard: intent-aware transaction audits with signed verdicts",
	Long: `txguard checks a proposed blockchain transaction against the intent it
was meant to carry out. It derives an expectation from the intent, runs the
transaction in a disposable fork, reconciles what happened against what was
expected, and signs the resulting PASS, ADVISE or STOP verdict.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML), defaults to $"+ConfigEnv)
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// loadConfig reads --config, then $TXGUARD_CONFIG, then falls back to the
// defaults.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = os.Getenv(ConfigEnv)
	}
	if path == "" {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
