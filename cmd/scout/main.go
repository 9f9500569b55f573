package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"scout/internal/config"
)

var (
	// Global flags
	configPath string
	stateDir   string
	verbose    bool
	timeout    time.Duration

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "scout",
	Short: "scout - adaptive web research from a real browser",
	Long: `scout runs multi-phase web research through a headless browser:
open-web intelligence gathering first, then targeted vendor visits,
with per-site extraction schemas that are learned and recalibrated
as sites change.

State (sessions, caches, registries, logs) lives under ~/.scout by default.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <state-dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "State directory (default: ~/.scout)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 20*time.Minute, "Overall research timeout")

	rootCmd.AddCommand(researchCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(schemasCmd)
	rootCmd.AddCommand(vendorsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves flags into a config, flag values winning over the
// file and environment.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		base := stateDir
		if base == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("resolving home dir: %w", err)
			}
			base = filepath.Join(home, ".scout")
		}
		path = filepath.Join(base, "config.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if verbose {
		cfg.Logging.DebugMode = true
	}
	return cfg, nil
}
