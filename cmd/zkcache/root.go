package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jamesainslie/zkcache/pkg/zkcache/config"
	"github.com/jamesainslie/zkcache/pkg/zkcache/logging"
)

var (
	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:   "zkcache",
		Short: "Verified distribution cache for zero-knowledge proving artifacts",
		Long: `zkcache downloads large immutable binary artifacts (proving keys,
verification keys, SRS tables) from an origin server and guarantees every
byte is verified against a Merkle manifest before use.

Examples:
  zkcache manifest generate ./artifacts        # Build manifest.json for a release
  zkcache fetch groth16/proving.key            # Download and verify one artifact
  zkcache preload --all --priority critical    # Warm the whole cache
  zkcache cache stats                          # Show local cache usage
  zkcache serve ./artifacts                    # Run a dev artifact origin`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return setup()
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		_ = logging.Close()
	}

	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().StringP("base-url", "u", "", "artifact origin base URL")
	rootCmd.PersistentFlags().String("cache-dir", "", "local cache directory")
	rootCmd.PersistentFlags().IntP("concurrency", "c", 0, "parallel downloads (0=default)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug output to stderr")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress console logging")

	// Bind flags to viper
	_ = viper.BindPFlag("base_url", rootCmd.PersistentFlags().Lookup("base-url"))
	_ = viper.BindPFlag("cache_path", rootCmd.PersistentFlags().Lookup("cache-dir"))
	_ = viper.BindPFlag("loader.concurrency", rootCmd.PersistentFlags().Lookup("concurrency"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
}

// setup loads configuration and initializes logging for every command.
func setup() error {
	loaded, err := config.Load()
	if err != nil {
		return err
	}

	// Flag overrides take precedence over config file and environment.
	if v, _ := rootCmd.PersistentFlags().GetString("base-url"); v != "" {
		loaded.BaseURL = v
	}
	if v, _ := rootCmd.PersistentFlags().GetString("cache-dir"); v != "" {
		loaded.CachePath = v
	}
	if v, _ := rootCmd.PersistentFlags().GetInt("concurrency"); v > 0 {
		loaded.Loader.Concurrency = v
	}
	cfg = loaded

	consoleLevel := "info"
	if verbose, _ := rootCmd.PersistentFlags().GetBool("verbose"); verbose {
		consoleLevel = "debug"
	}
	if quiet, _ := rootCmd.PersistentFlags().GetBool("quiet"); quiet {
		consoleLevel = ""
	}

	maxSize, err := humanize.ParseBytes(cfg.Logging.Rotation.MaxSize)
	if err != nil {
		maxSize = 0 // rotation falls back to its default
	}

	return logging.Init(logging.Config{
		Level: cfg.Logging.Level,
		Path:  cfg.Logging.Path,
		Rotation: logging.RotationConfig{
			MaxSize:    int64(maxSize),
			MaxAge:     cfg.Logging.Rotation.MaxAge,
			MaxBackups: cfg.Logging.Rotation.MaxBackups,
		},
		Components:   cfg.Logging.Components,
		ConsoleLevel: consoleLevel,
	})
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

// formatDuration renders short durations for progress output.
func formatDuration(d time.Duration) string {
	return d.Round(10 * time.Millisecond).String()
}
