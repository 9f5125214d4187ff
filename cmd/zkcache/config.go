package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/zkcache/pkg/zkcache/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage zkcache configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("base_url:   %s\n", cfg.BaseURL)
		fmt.Printf("cache_path: %s\n", cfg.CachePath)
		fmt.Printf("loader:\n")
		fmt.Printf("  concurrency:      %d\n", cfg.Loader.Concurrency)
		fmt.Printf("  max_attempts:     %d\n", cfg.Loader.MaxAttempts)
		fmt.Printf("  retry_base_delay: %s\n", cfg.Loader.RetryBaseDelay)
		fmt.Printf("manifest:\n")
		fmt.Printf("  version:    %d\n", cfg.Manifest.Version)
		fmt.Printf("  chunk_size: %s\n", cfg.Manifest.ChunkSize)
		fmt.Printf("serve:\n")
		fmt.Printf("  listen: %s\n", cfg.Serve.Listen)
		fmt.Printf("  watch:  %v\n", cfg.Serve.Watch)
		fmt.Printf("logging:\n")
		fmt.Printf("  level: %s\n", cfg.Logging.Level)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file if none exists",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteDefault(); err != nil {
			return err
		}
		dir, err := config.ConfigDir()
		if err != nil {
			return err
		}
		fmt.Printf("Config file: %s\n", filepath.Join(dir, "config.yaml"))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
