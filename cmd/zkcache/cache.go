package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jamesainslie/zkcache/pkg/zkcache/cache"
	"github.com/jamesainslie/zkcache/pkg/zkcache/manifest"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the local verified artifact cache",
	Long: `Commands for inspecting and clearing the local artifact cache.

Cached artifacts live in a badger database under the XDG cache directory
(typically ~/.cache/zkcache/artifacts). Every entry was verified against the
manifest at store time.`,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache usage and storage quota",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(cfg.CachePath); os.IsNotExist(err) {
			fmt.Println("Cache: empty (no database)")
			fmt.Printf("Cache location: %s\n", cfg.CachePath)
			return nil
		}

		store, err := cache.OpenStore(cfg.CachePath)
		if err != nil {
			return fmt.Errorf("opening cache: %w", err)
		}
		defer store.Close()

		var entries int
		var payload int64
		if err := store.ForEach(func(fileID string, size int64) error {
			entries++
			payload += size
			return nil
		}); err != nil {
			return err
		}
		lsm, vlog := store.Sizes()

		fmt.Printf("Cache location: %s\n", cfg.CachePath)
		fmt.Printf("Artifacts:      %d\n", entries)
		fmt.Printf("Payload bytes:  %s\n", humanize.IBytes(uint64(payload)))
		fmt.Printf("On disk:        %s\n", humanize.IBytes(uint64(lsm+vlog)))

		if total, free, err := cache.DiskUsage(cfg.CachePath); err == nil && total > 0 {
			fmt.Printf("Filesystem:     %s free of %s (%.1f%% used by cache)\n",
				humanize.IBytes(uint64(free)), humanize.IBytes(uint64(total)),
				float64(lsm+vlog)/float64(total)*100)
		}
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear all cached artifacts",
	Long:  `Removes every locally cached artifact. The next fetch re-downloads from the origin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(cfg.CachePath); os.IsNotExist(err) {
			fmt.Println("Cache is already empty.")
			return nil
		}

		if err := os.RemoveAll(cfg.CachePath); err != nil {
			return fmt.Errorf("failed to clear cache: %w", err)
		}

		fmt.Println("Cache cleared.")
		return nil
	},
}

var cacheVerifyCmd = &cobra.Command{
	Use:   "verify <manifest>",
	Short: "Re-verify every cached artifact against a manifest",
	Long: `Recomputes chunk hashes for every cached artifact and checks them
against the manifest. Entries that fail verification are purged.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		man, err := manifest.Load(args[0])
		if err != nil {
			return err
		}

		c, err := cache.Open(cfg.CachePath, man)
		if err != nil {
			return fmt.Errorf("opening cache: %w", err)
		}
		defer c.Close()

		var valid, purged int
		for _, entry := range man.EntriesByIndex() {
			if !c.HasValidCache(entry.FileID) {
				continue
			}
			if _, err := c.GetFile(entry.FileID); err != nil {
				if errors.Is(err, cache.ErrNotFound) {
					purged++
					fmt.Printf("PURGED %s\n", entry.FileID)
					continue
				}
				return err
			}
			valid++
		}

		fmt.Printf("%d valid, %d purged\n", valid, purged)
		return nil
	},
}

var cachePathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show cache location",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(cfg.CachePath)
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	cacheCmd.AddCommand(cacheVerifyCmd)
	cacheCmd.AddCommand(cachePathCmd)
	rootCmd.AddCommand(cacheCmd)
}
