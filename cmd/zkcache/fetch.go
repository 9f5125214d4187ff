package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jamesainslie/zkcache/pkg/zkcache/cache"
	"github.com/jamesainslie/zkcache/pkg/zkcache/config"
	"github.com/jamesainslie/zkcache/pkg/zkcache/loader"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <fileId>...",
	Short: "Download and verify artifacts into the local cache",
	Long: `Fetches one or more artifacts from the origin, verifies every byte
against the manifest, and persists them in the local cache. Already-cached
artifacts are verified and skipped.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runFetch,
}

var preloadCmd = &cobra.Command{
	Use:   "preload",
	Short: "Warm the cache with many artifacts at once",
	Long: `Bulk download helper. With --all, every artifact in the manifest is
loaded; otherwise pass fileIds as arguments. Failures are isolated per
artifact and reported together at the end.`,
	RunE: runPreload,
}

func init() {
	fetchCmd.Flags().StringP("priority", "p", "normal", "download priority (low, normal, high, critical)")
	fetchCmd.Flags().Duration("timeout", 0, "overall timeout (0=none)")

	preloadCmd.Flags().StringP("priority", "p", "normal", "download priority (low, normal, high, critical)")
	preloadCmd.Flags().Bool("all", false, "preload every artifact in the manifest")
	preloadCmd.Flags().Duration("timeout", 0, "overall timeout (0=none)")

	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(preloadCmd)
}

// openLoader builds the loader stack from configuration: HTTP transport,
// origin manifest, verified cache.
func openLoader(ctx context.Context) (*loader.Loader, func(), error) {
	if cfg.BaseURL == "" {
		return nil, nil, errors.New("no origin configured: set base_url or pass --base-url")
	}

	fetcher := loader.NewHTTPFetcher(cfg.BaseURL, nil)
	man, err := loader.FetchManifest(ctx, fetcher)
	if err != nil {
		return nil, nil, err
	}

	if err := config.EnsureCacheDir(cfg.CachePath); err != nil {
		return nil, nil, err
	}
	c, err := cache.Open(cfg.CachePath, man)
	if err != nil {
		return nil, nil, err
	}

	retryDelay, err := cfg.RetryBaseDelay()
	if err != nil {
		_ = c.Close()
		return nil, nil, err
	}

	ldr, err := loader.New(man, c, fetcher, loader.Options{
		Concurrency:    cfg.Loader.Concurrency,
		MaxAttempts:    cfg.Loader.MaxAttempts,
		RetryBaseDelay: retryDelay,
	})
	if err != nil {
		_ = c.Close()
		return nil, nil, err
	}

	cleanup := func() {
		ldr.Close()
		_ = c.Close()
	}
	return ldr, cleanup, nil
}

// watchProgress prints state transitions until the subscription closes.
func watchProgress(sub *loader.Subscriber) {
	for event := range sub.Events {
		switch event.State {
		case loader.StateComplete:
			fmt.Printf("  %-12s %s (%s)\n", event.State, event.FileID, humanize.IBytes(uint64(event.Loaded)))
		case loader.StateError:
			fmt.Printf("  %-12s %s: %s\n", event.State, event.FileID, event.Err)
		case loader.StateDownloading:
			// Byte-level updates are too chatty for plain output; only
			// the initial transition is shown.
			if event.Loaded == 0 {
				fmt.Printf("  %-12s %s\n", event.State, event.FileID)
			}
		default:
			fmt.Printf("  %-12s %s\n", event.State, event.FileID)
		}
	}
}

func runFetch(cmd *cobra.Command, args []string) error {
	priorityStr, _ := cmd.Flags().GetString("priority")
	priority, err := loader.ParsePriority(priorityStr)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ldr, cleanup, err := openLoader(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	sub := ldr.Events().Subscribe()
	go watchProgress(sub)
	defer ldr.Events().Unsubscribe(sub.ID)

	start := time.Now()
	results, err := ldr.Preload(ctx, args, priority)
	if err != nil {
		return err
	}

	var total int64
	for _, data := range results {
		total += int64(len(data))
	}
	fmt.Printf("Fetched %d artifacts (%s) in %s\n", len(results), humanize.IBytes(uint64(total)), formatDuration(time.Since(start)))
	return nil
}

func runPreload(cmd *cobra.Command, args []string) error {
	all, _ := cmd.Flags().GetBool("all")
	if !all && len(args) == 0 {
		return errors.New("pass fileIds or --all")
	}

	priorityStr, _ := cmd.Flags().GetString("priority")
	priority, err := loader.ParsePriority(priorityStr)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ldr, cleanup, err := openLoader(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	// Large preloads can swamp small disks; warn up front.
	if quota, err := ldr.GetQuotaInfo(); err == nil && quota.TotalBytes > 0 {
		needed := ldr.Manifest().TotalSize
		if needed > quota.FreeBytes {
			fmt.Printf("Warning: manifest needs %s but only %s free\n",
				humanize.IBytes(uint64(needed)), humanize.IBytes(uint64(quota.FreeBytes)))
		}
	}

	sub := ldr.Events().Subscribe()
	go watchProgress(sub)
	defer ldr.Events().Unsubscribe(sub.ID)

	start := time.Now()
	var results map[string][]byte
	if all {
		results, err = ldr.PreloadAll(ctx, priority)
	} else {
		results, err = ldr.Preload(ctx, args, priority)
	}
	if err != nil {
		return err
	}

	var total int64
	for _, data := range results {
		total += int64(len(data))
	}
	fmt.Printf("Preloaded %d artifacts (%s) in %s\n", len(results), humanize.IBytes(uint64(total)), formatDuration(time.Since(start)))
	return nil
}
