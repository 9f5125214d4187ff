package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/zkcache/pkg/zkcache/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve <artifact-dir>",
	Short: "Run a development artifact origin",
	Long: `Serves a directory of artifacts over the same HTTP surface the loader
consumes: GET /{fileId} for artifact bytes and GET /manifest.json for the
manifest. With --watch (the default) the manifest is regenerated whenever
the directory contents change.`,
	Args: cobra.ExactArgs(1),
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("listen", "l", "", "listen address (default from config)")
	serveCmd.Flags().Bool("watch", true, "regenerate the manifest on file changes")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	listen, _ := cmd.Flags().GetString("listen")
	if listen == "" {
		listen = cfg.Serve.Listen
	}

	chunkSize, err := cfg.ChunkSizeBytes()
	if err != nil {
		return err
	}

	srv, err := server.New(args[0], cfg.Manifest.Version, chunkSize)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watch, _ := cmd.Flags().GetBool("watch")
	if watch && cfg.Serve.Watch {
		watcher, err := server.NewWatcher(srv)
		if err != nil {
			return fmt.Errorf("starting watcher: %w", err)
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				fmt.Printf("watcher stopped: %v\n", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	man := srv.Manifest()
	fmt.Printf("Serving %d artifacts from %s on http://%s\n", man.TotalFiles, srv.Dir(), listen)
	fmt.Printf("  root: %s\n", man.Root)

	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
