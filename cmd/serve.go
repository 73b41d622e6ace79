package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/implicitfit/internal/server"
	"github.com/cwbudde/implicitfit/internal/store"
)

var (
	servePort     int
	serveStoreDir string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP evaluation server",
	Long: `Serves the evaluation API: problem discovery, job submission, progress
streaming over SSE and Prometheus metrics. Finished jobs are persisted under
the data directory so they survive restarts.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "Listen port")
	serveCmd.Flags().StringVar(&serveStoreDir, "store", "./data", "Data directory for run persistence (empty disables)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	var st store.Store
	if serveStoreDir != "" {
		fsStore, err := store.NewFSStore(serveStoreDir)
		if err != nil {
			return fmt.Errorf("failed to create store: %w", err)
		}
		st = fsStore
	}

	srv := server.NewServer(fmt.Sprintf(":%d", servePort), st)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		slog.Info("Received signal, shutting down", "signal", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
