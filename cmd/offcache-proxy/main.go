package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", os.Getenv("OFFCACHE_CONFIG"), "path to the YAML config file")
	flag.Parse()

	// Initialize composition root with all dependencies
	root, err := NewCompositionRoot(*configPath)
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	// Ensure cleanup on exit
	defer func() {
		if err := root.Cleanup(); err != nil {
			root.Logger.Error("Failed to cleanup resources", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Precache before serving; on failure the proxy still forwards requests
	root.Bootstrap(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- root.HTTPServer.Start(root.Config.Listen)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			root.Logger.Error("Server failed", zap.Error(err))
		}
		return
	}

	root.Logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), root.Config.ShutdownTimeout)
	defer cancel()

	if err := root.HTTPServer.Stop(shutdownCtx); err != nil {
		root.Logger.Error("HTTP server forced to shutdown", zap.Error(err))
	}

	root.Logger.Info("Server exited")
}
