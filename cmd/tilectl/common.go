package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"offlinemap/internal/config"
	"offlinemap/internal/logger"
	"offlinemap/internal/tile_store"
)

func newLogger(cfg *config.Config) *zap.Logger {
	log, err := logger.New(cfg.LogLevel, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize logger: %v\n", err)
		return zap.NewNop()
	}
	return log
}

func openStore(path string, mustExist bool, log *zap.Logger) (*tile_store.Store, int) {
	store, err := tile_store.Open(path, tile_store.WithMustExist(mustExist), tile_store.WithLogger(log))
	if errors.Is(err, tile_store.ErrStoreNotFound) {
		fmt.Fprintf(os.Stderr, "Error: no offline map database at %s\n", path)
		return nil, ExitInvalidArgs
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening %s: %v\n", path, err)
		return nil, ExitStorageError
	}
	return store, ExitSuccess
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\n[tilectl] Received interrupt, shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
