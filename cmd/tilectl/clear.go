package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"offlinemap/internal/config"
)

func runClear(args []string) int {
	cfg := config.Load()

	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	db := fs.String("db", cfg.MapDBPath, "Path to the offline map database")
	force := fs.Bool("force", false, "Actually delete (required)")

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	if !*force {
		fmt.Fprintln(os.Stderr, "Error: -force is required to delete cached tiles")
		return ExitInvalidArgs
	}

	log := newLogger(cfg)
	defer log.Sync()

	store, code := openStore(*db, true, log)
	if store == nil {
		return code
	}
	defer store.Close()

	ctx := context.Background()
	count, err := store.TileCount(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	if err := store.Clear(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}

	fmt.Fprintf(os.Stderr, "[tilectl] Deleted %d tiles from %s\n", count, store.Path())
	return ExitSuccess
}
