package main

import (
	"flag"
	"fmt"
	"os"

	"offlinemap/internal/config"
	"offlinemap/internal/tile_image"
	"offlinemap/internal/tile_import"
)

func runImport(args []string) int {
	cfg := config.Load()

	fs := flag.NewFlagSet("import", flag.ExitOnError)
	dir := fs.String("dir", "", "Root of a {z}/{x}/{y}.png tile tree (required)")
	db := fs.String("db", cfg.MapDBPath, "Path to the offline map database")
	overwrite := fs.Bool("overwrite", false, "Replace tiles that are already stored")
	validate := fs.Bool("validate", true, "Decode every tile and skip the ones that fail")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: tilectl import -dir DIR [options]

Load tiles downloaded by another tool into the offline database.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}
	if *dir == "" {
		fmt.Fprintln(os.Stderr, "Error: -dir is required")
		fs.Usage()
		return ExitInvalidArgs
	}
	if info, err := os.Stat(*dir); err != nil || !info.IsDir() {
		fmt.Fprintf(os.Stderr, "Error: %s is not a directory\n", *dir)
		return ExitInvalidArgs
	}

	log := newLogger(cfg)
	defer log.Sync()

	store, code := openStore(*db, cfg.MapDBMustExist, log)
	if store == nil {
		return code
	}
	defer store.Close()

	var validator tile_import.Validator
	if *validate {
		tile_image.Startup(tile_image.Config{Concurrency: cfg.VipsConcurrency, MaxCacheMB: cfg.VipsMaxCacheMB}, log)
		defer tile_image.Shutdown()
		validator = tile_image.NewInspector(log)
	}

	ctx, cancel := signalContext()
	defer cancel()

	stats, err := tile_import.New(store, validator, *overwrite, log).Import(ctx, *dir)
	fmt.Fprintf(os.Stderr, "[tilectl] Imported %d, skipped %d, invalid %d\n", stats.Imported, stats.Skipped, stats.Invalid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if ctx.Err() != nil {
			return ExitInterrupted
		}
		return ExitStorageError
	}
	return ExitSuccess
}
