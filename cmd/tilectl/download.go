package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"

	"offlinemap/internal/config"
	"offlinemap/internal/downloader"
	"offlinemap/internal/tile_fetcher"
	"offlinemap/internal/tile_grid"
	"offlinemap/internal/tile_image"
)

func runDownload(args []string) int {
	cfg := config.Load()

	fs := flag.NewFlagSet("download", flag.ExitOnError)

	lat := fs.Float64("lat", 0, "Center latitude (required)")
	lon := fs.Float64("lon", 0, "Center longitude (required)")
	radius := fs.Float64("radius", cfg.RadiusMiles, "Radius around the center in miles")
	minZoom := fs.Int("min-zoom", cfg.MinZoom, "Lowest zoom level")
	maxZoom := fs.Int("max-zoom", cfg.MaxZoom, "Highest zoom level")
	db := fs.String("db", cfg.MapDBPath, "Path to the offline map database")
	server := fs.String("server", cfg.TileServer, "Tile server base URL")
	batch := fs.Int("batch", cfg.BatchSize, "Concurrent fetches per batch")
	maxErrors := fs.Int("max-errors", cfg.MaxConsecutiveErrors, "Consecutive failures before giving up")
	validate := fs.Bool("validate", cfg.ValidateTiles, "Decode every tile before storing it")
	quiet := fs.Bool("quiet", false, "Hide the progress bar")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: tilectl download -lat LAT -lon LON [options]

Fetch every tile within the radius for each zoom level into the database.
Tiles already stored are skipped, so an interrupted download can simply be rerun.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	if *lat == 0 && *lon == 0 {
		fmt.Fprintln(os.Stderr, "Error: -lat and -lon are required")
		fs.Usage()
		return ExitInvalidArgs
	}
	if !tile_grid.ValidZoomRange(*minZoom, *maxZoom) {
		fmt.Fprintf(os.Stderr, "Error: invalid zoom range %d..%d\n", *minZoom, *maxZoom)
		return ExitInvalidArgs
	}

	log := newLogger(cfg)
	defer log.Sync()

	store, code := openStore(*db, cfg.MapDBMustExist, log)
	if store == nil {
		return code
	}
	defer store.Close()

	var fetcherOpts []tile_fetcher.Option
	if *validate {
		tile_image.Startup(tile_image.Config{Concurrency: cfg.VipsConcurrency, MaxCacheMB: cfg.VipsMaxCacheMB}, log)
		defer tile_image.Shutdown()
		fetcherOpts = append(fetcherOpts, tile_fetcher.WithValidator(tile_image.NewInspector(log)))
	}

	fetcher := tile_fetcher.New(store, tile_fetcher.Options{
		BaseURL:   *server,
		UserAgent: cfg.TileUserAgent,
		Timeout:   cfg.TileTimeout,
		MaxConns:  cfg.TileMaxConns,
	}, log, fetcherOpts...)

	var bar *progressbar.ProgressBar
	onProgress := func(p downloader.Progress) {
		if *quiet {
			return
		}
		if bar == nil {
			bar = progressbar.Default(int64(p.Total), "Downloading tiles")
		}
		bar.Set(p.Processed)
	}

	dl := downloader.New(store, fetcher, log, downloader.Options{
		BatchSize:            *batch,
		BatchPause:           cfg.BatchPause,
		MaxConsecutiveErrors: *maxErrors,
		Progress:             onProgress,
	})

	ctx, cancel := signalContext()
	defer cancel()

	region := tile_grid.Region{CenterLat: *lat, CenterLon: *lon, RadiusMiles: *radius}
	res := dl.Run(ctx, region, *minZoom, *maxZoom)
	if bar != nil {
		bar.Finish()
		fmt.Fprintln(os.Stderr)
	}

	fmt.Fprintf(os.Stderr, "[tilectl] %s: %d tiles, %d fetched, %d skipped, %d failed (run %s)\n",
		res.Outcome, res.TotalTiles, res.Fetched, res.Skipped, res.Failed, res.RunID)

	switch {
	case res.Outcome == downloader.Success:
		return ExitSuccess
	case res.Retryable():
		fmt.Fprintf(os.Stderr, "Error: %v\n", res.Err)
		fmt.Fprintln(os.Stderr, "[tilectl] Run again later to resume")
		return ExitRetryableFailure
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", res.Err)
		if ctx.Err() != nil {
			return ExitInterrupted
		}
		return ExitStorageError
	}
}
