package downloader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"offlinemap/internal/metrics"
	"offlinemap/internal/tile_fetcher"
	"offlinemap/internal/tile_grid"
	"offlinemap/internal/tile_store"
)

const (
	DefaultBatchSize            = 500
	DefaultBatchPause           = 500 * time.Millisecond
	DefaultMaxConsecutiveErrors = 20
)

// ErrInvalidZoomRange is returned in Result.Err for unusable zoom ranges.
var ErrInvalidZoomRange = errors.New("downloader: invalid zoom range")

// Store is the part of the tile store the downloader needs.
type Store interface {
	RecordCenter(ctx context.Context, anchor tile_store.Anchor) (bool, error)
	ExistingKeys(ctx context.Context, zoom int) (map[[2]int]struct{}, error)
	MarkComplete(ctx context.Context) error
}

// Fetcher downloads and persists one tile.
type Fetcher interface {
	Fetch(ctx context.Context, key tile_grid.Key) (tile_fetcher.Result, error)
}

type Options struct {
	// BatchSize is the maximum number of concurrent fetches.
	BatchSize int

	// BatchPause is the wait between batches. Negative disables it.
	BatchPause time.Duration

	// MaxConsecutiveErrors trips the circuit breaker once exceeded.
	MaxConsecutiveErrors int

	// Progress is called after every batch and every completed zoom level.
	Progress func(Progress)
}

type Progress struct {
	RunID     string
	Zoom      int
	Processed int
	Total     int
}

func (p Progress) Ratio() float64 {
	if p.Total == 0 {
		return 1
	}
	return float64(p.Processed) / float64(p.Total)
}

// CircuitBreakerError is the Result.Err of a run abandoned after too many
// consecutive tile failures.
type CircuitBreakerError struct {
	ConsecutiveFailures int
	Zoom                int
	LastFailed          tile_grid.Key
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker tripped at zoom %d: %d consecutive failures (last %s)",
		e.Zoom, e.ConsecutiveFailures, e.LastFailed)
}

type Downloader struct {
	store   Store
	fetcher Fetcher
	logger  *zap.Logger
	opts    Options
}

func New(store Store, fetcher Fetcher, logger *zap.Logger, opts Options) *Downloader {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BatchPause == 0 {
		opts.BatchPause = DefaultBatchPause
	}
	if opts.MaxConsecutiveErrors <= 0 {
		opts.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	return &Downloader{
		store:   store,
		fetcher: fetcher,
		logger:  logger,
		opts:    opts,
	}
}

// run carries the counters of one invocation.
type run struct {
	id                  string
	result              Result
	consecutiveFailures int
	batches             int
	log                 *zap.Logger
}

// Run downloads every missing tile of region for zoom levels minZoom..maxZoom.
func (d *Downloader) Run(ctx context.Context, region tile_grid.Region, minZoom, maxZoom int) Result {
	r := &run{id: uuid.New().String()}
	r.result.RunID = r.id
	r.log = d.logger.With(zap.String("run_id", r.id))

	res := d.run(ctx, r, region, minZoom, maxZoom)
	metrics.DownloadRunsTotal.WithLabelValues(res.Outcome.String()).Inc()

	switch res.Outcome {
	case Success:
		r.log.Info("Download complete",
			zap.Int("total", res.TotalTiles),
			zap.Int("fetched", res.Fetched),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed))
	case RetryableFailure:
		r.log.Warn("Download aborted, retry later", zap.Int("processed", res.Processed), zap.Error(res.Err))
	default:
		r.log.Error("Download failed", zap.Int("processed", res.Processed), zap.Error(res.Err))
	}
	return res
}

func (d *Downloader) run(ctx context.Context, r *run, region tile_grid.Region, minZoom, maxZoom int) Result {
	if !tile_grid.ValidZoomRange(minZoom, maxZoom) {
		return r.fail(FatalFailure, fmt.Errorf("%w: %d..%d", ErrInvalidZoomRange, minZoom, maxZoom))
	}

	if _, err := d.store.RecordCenter(ctx, tile_store.Anchor{Lat: region.CenterLat, Lon: region.CenterLon}); err != nil {
		return r.fail(FatalFailure, err)
	}

	plans := tile_grid.PlanRange(region, minZoom, maxZoom)
	for _, p := range plans {
		r.result.TotalTiles += p.TileCount
	}

	r.log.Info("Processing tiles",
		zap.Int("total", r.result.TotalTiles),
		zap.Float64("radius_miles", region.RadiusMiles),
		zap.Float64("lat", region.CenterLat),
		zap.Float64("lon", region.CenterLon),
		zap.Int("min_zoom", minZoom),
		zap.Int("max_zoom", maxZoom))
	metrics.DownloadProgressRatio.Set(0)

	for _, plan := range plans {
		if res, stop := d.runZoom(ctx, r, plan); stop {
			return res
		}
	}

	if err := d.store.MarkComplete(ctx); err != nil {
		return r.fail(FatalFailure, err)
	}
	metrics.DownloadComplete.Set(1)

	r.result.Outcome = Success
	return r.result
}

// runZoom processes one zoom level. stop is true when the run must end.
func (d *Downloader) runZoom(ctx context.Context, r *run, plan tile_grid.ZoomPlan) (Result, bool) {
	log := r.log.With(zap.Int("zoom", plan.Zoom))
	log.Info("Processing zoom level", zap.Int("tiles", plan.TileCount))

	existing, err := d.store.ExistingKeys(ctx, plan.Zoom)
	if err != nil {
		return r.fail(FatalFailure, err), true
	}
	log.Info("Found existing tiles", zap.Int("existing", len(existing)))

	batch := make([]tile_grid.Key, 0, d.opts.BatchSize)
	for _, key := range plan.Keys() {
		if _, ok := existing[[2]int{key.X, key.Y}]; ok {
			r.result.Processed++
			r.result.Skipped++
			metrics.TilesSkippedTotal.Inc()
			continue
		}

		batch = append(batch, key)
		if len(batch) >= d.opts.BatchSize {
			if res, stop := d.runBatch(ctx, r, plan.Zoom, batch); stop {
				return res, true
			}
			batch = batch[:0]
		}
	}

	if len(batch) > 0 {
		if res, stop := d.runBatch(ctx, r, plan.Zoom, batch); stop {
			return res, true
		}
	}

	log.Info("Completed zoom level")
	d.report(r, plan.Zoom)
	return Result{}, false
}

func (d *Downloader) runBatch(ctx context.Context, r *run, zoom int, keys []tile_grid.Key) (Result, bool) {
	if r.batches > 0 && d.opts.BatchPause > 0 {
		select {
		case <-time.After(d.opts.BatchPause):
		case <-ctx.Done():
			return r.fail(FatalFailure, ctx.Err()), true
		}
	}
	r.batches++

	start := time.Now()
	results, storageErr := d.fetchBatch(ctx, keys)
	metrics.BatchDurationMs.Observe(float64(time.Since(start).Milliseconds()))

	var lastFailed tile_grid.Key
	for i, res := range results {
		if res.OK {
			r.result.Processed++
			r.result.Fetched++
			r.consecutiveFailures = 0
			continue
		}
		r.result.Failed++
		r.consecutiveFailures++
		lastFailed = keys[i]
	}

	if storageErr != nil {
		return r.fail(FatalFailure, storageErr), true
	}
	if err := ctx.Err(); err != nil {
		return r.fail(FatalFailure, err), true
	}

	d.report(r, zoom)

	if r.consecutiveFailures > d.opts.MaxConsecutiveErrors {
		metrics.CircuitBreakerTripsTotal.Inc()
		return r.fail(RetryableFailure, &CircuitBreakerError{
			ConsecutiveFailures: r.consecutiveFailures,
			Zoom:                zoom,
			LastFailed:          lastFailed,
		}), true
	}
	return Result{}, false
}

// fetchBatch runs every fetch of a batch concurrently and waits for all of
// them. Results are indexed like keys. The first storage error is returned
// after the whole batch has resolved.
func (d *Downloader) fetchBatch(ctx context.Context, keys []tile_grid.Key) ([]tile_fetcher.Result, error) {
	results := make([]tile_fetcher.Result, len(keys))

	var g errgroup.Group
	g.SetLimit(d.opts.BatchSize)
	for i, key := range keys {
		g.Go(func() error {
			res, err := d.fetcher.Fetch(ctx, key)
			results[i] = res
			return err
		})
	}
	err := g.Wait()
	return results, err
}

func (d *Downloader) report(r *run, zoom int) {
	p := Progress{RunID: r.id, Zoom: zoom, Processed: r.result.Processed, Total: r.result.TotalTiles}
	metrics.DownloadProgressRatio.Set(p.Ratio())
	r.log.Info("Progress",
		zap.Int("zoom", zoom),
		zap.Int("processed", p.Processed),
		zap.Int("total", p.Total),
		zap.String("percent", fmt.Sprintf("%.1f", p.Ratio()*100)))
	if d.opts.Progress != nil {
		d.opts.Progress(p)
	}
}

func (r *run) fail(outcome Outcome, err error) Result {
	r.result.Outcome = outcome
	r.result.Err = err
	return r.result
}
