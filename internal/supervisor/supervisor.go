// Package supervisor runs offline map downloads in the background.
//
// On process start it resumes an incomplete download for the remembered anchor.
// A retryable failure is retried after a fixed wait, indefinitely unless
// MaxAttempts is set. Jobs are cancelled and joined by Stop.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"offlinemap/internal/downloader"
	"offlinemap/internal/metrics"
	"offlinemap/internal/single_flight"
	"offlinemap/internal/tile_grid"
	"offlinemap/internal/tile_store"
)

// ErrAlreadyRunning is returned by Trigger while another download holds the guard.
var ErrAlreadyRunning = errors.New("supervisor: a download is already running")

var ErrStopped = errors.New("supervisor: stopped")

type Runner interface {
	Run(ctx context.Context, region tile_grid.Region, minZoom, maxZoom int) downloader.Result
}

type StatusReader interface {
	IsComplete(ctx context.Context) (bool, error)
	CachedCenter(ctx context.Context) (tile_store.Anchor, bool, error)
}

type Options struct {
	RadiusMiles float64
	MinZoom     int
	MaxZoom     int
	RetryWait   time.Duration
	// MaxAttempts bounds the number of runs per job. Zero retries forever.
	MaxAttempts int
}

type Supervisor struct {
	runner Runner
	status StatusReader
	guard  single_flight.Guard
	logger *zap.Logger
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	running bool
	last    *downloader.Result
}

func New(runner Runner, status StatusReader, guard single_flight.Guard, logger *zap.Logger, opts Options) *Supervisor {
	if opts.RetryWait <= 0 {
		opts.RetryWait = 15 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		runner: runner,
		status: status,
		guard:  guard,
		logger: logger,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start resumes an incomplete download if an anchor was recorded earlier.
func (s *Supervisor) Start(ctx context.Context) error {
	complete, err := s.status.IsComplete(ctx)
	if err != nil {
		return fmt.Errorf("read download status: %w", err)
	}
	if complete {
		metrics.DownloadComplete.Set(1)
		s.logger.Info("Offline map already downloaded")
		return nil
	}

	anchor, ok, err := s.status.CachedCenter(ctx)
	if err != nil {
		return fmt.Errorf("read cached center: %w", err)
	}
	if !ok {
		s.logger.Info("No cached center, waiting for a download trigger")
		return nil
	}

	s.logger.Info("Resuming offline map download",
		zap.Float64("lat", anchor.Lat),
		zap.Float64("lon", anchor.Lon))

	err = s.launch(anchor)
	if errors.Is(err, ErrAlreadyRunning) {
		s.logger.Info("Download already running elsewhere, not resuming")
		return nil
	}
	return err
}

// Trigger starts a background download around lat/lon.
func (s *Supervisor) Trigger(lat, lon float64) error {
	return s.launch(tile_store.Anchor{Lat: lat, Lon: lon})
}

func (s *Supervisor) launch(anchor tile_store.Anchor) error {
	if s.isStopped() {
		return ErrStopped
	}

	lease, ok, err := s.guard.TryAcquire(s.ctx)
	if err != nil {
		return fmt.Errorf("acquire download guard: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}

	// Stop sets stopped under mu before it waits, so no Add can race its Wait.
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		lease.Release()
		return ErrStopped
	}
	s.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.loop(anchor, lease)
	return nil
}

func (s *Supervisor) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Supervisor) loop(anchor tile_store.Anchor, lease *single_flight.Lease) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		lease.Release()
	}()

	region := tile_grid.Region{CenterLat: anchor.Lat, CenterLon: anchor.Lon, RadiusMiles: s.opts.RadiusMiles}
	log := s.logger.With(zap.Float64("lat", anchor.Lat), zap.Float64("lon", anchor.Lon))

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() {
		select {
		case <-lease.Lost():
			log.Error("Download guard lost, cancelling job")
			cancel()
		case <-ctx.Done():
		}
	}()

	for attempt := 1; ; attempt++ {
		res := s.runner.Run(ctx, region, s.opts.MinZoom, s.opts.MaxZoom)
		s.setLast(res)

		if ctx.Err() != nil {
			log.Info("Download job stopped", zap.Int("attempt", attempt))
			return
		}

		if res.Outcome == downloader.Success {
			log.Info("Download job finished", zap.Int("attempts", attempt))
			return
		}
		if !res.Retryable() {
			log.Error("Download job failed, not retrying", zap.Int("attempt", attempt), zap.Error(res.Err))
			return
		}

		if s.opts.MaxAttempts > 0 && attempt >= s.opts.MaxAttempts {
			log.Error("Download job gave up", zap.Int("attempts", attempt), zap.Error(res.Err))
			return
		}

		metrics.SupervisorRetriesTotal.Inc()
		log.Warn("Download interrupted, retrying later",
			zap.Int("attempt", attempt),
			zap.Duration("wait", s.opts.RetryWait),
			zap.Error(res.Err))

		select {
		case <-time.After(s.opts.RetryWait):
		case <-ctx.Done():
			log.Info("Download job stopped while waiting to retry")
			return
		}
	}
}

func (s *Supervisor) setLast(res downloader.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &res
}

func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastResult returns the result of the most recent run, if any.
func (s *Supervisor) LastResult() (downloader.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return downloader.Result{}, false
	}
	return *s.last, true
}

// Wait blocks until every job has ended on its own.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Stop cancels running jobs and waits for them to return. Later Start or
// Trigger calls return ErrStopped.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
