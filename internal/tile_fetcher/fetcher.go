// Package tile_fetcher downloads single tiles from a z/x/y tile service and hands
// successful responses to the tile store.
//
// Network problems are absorbed into the returned Result so the caller can apply
// its circuit breaker. Only persistence failures are returned as errors.
package tile_fetcher

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"offlinemap/internal/metrics"
	"offlinemap/internal/tile_grid"
)

const (
	DefaultUserAgent = "OfflineMapDownloader/1.0"
	DefaultTimeout   = 60 * time.Second
	DefaultMaxConns  = 500
)

// TilePutter is the part of the tile store the fetcher writes to.
type TilePutter interface {
	PutTile(ctx context.Context, key tile_grid.Key, data []byte) error
}

// Validator rejects payloads that must not be cached.
type Validator interface {
	Validate(data []byte) error
}

type Options struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	MaxConns  int
}

// Result describes the outcome of one fetch.
type Result struct {
	OK         bool
	Transient  bool
	StatusCode int
	Bytes      int
}

type Fetcher struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	store      TilePutter
	validator  Validator
	logger     *zap.Logger
}

type Option func(*Fetcher)

func WithValidator(v Validator) Option {
	return func(f *Fetcher) { f.validator = v }
}

func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.httpClient = c }
}

func New(store TilePutter, opts Options, logger *zap.Logger, options ...Option) *Fetcher {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = DefaultMaxConns
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxConnsPerHost = opts.MaxConns
	transport.MaxIdleConns = opts.MaxConns
	transport.MaxIdleConnsPerHost = opts.MaxConns

	f := &Fetcher{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		userAgent: opts.UserAgent,
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		store:  store,
		logger: logger,
	}
	for _, o := range options {
		o(f)
	}
	return f
}

// URL returns the tile service address of a tile.
func (f *Fetcher) URL(key tile_grid.Key) string {
	return fmt.Sprintf("%s/%d/%d/%d.png", f.baseURL, key.Z, key.X, key.Y)
}

// Fetch downloads one tile and stores it on HTTP 200.
func (f *Fetcher) Fetch(ctx context.Context, key tile_grid.Key) (Result, error) {
	start := time.Now()
	defer func() {
		metrics.TileFetchDurationMs.Observe(float64(time.Since(start).Milliseconds()))
	}()

	url := f.URL(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		// A malformed base URL will never succeed on retry but still counts
		// against the breaker so the run stops quickly.
		f.logger.Error("Failed to build tile request", zap.String("tile", key.String()), zap.Error(err))
		metrics.TileFetchesTotal.WithLabelValues("network_error").Inc()
		return Result{Transient: true}, nil
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		f.logger.Warn("Network error downloading tile",
			zap.String("tile", key.String()),
			zap.Bool("timeout", isTimeout(err)),
			zap.Error(err))
		metrics.TileFetchesTotal.WithLabelValues("network_error").Inc()
		return Result{Transient: true}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		f.logger.Warn("Failed to download tile",
			zap.String("tile", key.String()),
			zap.Int("status", resp.StatusCode))
		metrics.TileFetchesTotal.WithLabelValues("http_error").Inc()
		return Result{StatusCode: resp.StatusCode}, nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		f.logger.Warn("Network error reading tile body", zap.String("tile", key.String()), zap.Error(err))
		metrics.TileFetchesTotal.WithLabelValues("network_error").Inc()
		return Result{Transient: true, StatusCode: resp.StatusCode}, nil
	}

	if f.validator != nil {
		if err := f.validator.Validate(data); err != nil {
			f.logger.Warn("Tile service returned an invalid tile",
				zap.String("tile", key.String()),
				zap.String("content_type", resp.Header.Get("Content-Type")),
				zap.Int("bytes", len(data)),
				zap.Error(err))
			metrics.TileFetchesTotal.WithLabelValues("invalid").Inc()
			return Result{StatusCode: resp.StatusCode}, nil
		}
	}

	if err := f.store.PutTile(ctx, key, data); err != nil {
		metrics.TileFetchesTotal.WithLabelValues("storage_error").Inc()
		return Result{StatusCode: resp.StatusCode}, fmt.Errorf("store tile %s: %w", key, err)
	}

	metrics.TileFetchesTotal.WithLabelValues("ok").Inc()
	metrics.TileBytesTotal.Add(float64(len(data)))

	return Result{OK: true, StatusCode: resp.StatusCode, Bytes: len(data)}, nil
}

func isTimeout(err error) bool {
	if ne, ok := err.(net.Error); ok {
		return ne.Timeout()
	}
	return false
}
