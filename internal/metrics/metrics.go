// Package metrics exposes Prometheus collectors for the tile downloader and the
// tile read path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TileFetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offlinemap_tile_fetches_total",
		Help: "Tile fetches by result (ok, http_error, network_error, invalid, storage_error)",
	}, []string{"result"})
	TileFetchDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "offlinemap_tile_fetch_duration_ms",
		Help:    "Tile fetch duration in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	})
	TileBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offlinemap_tile_bytes_total",
		Help: "Total tile bytes persisted from the tile service",
	})
	TilesSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offlinemap_tiles_skipped_total",
		Help: "Tiles skipped because they were already stored",
	})
	BatchDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "offlinemap_batch_duration_ms",
		Help:    "Duration of one fetch batch in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
	})
	CircuitBreakerTripsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offlinemap_circuit_breaker_trips_total",
		Help: "Download runs aborted by the consecutive error circuit breaker",
	})
	DownloadRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offlinemap_download_runs_total",
		Help: "Download runs by outcome",
	}, []string{"outcome"})
	DownloadProgressRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "offlinemap_download_progress_ratio",
		Help: "Processed tiles over total tiles of the current run",
	})
	DownloadComplete = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "offlinemap_download_complete",
		Help: "1 once the offline map download has completed",
	})
	SupervisorRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offlinemap_supervisor_retries_total",
		Help: "Download retries scheduled by the resume supervisor",
	})
	TileRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offlinemap_tile_requests_total",
		Help: "Tile read requests by source (cache, store, miss)",
	}, []string{"source"})
)

func init() {
	prometheus.MustRegister(TileFetchesTotal)
	prometheus.MustRegister(TileFetchDurationMs)
	prometheus.MustRegister(TileBytesTotal)
	prometheus.MustRegister(TilesSkippedTotal)
	prometheus.MustRegister(BatchDurationMs)
	prometheus.MustRegister(CircuitBreakerTripsTotal)
	prometheus.MustRegister(DownloadRunsTotal)
	prometheus.MustRegister(DownloadProgressRatio)
	prometheus.MustRegister(DownloadComplete)
	prometheus.MustRegister(SupervisorRetriesTotal)
	prometheus.MustRegister(TileRequestsTotal)
}

// Handler serves the default registry for the /metrics route.
func Handler() http.Handler { return promhttp.Handler() }
