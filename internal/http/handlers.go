package http

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"offlinemap/internal/config"
	"offlinemap/internal/downloader"
	"offlinemap/internal/supervisor"
	"offlinemap/internal/tile_grid"
	"offlinemap/internal/tile_store"
)

// TileService reads and evicts the offline tile cache.
type TileService interface {
	GetTile(ctx context.Context, x, y, z int) ([]byte, bool, error)
	Status(ctx context.Context) (tile_store.Status, error)
	DeleteCache(ctx context.Context) error
}

// DownloadController starts background downloads and reports on them.
type DownloadController interface {
	Trigger(lat, lon float64) error
	Running() bool
	LastResult() (downloader.Result, bool)
}

type Handlers struct {
	config    *config.Config
	logger    *zap.Logger
	service   TileService
	downloads DownloadController
}

func New(config *config.Config, logger *zap.Logger, service TileService, downloads DownloadController) *Handlers {
	return &Handlers{
		config:    config,
		logger:    logger,
		service:   service,
		downloads: downloads,
	}
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		}

		// Map clients request hundreds of tiles per view.
		if strings.HasPrefix(r.URL.Path, "/tiles/") && wrapped.statusCode < 400 {
			h.logger.Debug("request", fields...)
			return
		}
		h.logger.Info("request", fields...)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if origin != "" && (strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host)) {
				allowedOrigin = origin
			} else if origin == "" {
				allowedOrigin = "*"
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// HandleTile serves /tiles/{z}/{x}/{y}.png from the offline cache.
func (h *Handlers) HandleTile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/tiles/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	z, err := strconv.Atoi(parts[0])
	if err != nil {
		http.Error(w, "Invalid zoom level", http.StatusBadRequest)
		return
	}
	x, err := strconv.Atoi(parts[1])
	if err != nil {
		http.Error(w, "Invalid x coordinate", http.StatusBadRequest)
		return
	}

	tileFile := parts[2]
	ext := filepath.Ext(tileFile)
	if ext != ".png" {
		http.Error(w, "Invalid format", http.StatusBadRequest)
		return
	}
	y, err := strconv.Atoi(strings.TrimSuffix(tileFile, ext))
	if err != nil {
		http.Error(w, "Invalid y coordinate", http.StatusBadRequest)
		return
	}

	if z < 0 || x < 0 || y < 0 {
		http.Error(w, "Coordinates must be non-negative", http.StatusBadRequest)
		return
	}
	if z > tile_grid.MaxZoom {
		http.Error(w, "Zoom level out of range", http.StatusBadRequest)
		return
	}
	if n := 1 << z; x >= n || y >= n {
		http.Error(w, "Tile outside the zoom grid", http.StatusBadRequest)
		return
	}

	data, ok, err := h.service.GetTile(r.Context(), x, y, z)
	if err != nil {
		h.logger.Error("Failed to read tile", zap.Int("z", z), zap.Int("x", x), zap.Int("y", y), zap.Error(err))
		http.Error(w, "Failed to read tile", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	sum := sha1.Sum(data)
	etag := `"` + hex.EncodeToString(sum[:8]) + `"`
	if match := r.Header.Get("If-None-Match"); match == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	w.Header().Set("Content-Type", "image/png")
	north, west, south, east := tile_grid.TileBounds(tile_grid.Key{Z: z, X: x, Y: y})
	w.Header().Set("X-Tile-Bounds", fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", north, west, south, east))

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Write(data)
}

type centerResponse struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type lastResultResponse struct {
	Outcome    downloader.Outcome `json:"outcome"`
	RunID      string             `json:"run_id"`
	TotalTiles int                `json:"total_tiles"`
	Processed  int                `json:"processed"`
	Fetched    int                `json:"fetched"`
	Skipped    int                `json:"skipped"`
	Failed     int                `json:"failed"`
	Error      string             `json:"error,omitempty"`
}

type statusResponse struct {
	Complete   bool                `json:"complete"`
	Center     *centerResponse     `json:"center"`
	Tiles      int                 `json:"tiles"`
	Running    bool                `json:"running"`
	LastResult *lastResultResponse `json:"last_result,omitempty"`
}

func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st, err := h.service.Status(r.Context())
	if err != nil {
		h.logger.Error("Failed to read status", zap.Error(err))
		http.Error(w, "Failed to read status", http.StatusInternalServerError)
		return
	}

	resp := statusResponse{
		Complete: st.Complete,
		Tiles:    st.TileCount,
		Running:  h.downloads.Running(),
	}
	if st.HasAnchor {
		resp.Center = &centerResponse{Lat: st.Anchor.Lat, Lon: st.Anchor.Lon}
	}
	if last, ok := h.downloads.LastResult(); ok {
		lr := &lastResultResponse{
			Outcome:    last.Outcome,
			RunID:      last.RunID,
			TotalTiles: last.TotalTiles,
			Processed:  last.Processed,
			Fetched:    last.Fetched,
			Skipped:    last.Skipped,
			Failed:     last.Failed,
		}
		if last.Err != nil {
			lr.Error = last.Err.Error()
		}
		resp.LastResult = lr
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type downloadRequest struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

// HandleDownload is the onboarding event: it starts a background download
// around the posted coordinates.
func (h *Handlers) HandleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)

	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := validateCoordinates(req.Lat, req.Lon); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err := h.downloads.Trigger(*req.Lat, *req.Lon)
	if errors.Is(err, supervisor.ErrAlreadyRunning) {
		http.Error(w, "Download already running", http.StatusConflict)
		return
	}
	if err != nil {
		h.logger.Error("Failed to start download", zap.Error(err))
		http.Error(w, "Failed to start download", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Download triggered", zap.Float64("lat", *req.Lat), zap.Float64("lon", *req.Lon))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"accepted": true,
		"lat":      *req.Lat,
		"lon":      *req.Lon,
	})
}

// HandleCache deletes every cached tile. The anchor and completion flag stay.
func (h *Handlers) HandleCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.service.DeleteCache(r.Context()); err != nil {
		h.logger.Error("Failed to delete cache", zap.Error(err))
		http.Error(w, "Failed to delete cache", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func validateCoordinates(lat, lon *float64) error {
	if lat == nil || lon == nil {
		return errors.New("lat and lon are required")
	}
	if math.IsNaN(*lat) || *lat < -90 || *lat > 90 {
		return errors.New("lat must be within [-90, 90]")
	}
	if math.IsNaN(*lon) || *lon < -180 || *lon > 180 {
		return errors.New("lon must be within [-180, 180]")
	}
	if *lat == 0 && *lon == 0 {
		return errors.New("(0, 0) is reserved for an unset center")
	}
	return nil
}

// Not for real production use due to potential spoofing
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Routes builds the full handler chain. metricsHandler may be nil.
func (h *Handlers) Routes(metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/tiles/", h.HandleTile)
	mux.HandleFunc("/api/status", h.HandleStatus)
	mux.HandleFunc("/api/download", h.HandleDownload)
	mux.HandleFunc("/api/cache", h.HandleCache)
	mux.HandleFunc("/healthz", h.HandleHealthz)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	return h.CORSMiddleware(h.RequestLoggingMiddleware(mux))
}
