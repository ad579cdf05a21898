// Package tile_image checks that fetched tile payloads are decodable raster images.
package tile_image

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"
)

// ErrNotImage is returned for payloads libvips cannot decode.
var ErrNotImage = errors.New("tile payload is not a decodable image")

var (
	pngMagic  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	jpegMagic = []byte{0xff, 0xd8, 0xff}
	webpMagic = []byte("WEBP")
)

type Info struct {
	Format string
	Width  int
	Height int
	Bands  int
}

type Config struct {
	Concurrency int
	MaxCacheMB  int
}

// Startup initialises libvips and routes its warnings and errors to zap.
// It must be called once before any Inspector is used.
func Startup(cfg Config, log *zap.Logger) {
	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(&vips.Config{
		ConcurrencyLevel: cfg.Concurrency,
		MaxCacheMem:      cfg.MaxCacheMB * 1024 * 1024,
		MaxCacheFiles:    0,
		MaxCacheSize:     0,
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	})

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.MaxCacheMB),
		zap.Int("concurrency", cfg.Concurrency),
	)
}

func Shutdown() {
	vips.Shutdown()
}

type Inspector struct {
	logger *zap.Logger
}

func NewInspector(logger *zap.Logger) *Inspector {
	return &Inspector{logger: logger}
}

// Validate implements the fetcher's validation hook.
func (i *Inspector) Validate(data []byte) error {
	_, err := i.Inspect(data)
	return err
}

// Inspect sniffs the container format and decodes the header with libvips.
func (i *Inspector) Inspect(data []byte) (*Info, error) {
	format := sniffFormat(data)
	if format == "" {
		return nil, ErrNotImage
	}

	image, err := vips.NewImageFromBuffer(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	defer image.Close()

	info := &Info{
		Format: format,
		Width:  image.Width(),
		Height: image.Height(),
		Bands:  image.Bands(),
	}
	if info.Width <= 0 || info.Height <= 0 {
		return nil, ErrNotImage
	}
	return info, nil
}

// sniffFormat recognises the formats tile services publish. An empty result
// means the body is something else, typically an HTML or JSON error page.
func sniffFormat(data []byte) string {
	switch {
	case bytes.HasPrefix(data, pngMagic):
		return "png"
	case bytes.HasPrefix(data, jpegMagic):
		return "jpeg"
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], webpMagic):
		return "webp"
	default:
		return ""
	}
}
