package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port          int
	DataDir       string
	LogLevel      string
	LogFormat     string
	AllowedOrigin string

	MapDBPath      string
	MapDBMustExist bool

	TileServer    string
	TileUserAgent string
	TileTimeout   time.Duration
	TileMaxConns  int
	ValidateTiles bool

	RadiusMiles float64
	MinZoom     int
	MaxZoom     int

	BatchSize            int
	BatchPause           time.Duration
	MaxConsecutiveErrors int
	RetryWait            time.Duration
	MaxRetryAttempts     int

	CacheType        string
	CacheMemoryTiles int
	CacheMemoryMB    int
	CacheRedisTTL    time.Duration

	VipsMaxCacheMB  int
	VipsConcurrency int

	RedisAddr string
	RedisPass string
	RedisDB   int
	LockKey   string
	LockTTL   time.Duration
}

// Load reads the configuration from the environment. A .env file in the working
// directory, when present, fills in variables that are not already set.
func Load() *Config {
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "/data")

	cfg := &Config{
		Port:          getEnvInt("PORT", 8080),
		DataDir:       dataDir,
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "json"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", ""),

		MapDBPath:      getEnv("MAP_DB_PATH", filepath.Join(dataDir, "offline_map.db")),
		MapDBMustExist: getEnvBool("MAP_DB_MUST_EXIST", false),

		TileServer:    getEnv("MAP_TILE_SERVER", "https://tile.openstreetmap.org"),
		TileUserAgent: getEnv("TILE_USER_AGENT", "OfflineMapDownloader/1.0"),
		TileTimeout:   getEnvDuration("TILE_HTTP_TIMEOUT", 60*time.Second),
		TileMaxConns:  getEnvInt("TILE_MAX_CONNS", 500),
		ValidateTiles: getEnvBool("VALIDATE_TILES", false),

		RadiusMiles: getEnvFloat("CACHED_MAP_RADIUS", 10),
		MinZoom:     getEnvInt("CACHED_MAP_MIN_ZOOM_LEVEL", 0),
		MaxZoom:     getEnvInt("CACHED_MAP_MAX_ZOOM_LEVEL", 18),

		BatchSize:            getEnvInt("DOWNLOAD_BATCH_SIZE", 500),
		BatchPause:           getEnvDuration("DOWNLOAD_BATCH_PAUSE", 500*time.Millisecond),
		MaxConsecutiveErrors: getEnvInt("MAX_CONSECUTIVE_ERRORS", 20),
		RetryWait:            getEnvDuration("WAIT_BETWEEN_RETRIES", 15*time.Minute),
		MaxRetryAttempts:     getEnvInt("MAX_RETRY_ATTEMPTS", 0),

		CacheType:        getEnv("CACHE", "memory"),
		CacheMemoryTiles: getEnvInt("CACHE_MEMORY_TILES", 2000),
		CacheMemoryMB:    getEnvInt("CACHE_MEMORY_MB", 64),
		CacheRedisTTL:    getEnvDuration("CACHE_REDIS_TTL", 24*time.Hour),

		VipsMaxCacheMB:  getEnvInt("VIPS_MAX_CACHE_MB", 64),
		VipsConcurrency: getEnvInt("VIPS_CONCURRENCY", 1),

		RedisAddr: getEnv("REDIS_ADDR", ""),
		RedisPass: getEnv("REDIS_PASS", ""),
		RedisDB:   getEnvInt("REDIS_DB", 0),
		LockKey:   getEnv("LOCK_KEY", "offlinemap:download"),
		LockTTL:   getEnvDuration("LOCK_TTL", 30*time.Second),
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s", "15m") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func (c *Config) UseRedisLock() bool {
	return c.RedisAddr != ""
}
