package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

// MinioConfig locates the optional bucket run outputs are mirrored to.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Enabled reports whether uploads are configured.
func (m MinioConfig) Enabled() bool { return m.Endpoint != "" }

type AppConfig struct {
	// SitesFile is the YAML file with sites, features and merge groups.
	SitesFile string

	OutputDir string

	// CacheDir enables the chunk payload cache when set.
	CacheDir string
	CacheTTL time.Duration // 0 = keep forever

	// Outbound requests.
	HTTPTimeout      time.Duration
	FetchMaxAttempts int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	RatePerSec       float64
	BreakerThreshold int

	// ScheduleInterval is the period between runs in serve mode.
	ScheduleInterval time.Duration

	// In-memory store retention (0 = unlimited).
	StoreMaxHistory int

	Port string

	Minio MinioConfig
}

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}
	cfg := &AppConfig{
		SitesFile:        getenvDefault("SITES_FILE", "configs/sites.yaml"),
		OutputDir:        getenvDefault("OUTPUT_DIR", "./gims_outputs"),
		CacheDir:         os.Getenv("CACHE_DIR"),
		FetchMaxAttempts: getenvInt("FETCH_MAX_ATTEMPTS", 5),
		BreakerThreshold: getenvInt("BREAKER_THRESHOLD", 10),
		StoreMaxHistory:  getenvInt("STORE_MAX_HISTORY", 7),
		Port:             getenvDefault("PORT", "8080"),
		Minio: MinioConfig{
			Endpoint:  os.Getenv("MINIO_ENDPOINT"),
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			Bucket:    getenvDefault("MINIO_BUCKET", "groundwater"),
			UseSSL:    getenvBool("MINIO_USE_SSL", false),
		},
	}

	var err error
	if cfg.HTTPTimeout, err = getenvDuration("HTTP_TIMEOUT", "20s"); err != nil {
		return nil, err
	}
	if cfg.BackoffBase, err = getenvDuration("FETCH_BACKOFF_BASE", "500ms"); err != nil {
		return nil, err
	}
	if cfg.BackoffMax, err = getenvDuration("FETCH_BACKOFF_MAX", "10s"); err != nil {
		return nil, err
	}
	if cfg.ScheduleInterval, err = getenvDuration("SCHEDULE_INTERVAL", "24h"); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = getenvDuration("CACHE_TTL", "0s"); err != nil {
		return nil, err
	}

	rate, err := strconv.ParseFloat(getenvDefault("FETCH_RATE_PER_SEC", "5"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid FETCH_RATE_PER_SEC: %w", err)
	}
	cfg.RatePerSec = rate

	if cfg.FetchMaxAttempts < 1 {
		return nil, fmt.Errorf("FETCH_MAX_ATTEMPTS must be at least 1, got %d", cfg.FetchMaxAttempts)
	}
	if cfg.Minio.Enabled() && (cfg.Minio.AccessKey == "" || cfg.Minio.SecretKey == "") {
		return nil, fmt.Errorf("MINIO_ENDPOINT is set but MINIO_ACCESS_KEY or MINIO_SECRET_KEY is empty")
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(getenvDefault(key, def))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
