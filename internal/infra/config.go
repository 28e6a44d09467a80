package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv           string
	Port             string
	DatabaseURL      string
	JWTSecret        string
	WorkerBaseURL    string
	WorkerAPIKey     string
	WorkerTimeout    time.Duration
	GeoIPDBPath      string
	DefaultLocale    string
	CORSOrigins      []string
	CostPerImage     int64
	MainStemSuffix   string
	SweepSchedule    string
	SweepBatchSize   int
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		Port:             getEnv("PORT", "8080"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		WorkerBaseURL:    os.Getenv("WORKER_BASE_URL"),
		WorkerAPIKey:     os.Getenv("WORKER_API_KEY"),
		WorkerTimeout:    time.Second * time.Duration(getEnvInt("WORKER_TIMEOUT_SECONDS", 30)),
		GeoIPDBPath:      os.Getenv("GEOIP_DB_PATH"),
		DefaultLocale:    getEnv("DEFAULT_LOCALE", "en"),
		CORSOrigins:      splitCSV(getEnv("CORS_ORIGINS", "http://localhost:3000")),
		CostPerImage:     int64(getEnvInt("CREDIT_COST_PER_IMAGE", 1)),
		MainStemSuffix:   getEnv("MAIN_STEM_SUFFIX", "_1"),
		SweepSchedule:    getEnv("SWEEP_SCHEDULE", "@every 30s"),
		SweepBatchSize:   getEnvInt("SWEEP_BATCH_SIZE", 50),
		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	if cfg.WorkerBaseURL == "" {
		return nil, fmt.Errorf("WORKER_BASE_URL is required")
	}

	if cfg.CostPerImage <= 0 {
		return nil, fmt.Errorf("CREDIT_COST_PER_IMAGE must be positive")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
