package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the monitoring core.
type Config struct {
	Port string

	// Logging
	LogLevel string
	LogDev   bool

	// Admin API
	JWTSecret   string
	AdminAPIKey string
	TokenTTL    time.Duration

	// Price feed
	UseMockFeed   bool
	FeedStreamURL string
	WarmSymbols   []string

	// Database
	DBPath string

	// Queue / worker tuning (overridable via TuningFile)
	Tuning Tuning

	// Optional YAML overlay for Tuning.
	TuningFile string
}

// Tuning groups the knobs of the queue, worker and health machinery.
type Tuning struct {
	MonitorInterval       time.Duration `yaml:"monitor_interval"`
	JobLifetime           time.Duration `yaml:"job_lifetime"`
	MaxAttempts           int           `yaml:"max_attempts"`
	BackoffBase           time.Duration `yaml:"backoff_base"`
	QueueWorkers          int           `yaml:"queue_workers"`
	HistoryLimit          int           `yaml:"history_limit"`
	HealthInterval        time.Duration `yaml:"health_interval"`
	StaleAfter            time.Duration `yaml:"stale_after"`
	FailedFetchCeiling    int           `yaml:"failed_fetch_ceiling"`
	QueueFailureThreshold int           `yaml:"queue_failure_threshold"`
	DeadLetterThreshold   int           `yaml:"dead_letter_threshold"`
	ClosureSuccessFloor   float64       `yaml:"closure_success_floor"`
}

// DefaultTuning returns the production defaults.
func DefaultTuning() Tuning {
	return Tuning{
		MonitorInterval:       5 * time.Second,
		JobLifetime:           24 * time.Hour,
		MaxAttempts:           3,
		BackoffBase:           5 * time.Second,
		QueueWorkers:          4,
		HistoryLimit:          100,
		HealthInterval:        30 * time.Second,
		StaleAfter:            60 * time.Second,
		FailedFetchCeiling:    5,
		QueueFailureThreshold: 5,
		DeadLetterThreshold:   1,
		ClosureSuccessFloor:   0.90,
	}
}

// Load reads environment variables (optionally via .env) into Config and
// applies the YAML tuning overlay when present.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogDev:        getEnv("LOG_DEV", "false") == "true",
		JWTSecret:     getEnv("JWT_SECRET", "dev-secret"),
		AdminAPIKey:   os.Getenv("ADMIN_API_KEY"),
		TokenTTL:      getEnvDuration("ADMIN_TOKEN_TTL", 12*time.Hour),
		UseMockFeed:   getEnv("USE_MOCK_FEED", "true") == "true",
		FeedStreamURL: getEnv("FEED_STREAM_URL", "wss://stream.binance.com:9443/ws"),
		WarmSymbols:   splitAndTrim(getEnv("WARM_SYMBOLS", "")),
		DBPath:        getEnv("DB_PATH", "./data/monitoring.db"),
		TuningFile:    getEnv("TUNING_FILE", ""),
		Tuning:        DefaultTuning(),
	}

	if cfg.TuningFile != "" {
		if err := cfg.applyTuningFile(cfg.TuningFile); err != nil {
			return nil, err
		}
	}

	// Worker count is the one knob commonly set per deployment, so it also
	// has a direct env override on top of the tuning file.
	cfg.Tuning.QueueWorkers = getEnvInt("QUEUE_WORKERS", cfg.Tuning.QueueWorkers)

	return cfg, nil
}

func (c *Config) applyTuningFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read tuning file: %w", err)
	}
	if err := yaml.Unmarshal(data, &c.Tuning); err != nil {
		return fmt.Errorf("parse tuning file: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func splitAndTrim(val string) []string {
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
