package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	HordeProd = "https://stablehorde.net"
	HordeDev  = "https://dev.stablehorde.net"

	// AnonAPIKey is the shared key the horde accepts for anonymous requests.
	AnonAPIKey = "0000000000"
)

type Config struct {
	ListenAddr      string
	HordeURL        string
	APIKey          string
	ClientAgent     string
	DBPath          string
	CreateInterval  time.Duration
	PollInterval    time.Duration
	MaxJobsAnon     int
	MaxJobsUser     int
	MaxImagesPerJob int
	MaxPollFailures int
	PollConcurrency int
	StaleAfter      int
	TelemetryURL    string
	PNGConvertURL   string
	DownloadDir     string
	CORSOrigins     []string
	LogLevel        slog.Level
}

// Authenticated reports whether requests are made with a personal API key.
func (c *Config) Authenticated() bool {
	return c.APIKey != "" && c.APIKey != AnonAPIKey
}

// StaleAfterDuration is how long advisory queue fields stay valid without a fresh poll.
func (c *Config) StaleAfterDuration() time.Duration {
	return time.Duration(c.StaleAfter) * c.PollInterval
}

func Load() (*Config, error) {
	// Missing env files are fine.
	_ = godotenv.Load(".env", ".env.local")

	cfg := &Config{
		ListenAddr:    getEnv("ARTBOT_LISTEN_ADDR", ":8080"),
		HordeURL:      getEnv("ARTBOT_HORDE_URL", HordeProd),
		APIKey:        getEnv("ARTBOT_API_KEY", AnonAPIKey),
		ClientAgent:   getEnv("ARTBOT_CLIENT_AGENT", "artbot:1.0:unknown"),
		DBPath:        getEnv("ARTBOT_DB_PATH", "artbot.db"),
		TelemetryURL:  getEnv("ARTBOT_TELEMETRY_URL", ""),
		PNGConvertURL: getEnv("ARTBOT_PNG_CONVERT_URL", "http://localhost:3000/artbot/api/get-png"),
		DownloadDir:   getEnv("ARTBOT_DOWNLOAD_DIR", "downloads"),
	}
	if getEnv("ARTBOT_HORDE_DEV", "false") == "true" {
		cfg.HordeURL = HordeDev
	}
	cfg.HordeURL = strings.TrimRight(cfg.HordeURL, "/")

	for _, o := range strings.Split(getEnv("ARTBOT_CORS_ORIGINS", ""), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}

	var err error
	if cfg.CreateInterval, err = getEnvDuration("ARTBOT_CREATE_INTERVAL", time.Second); err != nil {
		return nil, fmt.Errorf("ARTBOT_CREATE_INTERVAL: %w", err)
	}
	if cfg.PollInterval, err = getEnvDuration("ARTBOT_POLL_INTERVAL", 2500*time.Millisecond); err != nil {
		return nil, fmt.Errorf("ARTBOT_POLL_INTERVAL: %w", err)
	}
	if cfg.PollInterval <= 0 {
		return nil, errors.New("ARTBOT_POLL_INTERVAL must be > 0")
	}

	ints := []struct {
		key      string
		dst      *int
		fallback int
	}{
		{"ARTBOT_MAX_JOBS_ANON", &cfg.MaxJobsAnon, 3},
		{"ARTBOT_MAX_JOBS_USER", &cfg.MaxJobsUser, 5},
		{"ARTBOT_MAX_IMAGES_PER_JOB", &cfg.MaxImagesPerJob, 200},
		{"ARTBOT_MAX_POLL_FAILURES", &cfg.MaxPollFailures, 5},
		{"ARTBOT_POLL_CONCURRENCY", &cfg.PollConcurrency, 4},
		{"ARTBOT_STALE_AFTER_CYCLES", &cfg.StaleAfter, 3},
	}
	for _, it := range ints {
		if *it.dst, err = getEnvInt(it.key, it.fallback); err != nil {
			return nil, fmt.Errorf("%s: %w", it.key, err)
		}
		if *it.dst < 1 {
			return nil, fmt.Errorf("%s must be > 0", it.key)
		}
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("ARTBOT_LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("ARTBOT_LOG_LEVEL: %w", err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

// getEnvDuration accepts Go durations ("2s") or bare milliseconds ("2500").
func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}
