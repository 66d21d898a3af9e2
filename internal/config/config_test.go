package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.HordeURL != HordeProd {
		t.Errorf("HordeURL = %q, want %q", cfg.HordeURL, HordeProd)
	}
	if cfg.APIKey != AnonAPIKey {
		t.Errorf("APIKey = %q, want anonymous key", cfg.APIKey)
	}
	if cfg.Authenticated() {
		t.Error("Authenticated() = true for anonymous key")
	}
	if cfg.CreateInterval != time.Second {
		t.Errorf("CreateInterval = %v, want 1s", cfg.CreateInterval)
	}
	if cfg.PollInterval != 2500*time.Millisecond {
		t.Errorf("PollInterval = %v, want 2.5s", cfg.PollInterval)
	}
	if cfg.MaxJobsAnon != 3 || cfg.MaxJobsUser != 5 {
		t.Errorf("ceilings = %d/%d, want 3/5", cfg.MaxJobsAnon, cfg.MaxJobsUser)
	}
	if cfg.MaxImagesPerJob != 200 {
		t.Errorf("MaxImagesPerJob = %d, want 200", cfg.MaxImagesPerJob)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want info", cfg.LogLevel)
	}
}

func TestLoad_AllVarsSet(t *testing.T) {
	t.Setenv("ARTBOT_LISTEN_ADDR", ":9090")
	t.Setenv("ARTBOT_HORDE_URL", "https://horde.example/")
	t.Setenv("ARTBOT_API_KEY", "personal-key")
	t.Setenv("ARTBOT_DB_PATH", "/tmp/test.db")
	t.Setenv("ARTBOT_CREATE_INTERVAL", "1500")
	t.Setenv("ARTBOT_POLL_INTERVAL", "5s")
	t.Setenv("ARTBOT_MAX_JOBS_USER", "7")
	t.Setenv("ARTBOT_STALE_AFTER_CYCLES", "2")
	t.Setenv("ARTBOT_CORS_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("ARTBOT_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.HordeURL != "https://horde.example" {
		t.Errorf("HordeURL = %q, want trailing slash trimmed", cfg.HordeURL)
	}
	if !cfg.Authenticated() {
		t.Error("Authenticated() = false for personal key")
	}
	if cfg.CreateInterval != 1500*time.Millisecond {
		t.Errorf("CreateInterval = %v, want 1.5s", cfg.CreateInterval)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %v, want 5s", cfg.PollInterval)
	}
	if cfg.MaxJobsUser != 7 {
		t.Errorf("MaxJobsUser = %d, want 7", cfg.MaxJobsUser)
	}
	if got := cfg.StaleAfterDuration(); got != 10*time.Second {
		t.Errorf("StaleAfterDuration = %v, want 10s", got)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://b.test" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
}

func TestLoad_DevHorde(t *testing.T) {
	t.Setenv("ARTBOT_HORDE_DEV", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.HordeURL != HordeDev {
		t.Errorf("HordeURL = %q, want %q", cfg.HordeURL, HordeDev)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"non-numeric ceiling", "ARTBOT_MAX_JOBS_ANON", "three"},
		{"zero ceiling", "ARTBOT_MAX_JOBS_USER", "0"},
		{"bad duration", "ARTBOT_POLL_INTERVAL", "soon"},
		{"zero poll interval", "ARTBOT_POLL_INTERVAL", "0"},
		{"bad log level", "ARTBOT_LOG_LEVEL", "loud"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q, got nil", tt.key, tt.value)
			}
		})
	}
}
