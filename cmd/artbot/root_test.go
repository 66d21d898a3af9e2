package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/artbot/artbot/internal/job"
	"github.com/artbot/artbot/internal/store"
	"github.com/artbot/artbot/internal/telemetry"
)

func runCmd(t *testing.T, args ...string) string {
	t.Helper()
	t.Setenv("ARTBOT_DB_PATH", filepath.Join(t.TempDir(), "artbot.db"))

	var out bytes.Buffer
	cmd := NewRootCmd("test")
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute %v: %v", args, err)
	}
	return out.String()
}

func TestImages_Empty(t *testing.T) {
	if got := runCmd(t, "images"); !strings.Contains(got, "no images") {
		t.Errorf("output = %q", got)
	}
}

func TestDelete_AlreadyAbsent(t *testing.T) {
	if got := runCmd(t, "delete", "abc"); !strings.Contains(got, "abc already absent") {
		t.Errorf("output = %q", got)
	}
}

func TestStaged_Nothing(t *testing.T) {
	if got := runCmd(t, "staged"); !strings.Contains(got, "nothing staged") {
		t.Errorf("output = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate short = %q", got)
	}
	if got := truncate("abcdefghij", 5); got != "abcd…" {
		t.Errorf("truncate long = %q", got)
	}
}

func TestDelete_SendsTelemetry(t *testing.T) {
	var mu sync.Mutex
	var events []string
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev telemetry.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err == nil {
			mu.Lock()
			events = append(events, ev.Event)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer collector.Close()

	dbPath := filepath.Join(t.TempDir(), "artbot.db")
	t.Setenv("ARTBOT_DB_PATH", dbPath)
	t.Setenv("ARTBOT_TELEMETRY_URL", collector.URL)

	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	_, err = st.Put(context.Background(), &job.CompletedImageRecord{
		JobID:     "img-1",
		Timestamp: time.Now(),
		Params:    job.Params{Prompt: "x"},
	})
	st.Close()
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	var out bytes.Buffer
	cmd := NewRootCmd("test")
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"delete", "img-1"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !strings.Contains(out.String(), "deleted img-1") {
		t.Errorf("output = %q", out.String())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || events[0] != telemetry.EventDelete {
		t.Errorf("events = %v, want [%s]", events, telemetry.EventDelete)
	}
}
