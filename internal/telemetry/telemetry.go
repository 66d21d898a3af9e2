package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	EventNewJob     = "NEW_JOB"
	EventReroll     = "REROLL_IMAGE"
	EventDelete     = "DELETE_IMAGE"
	EventCopyPrompt = "COPY_PROMPT"
	EventImg2Img    = "IMG2IMG_CLICK"
	EventDownload   = "DOWNLOAD_PNG"

	ContextImagePage  = "ImagePage"
	ContextCreatePage = "CreatePage"
)

const (
	retryAttempts = 3
	retryBase     = 250 * time.Millisecond
	retryCap      = 5 * time.Second
)

type Event struct {
	ID        string `json:"id"`
	Event     string `json:"event"`
	Context   string `json:"context"`
	Timestamp int64  `json:"timestamp"`
}

// Client posts events to a collector. Delivery is best effort: Track never blocks the
// caller and failures are only logged.
type Client struct {
	url    string
	client *http.Client
	wg     sync.WaitGroup
}

// New returns a Client posting to url. An empty url disables delivery.
func New(url string) *Client {
	return &Client{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

// Track dispatches the event asynchronously. Delivery is detached from ctx cancellation.
func (c *Client) Track(ctx context.Context, event, where string) {
	if c == nil || c.url == "" {
		return
	}
	payload, err := json.Marshal(Event{
		ID:        uuid.NewString(),
		Event:     event,
		Context:   where,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.send(context.WithoutCancel(ctx), payload)
	}()
}

// Wait blocks until in-flight deliveries finish.
func (c *Client) Wait() {
	if c != nil {
		c.wg.Wait()
	}
}

func (c *Client) send(ctx context.Context, payload []byte) {
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err := c.post(ctx, payload)
		if err == nil {
			return
		}
		slog.Debug("telemetry attempt failed", "attempt", attempt, "error", err)
		if attempt < retryAttempts {
			time.Sleep(jitter(attempt))
		}
	}
	slog.Debug("telemetry: event dropped", "url", c.url)
}

// jitter returns a random duration between 0 and min(retryCap, retryBase * 2^attempt).
func jitter(attempt int) time.Duration {
	exp := retryBase * (1 << attempt)
	if exp > retryCap {
		exp = retryCap
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

func (c *Client) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
