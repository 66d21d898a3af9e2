package horde

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/artbot/artbot/internal/job"
)

// ErrNotFound is returned when the horde no longer knows a job id.
var ErrNotFound = errors.New("horde: job not found")

type Options struct {
	BaseURL       string
	APIKey        string
	ClientAgent   string
	PNGConvertURL string
	HTTPClient    *http.Client
	Timeout       time.Duration
}

// Client talks to the horde's async generation endpoints.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	apiKey        string
	clientAgent   string
	pngConvertURL string
}

func NewClient(opts Options) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "https://stablehorde.net"
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient:    client,
		baseURL:       base,
		apiKey:        strings.TrimSpace(opts.APIKey),
		clientAgent:   opts.ClientAgent,
		pngConvertURL: opts.PNGConvertURL,
	}
}

type generateParams struct {
	SamplerName       string  `json:"sampler_name,omitempty"`
	CfgScale          float64 `json:"cfg_scale,omitempty"`
	DenoisingStrength float64 `json:"denoising_strength,omitempty"`
	Seed              string  `json:"seed,omitempty"`
	Height            int     `json:"height,omitempty"`
	Width             int     `json:"width,omitempty"`
	Steps             int     `json:"steps,omitempty"`
	N                 int     `json:"n,omitempty"`
	Karras            bool    `json:"karras"`
}

type generateRequest struct {
	Prompt           string         `json:"prompt"`
	Params           generateParams `json:"params"`
	NSFW             bool           `json:"nsfw"`
	CensorNSFW       bool           `json:"censor_nsfw"`
	Models           []string       `json:"models,omitempty"`
	SourceImage      string         `json:"source_image,omitempty"`
	SourceProcessing string         `json:"source_processing,omitempty"`
	R2               bool           `json:"r2"`
}

// CreateResult is the horde's answer to a generation request.
type CreateResult struct {
	ID      string `json:"id"`
	Message string `json:"message,omitempty"`
	Success bool   `json:"-"`
}

// CheckResult is the lightweight progress report of a job.
type CheckResult struct {
	Finished      int  `json:"finished"`
	Processing    int  `json:"processing"`
	Waiting       int  `json:"waiting"`
	Done          bool `json:"done"`
	Faulted       bool `json:"faulted"`
	WaitTime      int  `json:"wait_time"`
	QueuePosition int  `json:"queue_position"`
	IsPossible    bool `json:"is_possible"`
}

type Generation struct {
	Img      string `json:"img"`
	Seed     string `json:"seed"`
	WorkerID string `json:"worker_id,omitempty"`
}

// StatusResult is the full status of a job including finished images.
type StatusResult struct {
	CheckResult
	Generations []Generation `json:"generations"`
}

type PNGResult struct {
	Success      bool   `json:"success"`
	Base64String string `json:"base64String"`
}

type errorResponse struct {
	Message string `json:"message"`
}

func newGenerateRequest(p job.Params) generateRequest {
	prompt := p.Prompt
	if neg := strings.TrimSpace(p.Negative); neg != "" {
		prompt = prompt + " ### " + neg
	}
	req := generateRequest{
		Prompt: prompt,
		Params: generateParams{
			SamplerName: p.Sampler,
			CfgScale:    p.CfgScale,
			Seed:        p.Seed,
			Height:      p.Height,
			Width:       p.Width,
			Steps:       p.Steps,
			N:           p.NumImages,
			Karras:      p.Karras,
		},
		NSFW:       p.AllowNSFW,
		CensorNSFW: !p.AllowNSFW,
		Models:     p.Models,
	}
	if p.Img2Img && p.SourceImage != "" {
		req.SourceImage = p.SourceImage
		req.SourceProcessing = "img2img"
		req.Params.DenoisingStrength = p.DenoisingStrength
	}
	return req
}

// CreateJob submits p for asynchronous generation.
func (c *Client) CreateJob(ctx context.Context, p job.Params) (*CreateResult, error) {
	body, err := json.Marshal(newGenerateRequest(p))
	if err != nil {
		return nil, fmt.Errorf("horde: encode request: %w", err)
	}
	var out CreateResult
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/api/v2/generate/async", body, &out); err != nil {
		return nil, err
	}
	out.Success = out.ID != ""
	return &out, nil
}

// CheckJob returns the progress of a job without image payloads.
func (c *Client) CheckJob(ctx context.Context, id string) (*CheckResult, error) {
	var out CheckResult
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/api/v2/generate/check/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchJob returns the full status of a job including finished generations.
func (c *Client) FetchJob(ctx context.Context, id string) (*StatusResult, error) {
	var out StatusResult
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/api/v2/generate/status/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConvertPNG asks the conversion endpoint to re-encode a base64 image as PNG.
func (c *Client) ConvertPNG(ctx context.Context, base64Image string) (*PNGResult, error) {
	if c.pngConvertURL == "" {
		return nil, errors.New("horde: png conversion endpoint not configured")
	}
	body, err := json.Marshal(map[string]string{"imgString": base64Image})
	if err != nil {
		return nil, fmt.Errorf("horde: encode png request: %w", err)
	}
	var out PNGResult
	if err := c.do(ctx, http.MethodPost, c.pngConvertURL, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		return fmt.Errorf("horde: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if c.clientAgent != "" {
		req.Header.Set("Client-Agent", c.clientAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("horde: %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var e errorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Message != "" {
			return fmt.Errorf("horde: http %d: %s", resp.StatusCode, e.Message)
		}
		return fmt.Errorf("horde: http %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("horde: decode response: %w", err)
	}
	return nil
}
