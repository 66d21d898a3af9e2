package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	}
	return -1
}

// CanTransition reports whether a job may move from s to next. Statuses only move forward
// and nothing leaves a terminal state.
func (s Status) CanTransition(next Status) bool {
	if s.IsTerminal() || next.rank() < 0 || s.rank() < 0 {
		return false
	}
	return next.rank() > s.rank()
}

// Params is the generation parameter set sent to the horde.
type Params struct {
	Prompt            string   `json:"prompt"`
	Negative          string   `json:"negative,omitempty"`
	Sampler           string   `json:"sampler,omitempty"`
	Steps             int      `json:"steps,omitempty"`
	CfgScale          float64  `json:"cfg_scale,omitempty"`
	Width             int      `json:"width,omitempty"`
	Height            int      `json:"height,omitempty"`
	Seed              string   `json:"seed,omitempty"`
	NumImages         int      `json:"numImages,omitempty"`
	Karras            bool     `json:"karras,omitempty"`
	Models            []string `json:"models,omitempty"`
	AllowNSFW         bool     `json:"allowNsfw,omitempty"`
	Img2Img           bool     `json:"img2img,omitempty"`
	SourceImage       string   `json:"source_image,omitempty"`
	DenoisingStrength float64  `json:"denoising_strength,omitempty"`
	ParentJobID       string   `json:"parentJobId,omitempty"`
}

const (
	defaultSampler  = "k_euler_a"
	defaultSteps    = 20
	defaultCfgScale = 7
	defaultSize     = 512
	maxSteps        = 500
	maxSize         = 1024
)

// WithDefaults fills unset numeric and sampler fields.
func (p Params) WithDefaults() Params {
	if p.Sampler == "" {
		p.Sampler = defaultSampler
	}
	if p.Steps == 0 {
		p.Steps = defaultSteps
	}
	if p.CfgScale == 0 {
		p.CfgScale = defaultCfgScale
	}
	if p.Width == 0 {
		p.Width = defaultSize
	}
	if p.Height == 0 {
		p.Height = defaultSize
	}
	if p.NumImages == 0 {
		p.NumImages = 1
	}
	return p
}

// Validate checks p against the horde's accepted ranges. maxImages bounds a batch request.
func (p *Params) Validate(maxImages int) error {
	if p.Prompt == "" {
		return errors.New("prompt must not be empty")
	}
	if p.Steps < 1 || p.Steps > maxSteps {
		return fmt.Errorf("steps must be between 1 and %d", maxSteps)
	}
	if p.CfgScale < 0 || p.CfgScale > 100 {
		return errors.New("cfg_scale must be between 0 and 100")
	}
	for _, d := range []int{p.Width, p.Height} {
		if d < 64 || d > maxSize || d%64 != 0 {
			return fmt.Errorf("width and height must be multiples of 64 between 64 and %d", maxSize)
		}
	}
	if p.NumImages < 1 || p.NumImages > maxImages {
		return fmt.Errorf("numImages must be between 1 and %d", maxImages)
	}
	if p.Img2Img && p.SourceImage == "" {
		return errors.New("img2img requires source_image")
	}
	if p.DenoisingStrength < 0 || p.DenoisingStrength > 1 {
		return errors.New("denoising_strength must be between 0 and 1")
	}
	return nil
}

// Raw returns p as a loose JSON object.
func (p Params) Raw() (RawParams, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	var raw RawParams
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	return raw, nil
}

// RawParams is a parameter set as a loose JSON object, typically a flattened record.
type RawParams map[string]any

// sanitizedFields are artifacts of a prior job that must never be sent in a new request.
var sanitizedFields = []string{
	"base64String",
	"id",
	"jobId",
	"queue_position",
	"seed",
	"success",
	"timestamp",
	"wait_time",
}

// Sanitize returns a copy of raw without prior-job artifacts. raw is not modified.
func Sanitize(raw RawParams) RawParams {
	clean := make(RawParams, len(raw))
	for k, v := range raw {
		clean[k] = v
	}
	for _, k := range sanitizedFields {
		delete(clean, k)
	}
	return clean
}

// Params decodes raw into the typed parameter set. Unknown keys are ignored.
func (raw RawParams) Params() (Params, error) {
	var p Params
	b, err := json.Marshal(raw)
	if err != nil {
		return p, fmt.Errorf("encode raw params: %w", err)
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("decode raw params: %w", err)
	}
	return p, nil
}

// Job is one generation request tracked from admission to a terminal state.
type Job struct {
	ID            string    `json:"id"`
	Status        Status    `json:"status"`
	Params        Params    `json:"params"`
	SubmittedAt   time.Time `json:"submitted_at"`
	QueuePosition int       `json:"queue_position,omitempty"`
	WaitTime      int       `json:"wait_time,omitempty"`
	Error         string    `json:"error,omitempty"`

	advisoryAt time.Time
}

// CompletedImageRecord is a finished image persisted locally.
type CompletedImageRecord struct {
	JobID        string    `json:"jobId"`
	Timestamp    time.Time `json:"timestamp"`
	Params       Params    `json:"params"`
	Seed         string    `json:"seed"`
	Base64String string    `json:"base64String"`
}

// Raw flattens the record into the shape the image detail view works with: the
// generation params at the top level alongside jobId, timestamp, seed and base64String.
func (r *CompletedImageRecord) Raw() (RawParams, error) {
	raw, err := r.Params.Raw()
	if err != nil {
		return nil, err
	}
	raw["jobId"] = r.JobID
	raw["timestamp"] = r.Timestamp.UnixMilli()
	raw["seed"] = r.Seed
	raw["base64String"] = r.Base64String
	return raw, nil
}

// RecordID is the key of generation i of a job. The first image keeps the job id.
func RecordID(jobID string, i int) string {
	if i == 0 {
		return jobID
	}
	return fmt.Sprintf("%s-%d", jobID, i)
}
