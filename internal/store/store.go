package store

import (
	"context"

	"github.com/artbot/artbot/internal/job"
)

// Records persists completed images keyed by job id.
type Records interface {
	// Put writes rec unless a record with the same job id exists. It reports whether a
	// row was written.
	Put(ctx context.Context, rec *job.CompletedImageRecord) (bool, error)
	// Get returns nil, nil when no record exists.
	Get(ctx context.Context, jobID string) (*job.CompletedImageRecord, error)
	// Delete reports whether a record existed.
	Delete(ctx context.Context, jobID string) (bool, error)
	// List returns every record, newest first.
	List(ctx context.Context) ([]*job.CompletedImageRecord, error)
}

// Staging holds the single parameter set used to compose the next submission.
type Staging interface {
	Stage(ctx context.Context, p job.Params) error
	// Staged returns nil, nil when nothing is staged.
	Staged(ctx context.Context) (*job.Params, error)
	ClearStaged(ctx context.Context) error
}
