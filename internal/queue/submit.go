package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/artbot/artbot/internal/job"
	"github.com/artbot/artbot/internal/telemetry"
)

// ErrImageNotFound is returned when an action refers to a record that does not exist.
var ErrImageNotFound = errors.New("image not found")

type ErrorKind string

const (
	KindInvalid   ErrorKind = "invalid"
	KindAdmission ErrorKind = "admission"
	KindTransport ErrorKind = "transport"
)

// SubmissionError describes why a job was not created. Admission rejections are
// recoverable and leave no state behind; transport failures have already given back
// their admission slot.
type SubmissionError struct {
	Kind ErrorKind
	Err  error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit job (%s): %v", e.Kind, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Submit creates a job from freshly composed params.
func (q *Queue) Submit(ctx context.Context, p job.Params) (*job.Job, error) {
	j, err := q.submit(ctx, p)
	if err != nil {
		return nil, err
	}
	q.telemetry.Track(ctx, telemetry.EventNewJob, telemetry.ContextCreatePage)
	return j, nil
}

// SubmitRaw creates a job from params that may carry artifacts of a prior job, such as a
// flattened record. Those artifacts are stripped before anything is sent.
func (q *Queue) SubmitRaw(ctx context.Context, raw job.RawParams) (*job.Job, error) {
	p, err := job.Sanitize(raw).Params()
	if err != nil {
		return nil, &SubmissionError{Kind: KindInvalid, Err: err}
	}
	return q.Submit(ctx, p)
}

// Reroll submits a new job with the settings of a completed image, minus its seed.
func (q *Queue) Reroll(ctx context.Context, jobID string) (*job.Job, error) {
	rec, err := q.records.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrImageNotFound
	}
	raw, err := rec.Raw()
	if err != nil {
		return nil, &SubmissionError{Kind: KindInvalid, Err: err}
	}
	p, err := job.Sanitize(raw).Params()
	if err != nil {
		return nil, &SubmissionError{Kind: KindInvalid, Err: err}
	}

	j, err := q.submit(ctx, p)
	if err != nil {
		return nil, err
	}
	q.telemetry.Track(ctx, telemetry.EventReroll, telemetry.ContextImagePage)
	return j, nil
}

func (q *Queue) submit(ctx context.Context, p job.Params) (*job.Job, error) {
	p = p.WithDefaults()
	if err := p.Validate(q.cfg.MaxImagesPerJob); err != nil {
		return nil, &SubmissionError{Kind: KindInvalid, Err: err}
	}

	ticket, err := q.admission.TryAdmit(q.cfg.Authenticated(), q.now())
	if err != nil {
		slog.Debug("queue: submission not admitted", "error", err)
		return nil, &SubmissionError{Kind: KindAdmission, Err: err}
	}

	res, err := q.remote.CreateJob(ctx, p)
	if err == nil && (res == nil || !res.Success || res.ID == "") {
		msg := "no job id returned"
		if res != nil && res.Message != "" {
			msg = res.Message
		}
		err = errors.New(msg)
	}
	if err != nil {
		ticket.Release()
		slog.Warn("queue: create job failed", "error", err)
		return nil, &SubmissionError{Kind: KindTransport, Err: err}
	}

	j := job.Job{
		ID:          res.ID,
		Status:      job.StatusPending,
		Params:      p,
		SubmittedAt: ticket.AdmittedAt,
	}
	if err := q.tracker.Add(j, ticket.Release); err != nil {
		ticket.Release()
		return nil, &SubmissionError{Kind: KindTransport, Err: err}
	}

	slog.Info("queue: job submitted", "job_id", j.ID, "images", p.NumImages)
	q.publishStatus(j)
	return &j, nil
}
