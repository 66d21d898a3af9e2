package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/artbot/artbot/internal/horde"
	"github.com/artbot/artbot/internal/job"
)

// Start launches the completion poller. It runs until ctx is cancelled or Stop is called.
// Calling Start while the poller is running does nothing.
func (q *Queue) Start(ctx context.Context) {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if q.stop != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	q.stop = cancel
	q.done = make(chan struct{})
	go q.runPoller(ctx, q.done)
}

// Stop cancels the poller and waits for the running cycle to return.
func (q *Queue) Stop() {
	q.runMu.Lock()
	stop, done := q.stop, q.done
	q.stop, q.done = nil, nil
	q.runMu.Unlock()
	if stop == nil {
		return
	}
	stop()
	<-done
}

func (q *Queue) runPoller(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.PollOnce(ctx)
		}
	}
}

// PollOnce runs one poll cycle over the in-flight jobs. It returns false without doing
// anything when another cycle is still running.
func (q *Queue) PollOnce(ctx context.Context) bool {
	if !q.cycling.CompareAndSwap(false, true) {
		slog.Debug("queue: poll cycle still running, skipping tick")
		return false
	}
	defer q.cycling.Store(false)

	jobs := q.tracker.List()
	if len(jobs) == 0 {
		return true
	}

	var g errgroup.Group
	g.SetLimit(q.cfg.PollConcurrency)
	for _, j := range jobs {
		g.Go(func() error {
			q.pollJob(ctx, j)
			return nil
		})
	}
	_ = g.Wait()
	return true
}

func (q *Queue) pollJob(ctx context.Context, j job.Job) {
	chk, err := q.remote.CheckJob(ctx, j.ID)
	if err != nil {
		q.pollFailed(ctx, j, err)
		return
	}

	switch {
	case chk.Faulted:
		q.fail(j.ID, "generation faulted")
	case chk.Done:
		q.complete(ctx, j)
	default:
		if !chk.IsPossible {
			slog.Debug("queue: no worker can currently serve job", "job_id", j.ID)
		}
		status := job.StatusPending
		if chk.Processing > 0 {
			status = job.StatusProcessing
		}
		updated, err := q.tracker.UpdateProgress(j.ID, status, chk.QueuePosition, chk.WaitTime)
		if err != nil {
			// Finished by a concurrent caller.
			return
		}
		q.publishStatus(updated)
	}
}

func (q *Queue) complete(ctx context.Context, j job.Job) {
	res, err := q.remote.FetchJob(ctx, j.ID)
	if err != nil {
		q.pollFailed(ctx, j, err)
		return
	}
	if res.Faulted {
		q.fail(j.ID, "generation faulted")
		return
	}
	if len(res.Generations) == 0 {
		q.pollFailed(ctx, j, errors.New("job done without generations"))
		return
	}

	now := q.now()
	for i, gen := range res.Generations {
		rec := &job.CompletedImageRecord{
			JobID:        job.RecordID(j.ID, i),
			Timestamp:    now,
			Params:       j.Params,
			Seed:         gen.Seed,
			Base64String: gen.Img,
		}
		inserted, err := q.records.Put(ctx, rec)
		if err != nil {
			q.pollFailed(ctx, j, fmt.Errorf("store image: %w", err))
			return
		}
		if !inserted {
			slog.Debug("queue: image already stored", "job_id", rec.JobID)
		}
	}

	final, ok := q.tracker.Finish(j.ID, job.StatusCompleted, "")
	if !ok {
		return
	}
	slog.Info("queue: job completed", "job_id", j.ID, "images", len(res.Generations))
	q.publishResult(final)
}

func (q *Queue) pollFailed(ctx context.Context, j job.Job, err error) {
	if ctx.Err() != nil {
		return
	}
	n := q.tracker.RecordFailure(j.ID)
	if n == 0 {
		return
	}
	if n < q.cfg.MaxPollFailures {
		slog.Warn("queue: poll failed", "job_id", j.ID, "attempt", n, "error", err)
		return
	}
	reason := fmt.Sprintf("polling failed %d times: %v", n, err)
	if errors.Is(err, horde.ErrNotFound) {
		reason = "job no longer known to the horde"
	}
	q.fail(j.ID, reason)
}

func (q *Queue) fail(id, reason string) {
	final, ok := q.tracker.Finish(id, job.StatusFailed, reason)
	if !ok {
		return
	}
	slog.Warn("queue: job failed", "job_id", id, "reason", reason)
	q.publishResult(final)
	if q.onFailure != nil {
		q.onFailure(final)
	}
}
