package job

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnknownJob        = errors.New("job not tracked")
	ErrDuplicateJob      = errors.New("job already tracked")
)

type entry struct {
	job      Job
	failures int
	release  func()
}

// Tracker is the in-memory registry of jobs in flight. A job leaves the tracker when it
// reaches a terminal state, at which point its release func is called exactly once.
type Tracker struct {
	mu         sync.RWMutex
	jobs       map[string]*entry
	staleAfter time.Duration
	now        func() time.Time
}

// NewTracker creates a Tracker. Advisory queue fields older than staleAfter are dropped
// from snapshots; zero keeps them forever.
func NewTracker(staleAfter time.Duration) *Tracker {
	return &Tracker{
		jobs:       make(map[string]*entry),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Add starts tracking j. release is called when the job is finished or removed.
func (t *Tracker) Add(j Job, release func()) error {
	if j.ID == "" {
		return errors.New("job id must not be empty")
	}
	if j.Status == "" {
		j.Status = StatusPending
	}
	if j.Status.IsTerminal() {
		return fmt.Errorf("add job %s: %w", j.ID, ErrInvalidTransition)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.jobs[j.ID]; ok {
		return fmt.Errorf("add job %s: %w", j.ID, ErrDuplicateJob)
	}
	t.jobs[j.ID] = &entry{job: j, release: release}
	return nil
}

// Get returns a snapshot of the tracked job.
func (t *Tracker) Get(id string) (Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.jobs[id]
	if !ok {
		return Job{}, false
	}
	return t.snapshot(e), true
}

// List returns snapshots of every in-flight job, oldest submission first.
func (t *Tracker) List() []Job {
	t.mu.RLock()
	jobs := make([]Job, 0, len(t.jobs))
	for _, e := range t.jobs {
		jobs = append(jobs, t.snapshot(e))
	}
	t.mu.RUnlock()

	slices.SortFunc(jobs, func(a, b Job) int {
		if c := a.SubmittedAt.Compare(b.SubmittedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return jobs
}

// Len returns the number of in-flight jobs.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.jobs)
}

// Advance moves a job to a non-terminal status. Use Finish for terminal statuses.
func (t *Tracker) Advance(id string, status Status) error {
	if status.IsTerminal() {
		return fmt.Errorf("advance job %s to %s: %w", id, status, ErrInvalidTransition)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.jobs[id]
	if !ok {
		return fmt.Errorf("advance job %s: %w", id, ErrUnknownJob)
	}
	if e.job.Status == status {
		return nil
	}
	if !e.job.Status.CanTransition(status) {
		return fmt.Errorf("advance job %s from %s to %s: %w", id, e.job.Status, status, ErrInvalidTransition)
	}
	e.job.Status = status
	return nil
}

// UpdateProgress records a successful poll: advisory queue fields are refreshed, the
// failure streak is reset and the job advances to processing when the horde says so.
// A pending report for a processing job is ignored rather than moving backwards.
func (t *Tracker) UpdateProgress(id string, status Status, queuePosition, waitTime int) (Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("update job %s: %w", id, ErrUnknownJob)
	}
	if e.job.Status.CanTransition(status) && !status.IsTerminal() {
		e.job.Status = status
	}
	e.job.QueuePosition = queuePosition
	e.job.WaitTime = waitTime
	e.job.advisoryAt = t.now()
	e.failures = 0
	return t.snapshot(e), nil
}

// RecordFailure increments and returns the consecutive poll failure count of a job.
func (t *Tracker) RecordFailure(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.jobs[id]
	if !ok {
		return 0
	}
	e.failures++
	return e.failures
}

// Finish moves a job to a terminal status and stops tracking it. ok is false when the
// job was not tracked, so a job is finished at most once.
func (t *Tracker) Finish(id string, status Status, errMsg string) (Job, bool) {
	if !status.IsTerminal() {
		return Job{}, false
	}
	t.mu.Lock()
	e, ok := t.jobs[id]
	if ok {
		delete(t.jobs, id)
	}
	t.mu.Unlock()
	if !ok {
		return Job{}, false
	}

	e.job.Status = status
	e.job.Error = errMsg
	e.job.QueuePosition = 0
	e.job.WaitTime = 0
	if e.release != nil {
		e.release()
	}
	return e.job, true
}

// Remove stops tracking a job without a terminal transition.
func (t *Tracker) Remove(id string) bool {
	t.mu.Lock()
	e, ok := t.jobs[id]
	if ok {
		delete(t.jobs, id)
	}
	t.mu.Unlock()
	if ok && e.release != nil {
		e.release()
	}
	return ok
}

func (t *Tracker) snapshot(e *entry) Job {
	j := e.job
	if t.staleAfter > 0 && !j.advisoryAt.IsZero() && t.now().Sub(j.advisoryAt) > t.staleAfter {
		j.QueuePosition = 0
		j.WaitTime = 0
	}
	return j
}
