package admission

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Reason string

const (
	ReasonConcurrency Reason = "concurrency_limit_exceeded"
	ReasonTooSoon     Reason = "too_soon"
)

var (
	ErrConcurrencyLimit = errors.New("concurrency limit exceeded")
	ErrTooSoon          = errors.New("too soon since last submission")
)

// RejectedError is returned when a submission is not admitted. It is recoverable: the
// caller may retry after RetryAfter (zero when the wait depends on a job finishing).
type RejectedError struct {
	Reason     Reason
	RetryAfter time.Duration
	InFlight   int
	Ceiling    int
}

func (e *RejectedError) Error() string {
	if e.Reason == ReasonTooSoon {
		return fmt.Sprintf("admission rejected: %s (retry in %s)", e.Reason, e.RetryAfter)
	}
	return fmt.Sprintf("admission rejected: %s (%d/%d in flight)", e.Reason, e.InFlight, e.Ceiling)
}

func (e *RejectedError) Unwrap() error {
	if e.Reason == ReasonTooSoon {
		return ErrTooSoon
	}
	return ErrConcurrencyLimit
}

type Limits struct {
	MaxAnon  int
	MaxUser  int
	Interval time.Duration
}

// State is a snapshot of the process-wide admission counters.
type State struct {
	InFlight     int       `json:"in_flight"`
	LastAccepted time.Time `json:"last_accepted"`
}

// Controller gates job creation on a concurrency ceiling and a minimum interval between
// accepted submissions. The check and the reservation happen under one lock.
type Controller struct {
	mu           sync.Mutex
	limits       Limits
	limiter      *rate.Limiter
	inFlight     int
	lastAccepted time.Time
}

func New(limits Limits) *Controller {
	every := rate.Inf
	if limits.Interval > 0 {
		every = rate.Every(limits.Interval)
	}
	return &Controller{
		limits:  limits,
		limiter: rate.NewLimiter(every, 1),
	}
}

// Ceiling returns the concurrency ceiling for the caller.
func (c *Controller) Ceiling(authenticated bool) int {
	if authenticated {
		return c.limits.MaxUser
	}
	return c.limits.MaxAnon
}

// TryAdmit reserves one in-flight slot. A batch job takes a single slot regardless of
// how many images it asks for. The returned Ticket must be released when the job leaves
// the in-flight set, including when its creation request fails.
func (c *Controller) TryAdmit(authenticated bool, now time.Time) (*Ticket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ceiling := c.Ceiling(authenticated)
	if c.inFlight >= ceiling {
		return nil, &RejectedError{Reason: ReasonConcurrency, InFlight: c.inFlight, Ceiling: ceiling}
	}
	if !c.limiter.AllowN(now, 1) {
		wait := c.limits.Interval - now.Sub(c.lastAccepted)
		if wait < 0 {
			wait = 0
		}
		return nil, &RejectedError{Reason: ReasonTooSoon, RetryAfter: wait, InFlight: c.inFlight, Ceiling: ceiling}
	}

	c.inFlight++
	c.lastAccepted = now
	return &Ticket{c: c, AdmittedAt: now}, nil
}

// State returns the current counters.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{InFlight: c.inFlight, LastAccepted: c.lastAccepted}
}

func (c *Controller) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight > 0 {
		c.inFlight--
	}
}

// Ticket is one admitted in-flight slot.
type Ticket struct {
	c          *Controller
	once       sync.Once
	AdmittedAt time.Time
}

// Release frees the slot. Only the first call has an effect.
func (t *Ticket) Release() {
	t.once.Do(t.c.release)
}
