package action

import (
	"fmt"
	"sync"
)

type State int

const (
	Idle State = iota
	InFlight
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case InFlight:
		return "in_flight"
	case Done:
		return "done"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Registry tracks user-triggered actions by key so a repeated trigger while the first
// is still running is dropped instead of queued.
type Registry struct {
	mu     sync.Mutex
	states map[string]State
}

func NewRegistry() *Registry {
	return &Registry{states: make(map[string]State)}
}

// Begin moves key to InFlight. It returns false when key is already in flight.
func (r *Registry) Begin(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states[key] == InFlight {
		return false
	}
	r.states[key] = InFlight
	return true
}

// End records the outcome of an action started with Begin.
func (r *Registry) End(key string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.states[key] = Failed
		return
	}
	r.states[key] = Done
}

func (r *Registry) State(key string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[key]
}

// Forget resets key to Idle.
func (r *Registry) Forget(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, key)
}

// Run executes fn unless key is already in flight. ran reports whether fn was called.
// The outcome is returned rather than kept, so key is Idle again once Run returns.
func (r *Registry) Run(key string, fn func() error) (ran bool, err error) {
	if !r.Begin(key) {
		return false, nil
	}
	defer r.Forget(key)
	return true, fn()
}

// Len returns the number of keys holding a state other than Idle.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}
