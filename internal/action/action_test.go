package action

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

func TestRegistry_Lifecycle(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	if s := r.State("reroll:a"); s != Idle {
		t.Fatalf("initial state = %v, want idle", s)
	}
	if !r.Begin("reroll:a") {
		t.Fatal("Begin = false on idle key")
	}
	if r.Begin("reroll:a") {
		t.Fatal("second Begin = true while in flight")
	}
	if !r.Begin("reroll:b") {
		t.Fatal("Begin on other key = false")
	}

	r.End("reroll:a", nil)
	if s := r.State("reroll:a"); s != Done {
		t.Errorf("state = %v, want done", s)
	}
	r.End("reroll:b", errors.New("boom"))
	if s := r.State("reroll:b"); s != Failed {
		t.Errorf("state = %v, want failed", s)
	}

	if !r.Begin("reroll:a") {
		t.Error("Begin after Done = false")
	}
	r.Forget("reroll:a")
	if s := r.State("reroll:a"); s != Idle {
		t.Errorf("state after Forget = %v, want idle", s)
	}
}

func TestRegistry_RunDropsReentrantCalls(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.Run("download:x", func() error {
			calls.Add(1)
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ran, err := r.Run("download:x", func() error {
		calls.Add(1)
		return nil
	})
	if ran || err != nil {
		t.Errorf("re-entrant Run = %v, %v; want false, nil", ran, err)
	}

	close(release)
	wg.Wait()
	if n := calls.Load(); n != 1 {
		t.Errorf("fn called %d times, want 1", n)
	}
	if s := r.State("download:x"); s != Idle {
		t.Errorf("state = %v, want idle", s)
	}
}

func TestRegistry_RunReturnsFailure(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	want := errors.New("boom")
	ran, err := r.Run("delete:x", func() error { return want })
	if !ran || !errors.Is(err, want) {
		t.Fatalf("Run = %v, %v", ran, err)
	}
	if ran, _ := r.Run("delete:x", func() error { return nil }); !ran {
		t.Error("Run after a failure was dropped")
	}
}

func TestRegistry_RunDoesNotRetainSettledKeys(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	for i := range 100 {
		key := "download:" + strconv.Itoa(i)
		r.Run(key, func() error { return nil })
		r.Run(key+"-failed", func() error { return errors.New("boom") })
	}
	if n := r.Len(); n != 0 {
		t.Errorf("Len = %d after settled runs, want 0", n)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	if InFlight.String() != "in_flight" || State(9).String() != "State(9)" {
		t.Errorf("unexpected String output: %s %s", InFlight, State(9))
	}
}
