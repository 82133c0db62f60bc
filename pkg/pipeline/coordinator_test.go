package pipeline

import (
	"sync/atomic"
	"testing"
	"time"
)

// stubSource implements FrameSource for coordinator tests.
type stubSource struct {
	done    atomic.Bool
	stopped atomic.Bool
}

func (s *stubSource) IsDone() bool { return s.done.Load() }
func (s *stubSource) Stop()        { s.stopped.Store(true); s.done.Store(true) }

// stubSink implements FrameSink.
type stubSink struct {
	done        atomic.Bool
	stopOnEmpty atomic.Bool
}

func (s *stubSink) IsDone() bool        { return s.done.Load() }
func (s *stubSink) RequestStopOnEmpty() { s.stopOnEmpty.Store(true) }

func passthrough(v int) (int, error) { return v, nil }

func testConfig(threads int) Config {
	return Config{
		WarmupSleep:      time.Millisecond,
		WarmupIterations: 20,
		Threads:          threads,
		LoopWait:         100 * time.Microsecond,
	}
}

// An exhausted source with nothing queued drains straight through: no
// frames shown, clean stop.
func TestCoordinatorEmptySource(t *testing.T) {
	in := NewQueue[int](8)
	out := NewQueue[int](8)
	src := &stubSource{}
	src.done.Store(true)
	sink := &stubSink{}

	c := NewCoordinator[int, int](in, out, src, sink, ProcessorFunc[int, int](passthrough), testConfig(2), nil)
	if err := c.Run(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if c.State() != StateStopped {
		t.Errorf("expected stopped, got %s", c.State())
	}
	if got := c.Stats().FramesOut; got != 0 {
		t.Errorf("expected 0 frames, got %d", got)
	}
	if !sink.stopOnEmpty.Load() {
		t.Error("expected stop-on-empty request to the sink")
	}
}

// A source that never produces and never finishes fails the warmup.
func TestCoordinatorWarmupTimeout(t *testing.T) {
	in := NewQueue[int](8)
	out := NewQueue[int](8)

	c := NewCoordinator[int, int](in, out, &stubSource{}, &stubSink{}, ProcessorFunc[int, int](passthrough), testConfig(2), nil)
	if err := c.Run(); err != ErrNoInput {
		t.Fatalf("expected ErrNoInput, got %v", err)
	}
	if c.State() != StateStopped {
		t.Errorf("expected stopped, got %s", c.State())
	}
}

// Frames exit in source order even when per-frame work time alternates
// between slow and fast, and more than one job runs at once.
func TestCoordinatorOrderedReassembly(t *testing.T) {
	const frames = 10
	in := NewQueue[int](frames)
	out := NewQueue[int](frames)
	src := &stubSource{}
	sink := &stubSink{}

	var inFlight, maxInFlight atomic.Int32
	proc := ProcessorFunc[int, int](func(v int) (int, error) {
		n := inFlight.Add(1)
		for {
			max := maxInFlight.Load()
			if n <= max || maxInFlight.CompareAndSwap(max, n) {
				break
			}
		}
		if v%2 == 0 {
			time.Sleep(10 * time.Millisecond)
		} else {
			time.Sleep(time.Millisecond)
		}
		inFlight.Add(-1)
		return v, nil
	})

	for i := 0; i < frames; i++ {
		if err := in.Put(i); err != nil {
			t.Fatalf("seeding frame %d: %v", i, err)
		}
	}
	src.done.Store(true)

	c := NewCoordinator[int, int](in, out, src, sink, proc, testConfig(5), nil)

	runDone := make(chan error, 1)
	go func() { runDone <- c.Run() }()

	var order []int
	deadline := time.Now().Add(5 * time.Second)
	for len(order) < frames && time.Now().Before(deadline) {
		if v, err := out.TryGet(); err == nil {
			order = append(order, v)
		} else {
			time.Sleep(time.Millisecond)
		}
	}

	if err := <-runDone; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != frames {
		t.Fatalf("expected %d frames, got %d", frames, len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order broken at %d: got %v", i, order)
		}
	}
	if maxInFlight.Load() < 2 {
		t.Errorf("expected concurrent jobs, max in flight was %d", maxInFlight.Load())
	}
}

// A sink quit stops the source and the run loop without draining.
func TestCoordinatorSinkQuitStopsSource(t *testing.T) {
	in := NewQueue[int](8)
	out := NewQueue[int](8)
	src := &stubSource{}
	sink := &stubSink{}
	in.Put(0)

	proc := ProcessorFunc[int, int](func(v int) (int, error) {
		sink.done.Store(true)
		return v, nil
	})

	c := NewCoordinator[int, int](in, out, src, sink, proc, testConfig(2), nil)
	if err := c.Run(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !src.stopped.Load() {
		t.Error("expected the source to be stopped")
	}
}

// A worker failure skips the frame but keeps later frames flowing in order.
func TestCoordinatorSkipsFailedFrames(t *testing.T) {
	in := NewQueue[int](8)
	out := NewQueue[int](8)
	src := &stubSource{}
	sink := &stubSink{}

	proc := ProcessorFunc[int, int](func(v int) (int, error) {
		if v == 1 {
			panic("corrupt frame")
		}
		return v, nil
	})

	for i := 0; i < 3; i++ {
		in.Put(i)
	}
	src.done.Store(true)

	c := NewCoordinator[int, int](in, out, src, sink, proc, testConfig(2), nil)

	runDone := make(chan error, 1)
	go func() { runDone <- c.Run() }()

	var order []int
	deadline := time.Now().Add(5 * time.Second)
	for len(order) < 2 && time.Now().Before(deadline) {
		if v, err := out.TryGet(); err == nil {
			order = append(order, v)
		} else {
			time.Sleep(time.Millisecond)
		}
	}
	if err := <-runDone; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(order) != 2 || order[0] != 0 || order[1] != 2 {
		t.Fatalf("expected [0 2], got %v", order)
	}
	if c.Stats().WorkerFailures != 1 {
		t.Errorf("expected 1 worker failure, got %d", c.Stats().WorkerFailures)
	}
}

// Stopping n times has the same observable effect as stopping once.
func TestCoordinatorStopIdempotent(t *testing.T) {
	in := NewQueue[int](8)
	out := NewQueue[int](8)
	src := &stubSource{}
	sink := &stubSink{}
	in.Put(0)

	c := NewCoordinator[int, int](in, out, src, sink, ProcessorFunc[int, int](passthrough), testConfig(2), nil)
	for i := 0; i < 3; i++ {
		c.Stop()
	}
	if err := c.Run(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.State() != StateStopped {
		t.Errorf("expected stopped, got %s", c.State())
	}
	c.Stop()
	c.Stop()
	if c.State() != StateStopped {
		t.Errorf("expected stopped after repeat stops, got %s", c.State())
	}
}

func TestCoordinatorDoubleRun(t *testing.T) {
	in := NewQueue[int](1)
	out := NewQueue[int](1)
	src := &stubSource{}
	src.done.Store(true)

	c := NewCoordinator[int, int](in, out, src, &stubSink{}, ProcessorFunc[int, int](passthrough), testConfig(1), nil)
	if err := c.Run(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Run(); err != ErrCoordinatorRunning {
		t.Errorf("expected ErrCoordinatorRunning, got %v", err)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		str   string
	}{
		{StateInit, "init"},
		{StateWarmup, "warmup"},
		{StateRun, "run"},
		{StateDrain, "drain"},
		{StateStopped, "stopped"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.str {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.str)
		}
	}
}
