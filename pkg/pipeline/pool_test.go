package pipeline

import (
	"errors"
	"testing"
	"time"
)

func waitForStatus(t *testing.T, p *OrderedPool[int, int], index uint64, want ReceiveStatus) int {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		result, status := p.Receive(index)
		if status == want {
			return result
		}
		if status != NotReady {
			t.Fatalf("index %d: expected %v, got %v", index, want, status)
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("index %d never reached status %v", index, want)
	return 0
}

func TestPoolSubmitReceive(t *testing.T) {
	p := NewOrderedPool(2, func(v int) (int, error) { return v * 10, nil }, nil)
	defer p.Shutdown()

	if err := p.Submit(0, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := waitForStatus(t, p, 0, Done); got != 10 {
		t.Errorf("expected 10, got %d", got)
	}

	// Done results are delivered exactly once.
	if _, status := p.Receive(0); status != Missing {
		t.Errorf("expected Missing on second receive, got %v", status)
	}
}

func TestPoolNeverSubmittedIsMissing(t *testing.T) {
	p := NewOrderedPool(2, func(v int) (int, error) { return v, nil }, nil)
	defer p.Shutdown()

	if _, status := p.Receive(42); status != Missing {
		t.Errorf("expected Missing, got %v", status)
	}
}

func TestPoolFullRefusesSubmit(t *testing.T) {
	block := make(chan struct{})
	p := NewOrderedPool(2, func(v int) (int, error) {
		<-block
		return v, nil
	}, nil)
	defer p.Shutdown()
	defer close(block)

	if err := p.Submit(0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Submit(1, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Submit(2, 2); !errors.Is(err, ErrPoolFull) {
		t.Errorf("expected ErrPoolFull, got %v", err)
	}
	if !p.IsFull() {
		t.Error("expected full pool")
	}

	if _, status := p.Receive(0); status != NotReady {
		t.Errorf("expected NotReady while blocked, got %v", status)
	}
}

func TestPoolWorkerPanicIsMissing(t *testing.T) {
	p := NewOrderedPool(1, func(v int) (int, error) {
		if v == 13 {
			panic("boom")
		}
		return v, nil
	}, nil)
	defer p.Shutdown()

	if err := p.Submit(0, 13); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, status := p.Receive(0)
		if status == Missing {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("panicked job never reported Missing")
		}
		time.Sleep(time.Millisecond)
	}
	if p.Failures() != 1 {
		t.Errorf("expected 1 failure, got %d", p.Failures())
	}

	// The pool keeps working after a panic.
	if err := p.Submit(1, 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := waitForStatus(t, p, 1, Done); got != 7 {
		t.Errorf("expected 7, got %d", got)
	}
}

func TestPoolWorkerErrorIsMissing(t *testing.T) {
	p := NewOrderedPool(1, func(v int) (int, error) {
		return 0, errors.New("bad frame")
	}, nil)
	defer p.Shutdown()

	if err := p.Submit(0, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, status := p.Receive(0)
		if status == Missing {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("failed job never reported Missing")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPoolShutdown(t *testing.T) {
	p := NewOrderedPool(2, func(v int) (int, error) { return v + 1, nil }, nil)
	if err := p.Submit(0, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.Shutdown()
	p.Shutdown() // idempotent

	if err := p.Submit(1, 2); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}

	// In-flight work finished before shutdown returned.
	if result, status := p.Receive(0); status != Done || result != 2 {
		t.Errorf("expected Done 2, got %v %d", status, result)
	}
}
