package capture

import (
	"sync"
	"testing"
	"time"

	"github.com/wildbillh/vision-tracking/pkg/pipeline"
)

// scriptedReader hands out a fixed number of frames, then exhausts.
type scriptedReader struct {
	mu       sync.Mutex
	frames   int
	next     int
	seeks    []SeekCommand
	fastFwds int
	rewinds  int
}

func (r *scriptedReader) Read() (*Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next >= r.frames {
		return nil, ErrSourceExhausted
	}
	f := &Frame{Meta: Metadata{Index: r.next, Width: 640, Height: 480, FPS: 30}}
	r.next++
	return f, nil
}

func (r *scriptedReader) Close() error { return nil }

func (r *scriptedReader) FastForward(frames int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fastFwds++
}

func (r *scriptedReader) Rewind(frames int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rewinds++
}

func waitDone(t *testing.T, reader *ThreadedReader) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !reader.IsDone() {
		if time.Now().After(deadline) {
			t.Fatal("reader never finished")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestThreadedReaderDeliversInOrder(t *testing.T) {
	src := &scriptedReader{frames: 5}
	queue := pipeline.NewQueue[*Frame](8)
	reader := NewThreadedReader(src, queue, nil)

	if err := reader.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitDone(t, reader)

	for i := 0; i < 5; i++ {
		f, err := queue.TryGet()
		if err != nil {
			t.Fatalf("frame %d missing: %v", i, err)
		}
		if f.Meta.Index != i {
			t.Errorf("frame %d has index %d", i, f.Meta.Index)
		}
	}
	if !queue.IsEmpty() {
		t.Error("expected no extra frames")
	}
}

// A full queue applies backpressure instead of dropping frames.
func TestThreadedReaderBackpressure(t *testing.T) {
	src := &scriptedReader{frames: 6}
	queue := pipeline.NewQueue[*Frame](2)
	reader := NewThreadedReader(src, queue, nil)

	if err := reader.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var indexes []int
	deadline := time.Now().Add(5 * time.Second)
	for len(indexes) < 6 && time.Now().Before(deadline) {
		if f, err := queue.TryGet(); err == nil {
			indexes = append(indexes, f.Meta.Index)
		} else {
			time.Sleep(time.Millisecond)
		}
	}
	waitDone(t, reader)

	if len(indexes) != 6 {
		t.Fatalf("expected 6 frames, got %d", len(indexes))
	}
	for i, idx := range indexes {
		if idx != i {
			t.Fatalf("order broken: %v", indexes)
		}
	}
}

func TestThreadedReaderStopIdempotent(t *testing.T) {
	src := &scriptedReader{frames: 1 << 20}
	queue := pipeline.NewQueue[*Frame](2)
	reader := NewThreadedReader(src, queue, nil)

	if err := reader.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reader.Stop()
	reader.Stop()
	if !reader.IsDone() {
		t.Error("expected done after stop")
	}
}

func TestThreadedReaderDoubleStart(t *testing.T) {
	src := &scriptedReader{frames: 0}
	reader := NewThreadedReader(src, pipeline.NewQueue[*Frame](1), nil)
	if err := reader.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := reader.Start(); err == nil {
		t.Error("expected an error starting twice")
	}
	reader.Stop()
}

func TestThreadedReaderSeek(t *testing.T) {
	src := &scriptedReader{frames: 1 << 20}
	queue := pipeline.NewQueue[*Frame](4)
	reader := NewThreadedReader(src, queue, nil)

	reader.Seek(SeekForward)
	reader.Seek(SeekBack)

	if err := reader.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		src.mu.Lock()
		ff, rw := src.fastFwds, src.rewinds
		src.mu.Unlock()
		if ff == 1 && rw == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("seeks not applied: ff=%d rw=%d", ff, rw)
		}
		// Keep the queue drained so the reader loops.
		if f, err := queue.TryGet(); err == nil {
			f.Close()
		}
		time.Sleep(time.Millisecond)
	}
	reader.Stop()
}
