package pipeline

import (
	"sync"

	"go.uber.org/zap"
)

// ReceiveStatus is the outcome of an OrderedPool.Receive call.
type ReceiveStatus int

const (
	// NotReady means the job was submitted and is still running.
	NotReady ReceiveStatus = iota
	// Done means the job completed and its result is returned exactly once.
	Done
	// Missing means the index was never submitted, or its worker failed.
	Missing
)

func (s ReceiveStatus) String() string {
	switch s {
	case NotReady:
		return "not-ready"
	case Done:
		return "done"
	case Missing:
		return "missing"
	default:
		return "unknown"
	}
}

// WorkFunc transforms one job payload into a result.
type WorkFunc[T, R any] func(T) (R, error)

type job[T any] struct {
	index   uint64
	payload T
}

type pending[R any] struct {
	result R
	done   bool
	failed bool
}

// OrderedPool runs jobs on a fixed set of workers and hands results back by
// job index, so the caller can drain completions in submission order
// regardless of completion order. At most maxJobs jobs are in flight;
// Submit is refused once full.
type OrderedPool[T, R any] struct {
	mu       sync.Mutex
	maxJobs  int
	inflight map[uint64]*pending[R]
	work     chan job[T]
	fn       WorkFunc[T, R]
	wg       sync.WaitGroup
	closed   bool
	failures int
	log      *zap.Logger
}

// NewOrderedPool starts maxJobs workers executing fn. A nil logger disables
// logging.
func NewOrderedPool[T, R any](maxJobs int, fn WorkFunc[T, R], logger *zap.Logger) *OrderedPool[T, R] {
	if maxJobs <= 0 {
		maxJobs = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &OrderedPool[T, R]{
		maxJobs:  maxJobs,
		inflight: make(map[uint64]*pending[R]),
		work:     make(chan job[T]),
		fn:       fn,
		log:      logger.With(zap.String("component", "pool")),
	}
	for i := 0; i < maxJobs; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit hands a payload to the pool under the given index. Returns
// ErrPoolFull while maxJobs results are outstanding and ErrPoolClosed after
// Shutdown.
func (p *OrderedPool[T, R]) Submit(index uint64, payload T) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if len(p.inflight) >= p.maxJobs {
		p.mu.Unlock()
		return ErrPoolFull
	}
	p.inflight[index] = &pending[R]{}
	p.mu.Unlock()

	p.work <- job[T]{index: index, payload: payload}
	return nil
}

// Receive queries the result for an index. Done results are removed on
// return and can be received exactly once. A failed or never-submitted
// index reports Missing.
func (p *OrderedPool[T, R]) Receive(index uint64) (R, ReceiveStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var zero R
	entry, ok := p.inflight[index]
	if !ok {
		return zero, Missing
	}
	if !entry.done {
		return zero, NotReady
	}
	delete(p.inflight, index)
	if entry.failed {
		return zero, Missing
	}
	return entry.result, Done
}

// IsFull reports whether the pool is at its in-flight limit.
func (p *OrderedPool[T, R]) IsFull() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight) >= p.maxJobs
}

// Outstanding returns the number of in-flight or unclaimed results.
func (p *OrderedPool[T, R]) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// Failures returns the count of jobs whose work function failed or panicked.
func (p *OrderedPool[T, R]) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// Shutdown stops accepting submissions and waits for in-flight workers to
// finish. Unclaimed results remain receivable. Shutdown is idempotent.
func (p *OrderedPool[T, R]) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.work)
	p.wg.Wait()
}

func (p *OrderedPool[T, R]) worker() {
	defer p.wg.Done()
	for j := range p.work {
		p.run(j)
	}
}

// run executes one job, converting a panic in the work function into a
// failed result so the pipeline keeps moving.
func (p *OrderedPool[T, R]) run(j job[T]) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker panic", zap.Uint64("index", j.index), zap.Any("panic", r))
			p.finish(j.index, *new(R), true)
		}
	}()
	result, err := p.fn(j.payload)
	if err != nil {
		p.log.Warn("work function failed", zap.Uint64("index", j.index), zap.Error(err))
		p.finish(j.index, result, true)
		return
	}
	p.finish(j.index, result, false)
}

func (p *OrderedPool[T, R]) finish(index uint64, result R, failed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.inflight[index]
	if !ok {
		return
	}
	entry.result = result
	entry.done = true
	entry.failed = failed
	if failed {
		p.failures++
	}
}
