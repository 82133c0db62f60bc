package pipeline

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Errors returned by the coordinator.
var (
	ErrNoInput            = errors.New("no data in start queue after warmup period")
	ErrCoordinatorRunning = errors.New("coordinator is already running")
)

// State is the coordinator lifecycle state.
type State int

const (
	// StateInit means Run has not been called.
	StateInit State = iota
	// StateWarmup means the coordinator is waiting for the source to
	// pre-fill the start queue.
	StateWarmup
	// StateRun means frames are flowing.
	StateRun
	// StateDrain means the source is exhausted and remaining frames are
	// being flushed downstream.
	StateDrain
	// StateStopped means the run loop has exited.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateWarmup:
		return "warmup"
	case StateRun:
		return "run"
	case StateDrain:
		return "drain"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// FrameSource is the upstream contract the coordinator needs: a done test
// and a way to request that reading stops.
type FrameSource interface {
	IsDone() bool
	Stop()
}

// FrameSink is the downstream contract: a done test (user quit) and a
// request to stop once the sink's queue has drained.
type FrameSink interface {
	IsDone() bool
	RequestStopOnEmpty()
}

// Processor is the per-frame work invoked on the pool's worker threads.
type Processor[T, R any] interface {
	Process(T) (R, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc[T, R any] func(T) (R, error)

// Process calls the wrapped function.
func (f ProcessorFunc[T, R]) Process(item T) (R, error) {
	return f(item)
}

// Config holds the coordinator tuning knobs.
type Config struct {
	// WarmupSleep is the poll period while waiting for the first frame.
	// Zero disables the warmup phase.
	WarmupSleep time.Duration
	// WarmupIterations bounds the warmup polling.
	WarmupIterations int
	// Threads is the worker pool size.
	Threads int
	// LoopWait is the idle sleep when neither queue end made progress.
	LoopWait time.Duration
}

// DefaultConfig returns the standard coordinator tuning.
func DefaultConfig() Config {
	return Config{
		WarmupSleep:      2 * time.Millisecond,
		WarmupIterations: 20,
		Threads:          5,
		LoopWait:         100 * time.Microsecond,
	}
}

// Stats reports what the coordinator moved during a run.
type Stats struct {
	FramesIn       int
	FramesOut      int
	WorkerFailures int
	Elapsed        time.Duration
}

// Coordinator moves frames from the start queue through an ordered worker
// pool to the finish queue, preserving source order. It owns the pool; the
// queues are shared with the source and sink.
type Coordinator[T, R any] struct {
	in   *Queue[T]
	out  *Queue[R]
	src  FrameSource
	sink FrameSink
	proc Processor[T, R]
	cfg  Config
	log  *zap.Logger

	// ReleaseIn and ReleaseOut, when set, free payloads discarded during a
	// fast shutdown (user quit with frames still in flight).
	ReleaseIn  func(T)
	ReleaseOut func(R)

	mu      sync.Mutex
	state   State
	stopped atomic.Bool
	stats   Stats
}

// NewCoordinator wires a coordinator to its queues and collaborators.
// A nil logger disables logging.
func NewCoordinator[T, R any](in *Queue[T], out *Queue[R], src FrameSource, sink FrameSink, proc Processor[T, R], cfg Config, logger *zap.Logger) *Coordinator[T, R] {
	if cfg.Threads <= 0 {
		cfg.Threads = DefaultConfig().Threads
	}
	if cfg.LoopWait <= 0 {
		cfg.LoopWait = DefaultConfig().LoopWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator[T, R]{
		in:   in,
		out:  out,
		src:  src,
		sink: sink,
		proc: proc,
		cfg:  cfg,
		log:  logger.With(zap.String("component", "coordinator")),
	}
}

// State returns the current lifecycle state.
func (c *Coordinator[T, R]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator[T, R]) setState(s State) {
	c.mu.Lock()
	if c.state != s {
		c.log.Debug("state change", zap.Stringer("from", c.state), zap.Stringer("to", s))
		c.state = s
	}
	c.mu.Unlock()
}

// Stop requests the run loop to shut down. It is safe to call from any
// goroutine, any number of times, before or after Run returns.
func (c *Coordinator[T, R]) Stop() {
	c.stopped.Store(true)
}

// Stats returns the counters from the last run.
func (c *Coordinator[T, R]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Run executes the pipeline until the source drains or a stop is requested.
// It blocks the calling goroutine; the source and sink run their own.
func (c *Coordinator[T, R]) Run() error {
	c.mu.Lock()
	if c.state != StateInit {
		c.mu.Unlock()
		return ErrCoordinatorRunning
	}
	c.state = StateWarmup
	c.mu.Unlock()

	start := time.Now()
	pool := NewOrderedPool[T, R](c.cfg.Threads, c.proc.Process, c.log)
	defer pool.Shutdown()

	if err := c.warmup(); err != nil {
		c.setState(StateStopped)
		return err
	}

	readIdx, writeIdx := c.runLoop(pool)

	pool.Shutdown()
	c.discard(pool, readIdx, writeIdx)

	c.mu.Lock()
	c.stats.WorkerFailures = pool.Failures()
	c.stats.Elapsed = time.Since(start)
	c.mu.Unlock()
	c.setState(StateStopped)
	c.log.Info("pipeline stopped",
		zap.Int("frames", c.stats.FramesOut),
		zap.Int("workerFailures", c.stats.WorkerFailures),
		zap.Duration("elapsed", c.stats.Elapsed))
	return nil
}

// warmup waits for the source to deposit the first frame. A source that
// finishes without producing anything (empty file) is not an error: the
// run loop drains straight through and stops.
func (c *Coordinator[T, R]) warmup() error {
	if c.cfg.WarmupSleep <= 0 {
		return nil
	}
	for iter := 0; c.in.IsEmpty(); iter++ {
		if c.src.IsDone() || c.stopped.Load() {
			return nil
		}
		if iter >= c.cfg.WarmupIterations {
			return ErrNoInput
		}
		time.Sleep(c.cfg.WarmupSleep)
	}
	return nil
}

func (c *Coordinator[T, R]) runLoop(pool *OrderedPool[T, R]) (uint64, uint64) {
	c.setState(StateRun)

	var writeIdx, readIdx uint64
	var pendingOut *R
	draining := false

	for {
		productive := false

		// Feed the pool from the start queue.
		if !pool.IsFull() {
			if item, err := c.in.TryGet(); err == nil {
				if err := pool.Submit(writeIdx, item); err != nil {
					if c.ReleaseIn != nil {
						c.ReleaseIn(item)
					}
				} else {
					writeIdx++
					c.mu.Lock()
					c.stats.FramesIn++
					c.mu.Unlock()
					productive = true
				}
			}
		}

		// Drain the pool into the finish queue, strictly in order. A
		// result that cannot be delivered yet is parked, never dropped.
		if pendingOut == nil && readIdx < writeIdx {
			result, status := pool.Receive(readIdx)
			switch status {
			case Done:
				pendingOut = &result
				readIdx++
			case Missing:
				// Worker failed; skip the frame and keep order.
				readIdx++
			case NotReady:
			}
		}
		if pendingOut != nil {
			if err := c.out.TryPut(*pendingOut); err == nil {
				pendingOut = nil
				c.mu.Lock()
				c.stats.FramesOut++
				c.mu.Unlock()
				productive = true
			} else if errors.Is(err, ErrQueueClosed) {
				if c.ReleaseOut != nil {
					c.ReleaseOut(*pendingOut)
				}
				pendingOut = nil
			}
		}

		// User quit: stop the source and bail without draining.
		if c.sink.IsDone() || c.stopped.Load() {
			c.src.Stop()
			if pendingOut != nil && c.ReleaseOut != nil {
				c.ReleaseOut(*pendingOut)
			}
			return readIdx, writeIdx
		}

		// Source exhausted: latch the drain state and run until every
		// queued and in-flight frame has been delivered.
		if !draining && c.src.IsDone() {
			c.log.Info("source exhausted, draining")
			draining = true
			c.setState(StateDrain)
		}

		if draining && pendingOut == nil && c.in.IsEmpty() && readIdx == writeIdx && c.out.IsEmpty() {
			c.sink.RequestStopOnEmpty()
			return readIdx, writeIdx
		}

		if !productive {
			time.Sleep(c.cfg.LoopWait)
		}
	}
}

// discard frees anything left behind by a fast shutdown so no frame
// buffer outlives the pipeline.
func (c *Coordinator[T, R]) discard(pool *OrderedPool[T, R], readIdx, writeIdx uint64) {
	if c.ReleaseOut != nil {
		for idx := readIdx; idx < writeIdx; idx++ {
			if result, status := pool.Receive(idx); status == Done {
				c.ReleaseOut(result)
			}
		}
	}
	if c.ReleaseIn != nil {
		for {
			item, err := c.in.TryGet()
			if err != nil {
				break
			}
			c.ReleaseIn(item)
		}
	}
	if c.ReleaseOut != nil {
		for {
			item, err := c.out.TryGet()
			if err != nil {
				break
			}
			c.ReleaseOut(item)
		}
	}
}
