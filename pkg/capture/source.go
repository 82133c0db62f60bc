package capture

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wildbillh/vision-tracking/pkg/pipeline"
)

// Errors returned by sources.
var (
	ErrSourceNotOpen   = errors.New("source is not open")
	ErrSourceExhausted = errors.New("source is exhausted")
)

// Reader is the synchronous frame contract shared by the file and camera
// sources: each call returns the next owned frame, ErrSourceExhausted at
// end of stream, or a decode error (treated as exhaustion).
type Reader interface {
	Read() (*Frame, error)
	Close() error
}

// Seeker is implemented by sources that can jump within the stream.
type Seeker interface {
	FastForward(frames int)
	Rewind(frames int)
}

// SeekCommand is a queued jump request applied between reads.
type SeekCommand int

const (
	// SeekNone is the zero command.
	SeekNone SeekCommand = iota
	// SeekForward skips ahead by the source's configured frame count.
	SeekForward
	// SeekBack jumps back by the source's configured frame count.
	SeekBack
)

// fullQueueWait is the backpressure sleep when the start queue is full.
const fullQueueWait = 3 * time.Millisecond

// ThreadedReader pumps a Reader into the pipeline start queue on its own
// goroutine. Backpressure from a full queue is handled by a short timed
// sleep so the reader stays responsive to Stop.
type ThreadedReader struct {
	reader Reader
	queue  *pipeline.Queue[*Frame]
	log    *zap.Logger

	seekCh  chan SeekCommand
	done    atomic.Bool
	stopped atomic.Bool
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// NewThreadedReader wires a reader to the start queue. A nil logger
// disables logging.
func NewThreadedReader(reader Reader, queue *pipeline.Queue[*Frame], logger *zap.Logger) *ThreadedReader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ThreadedReader{
		reader: reader,
		queue:  queue,
		seekCh: make(chan SeekCommand, 4),
		log:    logger.With(zap.String("component", "source")),
	}
}

// Start spawns the read loop. It is an error to start twice.
func (t *ThreadedReader) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return errors.New("reader already started")
	}
	t.started = true
	t.wg.Add(1)
	go t.readLoop()
	return nil
}

// Stop asks the read loop to exit and joins it. Idempotent.
func (t *ThreadedReader) Stop() {
	t.stopped.Store(true)
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if started {
		t.wg.Wait()
	}
}

// IsDone reports whether the read loop has exited (exhaustion or Stop).
func (t *ThreadedReader) IsDone() bool {
	return t.done.Load()
}

// Seek queues a jump request, honored if the underlying source is a
// Seeker. Non-blocking; excess requests are dropped.
func (t *ThreadedReader) Seek(cmd SeekCommand) {
	select {
	case t.seekCh <- cmd:
	default:
	}
}

func (t *ThreadedReader) readLoop() {
	defer t.wg.Done()
	defer t.done.Store(true)

	for !t.stopped.Load() {
		t.applySeeks()

		if t.queue.IsFull() {
			time.Sleep(fullQueueWait)
			continue
		}

		frame, err := t.reader.Read()
		if err != nil {
			if !errors.Is(err, ErrSourceExhausted) {
				t.log.Warn("decode failed, treating as end of stream", zap.Error(err))
			}
			return
		}
		if err := t.queue.TryPut(frame); err != nil {
			// Queue filled (or closed) between the check and the put.
			frame.Close()
			if errors.Is(err, pipeline.ErrQueueClosed) {
				return
			}
			time.Sleep(fullQueueWait)
		}
	}
}

func (t *ThreadedReader) applySeeks() {
	seeker, ok := t.reader.(Seeker)
	for {
		select {
		case cmd := <-t.seekCh:
			if !ok {
				continue
			}
			switch cmd {
			case SeekForward:
				seeker.FastForward(0)
			case SeekBack:
				seeker.Rewind(0)
			}
		default:
			return
		}
	}
}
