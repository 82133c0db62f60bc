// Package display pulls annotated frames from the finish queue on a
// dedicated goroutine, throttles to the requested frame rate, renders them
// in a window, and handles single-key commands.
package display

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/wildbillh/vision-tracking/pkg/capture"
	"github.com/wildbillh/vision-tracking/pkg/pipeline"
)

// Keyboard commands handled by the show loop.
const (
	KeyQuit        = 'q'
	KeyPause       = 'p'
	KeyCapture     = 'f'
	KeyRewind      = ','
	KeyFastForward = '.'
)

// emptyQueueWait is how long the show loop sleeps when no frame is ready.
const emptyQueueWait = 2 * time.Millisecond

// Config holds the display settings.
type Config struct {
	WindowName     string
	ClipCaptureDir string
	ShowTime       bool
	// ShowOutput disabled means frames are drained and discarded without
	// opening a window.
	ShowOutput    bool
	TimeColor     color.RGBA
	TimeThickness int
}

// DefaultConfig returns the standard display settings.
func DefaultConfig() Config {
	return Config{
		WindowName:     "Object Detection",
		ClipCaptureDir: "clips/capture",
		ShowTime:       false,
		ShowOutput:     true,
		TimeColor:      color.RGBA{R: 10, G: 255, B: 10},
		TimeThickness:  2,
	}
}

// Stats reports what the sink displayed.
type Stats struct {
	FrameCount  int
	AchievedFPS float64
}

// VideoShow is the display sink. It runs a dedicated OS-thread-locked
// goroutine because the window toolkit requires UI calls from one thread.
type VideoShow struct {
	cfg   Config
	queue *pipeline.Queue[*capture.Frame]
	log   *zap.Logger

	// SeekFunc, when set, receives rewind/fast-forward keypresses for the
	// source to act on.
	SeekFunc func(capture.SeekCommand)

	fps          int
	delayMS      float64
	processDelay float64

	done        atomic.Bool
	stopOnEmpty atomic.Bool
	wg          sync.WaitGroup
	started     bool
	mu          sync.Mutex

	frameCount    int
	firstLoadTime time.Time
	lastLoadTime  time.Time
}

// NewVideoShow wires a sink to the finish queue. A nil logger disables
// logging.
func NewVideoShow(queue *pipeline.Queue[*capture.Frame], cfg Config, logger *zap.Logger) *VideoShow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VideoShow{
		cfg:          cfg,
		queue:        queue,
		processDelay: 3,
		log:          logger.With(zap.String("component", "display")),
	}
}

// SetFrameRate sets the target display rate. Zero shows frames as fast as
// they arrive.
func (v *VideoShow) SetFrameRate(fps int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fps = fps
	if fps > 0 {
		v.delayMS = 1000.0 / float64(fps)
	} else {
		v.delayMS = 0
	}
}

// Start spawns the show loop. It is an error to start twice.
func (v *VideoShow) Start() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.started {
		return errors.New("display already started")
	}
	v.started = true
	v.wg.Add(1)
	go v.showLoop()
	return nil
}

// IsDone reports whether the show loop has exited (quit key or drained).
func (v *VideoShow) IsDone() bool {
	return v.done.Load()
}

// RequestStopOnEmpty asks the show loop to exit once the finish queue is
// empty. Called by the coordinator when the source is exhausted.
func (v *VideoShow) RequestStopOnEmpty() {
	v.stopOnEmpty.Store(true)
}

// Stop forces the show loop to exit and joins it. Idempotent.
func (v *VideoShow) Stop() {
	v.done.Store(true)
	v.mu.Lock()
	started := v.started
	v.mu.Unlock()
	if started {
		v.wg.Wait()
	}
}

// Stats returns the displayed frame count and the achieved frame rate.
func (v *VideoShow) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := Stats{FrameCount: v.frameCount}
	if v.frameCount > 0 && v.lastLoadTime.After(v.firstLoadTime) {
		s.AchievedFPS = float64(v.frameCount) / v.lastLoadTime.Sub(v.firstLoadTime).Seconds()
	}
	return s
}

// showLoop is the dedicated display thread. The window is created and
// destroyed here because UI calls must stay on one OS thread.
func (v *VideoShow) showLoop() {
	defer v.wg.Done()
	defer v.done.Store(true)

	var window *gocv.Window
	if v.cfg.ShowOutput {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		window = gocv.NewWindow(v.cfg.WindowName)
		defer window.Close()
	}

	for !v.done.Load() {
		frame, err := v.queue.TryGet()
		if err != nil {
			if errors.Is(err, pipeline.ErrQueueClosed) {
				return
			}
			if v.stopOnEmpty.Load() && v.queue.IsEmpty() {
				return
			}
			time.Sleep(emptyQueueWait)
			continue
		}
		v.showFrame(window, frame)
		frame.Close()
	}
}

func (v *VideoShow) showFrame(window *gocv.Window, frame *capture.Frame) {
	v.mu.Lock()
	if v.frameCount == 0 {
		v.firstLoadTime = time.Now()
		v.lastLoadTime = v.firstLoadTime
	}
	delayMS := v.delayMS
	processDelay := v.processDelay
	lastLoad := v.lastLoadTime
	v.mu.Unlock()

	if window == nil {
		// Not-showing mode: drain silently, keeping the count.
		v.bumpStats(delayMS, lastLoad)
		return
	}

	if v.cfg.ShowTime {
		overlayTimecode(frame, v.cfg.TimeColor, v.cfg.TimeThickness)
	}

	// Sleep to hold the requested rate, compensating for per-frame
	// processing cost with the adaptive delay.
	if delayMS > 0 {
		intervalMS := float64(time.Since(lastLoad).Milliseconds())
		if intervalMS < delayMS-processDelay {
			time.Sleep(time.Duration(delayMS-processDelay-intervalMS) * time.Millisecond)
		}
	}

	window.IMShow(frame.Mat)
	v.bumpStats(delayMS, lastLoad)
	v.pollKey(window, frame)
}

// bumpStats updates the counters and grows or shrinks the adaptive delay
// by a millisecond depending on whether the last interval overshot the
// target.
func (v *VideoShow) bumpStats(delayMS float64, lastLoad time.Time) {
	now := time.Now()
	v.mu.Lock()
	v.frameCount++
	if delayMS > 0 {
		if float64(now.Sub(lastLoad).Milliseconds()) > delayMS {
			v.processDelay++
		} else {
			v.processDelay--
		}
	}
	v.lastLoadTime = now
	v.mu.Unlock()
}

func (v *VideoShow) pollKey(window *gocv.Window, frame *capture.Frame) {
	key := window.WaitKey(1)
	if key < 0 {
		return
	}
	switch byte(key & 0xFF) {
	case KeyQuit:
		v.log.Info("quit requested")
		v.done.Store(true)
	case KeyPause:
		for {
			if byte(window.WaitKey(0)&0xFF) == KeyPause {
				break
			}
		}
	case KeyCapture:
		v.captureFrame(frame)
	case KeyRewind:
		if v.SeekFunc != nil {
			v.SeekFunc(capture.SeekBack)
		}
	case KeyFastForward:
		if v.SeekFunc != nil {
			v.SeekFunc(capture.SeekForward)
		}
	}
}

// captureFrame writes the current frame as a JPEG named by epoch
// milliseconds.
func (v *VideoShow) captureFrame(frame *capture.Frame) {
	if err := os.MkdirAll(v.cfg.ClipCaptureDir, 0o755); err != nil {
		v.log.Warn("could not create capture directory", zap.Error(err))
		return
	}
	filename := filepath.Join(v.cfg.ClipCaptureDir,
		fmt.Sprintf("%d.jpg", time.Now().UnixMilli()))
	if gocv.IMWrite(filename, frame.Mat) {
		v.log.Info("captured frame", zap.String("file", filename))
	} else {
		v.log.Warn("frame capture failed", zap.String("file", filename))
	}
}

// overlayTimecode draws the source time and frame number in the top left.
func overlayTimecode(frame *capture.Frame, clr color.RGBA, thickness int) {
	text := fmt.Sprintf("%8.3f : %d", float64(frame.Meta.TimestampMS)/1000.0, frame.Meta.Index)
	gocv.PutText(&frame.Mat, text, image.Pt(0, 30),
		gocv.FontHersheyPlain, 2.0, clr, thickness)
}
