package capture

import (
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// FileSource decodes frames from a video file. Supports fast-forward and
// rewind jumps by a configurable frame count.
type FileSource struct {
	mu            sync.Mutex
	cap           *gocv.VideoCapture
	skipFrameSize int
	frameCount    int
	width         int
	height        int
	fps           int
}

// NewFileSource creates a file source whose seek jumps move skipFrameSize
// frames at a time.
func NewFileSource(skipFrameSize int) *FileSource {
	if skipFrameSize <= 0 {
		skipFrameSize = 150
	}
	return &FileSource{skipFrameSize: skipFrameSize}
}

// Open opens the video file. Fails with a wrapped error if the container
// cannot be decoded.
func (s *FileSource) Open(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cap, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return fmt.Errorf("opening video source %s: %w", path, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return fmt.Errorf("video source %s did not open", path)
	}
	s.cap = cap
	s.width = int(cap.Get(gocv.VideoCaptureFrameWidth))
	s.height = int(cap.Get(gocv.VideoCaptureFrameHeight))
	s.fps = int(cap.Get(gocv.VideoCaptureFPS))
	return nil
}

// Properties returns the source geometry and nominal frame rate.
func (s *FileSource) Properties() (width, height, fps int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height, s.fps
}

// Read decodes the next frame and wraps it in an owned envelope.
// Returns ErrSourceExhausted at end of file or on decode failure.
func (s *FileSource) Read() (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cap == nil {
		return nil, ErrSourceNotOpen
	}

	mat := gocv.NewMat()
	if ok := s.cap.Read(&mat); !ok || mat.Empty() {
		mat.Close()
		return nil, ErrSourceExhausted
	}
	s.frameCount++
	return &Frame{
		Mat: mat,
		Meta: Metadata{
			Index:       s.frameCount - 1,
			TimestampMS: int64(s.cap.Get(gocv.VideoCapturePosMsec)),
			Width:       s.width,
			Height:      s.height,
			FPS:         s.fps,
		},
	}, nil
}

// FastForward jumps ahead by the given frame count, or by the configured
// skip size when zero.
func (s *FileSource) FastForward(frames int) {
	s.seek(s.skip(frames))
}

// Rewind jumps back by the given frame count, or by the configured skip
// size when zero.
func (s *FileSource) Rewind(frames int) {
	s.seek(-s.skip(frames))
}

func (s *FileSource) skip(frames int) int {
	if frames <= 0 {
		return s.skipFrameSize
	}
	return frames
}

func (s *FileSource) seek(delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cap == nil {
		return
	}
	pos := s.cap.Get(gocv.VideoCapturePosFrames) + float64(delta)
	if pos < 0 {
		pos = 0
	}
	s.cap.Set(gocv.VideoCapturePosFrames, pos)
}

// FramesRead returns how many frames have been decoded.
func (s *FileSource) FramesRead() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameCount
}

// Close releases the capture device. Idempotent.
func (s *FileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cap == nil {
		return nil
	}
	err := s.cap.Close()
	s.cap = nil
	return err
}
