package capture

import (
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// Digital zoom bounds, in percent. 100 is no zoom.
const (
	MinZoom = 100
	MaxZoom = 180
)

// fourccMJPG is the FourCC code for Motion JPEG, the codec with the widest
// USB webcam support.
const fourccMJPG = 0x47504A4D

// CameraProperties are the negotiable camera-side settings. Zero values
// are left at the camera's defaults.
type CameraProperties struct {
	Width        int
	Height       int
	FPS          int
	Zoom         float64
	Brightness   float64
	Contrast     float64
	Saturation   float64
	Hue          float64
	AutoExposure float64
}

// CameraSource captures frames from a webcam. Zoom is digital: the frame
// is center-cropped and rescaled after the read, because camera-side zoom
// support is rare and inconsistent across backends.
type CameraSource struct {
	mu         sync.Mutex
	cap        *gocv.VideoCapture
	zoom       float64
	width      int
	height     int
	fps        int
	frameCount int
	opened     time.Time
	log        *zap.Logger
}

// NewCameraSource creates an unopened camera source. A nil logger disables
// logging.
func NewCameraSource(logger *zap.Logger) *CameraSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CameraSource{
		zoom: MinZoom,
		log:  logger.With(zap.String("component", "camera")),
	}
}

// Open opens the camera device and negotiates its properties. The order of
// property sets matters on some drivers; FOURCC is always applied last.
func (s *CameraSource) Open(deviceID int, props CameraProperties) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cap, err := gocv.OpenVideoCapture(deviceID)
	if err != nil {
		return fmt.Errorf("opening camera device %d: %w", deviceID, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return fmt.Errorf("camera device %d not found or unavailable", deviceID)
	}
	s.cap = cap

	if props.Zoom > 0 {
		s.setZoomLocked(props.Zoom)
	}
	for _, p := range []struct {
		name string
		id   gocv.VideoCaptureProperties
		val  float64
	}{
		{"height", gocv.VideoCaptureFrameHeight, float64(props.Height)},
		{"width", gocv.VideoCaptureFrameWidth, float64(props.Width)},
		{"fps", gocv.VideoCaptureFPS, float64(props.FPS)},
		{"autoExposure", gocv.VideoCaptureAutoExposure, props.AutoExposure},
		{"brightness", gocv.VideoCaptureBrightness, props.Brightness},
		{"contrast", gocv.VideoCaptureContrast, props.Contrast},
		{"saturation", gocv.VideoCaptureSaturation, props.Saturation},
		{"hue", gocv.VideoCaptureHue, props.Hue},
	} {
		if p.val != 0 {
			s.cap.Set(p.id, p.val)
		}
	}
	s.cap.Set(gocv.VideoCaptureFOURCC, fourccMJPG)

	s.width = int(s.cap.Get(gocv.VideoCaptureFrameWidth))
	s.height = int(s.cap.Get(gocv.VideoCaptureFrameHeight))
	s.fps = int(s.cap.Get(gocv.VideoCaptureFPS))
	s.opened = time.Now()

	// Some cameras need a warmup read before delivering stable frames.
	warmup := gocv.NewMat()
	s.cap.Read(&warmup)
	warmup.Close()

	return nil
}

// SetZoom sets the digital zoom percentage, clamped to [MinZoom, MaxZoom].
func (s *CameraSource) SetZoom(val float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setZoomLocked(val)
}

func (s *CameraSource) setZoomLocked(val float64) {
	if val < MinZoom {
		val = MinZoom
	} else if val > MaxZoom {
		val = MaxZoom
	}
	s.zoom = val
}

// Zoom returns the current digital zoom percentage.
func (s *CameraSource) Zoom() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zoom
}

// Read captures the next frame, applying digital zoom when set.
func (s *CameraSource) Read() (*Frame, error) {
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

	if s.zoom != MinZoom {
		zoomed := digitalZoom(mat, s.zoom)
		mat.Close()
		mat = zoomed
	}

	s.frameCount++
	return &Frame{
		Mat: mat,
		Meta: Metadata{
			Index:       s.frameCount - 1,
			TimestampMS: time.Since(s.opened).Milliseconds(),
			Width:       s.width,
			Height:      s.height,
			FPS:         s.fps,
		},
	}, nil
}

// Properties returns the negotiated geometry and frame rate.
func (s *CameraSource) Properties() (width, height, fps int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height, s.fps
}

// Snapshot reports the camera's current settings for logging.
func (s *CameraSource) Snapshot() CameraProperties {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cap == nil {
		return CameraProperties{}
	}
	return CameraProperties{
		Width:        int(s.cap.Get(gocv.VideoCaptureFrameWidth)),
		Height:       int(s.cap.Get(gocv.VideoCaptureFrameHeight)),
		FPS:          int(s.cap.Get(gocv.VideoCaptureFPS)),
		Zoom:         s.zoom,
		Brightness:   s.cap.Get(gocv.VideoCaptureBrightness),
		Contrast:     s.cap.Get(gocv.VideoCaptureContrast),
		Saturation:   s.cap.Get(gocv.VideoCaptureSaturation),
		Hue:          s.cap.Get(gocv.VideoCaptureHue),
		AutoExposure: s.cap.Get(gocv.VideoCaptureAutoExposure),
	}
}

// Close releases the camera. Idempotent.
func (s *CameraSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cap == nil {
		return nil
	}
	err := s.cap.Close()
	s.cap = nil
	return err
}

// digitalZoom center-crops the image by the magnification percentage and
// scales it back to the original size.
func digitalZoom(img gocv.Mat, magnification float64) gocv.Mat {
	factor := magnification / 100
	w := img.Cols()
	h := img.Rows()

	x1 := int(0.5 * float64(w) * (1 - 1/factor))
	y1 := int(0.5 * float64(h) * (1 - 1/factor))
	cropped := img.Region(image.Rect(x1, y1, w-x1, h-y1))
	defer cropped.Close()

	zoomed := gocv.NewMat()
	gocv.Resize(cropped, &zoomed, image.Pt(w, h), 0, 0, gocv.InterpolationLinear)
	return zoomed
}

// EnumerateCameras probes the first maxDevices device IDs and returns the
// ones that open.
func EnumerateCameras(maxDevices int) []int {
	if maxDevices <= 0 {
		maxDevices = 10
	}
	var devices []int
	for i := 0; i < maxDevices; i++ {
		cam, err := gocv.OpenVideoCapture(i)
		if err != nil {
			continue
		}
		if cam.IsOpened() {
			devices = append(devices, i)
		}
		cam.Close()
	}
	return devices
}
