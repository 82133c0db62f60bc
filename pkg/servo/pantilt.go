package servo

import (
	"fmt"
	"image"
	"math"
	"time"

	"go.uber.org/zap"
)

const degreesPerRadian = 180 / math.Pi

// Default dead-zone geometry: slack as fractions of the frame half
// dimensions and the offset that biases the center downward, where the
// tracked subject usually rides.
const (
	DefaultHorizSlack = 0.03
	DefaultVertSlack  = 0.05
)

// DefaultCenterOffset shifts the aim point from the geometric frame center,
// as fractions of the half dimensions.
var DefaultCenterOffset = [2]float64{0.0, 0.2}

// PanTilt drives two channels of a Controller as a pan/tilt platform.
type PanTilt struct {
	*Controller
	pan  int
	tilt int
}

// NewPanTilt wraps a controller with pan and tilt channel assignments.
func NewPanTilt(ctl *Controller, pan, tilt int) (*PanTilt, error) {
	if pan < 0 || pan >= MaxServos || tilt < 0 || tilt >= MaxServos || pan == tilt {
		return nil, fmt.Errorf("%w: pan=%d tilt=%d", ErrInvalidChannel, pan, tilt)
	}
	return &PanTilt{Controller: ctl, pan: pan, tilt: tilt}, nil
}

// Channels returns the pan and tilt channel numbers.
func (pt *PanTilt) Channels() (pan, tilt int) {
	return pt.pan, pt.tilt
}

// EnableAll enables both axes.
func (pt *PanTilt) EnableAll() error {
	if err := pt.Enable(pt.pan); err != nil {
		return err
	}
	return pt.Enable(pt.tilt)
}

// DisableAll disables both axes.
func (pt *PanTilt) DisableAll() error {
	if err := pt.Disable(pt.pan); err != nil {
		return err
	}
	return pt.Disable(pt.tilt)
}

// Home drives both axes to their home positions.
func (pt *PanTilt) Home(syncWait bool) error {
	return pt.ReturnToHomeMulti([]int{pt.pan, pt.tilt}, syncWait, 0)
}

// Initialize exercises both axes: slow speed, drive to min, then max, then
// home, and restore the configured speeds. Useful at startup to verify the
// mechanics before tracking begins.
func (pt *PanTilt) Initialize() error {
	panProps, err := pt.Properties(pt.pan)
	if err != nil {
		return err
	}
	tiltProps, err := pt.Properties(pt.tilt)
	if err != nil {
		return err
	}

	if err := pt.EnableAll(); err != nil {
		return err
	}
	if err := pt.SetSpeedMulti([]SpeedMove{{pt.pan, 30}, {pt.tilt, 30}}, true); err != nil {
		return err
	}

	sweeps := [][]Move{
		{{pt.pan, panProps.Min}, {pt.tilt, tiltProps.Min}},
		{{pt.pan, panProps.Max}, {pt.tilt, tiltProps.Max}},
	}
	for _, moves := range sweeps {
		if _, err := pt.SetPositionMultiSync(moves, 0); err != nil {
			return err
		}
	}
	if err := pt.Home(true); err != nil {
		return err
	}

	if err := pt.SetSpeedMulti([]SpeedMove{
		{pt.pan, panProps.Speed}, {pt.tilt, tiltProps.Speed},
	}, false); err != nil {
		return err
	}
	return pt.Home(false)
}

// TrackerConfig holds the dead-zone geometry for a PanTiltTracker.
type TrackerConfig struct {
	// HorizSlack and VertSlack are the dead-zone half-widths as fractions
	// of the frame half dimensions, measured from the offset aim point.
	HorizSlack float64
	VertSlack  float64
	// CenterOffset shifts the aim point, as fractions of the frame half
	// dimensions.
	CenterOffset [2]float64
	// FrameWidth and FrameHeight are the finish-frame dimensions the
	// target coordinates are expressed in.
	FrameWidth  int
	FrameHeight int
	// Smoothing is the Kalman smoothing factor for the target point.
	// Zero disables smoothing.
	Smoothing float64
}

// DefaultTrackerConfig returns the standard dead-zone geometry for the
// given frame size.
func DefaultTrackerConfig(width, height int) TrackerConfig {
	return TrackerConfig{
		HorizSlack:   DefaultHorizSlack,
		VertSlack:    DefaultVertSlack,
		CenterOffset: DefaultCenterOffset,
		FrameWidth:   width,
		FrameHeight:  height,
	}
}

// PanTiltTracker converts an in-frame target coordinate into angular
// servo corrections, suppressing moves inside a dead-zone around the
// (offset) frame center.
type PanTiltTracker struct {
	*PanTilt
	cfg         TrackerConfig
	center      image.Point
	horizSlack  [2]int
	vertSlack   [2]int
	pointFilter *PointFilter
	log         *zap.Logger
}

// NewPanTiltTracker creates a tracker over a pan/tilt platform. A nil
// logger disables logging.
func NewPanTiltTracker(platform *PanTilt, cfg TrackerConfig, logger *zap.Logger) (*PanTiltTracker, error) {
	if cfg.FrameWidth <= 0 || cfg.FrameHeight <= 0 {
		return nil, fmt.Errorf("invalid frame dimensions %dx%d", cfg.FrameWidth, cfg.FrameHeight)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &PanTiltTracker{
		PanTilt: platform,
		cfg:     cfg,
		log:     logger.With(zap.String("component", "pantilt")),
	}
	if cfg.Smoothing > 0 {
		t.pointFilter = NewPointFilter(cfg.Smoothing)
	}
	t.recalcGeometry()
	return t, nil
}

func (t *PanTiltTracker) recalcGeometry() {
	w, h := t.cfg.FrameWidth, t.cfg.FrameHeight
	t.center = image.Pt(
		w/2+int(t.cfg.CenterOffset[0]*float64(w)/2),
		h/2+int(t.cfg.CenterOffset[1]*float64(h)/2),
	)
	t.horizSlack = [2]int{
		t.center.X - int(float64(w)/2*t.cfg.HorizSlack),
		t.center.X + int(float64(w)/2*t.cfg.HorizSlack),
	}
	t.vertSlack = [2]int{
		t.center.Y - int(float64(h)/2*t.cfg.VertSlack),
		t.center.Y + int(float64(h)/2*t.cfg.VertSlack),
	}
}

// FrameCenter returns the offset aim point.
func (t *PanTiltTracker) FrameCenter() image.Point {
	return t.center
}

// CorrectionDegrees computes the pan and tilt corrections for a target
// point. An axis whose coordinate lies inside the dead-zone reports no
// correction.
func (t *PanTiltTracker) CorrectionDegrees(target image.Point) (pan float64, panOK bool, tilt float64, tiltOK bool) {
	if target.X < t.horizSlack[0] || target.X > t.horizSlack[1] {
		pan = math.Atan(float64(target.X-t.center.X)/float64(t.cfg.FrameHeight)) * degreesPerRadian
		panOK = true
	}
	if target.Y < t.vertSlack[0] || target.Y > t.vertSlack[1] {
		// Positive means tilt up.
		tilt = math.Atan(float64(t.center.Y-target.Y)/float64(t.cfg.FrameWidth)) * degreesPerRadian
		tiltOK = true
	}
	return pan, panOK, tilt, tiltOK
}

// Correct smooths the target point, dispatches any needed corrections, and
// returns the estimated seconds and frames the move costs at the given
// frame rate. A target inside the dead-zone costs nothing.
func (t *PanTiltTracker) Correct(target image.Point, fps int) (float64, int, error) {
	if t.pointFilter != nil {
		target = t.pointFilter.Update(target)
	}
	pan, panOK, tilt, tiltOK := t.CorrectionDegrees(target)
	if !panOK && !tiltOK {
		return 0, 0, nil
	}

	moves := make([]RelativeMove, 0, 2)
	if panOK {
		moves = append(moves, RelativeMove{Channel: t.pan, Offset: pan})
	}
	if tiltOK {
		moves = append(moves, RelativeMove{Channel: t.tilt, Offset: tilt})
	}
	if err := t.SetRelativeMulti(moves, Degrees, 2*time.Second); err != nil {
		return 0, 0, err
	}
	t.log.Debug("correction dispatched",
		zap.Float64("panDegrees", pan), zap.Float64("tiltDegrees", tilt))

	// Without a calibration table the move still happens; the estimate is
	// just zero.
	var seconds float64
	var frames int
	if panOK {
		if s, f, err := t.MovementTime(t.pan, pan, fps); err == nil {
			seconds += s
			frames += f
		}
	}
	if tiltOK {
		if s, f, err := t.MovementTime(t.tilt, tilt, fps); err == nil {
			seconds += s
			frames += f
		}
	}
	return seconds, frames, nil
}
