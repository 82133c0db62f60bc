// Package annotate implements the per-frame work run on the pool's worker
// threads: resize, color conversion, detection, overlap merge, track
// correlation, and drawing.
package annotate

import (
	"fmt"
	"image"
	"image/color"
	"sync"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/wildbillh/vision-tracking/pkg/capture"
	"github.com/wildbillh/vision-tracking/pkg/detect"
	"github.com/wildbillh/vision-tracking/pkg/track"
)

// Rectangle colors, BGR semantics via RGBA fields.
var (
	bestTrackColor  = color.RGBA{G: 255, A: 255}
	otherTrackColor = color.RGBA{B: 255, A: 255}
)

// Config holds the annotator's frame geometry and drawing options.
type Config struct {
	// ProcessDims is the classifier-sized frame; zero means source size.
	ProcessDims image.Point
	// FinishDims is the display-sized frame; zero means source size.
	FinishDims image.Point
	// ShowBestOnly draws only the best track's rectangle.
	ShowBestOnly bool
	// DrawLabels writes the matched track index above each rectangle that
	// correlated with a track; unmatched rectangles get no label.
	DrawLabels bool
	// LineThickness for the rectangles.
	LineThickness int
}

// Target is the most recent best-track observation, consumed out-of-band
// by the pan/tilt tracker.
type Target struct {
	Center image.Point
	Level  float32
	Frame  int
}

// Annotator runs the detection cascade and the correlator over each frame
// and draws the results. Process is called concurrently from worker
// threads; the shared tracker state is serialized internally.
type Annotator struct {
	detector detect.Detector
	tracker  *track.ROITracker
	cfg      Config
	log      *zap.Logger

	mu               sync.Mutex
	framesWithoutHit int
	lastTarget       Target
	hasTarget        bool
}

// NewAnnotator wires the per-frame work to its detector and tracker.
// A nil logger disables logging.
func NewAnnotator(detector detect.Detector, tracker *track.ROITracker, cfg Config, logger *zap.Logger) *Annotator {
	if cfg.LineThickness <= 0 {
		cfg.LineThickness = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Annotator{
		detector: detector,
		tracker:  tracker,
		cfg:      cfg,
		log:      logger.With(zap.String("component", "annotator")),
	}
}

// FramesWithoutHits returns how many frames produced no detections.
func (a *Annotator) FramesWithoutHits() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.framesWithoutHit
}

// LastTarget returns the most recent best-track center, if any frame has
// produced one.
func (a *Annotator) LastTarget() (Target, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastTarget, a.hasTarget
}

// Process annotates one frame. The input envelope's buffer is consumed;
// the returned envelope owns the finish-sized annotated buffer.
func (a *Annotator) Process(f *capture.Frame) (*capture.Frame, error) {
	srcDims := image.Pt(f.Meta.Width, f.Meta.Height)
	processDims := a.cfg.ProcessDims
	if processDims == (image.Point{}) {
		processDims = srcDims
	}
	finishDims := a.cfg.FinishDims
	if finishDims == (image.Point{}) {
		finishDims = srcDims
	}
	scale := 1.0
	if processDims.X != 0 {
		scale = float64(finishDims.X) / float64(processDims.X)
	}

	// Classifier-sized copy.
	processMat := gocv.NewMat()
	if processDims != srcDims {
		gocv.Resize(f.Mat, &processMat, processDims, 0, 0, gocv.InterpolationArea)
	} else {
		f.Mat.CopyTo(&processMat)
	}
	defer processMat.Close()

	gray := gocv.NewMat()
	gocv.CvtColor(processMat, &gray, gocv.ColorBGRToGray)
	defer gray.Close()

	hsv := gocv.NewMat()
	gocv.CvtColor(processMat, &hsv, gocv.ColorBGRToHSV)
	defer hsv.Close()

	// Display-sized output buffer.
	var finish gocv.Mat
	if finishDims != srcDims {
		finish = gocv.NewMat()
		gocv.Resize(f.Mat, &finish, finishDims, 0, 0, gocv.InterpolationLinear)
		f.Mat.Close()
	} else {
		finish = f.Mat
	}
	out := &capture.Frame{Mat: finish, Meta: f.Meta}

	rects, levels := a.detector.Detect(gray)
	if len(rects) == 0 {
		a.mu.Lock()
		a.framesWithoutHit++
		a.mu.Unlock()
		return out, nil
	}

	src := matDescriptorSource{gray: gray, hsv: hsv}
	a.mu.Lock()
	result, err := a.tracker.Process(src, rects, levels)
	if err == nil && len(result.Rects) > 0 {
		a.noteTarget(result, scale, f.Meta.Index)
	}
	a.mu.Unlock()
	if err != nil {
		out.Close()
		return nil, fmt.Errorf("correlating frame %d: %w", f.Meta.Index, err)
	}

	a.draw(out, result, scale)
	return out, nil
}

// noteTarget records the best track's scaled center for the pan/tilt
// controller. Caller holds the mutex.
func (a *Annotator) noteTarget(result *track.Result, scale float64, frameIndex int) {
	for i, assigned := range result.Assigned {
		if assigned != result.Best {
			continue
		}
		r := scaleRect(result.Rects[i], scale)
		a.lastTarget = Target{
			Center: image.Pt((r.Min.X+r.Max.X)/2, (r.Min.Y+r.Max.Y)/2),
			Level:  result.Levels[i],
			Frame:  frameIndex,
		}
		a.hasTarget = true
		return
	}
}

func (a *Annotator) draw(out *capture.Frame, result *track.Result, scale float64) {
	for i, r := range result.Rects {
		assigned := result.Assigned[i]
		isBest := assigned == result.Best && assigned != track.Unassigned
		if a.cfg.ShowBestOnly && !isBest {
			continue
		}
		clr := otherTrackColor
		if isBest {
			clr = bestTrackColor
		}
		scaled := scaleRect(r, scale)
		gocv.Rectangle(&out.Mat, scaled, clr, a.cfg.LineThickness)
		if a.cfg.DrawLabels && assigned != track.Unassigned {
			gocv.PutText(&out.Mat, fmt.Sprintf("%d", assigned),
				image.Pt(scaled.Min.X, scaled.Min.Y-6),
				gocv.FontHersheyPlain, 1.5, clr, 2)
		}
	}
}

func scaleRect(r image.Rectangle, scale float64) image.Rectangle {
	if scale == 1.0 {
		return r
	}
	return image.Rect(
		int(float64(r.Min.X)*scale),
		int(float64(r.Min.Y)*scale),
		int(float64(r.Max.X)*scale),
		int(float64(r.Max.Y)*scale),
	)
}

// matDescriptorSource computes gray and HSV histograms for a detection
// rectangle from the current frame's planes.
type matDescriptorSource struct {
	gray gocv.Mat
	hsv  gocv.Mat
}

// Descriptor crops the planes and builds the appearance histograms: a
// 256-bin intensity histogram and a min-max normalized 180x256 joint
// hue/saturation histogram.
func (s matDescriptorSource) Descriptor(r image.Rectangle) (track.TrackData, error) {
	bounds := image.Rect(0, 0, s.gray.Cols(), s.gray.Rows())
	r = r.Intersect(bounds)
	if r.Dx() <= 0 || r.Dy() <= 0 {
		return track.TrackData{}, fmt.Errorf("detection rectangle %v outside frame %v", r, bounds)
	}

	grayROI := s.gray.Region(r)
	defer grayROI.Close()
	hsvROI := s.hsv.Region(r)
	defer hsvROI.Close()

	mask := gocv.NewMat()
	defer mask.Close()

	grayHist := gocv.NewMat()
	defer grayHist.Close()
	gocv.CalcHist([]gocv.Mat{grayROI}, []int{0}, mask, &grayHist,
		[]int{track.GrayBins}, []float64{0, 256}, false)

	hsvHist := gocv.NewMat()
	defer hsvHist.Close()
	gocv.CalcHist([]gocv.Mat{hsvROI}, []int{0, 1}, mask, &hsvHist,
		[]int{track.HueBins, track.SatBins}, []float64{0, 180, 0, 256}, false)
	gocv.Normalize(hsvHist, &hsvHist, 0, 1, gocv.NormMinMax)

	grayVals, err := histValues(grayHist)
	if err != nil {
		return track.TrackData{}, err
	}
	hsvVals, err := histValues(hsvHist)
	if err != nil {
		return track.TrackData{}, err
	}
	return track.NewTrackData(grayVals, hsvVals, 0), nil
}

// histValues copies a float32 histogram Mat into an owned slice.
func histValues(hist gocv.Mat) ([]float32, error) {
	data, err := hist.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("reading histogram data: %w", err)
	}
	out := make([]float32, len(data))
	copy(out, data)
	return out, nil
}
