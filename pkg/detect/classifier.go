// Package detect wraps the cascade-classifier detection primitive behind a
// (rects, scores) contract with a minimum-confidence post-filter.
package detect

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// ErrClassifierLoad means the cascade model file could not be loaded.
var ErrClassifierLoad = errors.New("could not load classifier file")

// Detector is the detection primitive: given a single-channel luminance
// frame, return candidate rectangles with confidence scores, sorted is the
// caller's concern. Implementations must be safe for use from a single
// goroutine at a time.
type Detector interface {
	Detect(gray gocv.Mat) ([]image.Rectangle, []float32)
}

// Properties are the tunable detection parameters.
type Properties struct {
	MinObjectSize image.Point
	MaxObjectSize image.Point
	ScaleFactor   float64
	MinNeighbors  int
	MinLevel      float32
}

// DefaultProperties returns the standard detection parameters.
func DefaultProperties() Properties {
	return Properties{
		MinObjectSize: image.Pt(18, 18),
		MaxObjectSize: image.Pt(128, 128),
		ScaleFactor:   1.09,
		MinNeighbors:  3,
		MinLevel:      1.5,
	}
}

// CascadeDetector runs a Haar/LBP cascade over luminance frames. The
// cascade binding exposes no per-detection confidence, so the detector
// runs the cascade ungrouped and does its own neighbor clustering: the
// score of a detection is its raw-candidate neighbor count, which rises
// with cascade confidence. MinNeighbors and MinLevel both filter on that
// count.
type CascadeDetector struct {
	mu         sync.Mutex
	classifier gocv.CascadeClassifier
	props      Properties
	log        *zap.Logger
}

// NewCascadeDetector loads the cascade model from file. A nil logger
// disables logging.
func NewCascadeDetector(classifierFile string, props Properties, logger *zap.Logger) (*CascadeDetector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(classifierFile) {
		classifier.Close()
		return nil, fmt.Errorf("%w: %s", ErrClassifierLoad, classifierFile)
	}
	return &CascadeDetector{
		classifier: classifier,
		props:      props,
		log:        logger.With(zap.String("component", "detector")),
	}, nil
}

// SetProperties replaces the detection parameters at runtime.
func (d *CascadeDetector) SetProperties(props Properties) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if props.ScaleFactor <= 1.0 {
		d.log.Warn("ignoring scale factor <= 1.0", zap.Float64("scaleFactor", props.ScaleFactor))
		props.ScaleFactor = d.props.ScaleFactor
	}
	d.props = props
}

// Properties returns the current detection parameters.
func (d *CascadeDetector) Properties() Properties {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.props
}

// Detect runs the cascade and returns the surviving detections with their
// neighbor-count scores. Detections scoring below MinLevel are discarded;
// an empty result is (nil, nil).
func (d *CascadeDetector) Detect(gray gocv.Mat) ([]image.Rectangle, []float32) {
	d.mu.Lock()
	props := d.props
	d.mu.Unlock()

	raw := d.classifier.DetectMultiScaleWithParams(
		gray, props.ScaleFactor, 0, 0, props.MinObjectSize, props.MaxObjectSize)
	if len(raw) == 0 {
		return nil, nil
	}

	rects, scores := clusterCandidates(raw, props.MinNeighbors)

	outRects := rects[:0]
	outScores := scores[:0]
	for i, s := range scores {
		if s >= props.MinLevel {
			outRects = append(outRects, rects[i])
			outScores = append(outScores, s)
		}
	}
	if len(outRects) == 0 {
		return nil, nil
	}
	return outRects, outScores
}

// Close releases the cascade model.
func (d *CascadeDetector) Close() error {
	return d.classifier.Close()
}

// clusterCandidates groups similar raw candidate rectangles and returns one
// averaged rectangle per cluster of at least minNeighbors members, scored
// by the member count.
func clusterCandidates(raw []image.Rectangle, minNeighbors int) ([]image.Rectangle, []float32) {
	if minNeighbors < 1 {
		minNeighbors = 1
	}
	labels := make([]int, len(raw))
	for i := range labels {
		labels[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if labels[i] != i {
			labels[i] = find(labels[i])
		}
		return labels[i]
	}
	for i := 0; i < len(raw); i++ {
		for j := i + 1; j < len(raw); j++ {
			if similarRects(raw[i], raw[j]) {
				labels[find(j)] = find(i)
			}
		}
	}

	type cluster struct {
		sumX, sumY, sumW, sumH int
		count                  int
	}
	clusters := map[int]*cluster{}
	for i, r := range raw {
		root := find(i)
		c := clusters[root]
		if c == nil {
			c = &cluster{}
			clusters[root] = c
		}
		c.sumX += r.Min.X
		c.sumY += r.Min.Y
		c.sumW += r.Dx()
		c.sumH += r.Dy()
		c.count++
	}

	var rects []image.Rectangle
	var scores []float32
	for _, c := range clusters {
		if c.count < minNeighbors {
			continue
		}
		x := c.sumX / c.count
		y := c.sumY / c.count
		w := c.sumW / c.count
		h := c.sumH / c.count
		rects = append(rects, image.Rect(x, y, x+w, y+h))
		scores = append(scores, float32(c.count))
	}
	return rects, scores
}

// similarRects approximates the grouping tolerance of the cascade's own
// rectangle merge: every edge of one rectangle lies within a fifth of the
// two rectangles' mean width of the matching edge of the other.
func similarRects(a, b image.Rectangle) bool {
	delta := 0.2 * 0.5 * float64(a.Dx()+b.Dx())
	if absInt(a.Min.X-b.Min.X) > int(delta) || absInt(a.Min.Y-b.Min.Y) > int(delta) {
		return false
	}
	if absInt(a.Max.X-b.Max.X) > int(delta) || absInt(a.Max.Y-b.Max.Y) > int(delta) {
		return false
	}
	return true
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
