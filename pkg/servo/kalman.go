package servo

import "image"

// KalmanFilter is a 1D filter used to smooth the tracked target coordinate
// before it is turned into a servo correction. Raw detection centers jitter
// by a few pixels frame to frame, which would otherwise rattle the servos
// inside and outside the dead-zone.
type KalmanFilter struct {
	x           float64
	p           float64
	q           float64
	r           float64
	initialized bool
}

// NewKalmanFilter creates a filter with the given smoothing factor in
// [0, 1]: 0 is maximum smoothing, and higher values follow measurements
// more closely. Even at 1 the filter still smooths (its steady-state gain
// is 0.5), so it is never a pass-through.
func NewKalmanFilter(smoothingFactor float64) *KalmanFilter {
	return &KalmanFilter{
		p: 1.0,
		q: 0.1,
		r: 1.0 - smoothingFactor*0.9 + 0.1,
	}
}

// Update folds in a measurement and returns the filtered value.
func (kf *KalmanFilter) Update(measurement float64) float64 {
	if !kf.initialized {
		kf.x = measurement
		kf.initialized = true
		return measurement
	}
	pPred := kf.p + kf.q
	k := pPred / (pPred + kf.r)
	kf.x += k * (measurement - kf.x)
	kf.p = (1 - k) * pPred
	return kf.x
}

// Reset clears the filter state.
func (kf *KalmanFilter) Reset() {
	kf.x = 0
	kf.p = 1.0
	kf.initialized = false
}

// PointFilter smooths a 2D pixel coordinate with independent per-axis
// Kalman filters.
type PointFilter struct {
	x, y *KalmanFilter
}

// NewPointFilter creates a 2D filter with the given smoothing factor.
func NewPointFilter(smoothingFactor float64) *PointFilter {
	return &PointFilter{
		x: NewKalmanFilter(smoothingFactor),
		y: NewKalmanFilter(smoothingFactor),
	}
}

// Update folds in a measured point and returns the filtered point.
func (pf *PointFilter) Update(pt image.Point) image.Point {
	return image.Pt(
		int(pf.x.Update(float64(pt.X))),
		int(pf.y.Update(float64(pt.Y))),
	)
}

// Reset clears both axes.
func (pf *PointFilter) Reset() {
	pf.x.Reset()
	pf.y.Reset()
}
