package track

import "gonum.org/v1/gonum/stat"

// Correlation returns the Pearson correlation coefficient between two
// histograms, matching OpenCV's HISTCMP_CORREL comparison. Histograms of
// mismatched length or zero variance correlate to 0.
func Correlation(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	x := make([]float64, len(a))
	y := make([]float64, len(b))
	for i := range a {
		x[i] = float64(a[i])
		y[i] = float64(b[i])
	}
	c := stat.Correlation(x, y, nil)
	if c != c { // NaN from zero variance
		return 0
	}
	return c
}

// Combined returns the correlation score between two descriptors: the sum
// of the gray and HSV histogram correlations, in [-2, 2].
func Combined(a, b TrackData) float64 {
	return Correlation(a.GrayHist, b.GrayHist) + Correlation(a.HSVHist, b.HSVHist)
}

// NormalizeMinMax rescales the histogram in place so its values span [0, 1].
// A constant histogram normalizes to all zeros.
func NormalizeMinMax(h []float32) {
	if len(h) == 0 {
		return
	}
	lo, hi := h[0], h[0]
	for _, v := range h[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	span := hi - lo
	if span == 0 {
		for i := range h {
			h[i] = 0
		}
		return
	}
	for i := range h {
		h[i] = (h[i] - lo) / span
	}
}
