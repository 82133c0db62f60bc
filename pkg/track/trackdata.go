// Package track implements multi-track region-of-interest correlation.
//
// Incoming detections are matched to a small fixed set of tracks by
// comparing appearance histograms. Each track is a fixed-length circular
// buffer of recent descriptors, so evidence ages out naturally as frames
// advance. The package is pure Go: descriptor computation from pixel data
// is delegated to a DescriptorSource implemented by the caller.
package track

import "image"

// Histogram dimensions. Gray descriptors are 256-bin intensity histograms,
// HSV descriptors are joint hue×saturation histograms.
const (
	GrayBins = 256
	HueBins  = 180
	SatBins  = 256
)

// emptyBin is the sentinel stored in every bin of an empty descriptor.
const emptyBin = float32(-1.0)

// TrackData is the appearance descriptor for one detection: a gray-intensity
// histogram, a normalized HSV histogram, the detection confidence, and the
// optional source rectangle and center.
type TrackData struct {
	GrayHist []float32 // GrayBins entries
	HSVHist  []float32 // HueBins*SatBins entries, row-major, normalized to [0,1]
	Level    float32
	Rect     image.Rectangle
	Center   image.Point
	HasRect  bool
}

// NewTrackData builds a descriptor from computed histograms.
func NewTrackData(grayHist, hsvHist []float32, level float32) TrackData {
	return TrackData{
		GrayHist: grayHist,
		HSVHist:  hsvHist,
		Level:    level,
	}
}

// EmptyTrackData returns the sentinel descriptor used to advance a track
// when no detection was written to it this frame.
func EmptyTrackData() TrackData {
	return TrackData{
		GrayHist: emptyHistogram(GrayBins),
		HSVHist:  emptyHistogram(HueBins * SatBins),
		Level:    0,
	}
}

func emptyHistogram(bins int) []float32 {
	h := make([]float32, bins)
	for i := range h {
		h[i] = emptyBin
	}
	return h
}

// IsEmpty reports whether the descriptor is the empty sentinel. The first
// gray bin is sufficient: real histograms are counts and never negative.
func (d TrackData) IsEmpty() bool {
	return len(d.GrayHist) == 0 || d.GrayHist[0] == emptyBin
}

// WithRect returns a copy of the descriptor carrying the detection
// rectangle and its center point.
func (d TrackData) WithRect(r image.Rectangle) TrackData {
	d.Rect = r
	d.Center = image.Pt((r.Min.X+r.Max.X)/2, (r.Min.Y+r.Max.Y)/2)
	d.HasRect = true
	return d
}

// Equal reports deep equality of two descriptors, ignoring rect and center.
func (d TrackData) Equal(other TrackData) bool {
	if d.Level != other.Level {
		return false
	}
	if !float32SlicesEqual(d.GrayHist, other.GrayHist) {
		return false
	}
	return float32SlicesEqual(d.HSVHist, other.HSVHist)
}

func float32SlicesEqual(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
