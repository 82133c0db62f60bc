package track

import (
	"image"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// Unassigned marks a detection that matched no track this frame.
const Unassigned = -1

// DefaultMinCorrelation is the correlation floor below which a detection
// is not considered a match for any track.
const DefaultMinCorrelation = 0.5

// DescriptorSource computes the appearance descriptor for a detection
// rectangle. It is implemented by the annotator over the current frame's
// gray and HSV planes.
type DescriptorSource interface {
	Descriptor(r image.Rectangle) (TrackData, error)
}

// Result is the outcome of one correlator pass.
type Result struct {
	// Rects and Levels are the surviving detections, descending by level.
	Rects  []image.Rectangle
	Levels []float32
	// Assigned[i] is the track index the i-th detection matched, or
	// Unassigned. Non-negative values are unique.
	Assigned []int
	// Best is the index of the track with the highest level sum.
	Best int
}

// ROITracker correlates incoming detections against a fixed set of tracks
// using gray and HSV histogram correlation, with greedy global-argmax
// assignment. It is owned by a single worker at a time and is not
// concurrent-safe.
type ROITracker struct {
	maxTracks      int
	historyCount   int
	minCorrelation float64
	tracks         []*Track
	bestTrack      int
	log            *zap.Logger
}

// NewROITracker creates a correlator with maxTracks tracks, each holding
// historyCount descriptors. A nil logger disables logging.
func NewROITracker(maxTracks, historyCount int, logger *zap.Logger) *ROITracker {
	if maxTracks <= 0 {
		maxTracks = 3
	}
	if historyCount <= 0 {
		historyCount = 15
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	tracks := make([]*Track, maxTracks)
	for i := range tracks {
		tracks[i] = NewTrack(historyCount)
	}
	return &ROITracker{
		maxTracks:      maxTracks,
		historyCount:   historyCount,
		minCorrelation: DefaultMinCorrelation,
		tracks:         tracks,
		log:            logger.With(zap.String("component", "roitracker")),
	}
}

// SetMinCorrelation overrides the correlation floor for track matching.
func (t *ROITracker) SetMinCorrelation(limit float64) {
	t.minCorrelation = limit
}

// MaxTracks returns the number of tracks the correlator maintains.
func (t *ROITracker) MaxTracks() int {
	return t.maxTracks
}

// Track returns the track at the given index.
func (t *ROITracker) Track(index int) *Track {
	return t.tracks[index]
}

// BestTrack returns the index of the track with the highest level sum as of
// the last Process call.
func (t *ROITracker) BestTrack() int {
	return t.bestTrack
}

// Process runs one correlator pass: sort and truncate the detections, merge
// overlaps, compute descriptors, match against the latest stored descriptor
// of each track, and write the results back so that every track advances by
// exactly one entry.
func (t *ROITracker) Process(src DescriptorSource, rects []image.Rectangle, levels []float32) (*Result, error) {
	rects, levels = SortDetections(rects, levels, t.maxTracks)
	rects, levels = MergeOverlapping(rects, levels)

	incoming := make([]TrackData, len(rects))
	for i, r := range rects {
		d, err := src.Descriptor(r)
		if err != nil {
			return nil, err
		}
		incoming[i] = d.WithRect(r)
	}

	assigned := t.correlate(incoming)

	written := make([]bool, t.maxTracks)
	for i, trackIdx := range assigned {
		if trackIdx == Unassigned {
			continue
		}
		d := incoming[i]
		d.Level = levels[i]
		t.tracks[trackIdx].Push(d)
		written[trackIdx] = true
	}

	// Unmatched detections claim empty tracks in index order. Assigned
	// still reports Unassigned for them: the assignment array reflects
	// correlation matches only.
	for i, trackIdx := range assigned {
		if trackIdx != Unassigned {
			continue
		}
		slot := t.emptySlot(written)
		if slot < 0 {
			break
		}
		d := incoming[i]
		d.Level = levels[i]
		t.tracks[slot].Push(d)
		written[slot] = true
	}

	// Every remaining track advances with an empty entry so stale evidence
	// ages out in lock-step.
	for i, w := range written {
		if !w {
			t.tracks[i].Push(EmptyTrackData())
		}
	}

	best := 0
	bestSum := t.tracks[0].LevelSum()
	for i := 1; i < t.maxTracks; i++ {
		if sum := t.tracks[i].LevelSum(); sum > bestSum {
			best, bestSum = i, sum
		}
	}
	if best != t.bestTrack {
		t.log.Info("best track changed",
			zap.Int("from", t.bestTrack), zap.Int("to", best))
		t.bestTrack = best
	}

	return &Result{Rects: rects, Levels: levels, Assigned: assigned, Best: t.bestTrack}, nil
}

// correlate builds the (incoming × tracks) correlation matrix and performs
// greedy global-argmax assignment, eliminating the claimed row and column
// on every pick.
func (t *ROITracker) correlate(incoming []TrackData) []int {
	assigned := make([]int, len(incoming))
	for i := range assigned {
		assigned[i] = Unassigned
	}
	if len(incoming) == 0 {
		return assigned
	}

	refs := make([]*TrackData, t.maxTracks)
	for j, tr := range t.tracks {
		if age, d := tr.Latest(); age >= 0 {
			refs[j] = &d
		}
	}

	m := mat.NewDense(len(incoming), t.maxTracks, nil)
	for i := range incoming {
		for j := range refs {
			if refs[j] != nil {
				m.Set(i, j, Combined(incoming[i], *refs[j]))
			}
		}
	}

	for range incoming {
		row, col, max := argmax(m)
		if max > t.minCorrelation {
			assigned[row] = col
		}
		for j := 0; j < t.maxTracks; j++ {
			m.Set(row, j, -1)
		}
		for i := 0; i < len(incoming); i++ {
			m.Set(i, col, -1)
		}
	}
	return assigned
}

func argmax(m *mat.Dense) (row, col int, max float64) {
	rows, cols := m.Dims()
	max = m.At(0, 0)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if v := m.At(i, j); v > max {
				row, col, max = i, j, v
			}
		}
	}
	return row, col, max
}

func (t *ROITracker) emptySlot(written []bool) int {
	for i, tr := range t.tracks {
		if !written[i] && tr.IsEmpty() {
			return i
		}
	}
	return Unassigned
}
