package track

// Track is a fixed-length, most-recent-first circular buffer of appearance
// descriptors that have been assigned the same identity. The length is
// constant: a new track holds its capacity in empty descriptors, and every
// push displaces the oldest entry.
type Track struct {
	entries []TrackData
	head    int
}

// NewTrack creates a track holding historyCount empty descriptors.
func NewTrack(historyCount int) *Track {
	if historyCount <= 0 {
		historyCount = 1
	}
	t := &Track{entries: make([]TrackData, historyCount)}
	for i := range t.entries {
		t.entries[i] = EmptyTrackData()
	}
	return t
}

// Len returns the fixed capacity of the track.
func (t *Track) Len() int {
	return len(t.entries)
}

// Push inserts a descriptor at the head, displacing the oldest entry.
func (t *Track) Push(data TrackData) {
	t.head--
	if t.head < 0 {
		t.head = len(t.entries) - 1
	}
	t.entries[t.head] = data
}

// At returns the descriptor at the given age: 0 is the most recent entry.
func (t *Track) At(age int) TrackData {
	return t.entries[(t.head+age)%len(t.entries)]
}

// Latest returns the age and value of the most recent non-empty descriptor.
// The returned age is -1 if every entry is empty.
func (t *Track) Latest() (int, TrackData) {
	for age := 0; age < len(t.entries); age++ {
		if d := t.At(age); !d.IsEmpty() {
			return age, d
		}
	}
	return -1, TrackData{}
}

// IsEmpty reports whether the track holds no non-empty descriptor.
func (t *Track) IsEmpty() bool {
	age, _ := t.Latest()
	return age < 0
}

// LevelSum returns the sum of the stored confidence levels. Empty entries
// contribute zero, so a track that has gone stale decays toward zero as its
// history fills with empties.
func (t *Track) LevelSum() float32 {
	var sum float32
	for _, d := range t.entries {
		if !d.IsEmpty() {
			sum += d.Level
		}
	}
	return sum
}
