package track

import "image"

// Overlap reports whether two rectangles intersect; rectangles that only
// share an edge count as overlapping.
// Rectangles with zero area never overlap, including with themselves.
func Overlap(r1, r2 image.Rectangle) bool {
	if r1.Dx() <= 0 || r1.Dy() <= 0 || r2.Dx() <= 0 || r2.Dy() <= 0 {
		return false
	}
	if r1.Min.X > r2.Max.X || r2.Min.X > r1.Max.X {
		return false
	}
	if r1.Min.Y > r2.Max.Y || r2.Min.Y > r1.Max.Y {
		return false
	}
	return true
}

// SortDetections orders rects and levels descending by level and truncates
// both to at most maxCount entries. The inputs are not modified.
func SortDetections(rects []image.Rectangle, levels []float32, maxCount int) ([]image.Rectangle, []float32) {
	n := len(levels)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	// Insertion sort keeps equal levels in input order; n is tiny.
	for i := 1; i < n; i++ {
		for j := i; j > 0 && levels[order[j]] > levels[order[j-1]]; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
	if maxCount > n {
		maxCount = n
	}
	outRects := make([]image.Rectangle, 0, maxCount)
	outLevels := make([]float32, 0, maxCount)
	for _, idx := range order[:maxCount] {
		outRects = append(outRects, rects[idx])
		outLevels = append(outLevels, levels[idx])
	}
	return outRects, outLevels
}

// MergeOverlapping removes, from a score-descending detection list, every
// detection whose rectangle overlaps a higher-scoring survivor. Zero-area
// rectangles are dropped outright.
func MergeOverlapping(rects []image.Rectangle, levels []float32) ([]image.Rectangle, []float32) {
	outRects := make([]image.Rectangle, 0, len(rects))
	outLevels := make([]float32, 0, len(levels))
	for i, r := range rects {
		if r.Dx() <= 0 || r.Dy() <= 0 {
			continue
		}
		shadowed := false
		for _, kept := range outRects {
			if Overlap(kept, r) {
				shadowed = true
				break
			}
		}
		if !shadowed {
			outRects = append(outRects, r)
			outLevels = append(outLevels, levels[i])
		}
	}
	return outRects, outLevels
}
