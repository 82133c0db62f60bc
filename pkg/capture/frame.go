// Package capture reads frames from a video file or camera on a dedicated
// goroutine and feeds them into the pipeline's start queue, tagging each
// with monotonically increasing metadata.
package capture

import "gocv.io/x/gocv"

// Metadata describes a frame's provenance: its monotonically increasing
// index, the source timestamp in milliseconds, the source geometry, and the
// nominal frame rate.
type Metadata struct {
	Index       int
	TimestampMS int64
	Width       int
	Height      int
	FPS         int
}

// Frame is the envelope that flows through the pipeline: a BGR pixel
// buffer plus metadata. A frame is owned by exactly one component at a
// time; whoever drops it calls Close.
type Frame struct {
	Mat  gocv.Mat
	Meta Metadata
}

// Close releases the pixel buffer. Safe to call once per owner handoff
// chain.
func (f *Frame) Close() {
	if f == nil {
		return
	}
	if f.Mat.Ptr() != nil {
		f.Mat.Close()
	}
}
