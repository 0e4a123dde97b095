// Package pattern maintains the bounded access history and classifies the
// recent layer-access sequence.
//
// The history is a derived, non-authoritative view: losing it can only
// degrade prefetch quality, never correctness. Classification is recomputed
// on demand and is a pure function of the window contents, which keeps it
// deterministic and trivially testable.
package pattern

import "github.com/weightfs/weightfs/pkg/types"

// Default classification thresholds.
const (
	DefaultWindowSize = 100
	DefaultMinSamples = 10

	// sequentialThreshold is the fraction of consecutive +1 steps above
	// which the window classifies as sequential.
	sequentialThreshold = 0.6
	// repeatThreshold is the fraction of ids recurring later in the window
	// above which it classifies as repeating.
	repeatThreshold = 0.4
)

// Detector records layer accesses in a fixed-capacity ring buffer,
// overwriting oldest-first, and classifies the trailing window.
// The loader serializes access; the detector carries no lock.
type Detector struct {
	history    []int
	pos        int
	recorded   uint64
	minSamples int
}

// NewDetector creates a detector with the given window capacity and minimum
// sample count. Non-positive arguments fall back to the defaults.
func NewDetector(windowSize, minSamples int) *Detector {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	return &Detector{
		history:    make([]int, windowSize),
		minSamples: minSamples,
	}
}

// Record appends a layer access to the history, evicting the oldest entry
// once the window is full.
func (d *Detector) Record(layerID int) {
	d.history[d.pos] = layerID
	d.pos = (d.pos + 1) % len(d.history)
	d.recorded++
}

// Samples returns the number of accesses recorded so far (not capped at the
// window size).
func (d *Detector) Samples() uint64 {
	return d.recorded
}

// Reset clears the history.
func (d *Detector) Reset() {
	d.pos = 0
	d.recorded = 0
	for i := range d.history {
		d.history[i] = 0
	}
}

// Window returns the recorded window contents oldest-first.
func (d *Detector) Window() []int {
	n := len(d.history)
	if d.recorded < uint64(n) {
		n = int(d.recorded)
	}
	out := make([]int, n)
	if d.recorded < uint64(len(d.history)) {
		copy(out, d.history[:n])
		return out
	}
	for i := 0; i < n; i++ {
		out[i] = d.history[(d.pos+i)%len(d.history)]
	}
	return out
}

// Classify determines the usage pattern of the trailing window.
func (d *Detector) Classify() types.AccessPattern {
	if d.recorded < uint64(d.minSamples) {
		return types.PatternUnknown
	}

	window := d.Window()
	sequential := 0
	repeats := 0
	steps := len(window) - 1

	for i := 1; i < len(window); i++ {
		if window[i] == window[i-1]+1 {
			sequential++
		}
	}
	for i := 0; i < len(window); i++ {
		for j := i + 1; j < len(window); j++ {
			if window[j] == window[i] {
				repeats++
				break
			}
		}
	}

	if steps <= 0 {
		return types.PatternUnknown
	}

	seqRatio := float64(sequential) / float64(len(window))
	repeatRatio := float64(repeats) / float64(len(window))

	switch {
	case seqRatio > sequentialThreshold:
		return types.PatternSequential
	case repeatRatio > repeatThreshold:
		return types.PatternRepeated
	default:
		return types.PatternRandom
	}
}
