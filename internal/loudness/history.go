package loudness

import (
	"errors"
	"slices"
	"sync"
)

// ErrNoSamples is returned by Median when the history is empty
var ErrNoSamples = errors.New("no loudness samples recorded")

// History accumulates loudness samples while recording is enabled.
// Readers only see the median.
type History struct {
	mu        sync.Mutex
	recording bool
	samples   []float64
}

// NewHistory creates a stopped, empty history
func NewHistory() *History {
	return &History{}
}

// Start enables accumulation
func (h *History) Start() {
	h.mu.Lock()
	h.recording = true
	h.mu.Unlock()
}

// Stop disables accumulation and clears the buffer
func (h *History) Stop() {
	h.mu.Lock()
	h.recording = false
	h.samples = nil
	h.mu.Unlock()
}

// Recording reports whether samples are being accumulated
func (h *History) Recording() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recording
}

// Append adds v if recording; it reports whether v was kept
func (h *History) Append(v float64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.recording {
		return false
	}
	h.samples = append(h.samples, v)
	return true
}

// Len returns the number of buffered samples
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.samples)
}

// Median returns the numeric median of the buffered samples.
// Even lengths average the two centre elements.
func (h *History) Median() (float64, error) {
	h.mu.Lock()
	sorted := slices.Clone(h.samples)
	h.mu.Unlock()

	return median(sorted)
}

// median sorts values in place
func median(values []float64) (float64, error) {
	n := len(values)
	if n == 0 {
		return 0, ErrNoSamples
	}

	slices.Sort(values)

	mid := n / 2
	if n%2 == 1 {
		return values[mid], nil
	}
	return (values[mid-1] + values[mid]) / 2, nil
}
