// Package loudness converts microphone spectra into perceptual loudness
package loudness

import (
	"fmt"
	"math"

	"github.com/teslashibe/go-soundfield/internal/capture"
)

// MeterConfig configures the loudness meter
type MeterConfig struct {
	FFTSize    int
	SampleRate int
	// DeriveWeighting recomputes band gains from the A-curve for the actual
	// bin resolution instead of using the fixed per-band table.
	DeriveWeighting bool
}

// DefaultMeterConfig returns the default meter configuration
func DefaultMeterConfig() MeterConfig {
	return MeterConfig{
		FFTSize:    512,
		SampleRate: 48000,
	}
}

// Meter computes one loudness value per snapshot. Tick is a pure function of
// the snapshot for a given configuration.
type Meter struct {
	cfg   MeterConfig
	bins  int
	bands int
	gains []float64 // linear multipliers, one per band
}

// NewMeter creates a meter for cfg
func NewMeter(cfg MeterConfig) (*Meter, error) {
	m := &Meter{cfg: cfg}
	if err := m.Configure(cfg.FFTSize); err != nil {
		return nil, err
	}
	return m, nil
}

// Configure selects the frequency resolution
func (m *Meter) Configure(fftSize int) error {
	if fftSize < 32 || fftSize > 32768 || fftSize&(fftSize-1) != 0 {
		return fmt.Errorf("unsupported fft window size %d", fftSize)
	}

	m.cfg.FFTSize = fftSize
	m.bins = fftSize / 2
	m.bands = bandCount(m.bins)

	var gainsDB []float64
	if m.cfg.DeriveWeighting && m.cfg.SampleRate > 0 {
		gainsDB = deriveWeighting(m.bands, fftSize, float64(m.cfg.SampleRate))
	} else {
		gainsDB = AWeighting[:m.bands]
	}

	m.gains = make([]float64, m.bands)
	for k, g := range gainsDB {
		m.gains[k] = math.Pow(10, g/10)
	}

	return nil
}

// Bins returns the snapshot length the meter expects
func (m *Meter) Bins() int {
	return m.bins
}

// Bands returns the number of octave bands evaluated
func (m *Meter) Bands() int {
	return m.bands
}

// Tick returns the weighted loudness of snap, nominally in [0, 100].
// Values above 100 are possible when several loud bands combine.
func (m *Meter) Tick(snap capture.Snapshot) (float64, error) {
	if len(snap) != m.bins {
		return 0, fmt.Errorf("snapshot has %d bins, meter configured for %d", len(snap), m.bins)
	}

	var total float64
	for k := 0; k < m.bands; k++ {
		lo, hi := bandBounds(k)

		var energy float64
		for _, v := range snap[lo:hi] {
			energy += float64(v)
		}
		total += energy * m.gains[k]
	}

	_, covered := bandBounds(m.bands - 1)
	return 100 * total / (capture.MaxMagnitude * float64(covered)), nil
}
