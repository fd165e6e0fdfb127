package capture

import (
	"fmt"
	"math"
	"math/cmplx"

	algofft "github.com/MeKo-Christian/algo-fft"
	"github.com/cwbudde/algo-dsp/dsp/window"
)

// AnalyserConfig configures spectrum analysis
type AnalyserConfig struct {
	FFTSize     int     // Samples per analysis frame (power of two)
	Smoothing   float64 // Time constant for magnitude smoothing, 0..1
	MinDecibels float64 // Maps to byte value 0
	MaxDecibels float64 // Maps to byte value 255
}

// DefaultAnalyserConfig returns the browser analyser node defaults
func DefaultAnalyserConfig() AnalyserConfig {
	return AnalyserConfig{
		FFTSize:     512,
		Smoothing:   0.8,
		MinDecibels: -100,
		MaxDecibels: -30,
	}
}

// Analyser turns PCM frames into byte frequency data.
// Blackman window, FFT, smoothed magnitude, dB scaled into [0, 255].
// Not safe for concurrent use.
type Analyser struct {
	cfg      AnalyserConfig
	plan     *algofft.Plan[complex128]
	window   []float64
	in       []complex128
	out      []complex128
	smoothed []float64
}

// NewAnalyser creates an analyser for cfg.FFTSize samples per frame
func NewAnalyser(cfg AnalyserConfig) (*Analyser, error) {
	n := cfg.FFTSize
	if n < 32 || n&(n-1) != 0 {
		return nil, fmt.Errorf("fft size must be a power of two >= 32, got %d", n)
	}
	if cfg.MinDecibels >= cfg.MaxDecibels {
		return nil, fmt.Errorf("min decibels %f must be below max decibels %f", cfg.MinDecibels, cfg.MaxDecibels)
	}

	plan, err := algofft.NewPlan64(n)
	if err != nil {
		return nil, fmt.Errorf("fft plan: %w", err)
	}

	return &Analyser{
		cfg:      cfg,
		plan:     plan,
		window:   window.Generate(window.TypeBlackman, n, window.WithPeriodic()),
		in:       make([]complex128, n),
		out:      make([]complex128, n),
		smoothed: make([]float64, n/2),
	}, nil
}

// Bins returns the number of bins per snapshot
func (a *Analyser) Bins() int {
	return a.cfg.FFTSize / 2
}

// Analyse consumes exactly FFTSize samples in [-1, 1]
func (a *Analyser) Analyse(samples []float64) (Snapshot, error) {
	n := a.cfg.FFTSize
	if len(samples) != n {
		return nil, fmt.Errorf("expected %d samples, got %d", n, len(samples))
	}

	for i, s := range samples {
		a.in[i] = complex(s*a.window[i], 0)
	}

	if err := a.plan.Forward(a.out, a.in); err != nil {
		return nil, fmt.Errorf("fft forward: %w", err)
	}

	tau := a.cfg.Smoothing
	scale := MaxMagnitude / (a.cfg.MaxDecibels - a.cfg.MinDecibels)
	snap := make(Snapshot, n/2)

	for k := range snap {
		mag := cmplx.Abs(a.out[k]) / float64(n)
		a.smoothed[k] = tau*a.smoothed[k] + (1-tau)*mag

		if a.smoothed[k] <= 0 {
			continue // -Inf dB clamps to zero
		}

		db := 20 * math.Log10(a.smoothed[k])
		v := math.Floor(scale * (db - a.cfg.MinDecibels))
		snap[k] = uint8(math.Max(0, math.Min(MaxMagnitude, v)))
	}

	return snap, nil
}

// Reset clears the smoothing state
func (a *Analyser) Reset() {
	for i := range a.smoothed {
		a.smoothed[i] = 0
	}
}
