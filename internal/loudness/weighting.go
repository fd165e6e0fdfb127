package loudness

import (
	"math"

	"github.com/cwbudde/algo-dsp/dsp/filter/weighting"
)

// AWeighting holds the A-weighting gain in dB for each octave band.
// Band 0 is the DC bin, band k>=1 covers bins [2^(k-1), 2^k).
var AWeighting = [MaxBands]float64{
	-70.4, -56.7, -39.4, -26.2, -16.1, -8.6, -3.2, 0, 1.2, 1.0, -1.1, -6.6,
}

// MaxBands bounds the number of octave bands evaluated
const MaxBands = 12

// minGainDB floors derived gains so DC does not become -Inf
const minGainDB = -100.0

// bandCount returns how many octave bands fit into bins
func bandCount(bins int) int {
	if bins < 1 {
		return 0
	}
	n := 1
	for width := 1; 2*width <= bins && n < MaxBands; width *= 2 {
		n++
	}
	return n
}

// bandBounds returns the [lo, hi) bin range of band k
func bandBounds(k int) (lo, hi int) {
	if k == 0 {
		return 0, 1
	}
	return 1 << (k - 1), 1 << k
}

// deriveWeighting evaluates the IEC 61672 A-curve at each band's centre for
// an fftSize-point spectrum sampled at sampleRate
func deriveWeighting(bands, fftSize int, sampleRate float64) []float64 {
	curve := weighting.New(weighting.TypeA, sampleRate)
	binHz := sampleRate / float64(fftSize)

	gains := make([]float64, bands)
	for k := range gains {
		gains[k] = math.Max(curve.MagnitudeDB(bandCentre(k, binHz), sampleRate), minGainDB)
	}
	return gains
}

// bandCentre returns the geometric centre frequency of band k in Hz
func bandCentre(k int, binHz float64) float64 {
	if k == 0 {
		return binHz / 2
	}
	return binHz * math.Pow(2, float64(k)-0.5)
}
