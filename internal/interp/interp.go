// Package interp turns discrete calibration samples into a continuous
// loudness field using inverse-distance weighting.
package interp

import (
	"math"
)

// DefaultMaxCoord is the upper bound of the logical coordinate space
const DefaultMaxCoord = 640.0

// DefaultPower is the IDW exponent. Higher values localise each sample's
// influence more tightly.
const DefaultPower = 1.5

// Point is one measured (position, speaker, loudness) sample
type Point struct {
	X         float64 `json:"coordinateX"`
	Y         float64 `json:"coordinateY"`
	Volume    float64 `json:"measuredVolume"`
	SpeakerID string  `json:"speakerId"`
}

// Grid is a dense field of estimates indexed Cells[x][y]. Cell (x, y) maps
// to logical coordinates (x*MaxCoord/Resolution, y*MaxCoord/Resolution).
type Grid struct {
	Resolution int         `json:"resolution"`
	Cells      [][]float64 `json:"cells"`
	Max        float64     `json:"max"`
}

// At returns the value at cell (x, y)
func (g Grid) At(x, y int) float64 {
	return g.Cells[x][y]
}

// Config configures an Interpolator
type Config struct {
	MaxCoord  float64
	Power     float64
	MaxPoints int // 0 means unlimited
}

// DefaultConfig returns the default interpolation parameters
func DefaultConfig() Config {
	return Config{
		MaxCoord:  DefaultMaxCoord,
		Power:     DefaultPower,
		MaxPoints: 256,
	}
}

// Interpolator evaluates IDW estimates over a point set
type Interpolator struct {
	cfg Config
}

// New creates an interpolator, filling zero fields with defaults
func New(cfg Config) *Interpolator {
	if cfg.MaxCoord <= 0 {
		cfg.MaxCoord = DefaultMaxCoord
	}
	if cfg.Power <= 0 {
		cfg.Power = DefaultPower
	}
	return &Interpolator{cfg: cfg}
}

// Config returns the active configuration
func (ip *Interpolator) Config() Config {
	return ip.cfg
}

// Limit keeps at most MaxPoints of the most recent points
func (ip *Interpolator) Limit(points []Point) []Point {
	if ip.cfg.MaxPoints > 0 && len(points) > ip.cfg.MaxPoints {
		return points[len(points)-ip.cfg.MaxPoints:]
	}
	return points
}

// Estimate returns the IDW estimate at logical coordinates (x, y).
// A point located exactly at (x, y) wins outright. An empty point set
// yields 0.
func (ip *Interpolator) Estimate(points []Point, x, y float64) float64 {
	var totalWeight, totalVolume float64

	for _, p := range points {
		if p.X == x && p.Y == y {
			return p.Volume
		}

		dist := math.Hypot(p.X-x, p.Y-y)
		w := 1 / math.Pow(dist, ip.cfg.Power)

		totalWeight += w
		totalVolume += w * p.Volume
	}

	if totalWeight == 0 {
		return 0
	}
	return totalVolume / totalWeight
}

// Interpolate evaluates the field on a resolution×resolution grid.
// Cost is O(resolution² × len(points)) after Limit.
func (ip *Interpolator) Interpolate(points []Point, resolution int) Grid {
	if resolution < 1 {
		resolution = 1
	}
	points = ip.Limit(points)

	g := Grid{
		Resolution: resolution,
		Cells:      make([][]float64, resolution),
	}

	step := ip.cfg.MaxCoord / float64(resolution)
	for x := 0; x < resolution; x++ {
		g.Cells[x] = make([]float64, resolution)
		mx := float64(x) * step

		for y := 0; y < resolution; y++ {
			v := ip.Estimate(points, mx, float64(y)*step)
			g.Cells[x][y] = v
			if v > g.Max {
				g.Max = v
			}
		}
	}

	return g
}

// Normalize rescales g to a percentage of its maximum. A grid whose maximum
// is not positive normalises to all zeros.
func Normalize(g Grid) Grid {
	out := Grid{
		Resolution: g.Resolution,
		Cells:      make([][]float64, len(g.Cells)),
	}

	for x, col := range g.Cells {
		out.Cells[x] = make([]float64, len(col))
		if g.Max <= 0 {
			continue
		}
		for y, v := range col {
			out.Cells[x][y] = v * 100 / g.Max
		}
	}

	if g.Max > 0 {
		out.Max = 100
	}
	return out
}
