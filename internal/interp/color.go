package interp

import (
	"image/color"
	"math"
)

// SeriesColours is the number of distinct hues assigned to speakers
const SeriesColours = 16

// hueStep is the hue spacing in whole degrees
const hueStep = 360 / SeriesColours

// lightness is fixed so saturation alone encodes the field value
const lightness = 40.0

// ColorFor maps a percentage in [0, 100] onto the hue of seriesIndex.
// Saturation follows percentage; lightness is fixed.
func ColorFor(percentage float64, seriesIndex int) color.RGBA {
	idx := seriesIndex % SeriesColours
	if idx < 0 {
		idx += SeriesColours
	}
	h := float64(idx * hueStep)
	s := math.Max(0, math.Min(100, percentage)) / 100
	l := lightness / 100

	c := (1 - math.Abs(2*l-1)) * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := l - c/2

	var r, g, b float64
	switch {
	case h < 60:
		r, g = c, x
	case h < 120:
		r, g = x, c
	case h < 180:
		g, b = c, x
	case h < 240:
		g, b = x, c
	case h < 300:
		r, b = x, c
	default:
		r, b = c, x
	}

	return color.RGBA{
		R: channel(r + m),
		G: channel(g + m),
		B: channel(b + m),
		A: 0xff,
	}
}

func channel(v float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(1, v)) * 255))
}

// MapCoordinate maps a logical coordinate onto canvas pixels. The half-pixel
// offset keeps 1px lines crisp.
func MapCoordinate(coord float64, canvasSize int, maxCoord float64) float64 {
	return math.Round(coord/maxCoord*float64(canvasSize)) + 0.5
}
