package interp

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
)

// Position is a listener location in logical coordinates
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// RenderOptions controls PNG output
type RenderOptions struct {
	CanvasSize  int
	MaxCoord    float64
	SeriesIndex int
	Markers     []Point   // drawn once per unique position
	Current     *Position // optional crosshair
}

var (
	markerColour    = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	crosshairColour = color.RGBA{R: 0xff, A: 0xff}
)

// Render paints the normalised field with markers onto a new image
func Render(g Grid, opts RenderOptions) (*image.RGBA, error) {
	size := opts.CanvasSize
	if size < 1 {
		return nil, fmt.Errorf("canvas size must be positive, got %d", size)
	}
	if g.Resolution < 1 || len(g.Cells) != g.Resolution {
		return nil, fmt.Errorf("grid resolution %d does not match %d columns", g.Resolution, len(g.Cells))
	}
	maxCoord := opts.MaxCoord
	if maxCoord <= 0 {
		maxCoord = DefaultMaxCoord
	}

	norm := Normalize(g)
	img := image.NewRGBA(image.Rect(0, 0, size, size))

	for px := 0; px < size; px++ {
		cx := px * g.Resolution / size
		for py := 0; py < size; py++ {
			cy := py * g.Resolution / size
			img.SetRGBA(px, py, ColorFor(norm.Cells[cx][cy], opts.SeriesIndex))
		}
	}

	radius := 0.05 * float64(size)
	fill := ColorFor(100, opts.SeriesIndex)
	for _, p := range UniquePositions(opts.Markers) {
		x := MapCoordinate(p.X, size, maxCoord)
		y := MapCoordinate(p.Y, size, maxCoord)
		fillCircle(img, x, y, radius, fill)
		fillCircle(img, x, y, radius/4, markerColour)
	}

	if opts.Current != nil {
		x := MapCoordinate(opts.Current.X, size, maxCoord)
		y := MapCoordinate(opts.Current.Y, size, maxCoord)
		drawCrosshair(img, x, y, 0.03*float64(size), crosshairColour)
	}

	return img, nil
}

// RenderPNG encodes the rendered field as PNG into w
func RenderPNG(w io.Writer, g Grid, opts RenderOptions) error {
	img, err := Render(g, opts)
	if err != nil {
		return err
	}
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	return nil
}

func fillCircle(img *image.RGBA, cx, cy, r float64, c color.RGBA) {
	b := img.Bounds()
	x0 := max(b.Min.X, int(math.Floor(cx-r)))
	x1 := min(b.Max.X-1, int(math.Ceil(cx+r)))
	y0 := max(b.Min.Y, int(math.Floor(cy-r)))
	y1 := min(b.Max.Y-1, int(math.Ceil(cy+r)))

	for x := x0; x <= x1; x++ {
		for y := y0; y <= y1; y++ {
			dx := float64(x) + 0.5 - cx
			dy := float64(y) + 0.5 - cy
			if dx*dx+dy*dy <= r*r {
				img.SetRGBA(x, y, c)
			}
		}
	}
}

func drawCrosshair(img *image.RGBA, cx, cy, r float64, c color.RGBA) {
	ix, iy := int(cx), int(cy)
	span := int(math.Ceil(r))
	for d := -span; d <= span; d++ {
		if p := image.Pt(ix+d, iy); p.In(img.Bounds()) {
			img.SetRGBA(p.X, p.Y, c)
		}
		if p := image.Pt(ix, iy+d); p.In(img.Bounds()) {
			img.SetRGBA(p.X, p.Y, c)
		}
	}
}
