// Package colormap maps scalar voxel intensities to display colors.
package colormap

import (
	"fmt"
	"image/color"
	"math"
	"sort"
)

// Colormap maps normalized values in [0, 1] to colors.
type Colormap interface {
	At(t float64) color.RGBA
}

// Linear interpolates between evenly spaced color stops.
type Linear struct {
	stops []color.RGBA
}

// NewLinear creates a colormap from at least two stops.
func NewLinear(stops ...color.RGBA) Linear {
	if len(stops) == 1 {
		stops = append(stops, stops[0])
	}
	return Linear{stops: stops}
}

// At returns the color at position t. NaN maps to the first stop.
func (c Linear) At(t float64) color.RGBA {
	if !(t > 0) {
		return c.stops[0]
	}
	if t >= 1 {
		return c.stops[len(c.stops)-1]
	}

	pos := t * float64(len(c.stops)-1)
	lower := int(pos)
	return lerp(c.stops[lower], c.stops[lower+1], pos-float64(lower))
}

func lerp(a, b color.RGBA, t float64) color.RGBA {
	mix := func(x, y uint8) uint8 {
		return uint8(math.Round(float64(x) + t*(float64(y)-float64(x))))
	}
	return color.RGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: 255}
}

// Gray ramps from black to white.
var Gray = NewLinear(
	color.RGBA{0, 0, 0, 255},
	color.RGBA{255, 255, 255, 255},
)

// Fire is the ImageJ "fire" lookup table, sampled.
var Fire = NewLinear(
	color.RGBA{0, 0, 0, 255},
	color.RGBA{0, 0, 124, 255},
	color.RGBA{72, 0, 185, 255},
	color.RGBA{144, 0, 176, 255},
	color.RGBA{206, 10, 88, 255},
	color.RGBA{248, 62, 0, 255},
	color.RGBA{255, 130, 0, 255},
	color.RGBA{255, 197, 0, 255},
	color.RGBA{255, 255, 255, 255},
)

// Viridis colormap (matplotlib viridis)
var Viridis = NewLinear(
	color.RGBA{68, 1, 84, 255},
	color.RGBA{72, 35, 116, 255},
	color.RGBA{64, 67, 135, 255},
	color.RGBA{52, 94, 141, 255},
	color.RGBA{41, 120, 142, 255},
	color.RGBA{32, 144, 140, 255},
	color.RGBA{34, 167, 132, 255},
	color.RGBA{68, 190, 112, 255},
	color.RGBA{121, 209, 81, 255},
	color.RGBA{189, 222, 38, 255},
	color.RGBA{253, 231, 37, 255},
)

// Magma colormap
var Magma = NewLinear(
	color.RGBA{0, 0, 4, 255},
	color.RGBA{28, 16, 68, 255},
	color.RGBA{79, 18, 123, 255},
	color.RGBA{129, 37, 129, 255},
	color.RGBA{181, 54, 122, 255},
	color.RGBA{229, 80, 100, 255},
	color.RGBA{251, 135, 97, 255},
	color.RGBA{254, 194, 135, 255},
	color.RGBA{252, 253, 191, 255},
)

// Inferno colormap
var Inferno = NewLinear(
	color.RGBA{0, 0, 4, 255},
	color.RGBA{40, 11, 84, 255},
	color.RGBA{101, 21, 110, 255},
	color.RGBA{159, 42, 99, 255},
	color.RGBA{212, 72, 66, 255},
	color.RGBA{245, 125, 21, 255},
	color.RGBA{250, 193, 39, 255},
	color.RGBA{252, 255, 164, 255},
)

var byName = map[string]Colormap{
	"gray":    Gray,
	"fire":    Fire,
	"viridis": Viridis,
	"magma":   Magma,
	"inferno": Inferno,
}

// Lookup returns the colormap registered under name.
func Lookup(name string) (Colormap, error) {
	c, ok := byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown colormap %q (have %v)", name, Names())
	}
	return c, nil
}

// Names lists the registered colormaps in sorted order.
func Names() []string {
	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// channelTints are the colors assigned to setups (channels) in order.
var channelTints = []color.RGBA{
	{0, 255, 0, 255},   // Green
	{255, 0, 255, 255}, // Magenta
	{0, 255, 255, 255}, // Cyan
	{255, 0, 0, 255},   // Red
	{255, 255, 0, 255}, // Yellow
	{0, 0, 255, 255},   // Blue
	{255, 127, 14, 255},
	{148, 103, 189, 255},
}

// Tint returns a black-to-color ramp for setup index i (wraps around).
func Tint(i int) Linear {
	if i < 0 {
		i = -i
	}
	return NewLinear(color.RGBA{0, 0, 0, 255}, channelTints[i%len(channelTints)])
}

// Display maps raw intensities in [Min, Max] through Map. Values outside the
// range saturate.
type Display struct {
	Min float32
	Max float32
	Map Colormap
}

// Convert returns the display color for v. It is safe for concurrent use.
func (d Display) Convert(v float32) color.RGBA {
	span := d.Max - d.Min
	if span == 0 {
		span = 1
	}
	return d.Map.At(float64((v - d.Min) / span))
}
