package render

import (
	"image"
	"image/color"
)

// ImageTarget adapts an *image.RGBA to Target[color.RGBA]. Bands write
// disjoint rows, so concurrent Set calls are safe.
type ImageTarget struct {
	img *image.RGBA
}

// NewImageTarget wraps img.
func NewImageTarget(img *image.RGBA) ImageTarget {
	return ImageTarget{img: img}
}

func (t ImageTarget) Bounds() image.Rectangle { return t.img.Bounds() }

func (t ImageTarget) Set(x, y int, c color.RGBA) {
	i := t.img.PixOffset(x, y)
	p := t.img.Pix[i : i+4 : i+4]
	p[0], p[1], p[2], p[3] = c.R, c.G, c.B, c.A
}

// Image returns the wrapped image.
func (t ImageTarget) Image() *image.RGBA { return t.img }
