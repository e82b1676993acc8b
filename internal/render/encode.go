package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/fogleman/gg"
)

// EncoderConfig contains frame encoder configuration.
type EncoderConfig struct {
	// Background fills a frame before rendering. Rows an interrupted run
	// never reached keep this color.
	Background color.Color
	// MarkIncomplete draws a small marker on frames that did not complete.
	MarkIncomplete bool
}

// Encoder hands out pooled drawing contexts and encodes them as PNG.
type Encoder struct {
	config     EncoderConfig
	pools      sync.Map // image.Point -> *sync.Pool of *gg.Context
	bufferPool sync.Pool
}

// NewEncoder creates a new frame encoder.
func NewEncoder(cfg EncoderConfig) *Encoder {
	if cfg.Background == nil {
		cfg.Background = color.Black
	}
	return &Encoder{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
}

// Frame is a pooled raster being rendered into. Release it when done.
type Frame struct {
	enc  *Encoder
	size image.Point
	dc   *gg.Context
}

// Acquire returns a cleared frame of the given size.
func (e *Encoder) Acquire(width, height int) *Frame {
	size := image.Pt(width, height)
	p, _ := e.pools.LoadOrStore(size, &sync.Pool{
		New: func() interface{} {
			return gg.NewContext(width, height)
		},
	})
	dc := p.(*sync.Pool).Get().(*gg.Context)

	dc.SetColor(e.config.Background)
	dc.Clear()
	return &Frame{enc: e, size: size, dc: dc}
}

// Target returns the frame as a render target.
func (f *Frame) Target() ImageTarget {
	return NewImageTarget(f.dc.Image().(*image.RGBA))
}

// Encode returns the frame as PNG. Incomplete frames get the marker if the
// encoder is configured to draw it.
func (f *Frame) Encode(complete bool) ([]byte, error) {
	if !complete && f.enc.config.MarkIncomplete {
		f.drawIncompleteMarker()
	}
	return f.enc.encodeContext(f.dc)
}

// Release returns the frame to its pool. The frame must not be used after.
func (f *Frame) Release() {
	if p, ok := f.enc.pools.Load(f.size); ok {
		p.(*sync.Pool).Put(f.dc)
	}
	f.dc = nil
}

func (f *Frame) drawIncompleteMarker() {
	r := float64(f.size.X) / 64
	if r < 2 {
		r = 2
	}
	dc := f.dc
	dc.SetRGBA(1, 0.55, 0, 0.85)
	dc.DrawCircle(float64(f.size.X)-2*r, 2*r, r)
	dc.Fill()
}

func (e *Encoder) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := e.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		e.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// EmptyPNG returns a transparent image of the given size.
func (e *Encoder) EmptyPNG(width, height int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	buf := bytes.NewBuffer(nil)
	if err := png.Encode(buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
