package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}

func TestEncoder_RoundTripsFrame(t *testing.T) {
	enc := NewEncoder(EncoderConfig{Background: color.White})
	f := enc.Acquire(8, 4)
	defer f.Release()

	target := f.Target()
	require.Equal(t, image.Rect(0, 0, 8, 4), target.Bounds())
	target.Set(1, 2, color.RGBA{R: 10, G: 20, B: 30, A: 255})

	data, err := f.Encode(true)
	require.NoError(t, err)

	img := decode(t, data)
	assert.Equal(t, image.Rect(0, 0, 8, 4), img.Bounds())
	r, g, b, _ := img.At(1, 2).RGBA()
	assert.Equal(t, []uint32{10, 20, 30}, []uint32{r >> 8, g >> 8, b >> 8})
	r, g, b, _ = img.At(0, 0).RGBA()
	assert.Equal(t, []uint32{255, 255, 255}, []uint32{r >> 8, g >> 8, b >> 8})
}

func TestEncoder_MarksIncompleteFrames(t *testing.T) {
	enc := NewEncoder(EncoderConfig{MarkIncomplete: true})

	f := enc.Acquire(64, 64)
	complete, err := f.Encode(true)
	require.NoError(t, err)
	f.Release()

	f = enc.Acquire(64, 64)
	partial, err := f.Encode(false)
	require.NoError(t, err)
	f.Release()

	// The marker sits at the top right corner.
	_, _, _, a := decode(t, complete).At(60, 4).RGBA()
	r, _, _, _ := decode(t, partial).At(60, 4).RGBA()
	assert.Equal(t, uint32(0xffff), a)
	assert.Greater(t, r>>8, uint32(128))

	// Pooled contexts are cleared on reuse.
	f = enc.Acquire(64, 64)
	defer f.Release()
	assert.Equal(t, color.RGBA{A: 255}, f.Target().Image().RGBAAt(60, 4))
}

func TestEncoder_EmptyPNG(t *testing.T) {
	enc := NewEncoder(EncoderConfig{})
	data, err := enc.EmptyPNG(3, 2)
	require.NoError(t, err)

	img := decode(t, data)
	assert.Equal(t, image.Rect(0, 0, 3, 2), img.Bounds())
	_, _, _, a := img.At(1, 1).RGBA()
	assert.Equal(t, uint32(0), a)
}
