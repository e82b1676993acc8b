package colormap

import (
	"image/color"
	"math"
	"testing"
)

func TestGrayEndpoints(t *testing.T) {
	t.Parallel()

	if c := Gray.At(0); c != (color.RGBA{0, 0, 0, 255}) {
		t.Fatalf("unexpected Gray.At(0): %#v", c)
	}
	if c := Gray.At(1); c != (color.RGBA{255, 255, 255, 255}) {
		t.Fatalf("unexpected Gray.At(1): %#v", c)
	}
	if c := Gray.At(0.5); c != (color.RGBA{128, 128, 128, 255}) {
		t.Fatalf("unexpected Gray.At(0.5): %#v", c)
	}
}

func TestLinearClampsAndHandlesNaN(t *testing.T) {
	t.Parallel()

	if c := Fire.At(-3); c != Fire.At(0) {
		t.Fatalf("negative values should clamp to the first stop: %#v", c)
	}
	if c := Fire.At(7); c != (color.RGBA{255, 255, 255, 255}) {
		t.Fatalf("values above 1 should clamp to the last stop: %#v", c)
	}
	if c := Viridis.At(math.NaN()); c != Viridis.At(0) {
		t.Fatalf("NaN should map to the first stop: %#v", c)
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()

	for _, name := range Names() {
		if _, err := Lookup(name); err != nil {
			t.Fatalf("Lookup(%q): %v", name, err)
		}
	}
	if _, err := Lookup("seurat"); err == nil {
		t.Fatalf("expected error for unknown colormap")
	}
}

func TestTintWraps(t *testing.T) {
	t.Parallel()

	if Tint(0).At(1) != Tint(len(channelTints)).At(1) {
		t.Fatalf("tints should wrap around")
	}
	if c := Tint(1).At(1); c != (color.RGBA{255, 0, 255, 255}) {
		t.Fatalf("unexpected second tint: %#v", c)
	}
}

func TestDisplayConvert(t *testing.T) {
	t.Parallel()

	d := Display{Min: 100, Max: 300, Map: Gray}
	tests := []struct {
		v    float32
		want uint8
	}{
		{0, 0},
		{100, 0},
		{200, 128},
		{300, 255},
		{1000, 255},
	}
	for _, tt := range tests {
		if got := d.Convert(tt.v); got.R != tt.want {
			t.Errorf("Convert(%v).R = %d, want %d", tt.v, got.R, tt.want)
		}
	}

	flat := Display{Min: 5, Max: 5, Map: Gray}
	if got := flat.Convert(5); got.R != 0 {
		t.Errorf("degenerate range: got %d", got.R)
	}
}
