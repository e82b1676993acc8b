package zarr

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellview/server/internal/cache"
	"github.com/cellview/server/internal/cellcache"
)

// voxel is the value written at (x, y, z) by writeStore.
func voxel(x, y, z int64) float32 {
	return float32(x + 10*y + 100*z)
}

type storeLayout struct {
	shape     [3]int64 // x, y, z
	chunk     [3]int   // x, y, z
	dtype     string
	zstd      bool
	skip      map[[3]int64]bool
	fillValue interface{}
}

// writeStore writes a one-timepoint, one-setup, one-level store to dir.
func writeStore(t *testing.T, dir string, layout storeLayout) {
	t.Helper()

	meta := Metadata{
		Name:       "test",
		Timepoints: 1,
		Setups:     []SetupInfo{{Name: "ch0", DisplayRange: [2]float32{0, 1000}}},
		Levels:     []LevelInfo{{Dims: layout.shape, CellDims: layout.chunk}},
	}
	writeJSON(t, filepath.Join(dir, "metadata.json"), meta)

	codecs := []map[string]interface{}{
		{"name": "bytes", "configuration": map[string]interface{}{"endian": "little"}},
	}
	if layout.zstd {
		codecs = append(codecs, map[string]interface{}{"name": "zstd", "configuration": map[string]interface{}{"level": 3}})
	}
	arrayDir := filepath.Join(dir, "t0", "s0", "0")
	writeJSON(t, filepath.Join(arrayDir, "zarr.json"), map[string]interface{}{
		"zarr_format": 3,
		"node_type":   "array",
		"shape":       []int64{layout.shape[2], layout.shape[1], layout.shape[0]},
		"data_type":   layout.dtype,
		"chunk_grid": map[string]interface{}{
			"name":          "regular",
			"configuration": map[string]interface{}{"chunk_shape": []int{layout.chunk[2], layout.chunk[1], layout.chunk[0]}},
		},
		"chunk_key_encoding": map[string]interface{}{
			"name":          "default",
			"configuration": map[string]interface{}{"separator": "/"},
		},
		"fill_value": layout.fillValue,
		"codecs":     codecs,
	})

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()

	var n [3]int64
	for d := 0; d < 3; d++ {
		n[d] = (layout.shape[d] + int64(layout.chunk[d]) - 1) / int64(layout.chunk[d])
	}
	for cz := int64(0); cz < n[2]; cz++ {
		for cy := int64(0); cy < n[1]; cy++ {
			for cx := int64(0); cx < n[0]; cx++ {
				if layout.skip[[3]int64{cx, cy, cz}] {
					continue
				}
				raw := encodeChunk(t, layout, [3]int64{cx, cy, cz})
				if layout.zstd {
					raw = enc.EncodeAll(raw, nil)
				}
				p := filepath.Join(arrayDir, "c", fmt.Sprint(cz), fmt.Sprint(cy), fmt.Sprint(cx))
				require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
				require.NoError(t, os.WriteFile(p, raw, 0o644))
			}
		}
	}
}

// encodeChunk encodes a full-size chunk; voxels past the array edge are 0.
func encodeChunk(t *testing.T, layout storeLayout, pos [3]int64) []byte {
	var out []byte
	for lz := 0; lz < layout.chunk[2]; lz++ {
		for ly := 0; ly < layout.chunk[1]; ly++ {
			for lx := 0; lx < layout.chunk[0]; lx++ {
				x := pos[0]*int64(layout.chunk[0]) + int64(lx)
				y := pos[1]*int64(layout.chunk[1]) + int64(ly)
				z := pos[2]*int64(layout.chunk[2]) + int64(lz)
				v := float32(0)
				if x < layout.shape[0] && y < layout.shape[1] && z < layout.shape[2] {
					v = voxel(x, y, z)
				}
				switch layout.dtype {
				case "uint16":
					out = binary.LittleEndian.AppendUint16(out, uint16(v))
				case "float32":
					out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
				default:
					t.Fatalf("unsupported test dtype %s", layout.dtype)
				}
			}
		}
	}
	return out
}

func writeJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func openTestReader(t *testing.T, dir string, m *cache.Manager) *Reader {
	t.Helper()
	r, err := Open(context.Background(), DirSource{Root: dir}, Options{Cache: m})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func checkRegion(t *testing.T, got []float32, dims []int, min []int64) {
	t.Helper()
	require.Len(t, got, dims[0]*dims[1]*dims[2])
	i := 0
	for z := int64(0); z < int64(dims[2]); z++ {
		for y := int64(0); y < int64(dims[1]); y++ {
			for x := int64(0); x < int64(dims[0]); x++ {
				require.Equal(t, voxel(min[0]+x, min[1]+y, min[2]+z), got[i], "voxel %d,%d,%d", min[0]+x, min[1]+y, min[2]+z)
				i++
			}
		}
	}
}

func TestReader_Metadata(t *testing.T) {
	dir := t.TempDir()
	writeStore(t, dir, storeLayout{shape: [3]int64{10, 6, 4}, chunk: [3]int{4, 4, 2}, dtype: "float32", zstd: true})

	r := openTestReader(t, dir, nil)
	m := r.Metadata()
	assert.Equal(t, "test", m.Name)
	assert.Equal(t, [3]float64{1, 1, 1}, m.Levels[0].Downsampling)

	g, err := r.Grid(0)
	require.NoError(t, err)
	assert.Equal(t, [3]int64{10, 6, 4}, g.Dims)
	assert.Equal(t, 3*2*2, g.NumCells())

	_, err = r.Grid(1)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestReader_LoadArrayZstdFloat32(t *testing.T) {
	dir := t.TempDir()
	writeStore(t, dir, storeLayout{shape: [3]int64{10, 6, 4}, chunk: [3]int{4, 4, 2}, dtype: "float32", zstd: true})
	r := openTestReader(t, dir, nil)
	ctx := context.Background()

	// A cell equal to a chunk.
	got, err := r.LoadArray(ctx, 0, 0, 0, []int{4, 4, 2}, []int64{4, 0, 2})
	require.NoError(t, err)
	checkRegion(t, got, []int{4, 4, 2}, []int64{4, 0, 2})

	// A truncated edge cell.
	got, err = r.LoadArray(ctx, 0, 0, 0, []int{2, 2, 2}, []int64{8, 4, 2})
	require.NoError(t, err)
	checkRegion(t, got, []int{2, 2, 2}, []int64{8, 4, 2})

	// A region spanning several chunks.
	got, err = r.LoadArray(ctx, 0, 0, 0, []int{7, 5, 3}, []int64{2, 1, 1})
	require.NoError(t, err)
	checkRegion(t, got, []int{7, 5, 3}, []int64{2, 1, 1})
}

func TestReader_LoadArrayUint16Raw(t *testing.T) {
	dir := t.TempDir()
	writeStore(t, dir, storeLayout{shape: [3]int64{5, 5, 1}, chunk: [3]int{3, 3, 1}, dtype: "uint16"})
	r := openTestReader(t, dir, nil)

	got, err := r.LoadArray(context.Background(), 0, 0, 0, []int{5, 5, 1}, []int64{0, 0, 0})
	require.NoError(t, err)
	checkRegion(t, got, []int{5, 5, 1}, []int64{0, 0, 0})
}

func TestReader_MissingChunkIsFill(t *testing.T) {
	dir := t.TempDir()
	writeStore(t, dir, storeLayout{
		shape:     [3]int64{4, 4, 1},
		chunk:     [3]int{2, 2, 1},
		dtype:     "float32",
		zstd:      true,
		skip:      map[[3]int64]bool{{1, 0, 0}: true},
		fillValue: 7.0,
	})
	r := openTestReader(t, dir, nil)

	got, err := r.LoadArray(context.Background(), 0, 0, 0, []int{4, 2, 1}, []int64{0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 7, 7, 10, 11, 7, 7}, got)
}

func TestReader_Errors(t *testing.T) {
	dir := t.TempDir()
	writeStore(t, dir, storeLayout{shape: [3]int64{4, 4, 2}, chunk: [3]int{2, 2, 2}, dtype: "float32"})
	r := openTestReader(t, dir, nil)
	ctx := context.Background()

	_, err := r.LoadArray(ctx, 1, 0, 0, []int{2, 2, 2}, []int64{0, 0, 0})
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = r.LoadArray(ctx, 0, 3, 0, []int{2, 2, 2}, []int64{0, 0, 0})
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = r.LoadArray(ctx, 0, 0, 0, []int{2, 2, 2}, []int64{3, 0, 0})
	assert.ErrorIs(t, err, ErrOutOfRange)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = r.LoadArray(cancelled, 0, 0, 0, []int{2, 2, 2}, []int64{0, 0, 0})
	require.Error(t, err)
	assert.True(t, cellcache.IsInterrupted(err))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "t0", "s0", "0", "c", "0", "0", "1"), []byte{1, 2}, 0o644))
	_, err = r.LoadArray(ctx, 0, 0, 0, []int{2, 2, 2}, []int64{2, 0, 0})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrOutOfRange))
}

func TestReader_ServesChunksFromCache(t *testing.T) {
	dir := t.TempDir()
	writeStore(t, dir, storeLayout{shape: [3]int64{4, 4, 1}, chunk: [3]int{4, 4, 1}, dtype: "float32", zstd: true})

	m, err := cache.NewManager(cache.Config{ChunkCacheSizeMB: 4, MaxChunkSize: 64 * 1024, MetaCacheSize: 16})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	r := openTestReader(t, dir, m)
	_, err = r.LoadArray(context.Background(), 0, 0, 0, []int{4, 4, 1}, []int64{0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Stats().ChunkEntries)

	require.NoError(t, os.RemoveAll(filepath.Join(dir, "t0")))

	// The first reader still has the array metadata, and the chunk comes
	// from the shared cache.
	got, err := r.LoadArray(context.Background(), 0, 0, 0, []int{4, 4, 1}, []int64{0, 0, 0})
	require.NoError(t, err)
	checkRegion(t, got, []int{4, 4, 1}, []int64{0, 0, 0})
}

func TestParseArrayMeta(t *testing.T) {
	a, err := parseArrayMeta("t0/s0/1", []byte(`{
		"zarr_format": 3, "shape": [2, 3, 4], "data_type": "int16",
		"chunk_grid": {"name": "regular", "configuration": {"chunk_shape": [1, 2, 3]}},
		"chunk_key_encoding": {"name": "v2", "configuration": {"separator": "."}},
		"fill_value": "NaN",
		"codecs": [{"name": "bytes", "configuration": {"endian": "big"}}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, [3]int64{4, 3, 2}, a.shape)
	assert.Equal(t, [3]int{3, 2, 1}, a.chunk)
	assert.True(t, a.bigEndian)
	assert.False(t, a.zstd)
	assert.True(t, math.IsNaN(float64(a.fill)))
	assert.Equal(t, "t0/s0/1/1.0.2", a.chunkKey([3]int64{2, 0, 1}))

	_, err = parseArrayMeta("x", []byte(`{"shape": [2, 2], "data_type": "float32",
		"chunk_grid": {"configuration": {"chunk_shape": [1, 1]}}}`))
	assert.Error(t, err)

	_, err = parseArrayMeta("x", []byte(`{"shape": [1, 1, 1], "data_type": "float32",
		"chunk_grid": {"configuration": {"chunk_shape": [1, 1, 1]}},
		"codecs": [{"name": "blosc"}]}`))
	assert.Error(t, err)
}

func TestDecodeSamples(t *testing.T) {
	got, err := decodeSamples(int16Type, []byte{0xff, 0xfe, 0x00, 0x02}, 2, true)
	require.NoError(t, err)
	assert.Equal(t, []float32{-2, 2}, got)

	got, err = decodeSamples(uint8Type, []byte{3, 250}, 2, false)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 250}, got)

	_, err = decodeSamples(float32Type, []byte{1, 2, 3}, 1, false)
	assert.Error(t, err)
}
