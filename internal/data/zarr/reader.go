// Package zarr reads multi-resolution volume stores laid out as Zarr v3
// arrays, one array per (timepoint, setup, level).
package zarr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/cellview/server/internal/cache"
	"github.com/cellview/server/internal/volume"
)

// ErrOutOfRange is returned for timepoint, setup or level indices outside
// the store.
var ErrOutOfRange = errors.New("coordinates out of range")

// Options configures a Reader.
type Options struct {
	// Cache keeps compressed chunks and raw metadata. Optional.
	Cache  *cache.Manager
	Logger *zap.Logger
}

// Reader provides access to the volumes of a store. It implements
// volume.ArrayLoader and is safe for concurrent use.
type Reader struct {
	src      ChunkSource
	metadata *Metadata
	cache    *cache.Manager
	log      *zap.Logger
	decoder  *zstd.Decoder

	mu     sync.RWMutex
	arrays map[string]*array
}

var _ volume.ArrayLoader = (*Reader)(nil)

// Open reads the store metadata and returns a reader.
func Open(ctx context.Context, src ChunkSource, opts Options) (*Reader, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	r := &Reader{
		src:     src,
		cache:   opts.Cache,
		log:     opts.Logger,
		decoder: decoder,
		arrays:  make(map[string]*array),
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}

	if err := r.loadMetadata(ctx); err != nil {
		decoder.Close()
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}

	r.log.Info("opened volume store",
		zap.String("store", src.Name()),
		zap.String("name", r.metadata.Name),
		zap.Int("timepoints", r.metadata.Timepoints),
		zap.Int("setups", len(r.metadata.Setups)),
		zap.Int("levels", len(r.metadata.Levels)),
	)
	return r, nil
}

// Metadata returns the store metadata.
func (r *Reader) Metadata() *Metadata {
	return r.metadata
}

func (r *Reader) loadMetadata(ctx context.Context) error {
	data, err := r.readMeta(ctx, "metadata.json")
	if err != nil {
		return err
	}

	var metadata Metadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return fmt.Errorf("failed to parse metadata.json: %w", err)
	}
	if err := metadata.validate(); err != nil {
		return err
	}
	for i := range metadata.Levels {
		if metadata.Levels[i].Downsampling == ([3]float64{}) {
			metadata.Levels[i].Downsampling = [3]float64{1, 1, 1}
		}
	}

	r.metadata = &metadata
	return nil
}

// readMeta reads a metadata object through the metadata cache.
func (r *Reader) readMeta(ctx context.Context, key string) ([]byte, error) {
	cacheKey := cache.MetaKey(r.src.Name(), key)
	if r.cache != nil {
		if data, ok := r.cache.GetMeta(cacheKey); ok {
			return data, nil
		}
	}

	data, err := r.src.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.SetMeta(cacheKey, data)
	}
	return data, nil
}

// checkRange validates image coordinates.
func (r *Reader) checkRange(timepoint, setup, level int) error {
	m := r.metadata
	if timepoint < 0 || timepoint >= m.Timepoints ||
		setup < 0 || setup >= len(m.Setups) ||
		level < 0 || level >= len(m.Levels) {
		return fmt.Errorf("%w: timepoint %d setup %d level %d", ErrOutOfRange, timepoint, setup, level)
	}
	return nil
}

// Grid returns the cell grid of a resolution level.
func (r *Reader) Grid(level int) (volume.Grid, error) {
	if level < 0 || level >= len(r.metadata.Levels) {
		return volume.Grid{}, fmt.Errorf("%w: level %d", ErrOutOfRange, level)
	}
	l := r.metadata.Levels[level]
	return volume.Grid{Dims: l.Dims, CellDims: l.CellDims}, nil
}

// array returns the parsed metadata of one image array.
func (r *Reader) array(ctx context.Context, timepoint, setup, level int) (*array, error) {
	if err := r.checkRange(timepoint, setup, level); err != nil {
		return nil, err
	}
	path := arrayPath(timepoint, setup, level)

	r.mu.RLock()
	a, ok := r.arrays[path]
	r.mu.RUnlock()
	if ok {
		return a, nil
	}

	data, err := r.readMeta(ctx, path+"/zarr.json")
	if err != nil {
		return nil, fmt.Errorf("failed to load %s metadata: %w", path, err)
	}
	a, err = parseArrayMeta(path, data)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.arrays[path]; ok {
		a = existing
	} else {
		r.arrays[path] = a
	}
	r.mu.Unlock()
	return a, nil
}

// EmptyArray implements volume.ArrayLoader. Cells that are not loaded yet
// carry no data and sample as zero.
func (r *Reader) EmptyArray(dims []int) []float32 {
	return nil
}

// LoadArray implements volume.ArrayLoader. It reads every chunk overlapping
// the region of extent dims at min, in x, y, z order, with x varying
// fastest in the result. Missing chunks read as the fill value.
func (r *Reader) LoadArray(ctx context.Context, timepoint, setup, level int, dims []int, min []int64) ([]float32, error) {
	if len(dims) != 3 || len(min) != 3 {
		return nil, fmt.Errorf("expected 3D region, got dims %v min %v", dims, min)
	}
	a, err := r.array(ctx, timepoint, setup, level)
	if err != nil {
		return nil, err
	}

	var lo, hi [3]int64
	for d := 0; d < 3; d++ {
		if dims[d] <= 0 || min[d] < 0 || min[d]+int64(dims[d]) > a.shape[d] {
			return nil, fmt.Errorf("%w: region %v+%v outside %s shape %v", ErrOutOfRange, min, dims, a.path, a.shape)
		}
		lo[d] = min[d] / int64(a.chunk[d])
		hi[d] = (min[d] + int64(dims[d]) - 1) / int64(a.chunk[d])
	}

	out := make([]float32, dims[0]*dims[1]*dims[2])
	for cz := lo[2]; cz <= hi[2]; cz++ {
		for cy := lo[1]; cy <= hi[1]; cy++ {
			for cx := lo[0]; cx <= hi[0]; cx++ {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				pos := [3]int64{cx, cy, cz}
				chunk, err := r.readChunk(ctx, a, pos)
				if err != nil {
					return nil, err
				}
				copyRegion(out, dims, min, chunk, a, pos)
			}
		}
	}
	return out, nil
}

// readChunk returns the decoded samples of one chunk, or nil for a chunk
// that is not stored (all fill value).
func (r *Reader) readChunk(ctx context.Context, a *array, pos [3]int64) ([]float32, error) {
	key := a.chunkKey(pos)
	cacheKey := cache.ChunkKey(r.src.Name(), key)

	var raw []byte
	if r.cache != nil {
		raw, _ = r.cache.GetChunk(cacheKey)
	}
	if raw == nil {
		data, err := r.src.Read(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read chunk %s: %w", key, err)
		}
		raw = data
		if r.cache != nil {
			if err := r.cache.SetChunk(cacheKey, raw); err != nil {
				r.log.Debug("chunk not cached", zap.String("key", key), zap.Error(err))
			}
		}
	}

	if a.zstd {
		decompressed, err := r.decoder.DecodeAll(raw, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress %s failed: %w", key, err)
		}
		raw = decompressed
	}

	samples, err := decodeSamples(a.dtype, raw, a.chunkLen(), a.bigEndian)
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", key, err)
	}
	return samples, nil
}

// copyRegion copies the part of chunk at grid position pos that overlaps the
// region (dims, min) into out. A nil chunk is copied as the fill value.
func copyRegion(out []float32, dims []int, min []int64, chunk []float32, a *array, pos [3]int64) {
	var from, to [3]int64
	for d := 0; d < 3; d++ {
		c := int64(a.chunk[d])
		from[d] = maxInt64(pos[d]*c, min[d])
		to[d] = minInt64((pos[d]+1)*c, min[d]+int64(dims[d]))
	}

	cx, cy := int64(a.chunk[0]), int64(a.chunk[1])
	dx, dy := int64(dims[0]), int64(dims[1])
	for z := from[2]; z < to[2]; z++ {
		for y := from[1]; y < to[1]; y++ {
			o := (from[0] - min[0]) + dx*((y-min[1])+dy*(z-min[2]))
			if chunk == nil {
				for x := from[0]; x < to[0]; x++ {
					out[o+x-from[0]] = a.fill
				}
				continue
			}
			lz, ly := z-pos[2]*int64(a.chunk[2]), y-pos[1]*cy
			s := (from[0] - pos[0]*cx) + cx*(ly+cy*lz)
			copy(out[o:o+to[0]-from[0]], chunk[s:s+to[0]-from[0]])
		}
	}
}

// Close releases resources.
func (r *Reader) Close() {
	if r.decoder != nil {
		r.decoder.Close()
	}
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
