package zarr

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Metadata describes a multi-resolution, multi-setup, time-series volume
// store. It is read from metadata.json at the store root.
type Metadata struct {
	Name          string      `json:"name"`
	FormatVersion string      `json:"format_version"`
	Timepoints    int         `json:"timepoints"`
	Setups        []SetupInfo `json:"setups"`
	Levels        []LevelInfo `json:"levels"`
}

// SetupInfo describes one setup (channel or view).
type SetupInfo struct {
	Name         string     `json:"name"`
	DisplayRange [2]float32 `json:"display_range"`
}

// LevelInfo describes one resolution level. Level 0 is the finest. Extents
// are given in x, y, z order.
type LevelInfo struct {
	Dims         [3]int64   `json:"dims"`
	CellDims     [3]int     `json:"cell_dims"`
	Downsampling [3]float64 `json:"downsampling"`
}

func (m *Metadata) validate() error {
	if m.Timepoints <= 0 {
		return fmt.Errorf("invalid metadata: timepoints must be positive, got %d", m.Timepoints)
	}
	if len(m.Setups) == 0 {
		return fmt.Errorf("invalid metadata: no setups")
	}
	if len(m.Levels) == 0 {
		return fmt.Errorf("invalid metadata: no levels")
	}
	for i, l := range m.Levels {
		for d := 0; d < 3; d++ {
			if l.Dims[d] <= 0 || l.CellDims[d] <= 0 {
				return fmt.Errorf("invalid metadata: level %d has dims %v cell dims %v", i, l.Dims, l.CellDims)
			}
		}
	}
	return nil
}

// arrayPath returns the store-relative path of the array holding one image.
func arrayPath(timepoint, setup, level int) string {
	return fmt.Sprintf("t%d/s%d/%d", timepoint, setup, level)
}

// ZarrV3ArrayMeta represents Zarr v3 array metadata (zarr.json). Shape and
// chunk shape are in z, y, x order.
type ZarrV3ArrayMeta struct {
	Shape     []int64 `json:"shape"`
	DataType  string  `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue interface{} `json:"fill_value"`
	Codecs    []struct {
		Name          string                 `json:"name"`
		Configuration map[string]interface{} `json:"configuration"`
	} `json:"codecs"`
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
}

// array is the decoded form of a 3D array's metadata, in x, y, z order.
type array struct {
	path      string
	shape     [3]int64
	chunk     [3]int
	dtype     dataType
	fill      float32
	zstd      bool
	bigEndian bool
	keyPrefix string
	sep       string
}

func parseArrayMeta(path string, data []byte) (*array, error) {
	var meta ZarrV3ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse %s/zarr.json: %w", path, err)
	}
	if meta.ZarrFormat != 0 && meta.ZarrFormat != 3 {
		return nil, fmt.Errorf("%s: unsupported zarr_format %d", path, meta.ZarrFormat)
	}

	chunkShape := meta.ChunkGrid.Configuration.ChunkShape
	if len(meta.Shape) != 3 || len(chunkShape) != 3 {
		return nil, fmt.Errorf("%s: expected a 3D array, got shape %v chunk shape %v", path, meta.Shape, chunkShape)
	}

	a := &array{path: path}
	for d := 0; d < 3; d++ {
		a.shape[d] = meta.Shape[2-d]
		a.chunk[d] = chunkShape[2-d]
		if a.chunk[d] <= 0 {
			return nil, fmt.Errorf("%s: invalid chunk shape %v", path, chunkShape)
		}
	}

	dt, err := parseDataType(meta.DataType)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	a.dtype = dt

	fill, err := parseFillValue(meta.FillValue)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	a.fill = fill

	for _, c := range meta.Codecs {
		switch c.Name {
		case "bytes":
			if endian, _ := c.Configuration["endian"].(string); endian == "big" {
				a.bigEndian = true
			}
		case "zstd":
			a.zstd = true
		default:
			return nil, fmt.Errorf("%s: unsupported codec %q", path, c.Name)
		}
	}

	a.sep = meta.ChunkKeyEncoding.Configuration.Separator
	switch meta.ChunkKeyEncoding.Name {
	case "", "default":
		if a.sep == "" {
			a.sep = "/"
		}
		a.keyPrefix = "c" + a.sep
	case "v2":
		if a.sep == "" {
			a.sep = "."
		}
	default:
		return nil, fmt.Errorf("%s: unsupported chunk_key_encoding %q", path, meta.ChunkKeyEncoding.Name)
	}
	return a, nil
}

// chunkKey returns the store-relative key of the chunk at grid position pos
// (x, y, z).
func (a *array) chunkKey(pos [3]int64) string {
	return a.path + "/" + a.keyPrefix +
		strconv.FormatInt(pos[2], 10) + a.sep +
		strconv.FormatInt(pos[1], 10) + a.sep +
		strconv.FormatInt(pos[0], 10)
}

func (a *array) chunkLen() int {
	return a.chunk[0] * a.chunk[1] * a.chunk[2]
}

func parseFillValue(v interface{}) (float32, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return float32(t), nil
	case string:
		switch strings.ToLower(t) {
		case "nan":
			return float32(math.NaN()), nil
		case "infinity":
			return float32(math.Inf(1)), nil
		case "-infinity":
			return float32(math.Inf(-1)), nil
		}
	}
	return 0, fmt.Errorf("unsupported fill_value %v (%T)", v, v)
}
