package zarr

import (
	"encoding/binary"
	"fmt"
	"math"
)

type dataType int

const (
	uint8Type dataType = iota
	uint16Type
	int16Type
	int32Type
	uint32Type
	float32Type
)

func parseDataType(name string) (dataType, error) {
	switch name {
	case "uint8":
		return uint8Type, nil
	case "uint16":
		return uint16Type, nil
	case "int16":
		return int16Type, nil
	case "int32":
		return int32Type, nil
	case "uint32":
		return uint32Type, nil
	case "float32":
		return float32Type, nil
	default:
		return 0, fmt.Errorf("unsupported zarr data_type: %s", name)
	}
}

func (t dataType) size() int {
	switch t {
	case uint8Type:
		return 1
	case uint16Type, int16Type:
		return 2
	default:
		return 4
	}
}

// decodeSamples converts n raw samples to float32.
func decodeSamples(t dataType, raw []byte, n int, bigEndian bool) ([]float32, error) {
	if len(raw) < n*t.size() {
		return nil, fmt.Errorf("chunk too short: got %d bytes, expected %d", len(raw), n*t.size())
	}

	var order binary.ByteOrder = binary.LittleEndian
	if bigEndian {
		order = binary.BigEndian
	}

	out := make([]float32, n)
	switch t {
	case uint8Type:
		for i := range out {
			out[i] = float32(raw[i])
		}
	case uint16Type:
		for i := range out {
			out[i] = float32(order.Uint16(raw[2*i:]))
		}
	case int16Type:
		for i := range out {
			out[i] = float32(int16(order.Uint16(raw[2*i:])))
		}
	case int32Type:
		for i := range out {
			out[i] = float32(int32(order.Uint32(raw[4*i:])))
		}
	case uint32Type:
		for i := range out {
			out[i] = float32(order.Uint32(raw[4*i:]))
		}
	case float32Type:
		for i := range out {
			out[i] = math.Float32frombits(order.Uint32(raw[4*i:]))
		}
	}
	return out, nil
}
