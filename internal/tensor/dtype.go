package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Precision is the storage width used when a tensor list lives in backend
// memory. Host tensors are always float64; reduced precision only affects
// the device copy.
type Precision int

// Supported storage precisions.
const (
	Float64 Precision = iota
	Float32
)

// Size returns the byte size of one element.
func (p Precision) Size() int {
	switch p {
	case Float64:
		return 8
	case Float32:
		return 4
	default:
		panic("unknown precision")
	}
}

// String returns a human-readable name for the precision.
func (p Precision) String() string {
	switch p {
	case Float64:
		return "float64"
	case Float32:
		return "float32"
	default:
		return "unknown"
	}
}

// Encode writes src into dst using little-endian encoding.
// dst must hold at least len(src)*p.Size() bytes.
func (p Precision) Encode(dst []byte, src []float64) {
	switch p {
	case Float64:
		for i, v := range src {
			binary.LittleEndian.PutUint64(dst[i*8:], math.Float64bits(v))
		}
	case Float32:
		for i, v := range src {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(float32(v)))
		}
	default:
		panic(fmt.Sprintf("encode: unknown precision %d", p))
	}
}

// Decode reads len(dst) elements from src.
func (p Precision) Decode(dst []float64, src []byte) {
	switch p {
	case Float64:
		for i := range dst {
			dst[i] = math.Float64frombits(binary.LittleEndian.Uint64(src[i*8:]))
		}
	case Float32:
		for i := range dst {
			dst[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:])))
		}
	default:
		panic(fmt.Sprintf("decode: unknown precision %d", p))
	}
}
