package serialization

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
)

type namedInfo struct {
	name string
	TensorInfo
}

// validateName rejects names that could escape a directory when blobs
// are extracted, and names that cannot be resource keys.
func validateName(name string) error {
	switch {
	case name == "":
		return &ValidationError{Type: "invalid_name", Details: "empty tensor name"}
	case len(name) > MaxTensorNameLen:
		return &ValidationError{
			Type:    "name_too_long",
			Tensor:  name,
			Details: fmt.Sprintf("length %d > max %d", len(name), MaxTensorNameLen),
		}
	case name == metaKey:
		return &ValidationError{Type: "invalid_name", Tensor: name, Details: "reserved name"}
	case strings.Contains(name, ".."):
		return &ValidationError{Type: "invalid_name", Tensor: name, Details: "contains '..'"}
	case strings.ContainsAny(name, "/\\\x00"):
		return &ValidationError{Type: "invalid_name", Tensor: name, Details: "contains a separator or null byte"}
	}
	return nil
}

// validateTensors checks dtypes, shapes and that offsets neither overlap
// nor leave the data section.
func validateTensors(tensors []namedInfo, dataSize int64) error {
	if len(tensors) > MaxTensorCount {
		return &ValidationError{
			Type:    "too_many_tensors",
			Details: fmt.Sprintf("got %d, max %d", len(tensors), MaxTensorCount),
		}
	}
	sorted := append([]namedInfo(nil), tensors...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].DataOffsets[0] < sorted[j].DataOffsets[0]
	})
	for i, t := range sorted {
		if err := validateName(t.name); err != nil {
			return err
		}
		if t.DType != dtypeF64 {
			return &ValidationError{Type: "unsupported_dtype", Tensor: t.name, Details: t.DType}
		}
		begin, end := t.DataOffsets[0], t.DataOffsets[1]
		if begin < 0 || end < begin {
			return &ValidationError{
				Type:    "negative_offset",
				Tensor:  t.name,
				Details: fmt.Sprintf("offsets [%d, %d]", begin, end),
			}
		}
		if end > dataSize {
			return &ValidationError{
				Type:    "out_of_bounds",
				Tensor:  t.name,
				Details: fmt.Sprintf("end %d > data size %d", end, dataSize),
			}
		}
		n := end - begin
		if len(t.Shape) != 1 || t.Shape[0] < 0 || n%8 != 0 || t.Shape[0] != n/8 {
			return &ValidationError{
				Type:    "shape_mismatch",
				Tensor:  t.name,
				Details: fmt.Sprintf("shape %v does not cover %d bytes", t.Shape, end-begin),
			}
		}
		if i < len(sorted)-1 && end > sorted[i+1].DataOffsets[0] {
			next := sorted[i+1]
			return &ValidationError{
				Type:    "offset_overlap",
				Tensor:  t.name,
				Tensor2: next.name,
				Details: fmt.Sprintf("regions [%d-%d] and [%d-%d] overlap", begin, end, next.DataOffsets[0], next.DataOffsets[1]),
			}
		}
	}
	return nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}
