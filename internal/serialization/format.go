// Package serialization stores a layer and its weights in one SafeTensors
// stream.
//
//	Format:
//	  [8 bytes: header size (uint64 LE)]
//	  [header: JSON, tensor entries plus "__metadata__"]
//	  [tensor data: raw little-endian F64 bytes, sorted by name]
//
// The layer document produced by Layer.JSON is kept in the metadata under
// "layer"; every blob of autodiff.Resources becomes a 1-D F64 tensor. A
// SHA-256 checksum of the data section is kept under "sha256" and
// verified on read.
package serialization

import (
	"errors"
	"fmt"
)

// Metadata keys reserved by the format.
const (
	MetaLayer    = "layer"
	MetaChecksum = "sha256"
	metaKey      = "__metadata__"
	dtypeF64     = "F64"
)

// Limits applied to untrusted input.
const (
	MaxHeaderSize    = 100 * 1024 * 1024 // 100MB
	MaxTensorCount   = 100_000
	MaxTensorNameLen = 4096
)

// Common errors.
var (
	ErrChecksumMismatch = errors.New("checksum mismatch: data may be corrupted")
	ErrHeaderTooLarge   = errors.New("header exceeds maximum size")
	ErrMissingLayer     = errors.New("stream holds no layer document")
)

// TensorInfo describes a tensor entry of the header.
type TensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// ValidationError describes a malformed header.
type ValidationError struct {
	Type    string // e.g. "offset_overlap", "out_of_bounds"
	Tensor  string
	Tensor2 string // second tensor of an overlap
	Details string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Tensor2 != "" {
		return fmt.Sprintf("%s: tensors %q and %q: %s", e.Type, e.Tensor, e.Tensor2, e.Details)
	}
	if e.Tensor != "" {
		return fmt.Sprintf("%s: tensor %q: %s", e.Type, e.Tensor, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Details)
}
