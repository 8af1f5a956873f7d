// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package serialization saves a layer and its weights as one SafeTensors
// stream.
//
// The layer document is kept in the header metadata and every weight
// buffer becomes a 1-D F64 tensor, so the file opens in any SafeTensors
// reader. Decoding nested networks requires the dag package to be linked
// in.
//
//	if err := serialization.Save("model.safetensors", net, map[string]string{"epoch": "3"}); err != nil {
//	    return err
//	}
//	layer, meta, err := serialization.Load("model.safetensors", nil)
package serialization

import (
	"io"

	"github.com/born-ml/deltagraph/internal/autodiff"
	"github.com/born-ml/deltagraph/internal/nn"
	"github.com/born-ml/deltagraph/internal/serialization"

	// Registers the network class.
	_ "github.com/born-ml/deltagraph/internal/dag"
)

// Bundle is the decoded content of a stream.
type Bundle = serialization.Bundle

// Errors.
var (
	ErrChecksumMismatch = serialization.ErrChecksumMismatch
	ErrHeaderTooLarge   = serialization.ErrHeaderTooLarge
	ErrMissingLayer     = serialization.ErrMissingLayer
)

// Write serializes layer to w.
func Write(w io.Writer, layer autodiff.Layer, metadata map[string]string) error {
	return serialization.Write(w, layer, metadata)
}

// Read decodes a layer. A nil registry means nn.DefaultRegistry.
func Read(r io.Reader, reg *nn.Registry) (autodiff.Layer, map[string]string, error) {
	return serialization.Read(r, reg)
}

// ReadBundle parses a stream without decoding the layer.
func ReadBundle(r io.Reader) (*Bundle, error) {
	return serialization.ReadBundle(r)
}

// Save writes layer to the file at path.
func Save(path string, layer autodiff.Layer, metadata map[string]string) error {
	return serialization.Save(path, layer, metadata)
}

// Load reads a layer from the file at path.
func Load(path string, reg *nn.Registry) (autodiff.Layer, map[string]string, error) {
	return serialization.Load(path, reg)
}
