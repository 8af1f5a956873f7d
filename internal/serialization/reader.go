package serialization

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"os"

	"github.com/born-ml/deltagraph/internal/autodiff"
	"github.com/born-ml/deltagraph/internal/errs"
	"github.com/born-ml/deltagraph/internal/nn"
	"github.com/born-ml/deltagraph/internal/tensor"
	"github.com/pkg/errors"
)

// Bundle is the decoded content of a stream.
type Bundle struct {
	Layer     json.RawMessage
	Resources *autodiff.Resources
	Metadata  map[string]string // user metadata, reserved keys removed
}

// ReadBundle parses and validates a stream without decoding the layer.
func ReadBundle(r io.Reader) (*Bundle, error) {
	var size uint64
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, errors.Wrapf(errs.ErrInvalidArgument, "read header size: %v", err)
	}
	if size > MaxHeaderSize {
		return nil, errors.Wrapf(ErrHeaderTooLarge, "%d bytes", size)
	}
	headerJSON := make([]byte, size)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, errors.Wrapf(errs.ErrInvalidArgument, "read header: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerJSON, &raw); err != nil {
		return nil, errors.Wrapf(errs.ErrInvalidArgument, "parse header: %v", err)
	}

	meta := map[string]string{}
	if m, ok := raw[metaKey]; ok {
		if err := json.Unmarshal(m, &meta); err != nil {
			return nil, errors.Wrapf(errs.ErrInvalidArgument, "parse metadata: %v", err)
		}
		delete(raw, metaKey)
	}
	tensors := make([]namedInfo, 0, len(raw))
	for name, msg := range raw {
		var info TensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, errors.Wrapf(errs.ErrInvalidArgument, "tensor %q: %v", name, err)
		}
		tensors = append(tensors, namedInfo{name: name, TensorInfo: info})
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read tensor data")
	}
	if err := validateTensors(tensors, int64(len(data))); err != nil {
		return nil, errors.Wrapf(errs.ErrInvalidArgument, "%v", err)
	}
	if sum, ok := meta[MetaChecksum]; ok && sum != checksum(data) {
		return nil, ErrChecksumMismatch
	}
	layer, ok := meta[MetaLayer]
	if !ok {
		return nil, ErrMissingLayer
	}

	res := autodiff.NewResources()
	for _, t := range tensors {
		values := make([]float64, t.Shape[0])
		tensor.Float64.Decode(values, data[t.DataOffsets[0]:t.DataOffsets[1]])
		res.PutFloats(t.name, values)
	}
	delete(meta, MetaLayer)
	delete(meta, MetaChecksum)
	return &Bundle{Layer: json.RawMessage(layer), Resources: res, Metadata: meta}, nil
}

// Read decodes a layer from r with the given registry (nn.DefaultRegistry
// when nil).
func Read(r io.Reader, reg *nn.Registry) (autodiff.Layer, map[string]string, error) {
	b, err := ReadBundle(r)
	if err != nil {
		return nil, nil, err
	}
	if reg == nil {
		reg = nn.DefaultRegistry
	}
	layer, err := reg.Decode(b.Layer, b.Resources)
	if err != nil {
		return nil, nil, err
	}
	return layer, b.Metadata, nil
}

// Load reads a layer from the file at path.
func Load(path string, reg *nn.Registry) (autodiff.Layer, map[string]string, error) {
	//nolint:gosec // G304: path is chosen by the caller
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open file")
	}
	defer f.Close()
	return Read(f, reg)
}
