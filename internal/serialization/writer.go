package serialization

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"

	"github.com/born-ml/deltagraph/internal/autodiff"
	"github.com/born-ml/deltagraph/internal/errs"
	"github.com/born-ml/deltagraph/internal/tensor"
	"github.com/pkg/errors"
)

// Write serializes layer and its weights to w. metadata is copied into
// the header; the reserved keys are overwritten.
func Write(w io.Writer, layer autodiff.Layer, metadata map[string]string) error {
	res := autodiff.NewResources()
	doc, err := layer.JSON(res)
	if err != nil {
		return errors.WithMessagef(err, "serialize %s", layer.Name())
	}

	names := res.Names()
	header := make(map[string]any, len(names)+1)
	var data bytes.Buffer
	for _, name := range names {
		if err := validateName(name); err != nil {
			return errors.Wrapf(errs.ErrInvalidArgument, "%v", err)
		}
		values, err := res.Floats(name)
		if err != nil {
			return err
		}
		buf := make([]byte, len(values)*tensor.Float64.Size())
		tensor.Float64.Encode(buf, values)
		begin := int64(data.Len())
		data.Write(buf)
		header[name] = TensorInfo{
			DType:       dtypeF64,
			Shape:       []int64{int64(len(values))},
			DataOffsets: [2]int64{begin, int64(data.Len())},
		}
	}

	meta := make(map[string]string, len(metadata)+2)
	for k, v := range metadata {
		meta[k] = v
	}
	meta[MetaLayer] = string(doc)
	meta[MetaChecksum] = checksum(data.Bytes())
	header[metaKey] = meta

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "marshal header")
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return errors.Wrap(err, "write header size")
	}
	if _, err := w.Write(headerJSON); err != nil {
		return errors.Wrap(err, "write header")
	}
	if _, err := w.Write(data.Bytes()); err != nil {
		return errors.Wrap(err, "write tensor data")
	}
	return nil
}

// Save writes layer to a file at path.
func Save(path string, layer autodiff.Layer, metadata map[string]string) (err error) {
	//nolint:gosec // G304: path is chosen by the caller
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create file")
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = errors.Wrap(cerr, "close file")
		}
	}()
	return Write(f, layer, metadata)
}
