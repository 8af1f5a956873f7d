package serialization_test

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/born-ml/deltagraph/internal/autodiff"
	"github.com/born-ml/deltagraph/internal/dag"
	"github.com/born-ml/deltagraph/internal/errs"
	"github.com/born-ml/deltagraph/internal/nn"
	"github.com/born-ml/deltagraph/internal/serialization"
	"github.com/born-ml/deltagraph/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func network(t *testing.T) *dag.Network {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	n := dag.New(1)
	fc, err := n.AddNamed("fc", nn.NewFullyConnectedRand(tensor.Shape{3}, tensor.Shape{2}, rng), n.Input(0))
	require.NoError(t, err)
	bias := nn.NewBias(tensor.Shape{2})
	bias.SetFrozen(true)
	_, err = n.Add(bias, fc)
	require.NoError(t, err)
	_, err = n.Wrap(nn.NewReLU())
	require.NoError(t, err)
	return n
}

func eval(t *testing.T, l autodiff.Layer) []float64 {
	t.Helper()
	x := autodiff.NewConstant(tensor.MustHostList(tensor.Of(1, -2, 0.5)))
	defer x.FreeRef()
	y, err := l.Eval(x)
	require.NoError(t, err)
	defer y.FreeRef()
	item := y.Data().Get(0)
	defer item.FreeRef()
	return append([]float64(nil), item.Data()...)
}

// TestWriteRead_RoundTrip tests that a network and its weights survive a
// round trip.
func TestWriteRead_RoundTrip(t *testing.T) {
	n := network(t)
	var buf bytes.Buffer
	require.NoError(t, serialization.Write(&buf, n, map[string]string{"epoch": "3"}))

	l, meta, err := serialization.Read(&buf, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"epoch": "3"}, meta)
	require.IsType(t, &dag.Network{}, l)
	assert.Equal(t, n.ID(), l.ID())
	assert.Equal(t, n.State(), l.State())
	assert.Equal(t, eval(t, n), eval(t, l))

	layers := l.(*dag.Network).Layers()
	require.Len(t, layers, 3)
	assert.True(t, layers[1].Frozen())
}

// TestSaveLoad tests the file helpers.
func TestSaveLoad(t *testing.T) {
	n := network(t)
	path := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, serialization.Save(path, n, nil))

	l, meta, err := serialization.Load(path, nn.DefaultRegistry)
	require.NoError(t, err)
	assert.Empty(t, meta)
	assert.Equal(t, n.State(), l.State())

	_, _, err = serialization.Load(filepath.Join(t.TempDir(), "missing"), nil)
	assert.Error(t, err)
}

// TestReadBundle_Blobs tests that every resource becomes a 1-D tensor.
func TestReadBundle_Blobs(t *testing.T) {
	n := network(t)
	res := autodiff.NewResources()
	_, err := n.JSON(res)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, serialization.Write(&buf, n, nil))
	b, err := serialization.ReadBundle(&buf)
	require.NoError(t, err)
	assert.Equal(t, res.Names(), b.Resources.Names())
	for _, name := range res.Names() {
		want, err := res.Floats(name)
		require.NoError(t, err)
		got, err := b.Resources.Floats(name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}
}

// TestRead_Corrupted tests checksum verification.
func TestRead_Corrupted(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, serialization.Write(&buf, network(t), nil))
	data := buf.Bytes()
	data[len(data)-1] ^= 0xff

	_, _, err := serialization.Read(bytes.NewReader(data), nil)
	assert.ErrorIs(t, err, serialization.ErrChecksumMismatch)
}

func stream(t *testing.T, header map[string]any, data []byte) *bytes.Reader {
	t.Helper()
	h, err := json.Marshal(header)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(len(h))))
	buf.Write(h)
	buf.Write(data)
	return bytes.NewReader(buf.Bytes())
}

// TestReadBundle_Invalid tests malformed headers.
func TestReadBundle_Invalid(t *testing.T) {
	layer := map[string]string{"layer": `{"class":"Identity"}`}
	entry := func(begin, end int64) serialization.TensorInfo {
		return serialization.TensorInfo{DType: "F64", Shape: []int64{(end - begin) / 8}, DataOffsets: [2]int64{begin, end}}
	}

	tests := []struct {
		name   string
		header map[string]any
		data   []byte
		want   error
	}{
		{"overlap", map[string]any{"a": entry(0, 16), "b": entry(8, 16), "__metadata__": layer}, make([]byte, 16), errs.ErrInvalidArgument},
		{"out of bounds", map[string]any{"a": entry(0, 16), "__metadata__": layer}, make([]byte, 8), errs.ErrInvalidArgument},
		{"path traversal", map[string]any{"../a": entry(0, 8), "__metadata__": layer}, make([]byte, 8), errs.ErrInvalidArgument},
		{"dtype", map[string]any{"a": serialization.TensorInfo{DType: "F32", Shape: []int64{2}, DataOffsets: [2]int64{0, 8}}, "__metadata__": layer}, make([]byte, 8), errs.ErrInvalidArgument},
		{"shape overflow", map[string]any{"a": serialization.TensorInfo{DType: "F64", Shape: []int64{1 << 61}, DataOffsets: [2]int64{0, 0}}, "__metadata__": layer}, nil, errs.ErrInvalidArgument},
		{"negative shape", map[string]any{"a": serialization.TensorInfo{DType: "F64", Shape: []int64{-(1 << 61)}, DataOffsets: [2]int64{0, 0}}, "__metadata__": layer}, nil, errs.ErrInvalidArgument},
		{"partial element", map[string]any{"a": serialization.TensorInfo{DType: "F64", Shape: []int64{0}, DataOffsets: [2]int64{0, 4}}, "__metadata__": layer}, make([]byte, 4), errs.ErrInvalidArgument},
		{"no layer", map[string]any{"a": entry(0, 8)}, make([]byte, 8), serialization.ErrMissingLayer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := serialization.ReadBundle(stream(t, tt.header, tt.data))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	var big bytes.Buffer
	require.NoError(t, binary.Write(&big, binary.LittleEndian, uint64(serialization.MaxHeaderSize+1)))
	_, err := serialization.ReadBundle(&big)
	assert.ErrorIs(t, err, serialization.ErrHeaderTooLarge)
}
