package tensor_test

import (
	"testing"

	"github.com/born-ml/deltagraph/internal/errs"
	"github.com/born-ml/deltagraph/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hostList(t *testing.T, rows ...[]float64) *tensor.HostList {
	t.Helper()
	items := make([]*tensor.Tensor, len(rows))
	for i, r := range rows {
		items[i] = tensor.Of(r...)
	}
	l, err := tensor.NewHostList(items...)
	require.NoError(t, err)
	return l
}

func values(l tensor.List) [][]float64 {
	var out [][]float64
	for item := range l.Stream() {
		out = append(out, append([]float64(nil), item.Data()...))
		item.FreeRef()
	}
	return out
}

func TestHostList_OwnershipAndGet(t *testing.T) {
	a := tensor.Of(1, 2)
	l, err := tensor.NewHostList(a)
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.RefCount())

	got := l.Get(0)
	assert.Same(t, a, got)
	assert.Equal(t, int64(2), a.RefCount())
	got.FreeRef()

	l.FreeRef()
	assert.True(t, a.IsFinalized(), "list owned the item")
}

func TestWrapHostList_SharesItems(t *testing.T) {
	a := tensor.Of(1, 2)
	l, err := tensor.WrapHostList(a)
	require.NoError(t, err)
	l.FreeRef()
	assert.False(t, a.IsFinalized())
	a.FreeRef()
}

func TestNewHostList_RejectsMixedShapes(t *testing.T) {
	a := tensor.Of(1, 2)
	b := tensor.Of(1, 2, 3)
	defer a.FreeRef()
	defer b.FreeRef()

	_, err := tensor.WrapHostList(a, b)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
	assert.Equal(t, int64(1), a.RefCount(), "failed wrap must not leak references")
}

func TestHostList_CopyIdempotentNoAliasing(t *testing.T) {
	src := hostList(t, []float64{1, 2, 3}, []float64{4, 5, 6})
	defer src.FreeRef()

	c1 := src.Copy()
	defer c1.FreeRef()
	c2 := c1.Copy()
	defer c2.FreeRef()

	assert.Equal(t, values(src), values(c1))
	assert.Equal(t, values(src), values(c2))

	item := c2.Get(0)
	item.Data()[0] = 99
	item.FreeRef()
	assert.Equal(t, 1.0, values(src)[0][0])
	assert.Equal(t, 1.0, values(c1)[0][0])
	assert.Equal(t, 99.0, values(c2)[0][0])
}

func TestHostList_AddMinus(t *testing.T) {
	a := hostList(t, []float64{1, 2}, []float64{3, 4})
	b := hostList(t, []float64{10, 20}, []float64{30, 40})
	defer a.FreeRef()
	defer b.FreeRef()

	sum, err := a.Add(b)
	require.NoError(t, err)
	defer sum.FreeRef()
	assert.Equal(t, [][]float64{{11, 22}, {33, 44}}, values(sum))

	diff, err := b.Minus(a)
	require.NoError(t, err)
	defer diff.FreeRef()
	assert.Equal(t, [][]float64{{9, 18}, {27, 36}}, values(diff))
}

func TestHostList_Mismatches(t *testing.T) {
	a := hostList(t, []float64{1, 2}, []float64{3, 4})
	short := hostList(t, []float64{1, 2})
	wide := hostList(t, []float64{1, 2, 3}, []float64{4, 5, 6})
	defer a.FreeRef()
	defer short.FreeRef()
	defer wide.FreeRef()

	_, err := a.Add(short)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "2 vs 1")

	_, err = a.Minus(wide)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "[2]")
	assert.Contains(t, err.Error(), "[3]")
}

func TestHostList_StreamRestartable(t *testing.T) {
	l := hostList(t, []float64{1}, []float64{2}, []float64{3})
	defer l.FreeRef()

	assert.Equal(t, values(l), values(l))
	for item := range l.Stream() {
		item.FreeRef()
		break
	}
	first := l.Get(0)
	assert.Equal(t, int64(2), first.RefCount(), "early break released the yielded item")
	first.FreeRef()
}

func TestSumOnesZeros(t *testing.T) {
	a := tensor.Ones(2, tensor.Shape{3})
	b := tensor.Ones(2, tensor.Shape{3})
	z := tensor.ZerosLike(a)
	defer a.FreeRef()
	defer b.FreeRef()
	defer z.FreeRef()

	s, err := tensor.Sum(a, b, z)
	require.NoError(t, err)
	defer s.FreeRef()
	assert.Equal(t, [][]float64{{2, 2, 2}, {2, 2, 2}}, values(s))

	_, err = tensor.Sum()
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestHostFactory_Place(t *testing.T) {
	l, err := tensor.HostFactory{}.Place([]*tensor.Tensor{tensor.Of(1), tensor.Of(2)})
	require.NoError(t, err)
	defer l.FreeRef()
	assert.Equal(t, 2, l.Length())
	assert.Equal(t, "host", tensor.DefaultFactory.Name())
}
