package tensor_test

import (
	"testing"

	"github.com/born-ml/deltagraph/internal/errs"
	"github.com/born-ml/deltagraph/internal/memory"
	"github.com/born-ml/deltagraph/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ec = memory.ExecContext{}

func upload(t *testing.T, b memory.Backend, p tensor.Precision, rows ...[]float64) *tensor.DeviceList {
	t.Helper()
	src := hostList(t, rows...)
	defer src.FreeRef()
	l, err := tensor.UploadList(b, ec, p, src)
	require.NoError(t, err)
	return l
}

func TestDeviceList_LazyMirror(t *testing.T) {
	b := memory.NewHostBackend()
	l := upload(t, b, tensor.Float64, []float64{1, 2}, []float64{3, 4})

	assert.False(t, l.HasMirror())
	assert.Equal(t, 0, l.Transfers())

	assert.Equal(t, [][]float64{{1, 2}, {3, 4}}, values(l))
	assert.Equal(t, [][]float64{{1, 2}, {3, 4}}, values(l))
	assert.True(t, l.HasMirror())
	assert.Equal(t, 1, l.Transfers(), "mirror is cached")

	l.FreeRef()
	assert.Equal(t, 0, b.Used())
}

func TestDeviceFactory_WithExec(t *testing.T) {
	f := tensor.DeviceFactory{Backend: memory.NewHostBackend(), Precision: tensor.Float64}
	var ef tensor.ExecFactory = f
	bound := ef.WithExec(memory.ExecContext{Device: 1, Stream: 2})
	assert.Equal(t, memory.ExecContext{Device: 1, Stream: 2}, bound.(tensor.DeviceFactory).Exec)
	assert.Equal(t, memory.ExecContext{}, f.Exec, "original is unchanged")
}

func TestDeviceList_Float32Storage(t *testing.T) {
	b := memory.NewHostBackend()
	l := upload(t, b, tensor.Float32, []float64{0.5, 1.5, -2})
	defer l.FreeRef()
	assert.Equal(t, 12, b.Used())
	assert.Equal(t, [][]float64{{0.5, 1.5, -2}}, values(l))
}

func TestDeviceList_EvictAndRehydrate(t *testing.T) {
	b := memory.NewHostBackend()
	l := upload(t, b, tensor.Float64, []float64{1, 2, 3})
	defer l.FreeRef()

	freed, err := l.EvictDevice()
	require.NoError(t, err)
	assert.Equal(t, 24, freed)
	assert.False(t, l.IsResident())
	assert.True(t, l.HasMirror(), "eviction secures a host copy first")
	assert.Equal(t, 0, b.Used())

	assert.Equal(t, [][]float64{{1, 2, 3}}, values(l))

	h, err := l.Handle()
	require.NoError(t, err)
	assert.True(t, l.IsResident())
	raw := make([]byte, h.Size)
	require.NoError(t, b.Read(ec, h, raw))
	back := make([]float64, 3)
	tensor.Float64.Decode(back, raw)
	assert.Equal(t, []float64{1, 2, 3}, back)

	// With both copies present the mirror may go and come back.
	l.EvictHost()
	assert.False(t, l.HasMirror())
	assert.Equal(t, [][]float64{{1, 2, 3}}, values(l))
}

func TestDeviceList_EvictHostSoleCopyPanics(t *testing.T) {
	b := memory.NewHostBackend()
	l := upload(t, b, tensor.Float64, []float64{1})
	defer l.FreeRef()

	_, err := l.EvictDevice()
	require.NoError(t, err)

	defer func() {
		r := recover()
		le, ok := errs.AsLifecycle(r)
		require.True(t, ok, "expected lifecycle panic, got %v", r)
		assert.Equal(t, "EvictHost", le.Op)
		assert.True(t, l.HasMirror(), "the sole copy survives")
	}()
	l.EvictHost()
}

func TestDeviceList_DropMirrorKeepsSoleCopy(t *testing.T) {
	b := memory.NewHostBackend()
	l := upload(t, b, tensor.Float64, []float64{1, 2})
	defer l.FreeRef()

	assert.Equal(t, 0, l.DropMirror(), "no mirror yet")
	values(l)
	assert.Equal(t, 16, l.DropMirror())
	assert.False(t, l.HasMirror())

	assert.Equal(t, 16, l.Evict(ec))
	assert.Equal(t, 0, l.DropMirror(), "mirror is now the only copy")
	assert.True(t, l.HasMirror())
}

func TestDeviceList_AddProducesHostList(t *testing.T) {
	b := memory.NewHostBackend()
	d := upload(t, b, tensor.Float64, []float64{1, 2})
	h := hostList(t, []float64{10, 20})
	defer d.FreeRef()
	defer h.FreeRef()

	sum, err := d.Add(h)
	require.NoError(t, err)
	defer sum.FreeRef()
	assert.IsType(t, &tensor.HostList{}, sum)
	assert.Equal(t, [][]float64{{11, 22}}, values(sum))

	c := d.Copy()
	defer c.FreeRef()
	item := c.Get(0)
	item.Data()[0] = -1
	item.FreeRef()
	assert.Equal(t, [][]float64{{1, 2}}, values(d))
}

func TestUploadList_Empty(t *testing.T) {
	empty, err := tensor.NewHostList()
	require.NoError(t, err)
	defer empty.FreeRef()
	_, err = tensor.UploadList(memory.NewHostBackend(), ec, tensor.Float64, empty)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestDeviceFactory_Place(t *testing.T) {
	b := memory.NewHostBackend()
	f := tensor.DeviceFactory{Backend: b, Precision: tensor.Float64}
	l, err := f.Place([]*tensor.Tensor{tensor.Of(1, 2)})
	require.NoError(t, err)
	assert.IsType(t, &tensor.DeviceList{}, l)
	assert.Equal(t, 16, b.Used())
	l.FreeRef()
	assert.Equal(t, 0, b.Used())
}

// A backend with room for 50 batches of [8,8,3] float64 must still hold 100
// live batches by evicting older ones to host and rehydrating on demand.
func TestDeviceList_PressureEvictsInsteadOfFailing(t *testing.T) {
	const (
		batches  = 100
		capacity = 50
	)
	dims := tensor.Shape{8, 8, 3}
	itemBytes := dims.NumElements() * tensor.Float64.Size()
	raw := memory.NewLimitedHostBackend(capacity * itemBytes)
	pool := memory.NewPool(raw, memory.DefaultPoolConfig())

	fill := func(i int) *tensor.Tensor {
		z := tensor.Zeros(dims)
		defer z.FreeRef()
		return z.MapCoords(func(_ float64, c tensor.Coord) float64 {
			return float64(i*1000 + c.Index)
		})
	}

	lists := make([]*tensor.DeviceList, batches)
	for i := range lists {
		item := fill(i)
		src := tensor.MustHostList(item)
		l, err := tensor.UploadList(pool, ec, tensor.Float64, src)
		src.FreeRef()
		require.NoError(t, err, "batch %d", i)
		lists[i] = l
	}
	defer func() {
		for _, l := range lists {
			l.FreeRef()
		}
	}()

	assert.Greater(t, pool.Stats().Evictions, uint64(0))
	assert.LessOrEqual(t, raw.Used(), capacity*itemBytes)

	resident := 0
	for i, l := range lists {
		if l.IsResident() {
			resident++
		}
		got := l.Get(0)
		want := fill(i)
		assert.True(t, want.Equal(got, 0), "batch %d", i)
		got.FreeRef()
		want.FreeRef()
	}
	assert.LessOrEqual(t, resident, capacity)

	// Rehydrating the oldest batch evicts another one.
	_, err := lists[0].Handle()
	require.NoError(t, err)
	assert.True(t, lists[0].IsResident())
}
