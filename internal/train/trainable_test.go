package train_test

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/born-ml/deltagraph/internal/autodiff"
	"github.com/born-ml/deltagraph/internal/dag"
	"github.com/born-ml/deltagraph/internal/errs"
	"github.com/born-ml/deltagraph/internal/memory"
	"github.com/born-ml/deltagraph/internal/nn"
	"github.com/born-ml/deltagraph/internal/parallel"
	"github.com/born-ml/deltagraph/internal/tensor"
	"github.com/born-ml/deltagraph/internal/train"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// siblings builds two dense layers of four weights fed by the same input,
// summed and reduced. The first one is frozen.
func siblings(t *testing.T) (*dag.Network, *nn.FullyConnected, *nn.FullyConnected) {
	t.Helper()
	frozen := nn.NewFullyConnected(tensor.Shape{2}, tensor.Shape{2})
	require.NoError(t, frozen.Weight().Set([]float64{1, 0, 0, 1}))
	frozen.SetFrozen(true)
	live := nn.NewFullyConnected(tensor.Shape{2}, tensor.Shape{2})
	require.NoError(t, live.Weight().Set([]float64{2, 1, 0, -1}))

	net := dag.New(1)
	a, err := net.Add(frozen, net.Input(0))
	require.NoError(t, err)
	b, err := net.Add(live, net.Input(0))
	require.NoError(t, err)
	_, err = net.Add(nn.NewSumInputs(), a, b)
	require.NoError(t, err)
	_, err = net.Wrap(nn.NewSumReducer())
	require.NoError(t, err)
	return net, frozen, live
}

func dataset() [][]*tensor.Tensor {
	return [][]*tensor.Tensor{
		{tensor.Of(1, 2)},
		{tensor.Of(3, -1)},
		{tensor.Of(0, 1)},
	}
}

func free(data [][]*tensor.Tensor) {
	for _, row := range data {
		for _, t := range row {
			t.FreeRef()
		}
	}
}

// TestMeasure_FrozenLayerHasNoDelta tests that a frozen layer is absent from
// the DeltaSet while its unfrozen sibling is present.
func TestMeasure_FrozenLayerHasNoDelta(t *testing.T) {
	net, frozen, live := siblings(t)
	require.Len(t, frozen.State()[0], 4)

	data := dataset()
	defer free(data)
	tr, err := train.NewArrayTrainable(net, data, train.DefaultConfig())
	require.NoError(t, err)
	defer tr.FreeRef()

	sample, err := tr.Measure(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, sample.Deltas.Has(frozen.ID()))
	assert.True(t, sample.Deltas.Has(live.ID()))
	assert.Equal(t, 3, sample.Count)

	// Per row the output sums to 3*x0 + x1.
	assert.InDelta(t, 14.0, sample.Loss, 1e-12)
	d, ok := sample.Deltas.Lookup(autodiff.Key{Layer: live.ID()})
	require.True(t, ok)
	assert.Equal(t, []float64{4, 2, 4, 2}, d.Values())
}

// TestMeasure_BatchedMatchesSingleBatch tests that parallel batches merge to
// the same sample as one batch.
func TestMeasure_BatchedMatchesSingleBatch(t *testing.T) {
	net, _, live := siblings(t)
	data := dataset()
	defer free(data)

	whole, err := train.NewArrayTrainable(net, data, train.DefaultConfig())
	require.NoError(t, err)
	defer whole.FreeRef()
	batched, err := train.NewArrayTrainable(net, data, train.Config{
		BatchSize: 2,
		Parallel:  parallel.Config{Enabled: true, NumWorkers: 2},
	})
	require.NoError(t, err)
	defer batched.FreeRef()

	want, err := whole.Measure(context.Background(), nil)
	require.NoError(t, err)
	got, err := batched.Measure(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, want.Count, got.Count)
	assert.InDelta(t, want.Loss, got.Loss, 1e-12)
	assert.Equal(t, want.Deltas.Keys(), got.Deltas.Keys())
	wd, _ := want.Deltas.Lookup(autodiff.Key{Layer: live.ID()})
	gd, _ := got.Deltas.Lookup(autodiff.Key{Layer: live.ID()})
	assert.InDeltaSlice(t, wd.Values(), gd.Values(), 1e-12)
}

// TestMeasure_DeviceInputs tests measuring with inputs placed on a memory
// backend.
func TestMeasure_DeviceInputs(t *testing.T) {
	net, _, _ := siblings(t)
	data := dataset()
	defer free(data)
	backend := memory.NewHostBackend()

	tr, err := train.NewArrayTrainable(net, data, train.Config{
		Factory:  tensor.DeviceFactory{Backend: backend, Precision: tensor.Float64},
		Parallel: parallel.Sequential(),
	})
	require.NoError(t, err)
	defer tr.FreeRef()

	sample, err := tr.Measure(context.Background(), nil)
	require.NoError(t, err)
	assert.InDelta(t, 14.0, sample.Loss, 1e-12)
	assert.Equal(t, 0, backend.Used())
}

// exclusiveFactory places on the host and records which execution
// contexts are in use at the same time.
type exclusiveFactory struct {
	state *exclusiveState
	exec  memory.ExecContext
	bound bool
}

type exclusiveState struct {
	mu      sync.Mutex
	inUse   map[memory.ExecContext]bool
	shared  bool
	unbound bool
}

func (f exclusiveFactory) Place(items []*tensor.Tensor) (tensor.List, error) {
	s := f.state
	s.mu.Lock()
	s.unbound = s.unbound || !f.bound
	s.shared = s.shared || s.inUse[f.exec]
	s.inUse[f.exec] = true
	s.mu.Unlock()

	time.Sleep(2 * time.Millisecond)

	s.mu.Lock()
	delete(s.inUse, f.exec)
	s.mu.Unlock()
	return tensor.HostFactory{}.Place(items)
}

func (f exclusiveFactory) Name() string {
	return "exclusive"
}

func (f exclusiveFactory) WithExec(ec memory.ExecContext) tensor.Factory {
	f.exec = ec
	f.bound = true
	return f
}

// TestMeasure_ContextPerBatch tests that concurrent batches run on distinct
// execution contexts taken from the pool.
func TestMeasure_ContextPerBatch(t *testing.T) {
	net, _, _ := siblings(t)
	data := dataset()
	defer free(data)
	contexts, err := memory.NewContextPool(2, 1)
	require.NoError(t, err)
	state := &exclusiveState{inUse: map[memory.ExecContext]bool{}}

	tr, err := train.NewArrayTrainable(net, data, train.Config{
		BatchSize: 1,
		Parallel:  parallel.Config{Enabled: true, NumWorkers: 3},
		Factory:   exclusiveFactory{state: state},
		Contexts:  contexts,
	})
	require.NoError(t, err)
	defer tr.FreeRef()

	rec := &recorder{}
	sample, err := tr.Measure(context.Background(), rec)
	require.NoError(t, err)
	assert.InDelta(t, 14.0, sample.Loss, 1e-12)
	assert.False(t, state.shared, "two batches held the same context")
	assert.False(t, state.unbound, "factory was not bound to a context")
	assert.Equal(t, contexts.Size(), contexts.Available())

	require.Len(t, rec.batches, 3)
	for _, b := range rec.batches {
		assert.Contains(t, []memory.ExecContext{{Device: 0}, {Device: 1}}, b.Exec)
	}
}

// TestMeasure_ContextPoolDeviceInputs tests device placement bound to
// pooled contexts.
func TestMeasure_ContextPoolDeviceInputs(t *testing.T) {
	net, _, _ := siblings(t)
	data := dataset()
	defer free(data)
	backend := memory.NewHostBackend()
	contexts, err := memory.NewContextPool(1, 2)
	require.NoError(t, err)

	tr, err := train.NewArrayTrainable(net, data, train.Config{
		BatchSize: 2,
		Parallel:  parallel.Config{Enabled: true, NumWorkers: 2},
		Factory:   tensor.DeviceFactory{Backend: backend, Precision: tensor.Float64},
		Contexts:  contexts,
	})
	require.NoError(t, err)
	defer tr.FreeRef()

	sample, err := tr.Measure(context.Background(), nil)
	require.NoError(t, err)
	assert.InDelta(t, 14.0, sample.Loss, 1e-12)
	assert.Equal(t, 0, backend.Used())
	assert.Equal(t, 2, contexts.Available())
}

type recorder struct {
	mu      sync.Mutex
	batches []train.BatchStats
	samples int
}

func (r *recorder) OnBatch(s train.BatchStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, s)
}

func (r *recorder) OnSample(*train.PointSample, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples++
}

// TestMeasure_Monitor tests batch and sample notifications.
func TestMeasure_Monitor(t *testing.T) {
	net, _, _ := siblings(t)
	data := dataset()
	defer free(data)
	tr, err := train.NewArrayTrainable(net, data, train.Config{BatchSize: 2})
	require.NoError(t, err)
	defer tr.FreeRef()

	rec := &recorder{}
	_, err = tr.Measure(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, rec.batches, 2)
	assert.Equal(t, 2, rec.batches[0].Items)
	assert.Equal(t, 1, rec.batches[1].Items)
	assert.Equal(t, 1, rec.samples)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	_, err = tr.Measure(context.Background(), train.NewLogMonitor(logger))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "batch measured")
	assert.Contains(t, buf.String(), "loss=14")
}

// TestNewArrayTrainable_Validation tests malformed data sets and that the
// trainable releases its references.
func TestNewArrayTrainable_Validation(t *testing.T) {
	net, _, _ := siblings(t)
	a, b := tensor.Of(1, 2), tensor.Of(1, 2, 3)
	defer a.FreeRef()
	defer b.FreeRef()

	_, err := train.NewArrayTrainable(net, nil, train.DefaultConfig())
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
	_, err = train.NewArrayTrainable(net, [][]*tensor.Tensor{{a}, {a, a}}, train.DefaultConfig())
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
	_, err = train.NewArrayTrainable(net, [][]*tensor.Tensor{{a}, {b}}, train.DefaultConfig())
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "[3]")
	_, err = train.NewArrayTrainable(net, [][]*tensor.Tensor{{a}}, train.Config{BatchSize: -1})
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	tr, err := train.NewArrayTrainable(net, [][]*tensor.Tensor{{a}}, train.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, int64(2), a.RefCount())
	tr.FreeRef()
	assert.Equal(t, int64(1), a.RefCount())

	// A layer rejecting the inputs surfaces the error.
	wide, err := train.NewArrayTrainable(net, [][]*tensor.Tensor{{b}}, train.DefaultConfig())
	require.NoError(t, err)
	defer wide.FreeRef()
	_, err = wide.Measure(context.Background(), nil)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}
