// Package train implements the measurement contract consumed by optimizers.
//
// A Trainable evaluates a network on its data and returns a PointSample:
// the summed loss, the number of items and the DeltaSet of the backward
// pass. The DeltaSet holds an entry for every unfrozen layer reached by the
// forward pass and none for frozen layers.
package train

import (
	"context"
	"sync"
	"time"

	"github.com/born-ml/deltagraph/internal/autodiff"
	"github.com/born-ml/deltagraph/internal/errs"
	"github.com/born-ml/deltagraph/internal/memory"
	"github.com/born-ml/deltagraph/internal/parallel"
	"github.com/born-ml/deltagraph/internal/refcount"
	"github.com/born-ml/deltagraph/internal/tensor"
	"github.com/pkg/errors"
)

// PointSample is the result of one measurement.
type PointSample struct {
	Deltas *autodiff.DeltaSet
	Loss   float64 // Sum of all output elements.
	Count  int     // Number of items measured.
}

// Trainable is the per-step contract of an optimizer loop.
type Trainable interface {
	Measure(ctx context.Context, monitor Monitor) (*PointSample, error)
}

// Config controls how an ArrayTrainable splits and schedules its data.
type Config struct {
	BatchSize int             // Rows per batch; 0 measures everything at once.
	Parallel  parallel.Config // Batch scheduling.
	Factory   tensor.Factory  // Placement of input columns; nil means host.

	// Contexts, when set, gives every batch its own execution context for
	// the duration of its measurement. Factories implementing
	// tensor.ExecFactory are bound to it.
	Contexts *memory.ContextPool
}

// DefaultConfig measures the whole data set as one batch on the host.
func DefaultConfig() Config {
	return Config{Parallel: parallel.Sequential()}
}

// contextLayer is implemented by layers that accept a context, such as
// dag.Network.
type contextLayer interface {
	EvalContext(ctx context.Context, inputs ...*autodiff.Result) (*autodiff.Result, error)
}

// ArrayTrainable measures a layer over an in-memory data set.
//
// Each row of the data is one sample with one tensor per layer input. All
// tensors of a column must share a shape. Inputs are constants, so the
// DeltaSet holds layer deltas only.
type ArrayTrainable struct {
	refcount.Counted
	layer autodiff.Layer
	data  [][]*tensor.Tensor
	cfg   Config
}

// NewArrayTrainable creates a trainable over data. The tensors are borrowed;
// the trainable keeps its own references until it is freed.
func NewArrayTrainable(layer autodiff.Layer, data [][]*tensor.Tensor, cfg Config) (*ArrayTrainable, error) {
	if layer == nil {
		return nil, errs.InvalidArgument("trainable: nil layer")
	}
	if len(data) == 0 {
		return nil, errs.InvalidArgument("trainable: no data")
	}
	if cfg.BatchSize < 0 {
		return nil, errs.InvalidArgument("trainable: negative batch size %d", cfg.BatchSize)
	}
	width := len(data[0])
	if width == 0 {
		return nil, errs.InvalidArgument("trainable: rows have no columns")
	}
	for i, row := range data {
		if len(row) != width {
			return nil, errs.InvalidArgument("trainable: row %d has %d columns, want %d", i, len(row), width)
		}
		for c, t := range row {
			if !t.Shape().Equal(data[0][c].Shape()) {
				return nil, errs.ShapeMismatch("trainable column", data[0][c].Shape(), t.Shape())
			}
		}
	}
	if cfg.Factory == nil {
		cfg.Factory = tensor.DefaultFactory
	}
	a := &ArrayTrainable{layer: layer, cfg: cfg}
	a.data = make([][]*tensor.Tensor, len(data))
	for i, row := range data {
		a.data[i] = append([]*tensor.Tensor(nil), row...)
		refcount.AddRefAll(a.data[i]...)
	}
	a.Init(a, a.teardown)
	return a, nil
}

func (a *ArrayTrainable) teardown() {
	for _, row := range a.data {
		refcount.FreeAll(row...)
	}
	a.data = nil
}

// Len returns the number of rows.
func (a *ArrayTrainable) Len() int {
	return len(a.data)
}

// Measure evaluates every batch, backpropagates the summed output and
// merges the per-batch deltas.
func (a *ArrayTrainable) Measure(ctx context.Context, monitor Monitor) (*PointSample, error) {
	a.AssertAlive()
	if monitor == nil {
		monitor = nopMonitor{}
	}
	start := time.Now()
	size := a.cfg.BatchSize
	if size == 0 || size > len(a.data) {
		size = len(a.data)
	}
	n := (len(a.data) + size - 1) / size
	samples := make([]*PointSample, n)

	var mu sync.Mutex
	err := parallel.Each(ctx, n, func(ctx context.Context, b int) error {
		lo, hi := b*size, min((b+1)*size, len(a.data))
		batchStart := time.Now()
		var (
			s  *PointSample
			ec memory.ExecContext
		)
		measure := func(exec memory.ExecContext) error {
			var err error
			ec = exec
			s, err = a.measureBatch(ctx, a.data[lo:hi], a.factory(exec))
			return err
		}
		var err error
		if a.cfg.Contexts != nil {
			err = a.cfg.Contexts.With(ctx, measure)
		} else {
			err = measure(memory.ExecContext{})
		}
		if err != nil {
			return errors.WithMessagef(err, "batch %d", b)
		}
		mu.Lock()
		samples[b] = s
		mu.Unlock()
		monitor.OnBatch(BatchStats{Batch: b, Items: s.Count, Loss: s.Loss, Exec: ec, Elapsed: time.Since(batchStart)})
		return nil
	}, a.cfg.Parallel)
	if err != nil {
		return nil, err
	}

	total := &PointSample{Deltas: autodiff.NewDeltaSet()}
	for _, s := range samples {
		merged, err := total.Deltas.Add(s.Deltas)
		if err != nil {
			return nil, err
		}
		total.Deltas = merged
		total.Loss += s.Loss
		total.Count += s.Count
	}
	monitor.OnSample(total, time.Since(start))
	return total, nil
}

// factory returns the input placement for a batch running on ec.
func (a *ArrayTrainable) factory(ec memory.ExecContext) tensor.Factory {
	if a.cfg.Contexts == nil {
		return a.cfg.Factory
	}
	if f, ok := a.cfg.Factory.(tensor.ExecFactory); ok {
		return f.WithExec(ec)
	}
	return a.cfg.Factory
}

func (a *ArrayTrainable) measureBatch(ctx context.Context, rows [][]*tensor.Tensor, factory tensor.Factory) (*PointSample, error) {
	inputs := make([]*autodiff.Result, 0, len(rows[0]))
	defer func() {
		refcount.FreeAll(inputs...)
	}()
	for c := range rows[0] {
		items := make([]*tensor.Tensor, len(rows))
		for i, row := range rows {
			items[i] = row[c]
			items[i].AddRef()
		}
		data, err := factory.Place(items)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, autodiff.NewConstant(data))
	}

	var (
		out *autodiff.Result
		err error
	)
	if cl, ok := a.layer.(contextLayer); ok {
		out, err = cl.EvalContext(ctx, inputs...)
	} else {
		out, err = a.layer.Eval(inputs...)
	}
	if err != nil {
		return nil, err
	}
	defer out.FreeRef()

	loss := 0.0
	for t := range out.Data().Stream() {
		loss += t.Sum()
		t.FreeRef()
	}
	deltas, err := autodiff.Backward(out)
	if err != nil {
		return nil, err
	}
	return &PointSample{Deltas: deltas, Loss: loss, Count: len(rows)}, nil
}
