package nn

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/born-ml/deltagraph/internal/autodiff"
	"github.com/born-ml/deltagraph/internal/tensor"
	"github.com/google/uuid"
)

const classMonitoring = "MonitoringWrapper"

// MonitoringStats is a snapshot of a wrapper's counters.
type MonitoringStats struct {
	Forward      int64
	Backward     int64
	ForwardTime  time.Duration
	BackwardTime time.Duration
	Items        int64 // Items seen by the forward pass.
}

// MonitoringWrapper counts and times the forward and backward calls of an
// inner layer. State, frozen flag and output placement belong to the inner
// layer.
//
// Counting happens whether or not the inner layer is frozen: freezing
// suppresses parameter gradients, not forward side effects.
type MonitoringWrapper struct {
	autodiff.BaseLayer
	inner  autodiff.Layer
	logger *slog.Logger

	forward      atomic.Int64
	backward     atomic.Int64
	forwardTime  atomic.Int64
	backwardTime atomic.Int64
	items        atomic.Int64
}

// NewMonitoringWrapper wraps inner. A nil logger disables per-call logging.
func NewMonitoringWrapper(inner autodiff.Layer, logger *slog.Logger) *MonitoringWrapper {
	m := &MonitoringWrapper{inner: inner, logger: logger}
	m.InitBase("monitor("+inner.Name()+")", uuid.Nil)
	return m
}

// Inner returns the wrapped layer.
func (m *MonitoringWrapper) Inner() autodiff.Layer {
	return m.inner
}

// State returns the inner layer's state.
func (m *MonitoringWrapper) State() [][]float64 {
	return m.inner.State()
}

// Frozen reports the inner layer's flag.
func (m *MonitoringWrapper) Frozen() bool {
	return m.inner.Frozen()
}

// SetFrozen sets the inner layer's flag.
func (m *MonitoringWrapper) SetFrozen(frozen bool) {
	m.inner.SetFrozen(frozen)
}

// SetFactory forwards to the inner layer when it supports placement.
func (m *MonitoringWrapper) SetFactory(f tensor.Factory) {
	if p, ok := m.inner.(Placer); ok {
		p.SetFactory(f)
	}
}

// Stats returns the current counters.
func (m *MonitoringWrapper) Stats() MonitoringStats {
	return MonitoringStats{
		Forward:      m.forward.Load(),
		Backward:     m.backward.Load(),
		ForwardTime:  time.Duration(m.forwardTime.Load()),
		BackwardTime: time.Duration(m.backwardTime.Load()),
		Items:        m.items.Load(),
	}
}

// Eval evaluates the inner layer and wraps its result so backward calls are
// counted too.
func (m *MonitoringWrapper) Eval(inputs ...*autodiff.Result) (*autodiff.Result, error) {
	start := time.Now()
	res, err := m.inner.Eval(inputs...)
	elapsed := time.Since(start)
	m.forward.Add(1)
	m.forwardTime.Add(int64(elapsed))
	if err != nil {
		return nil, err
	}
	data := res.Data()
	m.items.Add(int64(data.Length()))
	if m.logger != nil {
		m.logger.Debug("layer forward", "layer", m.inner.Name(), "items", data.Length(), "elapsed", elapsed)
	}
	data.AddRef()
	if !res.IsAlive() {
		res.FreeRef()
		return autodiff.NewConstant(data), nil
	}
	return autodiff.NewResult(data, func(deltas *autodiff.DeltaSet, delta tensor.List) error {
		start := time.Now()
		err := res.Accumulate(deltas, delta)
		elapsed := time.Since(start)
		m.backward.Add(1)
		m.backwardTime.Add(int64(elapsed))
		if m.logger != nil {
			m.logger.Debug("layer backward", "layer", m.inner.Name(), "elapsed", elapsed)
		}
		return err
	}, true, res.FreeRef), nil
}

type monitoringDoc struct {
	autodiff.Header
	Inner json.RawMessage `json:"inner"`
}

// JSON returns the wrapper document with the inner layer nested.
func (m *MonitoringWrapper) JSON(res *autodiff.Resources) (json.RawMessage, error) {
	inner, err := m.inner.JSON(res)
	if err != nil {
		return nil, err
	}
	h := m.Header(classMonitoring)
	h.Frozen = false
	return json.Marshal(monitoringDoc{Header: h, Inner: inner})
}

func decodeMonitoring(r *Registry, doc json.RawMessage, res *autodiff.Resources) (autodiff.Layer, error) {
	var d monitoringDoc
	if err := decodeInto(classMonitoring, doc, &d); err != nil {
		return nil, err
	}
	inner, err := r.Decode(d.Inner, res)
	if err != nil {
		return nil, err
	}
	m := NewMonitoringWrapper(inner, nil)
	m.InitBase(d.Name, d.ID)
	return m, nil
}
