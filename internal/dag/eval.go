package dag

import (
	"context"

	"github.com/born-ml/deltagraph/internal/autodiff"
	"github.com/born-ml/deltagraph/internal/tensor"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Eval evaluates the network with a background context. inputs are
// borrowed.
func (n *Network) Eval(inputs ...*autodiff.Result) (*autodiff.Result, error) {
	return n.EvalContext(context.Background(), inputs...)
}

// EvalContext evaluates the head node. ctx is checked between node
// evaluations; a running layer is not interrupted.
//
// The returned result owns the head handle. Its backward pass delivers the
// gradient to the head and then flushes the partial sums of consumers
// that did not report, so every alive upstream node receives exactly one
// gradient.
func (n *Network) EvalContext(ctx context.Context, inputs ...*autodiff.Result) (*autodiff.Result, error) {
	ctx, span := n.opts.Tracer.Start(ctx, "dag.Eval",
		trace.WithAttributes(
			attribute.String("network", n.Name()),
			attribute.Int("inputs", len(inputs)),
		),
	)
	defer span.End()

	c, err := n.NewContext(inputs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid evaluation")
		return nil, err
	}
	h, err := c.Get(ctx, c.Head())
	c.Close()
	if err != nil {
		n.opts.Logger.Error("dag evaluation failed", "network", n.Name(), "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "evaluation failed")
		return nil, err
	}

	data := h.Data()
	data.AddRef()
	if !h.IsAlive() {
		return autodiff.NewResult(data, nil, false, h.FreeRef), nil
	}
	return autodiff.NewResult(data, func(deltas *autodiff.DeltaSet, delta tensor.List) error {
		if err := h.Accumulate(deltas, delta); err != nil {
			return err
		}
		return c.Flush()
	}, true, h.FreeRef), nil
}
