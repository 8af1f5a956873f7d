package dag

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/born-ml/deltagraph/internal/autodiff"
	"github.com/born-ml/deltagraph/internal/errs"
	"github.com/born-ml/deltagraph/internal/parallel"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is the lifecycle of a node within one Context.
type State int

// Node states.
const (
	Unrequested State = iota // Not evaluated yet.
	Pending                  // Being evaluated; other requesters wait.
	Resolved                 // Cached; consumers still to be served.
	Released                 // Every expected consumer was served.
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Unrequested:
		return "Unrequested"
	case Pending:
		return "Pending"
	case Resolved:
		return "Resolved"
	case Released:
		return "Released"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type entry struct {
	node     *Node
	expected int

	mu     sync.Mutex
	state  State
	done   chan struct{}
	fanout *autodiff.Fanout
	next   int
	err    error
}

// Context is the memo of one network evaluation.
//
// Each node reachable from the head is evaluated at most once. Get hands
// every requester its own handle onto the node's result; the handles share
// the result (Result.Underlying) and sum their gradients before passing
// them on. Once the expected number of consumers has been served the node
// is Released and further requests fail.
type Context struct {
	plan    *plan
	opts    Options
	entries map[uuid.UUID]*entry

	mu      sync.Mutex
	fanouts []*autodiff.Fanout // in resolution order
	closed  bool
}

// NewContext prepares an evaluation of the network on inputs. inputs are
// borrowed; the context adds its own references.
func (n *Network) NewContext(inputs ...*autodiff.Result) (*Context, error) {
	p, err := n.snapshot()
	if err != nil {
		return nil, err
	}
	if len(inputs) != len(p.inputs) {
		return nil, errs.InvalidArgument("%s: expected %d inputs, got %d", n.Name(), len(p.inputs), len(inputs))
	}
	for i, in := range inputs {
		if in == nil {
			return nil, errs.InvalidArgument("%s: input %d is nil", n.Name(), i)
		}
		if in.Data().Length() == 0 {
			return nil, errs.InvalidArgument("%s: input %d is an empty batch", n.Name(), i)
		}
	}
	c := &Context{
		plan:    p,
		opts:    n.opts,
		entries: make(map[uuid.UUID]*entry, len(p.expected)),
	}
	for id, count := range p.expected {
		c.entries[id] = &entry{node: p.nodes[id], expected: count}
	}
	for i, id := range p.inputs {
		e, ok := c.entries[id]
		if !ok {
			continue
		}
		e.fanout = autodiff.NewFanout(inputs[i], e.expected)
		e.state = Resolved
		c.fanouts = append(c.fanouts, e.fanout)
	}
	return c, nil
}

// Head returns the id of the node the context resolves for the caller.
func (c *Context) Head() uuid.UUID {
	return c.plan.head
}

// State returns the state of a node. Nodes not reachable from the head
// report Unrequested.
func (c *Context) State(id uuid.UUID) State {
	e, ok := c.entries[id]
	if !ok {
		return Unrequested
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Remaining returns how many consumers of a node have not been served.
func (c *Context) Remaining(id uuid.UUID) int {
	e, ok := c.entries[id]
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.expected - e.next
}

// Get resolves a node and returns a new handle onto its result. The caller
// owns the handle.
//
// Concurrent requests for a node being evaluated wait for it. Requests
// beyond the expected consumer count fail with ErrIllegalState.
func (c *Context) Get(ctx context.Context, id uuid.UUID) (*autodiff.Result, error) {
	return c.get(ctx, id, nil)
}

func (c *Context) get(ctx context.Context, id uuid.UUID, path []uuid.UUID) (*autodiff.Result, error) {
	e, ok := c.entries[id]
	if !ok {
		return nil, errs.IllegalState("dag: node %s is not reachable from the head", id)
	}
	if slices.Contains(path, id) {
		return nil, errs.IllegalState("dag: cycle through node %s", id)
	}
	e.mu.Lock()
	switch e.state {
	case Unrequested:
		e.state = Pending
		e.done = make(chan struct{})
		e.mu.Unlock()
		c.evaluate(ctx, e, path)
	case Pending:
		done := e.done
		e.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	default:
		e.mu.Unlock()
	}
	return c.take(e)
}

// take hands out the next handle of a resolved entry.
func (c *Context) take(e *entry) (*autodiff.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	if e.next >= e.expected {
		return nil, errs.IllegalState("dag: node %s requested more than the %d expected times", e.node.id, e.expected)
	}
	h := e.fanout.Handle(e.next)
	e.next++
	if e.next == e.expected {
		e.state = Released
		e.fanout = nil
	}
	return h, nil
}

// evaluate computes a pending entry and wakes its waiters. A panic marks
// the entry failed before it propagates.
func (c *Context) evaluate(ctx context.Context, e *entry, path []uuid.UUID) {
	var (
		res *autodiff.Result
		err error
	)
	defer func() {
		r := recover()
		if r != nil {
			err = errs.IllegalState("dag: node %s panicked: %v", e.node.id, r)
		}
		e.mu.Lock()
		if err != nil {
			e.err = err
		} else {
			e.fanout = autodiff.NewFanout(res, e.expected)
			res.FreeRef()
			c.register(e.fanout)
		}
		e.state = Resolved
		close(e.done)
		e.mu.Unlock()
		if r != nil {
			panic(r)
		}
	}()
	res, err = c.resolve(ctx, e.node, path)
}

func (c *Context) register(f *autodiff.Fanout) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fanouts = append(c.fanouts, f)
}

// resolve fetches the upstream handles of node and evaluates its layer.
func (c *Context) resolve(ctx context.Context, node *Node, path []uuid.UUID) (*autodiff.Result, error) {
	if node.IsInput() {
		return nil, errs.IllegalState("dag: input placeholder %d has no value", node.input)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path = append(path[:len(path):len(path)], node.id)
	inputs := make([]*autodiff.Result, len(node.inputs))
	defer func() {
		for _, in := range inputs {
			if in != nil {
				in.FreeRef()
			}
		}
	}()
	err := parallel.Each(ctx, len(inputs), func(ctx context.Context, i int) error {
		h, err := c.get(ctx, node.inputs[i], path)
		if err != nil {
			return err
		}
		inputs[i] = h
		return nil
	}, c.opts.Parallel)
	if err != nil {
		return nil, err
	}

	_, span := c.opts.Tracer.Start(ctx, "dag.node",
		trace.WithAttributes(
			attribute.String("node_id", node.id.String()),
			attribute.String("layer", node.layer.Name()),
		),
	)
	defer span.End()
	res, err := node.layer.Eval(inputs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "layer evaluation failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("items", res.Data().Length()),
		attribute.Bool("alive", res.IsAlive()),
	)
	return res, nil
}

// Flush forwards partial gradient sums of consumers that never reported,
// downstream nodes first. Call it after the backward pass of the head.
func (c *Context) Flush() error {
	c.mu.Lock()
	fanouts := slices.Clone(c.fanouts)
	c.mu.Unlock()
	for i := len(fanouts) - 1; i >= 0; i-- {
		if err := fanouts[i].Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Close frees the handles that were never requested. It is safe to call
// more than once.
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	for _, e := range c.entries {
		e.mu.Lock()
		var left []*autodiff.Result
		if e.fanout != nil {
			for i := e.next; i < e.expected; i++ {
				left = append(left, e.fanout.Handle(i))
			}
			e.next = e.expected
			e.fanout = nil
			e.state = Released
		}
		e.mu.Unlock()
		for _, h := range left {
			h.FreeRef()
		}
	}
}
