// Package dag implements DAG networks of layers and their per-evaluation
// memo context.
//
// A Network is an arena of nodes keyed by uuid. Each node holds a layer and
// the ids of its upstream nodes; input placeholders stand for the values
// passed to Eval. The head node's result is the network's output.
//
// Evaluation is lazy and memoized per Context: a node is evaluated on its
// first request, every consumer receives its own handle onto the shared
// result, and the context drops its cache entry once the expected number
// of consumers has been served. Gradients from several consumers are
// summed before they reach the shared result.
//
// Example:
//
//	net := dag.New(1)
//	h, _ := net.Add(nn.NewFullyConnected(tensor.Shape{3}, tensor.Shape{2}), net.Input(0))
//	net.Add(nn.NewReLU(), h)
//	out, err := net.Eval(x)
//
// A Network satisfies autodiff.Layer, so networks nest.
package dag

import (
	"sync"

	"github.com/born-ml/deltagraph/internal/autodiff"
	"github.com/born-ml/deltagraph/internal/errs"
	"github.com/google/uuid"
)

// Node is one vertex of a Network. Nodes are immutable once added.
type Node struct {
	id     uuid.UUID
	label  string
	layer  autodiff.Layer
	inputs []uuid.UUID
	input  int // placeholder index, -1 for layer nodes
}

// ID returns the node id.
func (n *Node) ID() uuid.UUID {
	return n.id
}

// Label returns the node label, if any.
func (n *Node) Label() string {
	return n.label
}

// Layer returns the node's layer. nil for input placeholders.
func (n *Node) Layer() autodiff.Layer {
	return n.layer
}

// Inputs returns the upstream node ids.
func (n *Node) Inputs() []uuid.UUID {
	return append([]uuid.UUID(nil), n.inputs...)
}

// IsInput reports whether the node is an input placeholder.
func (n *Node) IsInput() bool {
	return n.input >= 0
}

// Network is a mutable DAG of layers.
type Network struct {
	autodiff.BaseLayer
	opts Options

	mu     sync.RWMutex
	inputs []uuid.UUID
	nodes  map[uuid.UUID]*Node
	order  []uuid.UUID // layer nodes in insertion order
	labels map[string]uuid.UUID
	head   uuid.UUID
}

// New creates a network with the given number of input placeholders. The
// head starts at the first input.
func New(inputs int, opts ...Option) *Network {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	n := &Network{
		opts:   o,
		nodes:  make(map[uuid.UUID]*Node),
		labels: make(map[string]uuid.UUID),
	}
	n.InitBase(o.Name, uuid.Nil)
	for i := 0; i < inputs; i++ {
		n.addPlaceholder(uuid.New(), i)
	}
	if inputs > 0 {
		n.head = n.inputs[0]
	}
	return n
}

func (n *Network) addPlaceholder(id uuid.UUID, i int) {
	n.inputs = append(n.inputs, id)
	n.nodes[id] = &Node{id: id, input: i}
}

// Options returns the network configuration.
func (n *Network) Options() Options {
	return n.opts
}

// Add appends a node evaluating layer on the given upstream nodes and makes
// it the head. Every input must be a placeholder or a node already in the
// network.
func (n *Network) Add(layer autodiff.Layer, inputs ...uuid.UUID) (uuid.UUID, error) {
	return n.AddNamed("", layer, inputs...)
}

// AddNamed is Add with a label that Label resolves later.
func (n *Network) AddNamed(label string, layer autodiff.Layer, inputs ...uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.addLocked(id, label, layer, inputs); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// Wrap adds layer fed by the current head and makes it the new head.
func (n *Network) Wrap(layer autodiff.Layer) (uuid.UUID, error) {
	n.mu.RLock()
	head := n.head
	n.mu.RUnlock()
	if head == uuid.Nil {
		return uuid.Nil, errs.IllegalState("dag: wrap on a network without head")
	}
	return n.Add(layer, head)
}

func (n *Network) addLocked(id uuid.UUID, label string, layer autodiff.Layer, inputs []uuid.UUID) error {
	switch {
	case layer == nil:
		return errs.InvalidArgument("dag: nil layer")
	case layer == autodiff.Layer(n):
		return errs.InvalidArgument("dag: network cannot contain itself")
	}
	if _, ok := n.nodes[id]; ok {
		return errs.IllegalState("dag: duplicate node %s", id)
	}
	for _, in := range inputs {
		if _, ok := n.nodes[in]; !ok {
			return errs.IllegalState("dag: node %s links to unknown node %s", id, in)
		}
	}
	if label != "" {
		if _, ok := n.labels[label]; ok {
			return errs.IllegalState("dag: duplicate label %q", label)
		}
	}
	n.nodes[id] = &Node{
		id:     id,
		label:  label,
		layer:  layer,
		inputs: append([]uuid.UUID(nil), inputs...),
		input:  -1,
	}
	n.order = append(n.order, id)
	if label != "" {
		n.labels[label] = id
	}
	prevHead := n.head
	n.head = id
	if err := n.checkLocked(); err != nil {
		delete(n.nodes, id)
		n.order = n.order[:len(n.order)-1]
		delete(n.labels, label)
		n.head = prevHead
		return err
	}
	return nil
}

// SetHead selects the output node.
func (n *Network) SetHead(id uuid.UUID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.nodes[id]; !ok {
		return errs.IllegalState("dag: head %s is not a node", id)
	}
	n.head = id
	return nil
}

// Head returns the output node id.
func (n *Network) Head() uuid.UUID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.head
}

// Input returns the id of the i-th input placeholder.
func (n *Network) Input(i int) uuid.UUID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.inputs[i]
}

// NumInputs returns the number of input placeholders.
func (n *Network) NumInputs() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.inputs)
}

// Node returns the node with the given id.
func (n *Network) Node(id uuid.UUID) (*Node, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	node, ok := n.nodes[id]
	return node, ok
}

// Label resolves a node label.
func (n *Network) Label(name string) (uuid.UUID, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	id, ok := n.labels[name]
	return id, ok
}

// Nodes returns the layer nodes in insertion order.
func (n *Network) Nodes() []*Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Node, len(n.order))
	for i, id := range n.order {
		out[i] = n.nodes[id]
	}
	return out
}

// Layers returns the layers of all nodes in insertion order.
func (n *Network) Layers() []autodiff.Layer {
	nodes := n.Nodes()
	out := make([]autodiff.Layer, len(nodes))
	for i, node := range nodes {
		out[i] = node.layer
	}
	return out
}

// State returns the state buffers of every layer in insertion order.
func (n *Network) State() [][]float64 {
	var out [][]float64
	for _, l := range n.Layers() {
		out = append(out, l.State()...)
	}
	return out
}

// Frozen reports whether every layer is frozen.
func (n *Network) Frozen() bool {
	layers := n.Layers()
	if len(layers) == 0 {
		return false
	}
	for _, l := range layers {
		if !l.Frozen() {
			return false
		}
	}
	return true
}

// SetFrozen freezes or unfreezes every layer.
func (n *Network) SetFrozen(frozen bool) {
	for _, l := range n.Layers() {
		l.SetFrozen(frozen)
	}
}

// Check verifies the consistency of the graph.
func (n *Network) Check() error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.checkLocked()
}

// checkLocked verifies that labels and the head name nodes, every link
// resolves and the graph is acyclic (Kahn's algorithm).
func (n *Network) checkLocked() error {
	for label, id := range n.labels {
		if _, ok := n.nodes[id]; !ok {
			return errs.IllegalState("dag: label %q points to unknown node %s", label, id)
		}
	}
	if n.head != uuid.Nil {
		if _, ok := n.nodes[n.head]; !ok {
			return errs.IllegalState("dag: head %s is not a node", n.head)
		}
	}

	inDegree := make(map[uuid.UUID]int, len(n.nodes))
	dependents := make(map[uuid.UUID][]uuid.UUID, len(n.nodes))
	for id, node := range n.nodes {
		if node.IsInput() && len(node.inputs) > 0 {
			return errs.IllegalState("dag: input placeholder %s has links", id)
		}
		for _, in := range node.inputs {
			if _, ok := n.nodes[in]; !ok {
				return errs.IllegalState("dag: node %s links to unknown node %s", id, in)
			}
			dependents[in] = append(dependents[in], id)
			inDegree[id]++
		}
	}
	queue := make([]uuid.UUID, 0, len(n.nodes))
	for id := range n.nodes {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited != len(n.nodes) {
		return errs.IllegalState("dag: graph has a cycle through %d nodes", len(n.nodes)-visited)
	}
	return nil
}

// plan is the immutable view of the graph used by one evaluation.
type plan struct {
	nodes    map[uuid.UUID]*Node
	inputs   []uuid.UUID
	head     uuid.UUID
	expected map[uuid.UUID]int
}

// snapshot captures the graph and counts how many times each node reachable
// from the head will be requested. The head has one external consumer.
func (n *Network) snapshot() (*plan, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.head == uuid.Nil {
		return nil, errs.IllegalState("dag: network has no head")
	}
	p := &plan{
		nodes:    make(map[uuid.UUID]*Node, len(n.nodes)),
		inputs:   append([]uuid.UUID(nil), n.inputs...),
		head:     n.head,
		expected: make(map[uuid.UUID]int),
	}
	for id, node := range n.nodes {
		p.nodes[id] = node
	}
	p.expected[p.head] = 1
	seen := map[uuid.UUID]bool{p.head: true}
	stack := []uuid.UUID{p.head}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node, ok := p.nodes[id]
		if !ok {
			return nil, errs.IllegalState("dag: unknown node %s", id)
		}
		for _, in := range node.inputs {
			p.expected[in]++
			if !seen[in] {
				seen[in] = true
				stack = append(stack, in)
			}
		}
	}
	return p, nil
}
