package dag

import (
	"encoding/json"

	"github.com/born-ml/deltagraph/internal/autodiff"
	"github.com/born-ml/deltagraph/internal/errs"
	"github.com/born-ml/deltagraph/internal/nn"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const classNetwork = "DAGNetwork"

func init() {
	nn.DefaultRegistry.Register(classNetwork, decode)
}

type networkDoc struct {
	autodiff.Header
	Inputs []uuid.UUID          `json:"inputs"`
	Nodes  []nodeDoc            `json:"nodes"`
	Labels map[string]uuid.UUID `json:"labels,omitempty"`
	Head   uuid.UUID            `json:"head"`
}

type nodeDoc struct {
	ID     uuid.UUID       `json:"id"`
	Inputs []uuid.UUID     `json:"inputs,omitempty"`
	Layer  json.RawMessage `json:"layer"`
}

// JSON returns the graph document. Layer documents are nested per node and
// their weights go into res.
func (n *Network) JSON(res *autodiff.Resources) (json.RawMessage, error) {
	n.mu.RLock()
	doc := networkDoc{
		Header: autodiff.Header{Class: classNetwork, ID: n.ID(), Name: n.Name()},
		Inputs: append([]uuid.UUID(nil), n.inputs...),
		Head:   n.head,
	}
	if len(n.labels) > 0 {
		doc.Labels = make(map[string]uuid.UUID, len(n.labels))
		for k, v := range n.labels {
			doc.Labels[k] = v
		}
	}
	nodes := make([]*Node, len(n.order))
	for i, id := range n.order {
		nodes[i] = n.nodes[id]
	}
	n.mu.RUnlock()

	for _, node := range nodes {
		layer, err := node.layer.JSON(res)
		if err != nil {
			return nil, errors.WithMessagef(err, "node %s", node.id)
		}
		doc.Nodes = append(doc.Nodes, nodeDoc{ID: node.id, Inputs: node.inputs, Layer: layer})
	}
	return json.Marshal(doc)
}

// FromJSON restores a network. Layers are decoded with nn.DefaultRegistry.
func FromJSON(doc json.RawMessage, res *autodiff.Resources, opts ...Option) (*Network, error) {
	return decodeNetwork(nn.DefaultRegistry, doc, res, opts)
}

func decode(r *nn.Registry, doc json.RawMessage, res *autodiff.Resources) (autodiff.Layer, error) {
	return decodeNetwork(r, doc, res, nil)
}

func decodeNetwork(r *nn.Registry, doc json.RawMessage, res *autodiff.Resources, opts []Option) (*Network, error) {
	var d networkDoc
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, errors.Wrapf(errs.ErrInvalidArgument, "%s document: %v", classNetwork, err)
	}
	if d.Class != classNetwork {
		return nil, errs.InvalidArgument("expected class %q, got %q", classNetwork, d.Class)
	}

	n := New(0, opts...)
	n.InitBase(d.Name, d.ID)
	for i, id := range d.Inputs {
		if _, ok := n.nodes[id]; ok || id == uuid.Nil {
			return nil, errs.IllegalState("dag: invalid input placeholder %s", id)
		}
		n.addPlaceholder(id, i)
	}
	if len(n.inputs) > 0 {
		n.head = n.inputs[0]
	}

	labels := make(map[uuid.UUID]string, len(d.Labels))
	for label, id := range d.Labels {
		labels[id] = label
	}
	for _, nd := range d.Nodes {
		layer, err := r.Decode(nd.Layer, res)
		if err != nil {
			return nil, errors.WithMessagef(err, "node %s", nd.ID)
		}
		label := labels[nd.ID]
		delete(labels, nd.ID)
		if err := n.addLocked(nd.ID, label, layer, nd.Inputs); err != nil {
			return nil, err
		}
	}
	if len(labels) > 0 {
		return nil, errs.IllegalState("dag: %d labels point to unknown nodes", len(labels))
	}
	if d.Head != uuid.Nil {
		if err := n.SetHead(d.Head); err != nil {
			return nil, err
		}
	}
	if err := n.Check(); err != nil {
		return nil, err
	}
	return n, nil
}
