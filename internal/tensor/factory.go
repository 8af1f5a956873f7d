package tensor

import (
	"github.com/born-ml/deltagraph/internal/memory"
)

// Factory decides where layer outputs live. Layers compute on host tensors
// and hand the finished items to a Factory, so one layer implementation
// serves every backend.
type Factory interface {
	// Place takes ownership of items and returns a list holding them.
	Place(items []*Tensor) (List, error)
	// Name identifies the placement strategy.
	Name() string
}

// HostFactory keeps outputs in host memory.
type HostFactory struct{}

// Place wraps items in a HostList.
func (HostFactory) Place(items []*Tensor) (List, error) {
	l, err := NewHostList(items...)
	if err != nil {
		FreeTensors(items)
		return nil, err
	}
	return l, nil
}

// Name returns "host".
func (HostFactory) Name() string {
	return "host"
}

// DeviceFactory uploads outputs to backend memory.
type DeviceFactory struct {
	Backend   memory.Backend
	Precision Precision
	Exec      memory.ExecContext
}

// Place uploads items into a DeviceList and releases the host copies.
func (f DeviceFactory) Place(items []*Tensor) (List, error) {
	host, err := NewHostList(items...)
	if err != nil {
		FreeTensors(items)
		return nil, err
	}
	defer host.FreeRef()
	return UploadList(f.Backend, f.Exec, f.Precision, host)
}

// Name returns the backend name.
func (f DeviceFactory) Name() string {
	return "device(" + f.Backend.Name() + ")"
}

// ExecFactory is a Factory whose backend operations can be bound to an
// execution context acquired by the caller.
type ExecFactory interface {
	Factory
	WithExec(ec memory.ExecContext) Factory
}

// WithExec returns a copy of f issuing its operations on ec.
func (f DeviceFactory) WithExec(ec memory.ExecContext) Factory {
	f.Exec = ec
	return f
}

// DefaultFactory is used by layers constructed without an explicit factory.
var DefaultFactory Factory = HostFactory{}
