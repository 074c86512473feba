// Package session defines the ServingSession capability the event handler
// dispatches against (spec §1: "the serving session... the core treats it
// as an opaque capability") and provides LocalSession, a reference
// in-process implementation used by tests and by any embedder that does
// not need a real device backend.
//
// The dispatch shape — look a name up in a table, unmarshal args, invoke,
// marshal the result — is generalized from "exported struct methods
// matching an RPC signature" to "named packed functions registered by
// string name", which is what the protocol's GetGlobalFunc syscall and
// InitServer constructor lookup actually need.
package session

import (
	"fmt"

	"rpcendpoint/packedseq"
	"rpcendpoint/rpctypes"
)

// Completion is invoked exactly once when an asynchronous operation
// finishes. err == nil means success and result carries the packed return
// value(s); err != nil means failure, and its message becomes the peer's
// Exception text.
type Completion func(result []packedseq.Value, err error)

// DeviceAttrKind selects which device attribute DevGetAttr queries.
type DeviceAttrKind int32

const (
	AttrExists DeviceAttrKind = 0
	AttrMaxThreadsPerBlock DeviceAttrKind = 1
	AttrWarpSize           DeviceAttrKind = 2
	AttrMaxSharedMemoryPerBlock DeviceAttrKind = 3
	AttrComputeVersion     DeviceAttrKind = 4
	AttrDeviceName         DeviceAttrKind = 5
)

// ServingSession is the opaque capability the event handler calls into.
// Spec §1 explicitly keeps its implementation out of core scope; this
// interface is the seam, and LocalSession below is the reference
// implementation this repository ships for tests and simple embeddings.
type ServingSession interface {
	// IsLocalSession reports whether the event handler's host-resident
	// zero-copy fast paths (handleCopyFromRemote/handleCopyToRemote) may be
	// taken: true only when the session executes in this same process.
	IsLocalSession() bool

	AsyncCallFunc(handle rpctypes.Handle, args []packedseq.Value, done Completion)
	AsyncCopyFromRemote(tensor *rpctypes.TensorDescriptor, dest []byte, nbytes uint64, done Completion)
	AsyncCopyToRemote(src []byte, tensor *rpctypes.TensorDescriptor, nbytes uint64, done Completion)
	AsyncStreamWait(dev rpctypes.Device, stream rpctypes.Handle, done Completion)

	GetFunction(name string) (rpctypes.Handle, error)
	FreeHandle(handle rpctypes.Handle) error
	SetDevice(dev rpctypes.Device) error
	HasDeviceAPI(dev rpctypes.Device) bool
	GetAttr(dev rpctypes.Device, kind DeviceAttrKind) (packedseq.Value, error)
	AllocDataSpace(dev rpctypes.Device, nbytes, alignment uint64, hint rpctypes.DType) (rpctypes.Handle, error)
	AllocDataSpaceWithScope(tensor *rpctypes.TensorDescriptor, scope string, hasScope bool) (rpctypes.Handle, error)
	FreeDataSpace(dev rpctypes.Device, ptr rpctypes.Handle) error
	CopyDataFromTo(from, to *rpctypes.TensorDescriptor, stream rpctypes.Handle) error
	CreateStream(dev rpctypes.Device) (rpctypes.Handle, error)
	FreeStream(dev rpctypes.Device, stream rpctypes.Handle) error
	SetStream(dev rpctypes.Device, stream rpctypes.Handle) error
	GetCurrentStream(dev rpctypes.Device) (rpctypes.Handle, error)
}

// HostAccessible is implemented by sessions that can hand back a direct
// slice into a tensor's host-resident backing memory, letting the event
// handler skip arena staging entirely for the zero-copy fast path (spec
// §4.4 items 3/4). Only consulted when IsLocalSession() is also true and
// the tensor's device is host-resident.
type HostAccessible interface {
	HostBytes(tensor *rpctypes.TensorDescriptor, nbytes uint64) ([]byte, error)
}

// Constructor builds a ServingSession from InitServer's forwarded
// constructor args (spec §4.4 InitServer): a named-function lookup by
// constructor name, resolved against the process-global Registry below.
type Constructor func(args []packedseq.Value) (ServingSession, error)

// Registry is the process-global table of named session constructors that
// InitServer resolves against, e.g. "rpc.LocalSession".
var Registry = map[string]Constructor{}

func init() {
	Registry["rpc.LocalSession"] = func(args []packedseq.Value) (ServingSession, error) {
		return NewLocalSession(), nil
	}
}

// RegisterConstructor adds (or replaces) a named session constructor.
func RegisterConstructor(name string, ctor Constructor) {
	Registry[name] = ctor
}

// ResolveConstructor looks up a registered constructor by name.
func ResolveConstructor(name string) (Constructor, error) {
	ctor, ok := Registry[name]
	if !ok {
		return nil, fmt.Errorf("session: no constructor registered under name %q", name)
	}
	return ctor, nil
}
