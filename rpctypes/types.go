package rpctypes

import "fmt"

// Handle is a 64-bit identifier of a resource owned by the peer: a
// function, a device buffer, or a device stream. It is meaningful only to
// its owner; the holder only ever stores and forwards it.
type Handle uint64

// DeviceKind mirrors the small set of device kinds the protocol needs to
// distinguish; CPU is special-cased throughout (host-resident fast paths).
type DeviceKind int32

const (
	DeviceCPU    DeviceKind = 1
	DeviceCUDA   DeviceKind = 2
	DeviceOpenCL DeviceKind = 4
	DeviceVulkan DeviceKind = 7
	DeviceMetal  DeviceKind = 8
	DeviceROCM   DeviceKind = 10
)

// Device identifies a device kind plus a device-local index.
type Device struct {
	Kind DeviceKind
	ID   int32
}

func (d Device) String() string { return fmt.Sprintf("dev(%d,%d)", d.Kind, d.ID) }

// RPCSessMask marks a device kind as belonging to a nested RPC session
// rather than a locally addressable device. Such devices are meaningless
// once forwarded through a different channel, so the codec's argument
// validation rejects them (spec §4.3 "passing an RPC-session device through
// the channel is forbidden").
const RPCSessMask DeviceKind = 1 << 16

// IsRPCSession reports whether d identifies a device living behind another
// RPC session.
func (d Device) IsRPCSession() bool { return d.Kind&RPCSessMask != 0 }

// IsHostResident reports whether d is the CPU device — the only device
// kind whose tensors the CopyFromRemote/CopyToRemote zero-copy fast path
// may touch directly (spec §4.4 items 3/4).
func (d Device) IsHostResident() bool { return d.Kind == DeviceCPU }

// DType describes an element type as (code, bits, lanes), e.g. float32 is
// (code=2, bits=32, lanes=1).
type DType struct {
	Code  byte
	Bits  byte
	Lanes uint16
}

const (
	DTypeCodeInt   byte = 0
	DTypeCodeUInt  byte = 1
	DTypeCodeFloat byte = 2
	DTypeCodeBFloat byte = 4
)

// ElemBytes returns the byte width of one element, rounded up. A non-zero
// remainder (sub-byte elements, e.g. 4-bit ints) means the host-resident
// zero-copy fast path must not be taken (SPEC_FULL.md §11).
func (t DType) ElemBytes() int {
	return (int(t.Bits)*int(t.Lanes) + 7) / 8
}

// WholeByteElems reports whether every element occupies a whole number of
// bytes, i.e. bits*lanes is a multiple of 8.
func (t DType) WholeByteElems() bool {
	return (int(t.Bits)*int(t.Lanes))%8 == 0
}

// TensorDescriptor is the wire shape of a tensor passed to CopyToRemote /
// CopyFromRemote / DevAllocDataWithScope: device + dtype + shape + a
// byte-offset into an opaque data handle only meaningful to the owning
// side.
type TensorDescriptor struct {
	Device     Device
	Data       Handle // opaque; cast by the owning side to its native pointer/handle
	Shape      []int64
	DType      DType
	ByteOffset uint64
}

func (t *TensorDescriptor) NDim() int { return len(t.Shape) }

// NumElems returns the product of Shape, or 1 for a 0-dim tensor (a
// scalar).
func (t *TensorDescriptor) NumElems() int64 {
	if len(t.Shape) == 0 {
		return 1
	}
	n := int64(1)
	for _, s := range t.Shape {
		n *= s
	}
	return n
}

// NumBytes returns the total byte size of the tensor's backing buffer
// (NumElems * DType.ElemBytes), independent of ByteOffset.
func (t *TensorDescriptor) NumBytes() uint64 {
	return uint64(t.NumElems()) * uint64(t.DType.ElemBytes())
}

// RemoteObjectRef is a locally held reference to a peer-owned handle. Its
// Close enqueues a FreeHandle syscall to the owner exactly once; dropping it
// without Close is a resource leak on the peer, not a local correctness bug
// (the peer does not learn the handle is unused).
//
// Go has no destructors, so unlike the C++ original there is no automatic
// free-on-scope-exit; Close is the idiomatic equivalent and callers are
// expected to use it (typically via defer).
type RemoteObjectRef struct {
	Handle Handle
	owner  HandleOwner
	closed bool
}

// HandleOwner is implemented by the endpoint that owns a handle's lifetime;
// RemoteObjectRef.Close calls back into it to send FreeHandle.
type HandleOwner interface {
	FreeRemoteHandle(h Handle)
}

// NewRemoteObjectRef wraps a handle received from or destined for owner.
func NewRemoteObjectRef(h Handle, owner HandleOwner) *RemoteObjectRef {
	return &RemoteObjectRef{Handle: h, owner: owner}
}

// Close frees the handle on its owner. Safe to call more than once; only
// the first call has effect (at-most-once free semantics, spec §3).
func (r *RemoteObjectRef) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.owner != nil {
		r.owner.FreeRemoteHandle(r.Handle)
	}
	return nil
}

// RemoteError is raised locally when the peer returns an Exception packet.
// Timeout is true when the peer's message carried TimeoutErrorPrefix, in
// which case Error() returns the message verbatim; otherwise it is
// prefixed with the RPC-error banner (spec §7).
type RemoteError struct {
	Message string
	Timeout bool
}

func (e *RemoteError) Error() string {
	if e.Timeout {
		return e.Message
	}
	return "RPCError: Error caught from RPC call:\n" + e.Message
}

// NewRemoteError classifies msg per the timeout-prefix rule and returns the
// corresponding RemoteError.
func NewRemoteError(msg string) *RemoteError {
	if len(msg) >= len(TimeoutErrorPrefix) && msg[:len(TimeoutErrorPrefix)] == TimeoutErrorPrefix {
		return &RemoteError{Message: msg, Timeout: true}
	}
	return &RemoteError{Message: msg, Timeout: false}
}
