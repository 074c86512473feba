package session

import (
	"fmt"
	"sync"

	"rpcendpoint/packedseq"
	"rpcendpoint/rpctypes"
)

// PackedFunc is a named callable registered with a LocalSession. It models
// a global packed-function table rather than a reflection-based
// struct-method table, because the wire protocol already carries a fully
// packed argument sequence — there is no exported-method signature to
// reflect over, only a name and a []Value.
type PackedFunc func(args []packedseq.Value) ([]packedseq.Value, error)

type dataBuffer struct {
	dev  rpctypes.Device
	data []byte
}

// LocalSession is the reference ServingSession: an in-process function
// table plus simulated host-memory device backing store. It is the
// default session InitServer constructs when the peer asks for
// "rpc.LocalSession", and what the test suite drives the event handler
// against.
//
// Dispatch shape (name lookup -> invoke -> marshal result) generalizes a
// reflect-over-exported-methods Call path to a plain string-keyed lookup,
// since the packed sequence is already untyped and has no method signature
// to reflect over.
type LocalSession struct {
	mu            sync.Mutex
	functions     map[string]PackedFunc
	funcsByHandle map[rpctypes.Handle]string
	nextHandle    rpctypes.Handle
	buffers       map[rpctypes.Handle]*dataBuffer
	streams       map[rpctypes.Handle]struct{}
	curStream     map[rpctypes.Device]rpctypes.Handle
	devices       map[rpctypes.DeviceKind]bool
}

// NewLocalSession builds a LocalSession whose only known device is the CPU
// (spec's baseline device; other kinds can be registered with
// RegisterDevice for tests that exercise the unknown-device error path).
func NewLocalSession() *LocalSession {
	s := &LocalSession{
		functions:     make(map[string]PackedFunc),
		funcsByHandle: make(map[rpctypes.Handle]string),
		buffers:       make(map[rpctypes.Handle]*dataBuffer),
		streams:       make(map[rpctypes.Handle]struct{}),
		curStream:     make(map[rpctypes.Device]rpctypes.Handle),
		devices:       map[rpctypes.DeviceKind]bool{rpctypes.DeviceCPU: true},
	}
	return s
}

func (s *LocalSession) IsLocalSession() bool { return true }

// RegisterFunction adds a named packed function to the session's global
// table, the local analogue of the original RPCGetGlobalFunc target.
func (s *LocalSession) RegisterFunction(name string, fn PackedFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.functions[name] = fn
}

// RegisterDevice marks a device kind as present, letting tests exercise
// SetDevice/GetAttr/AllocDataSpace paths for devices other than the CPU
// without simulating a real backend for them.
func (s *LocalSession) RegisterDevice(kind rpctypes.DeviceKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[kind] = true
}

func (s *LocalSession) allocHandle() rpctypes.Handle {
	s.nextHandle++
	return s.nextHandle
}

func (s *LocalSession) GetFunction(name string) (rpctypes.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.functions[name]; !ok {
		return 0, fmt.Errorf("session: no global function registered under name %q", name)
	}
	h := s.allocHandle()
	s.funcsByHandle[h] = name
	return h, nil
}

func (s *LocalSession) FreeHandle(h rpctypes.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buffers[h]; ok {
		delete(s.buffers, h)
		return nil
	}
	if _, ok := s.streams[h]; ok {
		delete(s.streams, h)
		return nil
	}
	if _, ok := s.funcsByHandle[h]; ok {
		delete(s.funcsByHandle, h)
		return nil
	}
	return fmt.Errorf("session: FreeHandle on unknown handle %d", h)
}

func (s *LocalSession) AsyncCallFunc(handle rpctypes.Handle, args []packedseq.Value, done Completion) {
	s.mu.Lock()
	name, ok := s.funcsByHandle[handle]
	var fn PackedFunc
	if ok {
		fn, ok = s.functions[name]
	}
	s.mu.Unlock()
	if !ok {
		done(nil, fmt.Errorf("session: CallFunc on unknown function handle %d", handle))
		return
	}
	result, err := fn(args)
	done(result, err)
}

func (s *LocalSession) AsyncCopyFromRemote(tensor *rpctypes.TensorDescriptor, dest []byte, nbytes uint64, done Completion) {
	s.mu.Lock()
	buf, ok := s.buffers[tensor.Data]
	s.mu.Unlock()
	if !ok {
		done(nil, fmt.Errorf("session: CopyFromRemote on unknown data handle %d", tensor.Data))
		return
	}
	off := tensor.ByteOffset
	if off+nbytes > uint64(len(buf.data)) {
		done(nil, fmt.Errorf("session: CopyFromRemote out of range: offset %d len %d buffer %d", off, nbytes, len(buf.data)))
		return
	}
	copy(dest[:nbytes], buf.data[off:off+nbytes])
	done(nil, nil)
}

// HostBytes implements session.HostAccessible: it returns a slice directly
// into the buffer's backing array rather than a copy, so the event
// handler's zero-copy fast path can read or write through it without
// staging through the arena.
func (s *LocalSession) HostBytes(tensor *rpctypes.TensorDescriptor, nbytes uint64) ([]byte, error) {
	s.mu.Lock()
	buf, ok := s.buffers[tensor.Data]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("session: HostBytes on unknown data handle %d", tensor.Data)
	}
	off := tensor.ByteOffset
	if off+nbytes > uint64(len(buf.data)) {
		return nil, fmt.Errorf("session: HostBytes out of range: offset %d len %d buffer %d", off, nbytes, len(buf.data))
	}
	return buf.data[off : off+nbytes], nil
}

func (s *LocalSession) AsyncCopyToRemote(src []byte, tensor *rpctypes.TensorDescriptor, nbytes uint64, done Completion) {
	s.mu.Lock()
	buf, ok := s.buffers[tensor.Data]
	s.mu.Unlock()
	if !ok {
		done(nil, fmt.Errorf("session: CopyToRemote on unknown data handle %d", tensor.Data))
		return
	}
	off := tensor.ByteOffset
	if off+nbytes > uint64(len(buf.data)) {
		done(nil, fmt.Errorf("session: CopyToRemote out of range: offset %d len %d buffer %d", off, nbytes, len(buf.data)))
		return
	}
	copy(buf.data[off:off+nbytes], src[:nbytes])
	done(nil, nil)
}

func (s *LocalSession) AsyncStreamWait(dev rpctypes.Device, stream rpctypes.Handle, done Completion) {
	// The simulated backend executes everything synchronously already, so
	// there is nothing to wait for; this just validates the stream exists.
	s.mu.Lock()
	_, ok := s.streams[stream]
	s.mu.Unlock()
	if !ok {
		done(nil, fmt.Errorf("session: StreamSync on unknown stream handle %d", stream))
		return
	}
	done(nil, nil)
}

func (s *LocalSession) HasDeviceAPI(dev rpctypes.Device) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devices[dev.Kind]
}

func (s *LocalSession) SetDevice(dev rpctypes.Device) error {
	if !s.HasDeviceAPI(dev) {
		return fmt.Errorf("session: unknown device kind %v", dev.Kind)
	}
	return nil
}

func (s *LocalSession) GetAttr(dev rpctypes.Device, kind DeviceAttrKind) (packedseq.Value, error) {
	if kind == AttrExists {
		return packedseq.Int(boolToInt(s.HasDeviceAPI(dev))), nil
	}
	if !s.HasDeviceAPI(dev) {
		return packedseq.Value{}, fmt.Errorf("session: unknown device kind %v", dev.Kind)
	}
	switch kind {
	case AttrMaxThreadsPerBlock:
		return packedseq.Int(1), nil
	case AttrWarpSize:
		return packedseq.Int(1), nil
	case AttrMaxSharedMemoryPerBlock:
		return packedseq.Int(0), nil
	case AttrComputeVersion:
		return packedseq.String("host"), nil
	case AttrDeviceName:
		return packedseq.String(dev.String()), nil
	default:
		return packedseq.Null(), nil
	}
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func (s *LocalSession) AllocDataSpace(dev rpctypes.Device, nbytes, alignment uint64, hint rpctypes.DType) (rpctypes.Handle, error) {
	if !s.HasDeviceAPI(dev) {
		return 0, fmt.Errorf("session: AllocDataSpace on unknown device kind %v", dev.Kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.allocHandle()
	s.buffers[h] = &dataBuffer{dev: dev, data: make([]byte, nbytes)}
	return h, nil
}

func (s *LocalSession) AllocDataSpaceWithScope(tensor *rpctypes.TensorDescriptor, scope string, hasScope bool) (rpctypes.Handle, error) {
	if !s.HasDeviceAPI(tensor.Device) {
		return 0, fmt.Errorf("session: AllocDataSpaceWithScope on unknown device kind %v", tensor.Device.Kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.allocHandle()
	s.buffers[h] = &dataBuffer{dev: tensor.Device, data: make([]byte, tensor.NumBytes())}
	return h, nil
}

func (s *LocalSession) FreeDataSpace(dev rpctypes.Device, ptr rpctypes.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buffers[ptr]; !ok {
		return fmt.Errorf("session: FreeDataSpace on unknown handle %d", ptr)
	}
	delete(s.buffers, ptr)
	return nil
}

func (s *LocalSession) CopyDataFromTo(from, to *rpctypes.TensorDescriptor, stream rpctypes.Handle) error {
	s.mu.Lock()
	fromBuf, ok1 := s.buffers[from.Data]
	toBuf, ok2 := s.buffers[to.Data]
	s.mu.Unlock()
	if !ok1 {
		return fmt.Errorf("session: CopyDataFromTo source handle %d not found", from.Data)
	}
	if !ok2 {
		return fmt.Errorf("session: CopyDataFromTo dest handle %d not found", to.Data)
	}
	n := from.NumBytes()
	if n != to.NumBytes() {
		return fmt.Errorf("session: CopyDataFromTo size mismatch: src %d dst %d", n, to.NumBytes())
	}
	if from.ByteOffset+n > uint64(len(fromBuf.data)) || to.ByteOffset+n > uint64(len(toBuf.data)) {
		return fmt.Errorf("session: CopyDataFromTo out of range")
	}
	copy(toBuf.data[to.ByteOffset:to.ByteOffset+n], fromBuf.data[from.ByteOffset:from.ByteOffset+n])
	return nil
}

func (s *LocalSession) CreateStream(dev rpctypes.Device) (rpctypes.Handle, error) {
	if !s.HasDeviceAPI(dev) {
		return 0, fmt.Errorf("session: CreateStream on unknown device kind %v", dev.Kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.allocHandle()
	s.streams[h] = struct{}{}
	return h, nil
}

func (s *LocalSession) FreeStream(dev rpctypes.Device, stream rpctypes.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[stream]; !ok {
		return fmt.Errorf("session: FreeStream on unknown stream handle %d", stream)
	}
	delete(s.streams, stream)
	return nil
}

func (s *LocalSession) SetStream(dev rpctypes.Device, stream rpctypes.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[stream]; !ok {
		return fmt.Errorf("session: SetStream on unknown stream handle %d", stream)
	}
	s.curStream[dev] = stream
	return nil
}

func (s *LocalSession) GetCurrentStream(dev rpctypes.Device) (rpctypes.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curStream[dev], nil
}
