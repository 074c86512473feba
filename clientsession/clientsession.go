// Package clientsession implements the Client Session Adapter (spec §4.6):
// a thin wrapper around an *endpoint.Endpoint that presents a uniform
// session + device API to local callers, and hides the one piece of real
// logic that belongs above the single-packet endpoint facade — chunking a
// bulk copy across however many packets the negotiated max packet size
// allows.
//
// Wraps a transport with a thin delegating API; registry/balancer/pool
// concerns are dropped (no multi-instance concept exists at this layer,
// spec §1 Non-goals), leaving the "wrap one connection, expose friendly
// methods" shape.
package clientsession

import (
	"errors"
	"fmt"
	"log"
	"net"
	"syscall"
	"time"

	"rpcendpoint/endpoint"
	"rpcendpoint/packedseq"
	"rpcendpoint/rpctypes"
	"rpcendpoint/session"
	"rpcendpoint/wire"
)

// DefaultMaxPacketSize is the built-in chunk-size fallback used when the
// peer has no "tvm.rpc.server.GetCRTMaxPacketSize" function registered
// (spec §4.6 item 1, §6 "rpc_chunk_max_size_bytes").
const DefaultMaxPacketSize uint64 = 32 * 1024

// getCRTMaxPacketSizeFunc is the well-known name the adapter queries to
// negotiate a max packet size with the peer.
const getCRTMaxPacketSizeFunc = "tvm.rpc.server.GetCRTMaxPacketSize"

// Session wraps an endpoint with the session + device-API surface local
// callers expect, plus chunked copy.
type Session struct {
	ep            *endpoint.Endpoint
	maxPacketSize uint64
	retryAttempts int
	retryBaseWait time.Duration
}

// Option configures a Session at construction time. Mirrors how the
// teacher's client wires its tunables as explicit constructor arguments
// rather than environment variables (SPEC_FULL.md §9 Configuration).
type Option func(*Session)

// WithMaxPacketSize overrides the negotiated/default chunk size.
func WithMaxPacketSize(n uint64) Option {
	return func(s *Session) { s.maxPacketSize = n }
}

// WithRetry configures exponential-backoff retry for individual chunk
// sends.
func WithRetry(attempts int, baseWait time.Duration) Option {
	return func(s *Session) {
		s.retryAttempts = attempts
		s.retryBaseWait = baseWait
	}
}

// New wraps ep. Call NegotiateMaxPacketSize after the session is installed
// on the peer (via ep.InitRemoteSession) to pick up a peer-advertised chunk
// size; until then maxPacketSize is DefaultMaxPacketSize.
func New(ep *endpoint.Endpoint, opts ...Option) *Session {
	s := &Session{
		ep:            ep,
		maxPacketSize: DefaultMaxPacketSize,
		retryAttempts: 3,
		retryBaseWait: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init installs ctorName as the peer's serving session (spec §4.4 item 1).
func (s *Session) Init(ctorName string, args []packedseq.Value) error {
	return s.ep.InitRemoteSession(ctorName, args)
}

// NegotiateMaxPacketSize asks the peer for its preferred chunk size via
// the well-known "tvm.rpc.server.GetCRTMaxPacketSize" global function; if
// the peer has none registered, maxPacketSize is left at its current
// value (the default, unless overridden by WithMaxPacketSize).
func (s *Session) NegotiateMaxPacketSize() error {
	handle, err := s.GetFunction(getCRTMaxPacketSizeFunc)
	if err != nil {
		return nil
	}
	ret, err := s.ep.CallFunc(handle, nil)
	if err != nil {
		return fmt.Errorf("clientsession: GetCRTMaxPacketSize call failed: %w", err)
	}
	if len(ret) != 1 || ret[0].Kind != packedseq.KindInt || ret[0].Int <= 0 {
		return fmt.Errorf("clientsession: GetCRTMaxPacketSize returned an unexpected value %+v", ret)
	}
	s.maxPacketSize = uint64(ret[0].Int)
	return nil
}

// GetFunction resolves a named function handle on the peer.
func (s *Session) GetFunction(name string) (rpctypes.Handle, error) {
	ret, err := s.ep.SysCallRemote(rpctypes.CodeGetGlobalFunc, packedseq.String(name))
	if err != nil {
		return 0, err
	}
	if len(ret) != 1 || ret[0].Kind != packedseq.KindHandle {
		return 0, fmt.Errorf("clientsession: GetGlobalFunc returned an unexpected value %+v", ret)
	}
	return ret[0].Handle.Handle, nil
}

// CallFunc invokes a function handle previously resolved by GetFunction.
func (s *Session) CallFunc(handle rpctypes.Handle, args []packedseq.Value) ([]packedseq.Value, error) {
	return s.ep.CallFunc(handle, args)
}

// FreeHandle releases a handle the caller is done with, outside the
// automatic RemoteObjectRef.Close path (e.g. for handles the caller
// constructed by hand rather than received from a decoded reply).
func (s *Session) FreeHandle(h rpctypes.Handle) error {
	_, err := s.ep.SysCallRemote(rpctypes.CodeFreeHandle, packedseq.Handle(rpctypes.NewRemoteObjectRef(h, nil)))
	return err
}

// HasDeviceAPI always reports true (spec §4.6 item 2: "exposes itself as
// the device API for any device").
func (s *Session) HasDeviceAPI(dev rpctypes.Device) bool { return true }

// Exists reports whether dev is actually present on the peer.
// CPU short-circuits to true without a round trip (spec §4.6 item 2).
func (s *Session) Exists(dev rpctypes.Device) (bool, error) {
	if dev.Kind == rpctypes.DeviceCPU {
		return true, nil
	}
	val, err := s.GetAttr(dev, session.AttrExists)
	if err != nil {
		return false, err
	}
	return val.Int != 0, nil
}

// GetAttr queries a device attribute on the peer.
func (s *Session) GetAttr(dev rpctypes.Device, kind session.DeviceAttrKind) (packedseq.Value, error) {
	ret, err := s.ep.SysCallRemote(rpctypes.CodeDevGetAttr, packedseq.Device(dev), packedseq.Int(int64(kind)))
	if err != nil {
		return packedseq.Value{}, err
	}
	if len(ret) != 1 {
		return packedseq.Value{}, fmt.Errorf("clientsession: DevGetAttr returned %d values, want 1", len(ret))
	}
	return ret[0], nil
}

// SetDevice selects dev as current on the peer.
func (s *Session) SetDevice(dev rpctypes.Device) error {
	_, err := s.ep.SysCallRemote(rpctypes.CodeDevSetDevice, packedseq.Device(dev))
	return err
}

// AllocDataSpace allocates a device buffer on the peer and returns its
// handle.
func (s *Session) AllocDataSpace(dev rpctypes.Device, nbytes, alignment uint64, hint rpctypes.DType) (rpctypes.Handle, error) {
	ret, err := s.ep.SysCallRemote(rpctypes.CodeDevAllocData,
		packedseq.Device(dev), packedseq.Int(int64(nbytes)), packedseq.Int(int64(alignment)), packedseq.DType(hint))
	if err != nil {
		return 0, err
	}
	if len(ret) != 1 || ret[0].Kind != packedseq.KindHandle {
		return 0, fmt.Errorf("clientsession: DevAllocData returned an unexpected value %+v", ret)
	}
	return ret[0].Handle.Handle, nil
}

// FreeDataSpace releases a device buffer on the peer.
func (s *Session) FreeDataSpace(dev rpctypes.Device, ptr rpctypes.Handle) error {
	_, err := s.ep.SysCallRemote(rpctypes.CodeDevFreeData, packedseq.Device(dev), packedseq.Handle(rpctypes.NewRemoteObjectRef(ptr, nil)))
	return err
}

// AllocDataSpaceWithScope allocates a device buffer sized/typed by tensor,
// in a named memory scope, on the peer.
func (s *Session) AllocDataSpaceWithScope(tensor *rpctypes.TensorDescriptor, scope string, hasScope bool) (rpctypes.Handle, error) {
	args := []packedseq.Value{packedseq.Tensor(tensor)}
	if hasScope {
		args = append(args, packedseq.String(scope))
	}
	ret, err := s.ep.SysCallRemote(rpctypes.CodeDevAllocDataWithScope, args...)
	if err != nil {
		return 0, err
	}
	if len(ret) != 1 || ret[0].Kind != packedseq.KindHandle {
		return 0, fmt.Errorf("clientsession: DevAllocDataWithScope returned an unexpected value %+v", ret)
	}
	return ret[0].Handle.Handle, nil
}

// CopyDataFromTo copies device-to-device on the peer without staging
// through the local side (no chunking needed: this never crosses the
// wire as a payload, only as tensor descriptors).
func (s *Session) CopyDataFromTo(from, to *rpctypes.TensorDescriptor, stream rpctypes.Handle) error {
	args := []packedseq.Value{packedseq.Tensor(from), packedseq.Tensor(to)}
	if stream != 0 {
		args = append(args, packedseq.Handle(rpctypes.NewRemoteObjectRef(stream, nil)))
	}
	_, err := s.ep.SysCallRemote(rpctypes.CodeCopyAmongRemote, args...)
	return err
}

// CreateStream creates a device stream on the peer.
func (s *Session) CreateStream(dev rpctypes.Device) (rpctypes.Handle, error) {
	ret, err := s.ep.SysCallRemote(rpctypes.CodeDevCreateStream, packedseq.Device(dev))
	if err != nil {
		return 0, err
	}
	if len(ret) != 1 || ret[0].Kind != packedseq.KindHandle {
		return 0, fmt.Errorf("clientsession: DevCreateStream returned an unexpected value %+v", ret)
	}
	return ret[0].Handle.Handle, nil
}

// FreeStream releases a device stream on the peer.
func (s *Session) FreeStream(dev rpctypes.Device, stream rpctypes.Handle) error {
	_, err := s.ep.SysCallRemote(rpctypes.CodeDevFreeStream, packedseq.Device(dev), packedseq.Handle(rpctypes.NewRemoteObjectRef(stream, nil)))
	return err
}

// SetStream makes stream current for dev on the peer.
func (s *Session) SetStream(dev rpctypes.Device, stream rpctypes.Handle) error {
	_, err := s.ep.SysCallRemote(rpctypes.CodeDevSetStream, packedseq.Device(dev), packedseq.Handle(rpctypes.NewRemoteObjectRef(stream, nil)))
	return err
}

// GetCurrentStream reports the current stream for dev on the peer.
func (s *Session) GetCurrentStream(dev rpctypes.Device) (rpctypes.Handle, error) {
	ret, err := s.ep.SysCallRemote(rpctypes.CodeDevGetCurrentStream, packedseq.Device(dev))
	if err != nil {
		return 0, err
	}
	if len(ret) != 1 || ret[0].Kind != packedseq.KindHandle {
		return 0, fmt.Errorf("clientsession: DevGetCurrentStream returned an unexpected value %+v", ret)
	}
	return ret[0].Handle.Handle, nil
}

// StreamSync waits for a device stream to drain on the peer.
func (s *Session) StreamSync(dev rpctypes.Device, stream rpctypes.Handle) error {
	_, err := s.ep.SysCallRemote(rpctypes.CodeDevStreamSync, packedseq.Device(dev), packedseq.Handle(rpctypes.NewRemoteObjectRef(stream, nil)))
	return err
}

// CopyToRemote sends src into dst's backing buffer, chunking the transfer
// across however many packets maxPacketSize allows (spec §4.6 item 1).
// This and CopyFromRemote are the only places in the repository that loop
// over the wire.
func (s *Session) CopyToRemote(src []byte, dst *rpctypes.TensorDescriptor, nbytes uint64) error {
	overhead := wire.CopyPacketOverhead(dst.NDim())
	if overhead >= s.maxPacketSize {
		return fmt.Errorf("clientsession: negotiated max packet size %d too small for per-packet overhead %d", s.maxPacketSize, overhead)
	}
	chunkPayload := s.maxPacketSize - overhead

	baseOffset := dst.ByteOffset
	var sent uint64
	for sent < nbytes {
		n := nbytes - sent
		if n > chunkPayload {
			n = chunkPayload
		}
		chunk := *dst
		chunk.ByteOffset = baseOffset + sent
		if err := s.sendChunkWithRetry(src[sent:sent+n], &chunk, n); err != nil {
			return fmt.Errorf("clientsession: CopyToRemote chunk at offset %d: %w", sent, err)
		}
		sent += n
	}
	if nbytes == 0 {
		return s.sendChunkWithRetry(nil, dst, 0)
	}
	return nil
}

func (s *Session) sendChunkWithRetry(payload []byte, tensor *rpctypes.TensorDescriptor, n uint64) error {
	var lastErr error
	for attempt := 0; attempt <= s.retryAttempts; attempt++ {
		lastErr = s.ep.CopyToRemote(payload, tensor, n)
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
		log.Printf("clientsession: retry attempt %d for CopyToRemote chunk after error: %v", attempt+1, lastErr)
		time.Sleep(s.retryBaseWait * (1 << attempt))
	}
	return lastErr
}

// CopyFromRemote reads nbytes out of src's backing buffer into dst,
// chunking the transfer the same way CopyToRemote does.
func (s *Session) CopyFromRemote(src *rpctypes.TensorDescriptor, dst []byte, nbytes uint64) error {
	overhead := wire.CopyPacketOverhead(src.NDim())
	if overhead >= s.maxPacketSize {
		return fmt.Errorf("clientsession: negotiated max packet size %d too small for per-packet overhead %d", s.maxPacketSize, overhead)
	}
	chunkPayload := s.maxPacketSize - overhead

	baseOffset := src.ByteOffset
	var received uint64
	for received < nbytes {
		n := nbytes - received
		if n > chunkPayload {
			n = chunkPayload
		}
		chunk := *src
		chunk.ByteOffset = baseOffset + received
		if err := s.recvChunkWithRetry(&chunk, dst[received:received+n], n); err != nil {
			return fmt.Errorf("clientsession: CopyFromRemote chunk at offset %d: %w", received, err)
		}
		received += n
	}
	if nbytes == 0 {
		return s.recvChunkWithRetry(src, nil, 0)
	}
	return nil
}

func (s *Session) recvChunkWithRetry(tensor *rpctypes.TensorDescriptor, dst []byte, n uint64) error {
	var lastErr error
	for attempt := 0; attempt <= s.retryAttempts; attempt++ {
		lastErr = s.ep.CopyFromRemote(tensor, dst, n)
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
		log.Printf("clientsession: retry attempt %d for CopyFromRemote chunk after error: %v", attempt+1, lastErr)
		time.Sleep(s.retryBaseWait * (1 << attempt))
	}
	return lastErr
}

// isRetryable classifies err via errors.As against the structured error
// types a chunk send can fail with: a *rpctypes.RemoteError carries the
// peer's own Timeout verdict (spec §9's "errors.As-friendly timeout
// classification"); a net.Error reports Timeout() directly; a connection
// reset before the peer even replied surfaces as ECONNREFUSED.
func isRetryable(err error) bool {
	var rerr *rpctypes.RemoteError
	if errors.As(err, &rerr) {
		return rerr.Timeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

// Shutdown tears down the underlying endpoint.
func (s *Session) Shutdown() error { return s.ep.Shutdown() }
