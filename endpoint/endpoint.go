package endpoint

import (
	"bytes"
	"fmt"
	"log"
	"sync"

	"rpcendpoint/dispatch"
	"rpcendpoint/packedseq"
	"rpcendpoint/rpctypes"
	"rpcendpoint/session"
	"rpcendpoint/transport"
	"rpcendpoint/wire"
)

// Option configures the dispatch hook chain an Endpoint's handler runs
// every CallFunc/syscall through. Endpoints default to a generous
// logging+rate-limit chain (see defaultDispatchRate/defaultDispatchBurst);
// pass WithDispatchHooks to replace it.
type Option func() []dispatch.Hook

// WithDispatchHooks replaces the default dispatch hook chain with hooks,
// applied outermost-first (spec §9/§10).
func WithDispatchHooks(hooks ...dispatch.Hook) Option {
	return func() []dispatch.Hook { return hooks }
}

func resolveHooks(opts []Option) []dispatch.Hook {
	for _, opt := range opts {
		if hooks := opt(); hooks != nil {
			return hooks
		}
	}
	return nil
}

// Endpoint is the thread-safe front door (spec §4.5). A single mutex
// serializes client-initiated calls so a packet is always written as one
// contiguous unit; the drive loop itself is single-threaded by
// construction (EventHandler is never touched from two goroutines at
// once).
//
// The per-connection write mutex and the sync.WaitGroup/atomic.Bool
// shutdown dance collapse into the one mutex this protocol's lack of a
// multiplexing layer actually needs.
type Endpoint struct {
	mu      sync.Mutex
	ch      transport.Channel
	handler *EventHandler
	closed  bool
}

// NewClientEndpoint creates the client side of a channel. remoteKey is the
// identifier this client presents to the server during the InitHeader
// handshake (spec §6).
func NewClientEndpoint(ch transport.Channel, remoteKey string, opts ...Option) *Endpoint {
	e := &Endpoint{ch: ch}
	e.handler = newEventHandler(true, remoteKey, nil, e, e.pushW, resolveHooks(opts)...)
	return e
}

// NewServerEndpoint creates the server side of a channel. Pass the
// sentinel "%toinit" key to have the server read the client's key off the
// wire instead of trusting a pre-shared one; sess may be nil, in which
// case the first InitServer packet installs one.
func NewServerEndpoint(ch transport.Channel, remoteKey string, sess session.ServingSession, opts ...Option) *Endpoint {
	e := &Endpoint{ch: ch}
	e.handler = newEventHandler(false, remoteKey, sess, e, e.pushW, resolveHooks(opts)...)
	return e
}

// FreeRemoteHandle implements rpctypes.HandleOwner: RemoteObjectRef.Close
// calls here, and this sends a best-effort FreeHandle syscall to the peer
// under the facade mutex like any other client call (spec §9 "the drop
// path acquires the facade mutex exactly like any other client call").
func (e *Endpoint) FreeRemoteHandle(h rpctypes.Handle) {
	if _, err := e.SysCallRemote(rpctypes.CodeFreeHandle, packedseq.Handle(rpctypes.NewRemoteObjectRef(h, nil))); err != nil {
		log.Printf("endpoint: FreeHandle(%d) failed: %v", h, err)
	}
}

// pushW drains everything currently buffered in W to the channel.
func (e *Endpoint) pushW() error {
	for e.handler.w.BytesAvailable() > 0 {
		avail := e.handler.w.BytesAvailable()
		_, err := e.handler.w.ReadWithCallback(func(data []byte, size int) (int, error) {
			return e.ch.Write(data[:size])
		}, avail)
		if err != nil {
			return fmt.Errorf("endpoint: transport write failed: %w", err)
		}
	}
	return nil
}

// pullR reads whatever the channel has ready into R. A read error (such as
// io.EOF when the peer closed the connection) is returned unchanged when
// the handler is idle and wrapped with the handler's state otherwise
// (spec §5 "Clean shutdown"); a zero-length read with no error is also
// reported as an error.
func (e *Endpoint) pullR() error {
	buf := make([]byte, 4096)
	n, err := e.ch.Read(buf)
	if n > 0 {
		e.handler.r.Write(buf[:n])
	}
	if err != nil {
		if e.handler.CanCleanShutdown() {
			return err
		}
		return fmt.Errorf("endpoint: transport closed while handler was in state %s: %w", e.handler.state, err)
	}
	if n == 0 {
		return fmt.Errorf("endpoint: transport read returned no data")
	}
	return nil
}

// driveLoop alternates pushing W, pulling R, and advancing the state
// machine until a terminal event or error (spec §2 "Control flow").
func (e *Endpoint) driveLoop() (Event, error) {
	for {
		if err := e.pushW(); err != nil {
			return EventNone, err
		}
		ev, err := e.handler.HandleNextEvent()
		if err != nil {
			return EventNone, err
		}
		if ev != EventNone {
			if err := e.pushW(); err != nil {
				return EventNone, err
			}
			return ev, nil
		}
		if e.handler.state == StateWaitForAsyncCallback {
			continue
		}
		// Flush any reply the handler just wrote before blocking on the
		// channel for more input.
		if err := e.pushW(); err != nil {
			return EventNone, err
		}
		if err := e.pullR(); err != nil {
			return EventNone, err
		}
	}
}

// validateArguments rejects RPC-session devices and nil handles before a
// client-mode send (spec §4.3, §4.5).
func validateArguments(args []packedseq.Value) error {
	for _, v := range args {
		switch v.Kind {
		case packedseq.KindDevice:
			if v.Device.IsRPCSession() {
				return fmt.Errorf("endpoint: cannot pass an RPC-session device through the channel")
			}
		case packedseq.KindTensor:
			if v.Tensor != nil && v.Tensor.Device.IsRPCSession() {
				return fmt.Errorf("endpoint: cannot pass a tensor on an RPC-session device through the channel")
			}
		case packedseq.KindHandle:
			if v.Handle == nil {
				return fmt.Errorf("endpoint: cannot pass a nil handle")
			}
		}
	}
	return nil
}

// CallFunc invokes a remote function by handle (spec §4.5).
func (e *Endpoint) CallFunc(handle rpctypes.Handle, args []packedseq.Value) ([]packedseq.Value, error) {
	if err := validateArguments(args); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var body bytes.Buffer
	if err := wire.WriteOpcode(&body, rpctypes.CodeCallFunc); err != nil {
		return nil, err
	}
	if err := wire.WriteU64(&body, uint64(handle)); err != nil {
		return nil, err
	}
	if err := packedseq.Encode(&body, args); err != nil {
		return nil, err
	}
	if err := e.handler.writeFramed(body.Bytes()); err != nil {
		return nil, err
	}

	ev, err := e.driveLoop()
	if err != nil {
		return nil, err
	}
	if ev != EventReturn {
		return nil, fmt.Errorf("endpoint: unexpected event %s waiting for CallFunc return", ev)
	}
	return e.handler.lastReturnValues, e.handler.lastReturnErr
}

// CopyToRemote sends nbytes of src into dst's backing buffer (spec §4.5,
// §4.6 handles chunking above this single-packet primitive).
func (e *Endpoint) CopyToRemote(src []byte, dst *rpctypes.TensorDescriptor, nbytes uint64) error {
	if dst.Device.IsRPCSession() {
		return fmt.Errorf("endpoint: cannot copy into a tensor on an RPC-session device")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var body bytes.Buffer
	if err := wire.WriteOpcode(&body, rpctypes.CodeCopyToRemote); err != nil {
		return err
	}
	if err := packedseq.EncodeTensor(&body, dst); err != nil {
		return err
	}
	if err := wire.WriteU64(&body, nbytes); err != nil {
		return err
	}
	body.Write(src[:nbytes])
	if err := e.handler.writeFramed(body.Bytes()); err != nil {
		return err
	}

	ev, err := e.driveLoop()
	if err != nil {
		return err
	}
	if ev != EventReturn {
		return fmt.Errorf("endpoint: unexpected event %s waiting for CopyToRemote ack", ev)
	}
	return e.handler.lastReturnErr
}

// CopyFromRemote reads nbytes out of src's backing buffer into dst.
func (e *Endpoint) CopyFromRemote(src *rpctypes.TensorDescriptor, dst []byte, nbytes uint64) error {
	if src.Device.IsRPCSession() {
		return fmt.Errorf("endpoint: cannot copy from a tensor on an RPC-session device")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.handler.pendingCopyDest = dst[:nbytes]
	e.handler.pendingCopyElemBytes = src.DType.ElemBytes()

	var body bytes.Buffer
	if err := wire.WriteOpcode(&body, rpctypes.CodeCopyFromRemote); err != nil {
		return err
	}
	if err := packedseq.EncodeTensor(&body, src); err != nil {
		return err
	}
	if err := wire.WriteU64(&body, nbytes); err != nil {
		return err
	}
	if err := e.handler.writeFramed(body.Bytes()); err != nil {
		return err
	}

	ev, err := e.driveLoop()
	if err != nil {
		return err
	}
	if ev == EventReturn && e.handler.lastReturnErr != nil {
		return e.handler.lastReturnErr
	}
	if ev != EventCopyAck {
		return fmt.Errorf("endpoint: unexpected event %s waiting for CopyAck", ev)
	}
	return nil
}

// SysCallRemote issues a built-in syscall opcode and returns its single
// packed return value, if any (spec §4.5).
func (e *Endpoint) SysCallRemote(code rpctypes.Code, args ...packedseq.Value) ([]packedseq.Value, error) {
	if !code.IsSyscall() {
		return nil, fmt.Errorf("endpoint: %s is not a syscall opcode", code)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var body bytes.Buffer
	if err := wire.WriteOpcode(&body, code); err != nil {
		return nil, err
	}
	if err := packedseq.Encode(&body, args); err != nil {
		return nil, err
	}
	if err := e.handler.writeFramed(body.Bytes()); err != nil {
		return nil, err
	}

	ev, err := e.driveLoop()
	if err != nil {
		return nil, err
	}
	if ev != EventReturn {
		return nil, fmt.Errorf("endpoint: unexpected event %s waiting for syscall reply", ev)
	}
	return e.handler.lastReturnValues, e.handler.lastReturnErr
}

// InitRemoteSession sends the initial InitServer packet naming the
// serving-session constructor to install on the peer (spec §4.4 item 1,
// §6).
func (e *Endpoint) InitRemoteSession(ctorName string, args []packedseq.Value) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	all := append([]packedseq.Value{packedseq.String(ctorName)}, args...)
	var argBuf bytes.Buffer
	if err := packedseq.Encode(&argBuf, all); err != nil {
		return err
	}

	var body bytes.Buffer
	if err := wire.WriteOpcode(&body, rpctypes.CodeInitServer); err != nil {
		return err
	}
	if err := wire.WriteU64(&body, uint64(len(rpctypes.ProtocolVersion))); err != nil {
		return err
	}
	body.WriteString(rpctypes.ProtocolVersion)
	body.Write(argBuf.Bytes())
	if err := e.handler.writeFramed(body.Bytes()); err != nil {
		return err
	}

	ev, err := e.driveLoop()
	if err != nil {
		return err
	}
	if ev != EventReturn {
		return fmt.Errorf("endpoint: unexpected event %s waiting for InitServer ack", ev)
	}
	return e.handler.lastReturnErr
}

// ServerLoop drives the channel indefinitely until a Shutdown packet
// arrives (spec §4.5). It does not take the facade mutex for the whole
// run — only SysCallRemote/CallFunc/etc. (client-initiated sends) need
// mutual exclusion with it, and a server-only endpoint never calls those.
func (e *Endpoint) ServerLoop() error {
	for {
		ev, err := e.driveLoop()
		if err != nil {
			return err
		}
		if ev == EventShutdown {
			return nil
		}
		if ev != EventNone {
			return fmt.Errorf("endpoint: unexpected event %s in ServerLoop", ev)
		}
	}
}

// ServerAsyncIOEventHandler is the non-blocking variant for event-loop
// embeddings (spec §4.5): feed it newly-readable bytes, get back 0
// (shutdown), 1 (want more input), or 2 (want to flush output).
func (e *Endpoint) ServerAsyncIOEventHandler(inBytes []byte, eventFlag int) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(inBytes) > 0 {
		e.handler.r.Write(inBytes)
	}
	if e.handler.w.BytesAvailable() > 0 {
		if err := e.pushW(); err != nil {
			return 0, err
		}
	}
	ev, err := e.handler.HandleNextEvent()
	if err != nil {
		return 0, err
	}
	switch ev {
	case EventShutdown:
		return 0, nil
	case EventNone:
		if e.handler.w.BytesAvailable() > 0 {
			return 2, nil
		}
		return 1, nil
	default:
		return 0, fmt.Errorf("endpoint: unexpected event %s in ServerAsyncIOEventHandler", ev)
	}
}

// Shutdown best-effort emits a Shutdown packet, flushes W, and releases the
// channel (spec §4.5, §5).
func (e *Endpoint) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	var body bytes.Buffer
	wire.WriteOpcode(&body, rpctypes.CodeShutdown)
	e.handler.writeFramed(body.Bytes())
	e.pushW()
	e.closed = true
	return e.ch.Close()
}

// CanCleanShutdown reports whether the handler is idle.
func (e *Endpoint) CanCleanShutdown() bool { return e.handler.CanCleanShutdown() }
