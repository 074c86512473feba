package endpoint

import (
	"fmt"
	"io"

	"rpcendpoint/dispatch"
	"rpcendpoint/packedseq"
	"rpcendpoint/rpctypes"
	"rpcendpoint/session"
)

// handleSyscall services one of the built-in syscall opcodes (spec §4.4
// item 8): decode args, run the matching ServingSession operation, and
// reply with a single packed value via a generic Return (or Exception on
// failure) — the same reply shape as CallFunc, since the peer's facade
// call just waits for whichever comes first.
func (h *EventHandler) handleSyscall(code rpctypes.Code, r io.Reader) (Event, error) {
	args, err := packedseq.Decode(r, h.owner)
	if err != nil {
		return EventNone, err
	}
	if h.session == nil {
		return EventNone, fmt.Errorf("endpoint: syscall %s received before a serving session was installed", code)
	}
	h.switchToState(StateWaitForAsyncCallback)
	var result []packedseq.Value
	dispatched := h.dispatchChain(func(dispatch.Event) error {
		var callErr error
		result, callErr = h.dispatchSyscall(code, args)
		return callErr
	})
	if err := dispatched(dispatch.Event{Code: code, NumArgs: len(args)}); err != nil {
		h.writeExceptionPacket(err)
	} else {
		h.writeReturnPacket(result)
	}
	h.switchToState(StateRecvPacketNumBytes)
	return EventNone, nil
}

// wrapHandleForSend packages a locally-owned handle as a packed Value so it
// can travel back to the peer, which will materialize its own fresh
// RemoteObjectRef on decode (spec §4.3).
func wrapHandleForSend(handle rpctypes.Handle) packedseq.Value {
	return packedseq.Handle(rpctypes.NewRemoteObjectRef(handle, nil))
}

func argHandle(v packedseq.Value) rpctypes.Handle {
	if v.Handle == nil {
		return 0
	}
	return v.Handle.Handle
}

func (h *EventHandler) dispatchSyscall(code rpctypes.Code, args []packedseq.Value) ([]packedseq.Value, error) {
	sess := h.session
	switch code {
	case rpctypes.CodeGetGlobalFunc:
		if len(args) < 1 {
			return nil, fmt.Errorf("endpoint: GetGlobalFunc needs a function name argument")
		}
		handle, err := sess.GetFunction(args[0].Str)
		if err != nil {
			return nil, err
		}
		return []packedseq.Value{wrapHandleForSend(handle)}, nil

	case rpctypes.CodeFreeHandle:
		if len(args) < 1 {
			return nil, fmt.Errorf("endpoint: FreeHandle needs a handle argument")
		}
		return nil, sess.FreeHandle(argHandle(args[0]))

	case rpctypes.CodeDevSetDevice:
		if len(args) < 1 {
			return nil, fmt.Errorf("endpoint: DevSetDevice needs a device argument")
		}
		return nil, sess.SetDevice(args[0].Device)

	case rpctypes.CodeDevGetAttr:
		if len(args) < 2 {
			return nil, fmt.Errorf("endpoint: DevGetAttr needs device and attr-kind arguments")
		}
		val, err := sess.GetAttr(args[0].Device, session.DeviceAttrKind(args[1].Int))
		if err != nil {
			return nil, err
		}
		return []packedseq.Value{val}, nil

	case rpctypes.CodeDevAllocData:
		if len(args) < 4 {
			return nil, fmt.Errorf("endpoint: DevAllocData needs device, nbytes, alignment, dtype arguments")
		}
		handle, err := sess.AllocDataSpace(args[0].Device, uint64(args[1].Int), uint64(args[2].Int), args[3].DType)
		if err != nil {
			return nil, err
		}
		return []packedseq.Value{wrapHandleForSend(handle)}, nil

	case rpctypes.CodeDevAllocDataWithScope:
		if len(args) < 1 || args[0].Tensor == nil {
			return nil, fmt.Errorf("endpoint: DevAllocDataWithScope needs a tensor descriptor argument")
		}
		scope := ""
		hasScope := false
		if len(args) > 1 && args[1].Kind == packedseq.KindString {
			scope, hasScope = args[1].Str, true
		}
		handle, err := sess.AllocDataSpaceWithScope(args[0].Tensor, scope, hasScope)
		if err != nil {
			return nil, err
		}
		return []packedseq.Value{wrapHandleForSend(handle)}, nil

	case rpctypes.CodeDevFreeData:
		if len(args) < 2 {
			return nil, fmt.Errorf("endpoint: DevFreeData needs device and pointer arguments")
		}
		return nil, sess.FreeDataSpace(args[0].Device, argHandle(args[1]))

	case rpctypes.CodeCopyAmongRemote:
		if len(args) < 2 || args[0].Tensor == nil || args[1].Tensor == nil {
			return nil, fmt.Errorf("endpoint: CopyAmongRemote needs from/to tensor descriptor arguments")
		}
		var stream rpctypes.Handle
		if len(args) > 2 {
			stream = argHandle(args[2])
		}
		return nil, sess.CopyDataFromTo(args[0].Tensor, args[1].Tensor, stream)

	case rpctypes.CodeDevCreateStream:
		if len(args) < 1 {
			return nil, fmt.Errorf("endpoint: DevCreateStream needs a device argument")
		}
		handle, err := sess.CreateStream(args[0].Device)
		if err != nil {
			return nil, err
		}
		return []packedseq.Value{wrapHandleForSend(handle)}, nil

	case rpctypes.CodeDevFreeStream:
		if len(args) < 2 {
			return nil, fmt.Errorf("endpoint: DevFreeStream needs device and stream arguments")
		}
		return nil, sess.FreeStream(args[0].Device, argHandle(args[1]))

	case rpctypes.CodeDevStreamSync:
		if len(args) < 2 {
			return nil, fmt.Errorf("endpoint: DevStreamSync needs device and stream arguments")
		}
		var opErr error
		sess.AsyncStreamWait(args[0].Device, argHandle(args[1]), func(_ []packedseq.Value, err error) { opErr = err })
		return nil, opErr

	case rpctypes.CodeDevSetStream:
		if len(args) < 2 {
			return nil, fmt.Errorf("endpoint: DevSetStream needs device and stream arguments")
		}
		return nil, sess.SetStream(args[0].Device, argHandle(args[1]))

	case rpctypes.CodeDevGetCurrentStream:
		if len(args) < 1 {
			return nil, fmt.Errorf("endpoint: DevGetCurrentStream needs a device argument")
		}
		handle, err := sess.GetCurrentStream(args[0].Device)
		if err != nil {
			return nil, err
		}
		return []packedseq.Value{wrapHandleForSend(handle)}, nil

	default:
		return nil, fmt.Errorf("endpoint: unhandled syscall opcode %s", code)
	}
}
