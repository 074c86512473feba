// Package rpctypes defines the wire-level vocabulary shared by the codec,
// event handler and endpoint facade: opcodes, handles, device/dtype/tensor
// descriptors and the remote-error type callers see when a peer raises.
package rpctypes

// Code is the 4-byte opcode that begins every packet body.
//
// The numeric assignments below are a stable contract: two endpoints built
// against different assignments will not interoperate.
type Code int32

const (
	CodeNone     Code = 0
	CodeShutdown Code = 1
	CodeInitServer Code = 2
	CodeCallFunc Code = 3
	CodeReturn   Code = 4
	CodeException Code = 5
	CodeCopyFromRemote Code = 6
	CodeCopyToRemote   Code = 7
	CodeCopyAck        Code = 8

	// SyscallCodeStart is the sentinel: any opcode >= this value is a syscall.
	SyscallCodeStart Code = 3 << 8

	CodeGetGlobalFunc         Code = SyscallCodeStart + 0
	CodeFreeHandle            Code = SyscallCodeStart + 1
	CodeDevSetDevice          Code = SyscallCodeStart + 2
	CodeDevGetAttr            Code = SyscallCodeStart + 3
	CodeDevAllocData          Code = SyscallCodeStart + 4
	CodeDevFreeData           Code = SyscallCodeStart + 5
	CodeDevStreamSync         Code = SyscallCodeStart + 6
	CodeCopyAmongRemote       Code = SyscallCodeStart + 7
	CodeDevCreateStream       Code = SyscallCodeStart + 8
	CodeDevFreeStream         Code = SyscallCodeStart + 9
	CodeDevSetStream          Code = SyscallCodeStart + 10
	CodeDevGetCurrentStream   Code = SyscallCodeStart + 11
	CodeDevAllocDataWithScope Code = SyscallCodeStart + 12
)

// IsSyscall reports whether code is dispatched through the uniform syscall
// handler rather than one of the named control-packet handlers.
func (c Code) IsSyscall() bool { return c >= SyscallCodeStart }

// known reports whether code is a recognized control code or syscall code.
// Used by the event handler to make unrecognized opcodes a fatal framing
// violation (spec §7).
func (c Code) known() bool {
	switch c {
	case CodeNone, CodeShutdown, CodeInitServer, CodeCallFunc, CodeReturn, CodeException,
		CodeCopyFromRemote, CodeCopyToRemote, CodeCopyAck,
		CodeGetGlobalFunc, CodeFreeHandle, CodeDevSetDevice, CodeDevGetAttr, CodeDevAllocData,
		CodeDevFreeData, CodeDevStreamSync, CodeCopyAmongRemote, CodeDevCreateStream,
		CodeDevFreeStream, CodeDevSetStream, CodeDevGetCurrentStream, CodeDevAllocDataWithScope:
		return true
	}
	return false
}

// Known is the exported form of known, used by packages outside rpctypes
// (wire.ReadOpcode) to validate an opcode read off the wire.
func (c Code) Known() bool { return c.known() }

func (c Code) String() string {
	switch c {
	case CodeNone:
		return "None"
	case CodeShutdown:
		return "Shutdown"
	case CodeInitServer:
		return "InitServer"
	case CodeCallFunc:
		return "CallFunc"
	case CodeReturn:
		return "Return"
	case CodeException:
		return "Exception"
	case CodeCopyFromRemote:
		return "CopyFromRemote"
	case CodeCopyToRemote:
		return "CopyToRemote"
	case CodeCopyAck:
		return "CopyAck"
	case CodeGetGlobalFunc:
		return "GetGlobalFunc"
	case CodeFreeHandle:
		return "FreeHandle"
	case CodeDevSetDevice:
		return "DevSetDevice"
	case CodeDevGetAttr:
		return "DevGetAttr"
	case CodeDevAllocData:
		return "DevAllocData"
	case CodeDevFreeData:
		return "DevFreeData"
	case CodeDevStreamSync:
		return "DevStreamSync"
	case CodeCopyAmongRemote:
		return "CopyAmongRemote"
	case CodeDevCreateStream:
		return "DevCreateStream"
	case CodeDevFreeStream:
		return "DevFreeStream"
	case CodeDevSetStream:
		return "DevSetStream"
	case CodeDevGetCurrentStream:
		return "DevGetCurrentStream"
	case CodeDevAllocDataWithScope:
		return "DevAllocDataWithScope"
	default:
		return "Unknown"
	}
}

// ProtocolVersion is the compiled protocol version string exchanged during
// InitServer. A mismatch is an exception, not a fatal error (spec §7).
const ProtocolVersion = "0.1.0"

// TimeoutErrorPrefix marks an Exception message as a timeout signal that
// must be passed through to the caller verbatim, without the RPC-error
// banner (spec §4.4 Return/Exception, §7).
const TimeoutErrorPrefix = "RPCSessionTimeoutError: "
