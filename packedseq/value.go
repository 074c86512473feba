// Package packedseq implements the Packed Argument Codec (spec §4.3): the
// heterogeneous, length-prefixed value sequence used for both call
// arguments and return values.
//
// Generalized from a fixed 3-field message envelope and manual
// offset-based encode/decode to an open sum type over typed values.
package packedseq

import (
	"rpcendpoint/rpctypes"
)

// Kind is the 1-byte type tag preceding each value in a packed sequence.
type Kind byte

const (
	KindNull   Kind = 0
	KindInt    Kind = 1
	KindFloat  Kind = 2
	KindString Kind = 3
	KindBytes  Kind = 4
	KindDType  Kind = 5
	KindDevice Kind = 6
	KindTensor Kind = 7
	KindHandle Kind = 8
)

// Value is one element of a packed sequence. Exactly one field is
// meaningful, selected by Kind — a small closed sum type rather than an
// interface{}, so encode/decode are two total functions over Kind instead
// of a type-switch over `any` guessing at intent.
type Value struct {
	Kind Kind

	Int    int64
	Float  float64
	Str    string
	Bytes  []byte
	DType  rpctypes.DType
	Device rpctypes.Device
	Tensor *rpctypes.TensorDescriptor
	// Handle carries a remote object reference. On encode it is the ref
	// being sent (must be non-nil and owned by the sender's endpoint, spec
	// §4.3 "wrapped as a remote-object ref"); on decode it is always a
	// freshly materialized ref whose owner is the HandleOwner passed to
	// Decode (the receiving endpoint), regardless of how many hops the
	// handle has made (SPEC_FULL.md §11).
	Handle *rpctypes.RemoteObjectRef
}

func Null() Value                  { return Value{Kind: KindNull} }
func Int(v int64) Value            { return Value{Kind: KindInt, Int: v} }
func Float(v float64) Value        { return Value{Kind: KindFloat, Float: v} }
func String(v string) Value        { return Value{Kind: KindString, Str: v} }
func Bytes(v []byte) Value         { return Value{Kind: KindBytes, Bytes: v} }
func DType(v rpctypes.DType) Value { return Value{Kind: KindDType, DType: v} }
func Device(v rpctypes.Device) Value {
	return Value{Kind: KindDevice, Device: v}
}
func Tensor(v *rpctypes.TensorDescriptor) Value {
	return Value{Kind: KindTensor, Tensor: v}
}
func Handle(v *rpctypes.RemoteObjectRef) Value {
	return Value{Kind: KindHandle, Handle: v}
}

// Equal compares two values for the property tests in §8 ("decode(encode(S))
// == S element-wise"). Handle values compare equal on their Handle number,
// not on identity — decode always produces a fresh RemoteObjectRef.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindInt:
		return v.Int == other.Int
	case KindFloat:
		return v.Float == other.Float
	case KindString:
		return v.Str == other.Str
	case KindBytes:
		return bytesEqual(v.Bytes, other.Bytes)
	case KindDType:
		return v.DType == other.DType
	case KindDevice:
		return v.Device == other.Device
	case KindTensor:
		return tensorEqual(v.Tensor, other.Tensor)
	case KindHandle:
		if v.Handle == nil || other.Handle == nil {
			return v.Handle == other.Handle
		}
		return v.Handle.Handle == other.Handle.Handle
	}
	return false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func tensorEqual(a, b *rpctypes.TensorDescriptor) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Device != b.Device || a.Data != b.Data || a.DType != b.DType || a.ByteOffset != b.ByteOffset {
		return false
	}
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}
