package packedseq

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"rpcendpoint/rpctypes"
)

// handleTypeTag is the fixed 4-byte type tag that precedes every encoded
// remote-object handle on the wire (spec §4.3). Any real value works as
// long as both peers agree; kept as a single named constant so the wire
// format is documented in one place.
const handleTypeTag uint32 = 0x5250434f // "RPCO"

// DryRunLength computes the exact encoded byte length of values without
// writing anything, so the caller can prefix the outer packet framing with
// the exact u64 length before streaming the body (spec §4.3).
func DryRunLength(values []Value) uint64 {
	n := uint64(4) // num_args
	n += uint64(len(values))  // one kind byte per value
	for _, v := range values {
		n += valuePayloadLen(v)
	}
	return n
}

func valuePayloadLen(v Value) uint64 {
	switch v.Kind {
	case KindNull:
		return 0
	case KindInt:
		return 8
	case KindFloat:
		return 8
	case KindString:
		return 8 + uint64(len(v.Str))
	case KindBytes:
		return 8 + uint64(len(v.Bytes))
	case KindDType:
		return 4
	case KindDevice:
		return 8
	case KindTensor:
		t := v.Tensor
		return 8 + 8 + 4 + uint64(t.NDim())*8 + 4 + 8
	case KindHandle:
		return 4 + 8
	default:
		panic(fmt.Sprintf("packedseq: unknown kind %d", v.Kind))
	}
}

// Encode writes num_args, the kind-tag array, then each value's payload in
// order, per spec §4.3. Encode does no argument validation beyond
// requiring a non-nil Handle for KindHandle values; RPC-session devices are
// rejected earlier by validateArguments in the endpoint package.
func Encode(w io.Writer, values []Value) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(values)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	kinds := make([]byte, len(values))
	for i, v := range values {
		kinds[i] = byte(v.Kind)
	}
	if len(kinds) > 0 {
		if _, err := w.Write(kinds); err != nil {
			return err
		}
	}
	for _, v := range values {
		if err := encodeValue(w, v); err != nil {
			return err
		}
	}
	return nil
}

func encodeValue(w io.Writer, v Value) error {
	switch v.Kind {
	case KindNull:
		return nil
	case KindInt:
		return writeU64(w, uint64(v.Int))
	case KindFloat:
		return writeU64(w, math.Float64bits(v.Float))
	case KindString:
		return writeLenPrefixed(w, []byte(v.Str))
	case KindBytes:
		return writeLenPrefixed(w, v.Bytes)
	case KindDType:
		var buf [4]byte
		buf[0] = v.DType.Code
		buf[1] = v.DType.Bits
		binary.LittleEndian.PutUint16(buf[2:4], v.DType.Lanes)
		_, err := w.Write(buf[:])
		return err
	case KindDevice:
		var buf [8]byte
		binary.LittleEndian.PutUint32(buf[0:4], uint32(v.Device.Kind))
		binary.LittleEndian.PutUint32(buf[4:8], uint32(v.Device.ID))
		_, err := w.Write(buf[:])
		return err
	case KindTensor:
		return encodeTensor(w, v.Tensor)
	case KindHandle:
		if v.Handle == nil {
			return fmt.Errorf("packedseq: cannot encode nil handle")
		}
		var tag [4]byte
		binary.LittleEndian.PutUint32(tag[:], handleTypeTag)
		if _, err := w.Write(tag[:]); err != nil {
			return err
		}
		return writeU64(w, uint64(v.Handle.Handle))
	default:
		return fmt.Errorf("packedseq: unknown kind %d", v.Kind)
	}
}

// EncodeTensor writes a single tensor descriptor in the same wire shape
// used inside a packed sequence (device + data handle + ndim + shape +
// dtype + byte_offset), without a leading kind byte. Used directly by
// CopyFromRemote/CopyToRemote bodies, which carry one bare tensor
// descriptor rather than a full packed sequence (spec §4.4).
func EncodeTensor(w io.Writer, t *rpctypes.TensorDescriptor) error {
	return encodeTensor(w, t)
}

// DecodeTensor reads a single tensor descriptor written by EncodeTensor.
func DecodeTensor(r io.Reader) (*rpctypes.TensorDescriptor, error) {
	return decodeTensor(r)
}

func encodeTensor(w io.Writer, t *rpctypes.TensorDescriptor) error {
	var devBuf [8]byte
	binary.LittleEndian.PutUint32(devBuf[0:4], uint32(t.Device.Kind))
	binary.LittleEndian.PutUint32(devBuf[4:8], uint32(t.Device.ID))
	if _, err := w.Write(devBuf[:]); err != nil {
		return err
	}
	if err := writeU64(w, uint64(t.Data)); err != nil {
		return err
	}
	var ndimBuf [4]byte
	binary.LittleEndian.PutUint32(ndimBuf[:], uint32(t.NDim()))
	if _, err := w.Write(ndimBuf[:]); err != nil {
		return err
	}
	for _, s := range t.Shape {
		if err := writeU64(w, uint64(s)); err != nil {
			return err
		}
	}
	var dtypeBuf [4]byte
	dtypeBuf[0] = t.DType.Code
	dtypeBuf[1] = t.DType.Bits
	binary.LittleEndian.PutUint16(dtypeBuf[2:4], t.DType.Lanes)
	if _, err := w.Write(dtypeBuf[:]); err != nil {
		return err
	}
	return writeU64(w, t.ByteOffset)
}

func writeU64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeLenPrefixed(w io.Writer, b []byte) error {
	if err := writeU64(w, uint64(len(b))); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	return err
}

// Decode reads a full packed sequence from r. Every decoded handle is
// materialized as a fresh RemoteObjectRef owned by owner, regardless of how
// many hops it has already made — this uniform re-wrapping is what makes
// multi-hop RPC work without special-casing ownership at decode time
// (SPEC_FULL.md §11).
func Decode(r io.Reader, owner rpctypes.HandleOwner) ([]Value, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	numArgs := binary.LittleEndian.Uint32(hdr[:])
	kinds := make([]byte, numArgs)
	if numArgs > 0 {
		if _, err := io.ReadFull(r, kinds); err != nil {
			return nil, err
		}
	}
	values := make([]Value, numArgs)
	for i, k := range kinds {
		v, err := decodeValue(r, Kind(k), owner)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

func decodeValue(r io.Reader, kind Kind, owner rpctypes.HandleOwner) (Value, error) {
	switch kind {
	case KindNull:
		return Null(), nil
	case KindInt:
		u, err := readU64(r)
		if err != nil {
			return Value{}, err
		}
		return Int(int64(u)), nil
	case KindFloat:
		u, err := readU64(r)
		if err != nil {
			return Value{}, err
		}
		return Float(math.Float64frombits(u)), nil
	case KindString:
		b, err := readLenPrefixed(r)
		if err != nil {
			return Value{}, err
		}
		return String(string(b)), nil
	case KindBytes:
		b, err := readLenPrefixed(r)
		if err != nil {
			return Value{}, err
		}
		return Bytes(b), nil
	case KindDType:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Value{}, err
		}
		return DType(rpctypes.DType{
			Code:  buf[0],
			Bits:  buf[1],
			Lanes: binary.LittleEndian.Uint16(buf[2:4]),
		}), nil
	case KindDevice:
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Value{}, err
		}
		return Device(rpctypes.Device{
			Kind: rpctypes.DeviceKind(binary.LittleEndian.Uint32(buf[0:4])),
			ID:   int32(binary.LittleEndian.Uint32(buf[4:8])),
		}), nil
	case KindTensor:
		t, err := decodeTensor(r)
		if err != nil {
			return Value{}, err
		}
		return Tensor(t), nil
	case KindHandle:
		var tag [4]byte
		if _, err := io.ReadFull(r, tag[:]); err != nil {
			return Value{}, err
		}
		if binary.LittleEndian.Uint32(tag[:]) != handleTypeTag {
			return Value{}, fmt.Errorf("packedseq: unrecognized handle type tag %x", tag)
		}
		u, err := readU64(r)
		if err != nil {
			return Value{}, err
		}
		ref := rpctypes.NewRemoteObjectRef(rpctypes.Handle(u), owner)
		return Handle(ref), nil
	default:
		return Value{}, fmt.Errorf("packedseq: unknown type tag %d", kind)
	}
}

func decodeTensor(r io.Reader) (*rpctypes.TensorDescriptor, error) {
	var devBuf [8]byte
	if _, err := io.ReadFull(r, devBuf[:]); err != nil {
		return nil, err
	}
	dataHandle, err := readU64(r)
	if err != nil {
		return nil, err
	}
	var ndimBuf [4]byte
	if _, err := io.ReadFull(r, ndimBuf[:]); err != nil {
		return nil, err
	}
	ndim := int32(binary.LittleEndian.Uint32(ndimBuf[:]))
	if ndim < 0 {
		return nil, fmt.Errorf("packedseq: tensor descriptor has negative ndim %d", ndim)
	}
	shape := make([]int64, ndim)
	for i := range shape {
		u, err := readU64(r)
		if err != nil {
			return nil, err
		}
		shape[i] = int64(u)
	}
	var dtypeBuf [4]byte
	if _, err := io.ReadFull(r, dtypeBuf[:]); err != nil {
		return nil, err
	}
	byteOffset, err := readU64(r)
	if err != nil {
		return nil, err
	}
	return &rpctypes.TensorDescriptor{
		Device: rpctypes.Device{
			Kind: rpctypes.DeviceKind(binary.LittleEndian.Uint32(devBuf[0:4])),
			ID:   int32(binary.LittleEndian.Uint32(devBuf[4:8])),
		},
		Data:  rpctypes.Handle(dataHandle),
		Shape: shape,
		DType: rpctypes.DType{
			Code:  dtypeBuf[0],
			Bits:  dtypeBuf[1],
			Lanes: binary.LittleEndian.Uint16(dtypeBuf[2:4]),
		},
		ByteOffset: byteOffset,
	}, nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	n, err := readU64(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return []byte{}, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
