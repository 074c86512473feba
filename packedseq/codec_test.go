package packedseq

import (
	"bytes"
	"testing"

	"rpcendpoint/rpctypes"
)

func roundTrip(t *testing.T, values []Value) []Value {
	t.Helper()
	want := DryRunLength(values)

	var buf bytes.Buffer
	if err := Encode(&buf, values); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if got := uint64(buf.Len()); got != want {
		t.Fatalf("DryRunLength mismatch: dry-run=%d actual=%d", want, got)
	}

	decoded, err := Decode(&buf, nil)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	return decoded
}

func TestRoundTripScalarKinds(t *testing.T) {
	values := []Value{
		Null(),
		Int(42),
		Int(-7),
		Float(3.5),
		String("abc"),
		String(""),
		Bytes([]byte{1, 2, 3}),
		Bytes(nil),
		DType(rpctypes.DType{Code: rpctypes.DTypeCodeFloat, Bits: 32, Lanes: 1}),
		Device(rpctypes.Device{Kind: rpctypes.DeviceCPU, ID: 0}),
	}
	decoded := roundTrip(t, values)
	if len(decoded) != len(values) {
		t.Fatalf("length mismatch: got %d want %d", len(decoded), len(values))
	}
	for i := range values {
		if !values[i].Equal(decoded[i]) {
			t.Errorf("value %d mismatch: got %+v want %+v", i, decoded[i], values[i])
		}
	}
}

func TestRoundTripTensorDescriptor(t *testing.T) {
	tensor := &rpctypes.TensorDescriptor{
		Device: rpctypes.Device{Kind: rpctypes.DeviceCPU, ID: 0},
		Data:   rpctypes.Handle(0xdeadbeef),
		Shape:  []int64{4, 8, 16},
		DType:  rpctypes.DType{Code: rpctypes.DTypeCodeFloat, Bits: 32, Lanes: 1},
		ByteOffset: 128,
	}
	values := []Value{Tensor(tensor)}
	decoded := roundTrip(t, values)
	if !values[0].Equal(decoded[0]) {
		t.Errorf("tensor mismatch: got %+v want %+v", decoded[0].Tensor, tensor)
	}
}

func TestRoundTripHandle(t *testing.T) {
	ref := rpctypes.NewRemoteObjectRef(rpctypes.Handle(99), nil)
	values := []Value{Handle(ref)}
	decoded := roundTrip(t, values)
	if decoded[0].Kind != KindHandle {
		t.Fatalf("expected KindHandle, got %v", decoded[0].Kind)
	}
	if decoded[0].Handle.Handle != ref.Handle {
		t.Errorf("handle mismatch: got %d want %d", decoded[0].Handle.Handle, ref.Handle)
	}
}

func TestEncodeNilHandleFails(t *testing.T) {
	var buf bytes.Buffer
	err := Encode(&buf, []Value{Handle(nil)})
	if err == nil {
		t.Fatal("expected error encoding nil handle")
	}
}

func TestDecodeNegativeNDimFails(t *testing.T) {
	tensor := &rpctypes.TensorDescriptor{
		Device: rpctypes.Device{Kind: rpctypes.DeviceCPU},
		DType:  rpctypes.DType{Bits: 32, Lanes: 1},
	}
	var buf bytes.Buffer
	if err := Encode(&buf, []Value{Tensor(tensor)}); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	data := buf.Bytes()
	// ndim field sits right after num_args(4) + kind(1) + device(8) + data(8).
	ndimOffset := 4 + 1 + 8 + 8
	data[ndimOffset] = 0xff
	data[ndimOffset+1] = 0xff
	data[ndimOffset+2] = 0xff
	data[ndimOffset+3] = 0xff

	if _, err := Decode(bytes.NewReader(data), nil); err == nil {
		t.Fatal("expected error decoding negative ndim")
	}
}

func TestDryRunLengthEmptySeq(t *testing.T) {
	if got := DryRunLength(nil); got != 4 {
		t.Errorf("expected empty sequence length 4, got %d", got)
	}
}
