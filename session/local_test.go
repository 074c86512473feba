package session

import (
	"testing"

	"rpcendpoint/packedseq"
	"rpcendpoint/rpctypes"
)

func TestGetFunctionAndCallFunc(t *testing.T) {
	s := NewLocalSession()
	s.RegisterFunction("echo", func(args []packedseq.Value) ([]packedseq.Value, error) {
		return args, nil
	})

	h, err := s.GetFunction("echo")
	if err != nil {
		t.Fatalf("GetFunction failed: %v", err)
	}

	var result []packedseq.Value
	var callErr error
	done := false
	s.AsyncCallFunc(h, []packedseq.Value{packedseq.Int(7)}, func(r []packedseq.Value, err error) {
		result, callErr = r, err
		done = true
	})
	if !done {
		t.Fatal("completion not invoked synchronously")
	}
	if callErr != nil {
		t.Fatalf("unexpected call error: %v", callErr)
	}
	if len(result) != 1 || !result[0].Equal(packedseq.Int(7)) {
		t.Errorf("unexpected echo result: %+v", result)
	}
}

func TestGetFunctionUnknownName(t *testing.T) {
	s := NewLocalSession()
	if _, err := s.GetFunction("does.not.exist"); err == nil {
		t.Fatal("expected error looking up unregistered function")
	}
}

func TestCallFuncUnknownHandle(t *testing.T) {
	s := NewLocalSession()
	var callErr error
	s.AsyncCallFunc(rpctypes.Handle(999), nil, func(r []packedseq.Value, err error) {
		callErr = err
	})
	if callErr == nil {
		t.Fatal("expected error calling unknown handle")
	}
}

func TestFreeHandleIsExactlyOnceSafe(t *testing.T) {
	s := NewLocalSession()
	h, err := s.AllocDataSpace(rpctypes.Device{Kind: rpctypes.DeviceCPU}, 16, 8, rpctypes.DType{})
	if err != nil {
		t.Fatalf("AllocDataSpace failed: %v", err)
	}
	if err := s.FreeDataSpace(rpctypes.Device{Kind: rpctypes.DeviceCPU}, h); err != nil {
		t.Fatalf("first FreeDataSpace failed: %v", err)
	}
	if err := s.FreeDataSpace(rpctypes.Device{Kind: rpctypes.DeviceCPU}, h); err == nil {
		t.Fatal("expected error freeing an already-freed handle")
	}
}

func TestCopyToFromRemoteRoundTrip(t *testing.T) {
	s := NewLocalSession()
	dev := rpctypes.Device{Kind: rpctypes.DeviceCPU}
	h, err := s.AllocDataSpace(dev, 32, 8, rpctypes.DType{})
	if err != nil {
		t.Fatalf("AllocDataSpace failed: %v", err)
	}

	src := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	tensor := &rpctypes.TensorDescriptor{Device: dev, Data: h, ByteOffset: 4}
	var copyErr error
	s.AsyncCopyToRemote(src, tensor, uint64(len(src)), func(_ []packedseq.Value, err error) { copyErr = err })
	if copyErr != nil {
		t.Fatalf("CopyToRemote failed: %v", copyErr)
	}

	dest := make([]byte, len(src))
	s.AsyncCopyFromRemote(tensor, dest, uint64(len(dest)), func(_ []packedseq.Value, err error) { copyErr = err })
	if copyErr != nil {
		t.Fatalf("CopyFromRemote failed: %v", copyErr)
	}
	for i := range src {
		if dest[i] != src[i] {
			t.Fatalf("round-trip mismatch at byte %d: got %d want %d", i, dest[i], src[i])
		}
	}
}

func TestDeviceAttrExists(t *testing.T) {
	s := NewLocalSession()
	v, err := s.GetAttr(rpctypes.Device{Kind: rpctypes.DeviceCPU}, AttrExists)
	if err != nil {
		t.Fatalf("GetAttr(Exists) failed: %v", err)
	}
	if v.Int != 1 {
		t.Errorf("expected CPU to exist, got %+v", v)
	}

	v, err = s.GetAttr(rpctypes.Device{Kind: rpctypes.DeviceCUDA}, AttrExists)
	if err != nil {
		t.Fatalf("GetAttr(Exists) on unregistered device failed: %v", err)
	}
	if v.Int != 0 {
		t.Errorf("expected CUDA to not exist, got %+v", v)
	}
}

func TestSetDeviceUnknownKindFails(t *testing.T) {
	s := NewLocalSession()
	if err := s.SetDevice(rpctypes.Device{Kind: rpctypes.DeviceVulkan}); err == nil {
		t.Fatal("expected error setting an unregistered device kind")
	}
}

func TestStreamLifecycle(t *testing.T) {
	s := NewLocalSession()
	dev := rpctypes.Device{Kind: rpctypes.DeviceCPU}
	stream, err := s.CreateStream(dev)
	if err != nil {
		t.Fatalf("CreateStream failed: %v", err)
	}
	if err := s.SetStream(dev, stream); err != nil {
		t.Fatalf("SetStream failed: %v", err)
	}
	cur, err := s.GetCurrentStream(dev)
	if err != nil {
		t.Fatalf("GetCurrentStream failed: %v", err)
	}
	if cur != stream {
		t.Errorf("expected current stream %d, got %d", stream, cur)
	}

	var waitErr error
	s.AsyncStreamWait(dev, stream, func(_ []packedseq.Value, err error) { waitErr = err })
	if waitErr != nil {
		t.Fatalf("StreamSync failed: %v", waitErr)
	}

	if err := s.FreeStream(dev, stream); err != nil {
		t.Fatalf("FreeStream failed: %v", err)
	}
	if err := s.FreeStream(dev, stream); err == nil {
		t.Fatal("expected error freeing an already-freed stream")
	}
}

func TestResolveConstructorDefault(t *testing.T) {
	ctor, err := ResolveConstructor("rpc.LocalSession")
	if err != nil {
		t.Fatalf("ResolveConstructor failed: %v", err)
	}
	sess, err := ctor(nil)
	if err != nil {
		t.Fatalf("constructor failed: %v", err)
	}
	if !sess.IsLocalSession() {
		t.Error("expected rpc.LocalSession constructor to produce a local session")
	}
}

func TestResolveConstructorUnknown(t *testing.T) {
	if _, err := ResolveConstructor("does.not.exist"); err == nil {
		t.Fatal("expected error resolving unknown constructor name")
	}
}
