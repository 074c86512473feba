package endpoint

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"rpcendpoint/packedseq"
	"rpcendpoint/rpctypes"
	"rpcendpoint/session"
	"rpcendpoint/transport"
)

// newEchoSession builds a LocalSession with a single "echo" function
// registered, for scenarios 1/2/4/5 in spec §8.
func newEchoSession(t *testing.T) *session.LocalSession {
	t.Helper()
	sess := session.NewLocalSession()
	sess.RegisterFunction("echo", func(args []packedseq.Value) ([]packedseq.Value, error) {
		return args, nil
	})
	sess.RegisterFunction("fail", func(args []packedseq.Value) ([]packedseq.Value, error) {
		return nil, fmt.Errorf("boom")
	})
	sess.RegisterFunction("timeout", func(args []packedseq.Value) ([]packedseq.Value, error) {
		return nil, fmt.Errorf(rpctypes.TimeoutErrorPrefix + "call exceeded 30s")
	})
	return sess
}

func startServer(t *testing.T, ch transport.Channel, sess session.ServingSession) *Endpoint {
	t.Helper()
	srv := NewServerEndpoint(ch, initKey, sess)
	go srv.ServerLoop()
	return srv
}

func TestCallFuncEchoInt(t *testing.T) {
	clientCh, serverCh, cleanup := localChannelPair()
	defer cleanup()

	sess := newEchoSession(t)
	startServer(t, serverCh, sess)

	client := NewClientEndpoint(clientCh, "test-client")
	ret, err := client.SysCallRemote(rpctypes.CodeGetGlobalFunc, packedseq.String("echo"))
	if err != nil {
		t.Fatalf("GetGlobalFunc: %v", err)
	}
	if len(ret) != 1 || ret[0].Kind != packedseq.KindHandle {
		t.Fatalf("expected one handle value, got %+v", ret)
	}
	fn := ret[0].Handle.Handle

	out, err := client.CallFunc(fn, []packedseq.Value{packedseq.Int(42)})
	if err != nil {
		t.Fatalf("CallFunc: %v", err)
	}
	if len(out) != 1 || out[0].Kind != packedseq.KindInt || out[0].Int != 42 {
		t.Fatalf("expected echoed int64=42, got %+v", out)
	}
}

func TestCallFuncEchoString(t *testing.T) {
	clientCh, serverCh, cleanup := localChannelPair()
	defer cleanup()

	sess := newEchoSession(t)
	startServer(t, serverCh, sess)

	client := NewClientEndpoint(clientCh, "test-client")
	ret, err := client.SysCallRemote(rpctypes.CodeGetGlobalFunc, packedseq.String("echo"))
	if err != nil {
		t.Fatalf("GetGlobalFunc: %v", err)
	}
	fn := ret[0].Handle.Handle

	out, err := client.CallFunc(fn, []packedseq.Value{packedseq.String("abc"), packedseq.String("")})
	if err != nil {
		t.Fatalf("CallFunc: %v", err)
	}
	if len(out) != 2 || out[0].Str != "abc" || out[1].Str != "" {
		t.Fatalf("expected echoed strings [abc, \"\"], got %+v", out)
	}
}

func TestCallFuncExceptionPropagation(t *testing.T) {
	clientCh, serverCh, cleanup := localChannelPair()
	defer cleanup()

	sess := newEchoSession(t)
	startServer(t, serverCh, sess)

	client := NewClientEndpoint(clientCh, "test-client")
	ret, err := client.SysCallRemote(rpctypes.CodeGetGlobalFunc, packedseq.String("fail"))
	if err != nil {
		t.Fatalf("GetGlobalFunc: %v", err)
	}
	fn := ret[0].Handle.Handle

	_, err = client.CallFunc(fn, nil)
	if err == nil {
		t.Fatal("expected an error from fail()")
	}
	rerr, ok := err.(*rpctypes.RemoteError)
	if !ok {
		t.Fatalf("expected *rpctypes.RemoteError, got %T", err)
	}
	if rerr.Timeout {
		t.Fatal("fail() is not a timeout")
	}
	if !strings.Contains(rerr.Error(), "boom") {
		t.Fatalf("expected message to contain boom, got %q", rerr.Error())
	}
	if !strings.HasPrefix(rerr.Error(), "RPCError:") {
		t.Fatalf("expected RPC-error banner, got %q", rerr.Error())
	}
}

func TestCallFuncTimeoutPassthrough(t *testing.T) {
	clientCh, serverCh, cleanup := localChannelPair()
	defer cleanup()

	sess := newEchoSession(t)
	startServer(t, serverCh, sess)

	client := NewClientEndpoint(clientCh, "test-client")
	ret, err := client.SysCallRemote(rpctypes.CodeGetGlobalFunc, packedseq.String("timeout"))
	if err != nil {
		t.Fatalf("GetGlobalFunc: %v", err)
	}
	fn := ret[0].Handle.Handle

	_, err = client.CallFunc(fn, nil)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	rerr, ok := err.(*rpctypes.RemoteError)
	if !ok || !rerr.Timeout {
		t.Fatalf("expected a timeout RemoteError, got %#v", err)
	}
	if !strings.HasPrefix(rerr.Error(), rpctypes.TimeoutErrorPrefix) {
		t.Fatalf("expected verbatim timeout message, got %q", rerr.Error())
	}
	if strings.Contains(rerr.Error(), "RPCError:") {
		t.Fatalf("timeout message must not carry the RPC-error banner, got %q", rerr.Error())
	}
}

func TestCleanShutdown(t *testing.T) {
	clientCh, serverCh, cleanup := localChannelPair()
	defer cleanup()

	sess := newEchoSession(t)
	serverDone := make(chan error, 1)
	srv := NewServerEndpoint(serverCh, initKey, sess)
	go func() { serverDone <- srv.ServerLoop() }()

	client := NewClientEndpoint(clientCh, "test-client")
	if !client.CanCleanShutdown() {
		t.Fatal("expected client handler to be idle before shutdown")
	}
	if err := client.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case err := <-serverDone:
		if err != nil {
			t.Fatalf("ServerLoop returned an error on shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ServerLoop did not return after receiving Shutdown")
	}
}

func TestCopyToFromRemoteRoundTrip(t *testing.T) {
	clientCh, serverCh, cleanup := localChannelPair()
	defer cleanup()

	sess := newEchoSession(t)
	startServer(t, serverCh, sess)

	client := NewClientEndpoint(clientCh, "test-client")

	dtype := rpctypes.DType{Code: rpctypes.DTypeCodeFloat, Bits: 32, Lanes: 1}
	const nbytes = 4096
	allocRet, err := client.SysCallRemote(rpctypes.CodeDevAllocData,
		packedseq.Device(rpctypes.Device{Kind: rpctypes.DeviceCPU}),
		packedseq.Int(nbytes),
		packedseq.Int(64),
		packedseq.DType(dtype))
	if err != nil {
		t.Fatalf("DevAllocData: %v", err)
	}
	dataHandle := allocRet[0].Handle.Handle

	tensor := &rpctypes.TensorDescriptor{
		Device: rpctypes.Device{Kind: rpctypes.DeviceCPU},
		Data:   dataHandle,
		Shape:  []int64{nbytes / 4},
		DType:  dtype,
	}

	src := make([]byte, nbytes)
	for i := range src {
		src[i] = byte(i % 251)
	}
	if err := client.CopyToRemote(src, tensor, nbytes); err != nil {
		t.Fatalf("CopyToRemote: %v", err)
	}

	dst := make([]byte, nbytes)
	if err := client.CopyFromRemote(tensor, dst, nbytes); err != nil {
		t.Fatalf("CopyFromRemote: %v", err)
	}
	for i := range src {
		if src[i] != dst[i] {
			t.Fatalf("byte %d mismatch: sent %d got %d", i, src[i], dst[i])
		}
	}
}

func TestFreeHandleExactlyOnce(t *testing.T) {
	clientCh, serverCh, cleanup := localChannelPair()
	defer cleanup()

	sess := newEchoSession(t)
	startServer(t, serverCh, sess)

	client := NewClientEndpoint(clientCh, "test-client")
	ret, err := client.SysCallRemote(rpctypes.CodeGetGlobalFunc, packedseq.String("echo"))
	if err != nil {
		t.Fatalf("GetGlobalFunc: %v", err)
	}
	ref := ret[0].Handle
	if err := ref.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := ref.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
}

// TestConcurrentCallFuncNoInterleaving exercises spec §8's concurrency
// property: calls issued concurrently from many goroutines against a
// single client Endpoint must each get back exactly the arguments they
// sent, with no cross-call corruption of the framed stream.
func TestConcurrentCallFuncNoInterleaving(t *testing.T) {
	clientCh, serverCh, cleanup := localChannelPair()
	defer cleanup()

	sess := newEchoSession(t)
	startServer(t, serverCh, sess)

	client := NewClientEndpoint(clientCh, "test-client")
	ret, err := client.SysCallRemote(rpctypes.CodeGetGlobalFunc, packedseq.String("echo"))
	if err != nil {
		t.Fatalf("GetGlobalFunc: %v", err)
	}
	fn := ret[0].Handle.Handle

	const numGoroutines = 16
	const callsPerGoroutine = 25

	var wg sync.WaitGroup
	errs := make(chan error, numGoroutines)

	for g := 0; g < numGoroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < callsPerGoroutine; i++ {
				tag := int64(g)*1_000_000 + int64(i)
				label := fmt.Sprintf("goroutine-%d-call-%d", g, i)
				out, err := client.CallFunc(fn, []packedseq.Value{packedseq.Int(tag), packedseq.String(label)})
				if err != nil {
					errs <- fmt.Errorf("g=%d i=%d: CallFunc: %w", g, i, err)
					return
				}
				if len(out) != 2 || out[0].Kind != packedseq.KindInt || out[0].Int != tag {
					errs <- fmt.Errorf("g=%d i=%d: expected echoed int64=%d, got %+v", g, i, tag, out)
					return
				}
				if out[1].Kind != packedseq.KindString || out[1].Str != label {
					errs <- fmt.Errorf("g=%d i=%d: expected echoed label %q, got %+v", g, i, label, out)
					return
				}
			}
		}(g)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
