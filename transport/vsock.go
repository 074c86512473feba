package transport

import "github.com/mdlayher/vsock"

// DialVsock opens an outbound VM-socket channel, letting a client Endpoint
// run over a hypervisor's vsock transport instead of TCP — the same
// send/recv byte channel contract, just a different substrate.
func DialVsock(contextID, port uint32) (Channel, error) {
	conn, err := vsock.Dial(contextID, port, nil)
	if err != nil {
		return nil, err
	}
	return NewConnChannel(conn), nil
}

// ListenVsock starts a vsock listener bound to the given context ID and
// port.
func ListenVsock(contextID, port uint32) (*vsock.Listener, error) {
	return vsock.ListenContextID(contextID, port, nil)
}

// AcceptVsock wraps one accepted vsock connection as a Channel.
func AcceptVsock(ln *vsock.Listener) (Channel, error) {
	conn, err := ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewConnChannel(conn), nil
}
