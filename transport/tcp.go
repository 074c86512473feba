package transport

import "net"

// DialTCP opens an outbound TCP channel, the transport a client-side
// Endpoint drives.
func DialTCP(addr string) (Channel, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewConnChannel(conn), nil
}

// ListenTCP starts a TCP listener; pass it to AcceptTCP to turn each
// accepted connection into one Channel.
func ListenTCP(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// AcceptTCP wraps one accepted net.Conn as a Channel.
func AcceptTCP(ln net.Listener) (Channel, error) {
	conn, err := ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewConnChannel(conn), nil
}
