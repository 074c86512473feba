package endpoint

import (
	"net"

	"rpcendpoint/transport"
)

// localChannelPair returns two Channels connected by a real loopback TCP
// socket, exercising the connection handling end to end rather than
// mocking net.Conn.
func localChannelPair() (transport.Channel, transport.Channel, func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	type result struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		acceptCh <- result{c, err}
	}()
	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		panic(err)
	}
	r := <-acceptCh
	if r.err != nil {
		panic(r.err)
	}
	cleanup := func() {
		clientConn.Close()
		r.conn.Close()
		ln.Close()
	}
	return transport.NewConnChannel(clientConn), transport.NewConnChannel(r.conn), cleanup
}
