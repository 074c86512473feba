// Package dispatch wraps the event handler's opcode dispatch point with a
// chain of hooks, generalized from "wrap a request/response message
// handler" to "wrap a packet dispatch", since this protocol has no
// request/response envelope to hang middleware off — only a single
// opcode-tagged event per drive-loop iteration.
package dispatch

import (
	"rpcendpoint/rpctypes"
)

// Event describes one dispatched packet, enough context for a hook to log
// or throttle without reaching into the event handler's internals.
type Event struct {
	Code    rpctypes.Code
	NumArgs int
}

// HandlerFunc processes one dispatched event. Returning a non-nil error
// aborts dispatch of that event; the event handler turns it into an
// Exception packet sent to the peer.
type HandlerFunc func(ev Event) error

// Hook wraps a HandlerFunc with pre/post behavior.
type Hook func(next HandlerFunc) HandlerFunc

// Chain composes hooks into one, applied outermost-first.
func Chain(hooks ...Hook) Hook {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(hooks) - 1; i >= 0; i-- {
			next = hooks[i](next)
		}
		return next
	}
}
