package dispatch

import (
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"
)

// LoggingHook logs every dispatched opcode and how long it took to run
// through the rest of the chain.
func LoggingHook() Hook {
	return func(next HandlerFunc) HandlerFunc {
		return func(ev Event) error {
			start := time.Now()
			err := next(ev)
			log.Printf("dispatch: opcode=%s args=%d duration=%s err=%v", ev.Code, ev.NumArgs, time.Since(start), err)
			return err
		}
	}
}

// RateLimitHook throttles dispatch with a token bucket. A rejected event
// does not get a message error string back — it returns a plain error,
// which the event handler turns into an Exception packet sent to the peer
// (spec §4.4 HandleProcessPacket error path).
func RateLimitHook(r float64, burst int) Hook {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ev Event) error {
			if !limiter.Allow() {
				return fmt.Errorf("dispatch: rate limit exceeded for opcode %s", ev.Code)
			}
			return next(ev)
		}
	}
}
