// Package arena implements the per-packet scratch allocator the event
// handler uses for decoded argument views and bulk copy staging buffers.
// Everything allocated since the last RecycleAll becomes invalid the moment
// RecycleAll is called; the event handler calls it exactly once per return
// to the idle state (spec §4.2, §4.4).
package arena

import "fmt"

// Arena is a bump allocator over byte slices. It keeps every slice it has
// handed out so RecycleAll can release them together; individual
// allocations are never freed early.
type Arena struct {
	live [][]byte
}

// New returns an empty arena.
func New() *Arena { return &Arena{} }

// AllocBytes returns a freshly zeroed byte slice of length n, valid until
// the next RecycleAll. Allocation failure (out of memory) is fatal, per
// spec §4.2 — Go surfaces that as a panic from make, which is not
// recovered here.
func (a *Arena) AllocBytes(n int) []byte {
	if n < 0 {
		panic(fmt.Sprintf("arena: negative allocation size %d", n))
	}
	b := make([]byte, n)
	a.live = append(a.live, b)
	return b
}

// RecycleAll releases every allocation made since the arena was created or
// last recycled. Must be called exactly once per return to the event
// handler's idle state.
func (a *Arena) RecycleAll() {
	a.live = a.live[:0]
}

// Len reports how many live allocations the arena currently holds (for
// tests asserting recycle discipline).
func (a *Arena) Len() int { return len(a.live) }
