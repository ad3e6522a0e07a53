package proxy

import (
	"sync"
	"sync/atomic"
)

// Gate bounds the number of concurrent connections of one server. It sheds
// load: Acquire never waits.
type Gate struct {
	max    int64
	active atomic.Int64
}

// NewGate returns a Gate admitting at most limit connections. A limit
// <= 0 admits everything.
func NewGate(limit int) *Gate {
	return &Gate{max: int64(limit)}
}

// Slot is held for the lifetime of one admitted connection.
type Slot struct {
	gate *Gate
	once sync.Once
}

// Acquire takes a slot, or reports false at once if the gate is full.
func (g *Gate) Acquire() (*Slot, bool) {
	if g.max <= 0 {
		g.active.Add(1)
		return &Slot{gate: g}, true
	}
	for {
		n := g.active.Load()
		if n >= g.max {
			return nil, false
		}
		if g.active.CompareAndSwap(n, n+1) {
			return &Slot{gate: g}, true
		}
	}
}

// Release returns the slot. Extra calls, and calls on a nil Slot, do nothing.
func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.gate.active.Add(-1)
	})
}

// Active returns the number of slots currently held.
func (g *Gate) Active() int64 { return g.active.Load() }

// Max returns the configured limit; 0 means unbounded.
func (g *Gate) Max() int64 {
	if g.max < 0 {
		return 0
	}
	return g.max
}
