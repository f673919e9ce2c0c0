package ecs

import "sync/atomic"

// borrowGuard is a fail-fast reader/writer flag. A positive state counts shared borrows, -1 marks
// an exclusive borrow. Acquisition never blocks.
type borrowGuard struct {
	state atomic.Int32
}

const exclusiveBorrow = -1

// tryShared acquires a shared borrow. It fails if the guard is exclusively held.
func (g *borrowGuard) tryShared() bool {
	for {
		s := g.state.Load()
		if s == exclusiveBorrow {
			return false
		}
		if g.state.CompareAndSwap(s, s+1) {
			return true
		}
	}
}

// tryExclusive acquires an exclusive borrow. It fails if the guard is held in any way.
func (g *borrowGuard) tryExclusive() bool {
	return g.state.CompareAndSwap(0, exclusiveBorrow)
}

func (g *borrowGuard) releaseShared() {
	g.state.Add(-1)
}

func (g *borrowGuard) releaseExclusive() {
	g.state.Store(0)
}

// isFree reports whether nobody holds the guard.
func (g *borrowGuard) isFree() bool {
	return g.state.Load() == 0
}
