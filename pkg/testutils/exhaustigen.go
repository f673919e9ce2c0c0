package testutils

import "github.com/argus-labs/lattice/pkg/assert"

// Gen enumerates every sequence of choices a test body can make. The body draws values with Intn,
// Bool or Pick and Done moves to the next sequence not produced yet. It works like an odometer
// whose wheels are added the first time they are read, so the number and size of later choices
// may depend on earlier ones.
//
//	g := NewGen()
//	for !g.Done() {
//		op := Pick(g, ops)
//		...
//	}
type Gen struct {
	wheels  []wheel
	pos     int // Wheels read in the current sequence
	started bool
}

type wheel struct {
	value, max int
}

// NewGen creates a generator positioned before the first sequence.
func NewGen() *Gen {
	return &Gen{}
}

// Done advances to the next sequence and reports whether all of them were produced.
func (g *Gen) Done() bool {
	if !g.started {
		g.started = true
		return false
	}
	// Wheels the last sequence didn't reach are stale.
	g.wheels = g.wheels[:g.pos]
	g.pos = 0
	for len(g.wheels) > 0 {
		last := &g.wheels[len(g.wheels)-1]
		if last.value < last.max {
			last.value++
			return false
		}
		g.wheels = g.wheels[:len(g.wheels)-1]
	}
	return true
}

// Intn returns a value in [0, n].
func (g *Gen) Intn(n int) int {
	assert.That(n >= 0, "gen: negative bound %d", n)
	if g.pos == len(g.wheels) {
		g.wheels = append(g.wheels, wheel{})
	}
	w := &g.wheels[g.pos]
	w.max = n
	g.pos++
	return w.value
}

// Bool returns false, then true.
func (g *Gen) Bool() bool {
	return g.Intn(1) == 1
}

// Pick returns each element of a non-empty slice in turn.
func Pick[T any](g *Gen, slice []T) T {
	assert.That(len(slice) > 0, "gen: pick from an empty slice")
	return slice[g.Intn(len(slice)-1)]
}
