package ecs

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/argus-labs/lattice/pkg/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -------------------------------------------------------------------------------------------------
// Batching
// -------------------------------------------------------------------------------------------------

func TestSchedule_BatchInfo(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.w
	f.spawn(t, f.withPos(0, 0), f.withVel(0, 0), f.withHealth(1))

	noop := func(*SystemContext) error { return nil }
	s := NewSchedule().Add(
		NewSystem("move", noop, NewQuery(Join2(Write(f.pos), Read(f.vel)))),
		NewSystem("regen", noop, NewQuery(Write(f.health))),
		NewSystem("render", noop, NewQuery(Join2(Read(f.pos), Read(f.health)))),
		NewSystem("audit", noop, NewQuery(Read(f.vel))),
		NewSystem("spawner", noop, Commands()),
		NewSystem("net", noop, Resource("socket", true)),
		NewSystem("net2", noop, Resource("socket", false)),
	)

	info := s.BatchInfo(w)
	assert.Equal(t, BatchInfo{
		{"move", "regen", "audit", "net"},
		{"render", "net2"},
		{"spawner"},
	}, info)
	assert.Contains(t, info.String(), "batch 1: render, net2\n")
}

func TestSchedule_ConflictRules(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.w
	f.spawn(t, f.withPos(0, 0), f.withVel(0, 0))

	noop := func(*SystemContext) error { return nil }
	readPos := func(name string) *System { return NewSystem(name, noop, NewQuery(Read(f.pos))) }
	writePos := func(name string) *System { return NewSystem(name, noop, NewQuery(Write(f.pos))) }

	tests := []struct {
		name    string
		systems []*System
		batches int
	}{
		{"readers share", []*System{readPos("a"), readPos("b")}, 1},
		{"writer after reader", []*System{readPos("a"), writePos("b")}, 2},
		{"writers serialize", []*System{writePos("a"), writePos("b")}, 2},
		{"world read with column read", []*System{NewSystem("a", noop, WorldAccess(false)), readPos("b")}, 1},
		{"world read with column write", []*System{NewSystem("a", noop, WorldAccess(false)), writePos("b")}, 2},
		{"world write alone", []*System{NewSystem("a", noop, WorldAccess(true)), NewSystem("b", noop, Resource("x", false))}, 1},
		{"world write with world read", []*System{NewSystem("a", noop, WorldAccess(true)), NewSystem("b", noop, WorldAccess(false))}, 2},
		{"commands with columns", []*System{NewSystem("a", noop, Commands()), readPos("b")}, 2},
		{"commands together", []*System{NewSystem("a", noop, Commands()), NewSystem("b", noop, Commands())}, 1},
		{"commands before unmatched query", []*System{NewSystem("a", noop, Commands()), NewSystem("b", noop, NewQuery(Read(f.health)))}, 2},
		{"unmatched queries share", []*System{NewSystem("a", noop, NewQuery(Read(f.health))), NewSystem("b", noop, NewQuery(Write(f.health)))}, 1},
		{"later system joins earliest batch", []*System{writePos("a"), writePos("b"), NewSystem("c", noop, Resource("x", true))}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := NewSchedule().Add(tt.systems...).BatchInfo(w)
			assert.Len(t, info, tt.batches, info.String())
		})
	}
}

// -------------------------------------------------------------------------------------------------
// Execution
// -------------------------------------------------------------------------------------------------

// simulation builds a schedule integrating positions, decaying health, despawning dead entities
// and spawning replacements.
func simulation(f *fixture) *Schedule {
	move := NewQuery(Join2(Write(f.pos), Read(f.vel)))
	decay := NewQuery(Write(f.health))
	dead := NewQuery(Join2(Entities(), Read(f.health))).Filter(Compare(f.health, healthValue, OpLe, 0))
	count := NewQuery(Entities()).Filter(With(f.pos))

	return NewSchedule(WithWorkers(4)).Add(
		NewSystem("move", func(ctx *SystemContext) error {
			return move.Each(ctx.World(), func(it Tuple2[Mut[testutils.Position], *testutils.Velocity]) {
				p := it.A.Deref()
				p.X += it.B.X
				p.Y += it.B.Y
			})
		}, move),
		NewSystem("decay", func(ctx *SystemContext) error {
			return decay.Each(ctx.World(), func(h Mut[testutils.Health]) { h.Deref().Value-- })
		}, decay),
		NewSystem("reap", func(ctx *SystemContext) error {
			return dead.Each(ctx.World(), func(it Tuple2[EntityID, *testutils.Health]) {
				ctx.Commands().Despawn(it.A)
			})
		}, dead, Commands()),
		NewSystem("respawn", func(ctx *SystemContext) error {
			n, err := count.Count(ctx.World())
			if err != nil {
				return err
			}
			for range 8 - min(n, 8) {
				ctx.Commands().Spawn(nil,
					ComponentValue(f.pos, testutils.Position{}),
					ComponentValue(f.vel, testutils.Velocity{X: 1}),
					ComponentValue(f.health, testutils.Health{Value: 3}))
			}
			return nil
		}, count, Commands()),
	)
}

type snapshotRow struct {
	pos    testutils.Position
	health testutils.Health
}

func snapshotWorld(t *testing.T, f *fixture) []snapshotRow {
	t.Helper()
	rows, err := NewQuery(Map(Join2(Copied(f.pos), Copied(f.health)),
		func(it Tuple2[testutils.Position, testutils.Health]) snapshotRow {
			return snapshotRow{pos: it.A, health: it.B}
		})).Collect(f.w)
	require.NoError(t, err)
	return rows
}

func TestSchedule_SequentialEqualsParallel(t *testing.T) {
	t.Parallel()
	prng := testutils.NewRand(t)

	seq := newFixture(t)
	par := newFixture(t)
	for range 32 {
		x, v, h := prng.Float64(), prng.Float64(), 1+prng.IntN(6)
		for _, f := range []*fixture{seq, par} {
			f.spawn(t, f.withPos(x, 0), f.withVel(v, 0), f.withHealth(h))
		}
	}

	seqSchedule := simulation(seq)
	parSchedule := simulation(par)
	ctx := context.Background()
	for range 10 {
		require.NoError(t, seqSchedule.ExecuteSeq(ctx, seq.w))
		require.NoError(t, parSchedule.Execute(ctx, par.w))
		assert.ElementsMatch(t, snapshotWorld(t, seq), snapshotWorld(t, par))
		assert.Equal(t, seq.w.Len(), par.w.Len())
	}

	t.Run("query declared after spawner on empty world", func(t *testing.T) {
		t.Parallel()
		positions := func(exec func(*Schedule, context.Context, *World) error) []testutils.Position {
			f := newFixture(t)
			mover := NewQuery(Write(f.pos))
			s := NewSchedule(WithWorkers(4)).Add(
				NewSystem("spawner", func(ctx *SystemContext) error {
					ctx.Commands().Spawn(nil, ComponentValue(f.pos, testutils.Position{}))
					return nil
				}, Commands()),
				NewSystem("mover", func(ctx *SystemContext) error {
					return mover.Each(ctx.World(), func(p Mut[testutils.Position]) { p.Deref().X++ })
				}, mover),
			)
			require.NoError(t, exec(s, ctx, f.w))
			out, err := NewQuery(Copied(f.pos)).Collect(f.w)
			require.NoError(t, err)
			return out
		}

		seqOut := positions((*Schedule).ExecuteSeq)
		parOut := positions((*Schedule).Execute)
		assert.Equal(t, []testutils.Position{{X: 1}}, seqOut)
		assert.Equal(t, seqOut, parOut)
	})
}

func TestSchedule_ParallelSystemsOverlap(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.spawn(t, f.withPos(0, 0), f.withVel(0, 0))

	// Both systems wait for each other, which only completes when they run concurrently.
	var arrived atomic.Int32
	barrier := func(*SystemContext) error {
		arrived.Add(1)
		for arrived.Load() < 2 {
			runtime.Gosched()
		}
		return nil
	}
	s := NewSchedule(WithWorkers(2)).Add(
		NewSystem("a", barrier, NewQuery(Read(f.pos))),
		NewSystem("b", barrier, NewQuery(Write(f.vel))),
	)
	require.NoError(t, s.Execute(context.Background(), f.w))
}

func TestSchedule_ConcurrentModifiedEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.w
	const n = 64
	ids := make([]EntityID, n)
	for i := range ids {
		ids[i] = f.spawn(t, f.withPos(0, 0), f.withHealth(1))
	}

	var modified atomic.Int64
	w.Subscribe(FuncSubscriber(All(), func(e Event) bool {
		if e.Kind == EventModified {
			modified.Add(1)
		}
		return true
	}))

	// Both systems write through the world and share a batch, so their events fire concurrently
	// while the subscriber list changes.
	writer := func(set func(EntityID) error) SystemFunc {
		return func(*SystemContext) error {
			for _, id := range ids {
				sub := w.Subscribe(ChanSubscriber(All(), make(chan Event, 1)))
				if err := set(id); err != nil {
					return err
				}
				w.Unsubscribe(sub)
			}
			return nil
		}
	}
	s := NewSchedule(WithWorkers(2)).Add(
		NewSystem("positions", writer(f.withPos(1, 1)), NewQuery(Write(f.pos))),
		NewSystem("health", writer(f.withHealth(2)), NewQuery(Write(f.health))),
	)
	require.Equal(t, BatchInfo{{"positions", "health"}}, s.BatchInfo(w))
	require.NoError(t, s.Execute(context.Background(), w))
	assert.Equal(t, int64(2*n), modified.Load())
	assert.Equal(t, 1, w.SubscriberCount())
}

func TestSchedule_ErrorReporting(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.w

	errBoom := errors.New("boom")
	var ranAfter, sibling atomic.Bool
	s := NewSchedule().Add(
		NewSystem("fails", func(ctx *SystemContext) error {
			ctx.Commands().Spawn(nil)
			return errBoom
		}, Resource("a", true)),
		NewSystem("sibling", func(ctx *SystemContext) error {
			sibling.Store(true)
			ctx.Commands().Spawn(nil)
			return nil
		}, Resource("b", true)),
		NewSystem("after", func(*SystemContext) error {
			ranAfter.Store(true)
			return nil
		}, Resource("a", true)),
	)

	err := s.Execute(context.Background(), w)
	require.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "system fails failed")
	assert.True(t, sibling.Load(), "systems in the same batch still run")
	assert.False(t, ranAfter.Load(), "later batches don't run")
	assert.Equal(t, 1, w.Len(), "only the successful system's commands are applied")

	ranAfter.Store(false)
	err = s.ExecuteSeq(context.Background(), w)
	require.ErrorIs(t, err, errBoom)
	assert.False(t, ranAfter.Load())
}

func TestSchedule_StructuralChangeDuringExecutionFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.w

	var spawnErr error
	s := NewSchedule().Add(NewSystem("sneaky", func(ctx *SystemContext) error {
		_, spawnErr = ctx.World().TrySpawn()
		return nil
	}, WorldAccess(true)))
	require.NoError(t, s.Execute(context.Background(), w))
	require.ErrorIs(t, spawnErr, ErrStructuralChange)
	assert.Equal(t, 0, w.Len())
}

func TestSchedule_RebatchesAfterShapeChange(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.w
	f.spawn(t, f.withPos(0, 0))

	// Before the spawner runs, healer and observer only read pos and share a batch. The spawner
	// creates {pos, health}, after which healer writes a column observer reads, so the remaining
	// systems are split again and observer runs after healer.
	healer := NewQuery(Join2(Read(f.pos), Opt(Write(f.health))))
	observer := NewQuery(Join2(Read(f.pos), Opt(Copied(f.health))))
	s := NewSchedule(WithWorkers(4)).Add(
		NewSystem("spawner", func(ctx *SystemContext) error {
			ctx.Commands().Spawn(nil,
				ComponentValue(f.pos, testutils.Position{}),
				ComponentValue(f.health, testutils.Health{}))
			return nil
		}, Commands()),
		NewSystem("healer", func(ctx *SystemContext) error {
			return healer.Each(ctx.World(), func(it Tuple2[*testutils.Position, Option[Mut[testutils.Health]]]) {
				if h, ok := it.B.Get(); ok {
					h.Set(testutils.Health{Value: 10})
				}
			})
		}, healer),
		NewSystem("observer", func(ctx *SystemContext) error {
			return observer.Each(ctx.World(), func(it Tuple2[*testutils.Position, Option[testutils.Health]]) {
				if h, ok := it.B.Get(); ok {
					assert.Equal(t, 10, h.Value)
				}
			})
		}, observer),
	)
	assert.Equal(t, BatchInfo{{"spawner"}, {"healer", "observer"}}, s.BatchInfo(w))
	require.NoError(t, s.Execute(context.Background(), w))
	assert.Equal(t, BatchInfo{{"spawner"}, {"healer"}, {"observer"}}, s.BatchInfo(w))
}
