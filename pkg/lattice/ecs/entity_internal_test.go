package ecs

import (
	"testing"

	"github.com/argus-labs/lattice/pkg/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityManager_Alloc(t *testing.T) {
	t.Parallel()

	em := newEntityManager()
	a, err := em.alloc()
	require.NoError(t, err)
	b, err := em.alloc()
	require.NoError(t, err)

	assert.Equal(t, NewEntityID(0, 1), a)
	assert.Equal(t, NewEntityID(1, 1), b)
	assert.True(t, em.isAlive(a))
	assert.True(t, em.isAlive(b))
	assert.Equal(t, 2, em.len())
	assert.False(t, em.isAlive(EntityID{}), "zero id is never alive")
	assert.False(t, em.isAlive(NewEntityID(7, 1)), "index past the end is not alive")
}

func TestEntityManager_ReleaseAndReuse(t *testing.T) {
	t.Parallel()

	em := newEntityManager()
	ids := make([]EntityID, 3)
	for i := range ids {
		id, err := em.alloc()
		require.NoError(t, err)
		ids[i] = id
	}

	require.NoError(t, em.release(ids[1]))
	require.NoError(t, em.release(ids[0]))
	assert.False(t, em.isAlive(ids[1]))
	require.ErrorIs(t, em.release(ids[1]), ErrEntityNotAlive, "double release")

	// Freed indices are reused in release order with a bumped generation.
	first, err := em.alloc()
	require.NoError(t, err)
	second, err := em.alloc()
	require.NoError(t, err)
	assert.Equal(t, NewEntityID(1, 2), first)
	assert.Equal(t, NewEntityID(0, 2), second)

	// Stale ids never alias the new generation.
	assert.False(t, em.isAlive(ids[0]))
	assert.True(t, em.isAlive(second))
	_, err = em.location(ids[0])
	require.ErrorIs(t, err, ErrEntityNotAlive)
}

func TestEntityManager_GenerationSaturation(t *testing.T) {
	t.Parallel()

	em := newEntityManager()
	id, err := em.alloc()
	require.NoError(t, err)

	em.slots[id.index].gen = maxGeneration
	saturated := EntityID{index: id.index, gen: maxGeneration}
	require.NoError(t, em.release(saturated))
	assert.Empty(t, em.free, "saturated index is retired")

	next, err := em.alloc()
	require.NoError(t, err)
	assert.NotEqual(t, id.index, next.index)
}

func TestEntityManager_Exhausted(t *testing.T) {
	t.Parallel()

	em := newEntityManager()
	em.maxIndex = 2
	_, err := em.alloc()
	require.NoError(t, err)
	_, err = em.alloc()
	require.NoError(t, err)
	_, err = em.alloc()
	require.ErrorIs(t, err, ErrAllocatorExhausted)
}

// -------------------------------------------------------------------------------------------------
// Model-based fuzzing entity allocation
// -------------------------------------------------------------------------------------------------
// Random alloc/release sequences are checked against a map of alive ids. Every id ever handed out
// is remembered so stale ids can be probed after release.
// -------------------------------------------------------------------------------------------------

func TestEntityManager_ModelFuzz(t *testing.T) {
	t.Parallel()
	prng := testutils.NewRand(t)

	const opsMax = 1 << 13

	impl := newEntityManager()
	alive := make(map[EntityID]struct{})
	var dead []EntityID

	for range opsMax {
		switch testutils.RandWeightedOp(prng, entityOps) {
		case e_alloc:
			id, err := impl.alloc()
			require.NoError(t, err)
			_, dup := alive[id]
			require.False(t, dup, "alloc returned alive id %s", id)
			alive[id] = struct{}{}

		case e_release:
			if len(alive) == 0 {
				continue
			}
			id := testutils.RandMapKey(prng, alive)
			require.NoError(t, impl.release(id))
			delete(alive, id)
			dead = append(dead, id)

		case e_probe:
			if len(dead) == 0 {
				continue
			}
			id := dead[prng.IntN(len(dead))]
			assert.False(t, impl.isAlive(id), "stale id %s reported alive", id)

		default:
			panic("unreachable")
		}
		assert.Equal(t, len(alive), impl.len())
	}

	for id := range alive {
		assert.True(t, impl.isAlive(id), "id %s lost", id)
	}
}

type entityOp uint8

const (
	e_alloc entityOp = iota
	e_release
	e_probe
)

var entityOps = testutils.OpWeights[entityOp]{
	{Op: e_alloc, Weight: 50},
	{Op: e_release, Weight: 35},
	{Op: e_probe, Weight: 15},
}
