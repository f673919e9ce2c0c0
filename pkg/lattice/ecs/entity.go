package ecs

import (
	"fmt"
	"math"

	"github.com/argus-labs/lattice/pkg/assert"
	"github.com/rotisserie/eris"
)

// EntityID is a generational identifier for an entity. The index is reused after the entity is
// despawned, the generation is bumped on every reuse so stale ids can be detected. The zero value
// is never issued and is used as the null id.
type EntityID struct {
	index uint32
	gen   uint32
}

// NewEntityID returns an id with the given index and generation. It's mostly useful for decoding
// ids that were previously obtained from Index and Generation.
func NewEntityID(index, generation uint32) EntityID {
	return EntityID{index: index, gen: generation}
}

// Index returns the slot index of the entity.
func (id EntityID) Index() uint32 { return id.index }

// Generation returns the generation of the entity.
func (id EntityID) Generation() uint32 { return id.gen }

// IsZero reports whether id is the null id.
func (id EntityID) IsZero() bool { return id.gen == 0 }

func (id EntityID) String() string {
	if id.IsZero() {
		return "null"
	}
	return fmt.Sprintf("%d:%d", id.index, id.gen)
}

// compareEntityID orders ids by index, then generation.
func compareEntityID(a, b EntityID) int {
	switch {
	case a.index < b.index:
		return -1
	case a.index > b.index:
		return 1
	case a.gen < b.gen:
		return -1
	case a.gen > b.gen:
		return 1
	}
	return 0
}

const (
	maxGeneration = math.MaxUint32
	maxIndex      = math.MaxUint32
)

// entityLocation is the position of an alive entity in the shape graph.
type entityLocation struct {
	arch archetypeID
	slot int
}

// entitySlot is the allocator's bookkeeping for a single index.
type entitySlot struct {
	gen   uint32
	alive bool
	loc   entityLocation
}

// entityManager issues entity ids and maps alive entities to their location. Freed indices are
// reused in FIFO order. An index whose generation saturated is retired instead of wrapping.
type entityManager struct {
	slots    []entitySlot
	free     []uint32
	alive    int
	maxIndex uint32 // Upper bound of the index space, lowered in tests
}

func newEntityManager() entityManager {
	return entityManager{
		slots:    make([]entitySlot, 0, 64),
		free:     make([]uint32, 0),
		maxIndex: maxIndex,
	}
}

// alloc returns a fresh id. The id is alive but has no location until the caller places it.
func (em *entityManager) alloc() (EntityID, error) {
	for len(em.free) > 0 {
		index := em.free[0]
		em.free = em.free[1:]

		id, err := em.reuse(index)
		if err == nil {
			return id, nil
		}
		// The slot is retired, try the next free index.
	}

	if uint64(len(em.slots)) >= uint64(em.maxIndex) {
		return EntityID{}, eris.Wrapf(ErrAllocatorExhausted, "%d indices in use", len(em.slots))
	}

	index := uint32(len(em.slots)) //nolint:gosec // bounded by maxIndex above
	em.slots = append(em.slots, entitySlot{gen: 1, alive: true})
	em.alive++
	return EntityID{index: index, gen: 1}, nil
}

// reuse revives a free index with a bumped generation. It refuses when the generation would wrap.
func (em *entityManager) reuse(index uint32) (EntityID, error) {
	slot := &em.slots[index]
	assert.That(!slot.alive, "free list contains alive index %d", index)

	if slot.gen == maxGeneration {
		return EntityID{}, eris.Wrapf(ErrAllocatorExhausted, "generation of index %d saturated", index)
	}
	slot.gen++
	slot.alive = true
	slot.loc = entityLocation{}
	em.alive++
	return EntityID{index: index, gen: slot.gen}, nil
}

// release frees the id's index for reuse. Indices with a saturated generation are not returned to
// the free list so their ids can never alias.
func (em *entityManager) release(id EntityID) error {
	if !em.isAlive(id) {
		return eris.Wrapf(ErrEntityNotAlive, "entity %s", id)
	}
	slot := &em.slots[id.index]
	slot.alive = false
	slot.loc = entityLocation{}
	em.alive--
	if slot.gen != maxGeneration {
		em.free = append(em.free, id.index)
	}
	return nil
}

// isAlive reports whether the slot at id's index is in use with a matching generation.
func (em *entityManager) isAlive(id EntityID) bool {
	if id.IsZero() || int(id.index) >= len(em.slots) {
		return false
	}
	slot := &em.slots[id.index]
	return slot.alive && slot.gen == id.gen
}

// location returns where an alive entity is stored.
func (em *entityManager) location(id EntityID) (entityLocation, error) {
	if !em.isAlive(id) {
		return entityLocation{}, eris.Wrapf(ErrEntityNotAlive, "entity %s", id)
	}
	return em.slots[id.index].loc, nil
}

// setLocation updates the location of an alive entity.
func (em *entityManager) setLocation(id EntityID, loc entityLocation) {
	assert.That(em.isAlive(id), "setting location of dead entity %s", id)
	em.slots[id.index].loc = loc
}

// len returns the number of alive entities.
func (em *entityManager) len() int {
	return em.alive
}
