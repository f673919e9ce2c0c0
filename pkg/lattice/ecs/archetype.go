package ecs

import (
	"slices"

	"github.com/argus-labs/lattice/pkg/assert"
)

type archetypeID int

const rootArchetype archetypeID = 0

// archetype groups the entities that have exactly the same set of component keys. Every column
// holds one value per entity and slot i of every column belongs to entities[i].
type archetype struct {
	id       archetypeID
	seq      uint64         // Creation order, used to keep iteration order stable
	keys     []ComponentKey // Sorted by compareKey
	columns  []*column      // Parallel to keys
	entities []EntityID     // Slot -> entity
	removed  map[ComponentKey]*changeList

	parent   archetypeID    // Trie parent, -1 for the root
	children []ComponentKey // Sorted labels of trie children, targets are in add
	add      map[ComponentKey]archetypeID
	remove   map[ComponentKey]archetypeID
}

func newArchetype(id archetypeID, seq uint64, keys []ComponentKey, descOf func(ComponentKey) *ComponentDesc) *archetype {
	assert.That(slices.IsSortedFunc(keys, compareKey), "archetype keys must be sorted")

	columns := make([]*column, len(keys))
	for i, key := range keys {
		desc := descOf(key)
		assert.That(desc != nil, "component %s isn't registered", key)
		columns[i] = newColumn(key, desc)
	}
	return &archetype{
		id:       id,
		seq:      seq,
		keys:     keys,
		columns:  columns,
		entities: make([]EntityID, 0),
		removed:  make(map[ComponentKey]*changeList),
		parent:   -1,
		add:      make(map[ComponentKey]archetypeID),
		remove:   make(map[ComponentKey]archetypeID),
	}
}

// len returns the number of entities in the archetype.
func (a *archetype) len() int {
	return len(a.entities)
}

// index returns the position of key in the archetype.
func (a *archetype) index(key ComponentKey) (int, bool) {
	return slices.BinarySearchFunc(a.keys, key, compareKey)
}

func (a *archetype) has(key ComponentKey) bool {
	_, ok := a.index(key)
	return ok
}

// column returns the column storing key, or nil if the archetype doesn't have it.
func (a *archetype) column(key ComponentKey) *column {
	if i, ok := a.index(key); ok {
		return a.columns[i]
	}
	return nil
}

// relationRange returns the positions [lo, hi) of the relation edges of id. Keys are sorted by id
// first, so the edges of one relation are contiguous.
func (a *archetype) relationRange(id ComponentID) (int, int) {
	lo, _ := slices.BinarySearchFunc(a.keys, ComponentKey{ID: id}, compareKey)
	hi := lo
	for hi < len(a.keys) && a.keys[hi].ID == id {
		hi++
	}
	// The plain key sorts first, skip it.
	if lo < hi && !a.keys[lo].IsRelation() {
		lo++
	}
	return lo, hi
}

// hasRelation reports whether the archetype holds at least one edge of relation id.
func (a *archetype) hasRelation(id ComponentID) bool {
	lo, hi := a.relationRange(id)
	return lo < hi
}

// hasTarget reports whether any edge in the archetype points at target.
func (a *archetype) hasTarget(target EntityID) bool {
	for _, key := range a.keys {
		if key.Target == target {
			return true
		}
	}
	return false
}

// removedList returns the removal change list for key, creating it if needed.
func (a *archetype) removedList(key ComponentKey) *changeList {
	l, ok := a.removed[key]
	if !ok {
		l = &changeList{}
		a.removed[key] = l
	}
	return l
}

// pushEntity appends an entity and returns its slot. Columns are extended by the caller.
func (a *archetype) pushEntity(id EntityID) int {
	a.entities = append(a.entities, id)
	return len(a.entities) - 1
}

// swapRemoveEntity removes the entity at slot from the entity list and the removal change lists.
// The last entity takes its place. It returns the entity now at slot, if one moved. Columns must be
// swap-removed by the caller at the same slot.
func (a *archetype) swapRemoveEntity(slot int) (EntityID, bool) {
	assert.That(slot < len(a.entities), "slot %d out of range %d", slot, len(a.entities))

	last := len(a.entities) - 1
	for _, l := range a.removed {
		l.swapRemove(slot, last)
	}

	a.entities[slot] = a.entities[last]
	a.entities = a.entities[:last]
	if slot == last {
		return EntityID{}, false
	}
	return a.entities[slot], true
}

// checkLen asserts the dense storage invariant.
func (a *archetype) checkLen() {
	for _, col := range a.columns {
		assert.That(col.data.len() == len(a.entities),
			"column %s has %d values for %d entities", col.name(), col.data.len(), len(a.entities))
	}
}

// lockAll takes an exclusive borrow on every column. Structural changes need it so they never
// invalidate columns that a query is reading.
func (a *archetype) lockAll() error {
	for i, col := range a.columns {
		if err := col.borrowExclusive(); err != nil {
			for _, held := range a.columns[:i] {
				held.guard.releaseExclusive()
			}
			return err
		}
	}
	return nil
}

func (a *archetype) unlockAll() {
	for _, col := range a.columns {
		col.guard.releaseExclusive()
	}
}
