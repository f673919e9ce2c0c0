package ecs

import (
	"reflect"
	"slices"
	"sync/atomic"

	"github.com/argus-labs/lattice/pkg/assert"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// World stores entities and their components. Structural changes (spawn, despawn, adding or
// removing components) must happen on one goroutine and never while a schedule batch executes.
// Component values can be read and written concurrently through queries as long as their column
// borrows don't conflict.
type World struct {
	entities   entityManager
	components componentManager
	graph      shapeGraph
	events     eventManager
	tick       atomic.Uint32
	executing  atomic.Bool
	logger     zerolog.Logger
}

// WorldOption configures a World.
type WorldOption func(*World)

// WithLogger sets the logger used for structural diagnostics.
func WithLogger(logger zerolog.Logger) WorldOption {
	return func(w *World) { w.logger = logger }
}

// NewWorld creates an empty world.
func NewWorld(opts ...WorldOption) *World {
	w := &World{
		entities:   newEntityManager(),
		components: newComponentManager(),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.graph = newShapeGraph(w.components.byKey)
	w.graph.onCreate = func(a *archetype) {
		w.logger.Debug().Int("shape", int(a.id)).Int("components", len(a.keys)).Msg("shape created")
	}
	return w
}

// Tick returns the current change tick.
func (w *World) Tick() Tick {
	return Tick(w.tick.Load())
}

// advanceTick increments the change tick and returns the new value.
func (w *World) advanceTick() Tick {
	return Tick(w.tick.Add(1))
}

// Len returns the number of alive entities.
func (w *World) Len() int {
	return w.entities.len()
}

// ShapeCount returns the number of shapes in the graph, including the empty root shape.
func (w *World) ShapeCount() int {
	return w.graph.count()
}

// checkStructural fails while a schedule batch is executing.
func (w *World) checkStructural() error {
	if w.executing.Load() {
		return ErrStructuralChange
	}
	return nil
}

// checkHandle verifies a component handle belongs to this world.
func (w *World) checkHandle(desc *ComponentDesc, key ComponentKey) error {
	if desc == nil {
		return eris.Wrapf(ErrComponentNotRegistered, "component %s has no description", key)
	}
	if registered := w.components.byKey(key); registered != desc {
		return eris.Wrapf(ErrTypeMismatch, "component %s isn't registered in this world", desc.keyName(key))
	}
	return nil
}

// keyName returns a readable name for key.
func (w *World) keyName(key ComponentKey) string {
	if desc := w.components.byKey(key); desc != nil {
		return desc.keyName(key)
	}
	return key.String()
}

// -------------------------------------------------------------------------------------------------
// Entity lifecycle
// -------------------------------------------------------------------------------------------------

// Spawn creates an entity without components.
func (w *World) Spawn() EntityID {
	id, err := w.TrySpawn()
	assert.That(err == nil, "failed to spawn entity: %v", err)
	return id
}

// TrySpawn creates an entity without components. It fails when the allocator is exhausted or a
// batch is executing.
func (w *World) TrySpawn() (EntityID, error) {
	if err := w.checkStructural(); err != nil {
		return EntityID{}, err
	}
	id, err := w.entities.alloc()
	if err != nil {
		return EntityID{}, err
	}
	root := w.graph.root()
	slot := root.pushEntity(id)
	w.entities.setLocation(id, entityLocation{arch: root.id, slot: slot})
	w.advanceTick()
	w.events.spawned(id, root)
	return id, nil
}

// IsAlive reports whether id refers to a live entity.
func (w *World) IsAlive(id EntityID) bool {
	return w.entities.isAlive(id)
}

// Despawn removes an entity and drops all its components. Relation edges pointing at the entity are
// removed from every holder.
func (w *World) Despawn(id EntityID) error {
	if err := w.checkStructural(); err != nil {
		return err
	}
	loc, err := w.entities.location(id)
	if err != nil {
		return err
	}
	src := w.graph.get(loc.arch)
	if err := checkFree(src); err != nil {
		return err
	}

	w.events.despawned(id, src)

	if err := src.lockAll(); err != nil {
		return eris.Wrapf(err, "despawn %s from shape %d", id, src.id)
	}
	last := src.len() - 1
	for _, col := range src.columns {
		col.data.dropSwapRemove(loc.slot)
		col.swapRemoveChanges(loc.slot, last)
	}
	moved, ok := src.swapRemoveEntity(loc.slot)
	src.unlockAll()

	if ok {
		w.entities.setLocation(moved, loc)
	}
	assert.That(w.entities.release(id) == nil, "releasing alive entity %s", id)
	w.advanceTick()

	return w.detachTarget(id)
}

// DespawnRecursive despawns id and every entity that transitively holds an edge of relation
// pointing at it.
func (w *World) DespawnRecursive(id EntityID, relation ComponentID) error {
	if err := w.checkStructural(); err != nil {
		return err
	}
	if !w.entities.isAlive(id) {
		return eris.Wrapf(ErrEntityNotAlive, "entity %s", id)
	}

	order := []EntityID{id}
	seen := map[EntityID]struct{}{id: {}}
	for i := 0; i < len(order); i++ {
		key := ComponentKey{ID: relation, Target: order[i]}
		for _, a := range w.graph.all() {
			if !a.has(key) {
				continue
			}
			for _, child := range a.entities {
				if _, ok := seen[child]; !ok {
					seen[child] = struct{}{}
					order = append(order, child)
				}
			}
		}
	}

	// Leaves first so parents don't trigger edge cleanup on entities about to be despawned.
	for _, e := range slices.Backward(order) {
		if err := w.Despawn(e); err != nil {
			return eris.Wrapf(err, "recursive despawn of %s", id)
		}
	}
	return nil
}

// detachTarget removes every relation edge pointing at a despawned entity. Shapes keyed on the dead
// target can never be reached again, so they are removed from the graph.
func (w *World) detachTarget(target EntityID) error {
	var holders []*archetype
	for _, a := range w.graph.all() {
		if a.hasTarget(target) {
			holders = append(holders, a)
		}
	}
	if len(holders) == 0 {
		return nil
	}

	moved := 0
	for _, a := range holders {
		keys := make([]ComponentKey, 0, len(a.keys))
		for _, key := range a.keys {
			if key.Target != target {
				keys = append(keys, key)
			}
		}
		dst := w.graph.find(keys)
		for a.len() > 0 {
			slot := a.len() - 1
			loc := entityLocation{arch: a.id, slot: slot}
			if err := w.moveEntity(a.entities[slot], loc, dst, nil); err != nil {
				return eris.Wrapf(err, "failed to detach edges to %s", target)
			}
			moved++
		}
	}

	for _, a := range w.graph.archs {
		if a == nil {
			continue
		}
		for key := range a.removed {
			if key.Target == target {
				delete(a.removed, key)
			}
		}
	}
	removed := w.graph.removeWhere(func(a *archetype) bool { return a.hasTarget(target) })

	w.logger.Debug().
		Stringer("target", target).
		Int("moved", moved).
		Int("shapes_removed", removed).
		Msg("relation target despawned")
	return nil
}

// Clear despawns every entity and drops all component values. Registered components are kept, the
// shape graph is reset to the root.
func (w *World) Clear() error {
	if err := w.checkStructural(); err != nil {
		return err
	}
	archs := w.graph.all()
	if err := checkFree(archs...); err != nil {
		return err
	}
	for _, a := range archs {
		for _, id := range a.entities {
			w.events.despawned(id, a)
		}
		for _, col := range a.columns {
			col.data.dropAll()
			col.modified.clear()
			col.added.clear()
		}
		for _, id := range a.entities {
			assert.That(w.entities.release(id) == nil, "releasing alive entity %s", id)
		}
		a.entities = a.entities[:0]
		clear(a.removed)
	}
	removed := w.graph.removeWhere(func(*archetype) bool { return true })
	w.advanceTick()
	w.logger.Debug().Int("shapes_removed", removed).Msg("world cleared")
	return nil
}

// PruneEmptyShapes removes every shape that holds no entities and has no descendant shape holding
// entities. It returns the number of shapes removed.
func (w *World) PruneEmptyShapes() int {
	if w.executing.Load() {
		return 0
	}
	n := w.graph.prune()
	if n > 0 {
		w.logger.Debug().Int("removed", n).Int("remaining", w.graph.count()).Msg("pruned shapes")
	}
	return n
}

// -------------------------------------------------------------------------------------------------
// Relocation
// -------------------------------------------------------------------------------------------------

// insertion is a value to append to a destination column during a move.
type insertion struct {
	key     ComponentKey
	typ     reflect.Type // Nil for an untyped nil value
	accepts func(elem reflect.Type) bool
	push    func(storage)
}

func typedInsertion[T any](key ComponentKey, value T) insertion {
	typ := reflect.TypeFor[T]()
	return insertion{
		key:     key,
		typ:     typ,
		accepts: func(elem reflect.Type) bool { return elem == typ },
		push: func(st storage) {
			data, ok := st.(*typedStorage[T])
			assert.That(ok, "insertion type checked before push")
			data.push(value)
		},
	}
}

// anyInsertion accepts any value assignable to the column type, so interface typed components
// take their implementations.
func anyInsertion(key ComponentKey, value any) insertion {
	return insertion{
		key:     key,
		typ:     reflect.TypeOf(value),
		accepts: func(elem reflect.Type) bool { return assignable(value, elem) },
		push: func(st storage) {
			assert.That(st.pushAny(value) == nil, "insertion type checked before push")
		},
	}
}

// moveEntity relocates id from its current shape to dst. Values of keys in both shapes are moved,
// inserts provide the values of keys only in dst, values of keys only in the origin are dropped.
func (w *World) moveEntity(id EntityID, loc entityLocation, dst *archetype, inserts []insertion) error {
	src := w.graph.get(loc.arch)
	if src == dst {
		return nil
	}

	for _, ins := range inserts {
		col := dst.column(ins.key)
		assert.That(col != nil, "insertion of %s not in destination shape", ins.key)
		if !ins.accepts(col.data.elemType()) {
			return eris.Wrapf(ErrTypeMismatch, "component %s stores %s, not %v",
				col.name(), col.data.elemType(), ins.typ)
		}
	}
	if err := checkFree(src, dst); err != nil {
		return err
	}

	w.events.movedOut(id, src, dst)

	if err := src.lockAll(); err != nil {
		return eris.Wrapf(err, "shape %d", src.id)
	}
	if err := dst.lockAll(); err != nil {
		src.unlockAll()
		return eris.Wrapf(err, "shape %d", dst.id)
	}

	tick := w.advanceTick()
	dstSlot := dst.len()
	last := src.len() - 1

	for i, key := range dst.keys {
		col := dst.columns[i]
		srcCol := src.column(key)
		if srcCol == nil {
			idx := slices.IndexFunc(inserts, func(ins insertion) bool { return ins.key == key })
			assert.That(idx >= 0, "no value for inserted component %s", col.name())
			inserts[idx].push(col.data)
			col.stampInsert(single(dstSlot), tick)
			continue
		}

		if t, ok := srcCol.modified.tickAt(loc.slot); ok {
			col.modified.set(single(dstSlot), t)
		}
		if t, ok := srcCol.added.tickAt(loc.slot); ok {
			col.added.set(single(dstSlot), t)
		}
		srcCol.data.moveTo(loc.slot, col.data)
		srcCol.swapRemoveChanges(loc.slot, last)
	}

	// Carry removal records for keys the destination still lacks, then stamp the new removals.
	for key, l := range src.removed {
		if dst.has(key) {
			continue
		}
		if t, ok := l.tickAt(loc.slot); ok {
			dst.removedList(key).set(single(dstSlot), t)
		}
	}
	for _, col := range src.columns {
		if dst.has(col.key) {
			continue
		}
		col.data.dropSwapRemove(loc.slot)
		col.swapRemoveChanges(loc.slot, last)
		if !col.key.IsRelation() || w.entities.isAlive(col.key.Target) {
			dst.removedList(col.key).set(single(dstSlot), tick)
		}
	}

	dst.pushEntity(id)
	moved, ok := src.swapRemoveEntity(loc.slot)

	src.checkLen()
	dst.checkLen()
	dst.unlockAll()
	src.unlockAll()

	if ok {
		w.entities.setLocation(moved, loc)
	}
	w.entities.setLocation(id, entityLocation{arch: dst.id, slot: dstSlot})

	w.events.movedIn(id, src, dst)
	return nil
}

// checkFree fails if any column of the given shapes is borrowed.
func checkFree(archs ...*archetype) error {
	for _, a := range archs {
		for _, col := range a.columns {
			if !col.guard.isFree() {
				return eris.Wrapf(ErrBorrowMutConflict, "component %s in shape %d", col.name(), a.id)
			}
		}
	}
	return nil
}

// -------------------------------------------------------------------------------------------------
// Component access
// -------------------------------------------------------------------------------------------------

// Has reports whether the entity has the component key.
func (w *World) Has(id EntityID, key ComponentKey) (bool, error) {
	loc, err := w.entities.location(id)
	if err != nil {
		return false, err
	}
	return w.graph.get(loc.arch).has(key), nil
}

// Keys returns the component keys of an entity in sorted order.
func (w *World) Keys(id EntityID) ([]ComponentKey, error) {
	loc, err := w.entities.location(id)
	if err != nil {
		return nil, err
	}
	return slices.Clone(w.graph.get(loc.arch).keys), nil
}

// Set sets the component of an entity, adding it if the entity doesn't have it yet. Overwriting
// keeps the entity in its shape and drops the old value.
func Set[T any](w *World, id EntityID, c Component[T], value T) error {
	if err := w.checkHandle(c.desc, c.key); err != nil {
		return err
	}
	loc, err := w.entities.location(id)
	if err != nil {
		return err
	}
	src := w.graph.get(loc.arch)

	if col := src.column(c.key); col != nil {
		data, err := typedData[T](col)
		if err != nil {
			return err
		}
		if err := col.borrowExclusive(); err != nil {
			return eris.Wrapf(err, "shape %d", src.id)
		}
		if data.vt.drop != nil {
			data.vt.drop(&data.items[loc.slot])
		}
		data.items[loc.slot] = value
		tick := w.advanceTick()
		col.modified.set(single(loc.slot), tick)
		col.guard.releaseExclusive()

		w.events.modified(id, src, c.key, tick)
		return nil
	}

	if err := w.checkStructural(); err != nil {
		return err
	}
	if c.key.IsRelation() && !w.entities.isAlive(c.key.Target) {
		return eris.Wrapf(ErrEntityNotAlive, "target %s of %s", c.key.Target, c.Name())
	}

	var replaced []ComponentKey
	var dst *archetype
	if c.desc.IsExclusive() {
		lo, hi := src.relationRange(c.key.ID)
		if lo < hi {
			replaced = slices.Clone(src.keys[lo:hi])
			keys := slices.Concat(src.keys[:lo], src.keys[hi:])
			pos, _ := slices.BinarySearchFunc(keys, c.key, compareKey)
			dst = w.graph.find(slices.Insert(keys, pos, c.key))
		}
	}
	if dst == nil {
		dst = w.graph.withKey(src, c.key)
	}

	if err := w.moveEntity(id, loc, dst, []insertion{typedInsertion(c.key, value)}); err != nil {
		return eris.Wrapf(err, "failed to set %s on %s", c.Name(), id)
	}

	if !c.desc.IsSymmetric() {
		return nil
	}
	for _, old := range replaced {
		if err := w.removeMirror(id, old); err != nil {
			return err
		}
	}
	return setMirror(w, id, c, value)
}

// setMirror sets the reverse edge of a symmetric relation.
func setMirror[T any](w *World, id EntityID, c Component[T], value T) error {
	target := c.key.Target
	if target == id {
		return nil
	}
	mirror := Component[T]{key: ComponentKey{ID: c.key.ID, Target: id}, desc: c.desc}
	has, err := w.Has(target, mirror.key)
	if err != nil || has {
		return err
	}

	loc, _ := w.entities.location(id)
	if data, err := typedData[T](w.graph.get(loc.arch).column(c.key)); err == nil {
		value = data.clone(loc.slot)
	}
	return Set(w, target, mirror, value)
}

// removeMirror removes the reverse edge of a symmetric relation if it's still present.
func (w *World) removeMirror(id EntityID, key ComponentKey) error {
	if !w.entities.isAlive(key.Target) || key.Target == id {
		return nil
	}
	mirror := ComponentKey{ID: key.ID, Target: id}
	if has, _ := w.Has(key.Target, mirror); !has {
		return nil
	}
	return w.RemoveKey(key.Target, mirror)
}

// Insert is an alias of Set.
func Insert[T any](w *World, id EntityID, c Component[T], value T) error {
	return Set(w, id, c, value)
}

// SetAny sets a component from a dynamically typed value. The value must be assignable to the type
// the component was registered with: components registered with an interface type accept any
// implementation, and nil when the type is nillable.
func (w *World) SetAny(id EntityID, key ComponentKey, value any) error {
	desc := w.components.byKey(key)
	if desc == nil {
		return eris.Wrapf(ErrComponentNotRegistered, "component %s", key)
	}
	if !assignable(value, desc.typ) {
		return eris.Wrapf(ErrTypeMismatch, "component %s stores %s, not %T", desc.keyName(key), desc.typ, value)
	}
	loc, err := w.entities.location(id)
	if err != nil {
		return err
	}
	src := w.graph.get(loc.arch)

	if col := src.column(key); col != nil {
		if err := col.borrowExclusive(); err != nil {
			return eris.Wrapf(err, "shape %d", src.id)
		}
		col.data.drop(loc.slot)
		err := col.data.setAny(loc.slot, value)
		tick := w.advanceTick()
		col.modified.set(single(loc.slot), tick)
		col.guard.releaseExclusive()
		if err != nil {
			return err
		}
		w.events.modified(id, src, key, tick)
		return nil
	}

	if err := w.checkStructural(); err != nil {
		return err
	}
	if key.IsRelation() && !w.entities.isAlive(key.Target) {
		return eris.Wrapf(ErrEntityNotAlive, "target %s of %s", key.Target, desc.keyName(key))
	}
	return w.moveEntity(id, loc, w.graph.withKey(src, key), []insertion{anyInsertion(key, value)})
}

// Get returns a copy of the component of an entity.
func Get[T any](w *World, id EntityID, c Component[T]) (T, error) {
	var zero T
	col, slot, err := w.locateColumn(id, c.key)
	if err != nil {
		return zero, err
	}
	data, err := typedData[T](col)
	if err != nil {
		return zero, err
	}
	if err := col.borrowShared(); err != nil {
		return zero, err
	}
	defer col.guard.releaseShared()
	return data.items[slot], nil
}

// GetAny returns a copy of a component as a dynamically typed value.
func (w *World) GetAny(id EntityID, key ComponentKey) (any, error) {
	col, slot, err := w.locateColumn(id, key)
	if err != nil {
		return nil, err
	}
	if err := col.borrowShared(); err != nil {
		return nil, err
	}
	defer col.guard.releaseShared()
	return col.data.at(slot), nil
}

// locateColumn returns the column and slot holding key for an alive entity.
func (w *World) locateColumn(id EntityID, key ComponentKey) (*column, int, error) {
	loc, err := w.entities.location(id)
	if err != nil {
		return nil, 0, err
	}
	col := w.graph.get(loc.arch).column(key)
	if col == nil {
		return nil, 0, eris.Wrapf(ErrMissingComponent, "entity %s: component %s", id, w.keyName(key))
	}
	return col, loc.slot, nil
}

// RefMut is an exclusive borrow of one component value of one entity. The value is only marked as
// modified when it is dereferenced mutably. Release must be called when done.
type RefMut[T any] struct {
	w        *World
	id       EntityID
	arch     *archetype
	col      *column
	data     *typedStorage[T]
	slot     int
	tick     Tick
	released bool
}

// GetMut borrows the component of an entity exclusively.
func GetMut[T any](w *World, id EntityID, c Component[T]) (*RefMut[T], error) {
	col, slot, err := w.locateColumn(id, c.key)
	if err != nil {
		return nil, err
	}
	data, err := typedData[T](col)
	if err != nil {
		return nil, err
	}
	if err := col.borrowExclusive(); err != nil {
		return nil, err
	}
	loc, _ := w.entities.location(id)
	return &RefMut[T]{w: w, id: id, arch: w.graph.get(loc.arch), col: col, data: data, slot: slot}, nil
}

// Get returns a copy of the value without marking it as modified.
func (r *RefMut[T]) Get() T {
	assert.That(!r.released, "use of released RefMut")
	return r.data.items[r.slot]
}

// Deref returns a pointer to the value and marks it as modified.
func (r *RefMut[T]) Deref() *T {
	assert.That(!r.released, "use of released RefMut")
	if r.tick == 0 {
		r.tick = r.w.advanceTick()
		r.col.modified.set(single(r.slot), r.tick)
	}
	return &r.data.items[r.slot]
}

// Set overwrites the value and marks it as modified.
func (r *RefMut[T]) Set(value T) {
	*r.Deref() = value
}

// Release ends the borrow.
func (r *RefMut[T]) Release() {
	if r.released {
		return
	}
	r.released = true
	r.col.guard.releaseExclusive()
	if r.tick != 0 {
		r.w.events.modified(r.id, r.arch, r.col.key, r.tick)
	}
}

// Update applies fn to the component of an entity and marks it as modified.
func Update[T any](w *World, id EntityID, c Component[T], fn func(*T)) error {
	ref, err := GetMut(w, id, c)
	if err != nil {
		return err
	}
	defer ref.Release()
	fn(ref.Deref())
	return nil
}

// Remove removes the component from an entity and drops its value.
func Remove[T any](w *World, id EntityID, c Component[T]) error {
	if err := w.checkHandle(c.desc, c.key); err != nil {
		return err
	}
	return w.RemoveKey(id, c.key)
}

// RemoveKey removes the component key from an entity and drops its value.
func (w *World) RemoveKey(id EntityID, key ComponentKey) error {
	if err := w.checkStructural(); err != nil {
		return err
	}
	loc, err := w.entities.location(id)
	if err != nil {
		return err
	}
	src := w.graph.get(loc.arch)
	if !src.has(key) {
		return eris.Wrapf(ErrMissingComponent, "entity %s: component %s", id, w.keyName(key))
	}
	if err := w.moveEntity(id, loc, w.graph.withoutKey(src, key), nil); err != nil {
		return eris.Wrapf(err, "failed to remove %s from %s", w.keyName(key), id)
	}

	if desc := w.components.byKey(key); desc != nil && desc.IsSymmetric() {
		return w.removeMirror(id, key)
	}
	return nil
}

// ComponentInfo is a formatted component of an entity.
type ComponentInfo struct {
	Key   ComponentKey
	Name  string
	Value string
}

// Inspect returns every component of an entity formatted with its registered formatter.
func (w *World) Inspect(id EntityID) ([]ComponentInfo, error) {
	loc, err := w.entities.location(id)
	if err != nil {
		return nil, err
	}
	a := w.graph.get(loc.arch)
	out := make([]ComponentInfo, 0, len(a.keys))
	for _, col := range a.columns {
		if err := col.borrowShared(); err != nil {
			return nil, err
		}
		out = append(out, ComponentInfo{
			Key:   col.key,
			Name:  col.name(),
			Value: col.desc.Format(col.data.at(loc.slot)),
		})
		col.guard.releaseShared()
	}
	return out, nil
}
