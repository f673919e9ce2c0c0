package ecs

import (
	"fmt"
	"slices"
	"testing"

	"github.com/argus-labs/lattice/pkg/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixture is a world with the components shared by the package tests.
type fixture struct {
	w        *World
	pos      Component[testutils.Position]
	vel      Component[testutils.Velocity]
	health   Component[testutils.Health]
	label    Component[testutils.Label]
	tag      Component[testutils.Tag]
	resource Component[testutils.Resource]
	childOf  Relation[testutils.ChildOf]
	link     Relation[testutils.Link]
	friend   Relation[testutils.Link]

	released int // Incremented by the resource destructor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{w: NewWorld()}
	var err error
	f.pos, err = RegisterComponent[testutils.Position](f.w, "position")
	require.NoError(t, err)
	f.vel, err = RegisterComponent[testutils.Velocity](f.w, "velocity")
	require.NoError(t, err)
	f.health, err = RegisterComponent[testutils.Health](f.w, "health")
	require.NoError(t, err)
	f.label, err = RegisterComponent[testutils.Label](f.w, "label")
	require.NoError(t, err)
	f.tag, err = RegisterComponent[testutils.Tag](f.w, "tag")
	require.NoError(t, err)
	f.resource, err = RegisterComponent(f.w, "resource",
		WithDrop(func(r *testutils.Resource) { r.Release() }))
	require.NoError(t, err)
	f.childOf, err = RegisterRelation(f.w, "child_of", Exclusive[testutils.ChildOf]())
	require.NoError(t, err)
	f.link, err = RegisterRelation[testutils.Link](f.w, "link")
	require.NoError(t, err)
	f.friend, err = RegisterRelation(f.w, "friend", Symmetric[testutils.Link]())
	require.NoError(t, err)
	return f
}

// spawn spawns an entity and sets the given component setters on it.
func (f *fixture) spawn(t *testing.T, sets ...func(EntityID) error) EntityID {
	t.Helper()
	id := f.w.Spawn()
	for _, set := range sets {
		require.NoError(t, set(id))
	}
	return id
}

func (f *fixture) withPos(x, y float64) func(EntityID) error {
	return func(id EntityID) error { return Set(f.w, id, f.pos, testutils.Position{X: x, Y: y}) }
}

func (f *fixture) withVel(x, y float64) func(EntityID) error {
	return func(id EntityID) error { return Set(f.w, id, f.vel, testutils.Velocity{X: x, Y: y}) }
}

func (f *fixture) withHealth(v int) func(EntityID) error {
	return func(id EntityID) error { return Set(f.w, id, f.health, testutils.Health{Value: v}) }
}

func (f *fixture) childOfParent(parent EntityID) func(EntityID) error {
	return func(id EntityID) error { return Set(f.w, id, f.childOf.Of(parent), testutils.ChildOf{}) }
}

// -------------------------------------------------------------------------------------------------
// Registration
// -------------------------------------------------------------------------------------------------

func TestWorld_RegisterComponent(t *testing.T) {
	t.Parallel()

	w := NewWorld()
	a, err := RegisterComponent[testutils.Position](w, "position")
	require.NoError(t, err)

	again, err := RegisterComponent[testutils.Position](w, "position")
	require.NoError(t, err)
	assert.Equal(t, a.Key(), again.Key(), "same name and type returns the same handle")

	_, err = RegisterComponent[testutils.Velocity](w, "position")
	require.ErrorIs(t, err, ErrTypeMismatch)

	_, err = RegisterRelation[testutils.Position](w, "position")
	require.ErrorIs(t, err, ErrTypeMismatch, "component name reused as relation")

	_, err = RegisterComponent[testutils.Health](w, "")
	require.Error(t, err)

	_, err = RegisterComponent(w, "bad", Exclusive[testutils.Health]())
	require.Error(t, err, "exclusive only applies to relations")

	desc, err := w.ComponentByName("position")
	require.NoError(t, err)
	assert.Equal(t, a.Desc(), desc)
	_, err = w.ComponentByName("missing")
	require.ErrorIs(t, err, ErrComponentNotRegistered)
	assert.Len(t, w.Components(), 1)
}

// -------------------------------------------------------------------------------------------------
// Set, Get, Remove
// -------------------------------------------------------------------------------------------------

func TestWorld_SetGetRemove(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.w

	id := f.spawn(t, f.withPos(1, 2))
	pos, err := Get(w, id, f.pos)
	require.NoError(t, err)
	assert.Equal(t, testutils.Position{X: 1, Y: 2}, pos)

	_, err = Get(w, id, f.vel)
	require.ErrorIs(t, err, ErrMissingComponent)

	require.NoError(t, Set(w, id, f.vel, testutils.Velocity{X: 3}))
	keys, err := w.Keys(id)
	require.NoError(t, err)
	assert.Equal(t, []ComponentKey{f.pos.Key(), f.vel.Key()}, keys)

	require.NoError(t, Remove(w, id, f.pos))
	has, err := w.Has(id, f.pos.Key())
	require.NoError(t, err)
	assert.False(t, has)
	require.ErrorIs(t, Remove(w, id, f.pos), ErrMissingComponent)

	vel, err := Get(w, id, f.vel)
	require.NoError(t, err)
	assert.Equal(t, testutils.Velocity{X: 3}, vel, "value survives the move")

	require.NoError(t, w.Despawn(id))
	_, err = Get(w, id, f.vel)
	require.ErrorIs(t, err, ErrEntityNotAlive)
	require.ErrorIs(t, w.Despawn(id), ErrEntityNotAlive)
}

func TestWorld_SetOverwriteKeepsShape(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.w

	id := f.spawn(t, f.withPos(1, 1), f.withHealth(10))
	shapes := w.ShapeCount()

	require.NoError(t, Set(w, id, f.health, testutils.Health{Value: 20}))
	assert.Equal(t, shapes, w.ShapeCount(), "overwriting never creates shapes")

	got, err := Get(w, id, f.health)
	require.NoError(t, err)
	assert.Equal(t, 20, got.Value)
}

func TestWorld_SetAny(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.w

	id := w.Spawn()
	require.NoError(t, w.SetAny(id, f.health.Key(), testutils.Health{Value: 5}))
	require.ErrorIs(t, w.SetAny(id, f.health.Key(), testutils.Position{}), ErrTypeMismatch)
	require.ErrorIs(t, w.SetAny(id, ComponentKey{ID: 999}, 1), ErrComponentNotRegistered)

	v, err := w.GetAny(id, f.health.Key())
	require.NoError(t, err)
	assert.Equal(t, testutils.Health{Value: 5}, v)

	require.NoError(t, w.SetAny(id, f.health.Key(), testutils.Health{Value: 6}))
	got, err := Get(w, id, f.health)
	require.NoError(t, err)
	assert.Equal(t, 6, got.Value)
}

type greeting string

func (g greeting) String() string { return string(g) }

func TestWorld_SetAnyInterfaceComponent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.w
	named, err := RegisterComponent[fmt.Stringer](w, "named")
	require.NoError(t, err)

	// Insertion moves the entity, overwriting stores in place. Both accept implementations.
	id := w.Spawn()
	require.NoError(t, w.SetAny(id, named.Key(), greeting("hello")))
	got, err := Get(w, id, named)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.String())

	bye := greeting("bye")
	require.NoError(t, w.SetAny(id, named.Key(), &bye))
	got, err = Get(w, id, named)
	require.NoError(t, err)
	assert.Equal(t, "bye", got.String())

	require.NoError(t, w.SetAny(id, named.Key(), nil))
	got, err = Get(w, id, named)
	require.NoError(t, err)
	assert.Nil(t, got)

	other := w.Spawn()
	require.NoError(t, w.SetAny(other, named.Key(), nil))
	require.ErrorIs(t, w.SetAny(other, named.Key(), 42), ErrTypeMismatch)
	require.ErrorIs(t, w.SetAny(other, f.health.Key(), nil), ErrTypeMismatch)
	has, err := w.Has(other, f.health.Key())
	require.NoError(t, err)
	assert.False(t, has)
}

func TestWorld_Destructor(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.w

	a := w.Spawn()
	require.NoError(t, Set(w, a, f.resource, testutils.Resource{Handle: 1, Released: &f.released}))
	require.NoError(t, Set(w, a, f.resource, testutils.Resource{Handle: 2, Released: &f.released}))
	assert.Equal(t, 1, f.released, "overwrite drops the old value")

	require.NoError(t, Set(w, a, f.pos, testutils.Position{}))
	assert.Equal(t, 1, f.released, "moving between shapes doesn't drop")

	require.NoError(t, Remove(w, a, f.resource))
	assert.Equal(t, 2, f.released, "remove drops")

	b := w.Spawn()
	require.NoError(t, Set(w, b, f.resource, testutils.Resource{Released: &f.released}))
	require.NoError(t, w.Despawn(b))
	assert.Equal(t, 3, f.released, "despawn drops")

	c := w.Spawn()
	require.NoError(t, Set(w, c, f.resource, testutils.Resource{Released: &f.released}))
	require.NoError(t, w.Clear())
	assert.Equal(t, 4, f.released, "clear drops")
	assert.Equal(t, 0, w.Len())
}

func TestWorld_GetMutAndUpdate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.w

	id := f.spawn(t, f.withHealth(1))

	ref, err := GetMut(w, id, f.health)
	require.NoError(t, err)
	_, err = Get(w, id, f.health)
	require.ErrorIs(t, err, ErrBorrowConflict, "shared borrow while mutably borrowed")
	_, err = GetMut(w, id, f.health)
	require.ErrorIs(t, err, ErrBorrowMutConflict)
	ref.Set(testutils.Health{Value: 2})
	ref.Release()
	ref.Release() // Idempotent

	require.NoError(t, Update(w, id, f.health, func(h *testutils.Health) { h.Value *= 10 }))
	got, err := Get(w, id, f.health)
	require.NoError(t, err)
	assert.Equal(t, 20, got.Value)
}

func TestWorld_Inspect(t *testing.T) {
	t.Parallel()

	w := NewWorld()
	hp, err := RegisterComponent(w, "hp",
		WithFormat(func(h testutils.Health) string { return "hp=" + string(rune('0'+h.Value)) }))
	require.NoError(t, err)
	id := w.Spawn()
	require.NoError(t, Set(w, id, hp, testutils.Health{Value: 7}))

	infos, err := w.Inspect(id)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "hp", infos[0].Name)
	assert.Equal(t, "hp=7", infos[0].Value)
}

// -------------------------------------------------------------------------------------------------
// Shapes
// -------------------------------------------------------------------------------------------------

func TestWorld_ShapeReuseAndPrune(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.w
	assert.Equal(t, 1, w.ShapeCount(), "only the root")

	a := f.spawn(t, f.withPos(0, 0), f.withVel(0, 0))
	assert.Equal(t, 3, w.ShapeCount(), "root, {pos}, {pos, vel}")

	// Reaching the same key set in another order reuses the shape.
	b := f.spawn(t, f.withVel(0, 0), f.withPos(0, 0))
	la, _ := w.entities.location(a)
	lb, _ := w.entities.location(b)
	assert.Equal(t, la.arch, lb.arch)
	assert.Equal(t, 4, w.ShapeCount(), "{vel} is the only new shape")

	require.NoError(t, w.Despawn(a))
	require.NoError(t, w.Despawn(b))
	assert.Equal(t, 4, w.ShapeCount(), "empty shapes are kept until pruned")

	assert.Equal(t, 3, w.PruneEmptyShapes())
	assert.Equal(t, 1, w.ShapeCount())
	assert.Equal(t, 0, w.PruneEmptyShapes())

	// The graph is usable after pruning.
	c := f.spawn(t, f.withPos(1, 1))
	got, err := Get(w, c, f.pos)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.X)
}

func TestWorld_PruneKeepsAncestorsOfPopulatedShapes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.w

	_ = f.spawn(t, f.withPos(0, 0), f.withVel(0, 0))
	// {pos} is empty but is the trie parent of {pos, vel}.
	assert.Equal(t, 0, w.PruneEmptyShapes())
	assert.Equal(t, 3, w.ShapeCount())
}

// -------------------------------------------------------------------------------------------------
// Relations
// -------------------------------------------------------------------------------------------------

func TestWorld_ExclusiveRelation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.w

	p1 := w.Spawn()
	p2 := w.Spawn()
	child := f.spawn(t, f.childOfParent(p1))
	require.NoError(t, Set(w, child, f.childOf.Of(p2), testutils.ChildOf{}))

	keys, err := w.Keys(child)
	require.NoError(t, err)
	assert.Equal(t, []ComponentKey{f.childOf.Of(p2).Key()}, keys, "the old edge is replaced")
}

func TestWorld_NonExclusiveRelation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.w

	a := w.Spawn()
	b := w.Spawn()
	src := w.Spawn()
	require.NoError(t, Set(w, src, f.link.Of(a), testutils.Link{Weight: 1}))
	require.NoError(t, Set(w, src, f.link.Of(b), testutils.Link{Weight: 2}))

	keys, err := w.Keys(src)
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	dead := w.Spawn()
	require.NoError(t, w.Despawn(dead))
	require.ErrorIs(t, Set(w, src, f.link.Of(dead), testutils.Link{}), ErrEntityNotAlive)
}

func TestWorld_SymmetricRelation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.w

	a := w.Spawn()
	b := w.Spawn()
	require.NoError(t, Set(w, a, f.friend.Of(b), testutils.Link{Weight: 3}))

	back, err := Get(w, b, f.friend.Of(a))
	require.NoError(t, err)
	assert.Equal(t, 3, back.Weight, "mirror edge carries the value")

	require.NoError(t, w.RemoveKey(b, f.friend.Of(a).Key()))
	has, err := w.Has(a, f.friend.Of(b).Key())
	require.NoError(t, err)
	assert.False(t, has, "removing one side removes the mirror")
}

func TestWorld_DespawnTargetCleansEdges(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.w

	parent := w.Spawn()
	child := f.spawn(t, f.withPos(1, 1), f.childOfParent(parent))
	shapes := w.ShapeCount()

	require.NoError(t, w.Despawn(parent))
	assert.True(t, w.IsAlive(child))
	keys, err := w.Keys(child)
	require.NoError(t, err)
	assert.Equal(t, []ComponentKey{f.pos.Key()}, keys)
	assert.Less(t, w.ShapeCount(), shapes, "shapes keyed on the dead target are removed")

	for _, a := range w.graph.all() {
		assert.False(t, a.hasTarget(parent))
	}
}

func TestWorld_DespawnRecursive(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.w

	root := w.Spawn()
	mid := f.spawn(t, f.childOfParent(root))
	leafA := f.spawn(t, f.childOfParent(mid))
	leafB := f.spawn(t, f.childOfParent(mid))
	other := w.Spawn()

	require.NoError(t, w.DespawnRecursive(root, f.childOf.ID()))
	for _, id := range []EntityID{root, mid, leafA, leafB} {
		assert.False(t, w.IsAlive(id), "%s should be despawned", id)
	}
	assert.True(t, w.IsAlive(other))
	assert.Equal(t, 1, w.Len())
}

// -------------------------------------------------------------------------------------------------
// Events
// -------------------------------------------------------------------------------------------------

func TestWorld_Events(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.w

	var got []Event
	w.Subscribe(FuncSubscriber(With(f.pos), func(e Event) bool {
		got = append(got, e)
		return true
	}))

	id := w.Spawn()
	require.NoError(t, Set(w, id, f.pos, testutils.Position{}))
	require.NoError(t, Set(w, id, f.pos, testutils.Position{X: 1}))
	require.NoError(t, Set(w, id, f.vel, testutils.Velocity{}))
	require.NoError(t, Remove(w, id, f.pos))
	require.NoError(t, Set(w, id, f.pos, testutils.Position{}))
	require.NoError(t, w.Despawn(id))

	kinds := make([]EventKind, len(got))
	for i, e := range got {
		kinds[i] = e.Kind
		assert.Equal(t, id, e.Entity)
	}
	assert.Equal(t, []EventKind{
		EventMovedIn,   // gained pos
		EventModified,  // overwrite
		EventMovedOut,  // lost pos
		EventMovedIn,   // gained pos again
		EventDespawned, // despawn
	}, kinds, "moving from {pos} to {pos, vel} stays inside the filter")
	assert.Equal(t, f.pos.Key(), got[1].Key)
}

func TestWorld_ChanSubscriberDropsWhenFull(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.w

	ch := make(chan Event, 1)
	w.Subscribe(ChanSubscriber(All(), ch))
	assert.Equal(t, 1, w.SubscriberCount())

	w.Spawn()
	w.Spawn() // Channel full, the subscriber is removed.
	assert.Equal(t, 0, w.SubscriberCount())
	assert.Len(t, ch, 1)
}

func TestWorld_Unsubscribe(t *testing.T) {
	t.Parallel()
	w := NewWorld()

	n := 0
	sub := w.Subscribe(FuncSubscriber(All(), func(Event) bool { n++; return true }))
	w.Spawn()
	w.Unsubscribe(sub)
	w.Spawn()
	assert.Equal(t, 1, n)
}

// -------------------------------------------------------------------------------------------------
// Model-based fuzzing world operations
// -------------------------------------------------------------------------------------------------
// Random spawn/set/remove/despawn sequences run against a map model. After every step each live
// entity must report exactly the modelled components, and every shape must hold one value per
// entity in every column.
// -------------------------------------------------------------------------------------------------

func TestWorld_ModelFuzz(t *testing.T) {
	t.Parallel()
	prng := testutils.NewRand(t)
	f := newFixture(t)
	w := f.w

	const opsMax = 1 << 12

	type entity struct {
		pos    *testutils.Position
		health *testutils.Health
	}
	model := make(map[EntityID]*entity)

	for range opsMax {
		switch testutils.RandWeightedOp(prng, worldOps) {
		case w_spawn:
			model[w.Spawn()] = &entity{}

		case w_setPos:
			if len(model) == 0 {
				continue
			}
			id := testutils.RandMapKey(prng, model)
			v := testutils.Position{X: prng.Float64()}
			require.NoError(t, Set(w, id, f.pos, v))
			model[id].pos = &v

		case w_setHealth:
			if len(model) == 0 {
				continue
			}
			id := testutils.RandMapKey(prng, model)
			v := testutils.Health{Value: prng.Int()}
			require.NoError(t, Set(w, id, f.health, v))
			model[id].health = &v

		case w_remove:
			if len(model) == 0 {
				continue
			}
			id := testutils.RandMapKey(prng, model)
			err := Remove(w, id, f.pos)
			if model[id].pos == nil {
				require.ErrorIs(t, err, ErrMissingComponent)
			} else {
				require.NoError(t, err)
				model[id].pos = nil
			}

		case w_despawn:
			if len(model) == 0 {
				continue
			}
			id := testutils.RandMapKey(prng, model)
			require.NoError(t, w.Despawn(id))
			delete(model, id)

		case w_prune:
			w.PruneEmptyShapes()

		default:
			panic("unreachable")
		}
	}

	assert.Equal(t, len(model), w.Len())
	for id, e := range model {
		pos, err := Get(w, id, f.pos)
		if e.pos == nil {
			require.ErrorIs(t, err, ErrMissingComponent)
		} else {
			require.NoError(t, err)
			assert.Equal(t, *e.pos, pos)
		}
		health, err := Get(w, id, f.health)
		if e.health == nil {
			require.ErrorIs(t, err, ErrMissingComponent)
		} else {
			require.NoError(t, err)
			assert.Equal(t, *e.health, health)
		}
	}

	total := 0
	for _, a := range w.graph.all() {
		for _, col := range a.columns {
			assert.Equal(t, a.len(), col.data.len(), "column %s in shape %d", col.name(), a.id)
		}
		for slot, id := range a.entities {
			loc, err := w.entities.location(id)
			require.NoError(t, err)
			assert.Equal(t, entityLocation{arch: a.id, slot: slot}, loc)
		}
		assert.True(t, slices.IsSortedFunc(a.keys, compareKey))
		total += a.len()
	}
	assert.Equal(t, len(model), total)
}

type worldOp uint8

const (
	w_spawn worldOp = iota
	w_setPos
	w_setHealth
	w_remove
	w_despawn
	w_prune
)

var worldOps = testutils.OpWeights[worldOp]{
	{Op: w_spawn, Weight: 25},
	{Op: w_setPos, Weight: 25},
	{Op: w_setHealth, Weight: 20},
	{Op: w_remove, Weight: 15},
	{Op: w_despawn, Weight: 10},
	{Op: w_prune, Weight: 5},
}
