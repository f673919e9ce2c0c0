package ecs

import (
	"fmt"
	"strings"
)

// Fetch describes how a query produces one item of type T per matched entity. Fetches compose:
// Opt, Map, Join2 and friends wrap inner fetches.
type Fetch[T any] interface {
	fmt.Stringer

	// searcher adds the keys every matching shape must have.
	searcher(s *searcher)
	// matchesShape reports whether the fetch can produce items for the shape.
	matchesShape(a *archetype) bool
	// accesses appends the column borrows the fetch needs on a matching shape.
	accesses(a *archetype, dst []Access) []Access
	// prepare returns the per slot item producer for a shape whose columns are borrowed.
	prepare(ctx *fetchCtx) (fetchFunc[T], bool)
}

// fetchFunc produces the item for one slot of a prepared shape.
type fetchFunc[T any] func(slot int) T

// -------------------------------------------------------------------------------------------------
// Entities
// -------------------------------------------------------------------------------------------------

type entitiesFetch struct{}

// Entities yields the id of each matched entity.
func Entities() Fetch[EntityID] { return entitiesFetch{} }

func (entitiesFetch) String() string                               { return "entity" }
func (entitiesFetch) searcher(*searcher)                           {}
func (entitiesFetch) matchesShape(*archetype) bool                 { return true }
func (entitiesFetch) accesses(_ *archetype, dst []Access) []Access { return dst }

func (entitiesFetch) prepare(ctx *fetchCtx) (fetchFunc[EntityID], bool) {
	entities := ctx.arch.entities
	return func(slot int) EntityID { return entities[slot] }, true
}

// -------------------------------------------------------------------------------------------------
// Component fetches
// -------------------------------------------------------------------------------------------------

// componentFetch is the shared part of the fetches reading one component column.
type componentFetch[T any] struct {
	c Component[T]
}

func (f componentFetch[T]) searcher(s *searcher)           { s.require(f.c.key) }
func (f componentFetch[T]) matchesShape(a *archetype) bool { return a.has(f.c.key) }

func (f componentFetch[T]) data(ctx *fetchCtx) (*column, *typedStorage[T], bool) {
	col := ctx.arch.column(f.c.key)
	if col == nil {
		return nil, nil, false
	}
	data, err := typedData[T](col)
	if err != nil {
		return nil, nil, false
	}
	return col, data, true
}

type readFetch[T any] struct{ componentFetch[T] }

// Read yields a pointer to the component value for shared access. The pointer is valid until the
// borrow is released.
func Read[T any](c Component[T]) Fetch[*T] { return readFetch[T]{componentFetch[T]{c: c}} }

func (f readFetch[T]) String() string { return "&" + f.c.Name() }

func (f readFetch[T]) accesses(a *archetype, dst []Access) []Access {
	return append(dst, columnAccess(a, f.c.key, false))
}

func (f readFetch[T]) prepare(ctx *fetchCtx) (fetchFunc[*T], bool) {
	_, data, ok := f.data(ctx)
	if !ok {
		return nil, false
	}
	return func(slot int) *T { return &data.items[slot] }, true
}

// Mut is a mutable reference to a component value yielded by Write. Reading through Get doesn't
// mark the value as modified, Deref and Set do.
type Mut[T any] struct {
	ptr  *T
	list *changeList
	slot int
	tick Tick
}

// Get returns a copy of the value.
func (m Mut[T]) Get() T { return *m.ptr }

// Deref marks the value as modified and returns a pointer to it.
func (m Mut[T]) Deref() *T {
	m.list.set(single(m.slot), m.tick)
	return m.ptr
}

// Set overwrites the value and marks it as modified.
func (m Mut[T]) Set(value T) { *m.Deref() = value }

type writeFetch[T any] struct{ componentFetch[T] }

// Write yields a mutable reference to the component value.
func Write[T any](c Component[T]) Fetch[Mut[T]] { return writeFetch[T]{componentFetch[T]{c: c}} }

func (f writeFetch[T]) String() string { return "mut " + f.c.Name() }

func (f writeFetch[T]) accesses(a *archetype, dst []Access) []Access {
	return append(dst, columnAccess(a, f.c.key, true))
}

func (f writeFetch[T]) prepare(ctx *fetchCtx) (fetchFunc[Mut[T]], bool) {
	col, data, ok := f.data(ctx)
	if !ok {
		return nil, false
	}
	tick := ctx.newTick
	return func(slot int) Mut[T] {
		return Mut[T]{ptr: &data.items[slot], list: &col.modified, slot: slot, tick: tick}
	}, true
}

type copiedFetch[T any] struct {
	componentFetch[T]
	clone bool
}

// Copied yields a copy of the component value.
func Copied[T any](c Component[T]) Fetch[T] {
	return copiedFetch[T]{componentFetch: componentFetch[T]{c: c}}
}

// Cloned yields a copy of the component value made with the registered clone function, or a
// plain copy when none was registered.
func Cloned[T any](c Component[T]) Fetch[T] {
	return copiedFetch[T]{componentFetch: componentFetch[T]{c: c}, clone: true}
}

func (f copiedFetch[T]) String() string {
	if f.clone {
		return "cloned " + f.c.Name()
	}
	return "copied " + f.c.Name()
}

func (f copiedFetch[T]) accesses(a *archetype, dst []Access) []Access {
	return append(dst, columnAccess(a, f.c.key, false))
}

func (f copiedFetch[T]) prepare(ctx *fetchCtx) (fetchFunc[T], bool) {
	_, data, ok := f.data(ctx)
	if !ok {
		return nil, false
	}
	if f.clone {
		return data.clone, true
	}
	return func(slot int) T { return data.items[slot] }, true
}

// -------------------------------------------------------------------------------------------------
// Optional fetches
// -------------------------------------------------------------------------------------------------

// Option is an item that may be absent.
type Option[T any] struct {
	Value T
	Valid bool
}

// Some returns a present option.
func Some[T any](v T) Option[T] { return Option[T]{Value: v, Valid: true} }

// Get returns the value and whether it is present.
func (o Option[T]) Get() (T, bool) { return o.Value, o.Valid }

// Or returns the value, or def when absent.
func (o Option[T]) Or(def T) T {
	if o.Valid {
		return o.Value
	}
	return def
}

type optFetch[T any] struct {
	inner Fetch[T]
}

// Opt makes a fetch optional: entities the inner fetch can't serve yield an absent option
// instead of being skipped.
func Opt[T any](f Fetch[T]) Fetch[Option[T]] { return optFetch[T]{inner: f} }

func (f optFetch[T]) String() string             { return "opt " + f.inner.String() }
func (optFetch[T]) searcher(*searcher)           {}
func (optFetch[T]) matchesShape(*archetype) bool { return true }

func (f optFetch[T]) accesses(a *archetype, dst []Access) []Access {
	if !f.inner.matchesShape(a) {
		return dst
	}
	return f.inner.accesses(a, dst)
}

func (f optFetch[T]) prepare(ctx *fetchCtx) (fetchFunc[Option[T]], bool) {
	if f.inner.matchesShape(ctx.arch) {
		if inner, ok := f.inner.prepare(ctx); ok {
			return func(slot int) Option[T] { return Some(inner(slot)) }, true
		}
	}
	return func(int) Option[T] { return Option[T]{} }, true
}

type optOrFetch[T any] struct {
	inner Fetch[T]
	def   T
}

// OptOr yields the inner item, or def for entities the inner fetch can't serve.
func OptOr[T any](f Fetch[T], def T) Fetch[T] { return optOrFetch[T]{inner: f, def: def} }

// OptOrDefault yields the inner item, or the zero value for entities the inner fetch can't serve.
func OptOrDefault[T any](f Fetch[T]) Fetch[T] {
	var zero T
	return optOrFetch[T]{inner: f, def: zero}
}

func (f optOrFetch[T]) String() string             { return fmt.Sprintf("%s or %v", f.inner, f.def) }
func (optOrFetch[T]) searcher(*searcher)           {}
func (optOrFetch[T]) matchesShape(*archetype) bool { return true }

func (f optOrFetch[T]) accesses(a *archetype, dst []Access) []Access {
	if !f.inner.matchesShape(a) {
		return dst
	}
	return f.inner.accesses(a, dst)
}

func (f optOrFetch[T]) prepare(ctx *fetchCtx) (fetchFunc[T], bool) {
	if f.inner.matchesShape(ctx.arch) {
		if inner, ok := f.inner.prepare(ctx); ok {
			return inner, true
		}
	}
	def := f.def
	return func(int) T { return def }, true
}

// -------------------------------------------------------------------------------------------------
// Transforming fetches
// -------------------------------------------------------------------------------------------------

type mapFetch[T, U any] struct {
	inner Fetch[T]
	fn    func(T) U
}

// Map yields fn applied to the inner item.
func Map[T, U any](f Fetch[T], fn func(T) U) Fetch[U] { return mapFetch[T, U]{inner: f, fn: fn} }

func (f mapFetch[T, U]) String() string                 { return "map " + f.inner.String() }
func (f mapFetch[T, U]) searcher(s *searcher)           { f.inner.searcher(s) }
func (f mapFetch[T, U]) matchesShape(a *archetype) bool { return f.inner.matchesShape(a) }

func (f mapFetch[T, U]) accesses(a *archetype, dst []Access) []Access {
	return f.inner.accesses(a, dst)
}

func (f mapFetch[T, U]) prepare(ctx *fetchCtx) (fetchFunc[U], bool) {
	inner, ok := f.inner.prepare(ctx)
	if !ok {
		return nil, false
	}
	fn := f.fn
	return func(slot int) U { return fn(inner(slot)) }, true
}

type satisfiedFetch[T any] struct {
	inner Fetch[T]
}

// Satisfied yields whether the inner fetch matches the entity, without borrowing its columns.
func Satisfied[T any](f Fetch[T]) Fetch[bool] { return satisfiedFetch[T]{inner: f} }

func (f satisfiedFetch[T]) String() string                             { return "satisfied " + f.inner.String() }
func (satisfiedFetch[T]) searcher(*searcher)                           {}
func (satisfiedFetch[T]) matchesShape(*archetype) bool                 { return true }
func (satisfiedFetch[T]) accesses(_ *archetype, dst []Access) []Access { return dst }

func (f satisfiedFetch[T]) prepare(ctx *fetchCtx) (fetchFunc[bool], bool) {
	ok := f.inner.matchesShape(ctx.arch)
	return func(int) bool { return ok }, true
}

// -------------------------------------------------------------------------------------------------
// Relations
// -------------------------------------------------------------------------------------------------

// RelationItem is one edge of an entity: the target and the edge value.
type RelationItem[T any] struct {
	Target EntityID
	Value  *T
}

type relationsFetch[T any] struct {
	r Relation[T]
}

// Relations yields every edge of the relation held by the entity, ordered by target. Entities
// without edges yield an empty slice.
func Relations[T any](r Relation[T]) Fetch[[]RelationItem[T]] { return relationsFetch[T]{r: r} }

func (f relationsFetch[T]) String() string             { return "relations " + f.r.Name() }
func (relationsFetch[T]) searcher(*searcher)           {}
func (relationsFetch[T]) matchesShape(*archetype) bool { return true }

func (f relationsFetch[T]) accesses(a *archetype, dst []Access) []Access {
	lo, hi := a.relationRange(f.r.ID())
	for _, key := range a.keys[lo:hi] {
		dst = append(dst, columnAccess(a, key, false))
	}
	return dst
}

func (f relationsFetch[T]) prepare(ctx *fetchCtx) (fetchFunc[[]RelationItem[T]], bool) {
	lo, hi := ctx.arch.relationRange(f.r.ID())
	if lo == hi {
		return func(int) []RelationItem[T] { return nil }, true
	}
	targets := make([]EntityID, 0, hi-lo)
	columns := make([]*typedStorage[T], 0, hi-lo)
	for i := lo; i < hi; i++ {
		data, err := typedData[T](ctx.arch.columns[i])
		if err != nil {
			return nil, false
		}
		targets = append(targets, ctx.arch.keys[i].Target)
		columns = append(columns, data)
	}
	return func(slot int) []RelationItem[T] {
		out := make([]RelationItem[T], len(columns))
		for i, data := range columns {
			out[i] = RelationItem[T]{Target: targets[i], Value: &data.items[slot]}
		}
		return out
	}, true
}

// -------------------------------------------------------------------------------------------------
// Tuples
// -------------------------------------------------------------------------------------------------

// Tuple2 is the item of Join2.
type Tuple2[A, B any] struct {
	A A
	B B
}

// Tuple3 is the item of Join3.
type Tuple3[A, B, C any] struct {
	A A
	B B
	C C
}

// Tuple4 is the item of Join4.
type Tuple4[A, B, C, D any] struct {
	A A
	B B
	C C
	D D
}

// parts holds the inner fetches of a tuple. A tuple matches a shape when every part does.
type parts []interface {
	searcher(s *searcher)
	matchesShape(a *archetype) bool
	accesses(a *archetype, dst []Access) []Access
	String() string
}

func (p parts) String() string {
	names := make([]string, len(p))
	for i, f := range p {
		names[i] = f.String()
	}
	return "(" + strings.Join(names, ", ") + ")"
}

func (p parts) searcher(s *searcher) {
	for _, f := range p {
		f.searcher(s)
	}
}

func (p parts) matchesShape(a *archetype) bool {
	for _, f := range p {
		if !f.matchesShape(a) {
			return false
		}
	}
	return true
}

func (p parts) accesses(a *archetype, dst []Access) []Access {
	for _, f := range p {
		dst = f.accesses(a, dst)
	}
	return dst
}

type join2[A, B any] struct {
	parts
	a Fetch[A]
	b Fetch[B]
}

// Join2 yields the items of both fetches for entities matching both.
func Join2[A, B any](a Fetch[A], b Fetch[B]) Fetch[Tuple2[A, B]] {
	return join2[A, B]{parts: parts{a, b}, a: a, b: b}
}

func (j join2[A, B]) prepare(ctx *fetchCtx) (fetchFunc[Tuple2[A, B]], bool) {
	fa, ok := j.a.prepare(ctx)
	if !ok {
		return nil, false
	}
	fb, ok := j.b.prepare(ctx)
	if !ok {
		return nil, false
	}
	return func(slot int) Tuple2[A, B] { return Tuple2[A, B]{A: fa(slot), B: fb(slot)} }, true
}

type join3[A, B, C any] struct {
	parts
	a Fetch[A]
	b Fetch[B]
	c Fetch[C]
}

// Join3 yields the items of three fetches for entities matching all of them.
func Join3[A, B, C any](a Fetch[A], b Fetch[B], c Fetch[C]) Fetch[Tuple3[A, B, C]] {
	return join3[A, B, C]{parts: parts{a, b, c}, a: a, b: b, c: c}
}

func (j join3[A, B, C]) prepare(ctx *fetchCtx) (fetchFunc[Tuple3[A, B, C]], bool) {
	fa, ok := j.a.prepare(ctx)
	if !ok {
		return nil, false
	}
	fb, ok := j.b.prepare(ctx)
	if !ok {
		return nil, false
	}
	fc, ok := j.c.prepare(ctx)
	if !ok {
		return nil, false
	}
	return func(slot int) Tuple3[A, B, C] {
		return Tuple3[A, B, C]{A: fa(slot), B: fb(slot), C: fc(slot)}
	}, true
}

type join4[A, B, C, D any] struct {
	parts
	a Fetch[A]
	b Fetch[B]
	c Fetch[C]
	d Fetch[D]
}

// Join4 yields the items of four fetches for entities matching all of them.
func Join4[A, B, C, D any](a Fetch[A], b Fetch[B], c Fetch[C], d Fetch[D]) Fetch[Tuple4[A, B, C, D]] {
	return join4[A, B, C, D]{parts: parts{a, b, c, d}, a: a, b: b, c: c, d: d}
}

func (j join4[A, B, C, D]) prepare(ctx *fetchCtx) (fetchFunc[Tuple4[A, B, C, D]], bool) {
	fa, ok := j.a.prepare(ctx)
	if !ok {
		return nil, false
	}
	fb, ok := j.b.prepare(ctx)
	if !ok {
		return nil, false
	}
	fc, ok := j.c.prepare(ctx)
	if !ok {
		return nil, false
	}
	fd, ok := j.d.prepare(ctx)
	if !ok {
		return nil, false
	}
	return func(slot int) Tuple4[A, B, C, D] {
		return Tuple4[A, B, C, D]{A: fa(slot), B: fb(slot), C: fc(slot), D: fd(slot)}
	}, true
}
