package ecs

import (
	"iter"
	"slices"

	"github.com/rotisserie/eris"
)

// Query selects the entities matching a fetch and an optional filter. A query remembers the tick at
// which it last ran so change filters yield every change once per borrow. A Query is not safe for
// concurrent use; give each system its own.
type Query[T any] struct {
	fetch      Fetch[T]
	filter     Filter
	changeTick Tick

	world  *World
	gen    uint64
	search searcher
	archs  []*archetype // Matched shapes in creation order
}

// NewQuery creates a query yielding the items of fetch.
func NewQuery[T any](fetch Fetch[T]) *Query[T] {
	return &Query[T]{fetch: fetch, filter: All()}
}

// Filter restricts the query further. Filters added with repeated calls are combined with And.
func (q *Query[T]) Filter(f Filter) *Query[T] {
	if f == nil {
		return q
	}
	if _, ok := q.filter.(allFilter); ok {
		q.filter = f
	} else {
		q.filter = And(q.filter, f)
	}
	q.world = nil
	return q
}

func (q *Query[T]) String() string {
	return "Query" + q.fetch.String() + " where " + q.filter.String()
}

// prepareShapes refreshes the matched shapes when the shape graph changed since the last call.
func (q *Query[T]) prepareShapes(w *World) {
	if q.world == w && q.gen == w.graph.gen {
		return
	}
	if q.world != w {
		q.changeTick = 0
	}

	q.search = searcher{}
	q.fetch.searcher(&q.search)
	q.filter.searcher(&q.search)
	q.search.finalize()

	q.archs = q.archs[:0]
	w.graph.search(&q.search, func(a *archetype) {
		if q.fetch.matchesShape(a) && q.filter.matchesShape(a) {
			q.archs = append(q.archs, a)
		}
	})
	slices.SortFunc(q.archs, func(a, b *archetype) int { return int(a.seq) - int(b.seq) })

	q.world = w
	q.gen = w.graph.gen
}

// accesses returns every column access of the query on the current graph, plus a shared structure
// access so the query is ordered after earlier systems creating shapes it doesn't match yet.
func (q *Query[T]) accesses(w *World) []Access {
	q.prepareShapes(w)
	out := []Access{{Kind: AccessStructure}}
	for _, a := range q.archs {
		out = q.fetch.accesses(a, out)
		out = q.filter.accesses(a, out)
	}
	return out
}

// Borrow locks every column the query touches and prepares iteration. The borrow must be released.
func (q *Query[T]) Borrow(w *World) (*QueryBorrow[T], error) {
	q.prepareShapes(w)

	b := &QueryBorrow[T]{q: q, w: w, index: make(map[archetypeID]int, len(q.archs))}
	mutable := false
	for _, a := range q.archs {
		accs := q.filter.accesses(a, q.fetch.accesses(a, nil))
		start := len(b.locks)
		for _, acc := range accs {
			col := a.column(acc.Key)
			if col == nil {
				continue
			}
			mutable = mutable || acc.Mutable
			i := slices.IndexFunc(b.locks[start:], func(l columnLock) bool { return l.col == col })
			if i < 0 {
				b.locks = append(b.locks, columnLock{col: col, arch: a, exclusive: acc.Mutable})
			} else if acc.Mutable {
				b.locks[start+i].exclusive = true
			}
		}
	}

	for i, l := range b.locks {
		var err error
		if l.exclusive {
			err = l.col.borrowExclusive()
		} else {
			err = l.col.borrowShared()
		}
		if err != nil {
			b.locks = b.locks[:i]
			b.Release()
			return nil, eris.Wrapf(err, "shape %d", l.arch.id)
		}
	}

	b.oldTick = q.changeTick
	if mutable {
		b.newTick = w.advanceTick()
	} else {
		b.newTick = w.Tick()
	}
	q.changeTick = b.newTick

	for _, a := range q.archs {
		ctx := &fetchCtx{w: w, arch: a, oldTick: b.oldTick, newTick: b.newTick}
		fetch, ok := q.fetch.prepare(ctx)
		if !ok {
			continue
		}
		b.index[a.id] = len(b.shapes)
		b.shapes = append(b.shapes, preparedShape[T]{
			arch:   a,
			fetch:  fetch,
			filter: q.filter.prepareFilter(ctx),
		})
	}
	return b, nil
}

// Each calls fn for every item of the query.
func (q *Query[T]) Each(w *World, fn func(T)) error {
	b, err := q.Borrow(w)
	if err != nil {
		return err
	}
	defer b.Release()
	for item := range b.Iter() {
		fn(item)
	}
	return b.Err()
}

// Collect returns every item of the query. Pointers in the items stay valid only until the next
// structural change.
func (q *Query[T]) Collect(w *World) ([]T, error) {
	b, err := q.Borrow(w)
	if err != nil {
		return nil, err
	}
	defer b.Release()
	out := slices.Collect(b.Iter())
	return out, b.Err()
}

// Get returns the item of one entity.
func (q *Query[T]) Get(w *World, id EntityID) (T, error) {
	b, err := q.Borrow(w)
	if err != nil {
		var zero T
		return zero, err
	}
	defer b.Release()
	return b.Get(id)
}

// Count returns the number of entities matching the query.
func (q *Query[T]) Count(w *World) (int, error) {
	b, err := q.Borrow(w)
	if err != nil {
		return 0, err
	}
	defer b.Release()
	return b.Count(), b.Err()
}

// -------------------------------------------------------------------------------------------------
// Borrow
// -------------------------------------------------------------------------------------------------

type columnLock struct {
	col       *column
	arch      *archetype
	exclusive bool
}

type preparedShape[T any] struct {
	arch   *archetype
	fetch  fetchFunc[T]
	filter slotFilter // Nil when every slot matches
}

// runs yields the runs of matching slots of the shape.
func (s *preparedShape[T]) runs(yield func(Slice) bool) {
	cur := Slice{Start: 0, End: s.arch.len()}
	for !cur.IsEmpty() {
		run := cur
		if s.filter != nil {
			run = s.filter.filterSlots(cur)
		}
		if run.IsEmpty() || !yield(run) {
			return
		}
		cur.Start = run.End
	}
}

// QueryBorrow is an active borrow of the columns of a query. Items it yields must not be used after
// Release.
type QueryBorrow[T any] struct {
	q        *Query[T]
	w        *World
	locks    []columnLock
	shapes   []preparedShape[T]
	index    map[archetypeID]int
	oldTick  Tick
	newTick  Tick
	released bool
}

// Iter yields the items of every matching entity, ordered by shape creation and then slot.
func (b *QueryBorrow[T]) Iter() iter.Seq[T] {
	return func(yield func(T) bool) {
		for i := range b.shapes {
			s := &b.shapes[i]
			for run := range s.runs {
				for slot := run.Start; slot < run.End; slot++ {
					if !yield(s.fetch(slot)) {
						return
					}
				}
			}
		}
	}
}

// Iter2 yields the id and item of every matching entity.
func (b *QueryBorrow[T]) Iter2() iter.Seq2[EntityID, T] {
	return func(yield func(EntityID, T) bool) {
		for i := range b.shapes {
			s := &b.shapes[i]
			for run := range s.runs {
				for slot := run.Start; slot < run.End; slot++ {
					if !yield(s.arch.entities[slot], s.fetch(slot)) {
						return
					}
				}
			}
		}
	}
}

// Count returns the number of matching entities.
func (b *QueryBorrow[T]) Count() int {
	n := 0
	for i := range b.shapes {
		for run := range b.shapes[i].runs {
			n += run.Len()
		}
	}
	return n
}

// Get returns the item of one entity. It fails with ErrMissingComponent when the entity lacks a
// component the query requires and ErrNoMatch when a filter rejects it.
func (b *QueryBorrow[T]) Get(id EntityID) (T, error) {
	var zero T
	loc, err := b.w.entities.location(id)
	if err != nil {
		return zero, err
	}
	i, ok := b.index[loc.arch]
	if !ok {
		a := b.w.graph.get(loc.arch)
		for _, key := range b.q.search.required {
			if !a.has(key) {
				return zero, eris.Wrapf(ErrMissingComponent, "entity %s: component %s", id, b.w.keyName(key))
			}
		}
		return zero, eris.Wrapf(ErrNoMatch, "entity %s: %s", id, b.q)
	}

	s := &b.shapes[i]
	if s.filter != nil {
		if s.filter.filterSlots(single(loc.slot)).IsEmpty() {
			if err := firstErr(s.filter); err != nil {
				return zero, err
			}
			return zero, eris.Wrapf(ErrNoMatch, "entity %s: %s", id, b.q.filter)
		}
	}
	return s.fetch(loc.slot), nil
}

// Err returns the first error raised by a filter while iterating.
func (b *QueryBorrow[T]) Err() error {
	for i := range b.shapes {
		if f := b.shapes[i].filter; f != nil {
			if err := firstErr(f); err != nil {
				return err
			}
		}
	}
	return nil
}

// Ticks returns the change window of the borrow: changes after since are visible, mutable accesses
// are stamped with current.
func (b *QueryBorrow[T]) Ticks() (since, current Tick) {
	return b.oldTick, b.newTick
}

// Release drops every column borrow. It is safe to call more than once.
func (b *QueryBorrow[T]) Release() {
	if b.released {
		return
	}
	b.released = true
	for _, l := range b.locks {
		if l.exclusive {
			l.col.guard.releaseExclusive()
		} else {
			l.col.guard.releaseShared()
		}
	}
	b.locks = nil
}
