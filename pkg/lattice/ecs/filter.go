package ecs

import (
	"fmt"
	"slices"
	"strings"
)

// Filter restricts which entities a query yields. Shape level filters (With, Without, Contains,
// Exact and their relation variants) are resolved once per shape. Slot level filters (changes,
// comparisons, expressions) narrow the slots of a matching shape.
type Filter interface {
	fmt.Stringer

	// matchesShape reports whether the shape may contain matching slots.
	matchesShape(a *archetype) bool
	// static reports whether matchesShape alone decides the result.
	static() bool
	// searcher adds the keys every matching shape must have or lack.
	searcher(s *searcher)
	// accesses appends the column borrows needed to evaluate the filter on a matching shape.
	accesses(a *archetype, dst []Access) []Access
	// prepareFilter returns the slot filter for a matching shape. Nil means every slot matches.
	prepareFilter(ctx *fetchCtx) slotFilter
}

// slotFilter narrows a shape's slots. filterSlots returns the first run of matching slots that
// starts at or after s.Start and lies within s. An empty result means no slot in s matches.
type slotFilter interface {
	filterSlots(s Slice) Slice
}

// failingSlots is implemented by slot filters that can fail while evaluating.
type failingSlots interface {
	err() error
}

// Keyed is implemented by component handles.
type Keyed interface {
	Key() ComponentKey
	Name() string
}

// Identified is implemented by relation and component handles.
type Identified interface {
	ID() ComponentID
	Name() string
}

var (
	_ Keyed      = Component[int]{}
	_ Identified = Relation[int]{}
)

func emptyAt(s Slice) Slice { return Slice{Start: s.End, End: s.End} }

// orAll returns f, or a filter matching everything when f is nil.
func orAll(f Filter) Filter {
	if f == nil {
		return allFilter{}
	}
	return f
}

// -------------------------------------------------------------------------------------------------
// Shape filters
// -------------------------------------------------------------------------------------------------

type allFilter struct{}

// All matches every entity.
func All() Filter { return allFilter{} }

func (allFilter) String() string                               { return "ALL()" }
func (allFilter) matchesShape(*archetype) bool                 { return true }
func (allFilter) static() bool                                 { return true }
func (allFilter) searcher(*searcher)                           {}
func (allFilter) accesses(_ *archetype, dst []Access) []Access { return dst }
func (allFilter) prepareFilter(*fetchCtx) slotFilter           { return nil }

// keysFilter matches shapes holding all keys, or exactly the keys when exact is set.
type keysFilter struct {
	keys  []ComponentKey
	names []string
	exact bool
}

func newKeysFilter(exact bool, cs []Keyed) keysFilter {
	f := keysFilter{exact: exact}
	for _, c := range cs {
		f.keys = append(f.keys, c.Key())
		f.names = append(f.names, c.Name())
	}
	slices.SortFunc(f.keys, compareKey)
	f.keys = slices.Compact(f.keys)
	return f
}

// With matches entities that have the component.
func With(c Keyed) Filter { return newKeysFilter(false, []Keyed{c}) }

// Contains matches entities that have all the components and possibly others.
func Contains(cs ...Keyed) Filter { return newKeysFilter(false, cs) }

// Exact matches entities that have exactly the components.
func Exact(cs ...Keyed) Filter { return newKeysFilter(true, cs) }

func (f keysFilter) String() string {
	if f.exact {
		return "EXACT(" + strings.Join(f.names, ", ") + ")"
	}
	return "CONTAINS(" + strings.Join(f.names, ", ") + ")"
}

func (f keysFilter) matchesShape(a *archetype) bool {
	if f.exact {
		return slices.Equal(a.keys, f.keys)
	}
	for _, key := range f.keys {
		if !a.has(key) {
			return false
		}
	}
	return true
}

func (keysFilter) static() bool { return true }

func (f keysFilter) searcher(s *searcher) {
	for _, key := range f.keys {
		s.require(key)
	}
}

func (keysFilter) accesses(_ *archetype, dst []Access) []Access { return dst }
func (keysFilter) prepareFilter(*fetchCtx) slotFilter           { return nil }

type withoutFilter struct {
	key  ComponentKey
	name string
}

// Without matches entities that don't have the component.
func Without(c Keyed) Filter { return withoutFilter{key: c.Key(), name: c.Name()} }

func (f withoutFilter) String() string                             { return "!CONTAINS(" + f.name + ")" }
func (f withoutFilter) matchesShape(a *archetype) bool             { return !a.has(f.key) }
func (withoutFilter) static() bool                                 { return true }
func (f withoutFilter) searcher(s *searcher)                       { s.exclude(f.key) }
func (withoutFilter) accesses(_ *archetype, dst []Access) []Access { return dst }
func (withoutFilter) prepareFilter(*fetchCtx) slotFilter           { return nil }

type relationFilter struct {
	id      ComponentID
	name    string
	without bool
}

// WithRelation matches entities holding at least one edge of the relation.
func WithRelation(r Identified) Filter { return relationFilter{id: r.ID(), name: r.Name()} }

// WithoutRelation matches entities holding no edge of the relation.
func WithoutRelation(r Identified) Filter {
	return relationFilter{id: r.ID(), name: r.Name(), without: true}
}

func (f relationFilter) String() string {
	if f.without {
		return "WITHOUT_RELATION(" + f.name + ")"
	}
	return "WITH_RELATION(" + f.name + ")"
}

func (f relationFilter) matchesShape(a *archetype) bool {
	return a.hasRelation(f.id) != f.without
}

func (relationFilter) static() bool                                 { return true }
func (relationFilter) searcher(*searcher)                           {}
func (relationFilter) accesses(_ *archetype, dst []Access) []Access { return dst }
func (relationFilter) prepareFilter(*fetchCtx) slotFilter           { return nil }

// -------------------------------------------------------------------------------------------------
// Boolean composition
// -------------------------------------------------------------------------------------------------

type andFilter struct {
	left, right Filter
}

// And matches entities matching every filter.
func And(fs ...Filter) Filter {
	if len(fs) == 0 {
		return allFilter{}
	}
	out := fs[0]
	for _, f := range fs[1:] {
		out = andFilter{left: out, right: f}
	}
	return out
}

func (f andFilter) String() string { return "(" + f.left.String() + " & " + f.right.String() + ")" }

func (f andFilter) matchesShape(a *archetype) bool {
	return f.left.matchesShape(a) && f.right.matchesShape(a)
}

func (f andFilter) static() bool { return f.left.static() && f.right.static() }

func (f andFilter) searcher(s *searcher) {
	f.left.searcher(s)
	f.right.searcher(s)
}

func (f andFilter) accesses(a *archetype, dst []Access) []Access {
	return f.right.accesses(a, f.left.accesses(a, dst))
}

func (f andFilter) prepareFilter(ctx *fetchCtx) slotFilter {
	l := f.left.prepareFilter(ctx)
	r := f.right.prepareFilter(ctx)
	switch {
	case l == nil:
		return r
	case r == nil:
		return l
	}
	return andSlots{left: l, right: r}
}

type orFilter struct {
	left, right Filter
}

// Or matches entities matching at least one filter.
func Or(fs ...Filter) Filter {
	if len(fs) == 0 {
		return Not(allFilter{})
	}
	out := fs[0]
	for _, f := range fs[1:] {
		out = orFilter{left: out, right: f}
	}
	return out
}

func (f orFilter) String() string { return "(" + f.left.String() + " | " + f.right.String() + ")" }

func (f orFilter) matchesShape(a *archetype) bool {
	return f.left.matchesShape(a) || f.right.matchesShape(a)
}

func (f orFilter) static() bool { return f.left.static() && f.right.static() }

func (orFilter) searcher(*searcher) {}

func (f orFilter) accesses(a *archetype, dst []Access) []Access {
	if f.left.matchesShape(a) {
		dst = f.left.accesses(a, dst)
	}
	if f.right.matchesShape(a) {
		dst = f.right.accesses(a, dst)
	}
	return dst
}

func (f orFilter) prepareFilter(ctx *fetchCtx) slotFilter {
	lm, rm := f.left.matchesShape(ctx.arch), f.right.matchesShape(ctx.arch)
	switch {
	case lm && !rm:
		return f.left.prepareFilter(ctx)
	case rm && !lm:
		return f.right.prepareFilter(ctx)
	}
	l := f.left.prepareFilter(ctx)
	r := f.right.prepareFilter(ctx)
	if l == nil || r == nil {
		return nil
	}
	return orSlots{left: l, right: r}
}

type notFilter struct {
	inner Filter
}

// Not matches entities that don't match f.
func Not(f Filter) Filter { return notFilter{inner: f} }

func (f notFilter) String() string { return "!" + f.inner.String() }

func (f notFilter) matchesShape(a *archetype) bool {
	if f.inner.static() {
		return !f.inner.matchesShape(a)
	}
	return true
}

func (f notFilter) static() bool { return f.inner.static() }

func (notFilter) searcher(*searcher) {}

func (f notFilter) accesses(a *archetype, dst []Access) []Access {
	if f.inner.static() || !f.inner.matchesShape(a) {
		return dst
	}
	return f.inner.accesses(a, dst)
}

func (f notFilter) prepareFilter(ctx *fetchCtx) slotFilter {
	if f.inner.static() || !f.inner.matchesShape(ctx.arch) {
		return nil
	}
	inner := f.inner.prepareFilter(ctx)
	if inner == nil {
		return noneSlots{}
	}
	return notSlots{inner: inner}
}

// -------------------------------------------------------------------------------------------------
// Slot filter combinators
// -------------------------------------------------------------------------------------------------

type noneSlots struct{}

func (noneSlots) filterSlots(s Slice) Slice { return emptyAt(s) }

type andSlots struct {
	left, right slotFilter
}

func (f andSlots) filterSlots(s Slice) Slice {
	for !s.IsEmpty() {
		l := f.left.filterSlots(s)
		if l.IsEmpty() {
			break
		}
		r := f.right.filterSlots(Slice{Start: l.Start, End: s.End})
		if r.IsEmpty() {
			break
		}
		if both := l.intersect(r); !both.IsEmpty() {
			return both
		}
		// r starts past the end of l.
		s.Start = r.Start
	}
	return emptyAt(s)
}

func (f andSlots) err() error { return firstErr(f.left, f.right) }

type orSlots struct {
	left, right slotFilter
}

func (f orSlots) filterSlots(s Slice) Slice {
	l := f.left.filterSlots(s)
	r := f.right.filterSlots(s)
	switch {
	case l.IsEmpty():
		return r
	case r.IsEmpty():
		return l
	}
	if l.Start > r.Start {
		l, r = r, l
	}
	if r.Start <= l.End {
		return Slice{Start: l.Start, End: max(l.End, r.End)}
	}
	return l
}

func (f orSlots) err() error { return firstErr(f.left, f.right) }

type notSlots struct {
	inner slotFilter
}

func (f notSlots) filterSlots(s Slice) Slice {
	for !s.IsEmpty() {
		r := f.inner.filterSlots(s)
		if r.IsEmpty() {
			return s
		}
		if r.Start > s.Start {
			return Slice{Start: s.Start, End: r.Start}
		}
		s.Start = r.End
	}
	return emptyAt(s)
}

func (f notSlots) err() error { return firstErr(f.inner) }

// firstErr returns the first error reported by the given slot filters.
func firstErr(fs ...slotFilter) error {
	for _, f := range fs {
		if ff, ok := f.(failingSlots); ok {
			if err := ff.err(); err != nil {
				return err
			}
		}
	}
	return nil
}
