package ecs

// changeFilter matches slots whose change list of kind records a tick newer than the tick at which
// the query last ran.
type changeFilter struct {
	key  ComponentKey
	name string
	kind ChangeKind
}

// Modified matches entities whose component was inserted or mutably accessed since the query last
// ran.
func Modified(c Keyed) Filter { return changeFilter{key: c.Key(), name: c.Name(), kind: ChangeModified} }

// Added matches entities whose component was inserted since the query last ran.
func Added(c Keyed) Filter { return changeFilter{key: c.Key(), name: c.Name(), kind: ChangeAdded} }

// Removed matches entities whose component was removed since the query last ran. Entities that no
// longer have the component are yielded, so a fetch for it must be optional.
func Removed(c Keyed) Filter { return changeFilter{key: c.Key(), name: c.Name(), kind: ChangeRemoved} }

func (f changeFilter) String() string {
	switch f.kind {
	case ChangeAdded:
		return "ADDED(" + f.name + ")"
	case ChangeRemoved:
		return "REMOVED(" + f.name + ")"
	case ChangeModified:
	}
	return "MODIFIED(" + f.name + ")"
}

func (f changeFilter) matchesShape(a *archetype) bool {
	if f.kind == ChangeRemoved {
		// Removal records appear without a graph change, so every shape lacking the key qualifies.
		return !a.has(f.key)
	}
	return a.has(f.key)
}

func (changeFilter) static() bool { return false }

func (f changeFilter) searcher(s *searcher) {
	if f.kind == ChangeRemoved {
		s.exclude(f.key)
		return
	}
	s.require(f.key)
}

func (f changeFilter) accesses(a *archetype, dst []Access) []Access {
	if f.kind == ChangeRemoved {
		return dst
	}
	return append(dst, columnAccess(a, f.key, false))
}

func (f changeFilter) prepareFilter(ctx *fetchCtx) slotFilter {
	var list *changeList
	if f.kind == ChangeRemoved {
		list = ctx.arch.removed[f.key]
	} else {
		list = ctx.arch.column(f.key).changes(f.kind)
	}
	if list == nil {
		return noneSlots{}
	}
	return changeSlots{list: list, since: ctx.oldTick}
}

type changeSlots struct {
	list  *changeList
	since Tick
}

func (f changeSlots) filterSlots(s Slice) Slice { return f.list.firstSince(s, f.since) }
