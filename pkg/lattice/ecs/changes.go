package ecs

import "sort"

// Tick is a logical timestamp. The world advances it on every mutating operation.
type Tick uint32

// Slice is a half-open range of slots [Start, End) within a shape.
type Slice struct {
	Start, End int
}

// single returns a slice containing only slot.
func single(slot int) Slice { return Slice{Start: slot, End: slot + 1} }

// Len returns the number of slots in the slice.
func (s Slice) Len() int {
	if s.End <= s.Start {
		return 0
	}
	return s.End - s.Start
}

// IsEmpty reports whether the slice contains no slots.
func (s Slice) IsEmpty() bool { return s.End <= s.Start }

// Contains reports whether slot lies inside the slice.
func (s Slice) Contains(slot int) bool { return slot >= s.Start && slot < s.End }

// intersect returns the overlap of two slices, which may be empty.
func (s Slice) intersect(o Slice) Slice {
	r := Slice{Start: max(s.Start, o.Start), End: min(s.End, o.End)}
	if r.IsEmpty() {
		return Slice{Start: r.Start, End: r.Start}
	}
	return r
}

// ChangeKind distinguishes the change lists tracked per component.
type ChangeKind uint8

const (
	// ChangeModified is stamped on insertion and on every mutable access.
	ChangeModified ChangeKind = iota
	// ChangeAdded is stamped when a component is inserted into an entity.
	ChangeAdded
	// ChangeRemoved is stamped on the destination shape when a component is removed.
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeModified:
		return "modified"
	case ChangeAdded:
		return "added"
	case ChangeRemoved:
		return "removed"
	}
	return "unknown"
}

// change is a range of slots last touched at tick.
type change struct {
	slice Slice
	tick  Tick
}

// changeList stores the tick at which each slot was last changed as a sorted list of
// non-overlapping ranges. Adjacent ranges with the same tick are merged.
type changeList struct {
	changes []change
}

// set stamps every slot in s with tick, replacing whatever was recorded before.
func (l *changeList) set(s Slice, tick Tick) {
	if s.IsEmpty() {
		return
	}
	l.carve(s)

	i := sort.Search(len(l.changes), func(i int) bool { return l.changes[i].slice.Start >= s.End })

	// Merge with the neighbours when they carry the same tick and touch the new range.
	mergePrev := i > 0 && l.changes[i-1].tick == tick && l.changes[i-1].slice.End == s.Start
	mergeNext := i < len(l.changes) && l.changes[i].tick == tick && l.changes[i].slice.Start == s.End

	switch {
	case mergePrev && mergeNext:
		l.changes[i-1].slice.End = l.changes[i].slice.End
		l.changes = append(l.changes[:i], l.changes[i+1:]...)
	case mergePrev:
		l.changes[i-1].slice.End = s.End
	case mergeNext:
		l.changes[i].slice.Start = s.Start
	default:
		l.changes = append(l.changes, change{})
		copy(l.changes[i+1:], l.changes[i:])
		l.changes[i] = change{slice: s, tick: tick}
	}
}

// carve removes s from every recorded range, splitting ranges that straddle it.
func (l *changeList) carve(s Slice) {
	first := sort.Search(len(l.changes), func(i int) bool { return l.changes[i].slice.End > s.Start })
	if first == len(l.changes) || l.changes[first].slice.Start >= s.End {
		return
	}

	var kept []change
	last := first
	for ; last < len(l.changes) && l.changes[last].slice.Start < s.End; last++ {
		c := l.changes[last]
		if c.slice.Start < s.Start {
			kept = append(kept, change{slice: Slice{Start: c.slice.Start, End: s.Start}, tick: c.tick})
		}
		if c.slice.End > s.End {
			kept = append(kept, change{slice: Slice{Start: s.End, End: c.slice.End}, tick: c.tick})
		}
	}

	tail := append(kept, l.changes[last:]...)
	l.changes = append(l.changes[:first], tail...)
}

// tickAt returns the tick recorded for slot.
func (l *changeList) tickAt(slot int) (Tick, bool) {
	i := sort.Search(len(l.changes), func(i int) bool { return l.changes[i].slice.End > slot })
	if i < len(l.changes) && l.changes[i].slice.Contains(slot) {
		return l.changes[i].tick, true
	}
	return 0, false
}

// swapRemove mirrors a column swap-remove: the record of the last slot moves into slot and the
// last slot is dropped. last is the index of the last slot before removal.
func (l *changeList) swapRemove(slot, last int) (Tick, bool) {
	removedTick, had := l.tickAt(slot)
	lastTick, hasLast := l.tickAt(last)

	l.carve(single(last))
	if slot == last {
		return removedTick, had
	}
	l.carve(single(slot))
	if hasLast {
		l.set(single(slot), lastTick)
	}
	return removedTick, had
}

// clear drops every record.
func (l *changeList) clear() {
	l.changes = l.changes[:0]
}

// firstSince returns the first run of slots inside s that changed strictly after tick. The
// returned slice is empty when there is none.
func (l *changeList) firstSince(s Slice, tick Tick) Slice {
	i := sort.Search(len(l.changes), func(i int) bool { return l.changes[i].slice.End > s.Start })
	for ; i < len(l.changes); i++ {
		c := l.changes[i]
		if c.slice.Start >= s.End {
			break
		}
		if c.tick <= tick {
			continue
		}
		run := c.slice.intersect(s)
		// Extend across adjacent newer ranges so callers see maximal runs.
		for j := i + 1; j < len(l.changes); j++ {
			n := l.changes[j]
			if n.slice.Start != run.End || n.tick <= tick || run.End >= s.End {
				break
			}
			run.End = min(n.slice.End, s.End)
		}
		return run
	}
	return Slice{Start: s.End, End: s.End}
}

// ranges returns a copy of the recorded ranges, used for diagnostics and tests.
func (l *changeList) ranges() []change {
	out := make([]change, len(l.changes))
	copy(out, l.changes)
	return out
}
