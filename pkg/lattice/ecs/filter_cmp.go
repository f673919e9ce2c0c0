package ecs

import (
	"cmp"
	"fmt"
)

// CmpOp is a comparison operator used by Compare.
type CmpOp uint8

const (
	OpEq CmpOp = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

func (op CmpOp) String() string {
	switch op {
	case OpEq:
		return "=="
	case OpNe:
		return "!="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	}
	return fmt.Sprintf("CmpOp(%d)", uint8(op))
}

func (op CmpOp) eval(c int) bool {
	switch op {
	case OpEq:
		return c == 0
	case OpNe:
		return c != 0
	case OpLt:
		return c < 0
	case OpLe:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGe:
		return c >= 0
	}
	return false
}

// cmpFilter matches slots whose component, projected through key, compares to value with op.
type cmpFilter[T any, V cmp.Ordered] struct {
	c     Component[T]
	key   func(*T) V
	op    CmpOp
	value V
}

// Compare matches entities for which key(component) op value holds.
func Compare[T any, V cmp.Ordered](c Component[T], key func(*T) V, op CmpOp, value V) Filter {
	return cmpFilter[T, V]{c: c, key: key, op: op, value: value}
}

func identity[T any](v *T) T { return *v }

// Eq matches entities whose component equals value.
func Eq[T cmp.Ordered](c Component[T], value T) Filter { return Compare(c, identity[T], OpEq, value) }

// Ne matches entities whose component differs from value.
func Ne[T cmp.Ordered](c Component[T], value T) Filter { return Compare(c, identity[T], OpNe, value) }

// Lt matches entities whose component is less than value.
func Lt[T cmp.Ordered](c Component[T], value T) Filter { return Compare(c, identity[T], OpLt, value) }

// Le matches entities whose component is at most value.
func Le[T cmp.Ordered](c Component[T], value T) Filter { return Compare(c, identity[T], OpLe, value) }

// Gt matches entities whose component is greater than value.
func Gt[T cmp.Ordered](c Component[T], value T) Filter { return Compare(c, identity[T], OpGt, value) }

// Ge matches entities whose component is at least value.
func Ge[T cmp.Ordered](c Component[T], value T) Filter { return Compare(c, identity[T], OpGe, value) }

func (f cmpFilter[T, V]) String() string {
	return fmt.Sprintf("%s %s %v", f.c.Name(), f.op, f.value)
}

func (f cmpFilter[T, V]) matchesShape(a *archetype) bool { return a.has(f.c.key) }
func (cmpFilter[T, V]) static() bool                     { return false }
func (f cmpFilter[T, V]) searcher(s *searcher)           { s.require(f.c.key) }

func (f cmpFilter[T, V]) accesses(a *archetype, dst []Access) []Access {
	return append(dst, columnAccess(a, f.c.key, false))
}

func (f cmpFilter[T, V]) prepareFilter(ctx *fetchCtx) slotFilter {
	data, err := typedData[T](ctx.arch.column(f.c.key))
	if err != nil {
		return noneSlots{}
	}
	return predicateSlots(func(slot int) bool {
		return f.op.eval(cmp.Compare(f.key(&data.items[slot]), f.value))
	})
}

// predicateSlots adapts a per slot predicate to a slot filter.
type predicateSlots func(slot int) bool

func (p predicateSlots) filterSlots(s Slice) Slice {
	start := s.Start
	for start < s.End && !p(start) {
		start++
	}
	end := start
	for end < s.End && p(end) {
		end++
	}
	return Slice{Start: start, End: end}
}
