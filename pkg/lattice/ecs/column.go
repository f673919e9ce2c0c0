package ecs

import (
	"reflect"
	"unsafe"

	"github.com/argus-labs/lattice/pkg/assert"
	"github.com/rotisserie/eris"
)

// storage is the type-erased interface over a column's dense values.
type storage interface {
	len() int
	elemType() reflect.Type

	// swapRemove removes slot without running the destructor, the value is owned elsewhere.
	swapRemove(slot int)
	// dropSwapRemove runs the destructor on slot and removes it.
	dropSwapRemove(slot int)
	// moveTo appends the value at slot to dst and removes it from this storage.
	moveTo(slot int, dst storage)
	// dropAll runs the destructor on every value and empties the storage.
	dropAll()
	// drop runs the destructor on slot and leaves the value in place, to be overwritten.
	drop(slot int)

	pushAny(v any) error
	appendValues(values any) error
	at(slot int) any
	setAny(slot int, v any) error
	values() any
	bytes() []byte
}

var _ storage = &typedStorage[int]{}

// typedStorage stores the values of one component densely in a []T. The garbage collector has to
// see pointers inside T, so values are never stored as raw bytes; bytes only views them.
type typedStorage[T any] struct {
	items []T
	vt    *vtable[T]
}

func newTypedStorage[T any](vt *vtable[T]) *typedStorage[T] {
	const initialCapacity = 16
	return &typedStorage[T]{items: make([]T, 0, initialCapacity), vt: vt}
}

func (s *typedStorage[T]) len() int { return len(s.items) }

func (s *typedStorage[T]) elemType() reflect.Type { return reflect.TypeFor[T]() }

func (s *typedStorage[T]) push(v T) {
	s.items = append(s.items, v)
}

func (s *typedStorage[T]) get(slot int) *T {
	assert.That(slot < len(s.items), "slot %d out of range %d", slot, len(s.items))
	return &s.items[slot]
}

func (s *typedStorage[T]) swapRemove(slot int) {
	assert.That(slot < len(s.items), "tried to remove slot %d out of range %d", slot, len(s.items))

	last := len(s.items) - 1
	s.items[slot] = s.items[last]
	var zero T
	s.items[last] = zero // Release references held by the moved-out value.
	s.items = s.items[:last]
}

func (s *typedStorage[T]) dropSwapRemove(slot int) {
	s.drop(slot)
	s.swapRemove(slot)
}

func (s *typedStorage[T]) moveTo(slot int, dst storage) {
	target, ok := dst.(*typedStorage[T])
	assert.That(ok, "moving %s into storage of %s", s.elemType(), dst.elemType())
	target.items = append(target.items, s.items[slot])
	s.swapRemove(slot)
}

func (s *typedStorage[T]) dropAll() {
	if s.vt.drop != nil {
		for i := range s.items {
			s.vt.drop(&s.items[i])
		}
	}
	clear(s.items)
	s.items = s.items[:0]
}

func (s *typedStorage[T]) drop(slot int) {
	if s.vt.drop != nil {
		s.vt.drop(&s.items[slot])
	}
}

func (s *typedStorage[T]) pushAny(v any) error {
	typed, ok := fromAny[T](v)
	if !ok {
		return eris.Wrapf(ErrTypeMismatch, "expected %s, got %T", s.elemType(), v)
	}
	s.push(typed)
	return nil
}

// fromAny converts a dynamically typed value to T. An untyped nil converts to the zero value of
// nillable types such as interfaces and pointers.
func fromAny[T any](v any) (T, bool) {
	if v == nil {
		var zero T
		return zero, assignable(nil, reflect.TypeFor[T]())
	}
	typed, ok := v.(T)
	return typed, ok
}

// assignable reports whether a dynamically typed value can be stored in a column of typ.
func assignable(v any, typ reflect.Type) bool {
	if v == nil {
		switch typ.Kind() { //nolint:exhaustive // other kinds can't hold nil
		case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
			return true
		}
		return false
	}
	return reflect.TypeOf(v).AssignableTo(typ)
}

func (s *typedStorage[T]) appendValues(values any) error {
	typed, ok := values.([]T)
	if !ok {
		return eris.Wrapf(ErrTypeMismatch, "expected []%s, got %T", s.elemType(), values)
	}
	s.items = append(s.items, typed...)
	return nil
}

func (s *typedStorage[T]) at(slot int) any { return s.items[slot] }

func (s *typedStorage[T]) setAny(slot int, v any) error {
	typed, ok := fromAny[T](v)
	if !ok {
		return eris.Wrapf(ErrTypeMismatch, "expected %s, got %T", s.elemType(), v)
	}
	s.items[slot] = typed
	return nil
}

func (s *typedStorage[T]) values() any { return s.items }

// bytes returns the raw memory of the values. It aliases the storage and is only valid until the
// next structural change.
func (s *typedStorage[T]) bytes() []byte {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if len(s.items) == 0 || size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s.items))), len(s.items)*size)
}

// clone returns an owned copy of the value at slot using the registered clone function.
func (s *typedStorage[T]) clone(slot int) T {
	if s.vt.clone != nil {
		return s.vt.clone(s.items[slot])
	}
	return s.items[slot]
}

// -------------------------------------------------------------------------------------------------
// Column
// -------------------------------------------------------------------------------------------------

// column is the storage of one component key in a shape, together with its borrow guard and change
// lists. The length of data always matches the number of entities in the owning shape.
type column struct {
	key      ComponentKey
	desc     *ComponentDesc
	data     storage
	guard    borrowGuard
	modified changeList
	added    changeList
}

func newColumn(key ComponentKey, desc *ComponentDesc) *column {
	return &column{key: key, desc: desc, data: desc.newStorage()}
}

// name returns the readable name of the column key.
func (c *column) name() string {
	return c.desc.keyName(c.key)
}

// borrowShared acquires a shared borrow on the column.
func (c *column) borrowShared() error {
	if !c.guard.tryShared() {
		return eris.Wrapf(ErrBorrowConflict, "component %s", c.name())
	}
	return nil
}

// borrowExclusive acquires an exclusive borrow on the column.
func (c *column) borrowExclusive() error {
	if !c.guard.tryExclusive() {
		return eris.Wrapf(ErrBorrowMutConflict, "component %s", c.name())
	}
	return nil
}

// changes returns the change list of the given kind. Removed changes live on the shape.
func (c *column) changes(kind ChangeKind) *changeList {
	switch kind {
	case ChangeModified:
		return &c.modified
	case ChangeAdded:
		return &c.added
	case ChangeRemoved:
	}
	return nil
}

// stampInsert marks slot as added and modified.
func (c *column) stampInsert(s Slice, tick Tick) {
	c.added.set(s, tick)
	c.modified.set(s, tick)
}

// swapRemoveChanges keeps the change lists aligned with a swap-remove of slot.
func (c *column) swapRemoveChanges(slot, last int) {
	c.modified.swapRemove(slot, last)
	c.added.swapRemove(slot, last)
}

// typedData returns the typed storage of the column.
func typedData[T any](c *column) (*typedStorage[T], error) {
	data, ok := c.data.(*typedStorage[T])
	if !ok {
		return nil, eris.Wrapf(ErrTypeMismatch, "component %s stores %s, not %s",
			c.name(), c.data.elemType(), reflect.TypeFor[T]())
	}
	return data, nil
}
