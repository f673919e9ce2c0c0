package ecs

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rotisserie/eris"
)

// ComponentID is the unique, world-local identifier of a registered component or relation.
type ComponentID uint32

// ComponentKey identifies a column. Plain components have a zero Target. Relation edges carry the
// target entity, so one relation can be stored as many distinct columns on the same entity.
type ComponentKey struct {
	ID     ComponentID
	Target EntityID
}

// IsRelation reports whether the key is a relation edge.
func (k ComponentKey) IsRelation() bool { return !k.Target.IsZero() }

func (k ComponentKey) String() string {
	if k.IsRelation() {
		return fmt.Sprintf("%d(%s)", k.ID, k.Target)
	}
	return fmt.Sprintf("%d", k.ID)
}

// compareKey orders keys by id, then target.
func compareKey(a, b ComponentKey) int {
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return compareEntityID(a.Target, b.Target)
}

// metaFlags are the relation flags attached to a component description.
type metaFlags uint8

const (
	flagRelation metaFlags = 1 << iota
	flagExclusive
	flagSymmetric
)

// ComponentDesc describes a registered component: its identity, layout and metadata.
type ComponentDesc struct {
	id    ComponentID
	name  string
	typ   reflect.Type
	size  uintptr
	align uintptr
	flags metaFlags

	newStorage func() storage
	format     func(any) string // Optional, see WithFormat
	hasDrop    bool
	hasClone   bool
}

func (d *ComponentDesc) ID() ComponentID     { return d.id }
func (d *ComponentDesc) Name() string        { return d.name }
func (d *ComponentDesc) Type() reflect.Type  { return d.typ }
func (d *ComponentDesc) Size() uintptr       { return d.size }
func (d *ComponentDesc) Align() uintptr      { return d.align }
func (d *ComponentDesc) IsRelation() bool    { return d.flags&flagRelation != 0 }
func (d *ComponentDesc) IsExclusive() bool   { return d.flags&flagExclusive != 0 }
func (d *ComponentDesc) IsSymmetric() bool   { return d.flags&flagSymmetric != 0 }
func (d *ComponentDesc) HasDestructor() bool { return d.hasDrop }
func (d *ComponentDesc) HasCloneFunc() bool  { return d.hasClone }
func (d *ComponentDesc) Key() ComponentKey   { return ComponentKey{ID: d.id} }
func (d *ComponentDesc) String() string      { return d.name }
func (d *ComponentDesc) keyName(k ComponentKey) string {
	if k.IsRelation() {
		return fmt.Sprintf("%s(%s)", d.name, k.Target)
	}
	return d.name
}

// Format renders a value of this component using the registered formatter, falling back to %+v.
func (d *ComponentDesc) Format(v any) string {
	if d.format != nil {
		return d.format(v)
	}
	return fmt.Sprintf("%+v", v)
}

// -------------------------------------------------------------------------------------------------
// Registration options
// -------------------------------------------------------------------------------------------------

// vtable holds the typed metadata of a component.
type vtable[T any] struct {
	drop   func(*T)
	clone  func(T) T
	format func(T) string
	flags  metaFlags
}

// ComponentOption attaches metadata to a component at registration.
type ComponentOption[T any] func(*vtable[T])

// WithDrop registers a destructor. It runs whenever a value is removed from storage without being
// moved elsewhere: on remove, despawn, overwrite by an exclusive relation, and world clear.
func WithDrop[T any](fn func(*T)) ComponentOption[T] {
	return func(vt *vtable[T]) { vt.drop = fn }
}

// WithClone registers the function used by Cloned fetches and symmetric relations.
func WithClone[T any](fn func(T) T) ComponentOption[T] {
	return func(vt *vtable[T]) { vt.clone = fn }
}

// WithFormat registers a debug formatter used by World.Inspect.
func WithFormat[T any](fn func(T) string) ComponentOption[T] {
	return func(vt *vtable[T]) { vt.format = fn }
}

// Exclusive restricts an entity to at most one edge of the relation.
func Exclusive[T any]() ComponentOption[T] {
	return func(vt *vtable[T]) { vt.flags |= flagExclusive }
}

// Symmetric mirrors every edge: setting a→b also sets b→a.
func Symmetric[T any]() ComponentOption[T] {
	return func(vt *vtable[T]) { vt.flags |= flagSymmetric }
}

// -------------------------------------------------------------------------------------------------
// Handles
// -------------------------------------------------------------------------------------------------

// Component is a typed handle to a component column key.
type Component[T any] struct {
	key  ComponentKey
	desc *ComponentDesc
}

func (c Component[T]) Key() ComponentKey    { return c.key }
func (c Component[T]) ID() ComponentID      { return c.key.ID }
func (c Component[T]) Name() string         { return c.desc.keyName(c.key) }
func (c Component[T]) Desc() *ComponentDesc { return c.desc }
func (c Component[T]) IsRelation() bool     { return c.key.IsRelation() }
func (c Component[T]) String() string       { return c.Name() }

// Relation is a typed handle to a relation. Use Of to obtain the edge pointing at a target.
type Relation[T any] struct {
	desc *ComponentDesc
}

// Of returns the edge component of the relation pointing at target.
func (r Relation[T]) Of(target EntityID) Component[T] {
	return Component[T]{key: ComponentKey{ID: r.desc.id, Target: target}, desc: r.desc}
}

func (r Relation[T]) ID() ComponentID      { return r.desc.id }
func (r Relation[T]) Name() string         { return r.desc.name }
func (r Relation[T]) Desc() *ComponentDesc { return r.desc }

// RegisterComponent registers a component of type T under name. Registering the same name with the
// same type again returns the existing handle.
func RegisterComponent[T any](w *World, name string, opts ...ComponentOption[T]) (Component[T], error) {
	desc, err := registerDesc(&w.components, name, 0, opts)
	if err != nil {
		return Component[T]{}, err
	}
	if desc.IsRelation() {
		return Component[T]{}, eris.Wrapf(ErrTypeMismatch, "%s is registered as a relation", name)
	}
	return Component[T]{key: desc.Key(), desc: desc}, nil
}

// RegisterRelation registers a relation whose edges store values of type T.
func RegisterRelation[T any](w *World, name string, opts ...ComponentOption[T]) (Relation[T], error) {
	desc, err := registerDesc(&w.components, name, flagRelation, opts)
	if err != nil {
		return Relation[T]{}, err
	}
	if !desc.IsRelation() {
		return Relation[T]{}, eris.Wrapf(ErrTypeMismatch, "%s is registered as a component", name)
	}
	return Relation[T]{desc: desc}, nil
}

func registerDesc[T any](cm *componentManager, name string, flags metaFlags, opts []ComponentOption[T]) (*ComponentDesc, error) {
	if name == "" {
		return nil, eris.New("component name cannot be empty")
	}

	typ := reflect.TypeFor[T]()
	if existing, ok := cm.byName.Load(name); ok {
		if existing.typ != typ {
			return nil, eris.Wrapf(ErrTypeMismatch, "%s is registered with type %s, not %s",
				name, existing.typ, typ)
		}
		return existing, nil
	}

	vt := &vtable[T]{flags: flags}
	for _, opt := range opts {
		opt(vt)
	}
	if vt.flags&(flagExclusive|flagSymmetric) != 0 && vt.flags&flagRelation == 0 {
		return nil, eris.Errorf("%s: exclusive and symmetric only apply to relations", name)
	}

	desc := &ComponentDesc{
		name:       name,
		typ:        typ,
		size:       typ.Size(),
		align:      uintptr(typ.Align()),
		flags:      vt.flags,
		newStorage: func() storage { return newTypedStorage(vt) },
		hasDrop:    vt.drop != nil,
		hasClone:   vt.clone != nil,
	}
	if vt.format != nil {
		format := vt.format
		desc.format = func(v any) string { return format(v.(T)) } //nolint:errcheck // type checked by desc
	}
	return cm.register(desc)
}

// componentManager is the per-world component registry. Lookups are lock-free so systems running
// in parallel, parsers and encoders can resolve components while registration is rare.
type componentManager struct {
	mu     sync.Mutex
	nextID atomic.Uint32
	byName *xsync.MapOf[string, *ComponentDesc]
	byID   *xsync.MapOf[ComponentID, *ComponentDesc]
}

func newComponentManager() componentManager {
	return componentManager{
		byName: xsync.NewMapOf[string, *ComponentDesc](),
		byID:   xsync.NewMapOf[ComponentID, *ComponentDesc](),
	}
}

// register assigns an id to desc and stores it. A concurrent registration of the same name wins
// over this one if it finished first.
func (cm *componentManager) register(desc *ComponentDesc) (*ComponentDesc, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if existing, ok := cm.byName.Load(desc.name); ok {
		if existing.typ != desc.typ {
			return nil, eris.Wrapf(ErrTypeMismatch, "%s is registered with type %s", desc.name, existing.typ)
		}
		return existing, nil
	}

	desc.id = ComponentID(cm.nextID.Add(1))
	cm.byName.Store(desc.name, desc)
	cm.byID.Store(desc.id, desc)
	return desc, nil
}

func (cm *componentManager) byKey(k ComponentKey) *ComponentDesc {
	desc, _ := cm.byID.Load(k.ID)
	return desc
}

// lookup returns the description registered under name.
func (cm *componentManager) lookup(name string) (*ComponentDesc, error) {
	desc, ok := cm.byName.Load(name)
	if !ok {
		return nil, eris.Wrapf(ErrComponentNotRegistered, "%s", name)
	}
	return desc, nil
}

// Components returns the description of every registered component ordered by id.
func (w *World) Components() []*ComponentDesc {
	out := make([]*ComponentDesc, 0, w.components.byID.Size())
	for i := ComponentID(1); i <= ComponentID(w.components.nextID.Load()); i++ {
		if desc, ok := w.components.byID.Load(i); ok {
			out = append(out, desc)
		}
	}
	return out
}

// ComponentByName returns the description registered under name.
func (w *World) ComponentByName(name string) (*ComponentDesc, error) {
	return w.components.lookup(name)
}

// ComponentByID returns the description registered with id.
func (w *World) ComponentByID(id ComponentID) (*ComponentDesc, error) {
	desc, ok := w.components.byID.Load(id)
	if !ok {
		return nil, eris.Wrapf(ErrComponentNotRegistered, "id %d", id)
	}
	return desc, nil
}
