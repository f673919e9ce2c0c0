package ecs

import (
	"reflect"
	"slices"

	"github.com/argus-labs/lattice/pkg/assert"
	"github.com/rotisserie/eris"
)

// Batch holds column-major component values for spawning or filling many entities at once. Every
// column must hold exactly one value per entity.
type Batch struct {
	n       int
	keys    []ComponentKey // Sorted
	columns map[ComponentKey]batchColumn
}

type batchColumn struct {
	desc   *ComponentDesc
	values any // []T where T is the component type
}

// NewBatch creates a batch for n entities.
func NewBatch(n int) *Batch {
	return &Batch{n: n, columns: make(map[ComponentKey]batchColumn)}
}

// Len returns the number of entities in the batch.
func (b *Batch) Len() int { return b.n }

// Keys returns the component keys of the batch in sorted order.
func (b *Batch) Keys() []ComponentKey { return slices.Clone(b.keys) }

// AddColumn adds the values of one component to the batch.
func AddColumn[T any](b *Batch, c Component[T], values []T) error {
	if c.desc == nil {
		return eris.Wrapf(ErrComponentNotRegistered, "component %s has no description", c.key)
	}
	return b.add(c.desc, c.key, values, len(values))
}

// AddColumnAny adds a column from a dynamically typed slice. values must be a []T where T is the
// registered type of the component.
func (b *Batch) AddColumnAny(desc *ComponentDesc, key ComponentKey, values any) error {
	if desc == nil || desc.id != key.ID {
		return eris.Wrapf(ErrComponentNotRegistered, "no description for component %s", key)
	}
	v := reflect.ValueOf(values)
	if v.Kind() != reflect.Slice || v.Type().Elem() != desc.typ {
		return eris.Wrapf(ErrTypeMismatch, "component %s stores %s, got %T", desc.keyName(key), desc.typ, values)
	}
	return b.add(desc, key, values, v.Len())
}

func (b *Batch) add(desc *ComponentDesc, key ComponentKey, values any, n int) error {
	name := desc.keyName(key)
	if n != b.n {
		return eris.Wrapf(ErrIncompleteBatch, "component %s has %d values for %d entities", name, n, b.n)
	}
	if _, ok := b.columns[key]; ok {
		return eris.Wrapf(ErrDuplicateComponent, "component %s", name)
	}
	if key.IsRelation() != desc.IsRelation() {
		return eris.Wrapf(ErrTypeMismatch, "component %s used with key %s", desc.name, key)
	}
	if desc.IsSymmetric() {
		return eris.Errorf("symmetric relation %s can't be batch inserted, use Set", name)
	}
	if desc.IsExclusive() {
		for _, k := range b.keys {
			if k.ID == key.ID {
				return eris.Wrapf(ErrDuplicateComponent, "exclusive relation %s already has an edge", desc.name)
			}
		}
	}

	pos, _ := slices.BinarySearchFunc(b.keys, key, compareKey)
	b.keys = slices.Insert(b.keys, pos, key)
	b.columns[key] = batchColumn{desc: desc, values: values}
	return nil
}

// checkBatch verifies the batch against the registry and the alive relation targets.
func (w *World) checkBatch(b *Batch) error {
	for _, key := range b.keys {
		col := b.columns[key]
		if err := w.checkHandle(col.desc, ComponentKey{ID: key.ID}); err != nil {
			return err
		}
		if key.IsRelation() && !w.entities.isAlive(key.Target) {
			return eris.Wrapf(ErrEntityNotAlive, "target %s of %s", key.Target, col.desc.name)
		}
	}
	return nil
}

// SpawnBatch spawns one entity per batch row with a single shape transition. The ids are returned
// in row order.
func (w *World) SpawnBatch(b *Batch) ([]EntityID, error) {
	if err := w.checkStructural(); err != nil {
		return nil, err
	}
	if err := w.checkBatch(b); err != nil {
		return nil, err
	}
	if b.n == 0 {
		return nil, nil
	}

	dst := w.graph.find(b.keys)
	if err := checkFree(dst); err != nil {
		return nil, err
	}

	ids := make([]EntityID, 0, b.n)
	for range b.n {
		id, err := w.entities.alloc()
		if err != nil {
			for _, allocated := range ids {
				_ = w.entities.release(allocated)
			}
			return nil, eris.Wrapf(err, "spawning batch of %d", b.n)
		}
		ids = append(ids, id)
	}

	if err := dst.lockAll(); err != nil {
		for _, allocated := range ids {
			_ = w.entities.release(allocated)
		}
		return nil, eris.Wrapf(err, "shape %d", dst.id)
	}
	tick := w.advanceTick()
	start := dst.len()
	rows := Slice{Start: start, End: start + b.n}
	for i, key := range dst.keys {
		col := dst.columns[i]
		err := col.data.appendValues(b.columns[key].values)
		assert.That(err == nil, "batch column %s was type checked: %v", col.name(), err)
		col.stampInsert(rows, tick)
	}
	for i, id := range ids {
		dst.pushEntity(id)
		w.entities.setLocation(id, entityLocation{arch: dst.id, slot: start + i})
	}
	dst.checkLen()
	dst.unlockAll()

	for _, id := range ids {
		w.events.spawned(id, dst)
	}
	return ids, nil
}

// InsertBatch adds the batch's components to existing entities, row i going to ids[i]. Components
// an entity already has are overwritten. This is the bulk entry point used by decoders.
func (w *World) InsertBatch(ids []EntityID, b *Batch) error {
	if err := w.checkStructural(); err != nil {
		return err
	}
	if len(ids) != b.n {
		return eris.Wrapf(ErrIncompleteBatch, "%d ids for %d rows", len(ids), b.n)
	}
	if err := w.checkBatch(b); err != nil {
		return err
	}

	values := make([]reflect.Value, len(b.keys))
	for i, key := range b.keys {
		values[i] = reflect.ValueOf(b.columns[key].values)
	}
	for row, id := range ids {
		for i, key := range b.keys {
			if err := w.SetAny(id, key, values[i].Index(row).Interface()); err != nil {
				return eris.Wrapf(err, "row %d", row)
			}
		}
	}
	return nil
}
