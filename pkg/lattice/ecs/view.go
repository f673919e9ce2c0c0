package ecs

import (
	"iter"
	"slices"

	"github.com/rotisserie/eris"
)

// ShapeView is a read-only view of one shape, used by encoders. It is only valid inside the
// iteration that produced it.
type ShapeView struct {
	arch *archetype
}

// ID returns the shape id.
func (v ShapeView) ID() int { return int(v.arch.id) }

// Keys returns the sorted component keys of the shape.
func (v ShapeView) Keys() []ComponentKey { return slices.Clone(v.arch.keys) }

// Len returns the number of entities in the shape.
func (v ShapeView) Len() int { return v.arch.len() }

// Entities returns the entities of the shape in slot order. The slice aliases the shape.
func (v ShapeView) Entities() []EntityID { return v.arch.entities }

// Columns yields a view of every column of the shape in key order.
func (v ShapeView) Columns() iter.Seq[ColumnView] {
	return func(yield func(ColumnView) bool) {
		for _, col := range v.arch.columns {
			if !yield(ColumnView{col: col}) {
				return
			}
		}
	}
}

// Column returns the view of one column.
func (v ShapeView) Column(key ComponentKey) (ColumnView, bool) {
	col := v.arch.column(key)
	if col == nil {
		return ColumnView{}, false
	}
	return ColumnView{col: col}, true
}

// ColumnView is a read-only view of one column.
type ColumnView struct {
	col *column
}

// Desc returns the description of the stored component.
func (c ColumnView) Desc() *ComponentDesc { return c.col.desc }

// Key returns the column key.
func (c ColumnView) Key() ComponentKey { return c.col.key }

// Name returns the readable name of the column key.
func (c ColumnView) Name() string { return c.col.name() }

// Len returns the number of values.
func (c ColumnView) Len() int { return c.col.data.len() }

// Bytes returns the raw memory of the values, aliasing the column.
func (c ColumnView) Bytes() []byte { return c.col.data.bytes() }

// Values returns the values as a []T, aliasing the column.
func (c ColumnView) Values() any { return c.col.data.values() }

// At returns a copy of the value at slot.
func (c ColumnView) At(slot int) any { return c.col.data.at(slot) }

// Shapes yields every non-empty shape in creation order. Every column of a yielded shape is
// borrowed shared while the loop body runs. When a column is mutably borrowed, the borrow error is
// yielded with a zero ShapeView and the iteration ends.
func (w *World) Shapes() iter.Seq2[ShapeView, error] {
	return func(yield func(ShapeView, error) bool) {
		stopped := false
		err := w.VisitShapes(func(v ShapeView) bool {
			stopped = !yield(v, nil)
			return !stopped
		})
		if err != nil && !stopped {
			yield(ShapeView{}, err)
		}
	}
}

// VisitShapes calls fn for every non-empty shape in creation order with its columns borrowed
// shared. It stops when fn returns false and fails when a column is mutably borrowed.
func (w *World) VisitShapes(fn func(ShapeView) bool) error {
	for _, a := range w.graph.all() {
		if a.len() == 0 {
			continue
		}
		for i, col := range a.columns {
			if err := col.borrowShared(); err != nil {
				for _, held := range a.columns[:i] {
					held.guard.releaseShared()
				}
				return eris.Wrapf(err, "shape %d", a.id)
			}
		}
		more := fn(ShapeView{arch: a})
		for _, col := range a.columns {
			col.guard.releaseShared()
		}
		if !more {
			return nil
		}
	}
	return nil
}
