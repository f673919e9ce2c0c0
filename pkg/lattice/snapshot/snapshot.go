// Package snapshot encodes the entities of a world to JSON and decodes them into another world.
//
// Two layouts are supported. The row-major layout lists every entity with its components, the
// column-major layout lists every shape with one array of values per component. Every entity is
// written, but only the values of components registered with the codec. Decoding spawns fresh
// entities, so ids in the document are remapped, relation targets included.
package snapshot

import (
	"reflect"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"

	"github.com/argus-labs/lattice/pkg/lattice/ecs"
)

var (
	ErrUnknownComponent = eris.New("component isn't registered with the codec")
	ErrUnknownTarget    = eris.New("relation target isn't part of the snapshot")
)

// Format is the layout of an encoded document.
type Format string

const (
	RowMajor    Format = "row"
	ColumnMajor Format = "column"
)

// entityRef is the encoded form of an entity id.
type entityRef struct {
	Index      uint32 `json:"index"`
	Generation uint32 `json:"gen"`
}

func refOf(id ecs.EntityID) entityRef {
	return entityRef{Index: id.Index(), Generation: id.Generation()}
}

// document is the top level JSON object for both layouts.
type document struct {
	Format   Format        `json:"format"`
	Entities []rowEntity   `json:"entities,omitempty"`
	Shapes   []columnShape `json:"shapes,omitempty"`
}

type rowEntity struct {
	ID         entityRef      `json:"id"`
	Components []rowComponent `json:"components"`
}

type rowComponent struct {
	Component string          `json:"component"`
	Target    *entityRef      `json:"target,omitempty"`
	Value     json.RawMessage `json:"value"`
}

type columnShape struct {
	Entities []entityRef `json:"entities"`
	Columns  []column    `json:"columns"`
}

type column struct {
	Component string          `json:"component"`
	Target    *entityRef      `json:"target,omitempty"`
	Values    json.RawMessage `json:"values"`
}

// decoder turns encoded values back into typed values of one component.
type decoder struct {
	typ    reflect.Type
	value  func(json.RawMessage) (any, error) // Returns a T
	values func(json.RawMessage) (any, error) // Returns a []T
}

func decoderFor[T any]() decoder {
	return decoder{
		typ: reflect.TypeFor[T](),
		value: func(raw json.RawMessage) (any, error) {
			var v T
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
		values: func(raw json.RawMessage) (any, error) {
			var vs []T
			if err := json.Unmarshal(raw, &vs); err != nil {
				return nil, err
			}
			return vs, nil
		},
	}
}

// Codec encodes and decodes the components registered with it. Registration must happen before the
// codec is used.
type Codec struct {
	decoders map[string]decoder
}

// NewCodec creates a codec without components.
func NewCodec() *Codec {
	return &Codec{decoders: make(map[string]decoder)}
}

// Register adds a component to the codec. Values are encoded with encoding/json semantics.
func Register[T any](c *Codec, comp ecs.Component[T]) error {
	if comp.IsRelation() {
		return eris.Errorf("register relation %s with RegisterRelation", comp.Desc().Name())
	}
	return c.register(comp.Desc().Name(), decoderFor[T]())
}

// RegisterRelation adds every edge of a relation to the codec.
func RegisterRelation[T any](c *Codec, r ecs.Relation[T]) error {
	return c.register(r.Name(), decoderFor[T]())
}

func (c *Codec) register(name string, d decoder) error {
	if _, ok := c.decoders[name]; ok {
		return eris.Errorf("component %s is already registered", name)
	}
	c.decoders[name] = d
	return nil
}

// -------------------------------------------------------------------------------------------------
// Encoding
// -------------------------------------------------------------------------------------------------

// Encode writes every entity of w. Entities without registered components are written bare so
// relations pointing at them survive a round trip.
func (c *Codec) Encode(w *ecs.World, format Format) ([]byte, error) {
	doc := document{Format: format}
	var err error
	switch format {
	case RowMajor:
		doc.Entities, err = c.encodeRows(w)
	case ColumnMajor:
		doc.Shapes, err = c.encodeColumns(w)
	default:
		return nil, eris.Errorf("unknown snapshot format %q", format)
	}
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, eris.Wrap(err, "failed to marshal snapshot")
	}
	return data, nil
}

// registeredColumns returns the views of the columns the codec knows about.
func (c *Codec) registeredColumns(v ecs.ShapeView) []ecs.ColumnView {
	var cols []ecs.ColumnView
	for col := range v.Columns() {
		if _, ok := c.decoders[col.Desc().Name()]; ok {
			cols = append(cols, col)
		}
	}
	return cols
}

func targetOf(col ecs.ColumnView) *entityRef {
	if !col.Key().IsRelation() {
		return nil
	}
	ref := refOf(col.Key().Target)
	return &ref
}

func (c *Codec) encodeColumns(w *ecs.World) ([]columnShape, error) {
	var shapes []columnShape
	var encodeErr error
	err := w.VisitShapes(func(v ecs.ShapeView) bool {
		cols := c.registeredColumns(v)
		shape := columnShape{Entities: make([]entityRef, 0, v.Len())}
		for _, id := range v.Entities() {
			shape.Entities = append(shape.Entities, refOf(id))
		}
		for _, col := range cols {
			values, err := json.Marshal(col.Values())
			if err != nil {
				encodeErr = eris.Wrapf(err, "failed to encode column %s of shape %d", col.Name(), v.ID())
				return false
			}
			shape.Columns = append(shape.Columns, column{
				Component: col.Desc().Name(),
				Target:    targetOf(col),
				Values:    values,
			})
		}
		if shape.Columns == nil {
			shape.Columns = []column{}
		}
		shapes = append(shapes, shape)
		return true
	})
	if err != nil {
		return nil, eris.Wrap(err, "failed to visit shapes")
	}
	return shapes, encodeErr
}

func (c *Codec) encodeRows(w *ecs.World) ([]rowEntity, error) {
	var rows []rowEntity
	var encodeErr error
	err := w.VisitShapes(func(v ecs.ShapeView) bool {
		cols := c.registeredColumns(v)
		for slot, id := range v.Entities() {
			row := rowEntity{ID: refOf(id), Components: make([]rowComponent, 0, len(cols))}
			for _, col := range cols {
				value, err := json.Marshal(col.At(slot))
				if err != nil {
					encodeErr = eris.Wrapf(err, "failed to encode %s of entity %s", col.Name(), id)
					return false
				}
				row.Components = append(row.Components, rowComponent{
					Component: col.Desc().Name(),
					Target:    targetOf(col),
					Value:     value,
				})
			}
			rows = append(rows, row)
		}
		return true
	})
	if err != nil {
		return nil, eris.Wrap(err, "failed to visit shapes")
	}
	return rows, encodeErr
}

// -------------------------------------------------------------------------------------------------
// Decoding
// -------------------------------------------------------------------------------------------------

// Decode spawns the entities of data into w and returns the mapping from encoded ids to the new
// ids. Components are resolved by name in w's registry. The document is validated before w is
// modified, see Prepare.
func (c *Codec) Decode(w *ecs.World, data []byte) (map[ecs.EntityID]ecs.EntityID, error) {
	plan, err := c.Prepare(w, data)
	if err != nil {
		return nil, err
	}
	return plan.Apply(w)
}

// Plan is a decoded and validated document, ready to be applied to a world.
type Plan struct {
	refs   []entityRef
	known  map[entityRef]struct{}
	rows   []plannedRow
	shapes []plannedShape
}

type plannedValue struct {
	desc   *ecs.ComponentDesc
	target *entityRef
	value  any // T for rows, []T for shapes
}

type plannedRow struct {
	ref    entityRef
	values []plannedValue
}

type plannedShape struct {
	refs    []entityRef
	columns []plannedValue
}

// Len returns the number of entities the plan spawns.
func (p *Plan) Len() int { return len(p.refs) }

// Prepare decodes data and checks it against the components registered in w without modifying w:
// every component is known to the codec and w, every relation target is part of the document and
// every entity holds at most one value per component key and one edge per exclusive relation.
func (c *Codec) Prepare(w *ecs.World, data []byte) (*Plan, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "failed to unmarshal snapshot")
	}

	p := &Plan{known: make(map[entityRef]struct{})}
	switch doc.Format {
	case RowMajor:
		for _, row := range doc.Entities {
			if err := p.addRef(row.ID); err != nil {
				return nil, err
			}
		}
		for _, row := range doc.Entities {
			values, err := c.planRow(w, p, row)
			if err != nil {
				return nil, eris.Wrapf(err, "entity %d", row.ID.Index)
			}
			p.rows = append(p.rows, plannedRow{ref: row.ID, values: values})
		}
	case ColumnMajor:
		for _, shape := range doc.Shapes {
			for _, ref := range shape.Entities {
				if err := p.addRef(ref); err != nil {
					return nil, err
				}
			}
		}
		for i, shape := range doc.Shapes {
			columns, err := c.planShape(w, p, shape)
			if err != nil {
				return nil, eris.Wrapf(err, "shape %d", i)
			}
			p.shapes = append(p.shapes, plannedShape{refs: shape.Entities, columns: columns})
		}
	default:
		return nil, eris.Errorf("unknown snapshot format %q", doc.Format)
	}
	return p, nil
}

func (p *Plan) addRef(ref entityRef) error {
	if _, ok := p.known[ref]; ok {
		return eris.Errorf("entity %d (gen %d) appears twice", ref.Index, ref.Generation)
	}
	p.known[ref] = struct{}{}
	p.refs = append(p.refs, ref)
	return nil
}

func (c *Codec) planRow(w *ecs.World, p *Plan, row rowEntity) ([]plannedValue, error) {
	values := make([]plannedValue, 0, len(row.Components))
	for _, comp := range row.Components {
		dec, desc, err := c.resolve(w, p, comp.Component, comp.Target)
		if err != nil {
			return nil, err
		}
		value, err := dec.value(comp.Value)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to decode %s", comp.Component)
		}
		values = append(values, plannedValue{desc: desc, target: comp.Target, value: value})
	}
	return values, checkKeys(values)
}

func (c *Codec) planShape(w *ecs.World, p *Plan, shape columnShape) ([]plannedValue, error) {
	columns := make([]plannedValue, 0, len(shape.Columns))
	for _, col := range shape.Columns {
		dec, desc, err := c.resolve(w, p, col.Component, col.Target)
		if err != nil {
			return nil, err
		}
		values, err := dec.values(col.Values)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to decode column %s", col.Component)
		}
		if n := reflect.ValueOf(values).Len(); n != len(shape.Entities) {
			return nil, eris.Wrapf(ecs.ErrIncompleteBatch, "column %s has %d values for %d entities",
				col.Component, n, len(shape.Entities))
		}
		columns = append(columns, plannedValue{desc: desc, target: col.Target, value: values})
	}
	return columns, checkKeys(columns)
}

// resolve returns the decoder and description of an encoded component.
func (c *Codec) resolve(w *ecs.World, p *Plan, name string, target *entityRef) (decoder, *ecs.ComponentDesc, error) {
	dec, ok := c.decoders[name]
	if !ok {
		return decoder{}, nil, eris.Wrapf(ErrUnknownComponent, "%s", name)
	}
	desc, err := w.ComponentByName(name)
	if err != nil {
		return decoder{}, nil, err
	}
	if desc.Type() != dec.typ {
		return decoder{}, nil, eris.Wrapf(ecs.ErrTypeMismatch, "%s stores %s, codec decodes %s",
			name, desc.Type(), dec.typ)
	}
	if (target != nil) != desc.IsRelation() {
		return decoder{}, nil, eris.Wrapf(ecs.ErrTypeMismatch, "%s target", name)
	}
	if target != nil {
		if _, ok := p.known[*target]; !ok {
			return decoder{}, nil, eris.Wrapf(ErrUnknownTarget, "%s(%d)", name, target.Index)
		}
	}
	return dec, desc, nil
}

// checkKeys rejects repeated component keys and repeated edges of an exclusive relation.
func checkKeys(values []plannedValue) error {
	type encodedKey struct {
		id     ecs.ComponentID
		target entityRef
	}
	seen := make(map[encodedKey]struct{}, len(values))
	exclusive := make(map[ecs.ComponentID]struct{})
	for _, v := range values {
		key := encodedKey{id: v.desc.ID()}
		if v.target != nil {
			key.target = *v.target
		}
		if _, ok := seen[key]; ok {
			return eris.Wrapf(ecs.ErrDuplicateComponent, "component %s", v.desc.Name())
		}
		seen[key] = struct{}{}
		if v.desc.IsExclusive() {
			if _, ok := exclusive[key.id]; ok {
				return eris.Wrapf(ecs.ErrDuplicateComponent, "exclusive relation %s already has an edge", v.desc.Name())
			}
			exclusive[key.id] = struct{}{}
		}
	}
	return nil
}

// Apply spawns the planned entities into w. It only fails when w refuses structural changes or
// runs out of entity ids, in which case the entities spawned so far are left in w.
func (p *Plan) Apply(w *ecs.World) (map[ecs.EntityID]ecs.EntityID, error) {
	ids := make(map[entityRef]ecs.EntityID, len(p.refs))
	for _, ref := range p.refs {
		id, err := w.TrySpawn()
		if err != nil {
			return nil, eris.Wrap(err, "failed to spawn decoded entity")
		}
		ids[ref] = id
	}
	keyOf := func(v plannedValue) ecs.ComponentKey {
		key := v.desc.Key()
		if v.target != nil {
			key.Target = ids[*v.target]
		}
		return key
	}

	for _, row := range p.rows {
		id := ids[row.ref]
		for _, v := range row.values {
			if err := w.SetAny(id, keyOf(v), v.value); err != nil {
				return nil, eris.Wrapf(err, "entity %d", row.ref.Index)
			}
		}
	}
	for i, shape := range p.shapes {
		if err := applyShape(w, ids, shape, keyOf); err != nil {
			return nil, eris.Wrapf(err, "shape %d", i)
		}
	}

	mapping := make(map[ecs.EntityID]ecs.EntityID, len(ids))
	for ref, id := range ids {
		mapping[ecs.NewEntityID(ref.Index, ref.Generation)] = id
	}
	return mapping, nil
}

func applyShape(
	w *ecs.World, ids map[entityRef]ecs.EntityID, shape plannedShape, keyOf func(plannedValue) ecs.ComponentKey,
) error {
	entities := make([]ecs.EntityID, len(shape.refs))
	for i, ref := range shape.refs {
		entities[i] = ids[ref]
	}

	batch := ecs.NewBatch(len(entities))
	var symmetric []plannedValue
	for _, col := range shape.columns {
		if col.desc.IsSymmetric() {
			// Mirrored edges can't go through a batch, they're set one by one.
			symmetric = append(symmetric, col)
			continue
		}
		if err := batch.AddColumnAny(col.desc, keyOf(col), col.value); err != nil {
			return err
		}
	}
	if err := w.InsertBatch(entities, batch); err != nil {
		return err
	}
	for _, col := range symmetric {
		key := keyOf(col)
		rv := reflect.ValueOf(col.value)
		for i, id := range entities {
			if err := w.SetAny(id, key, rv.Index(i).Interface()); err != nil {
				return err
			}
		}
	}
	return nil
}
