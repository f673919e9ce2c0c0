package cql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-labs/lattice/pkg/lattice/ecs"
	"github.com/argus-labs/lattice/pkg/testutils"
)

func TestParser(t *testing.T) {
	t.Parallel()
	term, err := internalCQLParser.ParseString("", "!(EXACT(a, b) & EXACT(a)) | CONTAINS(b)")
	require.NoError(t, err)

	want := cqlTerm{
		Left: &cqlValue{Not: &cqlNot{SubExpression: &cqlValue{
			Subexpression: &cqlTerm{
				Left: &cqlValue{Exact: &cqlKeys{Components: []*cqlComponent{{Name: "a"}, {Name: "b"}}}},
				Right: []*cqlOpFactor{{
					Operator: opAnd,
					Value:    &cqlValue{Exact: &cqlKeys{Components: []*cqlComponent{{Name: "a"}}}},
				}},
			},
		}}},
		Right: []*cqlOpFactor{{
			Operator: opOr,
			Value:    &cqlValue{Contains: &cqlKeys{Components: []*cqlComponent{{Name: "b"}}}},
		}},
	}
	assert.Equal(t, want, *term)
}

func TestParser_ChangeAndAll(t *testing.T) {
	t.Parallel()
	term, err := internalCQLParser.ParseString("", "ALL() & MODIFIED(a) | REMOVED(b)")
	require.NoError(t, err)
	assert.True(t, term.Left.All)
	require.Len(t, term.Right, 2)
	assert.Equal(t, &cqlChange{Kind: "MODIFIED", Component: &cqlComponent{Name: "a"}}, term.Right[0].Value.Change)
	assert.Equal(t, opOr, term.Right[1].Operator)
	assert.Equal(t, "REMOVED", term.Right[1].Value.Change.Kind)
}

// world is a small world with four entity shapes.
type world struct {
	w        *ecs.World
	pos      ecs.Component[testutils.Position]
	vel      ecs.Component[testutils.Velocity]
	health   ecs.Component[testutils.Health]
	childOf  ecs.Relation[testutils.ChildOf]
	entities []ecs.EntityID
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{w: ecs.NewWorld()}
	var err error
	w.pos, err = ecs.RegisterComponent[testutils.Position](w.w, "position")
	require.NoError(t, err)
	w.vel, err = ecs.RegisterComponent[testutils.Velocity](w.w, "velocity")
	require.NoError(t, err)
	w.health, err = ecs.RegisterComponent[testutils.Health](w.w, "health")
	require.NoError(t, err)
	w.childOf, err = ecs.RegisterRelation[testutils.ChildOf](w.w, "child_of")
	require.NoError(t, err)

	parent := w.w.Spawn()
	require.NoError(t, ecs.Set(w.w, parent, w.pos, testutils.Position{}))
	moving := w.w.Spawn()
	require.NoError(t, ecs.Set(w.w, moving, w.pos, testutils.Position{}))
	require.NoError(t, ecs.Set(w.w, moving, w.vel, testutils.Velocity{}))
	alive := w.w.Spawn()
	require.NoError(t, ecs.Set(w.w, alive, w.health, testutils.Health{Value: 3}))
	child := w.w.Spawn()
	require.NoError(t, ecs.Set(w.w, child, w.childOf.Of(parent), testutils.ChildOf{}))
	require.NoError(t, ecs.Set(w.w, child, w.health, testutils.Health{Value: 1}))
	w.entities = []ecs.EntityID{parent, moving, alive, child}
	return w
}

func (w *world) match(t *testing.T, f ecs.Filter) []ecs.EntityID {
	t.Helper()
	ids, err := ecs.NewQuery(ecs.Entities()).Filter(f).Collect(w.w)
	require.NoError(t, err)
	return ids
}

func TestParseWorld(t *testing.T) {
	t.Parallel()
	w := newWorld(t)

	tests := []struct {
		cql  string
		want ecs.Filter
	}{
		{"ALL()", ecs.All()},
		{"CONTAINS(position)", ecs.Contains(w.pos)},
		{"EXACT(position)", ecs.Exact(w.pos)},
		{"CONTAINS(position, velocity)", ecs.Contains(w.pos, w.vel)},
		{"!CONTAINS(velocity)", ecs.Not(ecs.Contains(w.vel))},
		{"CONTAINS(health) & !CONTAINS(child_of)", ecs.And(ecs.Contains(w.health), ecs.Not(ecs.WithRelation(w.childOf)))},
		{"EXACT(position) | CONTAINS(child_of)", ecs.Or(ecs.Exact(w.pos), ecs.WithRelation(w.childOf))},
		{"CONTAINS(position) & (EXACT(position) | CONTAINS(velocity))",
			ecs.And(ecs.Contains(w.pos), ecs.Or(ecs.Exact(w.pos), ecs.Contains(w.vel)))},
		{"ADDED(health)", ecs.Added(w.health)},
		{"MODIFIED(position) & !EXACT(position)", ecs.And(ecs.Modified(w.pos), ecs.Not(ecs.Exact(w.pos)))},
	}
	for _, tt := range tests {
		t.Run(tt.cql, func(t *testing.T) {
			got, err := ParseWorld(w.w, tt.cql)
			require.NoError(t, err)
			assert.Equal(t, tt.want.String(), got.String())
			assert.Equal(t, w.match(t, tt.want), w.match(t, got))
		})
	}
}

func TestParse_LeftToRight(t *testing.T) {
	t.Parallel()
	w := newWorld(t)

	// (velocity | health) & child_of, not velocity | (health & child_of).
	got, err := ParseWorld(w.w, "CONTAINS(velocity) | CONTAINS(health) & CONTAINS(child_of)")
	require.NoError(t, err)
	assert.Equal(t, []ecs.EntityID{w.entities[3]}, w.match(t, got))
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()
	w := newWorld(t)

	tests := []struct {
		name string
		cql  string
		is   error
	}{
		{"syntax", "CONTAINS(position", nil},
		{"empty parameters", "CONTAINS()", nil},
		{"unknown operator", "ALL() ^ ALL()", nil},
		{"unknown component", "CONTAINS(mana)", ecs.ErrComponentNotRegistered},
		{"exact relation", "EXACT(child_of)", nil},
		{"tracked relation", "MODIFIED(child_of)", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseWorld(w.w, tt.cql)
			require.Error(t, err)
			if tt.is != nil {
				require.ErrorIs(t, err, tt.is)
			}
		})
	}
}
