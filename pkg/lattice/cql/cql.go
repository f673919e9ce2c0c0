// Package cql parses the component query language into ecs filters.
//
//	CONTAINS(position, velocity) & !EXACT(tag) | MODIFIED(health)
//
// Operators are applied left to right without precedence; use parentheses to group.
package cql

import (
	"github.com/alecthomas/participle/v2"
	"github.com/rotisserie/eris"

	"github.com/argus-labs/lattice/pkg/lattice/ecs"
)

type cqlOperator int

const (
	opAnd cqlOperator = iota
	opOr
)

var operatorMap = map[string]cqlOperator{"&": opAnd, "|": opOr}

// Capture tells the parser how to transform an operator token into the operator type.
func (o *cqlOperator) Capture(s []string) error {
	if len(s) == 0 {
		return eris.New("invalid operator")
	}
	operator, ok := operatorMap[s[0]]
	if !ok {
		return eris.Errorf("invalid operator %q", s[0])
	}
	*o = operator
	return nil
}

type cqlComponent struct {
	Name string `@Ident`
}

type cqlNot struct {
	SubExpression *cqlValue `"!" @@`
}

type cqlKeys struct {
	Components []*cqlComponent `"(" (@@ ",")* @@ ")"`
}

type cqlChange struct {
	Kind      string        `@("MODIFIED" | "ADDED" | "REMOVED")`
	Component *cqlComponent `"(" @@ ")"`
}

type cqlValue struct {
	All           bool       `@("ALL" "(" ")")`
	Exact         *cqlKeys   `| "EXACT" @@`
	Contains      *cqlKeys   `| "CONTAINS" @@`
	Change        *cqlChange `| @@`
	Not           *cqlNot    `| @@`
	Subexpression *cqlTerm   `| "(" @@ ")"`
}

type cqlOpFactor struct {
	Operator cqlOperator `@("&" | "|")`
	Value    *cqlValue   `@@`
}

type cqlTerm struct {
	Left  *cqlValue      `@@`
	Right []*cqlOpFactor `@@*`
}

var internalCQLParser = participle.MustBuild[cqlTerm]()

// Resolver maps a component name to its description, usually World.ComponentByName.
type Resolver func(name string) (*ecs.ComponentDesc, error)

// Parse parses cqlText into a filter, resolving component names with resolve.
func Parse(cqlText string, resolve Resolver) (ecs.Filter, error) {
	term, err := internalCQLParser.ParseString("", cqlText)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse %q", cqlText)
	}
	return termToFilter(term, resolve)
}

// ParseWorld parses cqlText against the component registry of w.
func ParseWorld(w *ecs.World, cqlText string) (ecs.Filter, error) {
	return Parse(cqlText, w.ComponentByName)
}

func termToFilter(term *cqlTerm, resolve Resolver) (ecs.Filter, error) {
	if term.Left == nil {
		return nil, eris.New("not enough values in expression")
	}
	acc, err := valueToFilter(term.Left, resolve)
	if err != nil {
		return nil, err
	}
	for _, opFactor := range term.Right {
		right, err := valueToFilter(opFactor.Value, resolve)
		if err != nil {
			return nil, err
		}
		switch opFactor.Operator {
		case opAnd:
			acc = ecs.And(acc, right)
		case opOr:
			acc = ecs.Or(acc, right)
		default:
			return nil, eris.New("invalid operator")
		}
	}
	return acc, nil
}

func valueToFilter(value *cqlValue, resolve Resolver) (ecs.Filter, error) {
	switch {
	case value.All:
		return ecs.All(), nil
	case value.Not != nil:
		inner, err := valueToFilter(value.Not.SubExpression, resolve)
		if err != nil {
			return nil, err
		}
		return ecs.Not(inner), nil
	case value.Exact != nil:
		descs, err := resolveAll(value.Exact.Components, resolve)
		if err != nil {
			return nil, err
		}
		keyed := make([]ecs.Keyed, 0, len(descs))
		for _, desc := range descs {
			if desc.IsRelation() {
				return nil, eris.Errorf("EXACT can't match relation %s without a target", desc.Name())
			}
			keyed = append(keyed, desc)
		}
		return ecs.Exact(keyed...), nil
	case value.Contains != nil:
		descs, err := resolveAll(value.Contains.Components, resolve)
		if err != nil {
			return nil, err
		}
		filters := make([]ecs.Filter, 0, len(descs))
		var keyed []ecs.Keyed
		for _, desc := range descs {
			if desc.IsRelation() {
				// Any edge of the relation, whatever its target.
				filters = append(filters, ecs.WithRelation(desc))
			} else {
				keyed = append(keyed, desc)
			}
		}
		if len(keyed) > 0 {
			filters = append(filters, ecs.Contains(keyed...))
		}
		return ecs.And(filters...), nil
	case value.Change != nil:
		desc, err := resolveOne(value.Change.Component, resolve)
		if err != nil {
			return nil, err
		}
		if desc.IsRelation() {
			return nil, eris.Errorf("%s can't track relation %s without a target", value.Change.Kind, desc.Name())
		}
		switch value.Change.Kind {
		case "MODIFIED":
			return ecs.Modified(desc), nil
		case "ADDED":
			return ecs.Added(desc), nil
		default:
			return ecs.Removed(desc), nil
		}
	case value.Subexpression != nil:
		return termToFilter(value.Subexpression, resolve)
	}
	return nil, eris.New("unknown error during conversion from CQL AST to filter")
}

func resolveOne(c *cqlComponent, resolve Resolver) (*ecs.ComponentDesc, error) {
	desc, err := resolve(c.Name)
	if err != nil {
		return nil, eris.Wrapf(err, "unknown component %q", c.Name)
	}
	return desc, nil
}

func resolveAll(cs []*cqlComponent, resolve Resolver) ([]*ecs.ComponentDesc, error) {
	if len(cs) == 0 {
		return nil, eris.New("expected at least one component")
	}
	descs := make([]*ecs.ComponentDesc, 0, len(cs))
	for _, c := range cs {
		desc, err := resolveOne(c, resolve)
		if err != nil {
			return nil, err
		}
		descs = append(descs, desc)
	}
	return descs, nil
}
