package ecs

import (
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rotisserie/eris"
)

// whereFilter evaluates a boolean expression against the components of each slot. The expression
// environment maps every listed component name to its value and _id to the entity index.
type whereFilter struct {
	source  string
	program *vm.Program
	keys    []ComponentKey
	names   []string
}

// Where compiles a boolean expression evaluated for every entity having the listed components,
// for example `health.HP > 200 && team == "red"`.
func Where(expression string, cs ...Keyed) (Filter, error) {
	if len(cs) == 0 {
		return nil, eris.New("where clause needs at least one component")
	}
	program, err := expr.Compile(expression, expr.AsBool())
	if err != nil {
		return nil, eris.Wrap(err, "failed to parse where clause")
	}
	f := whereFilter{source: expression, program: program}
	for _, c := range cs {
		f.keys = append(f.keys, c.Key())
		f.names = append(f.names, c.Name())
	}
	return f, nil
}

func (f whereFilter) String() string {
	return "WHERE(" + f.source + "; " + strings.Join(f.names, ", ") + ")"
}

func (f whereFilter) matchesShape(a *archetype) bool {
	for _, key := range f.keys {
		if !a.has(key) {
			return false
		}
	}
	return true
}

func (whereFilter) static() bool { return false }

func (f whereFilter) searcher(s *searcher) {
	for _, key := range f.keys {
		s.require(key)
	}
}

func (f whereFilter) accesses(a *archetype, dst []Access) []Access {
	for _, key := range f.keys {
		dst = append(dst, columnAccess(a, key, false))
	}
	return dst
}

func (f whereFilter) prepareFilter(ctx *fetchCtx) slotFilter {
	cols := make([]*column, len(f.keys))
	for i, key := range f.keys {
		cols[i] = ctx.arch.column(key)
	}
	return &whereSlots{filter: f, arch: ctx.arch, cols: cols, env: make(map[string]any, len(cols)+1)}
}

type whereSlots struct {
	filter whereFilter
	arch   *archetype
	cols   []*column
	env    map[string]any
	failed error
}

func (s *whereSlots) match(slot int) bool {
	if s.failed != nil {
		return false
	}
	s.env["_id"] = s.arch.entities[slot].Index()
	for i, col := range s.cols {
		s.env[s.filter.names[i]] = col.data.at(slot)
	}
	output, err := expr.Run(s.filter.program, s.env)
	if err != nil {
		s.failed = eris.Wrap(err, "failed to run filter expression")
		return false
	}
	// The program is compiled without an environment, so the result type is only known here.
	ok, isBool := output.(bool)
	if !isBool {
		s.failed = eris.Errorf("invalid where clause %q: result is %T, not bool", s.filter.source, output)
		return false
	}
	return ok
}

func (s *whereSlots) filterSlots(sl Slice) Slice { return predicateSlots(s.match).filterSlots(sl) }

func (s *whereSlots) err() error { return s.failed }
