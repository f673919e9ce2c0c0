package ecs

import (
	"slices"

	"github.com/argus-labs/lattice/pkg/assert"
)

// shapeGraph owns every archetype. Archetypes form a trie over their sorted keys rooted at the
// empty archetype: the trie child of a node under key k holds the node's keys plus k, where k sorts
// after every key of the node. Single key transitions are cached as add/remove edges so moving an
// entity walks at most one edge.
type shapeGraph struct {
	archs   []*archetype // Indexed by id, nil when the slot is free
	free    []archetypeID
	nextSeq uint64
	gen     uint64 // Bumped whenever an archetype is created or removed
	descOf  func(ComponentKey) *ComponentDesc

	onCreate func(*archetype)
}

func newShapeGraph(descOf func(ComponentKey) *ComponentDesc) shapeGraph {
	g := shapeGraph{descOf: descOf}
	root := newArchetype(rootArchetype, 0, nil, descOf)
	g.archs = append(g.archs, root)
	g.nextSeq = 1
	return g
}

func (g *shapeGraph) root() *archetype {
	return g.archs[rootArchetype]
}

// get returns the archetype with the given id. The id must be live.
func (g *shapeGraph) get(id archetypeID) *archetype {
	a := g.archs[id]
	assert.That(a != nil, "archetype %d doesn't exist", id)
	return a
}

// count returns the number of live archetypes, including the root.
func (g *shapeGraph) count() int {
	n := 0
	for _, a := range g.archs {
		if a != nil {
			n++
		}
	}
	return n
}

// all returns the live archetypes in creation order.
func (g *shapeGraph) all() []*archetype {
	out := make([]*archetype, 0, len(g.archs))
	for _, a := range g.archs {
		if a != nil {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b *archetype) int { return int(a.seq) - int(b.seq) })
	return out
}

// child returns the trie child of a under key, creating it if needed.
func (g *shapeGraph) child(a *archetype, key ComponentKey) *archetype {
	if id, ok := a.add[key]; ok {
		if c := g.archs[id]; c != nil && len(c.keys) == len(a.keys)+1 && c.parent == a.id {
			return c
		}
	}

	keys := make([]ComponentKey, len(a.keys)+1)
	copy(keys, a.keys)
	keys[len(a.keys)] = key

	c := g.create(keys)
	c.parent = a.id
	pos, _ := slices.BinarySearchFunc(a.children, key, compareKey)
	a.children = slices.Insert(a.children, pos, key)
	g.link(a, c, key)
	return c
}

// create allocates a new archetype for keys. Trie links are set up by the caller.
func (g *shapeGraph) create(keys []ComponentKey) *archetype {
	var id archetypeID
	if n := len(g.free); n > 0 {
		id = g.free[n-1]
		g.free = g.free[:n-1]
	} else {
		id = archetypeID(len(g.archs))
		g.archs = append(g.archs, nil)
	}

	a := newArchetype(id, g.nextSeq, keys, g.descOf)
	g.nextSeq++
	g.gen++
	g.archs[id] = a
	if g.onCreate != nil {
		g.onCreate(a)
	}
	return a
}

// link caches the transition a + key = b in both directions.
func (g *shapeGraph) link(a, b *archetype, key ComponentKey) {
	a.add[key] = b.id
	b.remove[key] = a.id
}

// find returns the archetype with exactly keys, creating it and its trie prefixes if needed. The
// walk is O(len(keys)).
func (g *shapeGraph) find(keys []ComponentKey) *archetype {
	assert.That(slices.IsSortedFunc(keys, compareKey), "keys must be sorted")
	cur := g.root()
	for _, key := range keys {
		cur = g.child(cur, key)
	}
	return cur
}

// withKey returns the archetype of a plus key, following the cached edge when there is one.
func (g *shapeGraph) withKey(a *archetype, key ComponentKey) *archetype {
	if id, ok := a.add[key]; ok {
		return g.get(id)
	}
	assert.That(!a.has(key), "archetype %d already has %s", a.id, key)

	keys := make([]ComponentKey, 0, len(a.keys)+1)
	pos, _ := a.index(key)
	keys = append(keys, a.keys[:pos]...)
	keys = append(keys, key)
	keys = append(keys, a.keys[pos:]...)

	b := g.find(keys)
	g.link(a, b, key)
	return b
}

// withoutKey returns the archetype of a minus key, following the cached edge when there is one.
func (g *shapeGraph) withoutKey(a *archetype, key ComponentKey) *archetype {
	if id, ok := a.remove[key]; ok {
		return g.get(id)
	}
	pos, ok := a.index(key)
	assert.That(ok, "archetype %d doesn't have %s", a.id, key)

	keys := slices.Delete(slices.Clone(a.keys), pos, pos+1)
	b := g.find(keys)
	g.link(b, a, key)
	return b
}

// search calls visit for every archetype whose keys are a superset of s.required and that contain
// none of s.excluded. The trie walk follows equal edges, descends smaller edges and prunes edges
// sorting past the next required key.
func (g *shapeGraph) search(s *searcher, visit func(*archetype)) {
	var walk func(a *archetype, required []ComponentKey)
	walk = func(a *archetype, required []ComponentKey) {
		if len(required) == 0 {
			visit(a)
		}
		for _, key := range a.children {
			if s.isExcluded(key) {
				continue
			}
			next := required
			if len(required) > 0 {
				c := compareKey(key, required[0])
				if c > 0 {
					break
				}
				if c == 0 {
					next = required[1:]
				}
			}
			walk(g.get(a.add[key]), next)
		}
	}
	walk(g.root(), s.required)
}

// removeArchetype unlinks an empty archetype without trie children from the graph.
func (g *shapeGraph) removeArchetype(a *archetype) {
	assert.That(a.id != rootArchetype, "cannot remove the root archetype")
	assert.That(a.len() == 0, "cannot remove archetype %d holding %d entities", a.id, a.len())
	assert.That(len(a.children) == 0, "cannot remove archetype %d with trie children", a.id)

	for key, id := range a.add {
		if b := g.archs[id]; b != nil && b.remove[key] == a.id {
			delete(b.remove, key)
		}
	}
	for key, id := range a.remove {
		if b := g.archs[id]; b != nil && b.add[key] == a.id {
			delete(b.add, key)
		}
	}
	if parent := g.archs[a.parent]; parent != nil {
		last := a.keys[len(a.keys)-1]
		if pos, ok := slices.BinarySearchFunc(parent.children, last, compareKey); ok {
			parent.children = slices.Delete(parent.children, pos, pos+1)
		}
		delete(parent.add, last)
	}

	g.archs[a.id] = nil
	g.free = append(g.free, a.id)
	g.gen++
}

// prune removes every archetype that holds no entities and has no trie descendant holding
// entities. The root is kept. It returns the number of archetypes removed.
func (g *shapeGraph) prune() int {
	removed := 0
	var walk func(a *archetype) bool // Reports whether a was removed
	walk = func(a *archetype) bool {
		for _, key := range slices.Clone(a.children) {
			walk(g.get(a.add[key]))
		}
		if a.id == rootArchetype || a.len() > 0 || len(a.children) > 0 {
			return false
		}
		g.removeArchetype(a)
		removed++
		return true
	}
	walk(g.root())
	return removed
}

// removeWhere removes every archetype matching pred along with its trie subtree. The archetypes
// must be empty.
func (g *shapeGraph) removeWhere(pred func(*archetype) bool) int {
	var doomed []*archetype
	for _, a := range g.archs {
		if a != nil && a.id != rootArchetype && pred(a) {
			doomed = append(doomed, a)
		}
	}
	// Children have more keys than their parents, remove them first.
	slices.SortFunc(doomed, func(a, b *archetype) int { return len(b.keys) - len(a.keys) })
	for _, a := range doomed {
		g.removeArchetype(a)
	}
	return len(doomed)
}
