package ecs

import (
	"iter"

	"github.com/rotisserie/eris"
)

// nodeItem is the item of the query backing a traversal.
type nodeItem[T, E any] = Tuple2[EntityID, Tuple2[T, []RelationItem[E]]]

func newNodeQuery[T, E any](fetch Fetch[T], rel Relation[E]) *Query[nodeItem[T, E]] {
	return NewQuery(Join2(Entities(), Join2(fetch, Relations(rel))))
}

type relationNode[T, E any] struct {
	id          EntityID
	item        T
	edges       []RelationItem[E] // Edges held by the node, pointing at its parents
	children    []relationEdge[E] // Matched entities holding an edge to this node, in query order
	parents     []int             // Matched parents
	parentEdges []*E              // Edge values, parallel to parents
}

type relationEdge[E any] struct {
	node  int
	value *E
}

// relationGraph is the forest spanned by a relation over the entities matched by a query. An edge
// held by a child points at its parent.
type relationGraph[T, E any] struct {
	borrow *QueryBorrow[nodeItem[T, E]]
	nodes  []relationNode[T, E]
	index  map[EntityID]int
}

func buildRelationGraph[T, E any](w *World, q *Query[nodeItem[T, E]]) (*relationGraph[T, E], error) {
	b, err := q.Borrow(w)
	if err != nil {
		return nil, err
	}
	g := &relationGraph[T, E]{borrow: b, index: make(map[EntityID]int)}
	for it := range b.Iter() {
		g.index[it.A] = len(g.nodes)
		g.nodes = append(g.nodes, relationNode[T, E]{id: it.A, item: it.B.A, edges: it.B.B})
	}
	if err := b.Err(); err != nil {
		b.Release()
		return nil, err
	}
	for i := range g.nodes {
		for _, e := range g.nodes[i].edges {
			p, ok := g.index[e.Target]
			if !ok {
				continue
			}
			g.nodes[p].children = append(g.nodes[p].children, relationEdge[E]{node: i, value: e.Value})
			g.nodes[i].parents = append(g.nodes[i].parents, p)
			g.nodes[i].parentEdges = append(g.nodes[i].parentEdges, e.Value)
		}
	}
	return g, nil
}

func (g *relationGraph[T, E]) release() { g.borrow.Release() }

// -------------------------------------------------------------------------------------------------
// Depth first traversal
// -------------------------------------------------------------------------------------------------

// Dfs walks a relation depth first, from parents to the entities holding an edge to them.
type Dfs[T, E any] struct {
	query *Query[nodeItem[T, E]]
	root  EntityID
	roots bool
}

// NewDfs walks the relation starting at root. Only entities matched by fetch are visited.
func NewDfs[T, E any](fetch Fetch[T], rel Relation[E], root EntityID) *Dfs[T, E] {
	return &Dfs[T, E]{query: newNodeQuery(fetch, rel), root: root}
}

// NewDfsRoots walks the relation starting at every matched entity that holds no edge of it.
func NewDfsRoots[T, E any](fetch Fetch[T], rel Relation[E]) *Dfs[T, E] {
	return &Dfs[T, E]{query: newNodeQuery(fetch, rel), roots: true}
}

// Filter restricts the visited entities.
func (d *Dfs[T, E]) Filter(f Filter) *Dfs[T, E] {
	d.query.Filter(f)
	return d
}

// Borrow locks the columns of the traversal. The borrow must be released.
func (d *Dfs[T, E]) Borrow(w *World) (*DfsBorrow[T, E], error) {
	g, err := buildRelationGraph(w, d.query)
	if err != nil {
		return nil, err
	}
	b := &DfsBorrow[T, E]{graph: g, onPath: make([]bool, len(g.nodes))}
	if d.roots {
		for i := range g.nodes {
			if len(g.nodes[i].edges) == 0 {
				b.starts = append(b.starts, i)
			}
		}
	} else if i, ok := g.index[d.root]; ok {
		b.starts = []int{i}
	}
	return b, nil
}

// Each calls fn for every visited entity in depth first pre-order.
func (d *Dfs[T, E]) Each(w *World, fn func(T)) error {
	b, err := d.Borrow(w)
	if err != nil {
		return err
	}
	defer b.Release()
	for item := range b.Iter() {
		fn(item)
	}
	return nil
}

// DfsBorrow is an active depth first traversal.
type DfsBorrow[T, E any] struct {
	graph  *relationGraph[T, E]
	starts []int
	onPath []bool
}

// walk visits node and its descendants in pre-order until visit returns false. Children already on
// the current path are skipped so cycles terminate.
func (b *DfsBorrow[T, E]) walk(node int, visit func(node int) bool) bool {
	if !visit(node) {
		return false
	}
	b.onPath[node] = true
	defer func() { b.onPath[node] = false }()
	for _, child := range b.graph.nodes[node].children {
		if b.onPath[child.node] {
			continue
		}
		if !b.walk(child.node, visit) {
			return false
		}
	}
	return true
}

// Iter yields the visited items in depth first pre-order. An entity reachable through several
// paths is yielded once per path.
func (b *DfsBorrow[T, E]) Iter() iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, start := range b.starts {
			if !b.walk(start, func(node int) bool { return yield(b.graph.nodes[node].item) }) {
				return
			}
		}
	}
}

// Release drops the column borrows of the traversal.
func (b *DfsBorrow[T, E]) Release() { b.graph.release() }

// TraverseDfs folds the traversal from the start entities down. visit receives the item, the edge
// leading to it (nil for a start entity) and the value returned for its parent (init for a start
// entity).
func TraverseDfs[T, E, V any](b *DfsBorrow[T, E], init V, visit func(item T, edge *E, parent V) V) {
	var walk func(node int, edge *E, parent V)
	walk = func(node int, edge *E, parent V) {
		v := visit(b.graph.nodes[node].item, edge, parent)
		b.onPath[node] = true
		for _, child := range b.graph.nodes[node].children {
			if !b.onPath[child.node] {
				walk(child.node, child.value, v)
			}
		}
		b.onPath[node] = false
	}
	for _, start := range b.starts {
		walk(start, nil, init)
	}
}

// -------------------------------------------------------------------------------------------------
// Topological traversal
// -------------------------------------------------------------------------------------------------

// Topo visits every matched entity once, after all the matched entities it holds an edge to.
type Topo[T, E any] struct {
	query *Query[nodeItem[T, E]]
}

// NewTopo orders the entities matched by fetch along the relation.
func NewTopo[T, E any](fetch Fetch[T], rel Relation[E]) *Topo[T, E] {
	return &Topo[T, E]{query: newNodeQuery(fetch, rel)}
}

// Filter restricts the visited entities.
func (t *Topo[T, E]) Filter(f Filter) *Topo[T, E] {
	t.query.Filter(f)
	return t
}

// Borrow locks the columns of the traversal and computes the order. It fails with
// ErrRelationCycle when the edges between matched entities form a cycle.
func (t *Topo[T, E]) Borrow(w *World) (*TopoBorrow[T, E], error) {
	g, err := buildRelationGraph(w, t.query)
	if err != nil {
		return nil, err
	}

	inDegree := make([]int, len(g.nodes))
	var queue []int
	for i := range g.nodes {
		inDegree[i] = len(g.nodes[i].parents)
		if inDegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]int, 0, len(g.nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, c := range g.nodes[n].children {
			inDegree[c.node]--
			if inDegree[c.node] == 0 {
				queue = append(queue, c.node)
			}
		}
	}

	if len(order) != len(g.nodes) {
		g.release()
		return nil, eris.Wrapf(ErrRelationCycle, "%d of %d entities could be ordered", len(order), len(g.nodes))
	}
	return &TopoBorrow[T, E]{graph: g, order: order}, nil
}

// Each calls fn for every entity in topological order.
func (t *Topo[T, E]) Each(w *World, fn func(T)) error {
	b, err := t.Borrow(w)
	if err != nil {
		return err
	}
	defer b.Release()
	for item := range b.Iter() {
		fn(item)
	}
	return nil
}

// TopoBorrow is an active topological traversal.
type TopoBorrow[T, E any] struct {
	graph *relationGraph[T, E]
	order []int
}

// Iter yields the items in topological order.
func (b *TopoBorrow[T, E]) Iter() iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, n := range b.order {
			if !yield(b.graph.nodes[n].item) {
				return
			}
		}
	}
}

// Release drops the column borrows of the traversal.
func (b *TopoBorrow[T, E]) Release() { b.graph.release() }

// TraverseTopo folds the traversal in topological order. visit receives the item, the edges to its
// matched parents and the values computed for them, in target order. Entities without matched
// parents receive no edges and a single parent value, init.
func TraverseTopo[T, E, V any](b *TopoBorrow[T, E], init V, visit func(item T, edges []*E, parents []V) V) {
	values := make([]V, len(b.graph.nodes))
	for _, n := range b.order {
		node := &b.graph.nodes[n]
		parents := []V{init}
		if len(node.parents) > 0 {
			parents = make([]V, len(node.parents))
			for i, p := range node.parents {
				parents[i] = values[p]
			}
		}
		values[n] = visit(node.item, node.parentEdges, parents)
	}
}
