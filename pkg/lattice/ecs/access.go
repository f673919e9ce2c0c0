package ecs

import (
	"fmt"
	"slices"
)

// AccessKind is the kind of resource a system or query touches.
type AccessKind uint8

const (
	// AccessColumn is a component column in one shape.
	AccessColumn AccessKind = iota
	// AccessResource is an external resource identified by a caller supplied key.
	AccessResource
	// AccessWorld is unrestricted access to every component of the world.
	AccessWorld
	// AccessStructure is the set of shapes and entities. Mutable, it is a structural change recorded
	// in a command buffer and conflicts with every column, world and structure access. Shared, it is
	// declared by every query, whose matched shapes depend on it.
	AccessStructure
)

// Access is one declared access of a system.
type Access struct {
	Kind     AccessKind
	Shape    int          // Shape id for AccessColumn
	Key      ComponentKey // Component key for AccessColumn
	Resource string       // Resource key for AccessResource
	Mutable  bool
}

func (a Access) String() string {
	mode := "read"
	if a.Mutable {
		mode = "write"
	}
	switch a.Kind {
	case AccessColumn:
		return fmt.Sprintf("%s column %s in shape %d", mode, a.Key, a.Shape)
	case AccessResource:
		return fmt.Sprintf("%s resource %q", mode, a.Resource)
	case AccessWorld:
		return mode + " world"
	case AccessStructure:
		if a.Mutable {
			return "structural change"
		}
		return "read structure"
	}
	return "unknown access"
}

// target returns the identity of the accessed resource, ignoring mutability.
func (a Access) target() Access {
	a.Mutable = false
	return a
}

func columnAccess(a *archetype, key ComponentKey, mutable bool) Access {
	return Access{Kind: AccessColumn, Shape: int(a.id), Key: key, Mutable: mutable}
}

// searcher accumulates the keys a query requires and excludes. It drives the trie search.
type searcher struct {
	required []ComponentKey
	excluded []ComponentKey
}

func (s *searcher) require(key ComponentKey) { s.required = append(s.required, key) }
func (s *searcher) exclude(key ComponentKey) { s.excluded = append(s.excluded, key) }

// finalize sorts and deduplicates the key sets.
func (s *searcher) finalize() {
	slices.SortFunc(s.required, compareKey)
	s.required = slices.Compact(s.required)
	slices.SortFunc(s.excluded, compareKey)
	s.excluded = slices.Compact(s.excluded)
}

func (s *searcher) isExcluded(key ComponentKey) bool {
	_, ok := slices.BinarySearchFunc(s.excluded, key, compareKey)
	return ok
}

// fetchCtx is passed to fetches and filters when they are prepared for one shape. The columns they
// touch are already borrowed by the query.
type fetchCtx struct {
	w       *World
	arch    *archetype
	oldTick Tick // Changes after this tick are visible to change filters
	newTick Tick // Tick stamped by mutable accesses
}
