package ecs

import "github.com/rotisserie/eris"

var (
	// ErrEntityNotAlive is returned when an entity id is stale or was never spawned.
	ErrEntityNotAlive = eris.New("entity is not alive")

	// ErrMissingComponent is returned when reading or removing a component the entity doesn't have.
	ErrMissingComponent = eris.New("entity does not have component")

	// ErrNoMatch is returned by QueryBorrow.Get when the entity exists but the query's filter
	// rejects it.
	ErrNoMatch = eris.New("entity does not match query")

	// ErrDuplicateComponent is returned when a batch receives the same component twice.
	ErrDuplicateComponent = eris.New("duplicate component")

	// ErrIncompleteBatch is returned when a batch column doesn't have exactly one value per entity.
	ErrIncompleteBatch = eris.New("incomplete batch")

	// ErrAllocatorExhausted is returned when no entity index can be issued or reused.
	ErrAllocatorExhausted = eris.New("entity allocator exhausted")

	// ErrBorrowConflict is returned when a shared borrow is requested on a column that is
	// mutably borrowed.
	ErrBorrowConflict = eris.New("column is mutably borrowed")

	// ErrBorrowMutConflict is returned when a mutable borrow is requested on a column that is
	// already borrowed.
	ErrBorrowMutConflict = eris.New("column is already borrowed")

	// ErrTypeMismatch is returned when a component handle is used against a column storing a
	// different type, or a name is registered twice with different types.
	ErrTypeMismatch = eris.New("component type mismatch")

	// ErrComponentNotRegistered is returned when a component name or id is unknown to the world.
	ErrComponentNotRegistered = eris.New("component is not registered")

	// ErrRelationCycle is returned by topological traversal when relation edges form a cycle.
	ErrRelationCycle = eris.New("relation edges form a cycle")

	// ErrStructuralChange is returned when the world structure is modified while a schedule batch
	// is executing. Use the system's command buffer instead.
	ErrStructuralChange = eris.New("structural change during batch execution")
)
