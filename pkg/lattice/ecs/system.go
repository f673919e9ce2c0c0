package ecs

import (
	"context"
	"slices"

	"github.com/rs/zerolog"
)

// SystemParam declares part of what a system accesses. Queries, traversals, Resource, WorldAccess
// and Commands are system params.
type SystemParam interface {
	accesses(w *World) []Access
}

var (
	_ SystemParam = (*Query[int])(nil)
	_ SystemParam = (*Dfs[int, int])(nil)
	_ SystemParam = (*Topo[int, int])(nil)
	_ SystemParam = resourceParam{}
	_ SystemParam = worldParam{}
	_ SystemParam = commandsParam{}
)

func (d *Dfs[T, E]) accesses(w *World) []Access  { return d.query.accesses(w) }
func (t *Topo[T, E]) accesses(w *World) []Access { return t.query.accesses(w) }

type resourceParam struct {
	key     string
	mutable bool
}

// Resource declares access to an external resource identified by key. Systems writing the same
// key never run concurrently with other systems using it.
func Resource(key string, mutable bool) SystemParam {
	return resourceParam{key: key, mutable: mutable}
}

func (p resourceParam) accesses(*World) []Access {
	return []Access{{Kind: AccessResource, Resource: p.key, Mutable: p.mutable}}
}

type worldParam struct {
	mutable bool
}

// WorldAccess declares access to every component of the world, for systems using World methods
// directly instead of queries.
func WorldAccess(mutable bool) SystemParam {
	return worldParam{mutable: mutable}
}

func (p worldParam) accesses(*World) []Access {
	return []Access{{Kind: AccessWorld, Mutable: p.mutable}}
}

type commandsParam struct{}

// Commands declares that the system records structural changes in its command buffer.
func Commands() SystemParam { return commandsParam{} }

func (commandsParam) accesses(*World) []Access {
	return []Access{{Kind: AccessStructure, Mutable: true}}
}

// SystemFunc is the body of a system.
type SystemFunc func(ctx *SystemContext) error

// System is a named function together with the accesses it declares.
type System struct {
	name   string
	fn     SystemFunc
	params []SystemParam
}

// NewSystem creates a system. Every column, resource or structural change the function touches
// must be declared through params, otherwise parallel execution fails with borrow conflicts.
func NewSystem(name string, fn SystemFunc, params ...SystemParam) *System {
	return &System{name: name, fn: fn, params: params}
}

// Name returns the system name.
func (s *System) Name() string { return s.name }

// Accesses returns the accesses the system declares on the current shapes of w.
func (s *System) Accesses(w *World) []Access {
	var out []Access
	for _, p := range s.params {
		out = append(out, p.accesses(w)...)
	}
	return slices.Clip(out)
}

// SystemContext is passed to a running system.
type SystemContext struct {
	ctx      context.Context //nolint:containedctx // the context of one system run
	world    *World
	commands *CommandBuffer
	logger   zerolog.Logger
	name     string
}

// Context returns the context of the schedule execution.
func (c *SystemContext) Context() context.Context { return c.ctx }

// World returns the world the system runs against.
func (c *SystemContext) World() *World { return c.world }

// Commands returns the system's command buffer. It is applied after the system's batch.
func (c *SystemContext) Commands() *CommandBuffer { return c.commands }

// Logger returns a logger tagged with the system name.
func (c *SystemContext) Logger() *zerolog.Logger { return &c.logger }

// Name returns the name of the running system.
func (c *SystemContext) Name() string { return c.name }
