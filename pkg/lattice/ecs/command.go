package ecs

import (
	"errors"

	"github.com/rotisserie/eris"
)

// Value is a component value to insert, built with ComponentValue.
type Value struct {
	name string
	set  func(w *World, id EntityID) error
}

// ComponentValue pairs a component with a value for CommandBuffer.Spawn and Insert.
func ComponentValue[T any](c Component[T], value T) Value {
	return Value{
		name: c.Name(),
		set:  func(w *World, id EntityID) error { return Set(w, id, c, value) },
	}
}

type command struct {
	name  string
	apply func(w *World) error
}

// CommandBuffer records structural changes to apply later, after the systems of a batch finished.
// It is not safe for concurrent use; every system receives its own.
type CommandBuffer struct {
	commands []command
}

// NewCommandBuffer creates an empty buffer.
func NewCommandBuffer() *CommandBuffer {
	return &CommandBuffer{}
}

// Len returns the number of recorded commands.
func (c *CommandBuffer) Len() int { return len(c.commands) }

func (c *CommandBuffer) push(name string, apply func(w *World) error) {
	c.commands = append(c.commands, command{name: name, apply: apply})
}

// Spawn records the spawn of an entity with the given values. then, when not nil, is called with
// the new id once the entity exists.
func (c *CommandBuffer) Spawn(then func(EntityID), values ...Value) {
	c.push("spawn", func(w *World) error {
		id, err := w.TrySpawn()
		if err != nil {
			return err
		}
		for _, v := range values {
			if err := v.set(w, id); err != nil {
				return eris.Wrapf(err, "spawned entity %s: set %s", id, v.name)
			}
		}
		if then != nil {
			then(id)
		}
		return nil
	})
}

// SpawnBatch records a batch spawn.
func (c *CommandBuffer) SpawnBatch(b *Batch) {
	c.push("spawn batch", func(w *World) error {
		_, err := w.SpawnBatch(b)
		return err
	})
}

// Insert records setting values on an existing entity.
func (c *CommandBuffer) Insert(id EntityID, values ...Value) {
	c.push("insert", func(w *World) error {
		for _, v := range values {
			if err := v.set(w, id); err != nil {
				return eris.Wrapf(err, "set %s", v.name)
			}
		}
		return nil
	})
}

// Remove records the removal of a component key from an entity.
func (c *CommandBuffer) Remove(id EntityID, key ComponentKey) {
	c.push("remove", func(w *World) error { return w.RemoveKey(id, key) })
}

// Despawn records the despawn of an entity.
func (c *CommandBuffer) Despawn(id EntityID) {
	c.push("despawn", func(w *World) error { return w.Despawn(id) })
}

// DespawnRecursive records a recursive despawn along a relation.
func (c *CommandBuffer) DespawnRecursive(id EntityID, relation Identified) {
	c.push("despawn recursive", func(w *World) error { return w.DespawnRecursive(id, relation.ID()) })
}

// Defer records an arbitrary function run against the world.
func (c *CommandBuffer) Defer(fn func(w *World) error) {
	c.push("deferred", fn)
}

// Apply runs the recorded commands in order against w and empties the buffer. A failing command
// doesn't stop the following ones, all errors are returned joined.
func (c *CommandBuffer) Apply(w *World) error {
	var errs []error
	for i, cmd := range c.commands {
		if err := cmd.apply(w); err != nil {
			errs = append(errs, eris.Wrapf(err, "command %d (%s)", i, cmd.name))
		}
	}
	clear(c.commands)
	c.commands = c.commands[:0]
	return errors.Join(errs...)
}
