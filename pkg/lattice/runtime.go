// Package lattice wires an ECS world, its schedule and telemetry into a runtime.
package lattice

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/argus-labs/lattice/pkg/lattice/cql"
	"github.com/argus-labs/lattice/pkg/lattice/ecs"
	"github.com/argus-labs/lattice/pkg/lattice/snapshot"
	"github.com/argus-labs/lattice/pkg/telemetry"
)

// Runtime owns a world and the schedule executed against it.
type Runtime struct {
	world    *ecs.World
	schedule *ecs.Schedule
	codec    *snapshot.Codec

	tickHeight uint64
	options    Options
	tel        telemetry.Telemetry
	logger     zerolog.Logger
}

// New creates a runtime. Environment variables are loaded first and opts override them.
func New(opts Options) (*Runtime, error) {
	cfg, err := loadRuntimeConfig()
	if err != nil {
		return nil, eris.Wrap(err, "failed to load runtime config")
	}
	options := newDefaultOptions()
	cfg.applyToOptions(&options)
	options.apply(opts)
	if err := options.validate(); err != nil {
		return nil, eris.Wrap(err, "invalid runtime options")
	}

	tel, err := telemetry.New(telemetry.Options{ServiceName: options.ServiceName})
	if err != nil {
		return nil, eris.Wrap(err, "failed to initialize telemetry")
	}

	world := ecs.NewWorld(ecs.WithLogger(tel.GetLogger("world")))
	schedule := ecs.NewSchedule(
		ecs.WithWorkers(options.Workers),
		ecs.WithScheduleLogger(tel.GetLogger("schedule")),
		ecs.WithTracer(tel.Tracer),
		ecs.WithMetrics(tel.Metrics),
	)

	return &Runtime{
		world:    world,
		schedule: schedule,
		codec:    snapshot.NewCodec(),
		options:  options,
		tel:      tel,
		logger:   tel.GetLogger("runtime"),
	}, nil
}

// World returns the world of the runtime.
func (r *Runtime) World() *ecs.World { return r.world }

// Codec returns the snapshot codec. Components must be registered with it to be saved.
func (r *Runtime) Codec() *snapshot.Codec { return r.codec }

// Options returns the resolved options.
func (r *Runtime) Options() Options { return r.options }

// TickHeight returns the number of completed ticks.
func (r *Runtime) TickHeight() uint64 { return r.tickHeight }

// AddSystems appends systems to the schedule.
func (r *Runtime) AddSystems(systems ...*ecs.System) {
	r.schedule.Add(systems...)
}

// BatchInfo describes how the systems would currently be batched.
func (r *Runtime) BatchInfo() ecs.BatchInfo { return r.schedule.BatchInfo(r.world) }

// Tick executes every system once in the configured mode.
func (r *Runtime) Tick(ctx context.Context) error {
	var err error
	switch r.options.Mode {
	case ModeSequential:
		err = r.schedule.ExecuteSeq(ctx, r.world)
	case ModeParallel, ModeUndefined:
		err = r.schedule.Execute(ctx, r.world)
	}
	if err != nil {
		return eris.Wrapf(err, "tick %d failed", r.tickHeight)
	}
	r.tickHeight++
	return nil
}

// Run ticks at the configured rate until ctx is done or a tick fails.
func (r *Runtime) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / r.options.TickRate))
	defer ticker.Stop()

	r.logger.Info().
		Str("mode", r.options.Mode.String()).
		Float64("tick_rate", r.options.TickRate).
		Int("systems", r.schedule.Len()).
		Msg("starting runtime loop")
	for {
		select {
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				r.logger.Error().Err(err).Msg("tick failed")
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Query returns the entities matching a CQL expression.
func (r *Runtime) Query(cqlText string) ([]ecs.EntityID, error) {
	filter, err := cql.ParseWorld(r.world, cqlText)
	if err != nil {
		return nil, err
	}
	ids, err := ecs.NewQuery(ecs.Entities()).Filter(filter).Collect(r.world)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to run query %q", cqlText)
	}
	return ids, nil
}

// Save encodes the registered components of every entity.
func (r *Runtime) Save(format snapshot.Format) ([]byte, error) {
	data, err := r.codec.Encode(r.world, format)
	if err != nil {
		return nil, eris.Wrap(err, "failed to save world")
	}
	r.logger.Debug().Int("bytes", len(data)).Str("format", string(format)).Msg("saved world")
	return data, nil
}

// Restore replaces the content of the world with a saved document. The document is validated
// before the world is cleared, so a rejected document leaves the world untouched. The returned map
// translates saved ids to the ids of the restored entities.
func (r *Runtime) Restore(data []byte) (map[ecs.EntityID]ecs.EntityID, error) {
	plan, err := r.codec.Prepare(r.world, data)
	if err != nil {
		return nil, eris.Wrap(err, "failed to restore world")
	}
	if err := r.world.Clear(); err != nil {
		return nil, eris.Wrap(err, "failed to clear world")
	}
	mapping, err := plan.Apply(r.world)
	if err != nil {
		return nil, eris.Wrap(err, "failed to restore world")
	}
	r.logger.Info().Int("entities", len(mapping)).Msg("restored world")
	return mapping, nil
}

// Shutdown releases the telemetry resources.
func (r *Runtime) Shutdown() error {
	r.logger.Info().Uint64("tick_height", r.tickHeight).Msg("shutting down runtime")
	if err := r.tel.Shutdown(); err != nil {
		return eris.Wrap(err, "telemetry shutdown error")
	}
	return nil
}
