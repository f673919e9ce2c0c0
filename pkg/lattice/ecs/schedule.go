package ecs

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/kelindar/bitmap"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

// Schedule runs systems in batches. Systems whose declared accesses don't conflict share a batch
// and run concurrently; a system always runs after every earlier declared system it conflicts
// with. Structural changes recorded in command buffers are applied between batches.
type Schedule struct {
	systems []*System
	workers int
	logger  zerolog.Logger
	tracer  trace.Tracer
	metrics statsd.ClientInterface
}

// ScheduleOption configures a Schedule.
type ScheduleOption func(*Schedule)

// WithWorkers bounds the number of systems running concurrently. Values below 1 use GOMAXPROCS.
func WithWorkers(n int) ScheduleOption {
	return func(s *Schedule) { s.workers = n }
}

// WithScheduleLogger sets the logger systems and batches log to.
func WithScheduleLogger(logger zerolog.Logger) ScheduleOption {
	return func(s *Schedule) { s.logger = logger }
}

// WithTracer sets the tracer used for execution and batch spans.
func WithTracer(tracer trace.Tracer) ScheduleOption {
	return func(s *Schedule) { s.tracer = tracer }
}

// WithMetrics sets the statsd client receiving batch and system timings.
func WithMetrics(client statsd.ClientInterface) ScheduleOption {
	return func(s *Schedule) { s.metrics = client }
}

// NewSchedule creates an empty schedule.
func NewSchedule(opts ...ScheduleOption) *Schedule {
	s := &Schedule{
		logger:  zerolog.Nop(),
		tracer:  noop.NewTracerProvider().Tracer("lattice/ecs"),
		metrics: &statsd.NoOpClient{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.workers < 1 {
		s.workers = runtime.GOMAXPROCS(0)
	}
	return s
}

// Add appends systems in declaration order.
func (s *Schedule) Add(systems ...*System) *Schedule {
	s.systems = append(s.systems, systems...)
	return s
}

// Len returns the number of systems.
func (s *Schedule) Len() int { return len(s.systems) }

// -------------------------------------------------------------------------------------------------
// Conflicts and batching
// -------------------------------------------------------------------------------------------------

// accessSet is the declared access of one system. Column and resource targets are interned to bits.
type accessSet struct {
	reads, writes  bitmap.Bitmap
	columnRead     bool
	columnWrite    bool
	worldRead      bool
	worldWrite     bool
	structural     bool
	structureRead  bool
	touchesColumns bool
}

func (a *accessSet) touchesWorld() bool { return a.worldRead || a.worldWrite }

// observes reports whether the set depends on values or shapes a structural change replaces.
func (a *accessSet) observes() bool { return a.touchesColumns || a.touchesWorld() || a.structureRead }

// overlaps reports whether any bit is set in both bitmaps.
func overlaps(a, b bitmap.Bitmap) bool {
	if a.Count() == 0 || b.Count() == 0 {
		return false
	}
	both := a.Clone(nil)
	both.And(b)
	return both.Count() != 0
}

// conflicts reports whether two systems can't run in the same batch.
func (a *accessSet) conflicts(b *accessSet) bool {
	switch {
	case a.structural && b.observes(), b.structural && a.observes():
		return true
	case a.worldWrite && (b.observes() || b.structural),
		b.worldWrite && (a.observes() || a.structural):
		return true
	case a.worldRead && b.columnWrite, b.worldRead && a.columnWrite:
		return true
	}
	return overlaps(a.writes, b.reads) || overlaps(a.writes, b.writes) || overlaps(b.writes, a.reads)
}

// accessSets computes the access set of the given systems on the current shapes of w.
func (s *Schedule) accessSets(w *World, systems []int) []accessSet {
	intern := make(map[Access]uint32)
	bit := func(a Access) uint32 {
		t := a.target()
		if b, ok := intern[t]; ok {
			return b
		}
		b := uint32(len(intern)) //nolint:gosec // bounded by the number of accesses
		intern[t] = b
		return b
	}

	sets := make([]accessSet, len(systems))
	for i, idx := range systems {
		set := &sets[i]
		for _, acc := range s.systems[idx].Accesses(w) {
			switch acc.Kind {
			case AccessColumn, AccessResource:
				b := bit(acc)
				if acc.Mutable {
					set.writes.Set(b)
				} else {
					set.reads.Set(b)
				}
				if acc.Kind == AccessColumn {
					set.touchesColumns = true
					set.columnRead = set.columnRead || !acc.Mutable
					set.columnWrite = set.columnWrite || acc.Mutable
				}
			case AccessWorld:
				set.worldRead = set.worldRead || !acc.Mutable
				set.worldWrite = set.worldWrite || acc.Mutable
			case AccessStructure:
				set.structural = set.structural || acc.Mutable
				set.structureRead = set.structureRead || !acc.Mutable
			}
		}
	}
	return sets
}

// partition assigns every given system to a batch: one more than the highest batch of any earlier
// system it conflicts with.
func (s *Schedule) partition(w *World, systems []int) [][]int {
	sets := s.accessSets(w, systems)
	batchOf := make([]int, len(systems))
	var batches [][]int
	for i := range systems {
		b := 0
		for j := range i {
			if batchOf[j] >= b && sets[i].conflicts(&sets[j]) {
				b = batchOf[j] + 1
			}
		}
		batchOf[i] = b
		if b == len(batches) {
			batches = append(batches, nil)
		}
		batches[b] = append(batches[b], systems[i])
	}
	return batches
}

// BatchInfo lists the system names of each batch.
type BatchInfo [][]string

func (b BatchInfo) String() string {
	var sb strings.Builder
	for i, names := range b {
		fmt.Fprintf(&sb, "batch %d: %s\n", i, strings.Join(names, ", "))
	}
	return sb.String()
}

// BatchInfo returns the batches the systems would run in on the current shapes of w.
func (s *Schedule) BatchInfo(w *World) BatchInfo {
	all := make([]int, len(s.systems))
	for i := range all {
		all[i] = i
	}
	batches := s.partition(w, all)
	info := make(BatchInfo, len(batches))
	for i, batch := range batches {
		for _, idx := range batch {
			info[i] = append(info[i], s.systems[idx].name)
		}
	}
	return info
}

// -------------------------------------------------------------------------------------------------
// Execution
// -------------------------------------------------------------------------------------------------

// Execute runs every system once, batch by batch. Systems of a batch run concurrently on the worker
// pool; a failing system doesn't stop its siblings. After a batch, the command buffers of the
// systems that succeeded are applied in declaration order. Execution stops after a batch with
// errors and returns them joined. Batches are recomputed when applying commands changed the shapes.
func (s *Schedule) Execute(ctx context.Context, w *World) error {
	ctx, span := s.tracer.Start(ctx, "schedule.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.Int("systems", len(s.systems))))
	defer span.End()
	start := time.Now()

	remaining := make([]int, len(s.systems))
	for i := range remaining {
		remaining[i] = i
	}
	batches := s.partition(w, remaining)
	for n := 0; len(batches) > 0; n++ {
		batch := batches[0]
		gen := w.graph.gen
		if err := s.runBatch(ctx, w, n, batch); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		remaining = slices.DeleteFunc(remaining, func(i int) bool { return slices.Contains(batch, i) })
		if w.graph.gen != gen {
			batches = s.partition(w, remaining)
		} else {
			batches = batches[1:]
		}
	}

	s.emitTiming(start, "schedule")
	s.emitGauge("entities", float64(w.Len()))
	span.SetStatus(codes.Ok, "")
	return nil
}

// runBatch runs the systems of one batch concurrently and applies their command buffers.
func (s *Schedule) runBatch(ctx context.Context, w *World, n int, batch []int) error {
	ctx, span := s.tracer.Start(ctx, "schedule.batch",
		trace.WithAttributes(attribute.Int("batch", n), attribute.Int("systems", len(batch))))
	defer span.End()
	start := time.Now()

	buffers := make([]*CommandBuffer, len(batch))
	errs := make([]error, len(batch))

	w.executing.Store(true)
	g := new(errgroup.Group)
	g.SetLimit(s.workers)
	for i, idx := range batch {
		buffers[i] = NewCommandBuffer()
		g.Go(func() error {
			// Sibling systems keep running, errors are collected per slot.
			errs[i] = s.runSystem(ctx, w, s.systems[idx], buffers[i])
			return nil
		})
	}
	// The goroutines never fail, system errors are collected per slot in errs.
	_ = g.Wait()
	w.executing.Store(false)

	for i, idx := range batch {
		if errs[i] != nil {
			continue
		}
		if err := buffers[i].Apply(w); err != nil {
			errs[i] = eris.Wrapf(err, "system %s commands failed", s.systems[idx].name)
		}
	}

	err := errors.Join(errs...)
	s.logger.Debug().Int("batch", n).Int("systems", len(batch)).Err(err).Msg("batch executed")
	s.emitTiming(start, "batch")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "system failed")
	}
	return err
}

// ExecuteSeq runs every system once on the calling goroutine in declaration order, applying each
// system's command buffer right after it. It stops at the first error.
func (s *Schedule) ExecuteSeq(ctx context.Context, w *World) error {
	ctx, span := s.tracer.Start(ctx, "schedule.execute_seq",
		trace.WithAttributes(attribute.Int("systems", len(s.systems))))
	defer span.End()
	start := time.Now()

	buffer := NewCommandBuffer()
	for _, sys := range s.systems {
		w.executing.Store(true)
		err := s.runSystem(ctx, w, sys, buffer)
		w.executing.Store(false)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		if err := buffer.Apply(w); err != nil {
			return eris.Wrapf(err, "system %s commands failed", sys.name)
		}
	}

	s.emitTiming(start, "schedule")
	s.emitGauge("entities", float64(w.Len()))
	span.SetStatus(codes.Ok, "")
	return nil
}

// runSystem runs one system and wraps its error with the system name.
func (s *Schedule) runSystem(ctx context.Context, w *World, sys *System, buffer *CommandBuffer) error {
	start := time.Now()
	sctx := &SystemContext{
		ctx:      ctx,
		world:    w,
		commands: buffer,
		logger:   s.logger.With().Str("system", sys.name).Logger(),
		name:     sys.name,
	}
	err := sys.fn(sctx)
	s.emitTiming(start, sys.name)
	if err != nil {
		sctx.logger.Error().Err(err).Msg("system failed")
		return eris.Wrapf(err, "system %s failed", sys.name)
	}
	return nil
}

func (s *Schedule) emitTiming(start time.Time, stage string) {
	if err := s.metrics.Timing("schedule", time.Since(start), []string{stage}, 1); err != nil {
		s.logger.Warn().Err(err).Msg("failed to emit schedule stat")
	}
}

func (s *Schedule) emitGauge(name string, value float64) {
	if err := s.metrics.Gauge(name, value, nil, 1); err != nil {
		s.logger.Warn().Err(err).Msg("failed to emit gauge")
	}
}
