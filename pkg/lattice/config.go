package lattice

import (
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
)

// runtimeConfig holds the configuration of a Runtime. Configuration can be set via environment
// variables with the specified defaults.
type runtimeConfig struct {
	// ScheduleMode is "parallel" or "sequential".
	ScheduleMode string `env:"LATTICE_SCHEDULE_MODE" envDefault:"parallel"`

	// Workers bounds the systems running concurrently. Zero uses GOMAXPROCS.
	Workers int `env:"LATTICE_WORKERS" envDefault:"0"`

	// TickRate is the number of schedule executions per second in Run.
	TickRate float64 `env:"LATTICE_TICK_RATE" envDefault:"20"`
}

// loadRuntimeConfig loads the runtime configuration from environment variables.
func loadRuntimeConfig() (runtimeConfig, error) {
	cfg := runtimeConfig{}

	if err := env.Parse(&cfg); err != nil {
		return cfg, eris.Wrap(err, "failed to parse runtime config")
	}

	if err := cfg.validate(); err != nil {
		return cfg, eris.Wrap(err, "failed to validate config")
	}

	return cfg, nil
}

// validate performs validation on the loaded configuration.
func (cfg *runtimeConfig) validate() error {
	if ParseScheduleMode(cfg.ScheduleMode) == ModeUndefined {
		return eris.Errorf("invalid schedule mode: %s (must be 'parallel' or 'sequential')", cfg.ScheduleMode)
	}
	if cfg.Workers < 0 {
		return eris.New("workers cannot be negative")
	}
	if cfg.TickRate <= 0 {
		return eris.New("tick rate must be positive")
	}
	return nil
}

// applyToOptions applies the configuration values to the given Options.
func (cfg *runtimeConfig) applyToOptions(opt *Options) {
	opt.Mode = ParseScheduleMode(cfg.ScheduleMode)
	opt.Workers = cfg.Workers
	opt.TickRate = cfg.TickRate
}

type Options struct {
	ServiceName string       // Name used for the tracer, metrics namespace and log component
	Mode        ScheduleMode // How the schedule executes systems
	Workers     int          // Upper bound of concurrently running systems
	TickRate    float64      // Number of ticks per second in Run
}

// newDefaultOptions creates Options with default values.
func newDefaultOptions() Options {
	return Options{
		ServiceName: "lattice",
		Mode:        ModeUndefined,
		Workers:     0,
		TickRate:    0,
	}
}

// apply merges the given options into the current options, overriding non-zero values.
func (opt *Options) apply(newOpt Options) {
	if newOpt.ServiceName != "" {
		opt.ServiceName = newOpt.ServiceName
	}
	if newOpt.Mode != ModeUndefined {
		opt.Mode = newOpt.Mode
	}
	if newOpt.Workers != 0 {
		opt.Workers = newOpt.Workers
	}
	if newOpt.TickRate != 0 {
		opt.TickRate = newOpt.TickRate
	}
}

// validate checks that all required options are set and valid.
func (opt *Options) validate() error {
	if opt.ServiceName == "" {
		return eris.New("service name cannot be empty")
	}
	if opt.Mode == ModeUndefined {
		return eris.New("schedule mode must be specified")
	}
	if opt.Workers < 0 {
		return eris.New("workers cannot be negative")
	}
	if opt.TickRate <= 0 {
		return eris.New("tick rate must be positive")
	}
	return nil
}

// ScheduleMode selects how systems are executed.
type ScheduleMode uint8

const (
	ModeUndefined  ScheduleMode = iota
	ModeParallel                // Conflict free batches run on a worker pool
	ModeSequential              // Declaration order on the calling goroutine
)

func (m ScheduleMode) String() string {
	switch m {
	case ModeParallel:
		return "parallel"
	case ModeSequential:
		return "sequential"
	case ModeUndefined:
	}
	return "undefined"
}

// ParseScheduleMode converts a string to a ScheduleMode.
func ParseScheduleMode(s string) ScheduleMode {
	switch strings.ToLower(s) {
	case "parallel":
		return ModeParallel
	case "sequential":
		return ModeSequential
	default:
		return ModeUndefined
	}
}
