package telemetry

import (
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/argus-labs/lattice/pkg/assert"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// setup builds the logger, tracer and statsd client described by opts. The returned shutdown
// function flushes and closes the statsd client.
func setup(opts Options) (zerolog.Logger, trace.Tracer, statsd.ClientInterface, func() error, error) {
	var shutdownFuncs []func() error
	shutdown := func() error {
		var errs error
		for _, fn := range shutdownFuncs {
			errs = errors.Join(errs, fn())
		}
		shutdownFuncs = nil
		return errs
	}

	// Setup logger first
	logger := NewLogger(opts)

	tracer := newTracer(opts)

	metrics, err := newMetrics(opts)
	if err != nil {
		return logger, tracer, &statsd.NoOpClient{}, shutdown, err
	}
	shutdownFuncs = append(shutdownFuncs, metrics.Close)

	logger.Debug().
		Str("service", opts.ServiceName).
		Bool("trace_enabled", opts.TraceEnabled).
		Str("metrics_addr", opts.MetricsAddr).
		Msg("telemetry initialized")
	return logger, tracer, metrics, shutdown, nil
}

// newTracer returns a tracer from the global provider when tracing is enabled. Installing an
// exporting provider is left to the embedding program through otel.SetTracerProvider.
func newTracer(opts Options) trace.Tracer {
	if !opts.TraceEnabled {
		return noop.NewTracerProvider().Tracer(opts.ServiceName)
	}
	return otel.GetTracerProvider().Tracer(opts.ServiceName)
}

// newMetrics returns a statsd client sending to opts.MetricsAddr, or a noop client when no address
// is configured.
func newMetrics(opts Options) (statsd.ClientInterface, error) {
	if opts.MetricsAddr == "" {
		return &statsd.NoOpClient{}, nil
	}
	statsdOpts := []statsd.Option{
		// The statsd namespace is the prefix of all metrics
		statsd.WithNamespace(opts.ServiceName + "."),
	}
	if len(opts.MetricsTags) > 0 {
		statsdOpts = append(statsdOpts, statsd.WithTags(opts.MetricsTags))
	}
	client, err := statsd.New(opts.MetricsAddr, statsdOpts...)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to create statsd client for %s", opts.MetricsAddr)
	}
	return client, nil
}

// NewLogger creates a logger with the format and level of opts.
func NewLogger(opts Options) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(opts.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	var writer io.Writer
	switch opts.LogFormat {
	case LogFormatPretty:
		writer = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	case LogFormatJSON:
		writer = out
	case LogFormatUndefined:
		assert.That(false, "log format must be validated before building a logger")
		writer = out
	}

	return zerolog.New(writer).
		Level(level).
		With().
		Timestamp().
		Logger()
}
