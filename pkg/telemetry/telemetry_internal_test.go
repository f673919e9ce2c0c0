package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogFormat(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want LogFormat
	}{
		{"json", LogFormatJSON},
		{"JSON", LogFormatJSON},
		{"pretty", LogFormatPretty},
		{"", LogFormatUndefined},
		{"yaml", LogFormatUndefined},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLogFormat(tt.in), tt.in)
	}
	assert.Equal(t, "pretty", LogFormatPretty.String())
	assert.Equal(t, "undefined", LogFormat(42).String())
}

func TestOptions_Validate(t *testing.T) {
	t.Parallel()
	valid := Options{ServiceName: "lattice", LogLevel: "debug", LogFormat: LogFormatJSON}
	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr bool
	}{
		{"valid", func(*Options) {}, false},
		{"missing service name", func(o *Options) { o.ServiceName = "" }, true},
		{"bad level", func(o *Options) { o.LogLevel = "loud" }, true},
		{"undefined format", func(o *Options) { o.LogFormat = LogFormatUndefined }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid
			tt.mutate(&opts)
			if tt.wantErr {
				require.Error(t, opts.validate())
			} else {
				require.NoError(t, opts.validate())
			}
		})
	}
}

func TestOptions_ApplyOverridesNonZero(t *testing.T) {
	t.Parallel()
	opts := Options{ServiceName: "a", LogLevel: "info", LogFormat: LogFormatJSON, MetricsAddr: "x:1"}
	opts.apply(Options{LogLevel: "debug", MetricsTags: []string{"env:test"}})
	assert.Equal(t, Options{
		ServiceName: "a",
		LogLevel:    "debug",
		LogFormat:   LogFormatJSON,
		MetricsAddr: "x:1",
		MetricsTags: []string{"env:test"},
	}, opts)
}

func TestNewLogger(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := NewLogger(Options{LogLevel: "warn", LogFormat: LogFormatJSON, Output: &buf})

	logger.Info().Msg("dropped")
	logger.Warn().Str("system", "move").Msg("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["message"])
	assert.Equal(t, "move", line["system"])
	assert.Equal(t, "warn", line["level"])
}

func TestNew_FromEnvironment(t *testing.T) {
	t.Setenv("LATTICE_LOG_LEVEL", "debug")
	t.Setenv("LATTICE_LOG_FORMAT", "pretty")
	t.Setenv("LATTICE_TRACE_ENABLED", "false")

	var buf bytes.Buffer
	tel, err := New(Options{ServiceName: "lattice", Output: &buf})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, tel.Shutdown()) })

	assert.IsType(t, &statsd.NoOpClient{}, tel.Metrics)
	_, span := tel.Tracer.Start(context.Background(), "noop")
	assert.False(t, span.IsRecording())
	span.End()

	logger := tel.GetLogger("schedule")
	logger.Debug().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.Contains(t, buf.String(), "lattice.schedule")
}

func TestNew_InvalidEnvironment(t *testing.T) {
	t.Setenv("LATTICE_LOG_FORMAT", "xml")
	_, err := New(Options{ServiceName: "lattice"})
	require.Error(t, err)
}
