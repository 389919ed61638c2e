package monitoring

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/sandboxrunner/resource-slot/pkg/sandbox"
)

func newRecordingManager(t *testing.T) (*TracingManager, *tracetest.InMemoryExporter) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	config := DefaultTracingConfig()
	config.Processor = "simple"

	tm, err := NewTracingManagerWithExporter(config, exporter)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tm.Shutdown(context.Background()) })
	return tm, exporter
}

func spanNames(exporter *tracetest.InMemoryExporter) []string {
	var names []string
	for _, s := range exporter.GetSpans() {
		names = append(names, s.Name)
	}
	return names
}

func TestDefaultTracingConfig(t *testing.T) {
	config := DefaultTracingConfig()

	assert.True(t, config.Enabled)
	assert.Equal(t, "resource-slot", config.ServiceName)
	assert.Equal(t, TracingExporterStdout, config.Exporter)
	assert.Equal(t, 1.0, config.SamplingRatio)
	assert.Equal(t, "batch", config.Processor)
}

func TestNewTracingManager_Disabled(t *testing.T) {
	config := DefaultTracingConfig()
	config.Enabled = false

	tm, err := NewTracingManager(config)
	require.NoError(t, err)
	assert.False(t, tm.Enabled())
	assert.Nil(t, tm.GetTracer())

	ctx := context.Background()
	spanCtx, span := tm.StartSpan(ctx, "noop")
	assert.Equal(t, ctx, spanCtx)
	assert.False(t, span.IsRecording())

	assert.NoError(t, tm.ForceFlush(ctx))
	assert.NoError(t, tm.Shutdown(ctx))
}

func TestNewTracingManager_Exporters(t *testing.T) {
	tests := []struct {
		name     string
		exporter TracingExporter
		wantErr  bool
	}{
		{"stdout", TracingExporterStdout, false},
		{"none", TracingExporterNone, false},
		{"otlp", TracingExporterOTLP, false},
		{"jaeger", TracingExporterJaeger, false},
		{"invalid", TracingExporter("zipkin"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultTracingConfig()
			config.Exporter = tt.exporter

			tm, err := NewTracingManager(config)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "unsupported exporter type")
				return
			}
			require.NoError(t, err)
			assert.True(t, tm.Enabled())
			assert.NoError(t, tm.Shutdown(context.Background()))
		})
	}
}

func TestNewTracingManager_InvalidProcessor(t *testing.T) {
	config := DefaultTracingConfig()
	config.Processor = "fancy"

	_, err := NewTracingManagerWithExporter(config, tracetest.NewInMemoryExporter())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported span processor type")
}

func TestTracingManager_TraceOperation(t *testing.T) {
	tm, exporter := newRecordingManager(t)
	ctx := context.Background()

	err := tm.TraceOperation(ctx, "ok_operation", func(ctx context.Context) error {
		assert.True(t, trace.SpanFromContext(ctx).IsRecording())
		return nil
	}, attribute.String("sandbox.id", "sb-1"))
	require.NoError(t, err)

	failure := errors.New("failed")
	err = tm.TraceOperation(ctx, "failing_operation", func(ctx context.Context) error {
		return failure
	})
	assert.ErrorIs(t, err, failure)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "ok_operation", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
	assert.Contains(t, spans[0].Attributes, attribute.String("sandbox.id", "sb-1"))
	assert.Equal(t, codes.Error, spans[1].Status.Code)
}

func TestTracingManager_Middleware(t *testing.T) {
	tm, exporter := newRecordingManager(t)

	var traceID string
	handler := tm.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = TraceID(r.Context())
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, traceID)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/fail", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "GET /missing", spans[0].Name)
	assert.Equal(t, trace.SpanKindServer, spans[0].SpanKind)
	assert.Contains(t, spans[0].Attributes, attribute.Int("http.response.status_code", http.StatusNotFound))
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
	assert.Equal(t, codes.Error, spans[1].Status.Code)
}

func TestTracingManager_Middleware_Disabled(t *testing.T) {
	config := DefaultTracingConfig()
	config.Enabled = false
	tm, err := NewTracingManager(config)
	require.NoError(t, err)

	called := false
	handler := tm.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Empty(t, TraceID(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestWrappedResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	ww := &wrappedResponseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	ww.WriteHeader(http.StatusCreated)
	ww.Flush()
	assert.Equal(t, http.StatusCreated, ww.statusCode)
	assert.True(t, rec.Flushed)

	_, _, err := ww.Hijack()
	assert.Error(t, err)
}

func TestSandboxerSpansUseGlobalProvider(t *testing.T) {
	_, exporter := newRecordingManager(t)

	m := sandbox.NewSandboxer(sandbox.SandboxerConfig{})
	defer m.Close()

	ctx := context.Background()
	require.NoError(t, m.Create(ctx, "sb-1", sandbox.SandboxData{}))
	require.NoError(t, m.Start(ctx, "sb-1"))
	assert.Error(t, m.Stop(ctx, "missing", false))

	names := spanNames(exporter)
	assert.Contains(t, names, "sandboxer.Create")
	assert.Contains(t, names, "sandboxer.Start")
	assert.Contains(t, names, "sandboxer.Stop")

	for _, s := range exporter.GetSpans() {
		if s.Name == "sandboxer.Stop" {
			assert.Equal(t, codes.Error, s.Status.Code)
		}
	}
}

func TestLoggerWithTrace(t *testing.T) {
	tm, _ := newRecordingManager(t)

	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	untracedLogger := LoggerWithTrace(context.Background(), logger)
	untracedLogger.Info().Msg("untraced")
	assert.NotContains(t, buf.String(), "trace_id")

	ctx, span := tm.StartSpan(context.Background(), "logged")
	defer span.End()

	buf.Reset()
	tracedLogger := LoggerWithTrace(ctx, logger)
	tracedLogger.Info().Msg("traced")
	assert.Contains(t, buf.String(), `"trace_id":"`+span.SpanContext().TraceID().String()+`"`)
	assert.Contains(t, buf.String(), `"span_id"`)
}
