package monitoring

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig configuration for OpenTelemetry tracing
type TracingConfig struct {
	Enabled        bool              `json:"enabled"`
	ServiceName    string            `json:"service_name"`
	ServiceVersion string            `json:"service_version"`
	Exporter       TracingExporter   `json:"exporter"`
	Endpoint       string            `json:"endpoint"`
	SamplingRatio  float64           `json:"sampling_ratio"`
	ExportTimeout  time.Duration     `json:"export_timeout"`
	Insecure       bool              `json:"insecure"`
	Processor      string            `json:"processor"` // "batch" or "simple"
	Attributes     map[string]string `json:"attributes"`
}

// TracingExporter represents the type of trace exporter
type TracingExporter string

const (
	TracingExporterJaeger TracingExporter = "jaeger"
	TracingExporterOTLP   TracingExporter = "otlp"
	TracingExporterStdout TracingExporter = "stdout"
	// TracingExporterNone records spans without exporting them
	TracingExporterNone TracingExporter = "none"
)

const (
	defaultJaegerEndpoint = "http://localhost:14268/api/traces"
	defaultOTLPEndpoint   = "localhost:4318"
)

// TracingManager owns the tracer provider installed as the global one
type TracingManager struct {
	config         *TracingConfig
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	propagator     propagation.TextMapPropagator
	exporter       sdktrace.SpanExporter
}

// DefaultTracingConfig returns default tracing configuration
func DefaultTracingConfig() *TracingConfig {
	return &TracingConfig{
		Enabled:        true,
		ServiceName:    "resource-slot",
		ServiceVersion: "dev",
		Exporter:       TracingExporterStdout,
		SamplingRatio:  1.0,
		ExportTimeout:  10 * time.Second,
		Insecure:       true,
		Processor:      "batch",
		Attributes:     make(map[string]string),
	}
}

// NewTracingManager creates a tracing manager and installs its provider
// globally. A disabled config yields a manager whose spans are no-ops.
func NewTracingManager(config *TracingConfig) (*TracingManager, error) {
	return newTracingManager(config, nil)
}

// NewTracingManagerWithExporter is NewTracingManager with a caller supplied
// exporter, which takes precedence over config.Exporter
func NewTracingManagerWithExporter(config *TracingConfig, exporter sdktrace.SpanExporter) (*TracingManager, error) {
	return newTracingManager(config, exporter)
}

func newTracingManager(config *TracingConfig, exporter sdktrace.SpanExporter) (*TracingManager, error) {
	if config == nil {
		config = DefaultTracingConfig()
	}

	if !config.Enabled {
		log.Info().Msg("Tracing disabled")
		return &TracingManager{config: config}, nil
	}

	tm := &TracingManager{config: config, exporter: exporter}
	if err := tm.initializeTracing(); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	log.Info().
		Str("service_name", config.ServiceName).
		Str("exporter", string(config.Exporter)).
		Float64("sampling_ratio", config.SamplingRatio).
		Msg("Tracing initialized successfully")

	return tm, nil
}

func (tm *TracingManager) initializeTracing() error {
	if tm.exporter == nil {
		exp, err := tm.createExporter()
		if err != nil {
			return fmt.Errorf("failed to create exporter: %w", err)
		}
		tm.exporter = exp
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(tm.createResource()),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tm.config.SamplingRatio))),
	}

	if tm.exporter != nil {
		switch tm.config.Processor {
		case "", "batch":
			opts = append(opts, sdktrace.WithBatcher(tm.exporter, sdktrace.WithExportTimeout(tm.config.ExportTimeout)))
		case "simple":
			opts = append(opts, sdktrace.WithSyncer(tm.exporter))
		default:
			return fmt.Errorf("unsupported span processor type: %s", tm.config.Processor)
		}
	}

	tm.tracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tm.tracerProvider)

	tm.tracer = tm.tracerProvider.Tracer(
		tm.config.ServiceName,
		trace.WithInstrumentationVersion(tm.config.ServiceVersion),
	)

	tm.propagator = propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(tm.propagator)

	return nil
}

func (tm *TracingManager) createResource() *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(tm.config.ServiceName),
		semconv.ServiceVersion(tm.config.ServiceVersion),
		attribute.String("process.runtime.name", "go"),
		attribute.String("process.runtime.version", runtime.Version()),
		attribute.String("runtime.arch", runtime.GOARCH),
		attribute.String("runtime.os", runtime.GOOS),
	}

	for key, value := range tm.config.Attributes {
		attrs = append(attrs, attribute.String(key, value))
	}

	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

func (tm *TracingManager) createExporter() (sdktrace.SpanExporter, error) {
	switch tm.config.Exporter {
	case TracingExporterJaeger:
		endpoint := tm.config.Endpoint
		if endpoint == "" {
			endpoint = defaultJaegerEndpoint
		}
		exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
		if err != nil {
			return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
		}
		return exp, nil

	case TracingExporterOTLP:
		endpoint := tm.config.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithTimeout(tm.config.ExportTimeout),
			otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
		}
		if tm.config.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		return exp, nil

	case TracingExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		return exp, nil

	case TracingExporterNone:
		return nil, nil

	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", tm.config.Exporter)
	}
}

// Enabled reports whether spans are recorded
func (tm *TracingManager) Enabled() bool {
	return tm.tracer != nil
}

// GetTracer returns the tracer instance, or nil when disabled
func (tm *TracingManager) GetTracer() trace.Tracer {
	return tm.tracer
}

// StartSpan starts a new span. A disabled manager returns ctx unchanged.
func (tm *TracingManager) StartSpan(ctx context.Context, operationName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tm.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tm.tracer.Start(ctx, operationName, opts...)
}

// TraceOperation runs fn inside a span and records its error
func (tm *TracingManager) TraceOperation(ctx context.Context, operationName string, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) error {
	if tm.tracer == nil {
		return fn(ctx)
	}

	ctx, span := tm.tracer.Start(ctx, operationName, trace.WithAttributes(attrs...))
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// Middleware wraps an HTTP handler with a server span per request
func (tm *TracingManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tm.tracer == nil {
			next.ServeHTTP(w, r)
			return
		}

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		spanName := fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		ctx, span := tm.tracer.Start(ctx, spanName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
				attribute.String("server.address", r.Host),
				attribute.String("user_agent.original", r.UserAgent()),
				attribute.String("client.address", r.RemoteAddr),
			),
		)
		defer span.End()

		ww := &wrappedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.response.status_code", ww.statusCode))
		if ww.statusCode >= 500 {
			span.SetStatus(codes.Error, http.StatusText(ww.statusCode))
		} else {
			span.SetStatus(codes.Ok, "")
		}
	})
}

// wrappedResponseWriter captures the status code. It forwards Hijack and
// Flush so websocket upgrades and streaming keep working.
type wrappedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *wrappedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *wrappedResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *wrappedResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// ForceFlush exports all ended spans
func (tm *TracingManager) ForceFlush(ctx context.Context) error {
	if tm.tracerProvider == nil {
		return nil
	}
	return tm.tracerProvider.ForceFlush(ctx)
}

// Shutdown flushes and stops the tracer provider
func (tm *TracingManager) Shutdown(ctx context.Context) error {
	if tm.tracerProvider != nil {
		if err := tm.tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tracer provider: %w", err)
		}
	}

	log.Info().Msg("Tracing manager shut down successfully")
	return nil
}
