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

// InstrumentationName is the tracer name used by the supervisor packages
const InstrumentationName = "github.com/sandboxrunner/ctf-supervisor"

// TracingConfig configuration for OpenTelemetry tracing
type TracingConfig struct {
	Enabled        bool            `json:"enabled"`
	ServiceName    string          `json:"service_name"`
	ServiceVersion string          `json:"service_version"`
	Environment    string          `json:"environment"`
	Exporter       TracingExporter `json:"exporter"`
	Endpoint       string          `json:"endpoint"`
	Insecure       bool            `json:"insecure"`
	SamplingRatio  float64         `json:"sampling_ratio"`
	ExportTimeout  time.Duration   `json:"export_timeout"`
}

// TracingExporter represents the type of trace exporter
type TracingExporter string

const (
	TracingExporterJaeger TracingExporter = "jaeger"
	TracingExporterOTLP   TracingExporter = "otlp"
	TracingExporterStdout TracingExporter = "stdout"
)

// TracingManager owns the tracer provider and the global propagator
type TracingManager struct {
	config         *TracingConfig
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	propagator     propagation.TextMapPropagator
}

// DefaultTracingConfig returns default tracing configuration
func DefaultTracingConfig() *TracingConfig {
	return &TracingConfig{
		Enabled:        false,
		ServiceName:    "ctf-supervisor",
		ServiceVersion: "dev",
		Environment:    "production",
		Exporter:       TracingExporterStdout,
		SamplingRatio:  1.0,
		ExportTimeout:  10 * time.Second,
	}
}

// NewTracingManager creates a tracing manager. When tracing is disabled
// the global no-op provider stays in place and spans cost nothing.
func NewTracingManager(config *TracingConfig) (*TracingManager, error) {
	if config == nil {
		config = DefaultTracingConfig()
	}

	if !config.Enabled {
		log.Debug().Msg("Tracing disabled")
		return &TracingManager{config: config}, nil
	}

	exporter, err := newExporter(config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	tm := &TracingManager{config: config}
	tm.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(newResource(config)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRatio))),
		sdktrace.WithBatcher(exporter, sdktrace.WithExportTimeout(config.ExportTimeout)),
	)
	otel.SetTracerProvider(tm.tracerProvider)

	tm.tracer = tm.tracerProvider.Tracer(InstrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion))

	tm.propagator = propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(tm.propagator)

	log.Info().
		Str("service_name", config.ServiceName).
		Str("exporter", string(config.Exporter)).
		Float64("sampling_ratio", config.SamplingRatio).
		Msg("Tracing initialized successfully")

	return tm, nil
}

func newResource(config *TracingConfig) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
		attribute.String("process.runtime.name", "go"),
		attribute.String("process.runtime.version", runtime.Version()),
	)
}

// newExporter creates the span exporter selected by configuration
func newExporter(config *TracingConfig) (sdktrace.SpanExporter, error) {
	switch config.Exporter {
	case TracingExporterJaeger:
		endpoint := config.Endpoint
		if endpoint == "" {
			endpoint = "http://localhost:14268/api/traces"
		}
		exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
		if err != nil {
			return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
		}
		return exp, nil

	case TracingExporterOTLP:
		opts := []otlptracehttp.Option{
			otlptracehttp.WithTimeout(config.ExportTimeout),
			otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
		}
		if config.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(config.Endpoint))
		}
		if config.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		return exp, nil

	case TracingExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithoutTimestamps())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		return exp, nil

	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", config.Exporter)
	}
}

// Enabled reports whether spans are exported
func (tm *TracingManager) Enabled() bool {
	return tm.tracerProvider != nil
}

// StartSpan starts a span on the global tracer provider
func StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(InstrumentationName).Start(ctx, operationName, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, sets the status and ends it
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TraceIDFromContext returns the active trace id, or ""
func TraceIDFromContext(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return ""
	}
	return spanCtx.TraceID().String()
}

// HTTPMiddleware wraps an HTTP handler with a server span per request.
// routeName maps a request to a low-cardinality span name.
func HTTPMiddleware(routeName func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			name := r.URL.Path
			if routeName != nil {
				name = routeName(r)
			}

			ctx, span := otel.Tracer(InstrumentationName).Start(ctx, fmt.Sprintf("%s %s", r.Method, name),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
					attribute.String("client.address", r.RemoteAddr),
				),
			)
			defer span.End()

			ww := &wrappedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.response.status_code", ww.statusCode))
			if ww.statusCode >= 500 {
				span.SetStatus(codes.Error, http.StatusText(ww.statusCode))
			}
		})
	}
}

// wrappedResponseWriter wraps http.ResponseWriter to capture status code
type wrappedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *wrappedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Unwrap exposes the underlying writer to http.ResponseController
func (w *wrappedResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack lets websocket upgrades pass through the middleware
func (w *wrappedResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

// Shutdown flushes pending spans and shuts down the provider
func (tm *TracingManager) Shutdown(ctx context.Context) error {
	if tm.tracerProvider == nil {
		return nil
	}

	if err := tm.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}

	log.Info().Msg("Tracing manager shut down successfully")
	return nil
}
