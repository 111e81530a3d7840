package observability

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/solicitudes/internal/config"
)

const tracerName = "github.com/pitabwire/solicitudes"

// Span attribute keys for work-request operations.
var (
	AttrRequestID     = attribute.Key("solicitud.request_id")
	AttrSubjectID     = attribute.Key("solicitud.subject_id")
	AttrRole          = attribute.Key("solicitud.role")
	AttrActionKind    = attribute.Key("solicitud.action_kind")
	AttrPrevState     = attribute.Key("solicitud.prev_state")
	AttrNewState      = attribute.Key("solicitud.new_state")
	AttrRule          = attribute.Key("solicitud.rule")
	AttrCounter       = attribute.Key("solicitud.counter")
	AttrCollection    = attribute.Key("solicitud.collection")
	AttrTaskType      = attribute.Key("solicitud.task_type")
	AttrCorrelationID = attribute.Key("solicitud.correlation_id")
)

// InitTracing installs the global tracer provider and W3C propagators.
// When tracing is disabled the global no-op provider stays in place and the
// returned shutdown does nothing.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return noop, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithProcessPID(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, fmt.Errorf("tracing: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter %q (want otlp or stdout)", cfg.Exporter)
	}
}

// newSampler honours the parent's decision and samples root spans at the
// configured ratio, 10% when unset.
func newSampler(cfg config.TracingConfig) sdktrace.Sampler {
	rate := cfg.SamplingRate
	switch {
	case rate <= 0:
		rate = 0.1
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Tracer returns the service tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpanWithError records err on the span, if any, and ends it.
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceIDFromContext returns the active trace id, or "".
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// StartProducerSpan starts the span around enqueueing a notification task
// and returns the carrier to embed in the task payload, so the worker's
// span joins the same trace.
func StartProducerSpan(ctx context.Context, taskType string) (context.Context, trace.Span, map[string]string) {
	ctx, span := Tracer().Start(ctx, "enqueue "+taskType,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("asynq"),
			AttrTaskType.String(taskType),
		),
	)
	return ctx, span, InjectTraceCarrier(ctx)
}

// StartConsumerSpan restores the trace carried by a task and starts the
// worker's processing span under it.
func StartConsumerSpan(ctx context.Context, carrier map[string]string, taskType string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx = ExtractTraceCarrier(ctx, carrier)
	attrs = append(attrs,
		semconv.MessagingSystemKey.String("asynq"),
		AttrTaskType.String(taskType),
	)
	return Tracer().Start(ctx, "process "+taskType,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...),
	)
}

// InjectTraceCarrier serializes the current trace context into a map.
func InjectTraceCarrier(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier
}

// ExtractTraceCarrier restores a trace context from InjectTraceCarrier.
func ExtractTraceCarrier(ctx context.Context, carrier map[string]string) context.Context {
	if len(carrier) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(carrier))
}

// TracingMiddleware starts a server span per request, continuing any
// inbound traceparent and echoing the trace context in the response. Once
// the router has matched, the span is renamed to the route pattern so that
// all approvals share one span name.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		attrs := []attribute.KeyValue{
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		}
		if id := r.Header.Get("X-Correlation-Id"); id != "" {
			attrs = append(attrs, AttrCorrelationID.String(id))
		}
		ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		sw := &tracingStatusWriter{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(ctx)
		next.ServeHTTP(sw, r)

		if route := routePattern(r); route != r.URL.Path {
			span.SetName(r.Method + " " + route)
			span.SetAttributes(semconv.HTTPRoute(route))
		}
		span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

type tracingStatusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *tracingStatusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracingStatusWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}
