package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/deemkeen/fedletic/logging"
)

const instrumentationName = "github.com/deemkeen/fedletic"

type Config struct {
	Enabled     bool
	ServiceName string
	Version     string
}

// Telemetry owns the meter and tracer providers and the registry /metrics is served from.
type Telemetry struct {
	registry  *promclient.Registry
	shutdowns []func(context.Context) error
}

type instruments struct {
	activitiesReceived metric.Int64Counter
	signatureChecks    metric.Int64Counter
	deliveries         metric.Int64Counter
	actorFetches       metric.Int64Counter
	taskDuration       metric.Float64Histogram
}

var (
	current atomic.Pointer[instruments]
	tracer  atomic.Value
)

func init() {
	current.Store(newInstruments(noop.NewMeterProvider().Meter(instrumentationName)))
}

func newInstruments(m metric.Meter) *instruments {
	ins := &instruments{}
	// instrument constructors only fail on invalid names
	ins.activitiesReceived, _ = m.Int64Counter("fedletic.activities.received",
		metric.WithDescription("Inbound activities accepted by an inbox"))
	ins.signatureChecks, _ = m.Int64Counter("fedletic.signature.verifications",
		metric.WithDescription("HTTP signature verifications by result"))
	ins.deliveries, _ = m.Int64Counter("fedletic.deliveries",
		metric.WithDescription("Outbound deliveries by outcome"))
	ins.actorFetches, _ = m.Int64Counter("fedletic.actor.fetches",
		metric.WithDescription("Remote actor document fetches"))
	ins.taskDuration, _ = m.Float64Histogram("fedletic.task.duration",
		metric.WithDescription("Task execution time"),
		metric.WithUnit("s"))
	return ins
}

// Init initializes OpenTelemetry metrics with a Prometheus exporter and a tracer provider.
func Init(cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		logging.GetLogger().Info("Telemetry disabled")
		return &Telemetry{}, nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	current.Store(newInstruments(mp.Meter(instrumentationName)))
	tracer.Store(tp.Tracer(cfg.ServiceName))

	logging.GetLogger().Info("Telemetry initialized", zap.String("service", cfg.ServiceName))

	return &Telemetry{
		registry:  registry,
		shutdowns: []func(context.Context) error{mp.Shutdown, tp.Shutdown},
	}, nil
}

// Handler serves the Prometheus registry, or 404 when telemetry is disabled.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

func (t *Telemetry) Enabled() bool {
	return t != nil && t.registry != nil
}

func (t *Telemetry) Shutdown(ctx context.Context) {
	if t == nil {
		return
	}
	for _, fn := range t.shutdowns {
		shutdownCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := fn(shutdownCtx); err != nil {
			logging.GetLogger().Error("Error shutting down telemetry", zap.Error(err))
		}
		cancel()
	}
}

// Tracer returns the configured tracer, or a no-op tracer before Init.
func Tracer() trace.Tracer {
	if t, ok := tracer.Load().(trace.Tracer); ok {
		return t
	}
	return tracenoop.NewTracerProvider().Tracer(instrumentationName)
}

// StartSpan starts a new span
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// TraceID returns the trace id of the span in ctx, or "" when none is recording.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func ActivityReceived(ctx context.Context, activityType string) {
	current.Load().activitiesReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", activityType)))
}

func SignatureChecked(ctx context.Context, valid bool) {
	current.Load().signatureChecks.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("valid", valid)))
}

// Delivered records one outbound POST; outcome is "ok", "rejected" or "error".
func Delivered(ctx context.Context, outcome string) {
	current.Load().deliveries.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

func ActorFetched(ctx context.Context, ok bool) {
	current.Load().actorFetches.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("ok", ok)))
}

func TaskFinished(ctx context.Context, kind string, started time.Time) {
	current.Load().taskDuration.Record(ctx, time.Since(started).Seconds(),
		metric.WithAttributes(attribute.String("kind", kind)))
}
