// Package telemetry wires the demo services into OpenTelemetry: OTLP
// gRPC exporters for traces and metrics, gin middleware, and the
// shared request instruments every service records.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// metricExportInterval matches the demo's collector pipeline batch
	// cadence.
	metricExportInterval = 10 * time.Second

	defaultEndpoint = "localhost:4317"
)

// Telemetry is a per-service handle on the OpenTelemetry SDK.
type Telemetry struct {
	ServiceName string

	Tracer trace.Tracer
	Meter  metric.Meter

	// RequestCounter counts HTTP requests (http_requests_total).
	RequestCounter metric.Int64Counter
	// RequestDuration records HTTP request latency in seconds
	// (http_request_duration_seconds).
	RequestDuration metric.Float64Histogram

	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Endpoint returns the OTLP endpoint from the environment, with the
// scheme stripped for the gRPC exporters.
func Endpoint() string {
	ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if ep == "" {
		return defaultEndpoint
	}
	ep = strings.TrimPrefix(ep, "http://")
	ep = strings.TrimPrefix(ep, "https://")
	return ep
}

// Setup initializes global tracer and meter providers exporting OTLP
// over insecure gRPC, and returns the service's instrument handle.
func Setup(ctx context.Context, serviceName string) (*Telemetry, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, err
	}

	endpoint := Endpoint()

	traceExp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	metricExp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp,
			sdkmetric.WithInterval(metricExportInterval))),
	)
	otel.SetMeterProvider(mp)

	t := &Telemetry{
		ServiceName: serviceName,
		Tracer:      tp.Tracer(serviceName),
		Meter:       mp.Meter(serviceName),
		tp:          tp,
		mp:          mp,
	}
	if err := t.mkInstruments(); err != nil {
		return nil, err
	}
	return t, nil
}

// Noop returns a Telemetry handle that records nothing, for tests and
// offline runs.
func Noop(serviceName string) *Telemetry {
	t := &Telemetry{
		ServiceName: serviceName,
		Tracer:      tracenoop.NewTracerProvider().Tracer(serviceName),
		Meter:       metricnoop.NewMeterProvider().Meter(serviceName),
	}
	// Noop meters never fail instrument creation.
	t.mkInstruments()
	return t
}

func (t *Telemetry) mkInstruments() error {
	var err error
	t.RequestCounter, err = t.Meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}
	t.RequestDuration, err = t.Meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	return err
}

// Middleware returns gin middleware that creates a server span per
// request.
func (t *Telemetry) Middleware() gin.HandlerFunc {
	return otelgin.Middleware(t.ServiceName)
}

// HTTPClient returns an http.Client whose outbound requests carry
// trace context and produce client spans.
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   timeout,
	}
}

// CountRequest records one request on the shared counter.
func (t *Telemetry) CountRequest(ctx context.Context, method, endpoint string) {
	t.RequestCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("endpoint", endpoint),
		))
}

// RecordDuration records a completed request's latency.
func (t *Telemetry) RecordDuration(ctx context.Context, method, endpoint string, status int, elapsed time.Duration) {
	t.RequestDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("endpoint", endpoint),
			attribute.Int("status", status),
		))
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.tp != nil {
		errs = append(errs, t.tp.Shutdown(ctx))
	}
	if t.mp != nil {
		errs = append(errs, t.mp.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
