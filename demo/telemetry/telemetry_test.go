package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	assert.Equal(t, "localhost:4317", Endpoint())

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://otel-collector:4317")
	assert.Equal(t, "otel-collector:4317", Endpoint())

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector.demo.svc:4317")
	assert.Equal(t, "collector.demo.svc:4317", Endpoint())
}

func TestNoop(t *testing.T) {
	tel := Noop("test-service")
	assert.Equal(t, "test-service", tel.ServiceName)
	assert.NotNil(t, tel.Tracer)
	assert.NotNil(t, tel.RequestCounter)
	assert.NotNil(t, tel.RequestDuration)

	// Instruments on a noop meter accept records without a provider.
	tel.CountRequest(context.Background(), "GET", "/health")
	tel.RecordDuration(context.Background(), "GET", "/health", 200, 5*time.Millisecond)

	assert.NoError(t, tel.Shutdown(context.Background()))
}
