package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitNone(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Exporter: "none"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitUnknown(t *testing.T) {
	_, err := Init(context.Background(), Config{Exporter: "zipkin"})
	assert.Error(t, err)
}

func TestInitStdout(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	var buf bytes.Buffer
	shutdown, err := Init(context.Background(), Config{ServiceName: "heron", Exporter: "stdout", Output: &buf})
	require.NoError(t, err)

	_, span := Tracer("worker").Start(context.Background(), "task.process")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "task.process")
	assert.Contains(t, buf.String(), "heron")
}
