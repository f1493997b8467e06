package observability

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestLoggerWithTraceAddsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	plain := LoggerWithTrace(context.Background(), logger)
	plain.Info().Msg("plain")
	assert.NotContains(t, buf.String(), "trace_id")

	provider := sdktrace.NewTracerProvider()
	defer func() { _ = provider.Shutdown(context.Background()) }()
	ctx, span := provider.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	buf.Reset()
	traced := LoggerWithTrace(ctx, logger)
	traced.Info().Msg("traced")
	assert.Contains(t, buf.String(), span.SpanContext().TraceID().String())
}

func TestStartWithoutExporters(t *testing.T) {
	shutdown, err := Start(context.Background(), Config{ServiceName: "test"}, zerolog.Nop())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	RegisterRuntimeCollectors()
	RegisterRuntimeCollectors()
}
