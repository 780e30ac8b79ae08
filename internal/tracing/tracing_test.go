package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zaptest"
)

func TestInitializeDisabledIsNoop(t *testing.T) {
	shutdown, err := Initialize(Config{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	ctx, span := StartStageSpan(context.Background(), "reasoning", "t1")
	defer span.End()

	req := httptest.NewRequest(http.MethodGet, "http://localhost", nil)
	InjectTraceparent(ctx, req)
	assert.Empty(t, req.Header.Get("traceparent"))
}

func TestTraceparentPropagates(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())
	prev := tracer
	tracer = tp.Tracer("test")
	defer func() { tracer = prev }()

	ctx, client := StartHTTPSpan(context.Background(), http.MethodPost, "http://embed/v1/embeddings")
	out := httptest.NewRequest(http.MethodPost, "http://embed/v1/embeddings", nil)
	InjectTraceparent(ctx, out)
	require.NotEmpty(t, out.Header.Get("traceparent"))
	client.End()

	in := httptest.NewRequest(http.MethodPost, "/v1/solve", nil)
	in.Header.Set("traceparent", out.Header.Get("traceparent"))
	_, server := StartServerSpan(in, "solve")
	server.End()

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, oteltrace.SpanKindClient, spans[0].SpanKind())
	assert.Equal(t, oteltrace.SpanKindServer, spans[1].SpanKind())
	assert.Equal(t, spans[0].SpanContext().TraceID(), spans[1].SpanContext().TraceID())
	assert.Equal(t, spans[0].SpanContext().SpanID(), spans[1].Parent().SpanID())
}
