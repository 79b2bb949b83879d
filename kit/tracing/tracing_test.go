package tracing_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/influxdata/docmigrate/kit/tracing"
	tracetest "github.com/influxdata/docmigrate/kit/tracing/testing"
	"github.com/opentracing/opentracing-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber/jaeger-client-go"
)

func traced(ctx context.Context) (opentracing.Span, context.Context) {
	return tracing.StartSpanFromContext(ctx)
}

func TestStartSpanFromContext(t *testing.T) {
	reporter, teardown := tracetest.SetupInMemoryTracing(t.Name())
	defer teardown()

	parent, ctx := opentracing.StartSpanFromContext(context.Background(), "parent")
	child, ctx := traced(ctx)
	assert.Same(t, child, opentracing.SpanFromContext(ctx))

	err := tracing.LogError(child, errors.New("boom"))
	assert.EqualError(t, err, "boom")
	assert.NoError(t, tracing.LogError(child, nil))

	child.Finish()
	parent.Finish()

	spans := reporter.GetSpans()
	require.Len(t, spans, 2)

	got := spans[0].(*jaeger.Span)
	assert.True(t, strings.HasSuffix(got.OperationName(), "tracing_test.traced"), got.OperationName())
	assert.Equal(t, parent.Context().(jaeger.SpanContext).SpanID(), got.SpanContext().ParentID())
	assert.Equal(t, true, got.Tags()["error"])
}
