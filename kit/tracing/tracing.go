// Package tracing wraps opentracing span creation for store and engine
// operations.
package tracing

import (
	"context"
	"fmt"
	"runtime"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/opentracing/opentracing-go/log"
)

// StartSpanFromContext starts a span named after the calling function and
// tags it with the caller's file and line.
func StartSpanFromContext(ctx context.Context, fields ...log.Field) (opentracing.Span, context.Context) {
	name := "unknown"
	var location string
	if pc, file, line, ok := runtime.Caller(1); ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			name = fn.Name()
		}
		location = fmt.Sprintf("%s:%d", file, line)
	}

	span, ctx := opentracing.StartSpanFromContext(ctx, name)
	if location != "" {
		fields = append(fields, log.String("location", location))
	}
	if len(fields) > 0 {
		span.LogFields(fields...)
	}
	return span, ctx
}

// LogError marks span as failed and logs err on it. It returns err
// unchanged:
//
//	return tracing.LogError(span, err)
func LogError(span opentracing.Span, err error) error {
	if err == nil {
		return nil
	}
	ext.Error.Set(span, true)
	span.LogFields(log.Error(err))
	return err
}
