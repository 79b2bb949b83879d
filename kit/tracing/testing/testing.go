// Package testing installs an in memory tracer for tests.
package testing

import (
	"github.com/opentracing/opentracing-go"
	"github.com/uber/jaeger-client-go"
)

// SetupInMemoryTracing sets the global tracer to a Jaeger tracer reporting
// into the returned reporter. The returned function restores the previous
// global tracer.
func SetupInMemoryTracing(name string) (*jaeger.InMemoryReporter, func()) {
	old := opentracing.GlobalTracer()
	reporter := jaeger.NewInMemoryReporter()
	tracer, closer := jaeger.NewTracer(name, jaeger.NewConstSampler(true), reporter)

	opentracing.SetGlobalTracer(tracer)
	return reporter, func() {
		_ = closer.Close()
		opentracing.SetGlobalTracer(old)
	}
}
