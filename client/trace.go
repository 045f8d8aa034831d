package client

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// headerCarrier adapts an event header bag to the otel carrier interface.
type headerCarrier map[string]string

func (hc headerCarrier) Get(key string) string { return hc[key] }

func (hc headerCarrier) Set(key, value string) { hc[key] = value }

func (hc headerCarrier) Keys() []string {
	keys := make([]string, 0, len(hc))
	for k := range hc {
		keys = append(keys, k)
	}
	return keys
}

// injectTraceContext copies the ctx's span context into the headers as
// traceparent/tracestate. No-op when ctx carries no valid span.
func injectTraceContext(ctx context.Context, headers map[string]string) {
	if !trace.SpanContextFromContext(ctx).IsValid() {
		return
	}
	propagation.TraceContext{}.Inject(ctx, headerCarrier(headers))
}
