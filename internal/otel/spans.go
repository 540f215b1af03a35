package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for agentd spans.
var (
	AttrTaskID       = attribute.Key("agentd.task.id")
	AttrModel        = attribute.Key("agentd.llm.model")
	AttrTokensInput  = attribute.Key("agentd.llm.tokens.input")
	AttrTokensOutput = attribute.Key("agentd.llm.tokens.output")
)

// StartServerSpan starts a span for an inbound request (the REST surface).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, MCP).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
