// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package tunnelmq

import (
	"context"
	"fmt"
	"sort"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type (
	// AMQPHeader adapts amqp headers to propagation.TextMapCarrier.
	AMQPHeader amqp.Table
)

// AMQPPropagator injects and extracts W3C trace context and baggage through AMQP headers.
var AMQPPropagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// Set stores a header value.
func (h AMQPHeader) Set(key, value string) {
	h[key] = value
}

// Get returns the header value when it is a string.
func (h AMQPHeader) Get(key string) string {
	v, ok := h[key].(string)
	if !ok {
		return ""
	}
	return v
}

// Keys returns the header keys in sorted order.
func (h AMQPHeader) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NewConsumerSpan starts a consumer span continuing the trace found in headers.
func NewConsumerSpan(ctx context.Context, tracer trace.Tracer, headers amqp.Table, typ string) (context.Context, trace.Span) {
	if headers == nil {
		headers = amqp.Table{}
	}

	ctx = AMQPPropagator.Extract(ctx, AMQPHeader(headers))
	return tracer.Start(ctx, fmt.Sprintf("consume %s", typ), trace.WithSpanKind(trace.SpanKindConsumer))
}

// injectTraceContext writes the trace context of ctx into headers.
func injectTraceContext(ctx context.Context, headers amqp.Table) {
	AMQPPropagator.Inject(ctx, AMQPHeader(headers))
}
