// Package tracing wires OpenTelemetry spans around the three call sites the
// agent loop instruments: provider calls, tool calls, and the root agent
// turn (spec §4.10 step 5, §4.9 tool executor, §4.12 coordinator turns).
package tracing

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nanobot-run/nanobot/internal/tracing"

// Span type names, used as the "nanobot.span_type" attribute so a trace
// backend can filter provider spans from tool spans from agent spans.
const (
	SpanTypeProviderCall = "provider_call"
	SpanTypeToolCall      = "tool_call"
	SpanTypeAgentTurn     = "agent_turn"
)

// NewProvider builds a TracerProvider exporting via OTLP/gRPC to endpoint.
// An empty endpoint yields a provider with no exporter registered (spans are
// created and immediately dropped), which is the default for local/offline
// runs where no collector is configured.
func NewProvider(ctx context.Context, endpoint, serviceName string) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(
			semconv.ServiceNameKey.String(serviceName),
		)),
	}
	if endpoint != "" {
		exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp, nil
}

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartProviderSpan starts a span around a ChatProvider call.
func StartProviderSpan(ctx context.Context, provider, model string, iteration int) (context.Context, trace.Span) {
	return tracer().Start(ctx, "provider_call", trace.WithAttributes(
		attribute.String("nanobot.span_type", SpanTypeProviderCall),
		attribute.String("nanobot.provider", provider),
		attribute.String("nanobot.model", model),
		attribute.Int("nanobot.iteration", iteration),
	))
}

// StartToolSpan starts a span around a single tool invocation.
func StartToolSpan(ctx context.Context, toolName, toolCallID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "tool_call:"+toolName, trace.WithAttributes(
		attribute.String("nanobot.span_type", SpanTypeToolCall),
		attribute.String("nanobot.tool", toolName),
		attribute.String("nanobot.tool_call_id", toolCallID),
	))
}

// StartAgentSpan starts the root span for one agent turn (one call into the
// loop's Run), which provider/tool spans nest under via the ambient context.
func StartAgentSpan(ctx context.Context, agentID, roomID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "agent_turn:"+agentID, trace.WithAttributes(
		attribute.String("nanobot.span_type", SpanTypeAgentTurn),
		attribute.String("nanobot.agent_id", agentID),
		attribute.String("nanobot.room_id", roomID),
	))
}

// EndWithError finalizes span, recording err as the span status if non-nil.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// RecordUsage attaches token usage attributes to the active span.
func RecordUsage(span trace.Span, promptTokens, completionTokens int) {
	span.SetAttributes(
		attribute.Int("nanobot.prompt_tokens", promptTokens),
		attribute.Int("nanobot.completion_tokens", completionTokens),
	)
}

// Shutdown flushes and stops tp, logging (not failing) on error since
// tracing is best-effort ambient infrastructure, never a correctness path.
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) {
	if tp == nil {
		return
	}
	if err := tp.Shutdown(ctx); err != nil {
		slog.Warn("tracing: shutdown failed", "error", err)
	}
}
