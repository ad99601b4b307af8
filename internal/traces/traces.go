// Package traces wires OpenTelemetry tracing through the dispute protocol
// and the persistence writer.
package traces

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

const (
	tracerName  = "github.com/thecockatiel/bisq-light-client-sub004"
	serviceName = "disputed"
)

// Options configure the exporter. An empty Endpoint disables tracing.
type Options struct {
	Endpoint string
	Version  string
	Network  string // base currency network, recorded on every span
}

// Init installs the global tracer provider and returns its shutdown func.
func Init(ctx context.Context, opts Options, logger *slog.Logger) (func(context.Context) error, error) {
	if opts.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(opts.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(opts)...))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", opts.Endpoint, "network", opts.Network)
	return tp.Shutdown, nil
}

func resourceAttributes(opts Options) []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if opts.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(opts.Version))
	}
	if opts.Network != "" {
		attrs = append(attrs, attribute.String("bisq.network", opts.Network))
	}
	return attrs
}

// StartSpan starts a span under ctx.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartDispute starts a root span about one copy of a dispute. Dispute
// handlers run on the logical thread and carry no request context.
func StartDispute(name, supportType, tradeID string, traderID int) trace.Span {
	_, span := StartSpan(context.Background(), name,
		SupportType(supportType), TradeID(tradeID), TraderID(traderID))
	return span
}

// Fail marks span as failed with err.
func Fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func TradeID(id string) attribute.KeyValue {
	return attribute.String("trade.id", id)
}

func TraderID(id int) attribute.KeyValue {
	return attribute.Int("trader.id", id)
}

func SupportType(t string) attribute.KeyValue {
	return attribute.String("support.type", t)
}

func MessageKind(kind string) attribute.KeyValue {
	return attribute.String("message.kind", kind)
}

func MessageUID(uid string) attribute.KeyValue {
	return attribute.String("message.uid", uid)
}

// FileName and Bytes decorate persistence writes.
func FileName(name string) attribute.KeyValue {
	return attribute.String("persistence.file", name)
}

func Bytes(n int) attribute.KeyValue {
	return attribute.Int("persistence.bytes", n)
}
