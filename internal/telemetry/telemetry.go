// Package telemetry поднимает опциональный OpenTelemetry trace provider с экспортом
// в OTLP/gRPC collector. Без endpoint провайдер остаётся no-op, и спаны sync-циклов
// ничего не стоят.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const defaultServiceName = "ordersync"

// Config соответствует блоку telemetry в конфигурации.
type Config struct {
	// OTLPEndpoint в формате host:port; пустое значение отключает экспорт.
	OTLPEndpoint   string
	Insecure       bool
	ServiceName    string
	ServiceVersion string
	// Headers уходят gRPC metadata в каждом OTLP-запросе (например, токен авторизации).
	Headers map[string]string
}

// Enabled сообщает, настроен ли экспорт.
func (c Config) Enabled() bool {
	return c.OTLPEndpoint != ""
}

// ShutdownFunc сбрасывает буфер спанов и закрывает соединение с collector-ом.
// Вызывать со свежим контекстом: основной к этому моменту обычно уже отменён.
type ShutdownFunc func(context.Context) error

// Setup создаёт trace provider и делает его глобальным. ShutdownFunc всегда не nil.
func Setup(ctx context.Context, cfg Config) (trace.TracerProvider, ShutdownFunc, error) {
	if !cfg.Enabled() {
		return noop.NewTracerProvider(), noopShutdown, nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	attrs := []attribute.KeyValue{attribute.String("service.name", name)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, attribute.String("service.version", cfg.ServiceVersion))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, noopShutdown, fmt.Errorf("build otel resource: %w", err)
	}

	creds := credentials.NewTLS(nil)
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(cfg.OTLPEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, noopShutdown, fmt.Errorf("dial otlp collector %q: %w", cfg.OTLPEndpoint, err)
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithGRPCConn(conn),
		otlptracegrpc.WithHeaders(cfg.Headers),
	)
	if err != nil {
		_ = conn.Close()
		return nil, noopShutdown, fmt.Errorf("create otlp trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return provider, func(ctx context.Context) error {
		var errs []error
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("otlp connection close: %w", err))
		}
		return errors.Join(errs...)
	}, nil
}

func noopShutdown(context.Context) error { return nil }
