// Package otel wires OpenTelemetry tracing and metrics. Metrics are always
// scrapeable on /metrics through a Prometheus reader; OTLP push export is
// gated on OTEL_EXPORTER_OTLP_ENDPOINT and trace export only runs with it.
package otel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ShutdownFunc flushes buffered telemetry and stops the providers.
type ShutdownFunc func(ctx context.Context) error

// Setup initializes the global tracer and meter providers. The meter provider
// always carries a Prometheus reader backing the /metrics endpoint; when
// OTEL_EXPORTER_OTLP_ENDPOINT is set it additionally pushes over OTLP gRPC
// and a tracer provider is installed. The OTLP exporters read their endpoint
// and TLS settings from the standard OTEL_EXPORTER_OTLP_* environment
// variables.
func Setup(ctx context.Context, serviceName, version string, logger *slog.Logger) (ShutdownFunc, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Empty schema URL avoids merge conflicts with the default resource.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	promExp, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	meterOpts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	}

	var tp *sdktrace.TracerProvider
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint != "" {
		traceExp, err := otlptracegrpc.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(traceExp),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))

		metricExp, err := otlpmetricgrpc.New(ctx)
		if err != nil {
			shutdownErr := tp.Shutdown(ctx)
			return nil, errors.Join(fmt.Errorf("otlp metric exporter: %w", err), shutdownErr)
		}
		meterOpts = append(meterOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))
		logger.Info("otlp export enabled", "endpoint", endpoint, "service", serviceName)
	} else {
		logger.Debug("otlp export disabled, OTEL_EXPORTER_OTLP_ENDPOINT not set")
	}

	mp := sdkmetric.NewMeterProvider(meterOpts...)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		if tp != nil {
			return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
		}
		return mp.Shutdown(ctx)
	}, nil
}

// MetricsHandler serves the Prometheus scrape endpoint. The exporter
// registers with the default registry, so the stock handler covers it.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
