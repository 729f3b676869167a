// Package telemetry builds the OpenTelemetry MeterProvider that authflowd
// uses to push its counters to an OTLP/gRPC collector.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// ExportInterval is how often the periodic reader pushes.
const ExportInterval = 10 * time.Second

// Meter holds the provider and its shutdown.
type Meter struct {
	Provider *metric.MeterProvider
	Shutdown func(context.Context) error
}

// NewMeter returns a MeterProvider exporting to endpoint. An empty endpoint
// yields a provider without readers and a no-op Shutdown.
func NewMeter(ctx context.Context, endpoint, serviceName string, insecureOverride bool) (*Meter, error) {
	if strings.TrimSpace(endpoint) == "" {
		return &Meter{
			Provider: metric.NewMeterProvider(),
			Shutdown: func(context.Context) error { return nil },
		}, nil
	}

	target, insecure, err := Target(endpoint)
	if err != nil {
		return nil, err
	}
	insecure = insecure || insecureOverride

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(target)}
	if insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}
	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exp, metric.WithInterval(ExportInterval))),
	)
	return &Meter{Provider: mp, Shutdown: mp.Shutdown}, nil
}

// Target reduces endpoint to the host:port gRPC dials. Paths are dropped.
// Anything but https is plaintext.
func Target(endpoint string) (string, bool, error) {
	endpoint = strings.TrimSpace(endpoint)
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: missing host", endpoint)
	}
	return u.Host, u.Scheme != "https", nil
}
