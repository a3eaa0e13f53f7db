package observe

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Provider bundles the meter provider and the scrape handler backed by it.
type Provider struct {
	MeterProvider *sdkmetric.MeterProvider
	Handler       http.Handler
}

// InitProvider sets up a meter provider exporting to a private Prometheus
// registry and registers it as the global OTel meter provider.
func InitProvider(serviceName, serviceVersion string) (*Provider, error) {
	if serviceName == "" {
		serviceName = "livescribe"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(mp)

	return &Provider{
		MeterProvider: mp,
		Handler:       promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}, nil
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.MeterProvider.Shutdown(ctx)
}
