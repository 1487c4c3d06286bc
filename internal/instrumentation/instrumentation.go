// Package instrumentation exposes OpenTelemetry metrics through a Prometheus registry.
package instrumentation

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// DefaultServiceVersion is reported when no version is configured.
const DefaultServiceVersion = "dev"

const meterPrefix = "github.com/MGallo-Code/obol/"

// Config holds instrumentation configuration.
type Config struct {
	// ServiceName defaults to "obol".
	ServiceName    string
	ServiceVersion string

	// GoCollectors adds Go runtime and process collectors to the registry.
	GoCollectors bool
}

// Instrumentation owns the meter provider and the registry /metrics scrapes.
type Instrumentation struct {
	registry      *prometheus.Registry
	meterProvider *sdkmetric.MeterProvider
	metrics       *Metrics

	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds a private Prometheus registry, bridges an OTel meter provider into it,
// and creates every metric instrument.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = "obol"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	reg := prometheus.NewRegistry()
	if config.GoCollectors {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	inst := &Instrumentation{
		registry: reg,
		meterProvider: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		),
	}

	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	return inst, nil
}

// Meter returns a meter named github.com/MGallo-Code/obol/{scope}.
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(meterPrefix + scope)
}

// Metrics returns the instrument holder.
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// Handler serves the registry in the Prometheus text format.
func (i *Instrumentation) Handler() http.Handler {
	return promhttp.HandlerFor(i.registry, promhttp.HandlerOpts{Registry: i.registry})
}

// RegisterGauge reports fn() under name each time the registry is scraped.
func (i *Instrumentation) RegisterGauge(scope, name, description string, fn func() int64) error {
	_, err := i.Meter(scope).Int64ObservableGauge(
		name,
		metric.WithDescription(description),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(fn())
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create %s gauge: %w", name, err)
	}
	return nil
}

// Shutdown flushes and stops the meter provider. Safe to call more than once.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	i.shutdownOnce.Do(func() {
		i.shutdownErr = i.meterProvider.Shutdown(ctx)
	})
	return i.shutdownErr
}
