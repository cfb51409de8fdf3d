// Package telemetry sets up OpenTelemetry tracing and bridges OpenTelemetry
// metrics into the Prometheus registry served on /metrics.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-fetch/internal/crawler"
)

const instrumentation = "politefetch/worker"

// Config controls telemetry setup.
type Config struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string
	OTLPInsecure bool
}

// Providers holds the configured providers.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Propagator     propagation.TextMapPropagator
	Shutdown       func(ctx context.Context) error
}

var (
	instrumentsOnce sync.Once
	attemptDuration metric.Float64Histogram
)

// Init installs global tracer and meter providers. It returns nil providers
// when disabled. A failing OTLP exporter is logged and tracing continues
// without export.
func Init(ctx context.Context, cfg Config, logger *zap.Logger) (*Providers, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "politefetch"
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.OTLPEndpoint != "" {
		opts := []otlptracehttp.Option{endpointOption(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			logger.Warn("otlp trace exporter unavailable; spans are not exported",
				zap.String("endpoint", cfg.OTLPEndpoint), zap.Error(err))
		} else {
			traceOpts = append(traceOpts, sdktrace.WithBatcher(exp))
		}
	}
	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tracerProvider)

	prop := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	otel.SetTextMapPropagator(prop)

	promExporter, err := otelprom.New(otelprom.WithRegisterer(prometheus.DefaultRegisterer))
	if err != nil {
		_ = tracerProvider.Shutdown(ctx)
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		var all error
		if err := meterProvider.Shutdown(ctx); err != nil {
			all = errors.Join(all, fmt.Errorf("meter provider shutdown: %w", err))
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			all = errors.Join(all, fmt.Errorf("tracer provider shutdown: %w", err))
		}
		return all
	}
	return &Providers{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Propagator:     prop,
		Shutdown:       shutdown,
	}, nil
}

func endpointOption(endpoint string) otlptracehttp.Option {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return otlptracehttp.WithEndpointURL(endpoint)
	}
	return otlptracehttp.WithEndpoint(endpoint)
}

// WrapHandler instruments handler when providers are active.
func WrapHandler(handler http.Handler, prov *Providers) http.Handler {
	if prov == nil || prov.TracerProvider == nil {
		return handler
	}
	return otelhttp.NewHandler(handler, "http.server",
		otelhttp.WithTracerProvider(prov.TracerProvider),
		otelhttp.WithMeterProvider(prov.MeterProvider),
		otelhttp.WithPropagators(prov.Propagator),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != "/readyz"
		}),
	)
}

// Tracer returns the tracer used for fetch attempts.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentation)
}

// StartAttemptSpan starts the span for one fetch attempt.
func StartAttemptSpan(ctx context.Context, tracer trace.Tracer, req *crawler.Request) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = Tracer()
	}
	return tracer.Start(ctx, "fetch.attempt", trace.WithAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("request.url", req.Target()),
		attribute.String("request.domain", req.DomainKey),
		attribute.String("request.kind", req.Kind.String()),
		attribute.Int("request.retry", req.RetryCount),
	))
}

// RecordAttempt records the attempt duration on the global meter provider.
func RecordAttempt(ctx context.Context, kind, outcome string, d time.Duration) {
	instrumentsOnce.Do(func() {
		h, err := otel.Meter(instrumentation).Float64Histogram(
			"politefetch.attempt.duration_ms",
			metric.WithUnit("ms"),
			metric.WithDescription("Wall time of one fetch attempt"),
		)
		if err == nil {
			attemptDuration = h
		}
	})
	if attemptDuration == nil {
		return
	}
	attemptDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
		attribute.String("request.kind", kind),
		attribute.String("outcome", outcome),
	))
}
