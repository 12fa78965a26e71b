package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/tts-bridge"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	bridgeCallDuration metric.Float64Histogram
	bridgeCallsTotal   metric.Int64Counter

	synthesisDuration metric.Float64Histogram
	synthesisTotal    metric.Int64Counter
	synthesisBytes    metric.Int64Counter

	refreshTotal    metric.Int64Counter
	refreshDuration metric.Float64Histogram

	eventsPublishedTotal metric.Int64Counter
	eventsDroppedTotal   metric.Int64Counter
	eventSubscribers     metric.Int64UpDownCounter

	// Reaper metrics
	reaperDeletedTotal metric.Int64Counter
	reaperDuration     metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "tts-bridge"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	counter := func(dst *metric.Int64Counter, name, desc, unit string) {
		if err != nil {
			return
		}
		*dst, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	}
	histogram := func(dst *metric.Float64Histogram, name, desc string, bounds ...float64) {
		if err != nil {
			return
		}
		*dst, err = meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(bounds...),
		)
	}

	httpBuckets := []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	// A token refresh waits up to five minutes for the hub's link button.
	slowBuckets := []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

	counter(&m.requestsTotal, "tts_bridge_http_requests_total", "Total number of HTTP requests", "{request}")
	counter(&m.responseBytesTotal, "tts_bridge_http_response_bytes_total", "Total bytes sent in HTTP responses", "By")
	histogram(&m.requestDuration, "tts_bridge_http_request_duration_seconds", "HTTP request duration in seconds", httpBuckets...)
	counter(&m.requestsByEndpointTotal, "tts_bridge_http_requests_by_endpoint_total", "Total number of HTTP requests by endpoint (detail metric)", "{request}")

	histogram(&m.backendRequestDuration, "tts_bridge_backend_request_duration_seconds", "Duration of audio tier storage operations",
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5)
	counter(&m.backendRequestsTotal, "tts_bridge_backend_requests_total", "Total number of audio tier storage operations", "{request}")
	counter(&m.backendBytesTotal, "tts_bridge_backend_bytes_total", "Total bytes transferred in audio tier operations", "By")

	histogram(&m.bridgeCallDuration, "tts_bridge_bridge_call_duration_seconds", "Duration of device bridge API calls", slowBuckets...)
	counter(&m.bridgeCallsTotal, "tts_bridge_bridge_calls_total", "Total number of device bridge API calls", "{call}")

	histogram(&m.synthesisDuration, "tts_bridge_synthesis_duration_seconds", "Duration of speech synthesis runs", slowBuckets...)
	counter(&m.synthesisTotal, "tts_bridge_synthesis_total", "Total number of speech synthesis runs", "{run}")
	counter(&m.synthesisBytes, "tts_bridge_synthesis_bytes_total", "Total bytes of synthesized audio", "By")

	counter(&m.refreshTotal, "tts_bridge_credential_refresh_total", "Total number of credential refreshes", "{refresh}")
	histogram(&m.refreshDuration, "tts_bridge_credential_refresh_duration_seconds", "Duration of credential refreshes", slowBuckets...)

	counter(&m.eventsPublishedTotal, "tts_bridge_events_published_total", "Total events delivered to subscribers", "{event}")
	counter(&m.eventsDroppedTotal, "tts_bridge_events_dropped_total", "Total events dropped for slow subscribers", "{event}")
	if err == nil {
		m.eventSubscribers, err = meter.Int64UpDownCounter("tts_bridge_event_subscribers",
			metric.WithDescription("Current number of event stream subscribers"),
			metric.WithUnit("{subscriber}"),
		)
	}

	counter(&m.reaperDeletedTotal, "tts_bridge_reaper_deleted_total", "Total entries deleted by reapers", "{entry}")
	histogram(&m.reaperDuration, "tts_bridge_reaper_duration_seconds", "Duration of reaper cycles",
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30)

	if err != nil {
		return nil, err
	}
	return &m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Surface, endpoint and error code are read from request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	surface := "unknown"
	endpoint := ""
	errorCode := 0
	if tags := GetTags(r); tags != nil {
		if tags.Surface != "" {
			surface = tags.Surface
		}
		endpoint = tags.Endpoint
		errorCode = tags.ErrorCode
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {surface, status_class}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("surface", surface),
		attribute.String("status_class", statusClass),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Detail metric: higher cardinality, only when endpoint is set
	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("surface", surface),
			attribute.String("endpoint", endpoint),
			attribute.String("error_code", strconv.Itoa(errorCode)),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordBackendOp records audio tier operation metrics.
func RecordBackendOp(ctx context.Context, tier, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tier", tier),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordBridgeCall records one device bridge API call.
func RecordBridgeCall(ctx context.Context, operation, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}

	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	}
	globalMetrics.bridgeCallDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.bridgeCallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSynthesis records one synthesis run. bytes is the size of the
// produced audio and is ignored on failure.
func RecordSynthesis(ctx context.Context, language, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("language", language),
		attribute.String("outcome", outcome),
	}
	globalMetrics.synthesisTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.synthesisDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.synthesisBytes.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordRefresh records a completed credential refresh.
// outcome is "success" or the failure kind.
func RecordRefresh(ctx context.Context, outcome string, registered bool, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Bool("registered", registered),
	)
	globalMetrics.refreshTotal.Add(ctx, 1, attrs)
	globalMetrics.refreshDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordEventPublish records one published event and how many subscribers
// received or missed it.
func RecordEventPublish(ctx context.Context, event string, delivered, dropped int) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("event", event))
	if delivered > 0 {
		globalMetrics.eventsPublishedTotal.Add(ctx, int64(delivered), attrs)
	}
	if dropped > 0 {
		globalMetrics.eventsDroppedTotal.Add(ctx, int64(dropped), attrs)
	}
}

// AddEventSubscribers adjusts the live subscriber gauge by delta.
func AddEventSubscribers(ctx context.Context, delta int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.eventSubscribers.Add(ctx, delta)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// RecordReaperCycle records one reaper cycle's deleted count and duration.
// Called unconditionally per cycle.
func RecordReaperCycle(ctx context.Context, reaper string, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reaper", reaper))
	globalMetrics.reaperDeletedTotal.Add(ctx, int64(deleted), attrs)
	globalMetrics.reaperDuration.Record(ctx, duration.Seconds(), attrs)
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
