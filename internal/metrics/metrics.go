package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type Metrics struct {
	HTTPRequests      metric.Int64Counter
	HTTPDuration      metric.Float64Histogram
	CacheHits         metric.Int64Counter
	CacheMisses       metric.Int64Counter
	ActiveConnections metric.Int64UpDownCounter

	StateTransitions  metric.Int64Counter
	AttestationPolls  metric.Int64Counter
	AttestationWait   metric.Float64Histogram
	MintAttempts      metric.Int64Counter
	TransfersFinished metric.Int64Counter
}

func Setup(serviceName string) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := newMetrics(provider.Meter(serviceName))
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.HTTPRequests, "tc_http_requests_total", "Total number of HTTP requests"},
		{&m.CacheHits, "tc_cache_hits_total", "Total number of cache hits"},
		{&m.CacheMisses, "tc_cache_misses_total", "Total number of cache misses"},
		{&m.StateTransitions, "tc_transfer_state_transitions_total", "Transfer state machine transitions"},
		{&m.AttestationPolls, "tc_attestation_polls_total", "Attestation service requests by outcome"},
		{&m.MintAttempts, "tc_mint_attempts_total", "Destination mint batch attempts by outcome"},
		{&m.TransfersFinished, "tc_transfers_finished_total", "Transfers that reached a terminal state"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	m.HTTPDuration, err = meter.Float64Histogram(
		"tc_http_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, err
	}

	m.AttestationWait, err = meter.Float64Histogram(
		"tc_attestation_wait_seconds",
		metric.WithDescription("Time from first poll to a complete attestation"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter(
		"tc_stream_connections",
		metric.WithDescription("Number of active WebSocket and SSE connections"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// All Record methods are safe on a nil receiver so components can run without metrics.

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)
	m.HTTPRequests.Add(ctx, 1, labels)
	m.HTTPDuration.Record(ctx, duration.Seconds(), labels)
}

func (m *Metrics) RecordCacheHit(ctx context.Context, key string) {
	if m == nil {
		return
	}
	m.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

func (m *Metrics) RecordCacheMiss(ctx context.Context, key string) {
	if m == nil {
		return
	}
	m.CacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

func (m *Metrics) IncrementConnections(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(ctx, 1)
}

func (m *Metrics) DecrementConnections(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(ctx, -1)
}

func (m *Metrics) RecordStateTransition(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
	if state == "completed" || state == "error" {
		m.TransfersFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
	}
}

func (m *Metrics) RecordAttestationPoll(ctx context.Context, sourceChainID uint64, outcome string) {
	if m == nil {
		return
	}
	m.AttestationPolls.Add(ctx, 1, metric.WithAttributes(
		attribute.Int64("chain_id", int64(sourceChainID)),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordAttestationWait(ctx context.Context, sourceChainID uint64, wait time.Duration) {
	if m == nil {
		return
	}
	m.AttestationWait.Record(ctx, wait.Seconds(), metric.WithAttributes(attribute.Int64("chain_id", int64(sourceChainID))))
}

func (m *Metrics) RecordMintAttempt(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.MintAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
