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
	HTTPRequests     metric.Int64Counter
	HTTPDuration     metric.Float64Histogram
	OrdersDiscovered metric.Int64Counter
	BidsSubmitted    metric.Int64Counter
	AuctionsWon      metric.Int64Counter
	ClaimExecutions  metric.Int64Counter
	SyncFailures     metric.Int64Counter
	ActiveOrders     metric.Int64UpDownCounter
}

func Setup(serviceName string) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	m := &Metrics{}

	m.HTTPRequests, err = meter.Int64Counter(
		"rsv_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPDuration, err = meter.Float64Histogram(
		"rsv_http_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.OrdersDiscovered, err = meter.Int64Counter(
		"rsv_orders_discovered_total",
		metric.WithDescription("Total number of valid bridge orders discovered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.BidsSubmitted, err = meter.Int64Counter(
		"rsv_bids_submitted_total",
		metric.WithDescription("Total number of bids submitted to auctions"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.AuctionsWon, err = meter.Int64Counter(
		"rsv_auctions_won_total",
		metric.WithDescription("Total number of auctions won by this resolver"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ClaimExecutions, err = meter.Int64Counter(
		"rsv_claim_executions_total",
		metric.WithDescription("Total number of claim executions by result"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SyncFailures, err = meter.Int64Counter(
		"rsv_sync_failures_total",
		metric.WithDescription("Total number of failed bridge state synchronizations"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ActiveOrders, err = meter.Int64UpDownCounter(
		"rsv_active_orders",
		metric.WithDescription("Number of orders currently tracked by the agent"),
	)
	if err != nil {
		return nil, nil, err
	}

	handler := promhttp.Handler()
	return m, handler, nil
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	labels := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)

	m.HTTPRequests.Add(ctx, 1, labels)
	m.HTTPDuration.Record(ctx, duration.Seconds(), labels)
}

func (m *Metrics) RecordOrderDiscovered(ctx context.Context) {
	m.OrdersDiscovered.Add(ctx, 1)
}

func (m *Metrics) RecordBidSubmitted(ctx context.Context, transferID string) {
	m.BidsSubmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("transfer_id", transferID)))
}

func (m *Metrics) RecordAuctionWon(ctx context.Context) {
	m.AuctionsWon.Add(ctx, 1)
}

func (m *Metrics) RecordClaimExecution(ctx context.Context, result string) {
	m.ClaimExecutions.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) RecordSyncFailure(ctx context.Context) {
	m.SyncFailures.Add(ctx, 1)
}

func (m *Metrics) IncrementActiveOrders(ctx context.Context) {
	m.ActiveOrders.Add(ctx, 1)
}

func (m *Metrics) DecrementActiveOrders(ctx context.Context) {
	m.ActiveOrders.Add(ctx, -1)
}
