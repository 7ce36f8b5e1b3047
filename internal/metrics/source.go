package metrics

import (
	"context"
	"fmt"
	"time"

	promapi "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	commonmodel "github.com/prometheus/common/model"

	"github.com/edge-ibn/ibnd/internal/model"
)

// Source is the feedback controller's view of telemetry: a range query
// over one metric for one device since a point in time. Grounded on the
// original feedback engine's Prometheus range queries
// (iot_latency_ms/iot_messages_sent_total/iot_bandwidth_bytes).
type Source interface {
	Query(ctx context.Context, metricName, deviceID string, since time.Time) ([]model.MetricSample, error)
}

// StoreSource answers queries from the controller's own durable metric
// history, populated by device telemetry ingestion. This is the default
// source: no external Prometheus deployment is required to close the
// feedback loop.
type StoreSource struct {
	lister interface {
		ListMetrics(deviceID, metricName string, since time.Time) ([]model.MetricSample, error)
	}
}

// NewStoreSource wraps a store.Store (or anything with a matching
// ListMetrics method) as a Source.
func NewStoreSource(lister interface {
	ListMetrics(deviceID, metricName string, since time.Time) ([]model.MetricSample, error)
}) *StoreSource {
	return &StoreSource{lister: lister}
}

func (s *StoreSource) Query(_ context.Context, metricName, deviceID string, since time.Time) ([]model.MetricSample, error) {
	return s.lister.ListMetrics(deviceID, metricName, since)
}

// PromSource answers queries against an external Prometheus server,
// for deployments that already run the metrics/dashboard stack described
// as an external collaborator. Grounded on the original monitor's
// query_prometheus HTTP calls, lowered onto the Prometheus client module's
// own v1 API rather than hand-rolled HTTP.
type PromSource struct {
	api promv1.API
}

// NewPromSource connects to the Prometheus server at addr (e.g.
// "http://localhost:9090").
func NewPromSource(addr string) (*PromSource, error) {
	client, err := promapi.NewClient(promapi.Config{Address: addr})
	if err != nil {
		return nil, fmt.Errorf("prometheus client: %w", err)
	}
	return &PromSource{api: promv1.NewAPI(client)}, nil
}

func (s *PromSource) Query(ctx context.Context, metricName, deviceID string, since time.Time) ([]model.MetricSample, error) {
	query := fmt.Sprintf(`%s{device_id=%q}`, metricName, deviceID)
	r := promv1.Range{Start: since, End: time.Now(), Step: 15 * time.Second}
	val, warnings, err := s.api.QueryRange(ctx, query, r)
	_ = warnings
	if err != nil {
		return nil, fmt.Errorf("prometheus query_range %q: %w", query, err)
	}
	matrix, ok := val.(commonmodel.Matrix)
	if !ok {
		return nil, fmt.Errorf("prometheus query_range %q: unexpected result type %T", query, val)
	}
	var out []model.MetricSample
	for _, series := range matrix {
		for _, point := range series.Values {
			out = append(out, model.MetricSample{
				MetricName: metricName,
				DeviceID:   deviceID,
				Value:      float64(point.Value),
				Timestamp:  point.Timestamp.Time(),
			})
		}
	}
	return out, nil
}
