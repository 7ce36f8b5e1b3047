package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/edge-ibn/ibnd/internal/model"
)

func TestHandlerExposesRegisteredCollectors(t *testing.T) {
	m := New()
	m.ObserveIntentSubmitted("pending")
	m.ObservePolicyApplied("data_plane", "htb_class", 10*time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.ObserveIntentSubmitted("pending")
	m.ObservePolicyApplied("data_plane", "htb_class", time.Millisecond)
	m.ObservePolicyFailed("data_plane", "htb_class")
	m.ObserveFeedbackCorrection()
	m.SetDeviceOnline("temp-01", true)
	m.SetActiveIntents("pending", 1)
	if _, ok := m.Handler().(http.Handler); !ok {
		t.Fatalf("nil Metrics Handler() should still return a usable http.Handler")
	}
}

type fakeLister struct {
	samples []model.MetricSample
}

func (f *fakeLister) ListMetrics(deviceID, metricName string, since time.Time) ([]model.MetricSample, error) {
	var out []model.MetricSample
	for _, s := range f.samples {
		if s.DeviceID == deviceID && s.MetricName == metricName && !s.Timestamp.Before(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

func TestStoreSourceDelegatesToLister(t *testing.T) {
	now := time.Now()
	lister := &fakeLister{samples: []model.MetricSample{
		{DeviceID: "temp-01", MetricName: "latency_ms", Value: 42, Timestamp: now},
		{DeviceID: "temp-02", MetricName: "latency_ms", Value: 99, Timestamp: now},
	}}
	src := NewStoreSource(lister)
	got, err := src.Query(context.Background(), "latency_ms", "temp-01", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].Value != 42 {
		t.Fatalf("got = %+v", got)
	}
}
