package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/edge-ibn/ibnd/internal/model"
)

func openTest(t *testing.T) *BoltStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ibnd.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIntentRoundTrip(t *testing.T) {
	s := openTest(t)
	in := model.Intent{ID: "intent-1", RawText: "prioritize cameras", Status: model.StatusPending}
	if err := s.PutIntent(in); err != nil {
		t.Fatalf("PutIntent: %v", err)
	}
	got, err := s.GetIntent("intent-1")
	if err != nil {
		t.Fatalf("GetIntent: %v", err)
	}
	if got.RawText != in.RawText {
		t.Fatalf("RawText = %q, want %q", got.RawText, in.RawText)
	}
	if _, err := s.GetIntent("nope"); err != ErrNotFound {
		t.Fatalf("GetIntent unknown: err = %v, want ErrNotFound", err)
	}
}

func TestUpdateIntentAtomic(t *testing.T) {
	s := openTest(t)
	in := model.Intent{ID: "intent-2", Status: model.StatusPending}
	if err := s.PutIntent(in); err != nil {
		t.Fatalf("PutIntent: %v", err)
	}
	err := s.UpdateIntent("intent-2", func(i *model.Intent) error {
		i.Status = model.StatusCompiled
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateIntent: %v", err)
	}
	got, _ := s.GetIntent("intent-2")
	if got.Status != model.StatusCompiled {
		t.Fatalf("Status = %q, want compiled", got.Status)
	}
}

func TestPolicyIndexesAndSupersession(t *testing.T) {
	s := openTest(t)
	p1 := model.Policy{ID: "p1", IntentID: "intent-1", Kind: model.KindHTBClass, Target: "eth0:1:10"}
	p2 := model.Policy{ID: "p2", IntentID: "intent-1", Kind: model.KindMQTTQoS, Target: "dev-1"}
	if err := s.PutPolicies([]model.Policy{p1, p2}); err != nil {
		t.Fatalf("PutPolicies: %v", err)
	}

	byIntent, err := s.ListPoliciesByIntent("intent-1")
	if err != nil {
		t.Fatalf("ListPoliciesByIntent: %v", err)
	}
	if len(byIntent) != 2 {
		t.Fatalf("len(byIntent) = %d, want 2", len(byIntent))
	}

	found, ok, err := s.FindPolicyByKey(p1.Key())
	if err != nil {
		t.Fatalf("FindPolicyByKey: %v", err)
	}
	if !ok || found.ID != "p1" {
		t.Fatalf("FindPolicyByKey: found=%v ok=%v", found, ok)
	}

	// A new policy colliding on the same key supersedes the old index entry.
	p1Superseding := model.Policy{ID: "p1b", IntentID: "intent-3", Kind: model.KindHTBClass, Target: "eth0:1:10"}
	if err := s.PutPolicies([]model.Policy{p1Superseding}); err != nil {
		t.Fatalf("PutPolicies: %v", err)
	}
	found, ok, err = s.FindPolicyByKey(p1.Key())
	if err != nil {
		t.Fatalf("FindPolicyByKey: %v", err)
	}
	if !ok || found.ID != "p1b" {
		t.Fatalf("FindPolicyByKey after supersession: found=%v", found)
	}
}

func TestAuditOrderingByIntent(t *testing.T) {
	s := openTest(t)
	base := time.Now()
	entries := []model.AuditEntry{
		{IntentID: "intent-1", FromStatus: model.StatusPending, ToStatus: model.StatusCompiled, At: base},
		{IntentID: "intent-1", FromStatus: model.StatusCompiled, ToStatus: model.StatusApplied, At: base.Add(time.Second)},
		{IntentID: "intent-2", FromStatus: model.StatusPending, ToStatus: model.StatusCompiled, At: base},
	}
	for _, e := range entries {
		if err := s.AppendAudit(e); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}
	got, err := s.ListAudit("intent-1")
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].ToStatus != model.StatusCompiled || got[1].ToStatus != model.StatusApplied {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestMetricsRangeAndPrune(t *testing.T) {
	s := openTest(t)
	base := time.Now()
	samples := []model.MetricSample{
		{DeviceID: "temp-01", MetricName: "latency_ms", Value: 10, Timestamp: base.Add(-time.Hour)},
		{DeviceID: "temp-01", MetricName: "latency_ms", Value: 20, Timestamp: base},
		{DeviceID: "temp-01", MetricName: "bandwidth_bytes", Value: 500, Timestamp: base},
	}
	for _, m := range samples {
		if err := s.AppendMetric(m); err != nil {
			t.Fatalf("AppendMetric: %v", err)
		}
	}

	got, err := s.ListMetrics("temp-01", "latency_ms", base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("ListMetrics: %v", err)
	}
	if len(got) != 1 || got[0].Value != 20 {
		t.Fatalf("ListMetrics = %+v, want one sample with value 20", got)
	}

	if err := s.PruneMetrics(base.Add(-time.Minute)); err != nil {
		t.Fatalf("PruneMetrics: %v", err)
	}
	remaining, err := s.ListMetrics("temp-01", "latency_ms", base.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("ListMetrics after prune: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("len(remaining) = %d, want 1 (stale sample pruned)", len(remaining))
	}
}
