package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/edge-ibn/ibnd/internal/catalog"
	"github.com/edge-ibn/ibnd/internal/compiler"
	"github.com/edge-ibn/ibnd/internal/core"
	"github.com/edge-ibn/ibnd/internal/events"
	"github.com/edge-ibn/ibnd/internal/feedback"
	"github.com/edge-ibn/ibnd/internal/model"
	"github.com/edge-ibn/ibnd/internal/parser"
	"github.com/edge-ibn/ibnd/internal/store"
)

type noopApplier struct{}

func (noopApplier) Apply(_ context.Context, p model.Policy) (model.Policy, error) {
	p.Status = model.PolicyApplied
	return p, nil
}

func (noopApplier) Clear(context.Context, model.Policy) error { return nil }

func (noopApplier) Reconcile(_ context.Context, _ string, policies []model.Policy) ([]model.Policy, error) {
	return policies, nil
}

func newTestServer(t *testing.T) (*Server, *core.Core) {
	t.Helper()
	dir := t.TempDir()
	write := func(name, content string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("devices.yaml", `
devices:
  - id: temp-01
    kind: sensor
    address: 10.0.0.11
    default_priority: normal
    default_qos: 1
    control_topic: devices/temp-01/control
    telemetry_topic: devices/temp-01/telemetry
    interface_class: "1:10"
`)
	write("grammar.yaml", `
rules:
  - pattern: '(?i)^prioritize\s+(?P<target>.+)$'
    intent_type: priority
    parameters: {}
`)
	write("templates.yaml", `
templates:
  - key: htb_class.priority
    kind: htb_class
    command: "tc class replace dev {{.iface}} classid {{.classid}} rate {{.rate}}bps"
    defaults: {rate: "800000"}
    params: [iface, classid]
  - key: priority_mark.priority
    kind: priority_mark
    command: "iptables -t mangle -A POSTROUTING -j MARK --set-mark {{.mark}}"
    defaults: {mark: "8"}
`)
	cat, err := catalog.New(dir)
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}

	st, err := store.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	c := core.New(core.Deps{
		Catalog:     cat,
		Store:       st,
		Parser:      parser.New(cat),
		Compiler:    compiler.New(cat, "eth0"),
		Dataplane:   noopApplier{},
		Deviceplane: noopApplier{},
		Events:      events.New(nil),
		Feedback:    feedback.DefaultConfig(),
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("core.Start: %v", err)
	}
	t.Cleanup(c.Stop)

	srv := New(c)
	t.Cleanup(srv.Stop)
	return srv, c
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var h core.Health
	if err := json.NewDecoder(rec.Body).Decode(&h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.CatalogDevices != 1 {
		t.Fatalf("CatalogDevices = %d, want 1", h.CatalogDevices)
	}
}

func TestSubmitAndGetIntent(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(submitRequest{Text: "prioritize temp-01"})
	req := httptest.NewRequest(http.MethodPost, "/intents", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var intent model.Intent
	if err := json.NewDecoder(rec.Body).Decode(&intent); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if intent.Status != model.StatusApplied {
		t.Fatalf("status = %q, want applied", intent.Status)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/intents/"+intent.ID, nil)
	getRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200: %s", getRec.Code, getRec.Body.String())
	}
}

func TestSubmitInvalidBody(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/intents", bytes.NewReader([]byte(`{"text":""}`)))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRevokeUnknownIntent(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/intents/does-not-exist/revoke", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestListDevices(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/devices", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var devices []model.Device
	if err := json.NewDecoder(rec.Body).Decode(&devices); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("len(devices) = %d, want 1", len(devices))
	}
}
