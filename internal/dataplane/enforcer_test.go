package dataplane

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edge-ibn/ibnd/internal/catalog"
	"github.com/edge-ibn/ibnd/internal/model"
)

type fakeRunner struct {
	commands []string
	failOn   string
}

func (f *fakeRunner) Run(_ context.Context, command string) (string, error) {
	f.commands = append(f.commands, command)
	if f.failOn != "" && command == f.failOn {
		return "permission denied", errors.New("exit status 2")
	}
	return "", nil
}

// flakyRunner fails failCommand the first failTimes calls, then succeeds,
// modeling a transient tc/netlink error that clears on retry.
type flakyRunner struct {
	failCommand string
	failTimes   int
	calls       int
}

func (f *flakyRunner) Run(_ context.Context, command string) (string, error) {
	if command == f.failCommand && f.calls < f.failTimes {
		f.calls++
		return "device or resource busy", errors.New("exit status 2")
	}
	return "", nil
}

func newTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	dir := t.TempDir()
	write := func(name, content string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("devices.yaml", `devices: []`)
	write("grammar.yaml", `rules: []`)
	write("templates.yaml", `
templates:
  - key: htb_class.priority
    kind: htb_class
    command: "tc class add dev {{.iface}} parent 1: classid {{.classid}} htb rate {{.rate}}bps"
    defaults:
      rate: "800000"
    params: [iface, classid]
`)
	cat, err := catalog.New(dir)
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	return cat
}

func TestApplySuccess(t *testing.T) {
	runner := &fakeRunner{}
	e := New(newTestCatalog(t), runner, nil, nil)
	policy := model.Policy{
		ID: "p1", Kind: model.KindHTBClass, Plane: model.PlaneData,
		Parameters: map[string]any{"template": "htb_class.priority", "iface": "eth0", "classid": "1:10"},
	}
	got, err := e.Apply(context.Background(), policy)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got.Status != model.PolicyApplied {
		t.Fatalf("Status = %q, want applied", got.Status)
	}
	if len(runner.commands) != 1 {
		t.Fatalf("commands = %v", runner.commands)
	}
	want := "tc class add dev eth0 parent 1: classid 1:10 htb rate 800000bps"
	if runner.commands[0] != want {
		t.Fatalf("command = %q, want %q", runner.commands[0], want)
	}
}

func TestApplyFailureSetsStatusFailed(t *testing.T) {
	want := "tc class add dev eth0 parent 1: classid 1:10 htb rate 800000bps"
	runner := &fakeRunner{failOn: want}
	e := New(newTestCatalog(t), runner, nil, nil)
	policy := model.Policy{
		ID: "p1", Kind: model.KindHTBClass, Plane: model.PlaneData,
		Parameters: map[string]any{"template": "htb_class.priority", "iface": "eth0", "classid": "1:10"},
	}
	got, err := e.Apply(context.Background(), policy)
	if err == nil {
		t.Fatalf("Apply: want error")
	}
	if got.Status != model.PolicyFailed {
		t.Fatalf("Status = %q, want failed", got.Status)
	}
	if got.Attempts != 3 {
		t.Fatalf("Attempts = %d, want 3 (default maxRetries)", got.Attempts)
	}
	if len(runner.commands) != 3 {
		t.Fatalf("commands = %v, want 3 retried attempts", runner.commands)
	}
}

func TestApplyRetriesThenSucceeds(t *testing.T) {
	want := "tc class add dev eth0 parent 1: classid 1:10 htb rate 800000bps"
	runner := &flakyRunner{failCommand: want, failTimes: 2}
	e := New(newTestCatalog(t), runner, nil, nil, WithRetryBackoff(time.Millisecond, 4*time.Millisecond))
	policy := model.Policy{
		ID: "p1", Kind: model.KindHTBClass, Plane: model.PlaneData,
		Parameters: map[string]any{"template": "htb_class.priority", "iface": "eth0", "classid": "1:10"},
	}
	got, err := e.Apply(context.Background(), policy)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got.Status != model.PolicyApplied {
		t.Fatalf("Status = %q, want applied", got.Status)
	}
	if got.Attempts != 3 {
		t.Fatalf("Attempts = %d, want 3 (2 failures then a success)", got.Attempts)
	}
}

func TestApplySerializesPerInterface(t *testing.T) {
	runner := &fakeRunner{}
	e := New(newTestCatalog(t), runner, nil, nil)
	p1 := model.Policy{ID: "p1", Parameters: map[string]any{"template": "htb_class.priority", "iface": "eth0", "classid": "1:10"}}
	p2 := model.Policy{ID: "p2", Parameters: map[string]any{"template": "htb_class.priority", "iface": "eth0", "classid": "1:11"}}

	if _, err := e.Apply(context.Background(), p1); err != nil {
		t.Fatalf("Apply p1: %v", err)
	}
	if _, err := e.Apply(context.Background(), p2); err != nil {
		t.Fatalf("Apply p2: %v", err)
	}
	if len(runner.commands) != 2 {
		t.Fatalf("commands = %v", runner.commands)
	}
}

// liveRunner answers tc/iptables introspection commands with fixed output
// and records everything else (the apply commands Reconcile issues).
type liveRunner struct {
	responses map[string]string
	commands  []string
}

func (r *liveRunner) Run(_ context.Context, command string) (string, error) {
	if out, ok := r.responses[command]; ok {
		return out, nil
	}
	r.commands = append(r.commands, command)
	return "", nil
}

func TestReconcileSkipsDirectivesAlreadyPresent(t *testing.T) {
	runner := &liveRunner{responses: map[string]string{
		"tc qdisc show dev eth0":            "",
		"tc class show dev eth0":            "class htb 1:10 root prio 0 rate 800000bit ceil 800000bit classid 1:10",
		"iptables -t mangle -S POSTROUTING":  "-P POSTROUTING ACCEPT",
	}}
	e := New(newTestCatalog(t), runner, nil, nil)
	policy := model.Policy{
		ID: "p1", Kind: model.KindHTBClass, Plane: model.PlaneData, Status: model.PolicyApplied,
		Parameters: map[string]any{"template": "htb_class.priority", "iface": "eth0", "classid": "1:10"},
	}

	out, err := e.Reconcile(context.Background(), "eth0", []model.Policy{policy})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(out) != 1 || out[0].Status != model.PolicyApplied {
		t.Fatalf("out = %+v, want the policy left alone", out)
	}
	if len(runner.commands) != 0 {
		t.Fatalf("commands = %v, want no reapply", runner.commands)
	}
}

func TestReconcileReappliesMissingDirective(t *testing.T) {
	runner := &liveRunner{responses: map[string]string{
		"tc qdisc show dev eth0":            "",
		"tc class show dev eth0":            "",
		"iptables -t mangle -S POSTROUTING": "-P POSTROUTING ACCEPT",
	}}
	e := New(newTestCatalog(t), runner, nil, nil)
	policy := model.Policy{
		ID: "p1", Kind: model.KindHTBClass, Plane: model.PlaneData, Status: model.PolicyApplied,
		Parameters: map[string]any{"template": "htb_class.priority", "iface": "eth0", "classid": "1:10"},
	}

	out, err := e.Reconcile(context.Background(), "eth0", []model.Policy{policy})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(out) != 1 || out[0].Status != model.PolicyApplied {
		t.Fatalf("out = %+v, want reapplied", out)
	}
	if len(runner.commands) != 1 {
		t.Fatalf("commands = %v, want one reapply", runner.commands)
	}
}

func TestReconcileLeavesNonAppliedPoliciesAlone(t *testing.T) {
	runner := &liveRunner{responses: map[string]string{
		"tc qdisc show dev eth0":            "",
		"tc class show dev eth0":            "",
		"iptables -t mangle -S POSTROUTING": "",
	}}
	e := New(newTestCatalog(t), runner, nil, nil)
	policy := model.Policy{ID: "p1", Plane: model.PlaneData, Status: model.PolicyFailed}

	out, err := e.Reconcile(context.Background(), "eth0", []model.Policy{policy})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(out) != 1 || out[0].Status != model.PolicyFailed {
		t.Fatalf("out = %+v, want untouched", out)
	}
	if len(runner.commands) != 0 {
		t.Fatalf("commands = %v, want no reapply", runner.commands)
	}
}

func TestNewRunnerDryWhenRequested(t *testing.T) {
	r := NewRunner("dry", nil)
	if _, ok := r.(DryRunner); !ok {
		t.Fatalf("NewRunner(dry) = %T, want DryRunner", r)
	}
}
