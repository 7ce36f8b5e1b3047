package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func testDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, devicesFile, `
devices:
  - id: temp-01
    kind: sensor
    default_priority: normal
    default_qos: 1
    control_topic: devices/temp-01/control
    telemetry_topic: devices/temp-01/telemetry
  - id: temp-02
    kind: sensor
    default_priority: normal
    default_qos: 1
    control_topic: devices/temp-02/control
    telemetry_topic: devices/temp-02/telemetry
  - id: esp32-cam-1
    kind: camera
    default_priority: normal
    default_qos: 0
    control_topic: devices/esp32-cam-1/control
    telemetry_topic: devices/esp32-cam-1/telemetry
`)
	writeFile(t, dir, grammarFile, `
rules:
  - pattern: '(?i)^prioritize\s+(?P<target>.+)$'
    intent_type: priority
    parameters: {}
`)
	writeFile(t, dir, templatesFile, `
templates:
  - key: htb_class.priority
    kind: htb_class
    command: "tc class add dev {{.iface}} classid {{.classid}} rate {{.rate}}bps"
    defaults:
      rate: "800000"
    params: [iface, classid]
`)
	return dir
}

func TestNewAndLookup(t *testing.T) {
	c, err := New(testDir(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d, err := c.Lookup("temp-01")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if d.Kind != "sensor" {
		t.Fatalf("kind = %q, want sensor", d.Kind)
	}
	if _, err := c.Lookup("nope"); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("Lookup unknown: err = %v, want ErrUnknownDevice", err)
	}
}

func TestResolveTargetsKindKeyword(t *testing.T) {
	c, err := New(testDir(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ids, err := c.ResolveTargets("temperature sensors")
	if err != nil {
		t.Fatalf("ResolveTargets: %v", err)
	}
	sort.Strings(ids)
	want := []string{"temp-01", "temp-02"}
	if len(ids) != len(want) || ids[0] != want[0] || ids[1] != want[1] {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
}

func TestResolveTargetsExplicitID(t *testing.T) {
	c, err := New(testDir(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ids, err := c.ResolveTargets("esp32-cam-1")
	if err != nil {
		t.Fatalf("ResolveTargets: %v", err)
	}
	if len(ids) != 1 || ids[0] != "esp32-cam-1" {
		t.Fatalf("ids = %v", ids)
	}
}

func TestResolveTargetsUnknown(t *testing.T) {
	c, err := New(testDir(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.ResolveTargets("thermostats"); !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("err = %v, want ErrUnknownTarget", err)
	}
}

func TestTemplateRender(t *testing.T) {
	c, err := New(testDir(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tpl, err := c.Template("htb_class.priority")
	if err != nil {
		t.Fatalf("Template: %v", err)
	}
	out, err := tpl.Render(map[string]any{"iface": "eth0", "classid": "1:10"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := "tc class add dev eth0 classid 1:10 rate 800000bps"
	if out != want {
		t.Fatalf("Render = %q, want %q", out, want)
	}
}

func TestTemplateRenderMissingKey(t *testing.T) {
	c, err := New(testDir(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tpl, err := c.Template("htb_class.priority")
	if err != nil {
		t.Fatalf("Template: %v", err)
	}
	if _, err := tpl.Render(nil); err == nil {
		t.Fatalf("Render with missing keys: want error, got nil")
	}
}

func TestReloadInvalidConfigLeavesPreviousSnapshot(t *testing.T) {
	dir := testDir(t)
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	before := c.Snapshot()

	writeFile(t, dir, grammarFile, `
rules:
  - pattern: '(?i)^prioritize\s+(?P<target>.+)$'
    intent_type: priority
    parameters:
      bogus: {name: bogus, type: string}
`)
	if err := c.Reload(); !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("Reload: err = %v, want ErrConfigInvalid", err)
	}
	if c.Snapshot() != before {
		t.Fatalf("Reload swapped snapshot despite invalid config")
	}
}

func TestLoadRejectsTemplateWithUnknownSubstitutionKey(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, devicesFile, `devices: []`)
	writeFile(t, dir, grammarFile, `rules: []`)
	writeFile(t, dir, templatesFile, `
templates:
  - key: htb_class.priority
    kind: htb_class
    command: "tc class replace dev {{.iface}} classid {{.classid}} rate {{.rate}}bps"
    defaults:
      rate: "800000"
`)
	if _, err := New(dir); !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("New: err = %v, want ErrConfigInvalid", err)
	}
}

func TestGrammarCompiledRulesUsable(t *testing.T) {
	c, err := New(testDir(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rules := c.Grammar()
	if len(rules) != 1 {
		t.Fatalf("len(rules) = %d, want 1", len(rules))
	}
	m := rules[0].compiled.FindStringSubmatch("prioritize cameras")
	if m == nil {
		t.Fatalf("rule did not match expected text")
	}
}
