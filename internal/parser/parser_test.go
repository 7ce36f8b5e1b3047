package parser

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/edge-ibn/ibnd/internal/catalog"
	"github.com/edge-ibn/ibnd/internal/model"
)

func newTestCatalog(t *testing.T) *catalog.Catalog {
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
  - id: esp32-audio-1
    kind: audio
    default_priority: normal
    default_qos: 1
    control_topic: devices/esp32-audio-1/control
    telemetry_topic: devices/esp32-audio-1/telemetry
`)
	write("grammar.yaml", `
rules:
  - pattern: '(?i)^prioritize\s+(?P<target>.+)$'
    intent_type: priority
    parameters: {}
  - pattern: '(?i)^limit\s+(?P<target>.+?)\s+to\s+(?P<rate>[0-9.]+)\s*(?P<unit>[a-zA-Z/]+)$'
    intent_type: bandwidth
    parameters:
      rate: {name: rate, type: float}
      unit: {name: unit, type: string}
  - pattern: '(?i)^set\s+audio\s+gain\s+to\s+(?P<gain>[0-9.]+)\s+for\s+(?P<target>.+)$'
    intent_type: audio_gain
    parameters:
      gain: {name: gain, type: float}
`)
	write("templates.yaml", `templates: []`)

	cat, err := catalog.New(dir)
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	return cat
}

func TestParsePrioritize(t *testing.T) {
	p := New(newTestCatalog(t))
	got, err := p.Parse("prioritize temperature sensors")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}
	if got[0].Type != model.TypePriority {
		t.Fatalf("Type = %q, want priority", got[0].Type)
	}
	if len(got[0].Targets) != 2 {
		t.Fatalf("Targets = %v, want 2 devices", got[0].Targets)
	}
}

func TestParseBandwidthCanonicalizesRate(t *testing.T) {
	p := New(newTestCatalog(t))
	got, err := p.Parse("limit esp32-cam-1 to 50KB/s")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(got) = %d", len(got))
	}
	bps, ok := got[0].Parameters["rate_bps"].(float64)
	if !ok {
		t.Fatalf("rate_bps missing or wrong type: %#v", got[0].Parameters)
	}
	if bps != 409600 {
		t.Fatalf("rate_bps = %v, want 409600", bps)
	}
}

func TestParseCompoundIntent(t *testing.T) {
	p := New(newTestCatalog(t))
	got, err := p.Parse("set audio gain to 3.5 for esp32-audio-1 and prioritize cameras")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2: %#v", len(got), got)
	}
	if got[0].Type != model.TypeAudioGain || got[1].Type != model.TypePriority {
		t.Fatalf("unexpected types: %v, %v", got[0].Type, got[1].Type)
	}
}

func TestParseCompoundIntentWithThen(t *testing.T) {
	p := New(newTestCatalog(t))
	got, err := p.Parse("set audio gain to 3.5 for esp32-audio-1 then prioritize cameras")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2: %#v", len(got), got)
	}
	if got[0].Type != model.TypeAudioGain || got[1].Type != model.TypePriority {
		t.Fatalf("unexpected types: %v, %v", got[0].Type, got[1].Type)
	}
}

func TestParseUnknownTarget(t *testing.T) {
	p := New(newTestCatalog(t))
	if _, err := p.Parse("prioritize thermostats"); err == nil {
		t.Fatalf("Parse: want error for unknown target")
	}
}

func TestParseNoRuleMatches(t *testing.T) {
	p := New(newTestCatalog(t))
	_, err := p.Parse("do something unparseable entirely")
	if !errors.Is(err, ErrParseFailed) {
		t.Fatalf("err = %v, want ErrParseFailed", err)
	}
}

func TestParseEmptyText(t *testing.T) {
	p := New(newTestCatalog(t))
	if _, err := p.Parse("   "); !errors.Is(err, ErrParseFailed) {
		t.Fatalf("err = %v, want ErrParseFailed", err)
	}
}
