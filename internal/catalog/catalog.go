// Package catalog holds the controller's knowledge of devices, the parser's
// grammar rules, and the compiler's policy templates. All three are loaded
// from a directory of YAML files and exposed through a single atomically
// swapped Snapshot, the way the teacher's device database is loaded from a
// directory of JSON fixtures and swapped into the coordinator at startup.
package catalog

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/edge-ibn/ibnd/internal/model"
)

const (
	devicesFile   = "devices.yaml"
	grammarFile   = "grammar.yaml"
	templatesFile = "templates.yaml"
)

// kindKeywords maps plural/common nouns found in intent text to a device
// kind, used by ResolveTargets when a selector names a class of devices
// rather than an explicit id or glob.
var kindKeywords = map[string]model.DeviceKind{
	"sensor":  model.KindSensor,
	"sensors": model.KindSensor,
	"camera":  model.KindCamera,
	"cameras": model.KindCamera,
	"audio":   model.KindAudio,
	"gateway": model.KindGateway,
	"gateways": model.KindGateway,
}

// Catalog is the process-wide holder of the current Snapshot. Safe for
// concurrent use: Reload swaps a new *Snapshot in with a single atomic
// store, readers always see a consistent, fully-loaded generation.
type Catalog struct {
	dir     string
	current atomic.Pointer[Snapshot]
}

// New loads dir once and returns a ready Catalog, or an error if the initial
// load fails. dir must contain devices.yaml and templates.yaml; grammar.yaml
// is optional (an empty grammar is valid — the parser simply matches nothing).
func New(dir string) (*Catalog, error) {
	c := &Catalog{dir: dir}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads dir, validates the new configuration in full, and only
// then swaps it in. A failed reload leaves the previously-loaded Snapshot
// in place untouched.
func (c *Catalog) Reload() error {
	snap, err := load(c.dir)
	if err != nil {
		return err
	}
	c.current.Store(snap)
	return nil
}

// Snapshot returns the currently active, immutable Snapshot.
func (c *Catalog) Snapshot() *Snapshot {
	return c.current.Load()
}

// Lookup returns the device registered under id.
func (c *Catalog) Lookup(id string) (model.Device, error) {
	snap := c.Snapshot()
	d, ok := snap.Devices[id]
	if !ok {
		return model.Device{}, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return d, nil
}

// Devices returns every registered device, in no particular order.
func (c *Catalog) Devices() []model.Device {
	snap := c.Snapshot()
	out := make([]model.Device, 0, len(snap.Devices))
	for _, d := range snap.Devices {
		out = append(out, d)
	}
	return out
}

// Grammar returns the compiled grammar rules in declaration order.
func (c *Catalog) Grammar() []*GrammarRule {
	return c.Snapshot().Grammar
}

// Template returns the policy template registered under key.
func (c *Catalog) Template(key string) (*Template, error) {
	snap := c.Snapshot()
	t, ok := snap.Templates[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, key)
	}
	return t, nil
}

// ResolveTargets expands a raw selector phrase (an explicit device id, a
// comma-separated id list, a glob over ids, a device-kind noun such as
// "cameras", or "all"/"everything") into the set of matching device ids.
// Order is not deterministic for globs, kind nouns and "all", which follow
// catalog map iteration order; callers that need stability sort the result.
func (c *Catalog) ResolveTargets(raw string) ([]string, error) {
	snap := c.Snapshot()
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty selector", ErrUnknownTarget)
	}

	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	lower := strings.ToLower(raw)
	if lower == "all" || lower == "everything" {
		for id := range snap.Devices {
			add(id)
		}
		return finish(out, raw)
	}

	for _, tok := range splitSelector(raw) {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if _, ok := snap.Devices[tok]; ok {
			add(tok)
			continue
		}
		if strings.ContainsAny(tok, "*?[") {
			matched := false
			for id := range snap.Devices {
				if ok, _ := path.Match(tok, id); ok {
					add(id)
					matched = true
				}
			}
			if matched {
				continue
			}
		}
		if kind, ok := matchKindKeyword(tok); ok {
			matched := false
			for id, d := range snap.Devices {
				if d.Kind == kind {
					add(id)
					matched = true
				}
			}
			if matched {
				continue
			}
		}
	}
	return finish(out, raw)
}

func finish(ids []string, raw string) ([]string, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, raw)
	}
	return ids, nil
}

func splitSelector(raw string) []string {
	raw = strings.ReplaceAll(raw, " and ", ",")
	return strings.Split(raw, ",")
}

func matchKindKeyword(tok string) (model.DeviceKind, bool) {
	tok = strings.ToLower(tok)
	if kind, ok := kindKeywords[tok]; ok {
		return kind, true
	}
	for word, kind := range kindKeywords {
		if strings.Contains(tok, word) {
			return kind, true
		}
	}
	return "", false
}

func load(dir string) (*Snapshot, error) {
	devices, err := loadDevices(filepath.Join(dir, devicesFile))
	if err != nil {
		return nil, err
	}
	grammar, err := loadGrammar(filepath.Join(dir, grammarFile))
	if err != nil {
		return nil, err
	}
	templates, err := loadTemplates(filepath.Join(dir, templatesFile))
	if err != nil {
		return nil, err
	}
	return &Snapshot{Devices: devices, Grammar: grammar, Templates: templates}, nil
}

func loadDevices(p string) (map[string]model.Device, error) {
	var doc struct {
		Devices []model.Device `yaml:"devices"`
	}
	if err := readYAML(p, &doc); err != nil {
		return nil, err
	}
	out := make(map[string]model.Device, len(doc.Devices))
	for _, d := range doc.Devices {
		if d.ID == "" {
			return nil, fmt.Errorf("%w: device with empty id in %s", ErrConfigInvalid, p)
		}
		out[d.ID] = d
	}
	return out, nil
}

func loadGrammar(p string) ([]*GrammarRule, error) {
	var doc struct {
		Rules []*GrammarRule `yaml:"rules"`
	}
	if err := readYAML(p, &doc); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	for _, r := range doc.Rules {
		if err := r.compile(); err != nil {
			return nil, err
		}
	}
	return doc.Rules, nil
}

func loadTemplates(p string) (map[string]*Template, error) {
	var doc struct {
		Templates []*Template `yaml:"templates"`
	}
	if err := readYAML(p, &doc); err != nil {
		return nil, err
	}
	out := make(map[string]*Template, len(doc.Templates))
	for _, t := range doc.Templates {
		if t.Key == "" {
			return nil, fmt.Errorf("%w: template with empty key in %s", ErrConfigInvalid, p)
		}
		if err := t.compile(); err != nil {
			return nil, err
		}
		out[t.Key] = t
	}
	return out, nil
}

func readYAML(p string, out any) error {
	b, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConfigInvalid, p, err)
	}
	return nil
}
