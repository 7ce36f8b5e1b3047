package catalog

import (
	"bytes"
	"fmt"
	"regexp"
	"text/template"

	"github.com/edge-ibn/ibnd/internal/model"
)

// ParamSpec describes how a named capture group in a GrammarRule's pattern
// becomes a typed parameter on the resulting model.ParsedIntent.
type ParamSpec struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // "int" | "float" | "rate" | "rate_bps" | "string"; any other type is kept as the raw string
}

// GrammarRule is one row of the parser's pattern table: a regular expression
// with named capture groups, the intent type it produces on match, and the
// typed parameters to extract from the match.
type GrammarRule struct {
	Pattern    string               `yaml:"pattern"`
	IntentType model.IntentType     `yaml:"intent_type"`
	Parameters map[string]ParamSpec `yaml:"parameters"`

	compiled *regexp.Regexp
}

func (r *GrammarRule) compile() error {
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return fmt.Errorf("%w: pattern %q: %v", ErrConfigInvalid, r.Pattern, err)
	}
	names := map[string]bool{}
	for _, n := range re.SubexpNames() {
		if n != "" {
			names[n] = true
		}
	}
	for group := range r.Parameters {
		if !names[group] {
			return fmt.Errorf("%w: rule %q for intent %q references unknown capture group %q",
				ErrConfigInvalid, r.Pattern, r.IntentType, group)
		}
	}
	r.compiled = re
	return nil
}

// Match runs the rule's pattern against s and, on success, returns the
// named capture groups. The special group "target" (if present) holds the
// raw target-selector phrase and is not listed in Parameters.
func (r *GrammarRule) Match(s string) (map[string]string, bool) {
	if r.compiled == nil {
		return nil, false
	}
	m := r.compiled.FindStringSubmatch(s)
	if m == nil {
		return nil, false
	}
	groups := make(map[string]string, len(m))
	for i, name := range r.compiled.SubexpNames() {
		if name != "" {
			groups[name] = m[i]
		}
	}
	return groups, true
}

// Template is a parameterized directive skeleton for one policy key.
// Data-plane templates carry a shell-command skeleton; device-plane
// templates carry the wire "command" field sent to the endpoint. Defaults
// fill parameters the compiler did not supply. Params declares the
// substitution keys the compiler supplies at apply time that have no
// default, so Command can be validated eagerly instead of only when a
// policy is first rendered.
type Template struct {
	Key           string            `yaml:"key"`
	Kind          model.PolicyKind  `yaml:"kind"`
	Command       string            `yaml:"command,omitempty"`
	DeviceCommand string            `yaml:"device_command,omitempty"`
	Defaults      map[string]string `yaml:"defaults,omitempty"`
	Params        []string          `yaml:"params,omitempty"`
}

var templateKeyPattern = regexp.MustCompile(`\{\{\s*\.([A-Za-z0-9_]+)\s*\}\}`)

// compile parses Command as a Go template and checks every substitution
// key it references is satisfiable from Defaults or Params, so a template
// with a dangling key fails Reload rather than the first live Apply.
func (t *Template) compile() error {
	if t.Command == "" {
		return nil
	}
	if _, err := template.New(t.Key).Option("missingkey=error").Parse(t.Command); err != nil {
		return fmt.Errorf("%w: template %q: %v", ErrConfigInvalid, t.Key, err)
	}
	known := make(map[string]bool, len(t.Defaults)+len(t.Params))
	for k := range t.Defaults {
		known[k] = true
	}
	for _, p := range t.Params {
		known[p] = true
	}
	for _, m := range templateKeyPattern.FindAllStringSubmatch(t.Command, -1) {
		if !known[m[1]] {
			return fmt.Errorf("%w: template %q references unknown substitution key %q",
				ErrConfigInvalid, t.Key, m[1])
		}
	}
	return nil
}

// Render fills the Command skeleton with Defaults overridden by params,
// using Go template syntax ({{.rate}}, {{.iface}}, ...). Returns
// ErrConfigInvalid if the skeleton references a key present in neither
// Defaults nor params.
func (t *Template) Render(params map[string]any) (string, error) {
	data := map[string]any{}
	for k, v := range t.Defaults {
		data[k] = v
	}
	for k, v := range params {
		data[k] = v
	}
	tpl, err := template.New(t.Key).Option("missingkey=error").Parse(t.Command)
	if err != nil {
		return "", fmt.Errorf("%w: template %q: %v", ErrConfigInvalid, t.Key, err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: template %q: %v", ErrConfigInvalid, t.Key, err)
	}
	return buf.String(), nil
}

// Snapshot is an immutable, fully-validated view of the catalog: devices,
// compiled grammar rules (in declared order), and templates keyed by
// Template.Key. Swapped atomically by Reload; readers never observe a
// partially-updated catalog.
type Snapshot struct {
	Devices   map[string]model.Device
	Grammar   []*GrammarRule
	Templates map[string]*Template
}
