// Package parser turns submitted free-text intents into structured
// model.ParsedIntent values, using the ordered grammar table held by the
// catalog. It is deliberately a small, bounded-grammar matcher, not a
// general natural-language parser.
package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/edge-ibn/ibnd/internal/catalog"
	"github.com/edge-ibn/ibnd/internal/model"
)

// Parser parses raw intent text against a catalog's grammar rules.
type Parser struct {
	catalog *catalog.Catalog
}

// New returns a Parser backed by cat. The catalog's grammar is read fresh
// on every Parse call, so a Reload takes effect immediately.
func New(cat *catalog.Catalog) *Parser {
	return &Parser{catalog: cat}
}

// Parse splits text into clauses on "and"/"then"/";" conjunctions and matches each
// clause independently against the grammar table in declared order, taking
// the first rule that matches. Every clause must parse and every clause's
// target selector must resolve to at least one known device; otherwise
// Parse returns the first error encountered, wrapped with clause context.
func (p *Parser) Parse(text string) ([]model.ParsedIntent, error) {
	clauses := splitClauses(text)
	if len(clauses) == 0 {
		return nil, fmt.Errorf("%w: empty intent text", ErrParseFailed)
	}

	out := make([]model.ParsedIntent, 0, len(clauses))
	for _, clause := range clauses {
		pi, err := p.parseClause(clause)
		if err != nil {
			return nil, fmt.Errorf("clause %q: %w", clause, err)
		}
		out = append(out, pi)
	}
	return out, nil
}

func (p *Parser) parseClause(clause string) (model.ParsedIntent, error) {
	for _, rule := range p.catalog.Grammar() {
		groups, ok := rule.Match(clause)
		if !ok {
			continue
		}
		return p.build(rule, groups)
	}
	return model.ParsedIntent{}, fmt.Errorf("%w: no grammar rule matched", ErrParseFailed)
}

func (p *Parser) build(rule *catalog.GrammarRule, groups map[string]string) (model.ParsedIntent, error) {
	params := make(map[string]any, len(rule.Parameters))
	for group, spec := range rule.Parameters {
		raw, ok := groups[group]
		if !ok {
			continue
		}
		v, err := convert(raw, spec.Type)
		if err != nil {
			return model.ParsedIntent{}, err
		}
		params[spec.Name] = v
	}

	if rate, hasRate := params["rate"]; hasRate {
		if unit, hasUnit := groups["unit"]; hasUnit {
			rateStr := fmt.Sprintf("%v", rate)
			bps, err := canonicalizeRate(rateStr, unit)
			if err != nil {
				return model.ParsedIntent{}, err
			}
			params["rate_bps"] = bps
		}
	}

	if qos, ok := params["qos"]; ok {
		n, _ := qos.(int)
		if n < qosMin || n > qosMax {
			return model.ParsedIntent{}, fmt.Errorf("%w: qos %d out of range [%d,%d]", ErrBadParameter, n, qosMin, qosMax)
		}
	}

	if seconds, ok := params["interval_seconds"]; ok {
		secFloat, _ := seconds.(float64)
		ms, err := canonicalizeDurationMS(fmt.Sprintf("%v", secFloat), "s")
		if err != nil {
			return model.ParsedIntent{}, err
		}
		if ms < minSamplingIntervalMS {
			return model.ParsedIntent{}, fmt.Errorf("%w: sampling interval %.0fms below minimum %.0fms",
				ErrBadParameter, ms, float64(minSamplingIntervalMS))
		}
	}

	targetRaw, ok := groups["target"]
	if !ok {
		targetRaw = ""
	}
	selector := model.TargetSelector{Raw: strings.TrimSpace(targetRaw)}

	var targets []string
	if selector.Raw != "" {
		ids, err := p.catalog.ResolveTargets(selector.Raw)
		if err != nil {
			return model.ParsedIntent{}, fmt.Errorf("%w: %w", ErrUnknownTarget, err)
		}
		targets = ids
	}

	return model.ParsedIntent{
		Type:           rule.IntentType,
		TargetSelector: selector,
		Parameters:     params,
		Targets:        targets,
	}, nil
}

func convert(raw, typ string) (any, error) {
	switch typ {
	case "", "string":
		return raw, nil
	case "int":
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an int: %v", ErrBadParameter, raw, err)
		}
		return n, nil
	case "float", "rate", "rate_bps":
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number: %v", ErrBadParameter, raw, err)
		}
		return f, nil
	default:
		return raw, nil
	}
}

// splitClauses breaks submitted text on top-level "and"/"then"/";"
// conjunctions. It does not split inside a clause's own commas (e.g.
// numeric lists), since the grammar only ever joins clauses with one of
// those three.
func splitClauses(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	replaced := strings.ReplaceAll(text, ";", "\x00")
	replaced = splitOnWord(replaced, "and")
	replaced = splitOnWord(replaced, "then")
	parts := strings.Split(replaced, "\x00")

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitOnWord replaces top-level occurrences of " <word> " with the clause
// separator, case-insensitively, without touching the word when it appears
// inside another token (e.g. "android").
func splitOnWord(s, word string) string {
	lower := strings.ToLower(s)
	sep := " " + word + " "
	var b strings.Builder
	i := 0
	for {
		idx := strings.Index(lower[i:], sep)
		if idx < 0 {
			b.WriteString(s[i:])
			break
		}
		abs := i + idx
		b.WriteString(s[i:abs])
		b.WriteString("\x00")
		i = abs + len(sep)
	}
	return b.String()
}
