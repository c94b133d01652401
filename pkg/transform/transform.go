// Package transform applies per-record rewrites before schema projection:
// key renaming, nested-object flattening, event-time injection, and dedup-key
// extraction. Injectors and extractors are chosen once at configure time; the
// no-op variants keep the hot path branch-free.
package transform

import (
	"regexp"
	"strings"
	"time"

	"github.com/lestrrat-go/strftime"

	"github.com/stratusdata/bqsink/pkg/bqerrors"
	jsonx "github.com/stratusdata/bqsink/pkg/json"
)

var nonWordRe = regexp.MustCompile(`\W`)

// KeyReplacer rewrites top-level record keys through an ordered rule list,
// then strips remaining non-word characters. Collisions after rewriting are
// last-write-wins.
type KeyReplacer struct {
	rules []replaceRule
}

type replaceRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// NewKeyReplacer parses "pattern replacement" rules. Each rule must have
// exactly two whitespace-separated parts; duplicate patterns are rejected.
func NewKeyReplacer(rules []string) (*KeyReplacer, error) {
	r := &KeyReplacer{rules: make([]replaceRule, 0, len(rules))}
	seen := make(map[string]bool, len(rules))
	for i, raw := range rules {
		parts := strings.SplitN(raw, " ", 2)
		if len(parts) != 2 || parts[0] == "" || strings.TrimSpace(parts[1]) == "" {
			return nil, bqerrors.Newf(bqerrors.ErrorTypeConfig,
				"replace rule %d does not contain 2 parameters", i+1)
		}
		if seen[parts[0]] {
			return nil, bqerrors.Newf(bqerrors.ErrorTypeConfig,
				"replace rule %d contains a duplicated key, %s", i+1, parts[0])
		}
		seen[parts[0]] = true
		re, err := regexp.Compile(parts[0])
		if err != nil {
			return nil, bqerrors.Wrap(err, bqerrors.ErrorTypeConfig, "invalid replace rule pattern").
				WithDetail("pattern", parts[0])
		}
		r.rules = append(r.rules, replaceRule{pattern: re, replacement: strings.TrimSpace(parts[1])})
	}
	return r, nil
}

// Apply returns a new record with every top-level key rewritten.
func (r *KeyReplacer) Apply(record map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(record))
	for key, value := range record {
		newKey := key
		for _, rule := range r.rules {
			newKey = rule.pattern.ReplaceAllString(newKey, rule.replacement)
		}
		newKey = nonWordRe.ReplaceAllString(newKey, "")
		out[newKey] = value
	}
	return out
}

// HashToJSON replaces any top-level nested-object value with its JSON text,
// for delivery paths that cannot carry nested structures.
func HashToJSON(record map[string]interface{}) map[string]interface{} {
	for key, value := range record {
		if m, ok := value.(map[string]interface{}); ok {
			if b, err := jsonx.Marshal(m); err == nil {
				record[key] = string(b)
			}
		}
	}
	return record
}

// TimeInjector writes a formatted event time into a record.
type TimeInjector interface {
	Inject(record map[string]interface{}, t time.Time) map[string]interface{}
}

// NoopTimeInjector leaves records untouched.
type NoopTimeInjector struct{}

// Inject returns the record unchanged.
func (NoopTimeInjector) Inject(record map[string]interface{}, _ time.Time) map[string]interface{} {
	return record
}

// PathTimeInjector writes the formatted time at a dotted path, creating
// intermediate levels as needed. Idempotent for a fixed time.
type PathTimeInjector struct {
	keys    []string
	leaf    string
	pattern string
	utc     bool
}

// NewPathTimeInjector builds an injector for the dotted path. pattern is a
// strftime pattern; empty means unix seconds, matching the default wire form.
func NewPathTimeInjector(path, pattern string, utc bool) (*PathTimeInjector, error) {
	if pattern != "" {
		if _, err := strftime.New(pattern); err != nil {
			return nil, bqerrors.Wrap(err, bqerrors.ErrorTypeConfig, "invalid time_format").
				WithDetail("time_format", pattern)
		}
	}
	keys := strings.Split(path, ".")
	return &PathTimeInjector{
		keys:    keys[:len(keys)-1],
		leaf:    keys[len(keys)-1],
		pattern: pattern,
		utc:     utc,
	}, nil
}

// Inject writes the formatted time at the configured path.
func (p *PathTimeInjector) Inject(record map[string]interface{}, t time.Time) map[string]interface{} {
	if p.utc {
		t = t.UTC()
	}
	target := record
	for _, key := range p.keys {
		next, ok := target[key].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			target[key] = next
		}
		target = next
	}
	if p.pattern == "" {
		target[p.leaf] = t.Unix()
		return record
	}
	formatted, err := strftime.Format(p.pattern, t)
	if err != nil {
		// Pattern was validated at construction.
		formatted = t.Format(time.RFC3339)
	}
	target[p.leaf] = formatted
	return record
}

// InsertIDExtractor extracts a per-record dedup key.
type InsertIDExtractor interface {
	Extract(record map[string]interface{}) (string, bool)
}

// NoopExtractor never yields a dedup key.
type NoopExtractor struct{}

// Extract reports no key.
func (NoopExtractor) Extract(map[string]interface{}) (string, bool) {
	return "", false
}

// PathExtractor walks a dotted path; a missing intermediate level yields the
// absent value.
type PathExtractor struct {
	keys []string
}

// NewPathExtractor builds an extractor for the dotted path.
func NewPathExtractor(path string) *PathExtractor {
	return &PathExtractor{keys: strings.Split(path, ".")}
}

// Extract returns the value at the path as a string.
func (p *PathExtractor) Extract(record map[string]interface{}) (string, bool) {
	var cur interface{} = record
	for _, key := range p.keys {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return "", false
		}
		cur, ok = m[key]
		if !ok {
			return "", false
		}
	}
	if cur == nil {
		return "", false
	}
	if s, ok := cur.(string); ok {
		return s, true
	}
	b, err := jsonx.Marshal(cur)
	if err != nil {
		return "", false
	}
	return string(b), true
}
