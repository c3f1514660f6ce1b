// Package redact keeps the registry of field paths excluded from diffing and alerting.
package redact

import (
	"regexp"
	"strings"
	"sync"

	"github.com/PentesterFlow/SpecWatch/internal/model"
)

// Rule redacts fields on the endpoints it selects. Empty selectors match everything.
type Rule struct {
	Host     string   `yaml:"host" json:"host,omitempty"`
	Method   string   `yaml:"method" json:"method,omitempty"`
	Path     string   `yaml:"path" json:"path,omitempty"`
	Fields   []string `yaml:"fields" json:"fields,omitempty"`
	Patterns []string `yaml:"patterns" json:"patterns,omitempty"`
}

type compiledRule struct {
	rule     Rule
	patterns []*regexp.Regexp
}

func (r *compiledRule) selects(e *model.Endpoint) bool {
	if r.rule.Host != "" && !strings.EqualFold(r.rule.Host, e.Host) {
		return false
	}
	if r.rule.Method != "" && model.NormalizeMethod(r.rule.Method) != e.Method {
		return false
	}
	if r.rule.Path != "" && r.rule.Path != e.Path {
		return false
	}
	return true
}

// Registry answers which field paths are redacted for an endpoint.
type Registry struct {
	mu      sync.RWMutex
	rules   []*compiledRule
	blocked map[string]map[string]struct{} // endpoint uuid -> field paths
}

// NewRegistry compiles rules into a registry.
func NewRegistry(rules ...Rule) (*Registry, error) {
	r := &Registry{blocked: make(map[string]map[string]struct{})}
	for _, rule := range rules {
		if err := r.AddRule(rule); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// AddRule compiles and registers a rule.
func (r *Registry) AddRule(rule Rule) error {
	cr := &compiledRule{rule: rule}
	for _, p := range rule.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return err
		}
		cr.patterns = append(cr.patterns, re)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, cr)
	return nil
}

// Block redacts field paths for one endpoint uuid.
func (r *Registry) Block(endpointID string, fieldPaths ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.blocked[endpointID]
	if !ok {
		set = make(map[string]struct{})
		r.blocked[endpointID] = set
	}
	for _, f := range fieldPaths {
		set[f] = struct{}{}
	}
}

// IsRedacted reports whether fieldPath, or any ancestor of it, is redacted for e.
func (r *Registry) IsRedacted(e *model.Endpoint, fieldPath string) bool {
	if r == nil || fieldPath == "" {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if set, ok := r.blocked[e.UUID]; ok {
		for f := range set {
			if covers(f, fieldPath) {
				return true
			}
		}
	}

	for _, cr := range r.rules {
		if !cr.selects(e) {
			continue
		}
		for _, f := range cr.rule.Fields {
			if covers(f, fieldPath) {
				return true
			}
		}
		for _, re := range cr.patterns {
			if re.MatchString(fieldPath) {
				return true
			}
		}
	}
	return false
}

// Fields returns the exact field paths registered for e.
func (r *Registry) Fields(e *model.Endpoint) []string {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	add := func(f string) {
		if _, ok := seen[f]; !ok {
			seen[f] = struct{}{}
			out = append(out, f)
		}
	}
	for f := range r.blocked[e.UUID] {
		add(f)
	}
	for _, cr := range r.rules {
		if cr.selects(e) {
			for _, f := range cr.rule.Fields {
				add(f)
			}
		}
	}
	return out
}

// covers reports whether redacted equals fieldPath or is one of its ancestors.
func covers(redacted, fieldPath string) bool {
	if redacted == fieldPath {
		return true
	}
	return strings.HasPrefix(fieldPath, redacted) &&
		(fieldPath[len(redacted)] == '.' || fieldPath[len(redacted)] == '[')
}
