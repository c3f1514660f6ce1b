// Package spec parses OpenAPI 2 and 3 documents, normalizes them to version 3 and maps
// their operations onto endpoint candidates.
package spec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi2"
	"github.com/getkin/kin-openapi/openapi2conv"
	"github.com/getkin/kin-openapi/openapi3"
	"gopkg.in/yaml.v3"

	drifterrors "github.com/PentesterFlow/SpecWatch/internal/errors"
	"github.com/PentesterFlow/SpecWatch/internal/pathmatch"
)

// Format is the serialization of an uploaded document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Parsed is a normalized, dereferenced and validated OpenAPI 3 document.
type Parsed struct {
	Name       string
	Format     Format
	Version    string
	Doc        *openapi3.T
	Hosts      []string
	Normalized []byte
}

// Operation is one declared (host, method, path). Path includes the server base path.
type Operation struct {
	Host     string
	Method   string
	Path     string
	SpecPath string
}

// Parser parses and validates spec documents.
type Parser struct {
	validation []openapi3.ValidationOption
}

// NewParser creates a new spec parser.
func NewParser() *Parser {
	return &Parser{
		validation: []openapi3.ValidationOption{
			openapi3.DisableExamplesValidation(),
		},
	}
}

// Parse decodes raw, converts version 2 to 3, resolves references and validates the result.
// Every failure is an UnprocessableContract error.
func (p *Parser) Parse(ctx context.Context, name string, raw []byte) (*Parsed, error) {
	format := DetectFormat(name, raw)

	data, version, isV2, err := decode(raw)
	if err != nil {
		return nil, drifterrors.NewUnprocessableError(name, "failed to decode document", err)
	}

	var doc *openapi3.T
	if isV2 {
		var doc2 openapi2.T
		if err := json.Unmarshal(data, &doc2); err != nil {
			return nil, drifterrors.NewUnprocessableError(name, "invalid swagger 2.0 document", err)
		}
		if doc2.Host == "" {
			return nil, drifterrors.NewUnprocessableError(name, "swagger document declares no host", nil)
		}
		doc, err = openapi2conv.ToV3(&doc2)
		if err != nil {
			return nil, drifterrors.NewUnprocessableError(name, "failed to convert swagger 2.0 to openapi 3", err)
		}
	} else {
		doc, err = openapi3.NewLoader().LoadFromData(data)
		if err != nil {
			return nil, drifterrors.NewUnprocessableError(name, "failed to load openapi document", err)
		}
	}

	if doc.Paths == nil || doc.Paths.Len() == 0 {
		return nil, drifterrors.NewUnprocessableError(name, "document declares no paths", nil)
	}
	if len(doc.Servers) == 0 {
		return nil, drifterrors.NewUnprocessableError(name, "document declares no servers", nil)
	}
	if err := doc.Validate(ctx, p.validation...); err != nil {
		return nil, drifterrors.NewUnprocessableError(name, "document failed validation", err)
	}

	hosts, err := Hosts(doc)
	if err != nil {
		return nil, drifterrors.NewUnprocessableError(name, err.Error(), nil)
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, drifterrors.NewInternalError("parse_spec", name, err)
	}

	return &Parsed{
		Name:       name,
		Format:     format,
		Version:    version,
		Doc:        doc,
		Hosts:      hosts,
		Normalized: normalized,
	}, nil
}

// Load reloads a normalized document and resolves its references.
func Load(normalized []byte) (*openapi3.T, error) {
	doc, err := openapi3.NewLoader().LoadFromData(normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to load normalized spec: %w", err)
	}
	return doc, nil
}

// DetectFormat infers the serialization from the file name, then from content.
func DetectFormat(name string, raw []byte) Format {
	switch strings.ToLower(path.Ext(name)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '{' {
		return FormatJSON
	}
	return FormatYAML
}

// Hosts returns the distinct hosts named by the document's servers.
func Hosts(doc *openapi3.T) ([]string, error) {
	seen := make(map[string]struct{})
	var hosts []string
	for _, srv := range doc.Servers {
		host, _, err := serverLocation(srv)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		hosts = append(hosts, host)
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("document declares no server hosts")
	}
	sort.Strings(hosts)
	return hosts, nil
}

// Operations lists every declared (host, method, path), deduplicated and ordered.
func Operations(doc *openapi3.T) ([]Operation, error) {
	seen := make(map[Operation]struct{})
	var ops []Operation

	for _, srv := range doc.Servers {
		host, base, err := serverLocation(srv)
		if err != nil {
			return nil, err
		}
		for _, specPath := range sortedPaths(doc) {
			item := doc.Paths.Value(specPath)
			for method := range item.Operations() {
				op := Operation{
					Host:     host,
					Method:   strings.ToUpper(method),
					Path:     joinPath(base, specPath),
					SpecPath: specPath,
				}
				if _, dup := seen[op]; dup {
					continue
				}
				seen[op] = struct{}{}
				ops = append(ops, op)
			}
		}
	}

	sort.Slice(ops, func(i, j int) bool {
		a, b := ops[i], ops[j]
		if a.Host != b.Host {
			return a.Host < b.Host
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.Method < b.Method
	})
	return ops, nil
}

// Match is the declared operation an endpoint corresponds to.
type Match struct {
	SpecPath  string
	PathItem  *openapi3.PathItem
	Operation *openapi3.Operation
}

// FindOperation locates the operation for method and an endpoint path template. Paths
// are compared by shape: equal depth, equal literals, and placeholders in the same
// positions regardless of their names.
func FindOperation(doc *openapi3.T, method, endpointPath string) (*Match, bool) {
	if doc == nil || doc.Paths == nil {
		return nil, false
	}
	target, err := pathmatch.Tokenize(endpointPath)
	if err != nil {
		return nil, false
	}

	for _, base := range basePaths(doc) {
		rest, ok := stripBase(base, target)
		if !ok {
			continue
		}
		for _, specPath := range sortedPaths(doc) {
			tokens, err := pathmatch.Tokenize(specPath)
			if err != nil || !sameShape(tokens, rest) {
				continue
			}
			item := doc.Paths.Value(specPath)
			if op := item.GetOperation(strings.ToUpper(method)); op != nil {
				return &Match{SpecPath: specPath, PathItem: item, Operation: op}, true
			}
		}
	}
	return nil, false
}

func serverLocation(srv *openapi3.Server) (string, string, error) {
	raw := srv.URL
	for name, v := range srv.Variables {
		raw = strings.ReplaceAll(raw, "{"+name+"}", v.Default)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid server url %q: %v", srv.URL, err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("server url %q has no host", srv.URL)
	}
	return strings.ToLower(u.Host), strings.TrimSuffix(u.Path, "/"), nil
}

func basePaths(doc *openapi3.T) []string {
	seen := map[string]struct{}{}
	bases := []string{}
	for _, srv := range doc.Servers {
		_, base, err := serverLocation(srv)
		if err != nil {
			continue
		}
		if _, ok := seen[base]; ok {
			continue
		}
		seen[base] = struct{}{}
		bases = append(bases, base)
	}
	// Longest base first so nested bases win over the root.
	sort.SliceStable(bases, func(i, j int) bool { return len(bases[i]) > len(bases[j]) })
	return bases
}

func stripBase(base string, target []string) ([]string, bool) {
	if base == "" {
		return target, true
	}
	prefix, err := pathmatch.Tokenize(base)
	if err != nil || len(prefix) > len(target) {
		return nil, false
	}
	for i, tok := range prefix {
		if tok != target[i] {
			return nil, false
		}
	}
	return target[len(prefix):], true
}

func sameShape(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		pa, pb := pathmatch.IsParameterToken(a[i]), pathmatch.IsParameterToken(b[i])
		if pa != pb {
			return false
		}
		if !pa && a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortedPaths(doc *openapi3.T) []string {
	m := doc.Paths.Map()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinPath(base, specPath string) string {
	if base == "" {
		return specPath
	}
	if specPath == "/" {
		return base
	}
	return base + specPath
}

// decode reads JSON or YAML into JSON bytes and reports the declared version.
func decode(raw []byte) ([]byte, string, bool, error) {
	var v any
	if err := yaml.Unmarshal(raw, &v); err != nil {
		return nil, "", false, err
	}
	top, ok := normalizeKeys(v).(map[string]any)
	if !ok {
		return nil, "", false, fmt.Errorf("document root is not an object")
	}

	data, err := json.Marshal(top)
	if err != nil {
		return nil, "", false, err
	}

	if s, ok := top["swagger"].(string); ok && strings.HasPrefix(s, "2") {
		return data, s, true, nil
	}
	if s, ok := top["openapi"].(string); ok && strings.HasPrefix(s, "3") {
		return data, s, false, nil
	}
	return nil, "", false, fmt.Errorf("document has no supported openapi or swagger version")
}

// normalizeKeys converts YAML maps with non-string keys (such as status codes) to
// JSON-compatible maps.
func normalizeKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeKeys(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeKeys(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeKeys(val)
		}
		return out
	default:
		return v
	}
}
