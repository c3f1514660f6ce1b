package ingest

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/PentesterFlow/SpecWatch/internal/model"
)

// sensitiveNames are substrings of a field's last segment that mark it sensitive.
var sensitiveNames = []string{"password", "passwd", "token", "secret", "ssn", "card"}

// observation is one field seen in one trace.
type observation struct {
	section  model.DataSection
	path     string
	dataType string
}

// IsSensitive reports whether a field path names sensitive data.
func IsSensitive(fieldPath string) bool {
	last := fieldPath
	if i := strings.LastIndexByte(fieldPath, '.'); i >= 0 {
		last = fieldPath[i+1:]
	}
	last = strings.ToLower(strings.TrimSuffix(last, "[]"))
	for _, name := range sensitiveNames {
		if strings.Contains(last, name) {
			return true
		}
	}
	return false
}

// observe lists the fields a trace carries. Array elements collapse to "[]" and a field is
// reported once per section even if it repeats.
func observe(trace *model.Trace) []observation {
	seen := make(map[string]struct{})
	var out []observation
	add := func(section model.DataSection, path, dataType string) {
		key := string(section) + "\x00" + path
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, observation{section: section, path: path, dataType: dataType})
	}

	for _, h := range trace.Request.Headers {
		name := strings.ToLower(h.Name)
		add(model.SectionRequestHeader, string(model.SectionRequestHeader)+"."+name, "string")
	}
	for _, p := range trace.Request.Parameters {
		add(model.SectionRequestQuery, string(model.SectionRequestQuery)+"."+p.Name, scalarType(p.Value))
	}
	walkBody(trace.Request.Body, model.SectionRequestBody, add)

	for _, h := range trace.Response.Headers {
		name := strings.ToLower(h.Name)
		add(model.SectionResponseHeader, string(model.SectionResponseHeader)+"."+name, "string")
	}
	walkBody(trace.Response.Body, model.SectionResponseBody, add)

	sort.Slice(out, func(i, j int) bool {
		if out[i].section != out[j].section {
			return out[i].section < out[j].section
		}
		return out[i].path < out[j].path
	})
	return out
}

func walkBody(body string, section model.DataSection, add func(model.DataSection, string, string)) {
	if strings.TrimSpace(body) == "" {
		return
	}
	var v any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return
	}
	walk(v, string(section), section, add)
}

func walk(v any, path string, section model.DataSection, add func(model.DataSection, string, string)) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			childPath := path + "." + k
			add(section, childPath, jsonType(child))
			walk(child, childPath, section, add)
		}
	case []any:
		for _, child := range t {
			walk(child, path+"[]", section, add)
			if _, ok := child.(map[string]any); !ok {
				add(section, path+"[]", jsonType(child))
			}
		}
	}
}

func jsonType(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		if t == float64(int64(t)) {
			return "integer"
		}
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "unknown"
	}
}

func scalarType(s string) string {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return "string"
	}
	switch v.(type) {
	case map[string]any, []any:
		return "string"
	}
	return jsonType(v)
}
