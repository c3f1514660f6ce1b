package reconcile

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/PentesterFlow/SpecWatch/internal/model"
	"github.com/PentesterFlow/SpecWatch/internal/pathmatch"
	"github.com/PentesterFlow/SpecWatch/internal/spec"
)

// request is the structural view of a trace's request half.
type request struct {
	headers map[string]string
	query   map[string][]string
	path    map[string]string
	body    string
}

// newRequest rebuilds the request from the trace. Path values are taken by zipping the
// endpoint's own template against the literal trace path, then renamed to the placeholder
// names the declared operation uses at the same positions.
func newRequest(trace *model.Trace, ep *model.Endpoint, match *spec.Match) (*request, error) {
	pattern, err := ep.Pattern()
	if err != nil {
		return nil, err
	}
	literal, err := pathmatch.Tokenize(trace.Path)
	if err != nil {
		return nil, err
	}
	if !pattern.MatchTokens(literal) {
		return nil, fmt.Errorf("trace path %q does not match endpoint template %q", trace.Path, ep.Path)
	}
	declared, err := pathmatch.Tokenize(match.SpecPath)
	if err != nil {
		return nil, err
	}
	offset := len(pattern.Tokens) - len(declared)
	if offset < 0 {
		return nil, fmt.Errorf("declared path %q is deeper than endpoint template %q", match.SpecPath, ep.Path)
	}

	req := &request{
		headers: make(map[string]string, len(trace.Request.Headers)),
		query:   make(map[string][]string, len(trace.Request.Parameters)),
		path:    make(map[string]string),
		body:    trace.Request.Body,
	}
	for _, h := range trace.Request.Headers {
		key := strings.ToLower(h.Name)
		if _, ok := req.headers[key]; !ok {
			req.headers[key] = h.Value
		}
	}
	for _, p := range trace.Request.Parameters {
		req.query[p.Name] = append(req.query[p.Name], p.Value)
	}
	for j, tok := range declared {
		i := offset + j
		if name := pathmatch.ParameterName(tok); name != "" && pathmatch.IsParameterToken(pattern.Tokens[i]) {
			req.path[name] = literal[i]
		}
	}
	return req, nil
}

// parameters merges path-item and operation parameters; operation entries override.
func parameters(match *spec.Match) []*openapi3.Parameter {
	byKey := make(map[string]*openapi3.Parameter)
	collect := func(list openapi3.Parameters) {
		for _, ref := range list {
			if ref == nil || ref.Value == nil {
				continue
			}
			byKey[ref.Value.In+"\x00"+ref.Value.Name] = ref.Value
		}
	}
	if match.PathItem != nil {
		collect(match.PathItem.Parameters)
	}
	collect(match.Operation.Parameters)

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]*openapi3.Parameter, len(keys))
	for i, k := range keys {
		out[i] = byKey[k]
	}
	return out
}

func validateRequest(req *request, match *spec.Match) []*model.Mismatch {
	var out []*model.Mismatch

	for _, p := range parameters(match) {
		var (
			section model.DataSection
			raw     []string
		)
		switch p.In {
		case openapi3.ParameterInPath:
			section = model.SectionRequestPath
			if v, ok := req.path[p.Name]; ok {
				raw = []string{v}
			}
		case openapi3.ParameterInQuery:
			section = model.SectionRequestQuery
			raw = req.query[p.Name]
		case openapi3.ParameterInHeader:
			section = model.SectionRequestHeader
			if v, ok := req.headers[strings.ToLower(p.Name)]; ok {
				raw = []string{v}
			}
		default:
			continue
		}

		field := string(section) + "." + p.Name
		if len(raw) == 0 {
			if p.Required {
				out = append(out, missing(field, "required parameter is missing"))
			}
			continue
		}
		schema := schemaOf(p.Schema)
		if schema == nil {
			continue
		}
		value := coerceParameter(schema, raw, p.In == openapi3.ParameterInPath)
		out = append(out, visit(schema, value, field, openapi3.VisitAsRequest())...)
	}

	body := match.Operation.RequestBody
	if body == nil || body.Value == nil {
		return out
	}
	field := string(model.SectionRequestBody)
	if strings.TrimSpace(req.body) == "" {
		if body.Value.Required {
			out = append(out, missing(field, "required request body is missing"))
		}
		return out
	}
	schema := jsonSchema(body.Value.Content)
	if schema == nil {
		return out
	}
	value, ok := parseJSON(req.body)
	if !ok {
		return out
	}
	return append(out, visit(schema, value, field, openapi3.VisitAsRequest())...)
}

func validateResponse(trace *model.Trace, match *spec.Match) []*model.Mismatch {
	responses := match.Operation.Responses
	if responses == nil {
		return nil
	}
	ref := responses.Status(trace.Response.Status)
	if ref == nil {
		ref = responses.Default()
	}
	if ref == nil || ref.Value == nil {
		return []*model.Mismatch{{
			Kind:      model.MismatchUndeclaredStatus,
			FieldPath: "response.status",
			Expected:  strings.Join(declaredStatuses(responses), ","),
			Message:   fmt.Sprintf("status %d is not declared", trace.Response.Status),
		}}
	}

	var out []*model.Mismatch

	headers := make(map[string]string, len(trace.Response.Headers))
	for _, h := range trace.Response.Headers {
		key := strings.ToLower(h.Name)
		if _, ok := headers[key]; !ok {
			headers[key] = h.Value
		}
	}
	names := make([]string, 0, len(ref.Value.Headers))
	for name := range ref.Value.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h := ref.Value.Headers[name]
		if h == nil || h.Value == nil {
			continue
		}
		field := string(model.SectionResponseHeader) + "." + name
		raw, ok := headers[strings.ToLower(name)]
		if !ok {
			if h.Value.Required {
				out = append(out, missing(field, "required header is missing"))
			}
			continue
		}
		if schema := schemaOf(h.Value.Schema); schema != nil {
			value := coerceParameter(schema, []string{raw}, false)
			out = append(out, visit(schema, value, field, openapi3.VisitAsResponse())...)
		}
	}

	if strings.TrimSpace(trace.Response.Body) == "" {
		return out
	}
	schema := jsonSchema(ref.Value.Content)
	if schema == nil {
		return out
	}
	value, ok := parseJSON(trace.Response.Body)
	if !ok {
		return out
	}
	return append(out, visit(schema, value, string(model.SectionResponseBody), openapi3.VisitAsResponse())...)
}

func declaredStatuses(responses *openapi3.Responses) []string {
	out := make([]string, 0, responses.Len())
	for code := range responses.Map() {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

func schemaOf(ref *openapi3.SchemaRef) *openapi3.Schema {
	if ref == nil {
		return nil
	}
	return ref.Value
}

// jsonSchema picks the schema of the JSON media type, falling back to any +json type.
func jsonSchema(content openapi3.Content) *openapi3.Schema {
	if mt := content.Get("application/json"); mt != nil && mt.Schema != nil {
		return mt.Schema.Value
	}
	keys := make([]string, 0, len(content))
	for k := range content {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if mt := content[k]; mt != nil && mt.Schema != nil && strings.HasSuffix(strings.ToLower(k), "json") {
			return mt.Schema.Value
		}
	}
	return nil
}

// coerceParameter turns raw strings into the value the schema expects. Strings are kept
// literal when the schema accepts them; otherwise values are parsed where possible.
func coerceParameter(schema *openapi3.Schema, raw []string, pathSegment bool) any {
	if schema.Type.Is(openapi3.TypeArray) {
		items := raw
		if len(raw) == 1 && strings.Contains(raw[0], ",") {
			items = strings.Split(raw[0], ",")
		}
		var itemSchema *openapi3.Schema
		if schema.Items != nil {
			itemSchema = schema.Items.Value
		}
		out := make([]any, len(items))
		for i, item := range items {
			if itemSchema == nil {
				out[i] = item
				continue
			}
			out[i] = coerceScalar(itemSchema, item, pathSegment)
		}
		return out
	}
	return coerceScalar(schema, raw[0], pathSegment)
}

func coerceScalar(schema *openapi3.Schema, raw string, pathSegment bool) any {
	if schema.Type == nil || schema.Type.Includes(openapi3.TypeString) {
		return raw
	}
	if pathSegment {
		return pathmatch.ParsePathParameter(raw)
	}
	if v, ok := parseJSON(raw); ok {
		return v
	}
	return raw
}

func parseJSON(s string) (any, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return v, true
}

func missing(field, message string) *model.Mismatch {
	return &model.Mismatch{Kind: model.MismatchMissingRequired, FieldPath: field, Message: message}
}
