package reconcile

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/PentesterFlow/SpecWatch/internal/model"
)

// visit validates value against schema and maps every violation to a mismatch rooted at
// prefix.
func visit(schema *openapi3.Schema, value any, prefix string, direction openapi3.SchemaValidationOption) []*model.Mismatch {
	err := schema.VisitJSON(value, openapi3.MultiErrors(), direction)
	if err == nil {
		return nil
	}

	var out []*model.Mismatch
	for _, e := range flatten(err) {
		out = append(out, toMismatch(e, value, prefix))
	}
	return out
}

func flatten(err error) []error {
	if me, ok := err.(openapi3.MultiError); ok {
		var out []error
		for _, e := range me {
			out = append(out, flatten(e)...)
		}
		return out
	}
	return []error{err}
}

func toMismatch(err error, value any, prefix string) *model.Mismatch {
	var se *openapi3.SchemaError
	if !errors.As(err, &se) {
		return &model.Mismatch{Kind: model.MismatchConstraint, FieldPath: prefix, Message: err.Error()}
	}

	pointer := se.JSONPointer()
	m := &model.Mismatch{Message: se.Reason}

	switch se.SchemaField {
	case "required":
		m.Kind = model.MismatchMissingRequired
	case "type", "nullable":
		m.Kind = model.MismatchTypeMismatch
		if se.Schema != nil {
			m.Expected = strings.Join(se.Schema.Type.Slice(), "|")
		}
	case "properties", "additionalProperties":
		m.Kind = model.MismatchAdditionalProperty
		if key, ok := unsupportedProperty(se.Reason); ok {
			pointer = append(pointer, key)
		}
	case "enum":
		m.Kind = model.MismatchEnum
		if se.Schema != nil {
			m.Expected = fmt.Sprint(se.Schema.Enum)
		}
	case "format", "pattern":
		m.Kind = model.MismatchFormat
		if se.Schema != nil {
			m.Expected = se.Schema.Format + se.Schema.Pattern
		}
	default:
		m.Kind = model.MismatchConstraint
	}

	m.FieldPath = fieldPath(prefix, value, pointer)
	return m
}

// fieldPath renders a JSON pointer as a dotted path, with array indexes in brackets.
func fieldPath(prefix string, value any, pointer []string) string {
	var b strings.Builder
	b.WriteString(prefix)

	cur := value
	for _, key := range pointer {
		switch t := cur.(type) {
		case []any:
			b.WriteString("[" + key + "]")
			if i, err := strconv.Atoi(key); err == nil && i >= 0 && i < len(t) {
				cur = t[i]
			} else {
				cur = nil
			}
		case map[string]any:
			b.WriteString("." + key)
			cur = t[key]
		default:
			b.WriteString("." + key)
			cur = nil
		}
	}
	return b.String()
}

// unsupportedProperty extracts k from `property "k" is unsupported`.
func unsupportedProperty(reason string) (string, bool) {
	quoted := strings.TrimSuffix(strings.TrimPrefix(reason, "property "), " is unsupported")
	if quoted == reason {
		return "", false
	}
	key, err := strconv.Unquote(quoted)
	if err != nil {
		return "", false
	}
	return key, true
}
