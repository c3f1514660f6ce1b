// Package pathmatch tokenizes URL paths and compiles path templates into matchers.
package pathmatch

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	drifterrors "github.com/PentesterFlow/SpecWatch/internal/errors"
)

const (
	separator  = "/"
	paramOpen  = "{"
	paramClose = "}"
	paramRegex = `[^/]+`
)

// Tokenize splits a path into its ordered segments. The root path yields no segments.
// A single trailing separator is ignored; any other empty segment is rejected.
func Tokenize(path string) ([]string, error) {
	if path == "" {
		return nil, drifterrors.NewInvalidPathError(path, "path is empty")
	}
	if !strings.HasPrefix(path, separator) {
		return nil, drifterrors.NewInvalidPathError(path, "path must start with '/'")
	}
	if strings.ContainsAny(path, "?#") {
		return nil, drifterrors.NewInvalidPathError(path, "path must not contain a query string or fragment")
	}
	if path == separator {
		return []string{}, nil
	}

	trimmed := strings.TrimPrefix(path, separator)
	trimmed = strings.TrimSuffix(trimmed, separator)
	tokens := strings.Split(trimmed, separator)
	for i, tok := range tokens {
		if tok == "" {
			return nil, drifterrors.NewInvalidPathError(path, fmt.Sprintf("segment %d is empty", i+1))
		}
	}
	return tokens, nil
}

// Join renders tokens back into a canonical path.
func Join(tokens []string) string {
	return separator + strings.Join(tokens, separator)
}

// Normalize returns the canonical form of a path (no trailing separator).
func Normalize(path string) (string, error) {
	tokens, err := Tokenize(path)
	if err != nil {
		return "", err
	}
	return Join(tokens), nil
}

// IsParameterToken reports whether a segment is a {name} placeholder.
func IsParameterToken(segment string) bool {
	return len(segment) >= 2 &&
		strings.HasPrefix(segment, paramOpen) &&
		strings.HasSuffix(segment, paramClose)
}

// ParameterName returns the name inside a placeholder segment.
func ParameterName(segment string) string {
	if !IsParameterToken(segment) {
		return ""
	}
	return segment[1 : len(segment)-1]
}

// Pattern is a compiled path template.
type Pattern struct {
	Path      string
	Tokens    []string
	NumParams int
	re        *regexp.Regexp
}

// Compile validates a path template and builds its matcher.
func Compile(path string) (*Pattern, error) {
	tokens, err := Tokenize(path)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	parts := make([]string, len(tokens))
	numParams := 0
	for i, tok := range tokens {
		if IsParameterToken(tok) {
			name := ParameterName(tok)
			if name == "" || strings.ContainsAny(name, "{}") {
				return nil, drifterrors.NewInvalidPathError(path, fmt.Sprintf("segment %q has an invalid parameter name", tok))
			}
			if _, dup := seen[name]; dup {
				return nil, drifterrors.NewInvalidPathError(path, fmt.Sprintf("parameter %q is declared more than once", name))
			}
			seen[name] = struct{}{}
			parts[i] = paramRegex
			numParams++
			continue
		}
		if strings.ContainsAny(tok, "{}") {
			return nil, drifterrors.NewInvalidPathError(path, fmt.Sprintf("segment %q has unbalanced placeholder braces", tok))
		}
		parts[i] = regexp.QuoteMeta(tok)
	}

	expr := "^" + separator + strings.Join(parts, separator) + "$"
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, drifterrors.NewInvalidPathError(path, err.Error())
	}

	return &Pattern{
		Path:      Join(tokens),
		Tokens:    tokens,
		NumParams: numParams,
		re:        re,
	}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(path string) *Pattern {
	p, err := Compile(path)
	if err != nil {
		panic(err)
	}
	return p
}

// Regexp returns the anchored expression the pattern matches with.
func (p *Pattern) Regexp() string {
	return p.re.String()
}

// MatchString reports whether a path string is matched by the pattern. Placeholder
// text in the input is treated literally, so a template can be tested against another
// pattern the same way a stored path is tested against a stored expression.
func (p *Pattern) MatchString(path string) bool {
	return p.re.MatchString(path)
}

// MatchTokens reports whether literal tokens are matched segment by segment.
func (p *Pattern) MatchTokens(tokens []string) bool {
	if len(tokens) != len(p.Tokens) {
		return false
	}
	for i, tok := range p.Tokens {
		if tokens[i] == "" {
			return false
		}
		if !IsParameterToken(tok) && tok != tokens[i] {
			return false
		}
	}
	return true
}

// Overlaps reports whether some literal path is matched by both patterns: equal depth and,
// at every position, a placeholder on either side or identical literals.
func Overlaps(a, b *Pattern) bool {
	if len(a.Tokens) != len(b.Tokens) {
		return false
	}
	for i := range a.Tokens {
		ta, tb := a.Tokens[i], b.Tokens[i]
		if IsParameterToken(ta) || IsParameterToken(tb) {
			continue
		}
		if ta != tb {
			return false
		}
	}
	return true
}

// MatchesEither is the bidirectional stored-row check: the candidate path matched by the
// stored pattern, or the stored path matched by the candidate pattern.
func MatchesEither(candidate, stored *Pattern) bool {
	return stored.MatchString(candidate.Path) || candidate.MatchString(stored.Path)
}

// Params zips the template tokens against literal tokens and returns placeholder values.
func (p *Pattern) Params(literal []string) map[string]string {
	out := make(map[string]string)
	for i, tok := range p.Tokens {
		if i >= len(literal) {
			break
		}
		if name := ParameterName(tok); name != "" {
			out[name] = literal[i]
		}
	}
	return out
}

// ParsePathParameter coerces a literal segment into a number, boolean or string.
func ParsePathParameter(segment string) any {
	switch segment {
	case "true":
		return true
	case "false":
		return false
	}
	if segment == "" || strings.ContainsAny(segment[:1], "+_") {
		return segment
	}
	if f, err := strconv.ParseFloat(segment, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return f
	}
	return segment
}
