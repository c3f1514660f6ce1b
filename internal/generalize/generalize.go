// Package generalize proposes path templates from a sample of literal traffic paths.
package generalize

import (
	"fmt"
	"sort"
	"strings"

	"github.com/PentesterFlow/SpecWatch/internal/pathmatch"
)

// Config bounds the generalizer.
type Config struct {
	// SampleSize caps the number of paths considered; callers pass the most recent first.
	SampleSize int `yaml:"sample_size" json:"sample_size"`
	// Threshold is the occurrence fraction at or below which a segment is variable.
	Threshold float64 `yaml:"threshold" json:"threshold"`
	// MaxResults caps the number of suggestions returned.
	MaxResults int `yaml:"max_results" json:"max_results"`
}

// DefaultConfig returns the default generalizer settings.
func DefaultConfig() Config {
	return Config{
		SampleSize: 10000,
		Threshold:  0.1,
		MaxResults: 100,
	}
}

// Suggestion is a candidate template with its confidence.
type Suggestion struct {
	Template   string  `json:"template"`
	Confidence float64 `json:"confidence"`
}

// Suggest generalizes the sampled paths. Paths that do not tokenize are ignored. An empty
// sample yields an empty result.
func Suggest(paths []string, cfg Config) []Suggestion {
	if cfg.SampleSize > 0 && len(paths) > cfg.SampleSize {
		paths = paths[:cfg.SampleSize]
	}

	sample := make([][]string, 0, len(paths))
	for _, p := range paths {
		tokens, err := pathmatch.Tokenize(p)
		if err != nil {
			continue
		}
		sample = append(sample, tokens)
	}
	if len(sample) == 0 {
		return []Suggestion{}
	}

	counts := countTokens(sample)
	total := float64(len(sample))

	best := make(map[string]float64)
	for _, tokens := range sample {
		template, confidence := generalizePath(tokens, counts, total, cfg.Threshold)
		if c, ok := best[template]; !ok || confidence > c {
			best[template] = confidence
		}
	}

	out := make([]Suggestion, 0, len(best))
	for template, confidence := range best {
		out = append(out, Suggestion{Template: template, Confidence: confidence})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Template < out[j].Template
	})

	if cfg.MaxResults > 0 && len(out) > cfg.MaxResults {
		out = out[:cfg.MaxResults]
	}
	return out
}

// Templates returns the template strings of suggestions in rank order.
func Templates(suggestions []Suggestion) []string {
	out := make([]string, len(suggestions))
	for i, s := range suggestions {
		out[i] = s.Template
	}
	return out
}

// countTokens counts, per segment index, how many sampled paths carry each literal token.
func countTokens(sample [][]string) []map[string]int {
	var counts []map[string]int
	for _, tokens := range sample {
		for i, tok := range tokens {
			for len(counts) <= i {
				counts = append(counts, make(map[string]int))
			}
			counts[i][tok]++
		}
	}
	return counts
}

func generalizePath(tokens []string, counts []map[string]int, total, threshold float64) (string, float64) {
	if len(tokens) == 0 {
		return "/", 1.0
	}

	parts := make([]string, len(tokens))
	param := 1
	sum := 0.0
	for i, tok := range tokens {
		fraction := float64(counts[i][tok]) / total
		sum += fraction
		if fraction <= threshold {
			parts[i] = fmt.Sprintf("{param%d}", param)
			param++
			continue
		}
		parts[i] = tok
	}
	return "/" + strings.Join(parts, "/"), sum / float64(len(tokens))
}
