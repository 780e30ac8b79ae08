package guardrail

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Keywords are the two substring sets the filter matches against.
type Keywords struct {
	Unsafe []string `yaml:"unsafe_keywords" json:"unsafe_keywords"`
	Math   []string `yaml:"math_keywords" json:"math_keywords"`
}

// DefaultKeywords is used until a guardrails file is loaded.
func DefaultKeywords() Keywords {
	return Keywords{
		Unsafe: []string{
			"kill", "bomb", "attack", "hack", "suicide",
			"nsfw", "virus", "exploit",
		},
		Math: []string{
			"solve", "equation", "calculate", "find", "how many", "value",
			"integral", "derivative", "number", "arithmatic", "arithmetic", "angle", "axis",
			"center", "clock", "compare", "count", "total",
			"limit", "probability", "algebra", "geometry", "matrix",
			"expression", "formula", "constant", "variable", "trigonometric",
			"circle", "triangle", "degree", "percentage", "sin", "cos", "tan", "lim",
			"compute", "evaluate", "estimate", "simplify", "function", "theorem",
			"equals", "root", "square", "linear", "polynomial", "area", "bar",
			"factor", "time", "times", "profit", "rule", "power", "solution",
			"prove", "proof", "measure", "series", "sum", "product", "ratio",
			"vector", "graph", "algorithm", "set", "digit", "fraction", "unit",
			"x^", "y^", "z^",
		},
	}
}

// ParseKeywords decodes a guardrails YAML document. Missing sections keep
// the defaults; an explicitly empty math list is rejected because it would
// turn every query away.
func ParseKeywords(raw []byte) (Keywords, error) {
	var doc struct {
		Unsafe *[]string `yaml:"unsafe_keywords"`
		Math   *[]string `yaml:"math_keywords"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Keywords{}, fmt.Errorf("parse guardrails: %w", err)
	}
	kw := DefaultKeywords()
	if doc.Unsafe != nil {
		kw.Unsafe = *doc.Unsafe
	}
	if doc.Math != nil {
		kw.Math = *doc.Math
	}
	kw = kw.normalized()
	if len(kw.Math) == 0 {
		return Keywords{}, fmt.Errorf("parse guardrails: math_keywords is empty")
	}
	return kw, nil
}

func (k Keywords) normalized() Keywords {
	return Keywords{Unsafe: lowerAll(k.Unsafe), Math: lowerAll(k.Math)}
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
