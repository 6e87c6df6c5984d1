package scanner

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Pattern is a named credential shape.
type Pattern struct {
	Name   string
	Regexp *regexp.Regexp
}

var defaultPatterns = []struct{ name, expr string }{
	{"aws-access-key-id", `\b(AKIA|ASIA)[0-9A-Z]{16}\b`},
	{"private-key", `-----BEGIN ((RSA|DSA|EC|OPENSSH|PGP|ENCRYPTED) )?PRIVATE KEY( BLOCK)?-----`},
	{"github-token", `\bgh[pousr]_[A-Za-z0-9]{36}\b`},
	{"api-secret-key", `\bsk-[A-Za-z0-9_-]{20,}`},
	{"stripe-live-key", `\b[rs]k_live_[0-9A-Za-z]{24,}`},
	{"slack-token", `\bxox[abposr]-[0-9A-Za-z-]{10,}`},
	{"google-api-key", `\bAIza[0-9A-Za-z_-]{35}`},
}

// DefaultPatterns returns the built-in pattern table.
func DefaultPatterns() []Pattern {
	out := make([]Pattern, 0, len(defaultPatterns))
	for _, p := range defaultPatterns {
		out = append(out, Pattern{Name: p.name, Regexp: regexp.MustCompile(p.expr)})
	}
	return out
}

// PatternFile is the YAML layout of a pattern file:
//
//	replace_defaults: false
//	patterns:
//	  - name: internal-token
//	    regex: 'itk_[0-9a-f]{32}'
type PatternFile struct {
	ReplaceDefaults bool `yaml:"replace_defaults"`
	Patterns        []struct {
		Name  string `yaml:"name"`
		Regex string `yaml:"regex"`
	} `yaml:"patterns"`
}

// LoadPatterns returns the defaults when path is empty and otherwise the
// table described by the file at path.
func LoadPatterns(path string) ([]Pattern, error) {
	if path == "" {
		return DefaultPatterns(), nil
	}
	return LoadPatternFile(path)
}

// LoadPatternFile reads a pattern file. Its patterns are appended to the
// defaults unless it sets replace_defaults; a file pattern whose name matches
// a default replaces it.
func LoadPatternFile(path string) ([]Pattern, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pattern file: %w", err)
	}

	var pf PatternFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("parsing pattern file %s: %w", path, err)
	}

	var table []Pattern
	if !pf.ReplaceDefaults {
		table = DefaultPatterns()
	}
	index := make(map[string]int, len(table))
	for i, p := range table {
		index[p.Name] = i
	}

	seen := make(map[string]bool, len(pf.Patterns))
	for i, entry := range pf.Patterns {
		if entry.Name == "" {
			return nil, fmt.Errorf("pattern file %s: entry %d has no name", path, i)
		}
		if seen[entry.Name] {
			return nil, fmt.Errorf("pattern file %s: duplicate pattern %q", path, entry.Name)
		}
		seen[entry.Name] = true

		if entry.Regex == "" {
			return nil, fmt.Errorf("pattern file %s: pattern %q has an empty regex", path, entry.Name)
		}
		re, err := regexp.Compile(entry.Regex)
		if err != nil {
			return nil, fmt.Errorf("pattern file %s: pattern %q: %w", path, entry.Name, err)
		}

		p := Pattern{Name: entry.Name, Regexp: re}
		if j, ok := index[entry.Name]; ok {
			table[j] = p
			continue
		}
		index[entry.Name] = len(table)
		table = append(table, p)
	}

	if len(table) == 0 {
		return nil, fmt.Errorf("pattern file %s: no patterns", path)
	}
	return table, nil
}
