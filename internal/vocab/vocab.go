// Package vocab holds the keyword lists that drive intent filtering, safety
// overrides, and seed validation.
package vocab

import (
	_ "embed"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// Vocabulary is the set of keyword lists. Every list is matched by
// case-insensitive substring containment.
type Vocabulary struct {
	UserIntent         []string `yaml:"user_intent"`
	CandidateIntent    []string `yaml:"candidate_intent"`
	SafetyTriggers     []string `yaml:"safety_triggers"`
	ForbiddenSeedTerms []string `yaml:"forbidden_seed_terms"`
}

// Default returns the built-in vocabulary.
func Default() *Vocabulary {
	v, err := parse(defaultYAML, &Vocabulary{})
	if err != nil {
		panic(err) // embedded file is validated by tests
	}
	return v
}

// Load reads a YAML override file. Lists absent from the file keep their
// built-in values. An empty path returns Default().
func Load(path string) (*Vocabulary, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "vocab: read %s", path)
	}
	return parse(data, Default())
}

func parse(data []byte, base *Vocabulary) (*Vocabulary, error) {
	if err := yaml.Unmarshal(data, base); err != nil {
		return nil, eris.Wrap(err, "vocab: parse yaml")
	}
	if err := base.Validate(); err != nil {
		return nil, err
	}
	base.UserIntent = normalize(base.UserIntent)
	base.CandidateIntent = normalize(base.CandidateIntent)
	base.SafetyTriggers = normalize(base.SafetyTriggers)
	base.ForbiddenSeedTerms = normalize(base.ForbiddenSeedTerms)
	return base, nil
}

// Validate checks that every list has at least one term.
func (v *Vocabulary) Validate() error {
	switch {
	case len(v.UserIntent) == 0:
		return eris.New("vocab: user_intent is empty")
	case len(v.CandidateIntent) == 0:
		return eris.New("vocab: candidate_intent is empty")
	case len(v.SafetyTriggers) == 0:
		return eris.New("vocab: safety_triggers is empty")
	case len(v.ForbiddenSeedTerms) == 0:
		return eris.New("vocab: forbidden_seed_terms is empty")
	}
	return nil
}

// Fold returns the case-folded form of s used for matching.
func Fold(s string) string {
	return cases.Fold().String(s)
}

// Match returns the terms that occur in text, in list order. Both sides are
// case folded before comparison.
func Match(text string, terms []string) []string {
	folded := Fold(text)
	var out []string
	for _, term := range terms {
		if term == "" {
			continue
		}
		if strings.Contains(folded, Fold(term)) {
			out = append(out, term)
		}
	}
	return out
}

// Contains reports whether any term occurs in text.
func Contains(text string, terms []string) bool {
	folded := Fold(text)
	for _, term := range terms {
		if term != "" && strings.Contains(folded, Fold(term)) {
			return true
		}
	}
	return false
}

func normalize(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = Fold(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
