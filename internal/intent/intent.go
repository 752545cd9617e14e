// Package intent filters discovery candidates by keyword overlap between the
// submitted idea and each candidate's description.
package intent

import (
	"github.com/sells-group/decidekit/internal/model"
	"github.com/sells-group/decidekit/internal/vocab"
)

// DefaultThreshold is the minimum overlap for a candidate to be admitted.
const DefaultThreshold = 0.4

// Set is a set of matched intent keywords.
type Set map[string]struct{}

func newSet(terms []string) Set {
	s := make(Set, len(terms))
	for _, t := range terms {
		s[t] = struct{}{}
	}
	return s
}

// Has reports whether term is in the set.
func (s Set) Has(term string) bool {
	_, ok := s[term]
	return ok
}

// Filter scores candidates against the user's idea.
type Filter struct {
	vocab     *vocab.Vocabulary
	threshold float64
}

// NewFilter builds a Filter. A nil vocabulary uses vocab.Default(); a
// non-positive threshold uses DefaultThreshold.
func NewFilter(v *vocab.Vocabulary, threshold float64) *Filter {
	if v == nil {
		v = vocab.Default()
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Filter{vocab: v, threshold: threshold}
}

// ExtractUserIntent returns the user-intent keywords found in text.
func (f *Filter) ExtractUserIntent(text string) Set {
	return newSet(vocab.Match(text, f.vocab.UserIntent))
}

// ExtractCandidateIntent returns the candidate-intent keywords found in text.
func (f *Filter) ExtractCandidateIntent(text string) Set {
	return newSet(vocab.Match(text, f.vocab.CandidateIntent))
}

// OverlapScore is the share of user keywords also present in the candidate
// keywords. It is zero when either set is empty.
func OverlapScore(user, cand Set) float64 {
	if len(user) == 0 || len(cand) == 0 {
		return 0
	}
	shared := 0
	for k := range user {
		if cand.Has(k) {
			shared++
		}
	}
	return float64(shared) / float64(len(user))
}

// IsWrongCompetitor reports whether overlap falls below the threshold.
// Overlap exactly at the threshold is admitted.
func (f *Filter) IsWrongCompetitor(overlap float64) bool {
	return overlap < f.threshold
}

// Result is the outcome of filtering a candidate list.
type Result struct {
	Admitted []model.Candidate
	Rejected []model.CandidateVerdict
	Verdicts []model.CandidateVerdict
}

// Apply scores every candidate against the idea text, preserving input order.
func (f *Filter) Apply(idea string, candidates []model.Candidate) Result {
	user := f.ExtractUserIntent(idea)
	res := Result{Admitted: []model.Candidate{}}
	for _, c := range candidates {
		overlap := OverlapScore(user, f.ExtractCandidateIntent(c.Description()))
		v := model.CandidateVerdict{
			Candidate: c,
			Overlap:   overlap,
			Admitted:  !f.IsWrongCompetitor(overlap),
		}
		res.Verdicts = append(res.Verdicts, v)
		if v.Admitted {
			res.Admitted = append(res.Admitted, c)
		} else {
			res.Rejected = append(res.Rejected, v)
		}
	}
	return res
}

// AdmittedSeeds returns the union of discovery seeds across candidates, in
// first-seen order.
func AdmittedSeeds(candidates []model.Candidate) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range candidates {
		for _, s := range c.Seeds {
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
