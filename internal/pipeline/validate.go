package pipeline

import (
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/sells-group/decidekit/internal/model"
	"github.com/sells-group/decidekit/internal/vocab"
)

// SeedRejectedReason is recorded on runs aborted by seed validation.
const SeedRejectedReason = "Analysis Aborted: Primary market seed contained forbidden evaluation/risk terms. Please refine input to focus on the market/problem."

var (
	// ErrSeedRejected aborts a run whose primary seed is unusable.
	ErrSeedRejected = eris.New(SeedRejectedReason)
	// ErrInvalidInput is returned for empty or oversized idea text.
	ErrInvalidInput = eris.New("pipeline: invalid input")
)

// DefaultMaxInputChars bounds the idea text length.
const DefaultMaxInputChars = 5000

// ValidateInput checks that the idea text is present and bounded.
func ValidateInput(raw string, maxChars int) error {
	if maxChars <= 0 {
		maxChars = DefaultMaxInputChars
	}
	if strings.TrimSpace(raw) == "" {
		return eris.Wrap(ErrInvalidInput, "input is empty")
	}
	if n := utf8.RuneCountInString(raw); n > maxChars {
		return eris.Wrapf(ErrInvalidInput, "input is %d characters, limit is %d", n, maxChars)
	}
	return nil
}

// ValidateSeeds drops secondary seeds containing a forbidden term. A primary
// seed that is blank or contains a forbidden term rejects the whole set.
func ValidateSeeds(seeds model.SeedSet, forbidden []string) (model.SeedSet, error) {
	primary := strings.TrimSpace(seeds.Primary)
	if primary == "" || vocab.Contains(primary, forbidden) {
		return model.SeedSet{}, ErrSeedRejected
	}

	out := model.SeedSet{Primary: primary}
	for _, s := range seeds.Secondary {
		s = strings.TrimSpace(s)
		if s == "" || vocab.Contains(s, forbidden) {
			continue
		}
		out.Secondary = append(out.Secondary, s)
	}
	return out, nil
}
