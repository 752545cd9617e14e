package agent

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/decidekit/internal/llm"
	"github.com/sells-group/decidekit/internal/model"
)

// HunterConfig tunes discovery.
type HunterConfig struct {
	// ResultsPerSeed caps search hits fetched per seed.
	ResultsPerSeed int
	// MaxHits caps the deduplicated hits passed to name extraction.
	MaxHits int
}

// Hunter discovers candidate competitors for a set of seeds.
type Hunter struct {
	gen    llm.Generator
	search Searcher
	cfg    HunterConfig
}

// NewHunter creates a Hunter.
func NewHunter(gen llm.Generator, search Searcher, cfg HunterConfig) *Hunter {
	if cfg.ResultsPerSeed <= 0 {
		cfg.ResultsPerSeed = 4
	}
	if cfg.MaxHits <= 0 {
		cfg.MaxHits = 12
	}
	return &Hunter{gen: gen, search: search, cfg: cfg}
}

// discovered is a deduplicated search hit with every seed that surfaced it.
type discovered struct {
	hit   model.SearchHit
	seeds []string
}

// Hunt searches every seed, deduplicates hits by URL and asks the generator
// which hits are direct competitor products. A failed search for one seed is
// logged and skipped.
func (h *Hunter) Hunt(ctx context.Context, idea string, seeds []string) ([]model.Candidate, error) {
	log := zap.L().With(zap.String("agent", "hunter"))

	var order []string
	byURL := make(map[string]*discovered)
	for _, seed := range seeds {
		hits, err := h.search.Search(ctx, seed+" competitors pricing reviews", h.cfg.ResultsPerSeed)
		if err != nil {
			if ctx.Err() != nil {
				return nil, eris.Wrap(ctx.Err(), "agent: hunt")
			}
			log.Warn("search failed for seed", zap.String("seed", seed), zap.Error(err))
			continue
		}
		for _, hit := range hits {
			if hit.URL == "" {
				continue
			}
			d, ok := byURL[hit.URL]
			if !ok {
				d = &discovered{hit: hit}
				byURL[hit.URL] = d
				order = append(order, hit.URL)
			}
			if !slices.Contains(d.seeds, seed) {
				d.seeds = append(d.seeds, seed)
			}
		}
	}

	found := make([]*discovered, 0, len(order))
	for _, u := range order {
		found = append(found, byURL[u])
	}
	if len(found) > h.cfg.MaxHits {
		found = found[:h.cfg.MaxHits]
	}
	if len(found) == 0 {
		log.Info("no search hits", zap.Int("seeds", len(seeds)))
		return nil, nil
	}

	names, err := h.extractNames(ctx, idea, found)
	if err != nil {
		return nil, err
	}
	if names == nil {
		return hitsAsCandidates(found), nil
	}

	primary := ""
	if len(seeds) > 0 {
		primary = seeds[0]
	}
	candidates := make([]model.Candidate, 0, len(names))
	for _, name := range names {
		candidates = append(candidates, attribute(name, found, primary))
	}
	log.Info("candidates identified", zap.Int("hits", len(found)), zap.Int("candidates", len(candidates)))
	return candidates, nil
}

// extractNames returns nil names (and no error) when the response cannot be
// parsed, so the caller can fall back to the raw hits.
func (h *Hunter) extractNames(ctx context.Context, idea string, found []*discovered) ([]string, error) {
	var b strings.Builder
	for _, d := range found {
		fmt.Fprintf(&b, "Title: %s\nSnippet: %s\n---\n", d.hit.Name, d.hit.Snippet)
	}

	prompt := fmt.Sprintf(`I am researching competitors for: %q.
Below are web search results.

Extract the software products that are DIRECT competitors.
- Ignore generic software unless the niche is that category.
- Ignore aggregators and review sites.
- Include a multi-purpose suite only if it explicitly mentions this niche.

Search data:
%s
Return ONLY a JSON array of product names, e.g. ["Tool A", "Tool B"].`, truncate(idea, 500), b.String())

	resp, err := h.gen.Generate(ctx, llm.Request{Tier: llm.TierSmart, Prompt: prompt, Label: "hunter"})
	if err != nil {
		return nil, eris.Wrap(err, "agent: extract competitor names")
	}

	names, err := DecodeJSON[[]string](resp.Text)
	if err != nil {
		zap.L().Warn("agent: competitor names unparseable, using raw hits", zap.Error(err))
		return nil, nil
	}

	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" && !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out, nil
}

// attribute links an extracted name back to the hits that mention it. Names
// matching no hit are credited to the primary seed.
func attribute(name string, found []*discovered, primary string) model.Candidate {
	c := model.Candidate{Name: name}
	lower := strings.ToLower(name)
	for _, d := range found {
		if !strings.Contains(strings.ToLower(d.hit.Name+" "+d.hit.Snippet), lower) {
			continue
		}
		if c.URL == "" {
			c.URL = d.hit.URL
			c.Snippet = d.hit.Snippet
		}
		for _, s := range d.seeds {
			if !slices.Contains(c.Seeds, s) {
				c.Seeds = append(c.Seeds, s)
			}
		}
	}
	if len(c.Seeds) == 0 && primary != "" {
		c.Seeds = []string{primary}
	}
	return c
}

func hitsAsCandidates(found []*discovered) []model.Candidate {
	out := make([]model.Candidate, 0, len(found))
	for _, d := range found {
		out = append(out, model.Candidate{
			Name:    d.hit.Name,
			URL:     d.hit.URL,
			Snippet: d.hit.Snippet,
			Seeds:   append([]string(nil), d.seeds...),
		})
	}
	return out
}
