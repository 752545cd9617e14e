package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/decidekit/internal/llm"
	"github.com/sells-group/decidekit/internal/model"
)

// evidenceQueries are the complaint-oriented searches run per candidate.
var evidenceQueries = []string{
	"site:reddit.com %s scam | review | problem",
	"site:play.google.com %s reviews",
	"%s fraud complaint",
	"%s hidden charges premium",
	"%s vs competitors alternatives reddit",
}

const (
	minSnippetLen   = 50
	maxEvidenceText = 15000
	maxPageText     = 2000
)

// MinerConfig tunes evidence collection.
type MinerConfig struct {
	// ResultsPerQuery caps hits per evidence query.
	ResultsPerQuery int
	// Templates replaces the built-in evidence queries. Each receives the
	// candidate name through %s.
	Templates []string
	// Queries limits how many templates run; 0 runs them all.
	Queries int
	// ReadProductPage adds the candidate's own page to the corpus.
	ReadProductPage bool
}

// Miner extracts evidence signals for one admitted candidate.
type Miner struct {
	gen      llm.Generator
	search   Searcher
	reader   PageReader
	research Researcher
	cfg      MinerConfig
}

// NewMiner creates a Miner. reader and research may be nil.
func NewMiner(gen llm.Generator, search Searcher, reader PageReader, research Researcher, cfg MinerConfig) *Miner {
	if cfg.ResultsPerQuery <= 0 {
		cfg.ResultsPerQuery = 4
	}
	if len(cfg.Templates) == 0 {
		cfg.Templates = evidenceQueries
	}
	if cfg.Queries <= 0 || cfg.Queries > len(cfg.Templates) {
		cfg.Queries = len(cfg.Templates)
	}
	return &Miner{gen: gen, search: search, reader: reader, research: research, cfg: cfg}
}

// Mine collects complaint text about c and extracts evidence signals. Every
// signal records c's discovery seeds as its source seeds. Failures are
// logged and yield no signals.
func (m *Miner) Mine(ctx context.Context, c model.Candidate) []model.EvidenceSignal {
	log := zap.L().With(zap.String("agent", "miner"), zap.String("candidate", c.Name))

	corpus := m.collect(ctx, c)
	if corpus == "" {
		log.Info("no evidence text found")
		return nil
	}

	prompt := fmt.Sprintf(`You are a product research miner.

Product: %s
Below is mixed raw text from Reddit, reviews and complaints.

Extract EVIDENCE-BASED USER PAINS: broken workflows, trust failure, pricing resentment, missing critical information, operational friction.
You are identifying REPEATED FAILURE MODES, not summarizing opinions.

For each pain give the underlying problem, whether it blocks trial, blocks payment, causes churn or causes legal/financial risk, and at least one quote or paraphrase.

Return STRICT JSON only:
[{"source_type": "Reddit | AppReview | Blog | FAQ | Complaint", "platform": %q, "pain_theme": "short label", "pain_description": "...", "example_evidence": "quote", "impact": "trial_blocker | conversion_blocker | churn | trust_collapse", "severity": "low | medium | high | critical", "confidence": 0.9}]

DATA:
%s`, c.Name, c.Name, truncate(corpus, maxEvidenceText))

	resp, err := m.gen.Generate(ctx, llm.Request{Tier: llm.TierSmart, Prompt: prompt, Label: "miner"})
	if err != nil {
		log.Warn("evidence extraction failed", zap.Error(err))
		return nil
	}

	signals, err := DecodeJSON[[]model.EvidenceSignal](resp.Text)
	if err != nil {
		log.Warn("evidence response unparseable", zap.Error(err))
		return nil
	}

	for i := range signals {
		signals[i].SourceSeeds = append([]string(nil), c.Seeds...)
		signals[i].Severity = signals[i].Severity.Normalize()
		if signals[i].Platform == "" {
			signals[i].Platform = c.Name
		}
	}
	log.Info("evidence extracted", zap.Int("signals", len(signals)))
	return signals
}

// collect aggregates search snippets, falling back to the researcher when
// search yields nothing.
func (m *Miner) collect(ctx context.Context, c model.Candidate) string {
	var b strings.Builder

	if m.cfg.ReadProductPage && m.reader != nil && c.URL != "" {
		if page, err := m.reader.ReadPage(ctx, c.URL); err == nil && page != "" {
			fmt.Fprintf(&b, "[Source: product page] %s\n", truncate(page, maxPageText))
		}
	}

	found := false
	for _, tmpl := range m.cfg.Templates[:m.cfg.Queries] {
		q := fmt.Sprintf(tmpl, c.Name)
		hits, err := m.search.Search(ctx, q, m.cfg.ResultsPerQuery)
		if err != nil {
			if ctx.Err() != nil {
				return ""
			}
			zap.L().Debug("evidence search failed", zap.String("query", q), zap.Error(err))
			continue
		}
		for _, h := range hits {
			if len(h.Snippet) > minSnippetLen {
				fmt.Fprintf(&b, "[Source: web search - %q] %s\n", q, h.Snippet)
				found = true
			}
		}
	}

	if !found && m.research != nil {
		text, err := m.research.Research(ctx, fmt.Sprintf(
			"What do real users complain about when using %s? Include pricing, trust and workflow problems.", c.Name))
		if err != nil {
			zap.L().Debug("research fallback failed", zap.String("candidate", c.Name), zap.Error(err))
		} else if text != "" {
			fmt.Fprintf(&b, "[Source: research summary] %s\n", text)
			found = true
		}
	}

	if !found {
		return ""
	}
	return b.String()
}
