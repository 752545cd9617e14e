package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/decidekit/internal/llm"
	"github.com/sells-group/decidekit/internal/model"
)

// scriptedGen returns canned responses keyed by request label.
type scriptedGen struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	prompts   map[string][]string
}

func newScriptedGen() *scriptedGen {
	return &scriptedGen{
		responses: map[string]string{},
		errs:      map[string]error{},
		prompts:   map[string][]string{},
	}
}

func (g *scriptedGen) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts[req.Label] = append(g.prompts[req.Label], req.Prompt)
	if err := g.errs[req.Label]; err != nil {
		return nil, err
	}
	return &llm.Response{Text: g.responses[req.Label], Model: "test-model"}, nil
}

// fakeSearch maps queries to hits; queries in fail return an error.
type fakeSearch struct {
	mu      sync.Mutex
	hits    map[string][]model.SearchHit
	fail    map[string]bool
	queries []string
}

func (f *fakeSearch) Search(_ context.Context, query string, _ int) ([]model.SearchHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if f.fail[query] {
		return nil, errors.New("search down")
	}
	return f.hits[query], nil
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []string
		wantErr bool
	}{
		{"plain", `["a","b"]`, []string{"a", "b"}, false},
		{"fenced", "```json\n[\"a\"]\n```", []string{"a"}, false},
		{"bare fence", "```\n[\"a\"]\n```", []string{"a"}, false},
		{"prose", "Here you go: [\"x\", \"y\"] hope that helps", []string{"x", "y"}, false},
		{"empty", "", nil, true},
		{"no json", "sorry, I can't", nil, true},
		{"broken", `["a",`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeJSON[[]string](tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeJSON_Object(t *testing.T) {
	got, err := DecodeJSON[seedResponse]("```json\n{\"primary_market_seed\": \"invoice reminders\", \"secondary_market_seeds\": [\"dunning\"]}\n```")
	require.NoError(t, err)
	assert.Equal(t, "invoice reminders", got.Primary)
	assert.Equal(t, []string{"dunning"}, got.Secondary)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "ab", truncate("abc", 2))
	// "é" is two bytes; cutting inside it backs off to the rune start.
	assert.Equal(t, "a", truncate("aé", 2))
}

func TestSeeder(t *testing.T) {
	t.Run("parsed", func(t *testing.T) {
		gen := newScriptedGen()
		gen.responses["seeder"] = `{"primary_market_seed": " invoice reminders ", "secondary_market_seeds": ["late payment tracking"], "risk_flags": ["legal exposure"]}`
		seeds, err := NewSeeder(gen).Seeds(context.Background(), "Automated invoice reminders for freelancers")
		require.NoError(t, err)
		assert.Equal(t, "invoice reminders", seeds.Primary)
		assert.Equal(t, []string{"late payment tracking"}, seeds.Secondary)
	})

	t.Run("unparseable falls back to input", func(t *testing.T) {
		gen := newScriptedGen()
		gen.responses["seeder"] = "I think the seeds are..."
		idea := "Automated invoice reminders for freelancers who keep getting paid late by agencies\nsecond line"
		seeds, err := NewSeeder(gen).Seeds(context.Background(), idea)
		require.NoError(t, err)
		assert.Equal(t, strings.TrimSpace(idea[:fallbackSeedLen]), seeds.Primary)
		assert.Empty(t, seeds.Secondary)
	})

	t.Run("generation error propagates", func(t *testing.T) {
		gen := newScriptedGen()
		gen.errs["seeder"] = errors.New("quota")
		_, err := NewSeeder(gen).Seeds(context.Background(), "x")
		require.Error(t, err)
	})
}

func TestHunter_DedupesAndAttributesSeeds(t *testing.T) {
	search := &fakeSearch{hits: map[string][]model.SearchHit{
		"invoice reminders competitors pricing reviews": {
			{Name: "Chaser - invoice reminders", URL: "https://chaser.example", Snippet: "Automated invoice reminders"},
			{Name: "Capterra list", URL: "https://capterra.example", Snippet: "Top 10 tools"},
		},
		"late payment tracking competitors pricing reviews": {
			{Name: "Chaser - invoice reminders", URL: "https://chaser.example", Snippet: "Chase late payments"},
			{Name: "Upflow", URL: "https://upflow.example", Snippet: "Upflow tracks late payment"},
		},
	}}
	gen := newScriptedGen()
	gen.responses["hunter"] = `["Chaser", "Upflow", "Ghost Tool", "Chaser"]`

	h := NewHunter(gen, search, HunterConfig{})
	got, err := h.Hunt(context.Background(), "invoice reminders app", []string{"invoice reminders", "late payment tracking"})
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "Chaser", got[0].Name)
	assert.Equal(t, "https://chaser.example", got[0].URL)
	assert.Equal(t, "Automated invoice reminders", got[0].Snippet, "first snippet seen wins")
	assert.Equal(t, []string{"invoice reminders", "late payment tracking"}, got[0].Seeds)

	assert.Equal(t, "Upflow", got[1].Name)
	assert.Equal(t, []string{"late payment tracking"}, got[1].Seeds)

	assert.Equal(t, "Ghost Tool", got[2].Name)
	assert.Equal(t, []string{"invoice reminders"}, got[2].Seeds, "unmatched names credit the primary seed")

	prompt := gen.prompts["hunter"][0]
	assert.Equal(t, 1, strings.Count(prompt, "Title: Chaser"), "hits are deduplicated by URL")
}

func TestHunter_SeedSearchFailureIsSkipped(t *testing.T) {
	search := &fakeSearch{
		hits: map[string][]model.SearchHit{
			"b competitors pricing reviews": {{Name: "Tool B", URL: "https://b.example", Snippet: "b"}},
		},
		fail: map[string]bool{"a competitors pricing reviews": true},
	}
	gen := newScriptedGen()
	gen.responses["hunter"] = `not json`

	got, err := NewHunter(gen, search, HunterConfig{}).Hunt(context.Background(), "idea", []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, got, 1, "unparseable names fall back to raw hits")
	assert.Equal(t, "Tool B", got[0].Name)
	assert.Equal(t, []string{"b"}, got[0].Seeds)
}

func TestHunter_NoHitsSkipsGeneration(t *testing.T) {
	gen := newScriptedGen()
	got, err := NewHunter(gen, &fakeSearch{}, HunterConfig{}).Hunt(context.Background(), "idea", []string{"a"})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, gen.prompts["hunter"])
}

func TestHunter_MaxHits(t *testing.T) {
	hits := make([]model.SearchHit, 0, 5)
	for _, n := range []string{"a", "b", "c", "d", "e"} {
		hits = append(hits, model.SearchHit{Name: n, URL: "https://" + n + ".example"})
	}
	search := &fakeSearch{hits: map[string][]model.SearchHit{"s competitors pricing reviews": hits}}
	gen := newScriptedGen()
	gen.responses["hunter"] = "nope"

	got, err := NewHunter(gen, search, HunterConfig{MaxHits: 2}).Hunt(context.Background(), "idea", []string{"s"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
