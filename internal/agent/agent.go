// Package agent implements the research collaborators the pipeline driver
// calls: seed extraction, competitor discovery, evidence mining, clustering,
// feature justification, the kill-switch verdict and the blueprint. Each one
// delegates its transformation to an llm.Generator and returns typed results.
package agent

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrNoJSON is returned by DecodeJSON when the text holds no JSON value.
var ErrNoJSON = eris.New("agent: no JSON value in response")

// DecodeJSON extracts the first JSON object or array from text that may be
// wrapped in markdown fences or prose, and decodes it into T.
func DecodeJSON[T any](text string) (T, error) {
	var out T
	raw := cleanJSON(text)
	if raw == "" {
		return out, ErrNoJSON
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, eris.Wrap(err, "agent: decode response")
	}
	return out, nil
}

func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return ""
	}
	closer := "}"
	if text[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(text, closer)
	if end <= start {
		return ""
	}
	return strings.TrimSpace(text[start : end+1])
}

// mustJSON renders v for embedding in a prompt.
func mustJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(b)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
