package model

import (
	"sync"
	"time"
)

// Decision is the kill-switch outcome.
type Decision string

const (
	DecisionBuild      Decision = "BUILD"
	DecisionDoNotBuild Decision = "DO_NOT_BUILD"
)

// AnalysisRun is one execution of the research pipeline for a submitted idea.
type AnalysisRun struct {
	ID            string     `json:"id"`
	UserID        int64      `json:"user_id"`
	RawInput      string     `json:"raw_input"`
	OriginalInput string     `json:"original_input,omitempty"` // user's literal words when framing changed them
	Stage         Stage      `json:"stage"`
	Failure       *Failure   `json:"failure,omitempty"`
	Verdict       *Decision  `json:"verdict,omitempty"`
	Confidence    *float64   `json:"confidence,omitempty"` // 0.0-1.0
	Usage         TokenUsage `json:"usage"`
	CostUSD       float64    `json:"cost_usd"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// NewRunRequest holds the caller-supplied fields for a new run.
type NewRunRequest struct {
	UserID        int64  `json:"user_id"`
	RawInput      string `json:"raw_input"`
	OriginalInput string `json:"original_input,omitempty"`
}

// TokenUsage tracks LLM token consumption.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add accumulates another TokenUsage into this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// UsageMeter accumulates token usage and USD cost across the collaborator
// calls of a run. It is safe for concurrent use; counters only grow.
type UsageMeter struct {
	mu    sync.Mutex
	usage TokenUsage
	cost  float64
}

// NewUsageMeter returns a meter seeded with prior usage and cost.
func NewUsageMeter(start TokenUsage, startCost float64) *UsageMeter {
	return &UsageMeter{usage: start, cost: max(startCost, 0)}
}

// Record adds usage and its cost to the meter. Negative values are ignored.
func (m *UsageMeter) Record(u TokenUsage, costUSD float64) {
	if m == nil {
		return
	}
	u.InputTokens = max(u.InputTokens, 0)
	u.OutputTokens = max(u.OutputTokens, 0)
	m.mu.Lock()
	m.usage.Add(u)
	m.cost += max(costUSD, 0)
	m.mu.Unlock()
}

// Snapshot returns the current totals.
func (m *UsageMeter) Snapshot() (TokenUsage, float64) {
	if m == nil {
		return TokenUsage{}, 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage, m.cost
}

// StageStatus is the outcome of one stage execution.
type StageStatus string

const (
	StageStatusRunning  StageStatus = "running"
	StageStatusComplete StageStatus = "complete"
	StageStatusFailed   StageStatus = "failed"
)

// StageResult records timing and usage for one executed stage.
type StageResult struct {
	Stage    Stage          `json:"stage"`
	Status   StageStatus    `json:"status"`
	Duration int64          `json:"duration_ms"`
	Usage    TokenUsage     `json:"token_usage"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
