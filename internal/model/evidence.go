package model

import "strings"

// SeedSet is the output of seed extraction: one primary market seed and a
// handful of secondary ones.
type SeedSet struct {
	Primary   string   `json:"primary"`
	Secondary []string `json:"secondary"`
}

// All returns the primary seed followed by the secondary seeds, skipping blanks
// and duplicates.
func (s SeedSet) All() []string {
	seen := make(map[string]bool)
	var out []string
	for _, seed := range append([]string{s.Primary}, s.Secondary...) {
		seed = strings.TrimSpace(seed)
		if seed == "" || seen[seed] {
			continue
		}
		seen[seed] = true
		out = append(out, seed)
	}
	return out
}

// SearchHit is a single raw result from the discovery search.
type SearchHit struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Candidate is a prospective competing product surfaced by discovery.
type Candidate struct {
	Name     string         `json:"name"`
	URL      string         `json:"url"`
	Snippet  string         `json:"snippet,omitempty"`
	Seeds    []string       `json:"found_via_seeds"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Description is the text the intent filter reads for a candidate.
func (c Candidate) Description() string {
	if c.Snippet == "" {
		return c.Name
	}
	return c.Name + " " + c.Snippet
}

// CandidateVerdict records the intent-filter decision for one candidate.
type CandidateVerdict struct {
	Candidate Candidate `json:"candidate"`
	Overlap   float64   `json:"overlap"`
	Admitted  bool      `json:"admitted"`
}

// Impact classifies how an observed pain hurts the product funnel.
type Impact string

const (
	ImpactTrialBlocker      Impact = "trial_blocker"
	ImpactConversionBlocker Impact = "conversion_blocker"
	ImpactChurn             Impact = "churn"
	ImpactTrustCollapse     Impact = "trust_collapse"
)

// Severity is the low..critical scale shared by signals and clusters.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Normalize lower-cases and trims a severity label.
func (s Severity) Normalize() Severity {
	return Severity(strings.ToLower(strings.TrimSpace(string(s))))
}

// IsSevere reports whether s is high or critical.
func (s Severity) IsSevere() bool {
	n := s.Normalize()
	return n == SeverityHigh || n == SeverityCritical
}

// EvidenceSignal is one observed instance of user pain.
type EvidenceSignal struct {
	SourceType  string   `json:"source_type"`
	Platform    string   `json:"platform"`
	Theme       string   `json:"pain_theme"`
	Description string   `json:"pain_description"`
	Quote       string   `json:"example_evidence"`
	Impact      Impact   `json:"impact"`
	Severity    Severity `json:"severity"`
	Confidence  float64  `json:"confidence"`
	SourceSeeds []string `json:"source_seeds"`
}

// ImpactSummary flags which funnel stages a cluster affects.
type ImpactSummary struct {
	TrialBlocker      bool `json:"trial_blocker"`
	ConversionBlocker bool `json:"conversion_blocker"`
	TrustCollapse     bool `json:"trust_collapse"`
}

// PainCluster groups evidence signals sharing a root cause.
type PainCluster struct {
	ID               string        `json:"cluster_id"`
	Name             string        `json:"cluster_name"`
	Description      string        `json:"description"`
	Personas         []string      `json:"affected_personas"`
	EvidenceCount    int           `json:"evidence_count"`
	Platforms        []string      `json:"platforms_affected"`
	Impact           ImpactSummary `json:"impact_summary"`
	Severity         Severity      `json:"severity"`
	WhyUsersGetAngry string        `json:"why_users_get_angry,omitempty"`
	Quotes           []string      `json:"representative_quotes,omitempty"`
}

// Complexity is a rough build-effort tier.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// FeatureDecision is a proposed MVP feature justified by pain clusters.
type FeatureDecision struct {
	ID                      string     `json:"feature_id"`
	Name                    string     `json:"feature_name"`
	SolvesClusters          []string   `json:"solves_pain_clusters"`
	UserProblem             string     `json:"user_problem"`
	WhyExistingSolutionFail string     `json:"why_existing_solutions_fail"`
	MVPPriority             bool       `json:"mvp_priority"`
	ExpectedOutcome         string     `json:"expected_user_outcome"`
	SuccessMetric           string     `json:"success_metric"`
	IfWeDontBuild           string     `json:"if_we_dont_build"`
	Complexity              Complexity `json:"complexity"`
}

// MVPDecisions returns the decisions flagged for the MVP, preserving order.
func MVPDecisions(decisions []FeatureDecision) []FeatureDecision {
	var out []FeatureDecision
	for _, d := range decisions {
		if d.MVPPriority {
			out = append(out, d)
		}
	}
	return out
}
