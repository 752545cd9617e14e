package model

// Band is the qualitative label for a confidence score.
type Band string

const (
	BandLow      Band = "Low"
	BandMedium   Band = "Medium"
	BandHigh     Band = "High"
	BandVeryHigh Band = "Very High"
)

// ConfidenceBreakdown exposes the inputs behind a confidence score.
type ConfidenceBreakdown struct {
	SeedAgreementRatio float64 `json:"seed_agreement_ratio"`
	TotalSeeds         int     `json:"total_seeds"`
	AgreeingSeeds      int     `json:"agreeing_seeds"`
	EvidenceCount      int     `json:"evidence_count"`
	AgreementScore     float64 `json:"agreement_score"`
	RecurrenceScore    float64 `json:"recurrence_score"`
	MaxSeverityScore   float64 `json:"max_severity_score"`
	AdmittedCandidates int     `json:"admitted_candidates"`
}

// ConfidenceResult is the deterministic confidence assessment for a run.
type ConfidenceResult struct {
	Score                 float64             `json:"score"` // 0-100, one decimal
	Band                  Band                `json:"band"`
	Explanation           string              `json:"explanation"`
	Breakdown             ConfidenceBreakdown `json:"breakdown"`
	SafetyOverride        bool                `json:"safety_override"`
	SafetyOverrideReason  string              `json:"safety_override_reason,omitempty"`
	InsufficientGrounding bool                `json:"insufficient_grounding"`
}

// Fraction returns the score on a 0.0-1.0 scale.
func (c ConfidenceResult) Fraction() float64 {
	return c.Score / 100
}

// Recommendation is the suggested next move accompanying a verdict.
type Recommendation string

const (
	RecommendProceed Recommendation = "Proceed"
	RecommendPivot   Recommendation = "Pivot"
	RecommendAbandon Recommendation = "Abandon"
)

// Verdict is the kill-switch decision for a run.
type Verdict struct {
	Decision          Decision       `json:"verdict"`
	Confidence        float64        `json:"confidence"`
	PrimaryReason     string         `json:"primary_reason"`
	SupportingReasons []string       `json:"supporting_reasons"`
	FailedCriteria    []string       `json:"failed_criteria"`
	WhatWouldChange   []string       `json:"what_would_change_verdict,omitempty"`
	Recommendation    Recommendation `json:"recommendation"`
}

// SafetyDefaultVerdict is returned when the verdict cannot be produced.
func SafetyDefaultVerdict(cause string) Verdict {
	var supporting []string
	if cause != "" {
		supporting = []string{cause}
	}
	return Verdict{
		Decision:          DecisionDoNotBuild,
		Confidence:        0,
		PrimaryReason:     "Agent Error - Defaulting to Safety",
		SupportingReasons: supporting,
		FailedCriteria:    []string{"system_error"},
		Recommendation:    RecommendAbandon,
	}
}

// ProductOverview summarizes the product in a blueprint.
type ProductOverview struct {
	Name             string `json:"name"`
	OneLiner         string `json:"one_liner"`
	TargetUser       string `json:"target_user"`
	ProblemStatement string `json:"problem_statement"`
}

// MVPFeature is one feature in the blueprint's launch set.
type MVPFeature struct {
	ID            string     `json:"feature_id"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	PainAddressed string     `json:"user_pain_addressed"`
	SuccessMetric string     `json:"success_metric"`
	Complexity    Complexity `json:"complexity"`
}

// Risk is a known unknown with its mitigation.
type Risk struct {
	Risk       string `json:"risk"`
	Impact     string `json:"impact"`
	Mitigation string `json:"mitigation"`
}

// LaunchScope lists what ships and what does not.
type LaunchScope struct {
	Included []string `json:"included"`
	Excluded []string `json:"excluded"`
}

// SuccessDefinition lists leading and lagging indicators.
type SuccessDefinition struct {
	LeadingIndicators []string `json:"leading_indicators"`
	LaggingIndicators []string `json:"lagging_indicators"`
}

// Blueprint is the product requirements document produced for BUILD runs.
type Blueprint struct {
	Overview    ProductOverview   `json:"product_overview"`
	Goals       []string          `json:"goals"`
	NonGoals    []string          `json:"non_goals"`
	MVPFeatures []MVPFeature      `json:"mvp_features"`
	UserFlow    []string          `json:"user_flow"`
	Risks       []Risk            `json:"risks_and_unknowns"`
	LaunchScope LaunchScope       `json:"launch_scope"`
	Success     SuccessDefinition `json:"success_definition"`
}
