// Package confidence computes the deterministic confidence score that gates
// the kill-switch verdict.
package confidence

import (
	"math"
	"strings"

	"github.com/sells-group/decidekit/internal/model"
	"github.com/sells-group/decidekit/internal/vocab"
)

// Weights are the composite weights for each component. They should sum to 1.
type Weights struct {
	Agreement  float64 `mapstructure:"agreement" yaml:"agreement"`
	Recurrence float64 `mapstructure:"recurrence" yaml:"recurrence"`
	Severity   float64 `mapstructure:"severity" yaml:"severity"`
}

// DefaultWeights returns the standard 50/30/20 split.
func DefaultWeights() Weights {
	return Weights{Agreement: 0.5, Recurrence: 0.3, Severity: 0.2}
}

const (
	groundingCap      = 60.0
	safetyFloor       = 70.0
	perSignalScore    = 10.0
	defaultSevScore   = 25.0
	defaultMinGrounds = 3
)

var severityScores = map[model.Severity]float64{
	model.SeverityCritical: 100,
	model.SeverityHigh:     75,
	model.SeverityMedium:   50,
	model.SeverityLow:      25,
}

const (
	safetyReason      = "Critical risk signals detected (trust/legal/fraud)."
	explainSafety     = "The system identified consistent risk signals requiring a conservative decision."
	explainVeryHigh   = "Strong, consistent signals across multiple independent sources."
	explainHigh       = "Clear direction with limited uncertainty in the available data."
	explainMedium     = "Mixed signals detected; caution and further validation advised."
	explainLow        = "Insufficient evidence found for a reliable decision."
	groundingCaveat   = " The system could not identify enough comparable products operating in the same category. Results may be incomplete."
	safetyReasonLabel = "(SAFETY DEFAULT) "
)

// Input is everything the engine needs for one run.
type Input struct {
	Signals  []model.EvidenceSignal
	Clusters []model.PainCluster
	AllSeeds []string
	Admitted int
}

// Engine computes confidence results. The zero value is not usable; call New.
type Engine struct {
	weights      Weights
	triggers     []string
	minGrounding int
}

// Option configures an Engine.
type Option func(*Engine)

// WithWeights overrides the component weights.
func WithWeights(w Weights) Option {
	return func(e *Engine) { e.weights = w }
}

// WithTriggers overrides the safety trigger terms.
func WithTriggers(terms []string) Option {
	return func(e *Engine) {
		if len(terms) > 0 {
			e.triggers = terms
		}
	}
}

// WithMinGrounding sets the admitted-candidate count below which the score is capped.
func WithMinGrounding(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.minGrounding = n
		}
	}
}

// New returns an Engine with default weights and triggers.
func New(opts ...Option) *Engine {
	e := &Engine{
		weights:      DefaultWeights(),
		triggers:     vocab.Default().SafetyTriggers,
		minGrounding: defaultMinGrounds,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Compute scores in with the default engine.
func Compute(in Input) model.ConfidenceResult {
	return New().Compute(in)
}

// Compute derives the confidence result. It has no side effects.
func (e *Engine) Compute(in Input) model.ConfidenceResult {
	all := dedupe(in.AllSeeds)
	if len(all) == 0 {
		return model.ConfidenceResult{
			Score:       0,
			Band:        model.BandLow,
			Explanation: explainLow,
			Breakdown: model.ConfidenceBreakdown{
				EvidenceCount:      len(in.Signals),
				AdmittedCandidates: in.Admitted,
			},
		}
	}

	active := make(map[string]bool)
	for _, s := range in.Signals {
		for _, seed := range s.SourceSeeds {
			active[seed] = true
		}
	}
	agreeing := 0
	for _, seed := range all {
		if active[seed] {
			agreeing++
		}
	}
	ratio := float64(agreeing) / float64(len(all))

	agreement := ratio * 100
	recurrence := math.Min(float64(len(in.Signals))*perSignalScore, 100)
	severity := maxSeverity(in.Clusters)

	score := e.weights.Agreement*agreement +
		e.weights.Recurrence*recurrence +
		e.weights.Severity*severity

	res := model.ConfidenceResult{
		Breakdown: model.ConfidenceBreakdown{
			SeedAgreementRatio: round(ratio, 2),
			TotalSeeds:         len(all),
			AgreeingSeeds:      agreeing,
			EvidenceCount:      len(in.Signals),
			AgreementScore:     round(agreement, 1),
			RecurrenceScore:    recurrence,
			MaxSeverityScore:   severity,
			AdmittedCandidates: in.Admitted,
		},
	}

	if in.Admitted < e.minGrounding {
		score = math.Min(score, groundingCap)
		res.InsufficientGrounding = true
	}

	if e.safetyTriggered(in.Clusters) {
		score = math.Max(score, safetyFloor)
		res.SafetyOverride = true
		res.SafetyOverrideReason = safetyReason
	}

	// Band on the published score so the two never disagree.
	res.Score = round(score, 1)
	res.Band = BandFor(res.Score)

	switch {
	case res.SafetyOverride:
		res.Explanation = explainSafety
	case res.Score >= 85:
		res.Explanation = explainVeryHigh
	case res.Score >= 70:
		res.Explanation = explainHigh
	case res.Score >= 50:
		res.Explanation = explainMedium
	default:
		res.Explanation = explainLow
	}
	if res.InsufficientGrounding {
		res.Explanation += groundingCaveat
	}
	return res
}

// BandFor maps a score onto its band.
func BandFor(score float64) model.Band {
	switch {
	case score >= 85:
		return model.BandVeryHigh
	case score >= 70:
		return model.BandHigh
	case score >= 50:
		return model.BandMedium
	default:
		return model.BandLow
	}
}

// ApplyToVerdict embeds the confidence into the verdict. A safety override
// forces DO_NOT_BUILD and marks the primary reason.
func ApplyToVerdict(v model.Verdict, c model.ConfidenceResult) model.Verdict {
	v.Confidence = c.Fraction()
	if c.SafetyOverride {
		v.Decision = model.DecisionDoNotBuild
		if !strings.HasPrefix(v.PrimaryReason, safetyReasonLabel) {
			v.PrimaryReason = safetyReasonLabel + v.PrimaryReason
		}
	}
	return v
}

func (e *Engine) safetyTriggered(clusters []model.PainCluster) bool {
	for _, c := range clusters {
		if !c.Severity.IsSevere() {
			continue
		}
		if vocab.Contains(c.Description+" "+c.Name, e.triggers) {
			return true
		}
	}
	return false
}

func maxSeverity(clusters []model.PainCluster) float64 {
	best := 0.0
	for _, c := range clusters {
		s, ok := severityScores[c.Severity.Normalize()]
		if !ok {
			s = defaultSevScore
		}
		if s > best {
			best = s
		}
	}
	return best
}

func dedupe(seeds []string) []string {
	seen := make(map[string]bool, len(seeds))
	out := make([]string, 0, len(seeds))
	for _, s := range seeds {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
