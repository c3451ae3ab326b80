// Package scorer implements the deterministic weighted aggregator: it turns
// a run's Metrics into per-category sub-scores, a total, a grade, and the
// pass/fail gate (spec.md §4.4).
package scorer

import (
	"fmt"
	"math"

	"github.com/R3E-Network/req2run-engine/internal/collectors"
	"github.com/R3E-Network/req2run-engine/internal/model"
)

const weightEpsilon = 1e-6

// Penalty/bonus magnitudes, applied after the weighted sum (spec.md §4.4).
const (
	timeoutPenalty         = 5.0
	crashedPenalty         = 10.0
	policyViolationPenalty = 15.0
	withinBudgetBonus      = 2.0
)

// ErrInvalidWeights is returned when ProblemSpec-supplied weights cannot be
// normalized (all zero, or any negative).
type ErrInvalidWeights struct {
	Reason string
}

func (e *ErrInvalidWeights) Error() string {
	return fmt.Sprintf("scorer: invalid scoring weights: %s", e.Reason)
}

// NormalizeWeights applies ProblemSpec overrides over the defaults and
// rescales whatever is set to sum to 1.0, following the same
// apply-override-then-validate idiom used throughout the config layer: a
// zero field means "keep the default", negative weights or a zero sum are
// rejected with ErrInvalidWeights, and any other sum further than epsilon
// from 1.0 is rescaled rather than rejected.
func NormalizeWeights(overrides model.ScoringWeights) (model.ScoringWeights, error) {
	w := model.DefaultScoringWeights()
	if overrides.Functional != 0 {
		w.Functional = overrides.Functional
	}
	if overrides.Test != 0 {
		w.Test = overrides.Test
	}
	if overrides.Performance != 0 {
		w.Performance = overrides.Performance
	}
	if overrides.Quality != 0 {
		w.Quality = overrides.Quality
	}
	if overrides.Security != 0 {
		w.Security = overrides.Security
	}

	if w.Functional < 0 || w.Test < 0 || w.Performance < 0 || w.Quality < 0 || w.Security < 0 {
		return model.ScoringWeights{}, &ErrInvalidWeights{Reason: "weights must be non-negative"}
	}

	sum := w.Functional + w.Test + w.Performance + w.Quality + w.Security
	if sum <= 0 {
		return model.ScoringWeights{}, &ErrInvalidWeights{Reason: "weights sum to zero"}
	}
	if math.Abs(sum-1.0) > weightEpsilon {
		w.Functional /= sum
		w.Test /= sum
		w.Performance /= sum
		w.Quality /= sum
		w.Security /= sum
	}
	return w, nil
}

// Inputs is everything the Scorer needs beyond the run's Metrics: the
// effective (already-normalized) weights, the non-functional targets used
// to turn raw performance numbers into a performance_score, and the stage
// outcomes the penalty/bonus pass inspects.
type Inputs struct {
	Metrics       model.Metrics
	Weights       model.ScoringWeights
	NonFunctional model.NonFunctionalTargets
	ResourceCaps  model.ResourceCaps
	StageOutcomes []model.StageOutcome
}

// Score computes the full Scores breakdown plus the pass gate and a
// human-readable reason when pass is false.
func Score(in Inputs) (model.Scores, bool, string) {
	functional := in.Metrics.FunctionalCoverage * 100
	test := in.Metrics.TestPassRate * 100
	performance := performanceScore(in)
	quality := qualityScore(in.Metrics.Quality)
	security := securityScore(in.Metrics.Security)

	policyViolation := false
	for _, s := range in.StageOutcomes {
		if s.SubReason == "policy_violation" {
			policyViolation = true
		}
	}
	if policyViolation {
		security = 0
	}

	weights := effectiveWeights(in.Weights, in.Metrics.Performance.LowConfidence)
	total := weights.Functional*functional +
		weights.Test*test +
		weights.Performance*performance +
		weights.Quality*quality +
		weights.Security*security

	total += penaltiesAndBonuses(in.StageOutcomes, policyViolation)
	total = roundToEven3(total)
	if total < 0 {
		total = 0
	}
	if total > 100 {
		total = 100
	}

	gatesMet := in.Metrics.FunctionalCoverage == 1.0 && in.Metrics.Security.RuntimeCompliance == 1.0
	grade := gradeFor(total)
	if !gatesMet {
		grade = model.GradeFail
	}
	pass := grade != model.GradeFail

	reason := ""
	if !pass {
		reason = failureReason(in, grade)
	}

	return model.Scores{
		Functional:  functional,
		Test:        test,
		Performance: performance,
		Quality:     quality,
		Security:    security,
		Total:       total,
		Grade:       grade,
	}, pass, reason
}

// effectiveWeights halves the performance weight when the run's observation
// count was below collectors.LowConfidenceThreshold (spec.md §4.3), folding
// the freed half back into the other four weights proportionally so the
// total still sums to 1.0.
func effectiveWeights(w model.ScoringWeights, lowConfidence bool) model.ScoringWeights {
	if !lowConfidence {
		return w
	}
	freed := w.Performance * 0.5
	w.Performance -= freed
	others := w.Functional + w.Test + w.Quality + w.Security
	if others > 0 {
		w.Functional += freed * (w.Functional / others)
		w.Test += freed * (w.Test / others)
		w.Quality += freed * (w.Quality / others)
		w.Security += freed * (w.Security / others)
	}
	return w
}

func performanceScore(in Inputs) float64 {
	p := in.Metrics.Performance
	latency := collectors.LatencyScore(p.P95MS, in.NonFunctional.LatencyP95TargetMS)
	throughput := collectors.ThroughputScore(p.RPS, in.NonFunctional.ThroughputFloorRPS)
	resource := resourceScoreFromCaps(in)
	return collectors.PerformanceScore(latency, throughput, resource)
}

// resourceScoreFromCaps finds the highest (worst) resource utilization
// ratio across the run's stage outcomes against the declared caps, and
// scores that ratio. A run with no memory cap declared scores full marks.
func resourceScoreFromCaps(in Inputs) float64 {
	if in.ResourceCaps.MemoryMiB <= 0 {
		return 100
	}
	var peakBytes int64
	for _, s := range in.StageOutcomes {
		if s.PeakRSSBytes > peakBytes {
			peakBytes = s.PeakRSSBytes
		}
	}
	peakMiB := float64(peakBytes) / (1 << 20)
	return collectors.ResourceScore(peakMiB, float64(in.ResourceCaps.MemoryMiB))
}

func qualityScore(q model.QualityMetrics) float64 {
	coverage := 0.0
	if q.LineCoverage != nil {
		coverage = collectors.CoverageScore(*q.LineCoverage)
	}
	complexity := 100.0
	if q.CyclomaticAvg != nil {
		complexity = collectors.ComplexityScore(*q.CyclomaticAvg)
	}
	documentation := 100.0
	if q.DocumentationRatio != nil {
		documentation = collectors.CoverageScore(*q.DocumentationRatio)
	}
	lint := collectors.LintSeverityScore(q.LintSeverityCounts)
	return 0.25*complexity + 0.25*coverage + 0.25*lint + 0.25*documentation
}

func securityScore(s model.SecurityMetrics) float64 {
	penalty := 2*float64(s.Critical) + 2*float64(s.High) + 1*float64(s.Medium) + 0.5*float64(s.Low)
	findingsScore := math.Max(0, 100-penalty)
	return 0.5*s.RuntimeCompliance*100 + 0.5*findingsScore
}

func penaltiesAndBonuses(stages []model.StageOutcome, policyViolation bool) float64 {
	var delta float64
	allWithinBudget := len(stages) > 0
	for _, s := range stages {
		if s.Kind == model.OutcomeTimeout && s.Stage != model.StagePerformanceTest {
			delta -= timeoutPenalty
		}
		if s.Kind == model.OutcomeCrashedInSandbox {
			delta -= crashedPenalty
		}
		if !s.WithinBudget {
			allWithinBudget = false
		}
	}
	if policyViolation {
		delta -= policyViolationPenalty
	}
	if allWithinBudget {
		delta += withinBudgetBonus
	}
	return delta
}

func gradeFor(total float64) model.Grade {
	switch {
	case total >= 90:
		return model.GradeGold
	case total >= 80:
		return model.GradeSilver
	case total >= 70:
		return model.GradeBronze
	default:
		return model.GradeFail
	}
}

func failureReason(in Inputs, grade model.Grade) string {
	switch {
	case in.Metrics.FunctionalCoverage != 1.0:
		return fmt.Sprintf("functional_coverage %.3f is below the required 1.0", in.Metrics.FunctionalCoverage)
	case in.Metrics.Security.RuntimeCompliance != 1.0:
		return "security runtime_compliance is below the required 1.0"
	case grade == model.GradeFail:
		return "total score is below the Bronze threshold of 70"
	default:
		return "evaluation did not meet the pass criteria"
	}
}

// roundToEven3 rounds to three decimal places using round-half-to-even
// (banker's rounding), avoiding the systematic upward bias plain
// round-half-away-from-zero introduces over many runs.
func roundToEven3(v float64) float64 {
	scaled := v * 1000
	rounded := math.RoundToEven(scaled)
	return rounded / 1000
}
