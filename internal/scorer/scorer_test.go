package scorer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/req2run-engine/internal/model"
)

func floatPtr(v float64) *float64 { return &v }

func baseMetrics() model.Metrics {
	return model.Metrics{
		FunctionalCoverage: 1.0,
		TestPassRate:       0.70,
		Performance: model.PerformanceMetrics{
			P95MS: 180,
			RPS:   50,
		},
		Quality: model.QualityMetrics{
			LineCoverage:       floatPtr(0.4),
			CyclomaticAvg:      floatPtr(15),
			LintSeverityCounts: map[string]int{},
			DocumentationRatio: floatPtr(0.0),
		},
		Security: model.SecurityMetrics{RuntimeCompliance: 1.0},
	}
}

func TestNormalizeWeightsAppliesDefaultsWhenUnset(t *testing.T) {
	w, err := NormalizeWeights(model.ScoringWeights{})
	require.NoError(t, err)
	assert.Equal(t, model.DefaultScoringWeights(), w)
}

func TestNormalizeWeightsRescalesOverridesToOne(t *testing.T) {
	w, err := NormalizeWeights(model.ScoringWeights{Functional: 1, Test: 1, Performance: 1, Quality: 1, Security: 1})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, w.Functional+w.Test+w.Performance+w.Quality+w.Security, 1e-9)
	assert.InDelta(t, 0.2, w.Functional, 1e-9)
}

func TestNormalizeWeightsDefaultsZeroAndRejectsNegative(t *testing.T) {
	_, err := NormalizeWeights(model.ScoringWeights{})
	require.NoError(t, err) // zero overrides fall back to defaults, not all-zero

	_, err = NormalizeWeights(model.ScoringWeights{Functional: -1})
	assert.Error(t, err)
}

func TestScoreHappyPathBronze(t *testing.T) {
	in := Inputs{
		Metrics:       baseMetrics(),
		Weights:       model.DefaultScoringWeights(),
		NonFunctional: model.NonFunctionalTargets{LatencyP95TargetMS: 100, ThroughputFloorRPS: 100},
		StageOutcomes: []model.StageOutcome{{Stage: model.StageBuild, Kind: model.OutcomeSuccess, WithinBudget: false}},
	}
	scores, pass, reason := Score(in)
	assert.True(t, pass)
	assert.Empty(t, reason)
	assert.InDelta(t, 77.76, scores.Total, 0.1)
	assert.Equal(t, model.GradeBronze, scores.Grade)
}

func TestScoreFailsWhenFunctionalCoverageBelowOne(t *testing.T) {
	metrics := baseMetrics()
	metrics.FunctionalCoverage = 0.9
	in := Inputs{
		Metrics:       metrics,
		Weights:       model.DefaultScoringWeights(),
		NonFunctional: model.NonFunctionalTargets{LatencyP95TargetMS: 100, ThroughputFloorRPS: 100},
	}
	scores, pass, reason := Score(in)
	assert.False(t, pass)
	assert.Equal(t, model.GradeFail, scores.Grade)
	assert.Contains(t, reason, "functional_coverage")
}

func TestScoreAppliesTimeoutAndCrashPenalties(t *testing.T) {
	in := Inputs{
		Metrics:       baseMetrics(),
		Weights:       model.DefaultScoringWeights(),
		NonFunctional: model.NonFunctionalTargets{LatencyP95TargetMS: 100, ThroughputFloorRPS: 100},
		StageOutcomes: []model.StageOutcome{
			{Stage: model.StageBuild, Kind: model.OutcomeTimeout, WithinBudget: false},
			{Stage: model.StageDeploy, Kind: model.OutcomeCrashedInSandbox, WithinBudget: false},
		},
	}
	withPenalty, _, _ := Score(in)

	clean := in
	clean.StageOutcomes = []model.StageOutcome{{Stage: model.StageBuild, Kind: model.OutcomeSuccess, WithinBudget: true}}
	withoutPenalty, _, _ := Score(clean)

	assert.Less(t, withPenalty.Total, withoutPenalty.Total)
}

func TestScorePolicyViolationForcesSecurityToZero(t *testing.T) {
	in := Inputs{
		Metrics:       baseMetrics(),
		Weights:       model.DefaultScoringWeights(),
		NonFunctional: model.NonFunctionalTargets{LatencyP95TargetMS: 100, ThroughputFloorRPS: 100},
		StageOutcomes: []model.StageOutcome{
			{Stage: model.StageSecurityScan, Kind: model.OutcomeRequirementFail, SubReason: "policy_violation", WithinBudget: true},
		},
	}
	scores, pass, _ := Score(in)
	assert.Equal(t, 0.0, scores.Security)
	assert.False(t, pass)
}

func TestScoreRoundsBankersStyle(t *testing.T) {
	assert.Equal(t, 1.0, roundToEven3(1.0005))
	assert.Equal(t, 1.002, roundToEven3(1.0015))
}

func TestEffectiveWeightsLeavesWeightsUnchangedWhenConfidenceIsHigh(t *testing.T) {
	w := model.DefaultScoringWeights()
	assert.Equal(t, w, effectiveWeights(w, false))
}

func TestEffectiveWeightsHalvesPerformanceAndRedistributesTheRest(t *testing.T) {
	w := model.DefaultScoringWeights()
	got := effectiveWeights(w, true)

	assert.InDelta(t, w.Performance*0.5, got.Performance, 1e-9)
	assert.InDelta(t, 1.0, got.Functional+got.Test+got.Performance+got.Quality+got.Security, 1e-9)
	assert.Greater(t, got.Functional, w.Functional)
	assert.Greater(t, got.Test, w.Test)
	assert.Greater(t, got.Quality, w.Quality)
	assert.Greater(t, got.Security, w.Security)
}

func TestScoreLowConfidenceHalvesPerformanceContribution(t *testing.T) {
	in := Inputs{
		Metrics:       baseMetrics(),
		Weights:       model.DefaultScoringWeights(),
		NonFunctional: model.NonFunctionalTargets{LatencyP95TargetMS: 100, ThroughputFloorRPS: 1000},
		StageOutcomes: []model.StageOutcome{{Stage: model.StageBuild, Kind: model.OutcomeSuccess, WithinBudget: true}},
	}
	highConfidence, _, _ := Score(in)

	lowConf := in
	lowConf.Metrics.Performance.LowConfidence = true
	lowConfidence, _, _ := Score(lowConf)

	// baseMetrics' P95MS/RPS score well below 100, so halving performance's
	// weight and folding the rest into the other (higher-scoring) categories
	// must raise the total.
	assert.Greater(t, lowConfidence.Total, highConfidence.Total)
}
