package collectors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/req2run-engine/internal/model"
	"github.com/R3E-Network/req2run-engine/internal/predicate"
)

func TestParseJSONManifestAndPassRate(t *testing.T) {
	data := []byte(`{"tests":[{"id":"REQ-1","passed":true},{"id":"REQ-2","passed":false}]}`)
	results, err := ParseManifest(data, FormatJSON)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, 0.5, PassRate(results))
}

func TestParseJUnitManifest(t *testing.T) {
	data := []byte(`<testsuite>
		<testcase classname="pkg" name="TestA"></testcase>
		<testcase classname="pkg" name="TestB"><failure message="boom"/></testcase>
	</testsuite>`)
	results, err := ParseManifest(data, FormatJUnit)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Passed)
	assert.False(t, results[1].Passed)
}

func TestParseTAPManifest(t *testing.T) {
	data := []byte("ok 1 first test\nnot ok 2 second test\n")
	results, err := ParseManifest(data, FormatTAP)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Passed)
	assert.False(t, results[1].Passed)
}

func TestCoverageRequiresAllIDsPassed(t *testing.T) {
	results := []TestCaseResult{{ID: "REQ-1", Passed: true}, {ID: "REQ-2", Passed: false}}
	assert.Equal(t, 0.5, Coverage(results, []string{"REQ-1", "REQ-2"}))
	assert.Equal(t, 1.0, Coverage(results, nil))
}

func TestFunctionalCoverageIsMustSatisfactionRatio(t *testing.T) {
	requirements := []model.Requirement{
		{ID: "R1", Priority: model.PriorityMust, TestIDs: []string{"T1"}},
		{ID: "R2", Priority: model.PriorityMust, TestIDs: []string{"T2"}},
	}
	results := []TestCaseResult{{ID: "T1", Passed: true}, {ID: "T2", Passed: false}}
	assert.Equal(t, 0.5, FunctionalCoverage(requirements, results, nil))
}

func TestFunctionalCoverageAppliesShouldBonusOnlyWhenAllMustPass(t *testing.T) {
	requirements := []model.Requirement{
		{ID: "R1", Priority: model.PriorityMust, TestIDs: []string{"T1"}},
		{ID: "R2", Priority: model.PriorityShould, TestIDs: []string{"T2"}},
	}
	allPassing := []TestCaseResult{{ID: "T1", Passed: true}, {ID: "T2", Passed: true}}
	assert.Equal(t, 1.0, FunctionalCoverage(requirements, allPassing, nil))

	mustFails := []TestCaseResult{{ID: "T1", Passed: false}, {ID: "T2", Passed: true}}
	assert.Equal(t, 0.0, FunctionalCoverage(requirements, mustFails, nil))
}

func TestFunctionalCoverageWithNoMustRequirementsIsFull(t *testing.T) {
	assert.Equal(t, 1.0, FunctionalCoverage(nil, nil, nil))
}

func TestFunctionalCoverageEvaluatesSuccessCriteriaExpression(t *testing.T) {
	requirements := []model.Requirement{
		{ID: "R1", Priority: model.PriorityMust, TestIDs: []string{"T1"}, SuccessCriteria: "testPassRate === 1"},
	}
	results := []TestCaseResult{{ID: "T1", Passed: true}}
	eval := predicate.NewEvaluator(0)

	assert.Equal(t, 1.0, FunctionalCoverage(requirements, results, eval))
}

func TestFunctionalCoverageTreatsUnevaluableSuccessCriteriaAsUnsatisfied(t *testing.T) {
	requirements := []model.Requirement{
		{ID: "R1", Priority: model.PriorityMust, TestIDs: []string{"T1"}, SuccessCriteria: "testPassRate === 1"},
	}
	results := []TestCaseResult{{ID: "T1", Passed: true}}

	assert.Equal(t, 0.0, FunctionalCoverage(requirements, results, nil))
}

func TestParseSecurityReportCountsBySeverity(t *testing.T) {
	data := []byte(`{"results":[{"severity":"HIGH"},{"severity":"low"},{"severity":"critical"}]}`)
	metrics, err := ParseSecurityReport(data, "$.results[*]", true)
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.Critical)
	assert.Equal(t, 1, metrics.High)
	assert.Equal(t, 1, metrics.Low)
	assert.Equal(t, float64(1), metrics.RuntimeCompliance)
}

func TestPercentilesFromHistogram(t *testing.T) {
	buckets := []model.HistogramBucket{
		{UpperBoundMS: 10, Count: 50},
		{UpperBoundMS: 50, Count: 40},
		{UpperBoundMS: 100, Count: 10},
	}
	p50, p95, p99 := Percentiles(buckets)
	assert.Equal(t, 50.0, p50, "exact tie at the 10ms boundary breaks to the next bucket")
	assert.Equal(t, 100.0, p95)
	assert.Equal(t, 100.0, p99)
}

func TestPercentileOfResolvesNonTieWithoutCrossingIntoNextBucket(t *testing.T) {
	buckets := []model.HistogramBucket{
		{UpperBoundMS: 10, Count: 60},
		{UpperBoundMS: 50, Count: 40},
	}
	p50, _, _ := Percentiles(buckets)
	assert.Equal(t, 10.0, p50, "cumulative strictly exceeds target inside the first bucket")
}

func TestLatencyScoreDecaysToZeroAtDoubleTarget(t *testing.T) {
	assert.Equal(t, 100.0, LatencyScore(50, 100))
	assert.Equal(t, 0.0, LatencyScore(50, 0))
	assert.Equal(t, 0.0, LatencyScore(200, 100))
	assert.InDelta(t, 50.0, LatencyScore(150, 100), 0.001)
}

func TestResourceScoreDecaysPastEightyPercent(t *testing.T) {
	assert.Equal(t, 100.0, ResourceScore(0.5, 1.0))
	assert.Equal(t, 0.0, ResourceScore(1.0, 1.0))
	assert.InDelta(t, 50.0, ResourceScore(0.9, 1.0), 0.001)
}

func TestParseCoverProfileComputesLineCoverage(t *testing.T) {
	data := []byte("mode: set\nfoo.go:1.1,2.2 3 1\nfoo.go:3.1,4.2 2 0\n")
	profile, err := ParseCoverProfile(data)
	require.NoError(t, err)
	assert.Equal(t, 5, profile.TotalStatements)
	assert.Equal(t, 3, profile.CoveredStatements)
	assert.InDelta(t, 0.6, profile.LineCoverage(), 0.001)
}
