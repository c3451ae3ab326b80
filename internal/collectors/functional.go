// Package collectors turns raw stage evidence (test manifests, security
// scanner reports, performance histograms, coverage profiles) into the
// model.Metrics sub-records the Scorer consumes.
package collectors

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"fmt"
	"math"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/req2run-engine/internal/model"
	"github.com/R3E-Network/req2run-engine/internal/predicate"
)

// ManifestFormat names a functional/unit test result format.
type ManifestFormat string

const (
	FormatJSON   ManifestFormat = "json"
	FormatJUnit  ManifestFormat = "junit"
	FormatTAP    ManifestFormat = "tap"
)

// TestCaseResult is one reported test outcome.
type TestCaseResult struct {
	ID     string
	Passed bool
}

// junitSuite mirrors the subset of JUnit XML this engine reads.
type junitSuite struct {
	XMLName   xml.Name `xml:"testsuite"`
	TestCases []struct {
		Name    string   `xml:"name,attr"`
		ClassName string `xml:"classname,attr"`
		Failure *struct{} `xml:"failure"`
		Error   *struct{} `xml:"error"`
		Skipped *struct{} `xml:"skipped"`
	} `xml:"testcase"`
}

// ParseManifest parses a test-result manifest in the given format into a
// flat list of per-test outcomes.
func ParseManifest(data []byte, format ManifestFormat) ([]TestCaseResult, error) {
	switch format {
	case FormatJSON:
		return parseJSONManifest(data)
	case FormatJUnit:
		return parseJUnitManifest(data)
	case FormatTAP:
		return parseTAPManifest(data)
	default:
		return nil, fmt.Errorf("collectors: unsupported manifest format %q", format)
	}
}

// parseJSONManifest expects {"tests":[{"id":"...","passed":true}, ...]}.
func parseJSONManifest(data []byte) ([]TestCaseResult, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("collectors: invalid JSON test manifest")
	}
	tests := gjson.GetBytes(data, "tests")
	if !tests.Exists() {
		return nil, fmt.Errorf("collectors: JSON test manifest missing \"tests\" array")
	}
	var results []TestCaseResult
	tests.ForEach(func(_, value gjson.Result) bool {
		results = append(results, TestCaseResult{
			ID:     value.Get("id").String(),
			Passed: value.Get("passed").Bool(),
		})
		return true
	})
	return results, nil
}

func parseJUnitManifest(data []byte) ([]TestCaseResult, error) {
	var suite junitSuite
	if err := xml.Unmarshal(data, &suite); err != nil {
		return nil, fmt.Errorf("collectors: parse JUnit manifest: %w", err)
	}
	results := make([]TestCaseResult, 0, len(suite.TestCases))
	for _, tc := range suite.TestCases {
		id := tc.ClassName + "." + tc.Name
		passed := tc.Failure == nil && tc.Error == nil && tc.Skipped == nil
		results = append(results, TestCaseResult{ID: id, Passed: passed})
	}
	return results, nil
}

// parseTAPManifest is a minimal Test Anything Protocol line scanner: "ok N
// description" / "not ok N description". No pack repo imports a TAP
// library, so this is a small stdlib scanner.
func parseTAPManifest(data []byte) ([]TestCaseResult, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	var results []TestCaseResult
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "not ok"):
			results = append(results, TestCaseResult{ID: strings.TrimSpace(strings.TrimPrefix(line, "not ok")), Passed: false})
		case strings.HasPrefix(line, "ok"):
			results = append(results, TestCaseResult{ID: strings.TrimSpace(strings.TrimPrefix(line, "ok")), Passed: true})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("collectors: scan TAP manifest: %w", err)
	}
	return results, nil
}

// PassRate returns the fraction of passed results, or 0 if there are none.
func PassRate(results []TestCaseResult) float64 {
	if len(results) == 0 {
		return 0
	}
	passed := 0
	for _, r := range results {
		if r.Passed {
			passed++
		}
	}
	return float64(passed) / float64(len(results))
}

// Coverage reports the fraction of requiredIDs that appear, passed, in
// results. 1.0 when there is nothing required.
func Coverage(results []TestCaseResult, requiredIDs []string) float64 {
	if len(requiredIDs) == 0 {
		return 1.0
	}
	passedSet := make(map[string]bool, len(results))
	for _, r := range results {
		if r.Passed {
			passedSet[r.ID] = true
		}
	}
	covered := 0
	for _, id := range requiredIDs {
		if passedSet[id] {
			covered++
		}
	}
	return float64(covered) / float64(len(requiredIDs))
}

// requirementSatisfied reports whether every one of a requirement's test
// IDs passed and, if it declares a SuccessCriteria expression, that
// expression also evaluated true. A requirement with no declared test IDs
// and no criteria is vacuously satisfied; one with criteria that could not
// be evaluated (no Evaluator wired, or the expression errored) is treated
// as unsatisfied rather than vacuously true.
func requirementSatisfied(req model.Requirement, passedSet map[string]bool, criteriaResults map[string]bool) bool {
	for _, id := range req.TestIDs {
		if !passedSet[id] {
			return false
		}
	}
	if req.SuccessCriteria == "" {
		return true
	}
	satisfied, ok := criteriaResults[req.ID]
	return ok && satisfied
}

// FunctionalCoverage computes functional_coverage = (MUST requirements
// whose associated tests all pass and whose SuccessCriteria, if any,
// evaluates true) / (total MUST requirements), spec.md §4.3. SHOULD
// requirements contribute a +2% bonus capped at 1.0, applied only once
// every MUST requirement is satisfied; with zero MUST requirements,
// coverage is 1.0 and the SHOULD bonus does not apply (there is nothing
// left to gate it on). eval may be nil, in which case any requirement
// declaring a SuccessCriteria is treated as unsatisfied.
func FunctionalCoverage(requirements []model.Requirement, results []TestCaseResult, eval *predicate.Evaluator) float64 {
	passedSet := make(map[string]bool, len(results))
	for _, r := range results {
		if r.Passed {
			passedSet[r.ID] = true
		}
	}

	var musts, shoulds []model.Requirement
	exprByRequirement := make(map[string]string)
	for _, req := range requirements {
		if req.SuccessCriteria != "" {
			exprByRequirement[req.ID] = req.SuccessCriteria
		}
		switch req.Priority {
		case model.PriorityMust:
			musts = append(musts, req)
		case model.PriorityShould:
			shoulds = append(shoulds, req)
		}
	}

	criteriaResults := make(map[string]bool, len(exprByRequirement))
	if eval != nil && len(exprByRequirement) > 0 {
		bindings := map[string]interface{}{
			"testPassRate":  PassRate(results),
			"passedTestIDs": passedTestIDs(passedSet),
		}
		for reqID, expr := range exprByRequirement {
			if res, err := eval.EvaluateAll(map[string]string{reqID: expr}, bindings); err == nil {
				criteriaResults[reqID] = res[reqID]
			}
		}
	}

	if len(musts) == 0 {
		return 1.0
	}

	satisfiedMusts := 0
	for _, req := range musts {
		if requirementSatisfied(req, passedSet, criteriaResults) {
			satisfiedMusts++
		}
	}
	coverage := float64(satisfiedMusts) / float64(len(musts))
	if coverage < 1.0 || len(shoulds) == 0 {
		return coverage
	}

	satisfiedShoulds := 0
	for _, req := range shoulds {
		if requirementSatisfied(req, passedSet, criteriaResults) {
			satisfiedShoulds++
		}
	}
	bonus := 0.02 * (float64(satisfiedShoulds) / float64(len(shoulds)))
	return math.Min(1.0, coverage+bonus)
}

func passedTestIDs(passedSet map[string]bool) []string {
	ids := make([]string, 0, len(passedSet))
	for id := range passedSet {
		ids = append(ids, id)
	}
	return ids
}
