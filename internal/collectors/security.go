package collectors

import (
	"encoding/json"
	"fmt"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"

	"github.com/R3E-Network/req2run-engine/internal/model"
)

// ParseSecurityReport extracts finding counts by severity from a scanner
// report using a ProblemSpec-declared JSONPath expression pointing at the
// findings array, e.g. "$.results[*]".
func ParseSecurityReport(data []byte, findingsPath string, runtimeCompliant bool) (model.SecurityMetrics, error) {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return model.SecurityMetrics{}, fmt.Errorf("collectors: parse security report: %w", err)
	}

	builder := gval.Full(jsonpath.PlaceholderExtension())
	eval, err := builder.NewEvaluable(findingsPath)
	if err != nil {
		return model.SecurityMetrics{}, fmt.Errorf("collectors: compile security jsonpath %q: %w", findingsPath, err)
	}

	value, err := eval(nil, doc)
	if err != nil {
		return model.SecurityMetrics{}, fmt.Errorf("collectors: evaluate security jsonpath %q: %w", findingsPath, err)
	}

	findings, ok := value.([]interface{})
	if !ok {
		return model.SecurityMetrics{}, fmt.Errorf("collectors: security jsonpath %q did not select an array", findingsPath)
	}

	metrics := model.SecurityMetrics{RuntimeCompliance: 0}
	if runtimeCompliant {
		metrics.RuntimeCompliance = 1
	}

	for _, f := range findings {
		entry, ok := f.(map[string]interface{})
		if !ok {
			continue
		}
		severity, _ := entry["severity"].(string)
		switch normalizeSeverity(severity) {
		case "critical":
			metrics.Critical++
		case "high":
			metrics.High++
		case "medium":
			metrics.Medium++
		case "low":
			metrics.Low++
		}
	}
	return metrics, nil
}

func normalizeSeverity(s string) string {
	switch s {
	case "CRITICAL", "critical", "Critical":
		return "critical"
	case "HIGH", "high", "High":
		return "high"
	case "MEDIUM", "medium", "Medium", "MODERATE", "moderate":
		return "medium"
	case "LOW", "low", "Low":
		return "low"
	default:
		return ""
	}
}
