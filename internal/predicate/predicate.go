// Package predicate evaluates ProblemSpec-declared boolean JavaScript
// expressions (success_criteria) under a hard time budget, grounded on
// the teacher's gojaScriptEngine pattern of running untrusted script in an
// isolated goja.New() runtime per call.
package predicate

import (
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// DefaultTimeout bounds how long a single predicate evaluation may run
// before it is interrupted; a spec-authored expression should never take
// more than a few milliseconds, so this budget is generous but finite.
const DefaultTimeout = 250 * time.Millisecond

// ErrNotBoolean is returned when an expression evaluates to a non-boolean.
type ErrNotBoolean struct {
	Got string
}

func (e *ErrNotBoolean) Error() string {
	return fmt.Sprintf("predicate: expression did not evaluate to a boolean, got %s", e.Got)
}

// Evaluator runs success_criteria expressions against a fresh VM per call.
type Evaluator struct {
	timeout time.Duration
}

// NewEvaluator builds an Evaluator with the given per-call time budget. A
// zero timeout falls back to DefaultTimeout.
func NewEvaluator(timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Evaluator{timeout: timeout}
}

// EvaluateBool runs expr in an isolated runtime with bindings injected as
// global values, and returns its boolean result. The runtime is
// interrupted if it runs past the Evaluator's timeout, so a malformed or
// pathological expression can never hang a run.
func (e *Evaluator) EvaluateBool(expr string, bindings map[string]interface{}) (bool, error) {
	vm := goja.New()
	for k, v := range bindings {
		if err := vm.Set(k, v); err != nil {
			return false, fmt.Errorf("predicate: bind %q: %w", k, err)
		}
	}

	timer := time.AfterFunc(e.timeout, func() {
		vm.Interrupt("predicate: evaluation exceeded its time budget")
	})
	defer timer.Stop()

	value, err := vm.RunString(expr)
	if err != nil {
		return false, fmt.Errorf("predicate: evaluate expression: %w", err)
	}

	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return false, &ErrNotBoolean{Got: "undefined"}
	}
	exported := value.Export()
	b, ok := exported.(bool)
	if !ok {
		return false, &ErrNotBoolean{Got: fmt.Sprintf("%T", exported)}
	}
	return b, nil
}

// EvaluateAll evaluates each requirement ID's predicate against the same
// bindings and returns, per requirement ID, whether it holds. Requirement
// IDs with no declared expression are treated as satisfied — only
// spec-authored predicates gate the result. If any expression fails to
// evaluate, EvaluateAll returns that error and no results.
func (e *Evaluator) EvaluateAll(exprByRequirement map[string]string, bindings map[string]interface{}) (map[string]bool, error) {
	results := make(map[string]bool, len(exprByRequirement))
	for reqID, expr := range exprByRequirement {
		if expr == "" {
			results[reqID] = true
			continue
		}
		ok, err := e.EvaluateBool(expr, bindings)
		if err != nil {
			return nil, fmt.Errorf("predicate: requirement %q: %w", reqID, err)
		}
		results[reqID] = ok
	}
	return results, nil
}
