package predicate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateBoolReturnsTrueForTruthyExpression(t *testing.T) {
	e := NewEvaluator(0)
	ok, err := e.EvaluateBool("statusCode === 200", map[string]interface{}{"statusCode": 200})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateBoolReturnsFalseForFalsyExpression(t *testing.T) {
	e := NewEvaluator(0)
	ok, err := e.EvaluateBool("statusCode === 200", map[string]interface{}{"statusCode": 500})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateBoolRejectsNonBooleanResult(t *testing.T) {
	e := NewEvaluator(0)
	_, err := e.EvaluateBool("1 + 1", nil)
	require.Error(t, err)
	var typeErr *ErrNotBoolean
	assert.ErrorAs(t, err, &typeErr)
}

func TestEvaluateBoolInterruptsRunawayLoops(t *testing.T) {
	e := NewEvaluator(20 * time.Millisecond)
	_, err := e.EvaluateBool("while (true) {}", nil)
	require.Error(t, err)
}

func TestEvaluateAllTreatsEmptyExpressionAsSatisfied(t *testing.T) {
	e := NewEvaluator(0)
	results, err := e.EvaluateAll(map[string]string{
		"REQ-1": "",
		"REQ-2": "value > 10",
	}, map[string]interface{}{"value": 20})
	require.NoError(t, err)
	assert.True(t, results["REQ-1"])
	assert.True(t, results["REQ-2"])
}
