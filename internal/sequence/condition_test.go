package sequence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avilov-dev/dmpilot/internal/campaign"
)

func cond(field, op string, value any) *campaign.TriggerCondition {
	return &campaign.TriggerCondition{Field: field, Operator: op, Value: value}
}

func TestEvaluate_Equals(t *testing.T) {
	execCtx := map[string]any{"keyword": "yes", "count": float64(5)}

	got, err := Evaluate(cond("keyword", campaign.OpEquals, "yes"), execCtx)
	require.NoError(t, err)
	assert.True(t, got)

	// Both sides are coerced to strings before comparison.
	got, err = Evaluate(cond("count", campaign.OpEquals, "5"), execCtx)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = Evaluate(cond("keyword", campaign.OpNotEquals, "no"), execCtx)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluate_ContainsIsCaseInsensitive(t *testing.T) {
	execCtx := map[string]any{"message": "Hello THERE friend"}

	got, err := Evaluate(cond("message", campaign.OpContains, "there"), execCtx)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = Evaluate(cond("message", campaign.OpNotContains, "goodbye"), execCtx)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluate_NumericComparisons(t *testing.T) {
	execCtx := map[string]any{"age": "21", "score": float64(3.5)}

	cases := []struct {
		op    string
		field string
		value any
		want  bool
	}{
		{campaign.OpGreaterThan, "age", 18, true},
		{campaign.OpLessThan, "age", 18, false},
		{campaign.OpGreaterOrEqual, "age", "21", true},
		{campaign.OpLessOrEqual, "score", 3.5, true},
	}
	for _, tc := range cases {
		got, err := Evaluate(cond(tc.field, tc.op, tc.value), execCtx)
		require.NoError(t, err, tc.op)
		assert.Equal(t, tc.want, got, tc.op)
	}
}

func TestEvaluate_NonNumericComparisonIsFalseNotError(t *testing.T) {
	execCtx := map[string]any{"age": "twenty"}

	got, err := Evaluate(cond("age", campaign.OpGreaterThan, 18), execCtx)
	require.NoError(t, err)
	assert.False(t, got)

	// Missing field behaves the same way.
	got, err = Evaluate(cond("absent", campaign.OpLessThan, 10), execCtx)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvaluate_InAndNotIn(t *testing.T) {
	execCtx := map[string]any{"plan": "pro"}

	// JSON-decoded arrays arrive as []any.
	got, err := Evaluate(cond("plan", campaign.OpIn, []any{"free", "pro"}), execCtx)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = Evaluate(cond("plan", campaign.OpNotIn, []any{"free", "trial"}), execCtx)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluate_RegexIsCaseSensitive(t *testing.T) {
	execCtx := map[string]any{"message": "ORDER-1234"}

	got, err := Evaluate(cond("message", campaign.OpRegex, `^ORDER-\d+$`), execCtx)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = Evaluate(cond("message", campaign.OpRegex, `^order-\d+$`), execCtx)
	require.NoError(t, err)
	assert.False(t, got)

	_, err = Evaluate(cond("message", campaign.OpRegex, `([`), execCtx)
	assert.Error(t, err)
}

func TestEvaluate_UnknownOperatorIsAnErrorNotAMatch(t *testing.T) {
	got, err := Evaluate(cond("x", "approximately", 1), map[string]any{"x": 1})
	assert.Error(t, err)
	assert.False(t, got)
}

func TestValidateCondition(t *testing.T) {
	ok := &campaign.TriggerCondition{
		Field:    "keyword",
		Operator: campaign.OpEquals,
		Value:    "yes",
		Branches: map[string]int{campaign.BranchDefault: 2, campaign.BranchFalse: 3},
	}
	assert.NoError(t, ValidateCondition(ok))
	assert.NoError(t, ValidateCondition(nil))

	assert.Error(t, ValidateCondition(&campaign.TriggerCondition{Field: "", Operator: campaign.OpEquals}))
	assert.Error(t, ValidateCondition(&campaign.TriggerCondition{Field: "x", Operator: "approximately"}))
	assert.Error(t, ValidateCondition(&campaign.TriggerCondition{Field: "x", Operator: campaign.OpRegex, Value: "(["}))
	assert.Error(t, ValidateCondition(&campaign.TriggerCondition{Field: "x", Operator: campaign.OpIn, Value: "not-an-array"}))
	assert.Error(t, ValidateCondition(&campaign.TriggerCondition{
		Field: "x", Operator: campaign.OpEquals,
		Branches: map[string]int{"maybe_branch": 2},
	}))
}
