package sequence

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/avilov-dev/dmpilot/internal/campaign"
)

// Evaluate applies a trigger condition to the execution context. It is a
// pure function of (context, field, operator, value). Numeric comparisons
// return false, not an error, when either side is non-numeric; an unknown
// operator or an invalid regex returns an error and never counts as a match.
func Evaluate(cond *campaign.TriggerCondition, execCtx map[string]any) (bool, error) {
	got, ok := execCtx[cond.Field]
	if !ok {
		got = nil
	}

	switch cond.Operator {
	case campaign.OpEquals:
		return toString(got) == toString(cond.Value), nil
	case campaign.OpNotEquals:
		return toString(got) != toString(cond.Value), nil
	case campaign.OpContains:
		return containsFold(toString(got), toString(cond.Value)), nil
	case campaign.OpNotContains:
		return !containsFold(toString(got), toString(cond.Value)), nil
	case campaign.OpGreaterThan, campaign.OpLessThan, campaign.OpGreaterOrEqual, campaign.OpLessOrEqual:
		a, aok := toFloat(got)
		b, bok := toFloat(cond.Value)
		if !aok || !bok {
			return false, nil
		}
		switch cond.Operator {
		case campaign.OpGreaterThan:
			return a > b, nil
		case campaign.OpLessThan:
			return a < b, nil
		case campaign.OpGreaterOrEqual:
			return a >= b, nil
		default:
			return a <= b, nil
		}
	case campaign.OpIn:
		return member(got, cond.Value), nil
	case campaign.OpNotIn:
		return !member(got, cond.Value), nil
	case campaign.OpRegex:
		re, err := regexp.Compile(toString(cond.Value))
		if err != nil {
			return false, fmt.Errorf("invalid regex %q: %w", toString(cond.Value), err)
		}
		return re.MatchString(toString(got)), nil
	default:
		return false, fmt.Errorf("unknown operator %q", cond.Operator)
	}
}

// ValidateCondition is the step-creation-time check: unknown operators and
// branch names are rejected up front instead of surfacing during execution.
func ValidateCondition(cond *campaign.TriggerCondition) error {
	if cond == nil {
		return nil
	}
	if cond.Field == "" {
		return fmt.Errorf("condition field is required")
	}
	if !campaign.KnownOperator(cond.Operator) {
		return fmt.Errorf("unknown operator %q", cond.Operator)
	}
	if cond.Operator == campaign.OpRegex {
		if _, err := regexp.Compile(toString(cond.Value)); err != nil {
			return fmt.Errorf("invalid regex: %w", err)
		}
	}
	if cond.Operator == campaign.OpIn || cond.Operator == campaign.OpNotIn {
		if _, ok := cond.Value.([]any); !ok {
			if _, ok := cond.Value.([]string); !ok {
				return fmt.Errorf("operator %q requires an array value", cond.Operator)
			}
		}
	}
	for name := range cond.Branches {
		if !campaign.KnownBranch(name) {
			return fmt.Errorf("unknown branch %q", name)
		}
	}
	return nil
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func member(got, value any) bool {
	needle := toString(got)
	switch arr := value.(type) {
	case []any:
		for _, v := range arr {
			if toString(v) == needle {
				return true
			}
		}
	case []string:
		for _, v := range arr {
			if v == needle {
				return true
			}
		}
	}
	return false
}
