// Package conditions selects a message template for a patient's queue
// position and resolves its placeholder tokens.
package conditions

import "patientq/internal/domain"

// Static operator priorities. When several conditions match a position the
// most specific one wins; ties between GREATER/LESS go to the lowest id.
const (
	priorityEqual         = 100
	priorityRange         = 80
	priorityGreaterLess   = 60
	priorityUnconditioned = 10
)

// Matches reports whether a condition applies to the given position.
// DEFAULT never matches directly; it is only a fallback.
func Matches(c domain.Condition, position int) bool {
	switch c.Operator {
	case domain.OpEqual:
		return position == c.Value
	case domain.OpGreater:
		return position > c.Value
	case domain.OpLess:
		return position < c.Value
	case domain.OpRange:
		return position >= c.MinValue && position <= c.MaxValue
	case domain.OpUnconditioned:
		return true
	default:
		return false
	}
}

func priority(op domain.Operator) int {
	switch op {
	case domain.OpEqual:
		return priorityEqual
	case domain.OpRange:
		return priorityRange
	case domain.OpGreater, domain.OpLess:
		return priorityGreaterLess
	case domain.OpUnconditioned:
		return priorityUnconditioned
	default:
		return 0
	}
}

// SelectCondition picks the winning non-deleted condition for a position, or
// the queue's DEFAULT when nothing matches. ok is false when neither exists;
// that is not an error, the message is simply not generated.
func SelectCondition(conds []domain.Condition, position int) (domain.Condition, bool) {
	var best domain.Condition
	bestPrio := -1
	for _, c := range conds {
		if c.Deleted() || c.Operator == domain.OpDefault {
			continue
		}
		if !Matches(c, position) {
			continue
		}
		p := priority(c.Operator)
		if p > bestPrio || (p == bestPrio && c.ID < best.ID) {
			best = c
			bestPrio = p
		}
	}
	if bestPrio >= 0 {
		return best, true
	}
	for _, c := range conds {
		if !c.Deleted() && c.Operator == domain.OpDefault {
			return c, true
		}
	}
	return domain.Condition{}, false
}

// Validate rejects malformed operands before a condition is stored.
func Validate(c domain.Condition) error {
	switch c.Operator {
	case domain.OpEqual, domain.OpGreater, domain.OpLess:
		if c.Value < 0 {
			return &domain.ValidationError{Field: "value", Reason: "must not be negative"}
		}
	case domain.OpRange:
		if c.MinValue < 0 {
			return &domain.ValidationError{Field: "minValue", Reason: "must not be negative"}
		}
		if c.MaxValue < c.MinValue {
			return &domain.ValidationError{Field: "maxValue", Reason: "must not be below minValue"}
		}
	case domain.OpUnconditioned, domain.OpDefault:
	default:
		return &domain.ValidationError{Field: "operator", Reason: "unknown operator " + string(c.Operator)}
	}
	return nil
}
