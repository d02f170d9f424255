package conditions

import (
	"math"

	"patientq/internal/domain"
)

// Conflict flags an authoring mistake between two conditions of one queue.
// Detection runs at authoring time, not in the dispatch path, and nothing
// here is enforced transactionally.
type Conflict struct {
	Kind        string `json:"kind"` // "overlap" or "duplicate_default"
	ConditionA  string `json:"conditionA"`
	ConditionB  string `json:"conditionB"`
	Description string `json:"description"`
}

// DetectConflicts reports numeric coverage overlaps between EQUAL/RANGE/
// GREATER/LESS conditions and any duplicated non-deleted DEFAULT.
func DetectConflicts(conds []domain.Condition) []Conflict {
	var conflicts []Conflict

	var defaults []domain.Condition
	var numeric []domain.Condition
	for _, c := range conds {
		if c.Deleted() {
			continue
		}
		switch c.Operator {
		case domain.OpDefault:
			defaults = append(defaults, c)
		case domain.OpEqual, domain.OpRange, domain.OpGreater, domain.OpLess:
			numeric = append(numeric, c)
		}
	}

	for i := 1; i < len(defaults); i++ {
		conflicts = append(conflicts, Conflict{
			Kind:        "duplicate_default",
			ConditionA:  defaults[0].ID,
			ConditionB:  defaults[i].ID,
			Description: "a queue may carry at most one DEFAULT condition",
		})
	}

	for i := 0; i < len(numeric); i++ {
		for j := i + 1; j < len(numeric); j++ {
			if overlaps(numeric[i], numeric[j]) {
				conflicts = append(conflicts, Conflict{
					Kind:        "overlap",
					ConditionA:  numeric[i].ID,
					ConditionB:  numeric[j].ID,
					Description: "conditions cover overlapping positions",
				})
			}
		}
	}
	return conflicts
}

func bounds(c domain.Condition) (lo, hi int) {
	switch c.Operator {
	case domain.OpEqual:
		return c.Value, c.Value
	case domain.OpRange:
		return c.MinValue, c.MaxValue
	case domain.OpGreater:
		return c.Value + 1, math.MaxInt
	case domain.OpLess:
		return math.MinInt, c.Value - 1
	}
	return 0, -1
}

func overlaps(a, b domain.Condition) bool {
	alo, ahi := bounds(a)
	blo, bhi := bounds(b)
	return alo <= bhi && blo <= ahi
}
