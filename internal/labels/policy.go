package labels

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/patchset/internal/changekind"
)

// PolicyKind tags a copy policy variant.
type PolicyKind int

const (
	PolicyAnyScore PolicyKind = iota
	PolicyMinScore
	PolicyMaxScore
	PolicyValues
	PolicyTrivialRebase
	PolicyNoCodeChange
	PolicyMergeFirstParentUpdate
	PolicyNoChange
	PolicyFilesUnchanged
)

// CopyPolicy is one condition under which a vote survives a new patch set.
type CopyPolicy struct {
	Kind   PolicyKind
	Values []int
}

// CopyInput describes a prior vote and the relationship between the two patch sets.
type CopyInput struct {
	Value          int
	Kind           changekind.Kind
	IsMerge        bool
	FilesUnchanged bool
}

type policyEvaluator func(label LabelType, policy CopyPolicy, input CopyInput) bool

var policyEvaluators = map[PolicyKind]policyEvaluator{
	PolicyAnyScore: func(LabelType, CopyPolicy, CopyInput) bool {
		return true
	},
	PolicyMinScore: func(label LabelType, _ CopyPolicy, input CopyInput) bool {
		return label.IsMin(input.Value)
	},
	PolicyMaxScore: func(label LabelType, _ CopyPolicy, input CopyInput) bool {
		return label.IsMax(input.Value)
	},
	PolicyValues: func(_ LabelType, policy CopyPolicy, input CopyInput) bool {
		for _, value := range policy.Values {
			if value == input.Value {
				return true
			}
		}
		return false
	},
	PolicyTrivialRebase: func(_ LabelType, _ CopyPolicy, input CopyInput) bool {
		return input.Kind == changekind.TrivialRebase || input.Kind == changekind.NoChange
	},
	PolicyNoCodeChange: func(_ LabelType, _ CopyPolicy, input CopyInput) bool {
		return input.Kind == changekind.NoCodeChange || input.Kind == changekind.NoChange
	},
	PolicyMergeFirstParentUpdate: func(_ LabelType, _ CopyPolicy, input CopyInput) bool {
		if input.Kind == changekind.MergeFirstParentUpdate {
			return true
		}
		return input.Kind == changekind.NoChange && input.IsMerge
	},
	PolicyNoChange: func(_ LabelType, _ CopyPolicy, input CopyInput) bool {
		return input.Kind == changekind.NoChange
	},
	PolicyFilesUnchanged: func(_ LabelType, _ CopyPolicy, input CopyInput) bool {
		return input.FilesUnchanged
	},
}

// Matches evaluates the policy against a vote.
func (p CopyPolicy) Matches(label LabelType, input CopyInput) bool {
	evaluate, ok := policyEvaluators[p.Kind]
	if !ok {
		return false
	}
	return evaluate(label, p, input)
}

// String renders the policy in copy condition syntax.
func (p CopyPolicy) String() string {
	switch p.Kind {
	case PolicyAnyScore:
		return "is:ANY"
	case PolicyMinScore:
		return "is:MIN"
	case PolicyMaxScore:
		return "is:MAX"
	case PolicyValues:
		parts := make([]string, 0, len(p.Values))
		for _, value := range p.Values {
			parts = append(parts, "is:"+strconv.Itoa(value))
		}
		return strings.Join(parts, " OR ")
	case PolicyTrivialRebase:
		return "changekind:" + changekind.TrivialRebase.String()
	case PolicyNoCodeChange:
		return "changekind:" + changekind.NoCodeChange.String()
	case PolicyMergeFirstParentUpdate:
		return "changekind:" + changekind.MergeFirstParentUpdate.String()
	case PolicyNoChange:
		return "changekind:" + changekind.NoChange.String()
	case PolicyFilesUnchanged:
		return "has:unchanged-files"
	default:
		return ""
	}
}

// NeedsFileComparison reports whether any policy depends on the modified file lists.
func NeedsFileComparison(policies []CopyPolicy) bool {
	for _, policy := range policies {
		if policy.Kind == PolicyFilesUnchanged {
			return true
		}
	}
	return false
}

// FormatCopyCondition joins policies into a single OR expression.
func FormatCopyCondition(policies []CopyPolicy) string {
	parts := make([]string, 0, len(policies))
	for _, policy := range policies {
		if rendered := policy.String(); rendered != "" {
			parts = append(parts, rendered)
		}
	}
	return strings.Join(parts, " OR ")
}

// ParseCopyCondition parses an OR expression of copy condition atoms.
// Specific values are merged into a single PolicyValues entry.
func ParseCopyCondition(condition string) ([]CopyPolicy, error) {
	trimmed := strings.TrimSpace(condition)
	if trimmed == "" {
		return nil, nil
	}
	policies := make([]CopyPolicy, 0)
	valuesIndex := -1
	for _, atom := range strings.Split(trimmed, " OR ") {
		atom = strings.TrimSpace(atom)
		key, argument, found := strings.Cut(atom, ":")
		if !found || argument == "" {
			return nil, fmt.Errorf("labels: invalid copy condition atom %q", atom)
		}
		switch strings.ToLower(key) {
		case "is":
			policy, value, isValue, err := parseIsAtom(argument)
			if err != nil {
				return nil, err
			}
			if !isValue {
				policies = append(policies, policy)
				continue
			}
			if valuesIndex < 0 {
				valuesIndex = len(policies)
				policies = append(policies, CopyPolicy{Kind: PolicyValues})
			}
			policies[valuesIndex].Values = append(policies[valuesIndex].Values, value)
		case "changekind":
			kind, err := changekind.Parse(argument)
			if err != nil {
				return nil, fmt.Errorf("labels: invalid copy condition atom %q: %w", atom, err)
			}
			switch kind {
			case changekind.TrivialRebase:
				policies = append(policies, CopyPolicy{Kind: PolicyTrivialRebase})
			case changekind.NoCodeChange:
				policies = append(policies, CopyPolicy{Kind: PolicyNoCodeChange})
			case changekind.MergeFirstParentUpdate:
				policies = append(policies, CopyPolicy{Kind: PolicyMergeFirstParentUpdate})
			case changekind.NoChange:
				policies = append(policies, CopyPolicy{Kind: PolicyNoChange})
			default:
				return nil, fmt.Errorf("labels: change kind %s cannot be used in a copy condition", kind)
			}
		case "has":
			if strings.ToLower(argument) != "unchanged-files" {
				return nil, fmt.Errorf("labels: invalid copy condition atom %q", atom)
			}
			policies = append(policies, CopyPolicy{Kind: PolicyFilesUnchanged})
		default:
			return nil, fmt.Errorf("labels: invalid copy condition atom %q", atom)
		}
	}
	return policies, nil
}

func parseIsAtom(argument string) (CopyPolicy, int, bool, error) {
	switch strings.ToUpper(argument) {
	case "ANY":
		return CopyPolicy{Kind: PolicyAnyScore}, 0, false, nil
	case "MIN":
		return CopyPolicy{Kind: PolicyMinScore}, 0, false, nil
	case "MAX":
		return CopyPolicy{Kind: PolicyMaxScore}, 0, false, nil
	}
	value, err := strconv.Atoi(strings.TrimPrefix(argument, "+"))
	if err != nil {
		return CopyPolicy{}, 0, false, fmt.Errorf("labels: invalid copy condition value %q", argument)
	}
	return CopyPolicy{}, value, true, nil
}
