package labels

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	CodeReview = "Code-Review"
	Verified   = "Verified"
)

// Function decides how votes on a label satisfy submit requirements.
type Function string

const (
	FunctionMaxWithBlock Function = "MaxWithBlock"
	FunctionAnyWithBlock Function = "AnyWithBlock"
	FunctionMaxNoBlock   Function = "MaxNoBlock"
	FunctionNoBlock      Function = "NoBlock"
)

// ParseFunction resolves a label function name; empty selects MaxWithBlock.
func ParseFunction(raw string) (Function, error) {
	switch Function(strings.TrimSpace(raw)) {
	case "", FunctionMaxWithBlock:
		return FunctionMaxWithBlock, nil
	case FunctionAnyWithBlock:
		return FunctionAnyWithBlock, nil
	case FunctionMaxNoBlock:
		return FunctionMaxNoBlock, nil
	case FunctionNoBlock:
		return FunctionNoBlock, nil
	default:
		return "", fmt.Errorf("labels: unknown function %q", raw)
	}
}

// BlocksOnMin reports whether a minimum vote vetoes submission.
func (f Function) BlocksOnMin() bool {
	return f == FunctionMaxWithBlock || f == FunctionAnyWithBlock
}

// RequiresMax reports whether a maximum vote is needed for submission.
func (f Function) RequiresMax() bool {
	return f == FunctionMaxWithBlock || f == FunctionMaxNoBlock
}

// LabelType is the configuration of a voting label.
type LabelType struct {
	Name     string
	Min      int
	Max      int
	Function Function
	Copy     []CopyPolicy
}

// Allows reports whether value is within the label's range.
func (l LabelType) Allows(value int) bool {
	return value >= l.Min && value <= l.Max
}

// IsMin reports whether value is the label's most negative vote.
func (l LabelType) IsMin(value int) bool {
	return l.Min < 0 && value == l.Min
}

// IsMax reports whether value is the label's most positive vote.
func (l LabelType) IsMax(value int) bool {
	return l.Max > 0 && value == l.Max
}

// CopyCondition renders the label's copy policies.
func (l LabelType) CopyCondition() string {
	return FormatCopyCondition(l.Copy)
}

// ShouldCopy reports whether a prior vote is carried onto the new patch set and the first matching policy.
// A zero value is never copied.
func (l LabelType) ShouldCopy(input CopyInput) (bool, CopyPolicy) {
	if input.Value == 0 {
		return false, CopyPolicy{}
	}
	for _, policy := range l.Copy {
		if policy.Matches(l, input) {
			return true, policy
		}
	}
	return false, CopyPolicy{}
}

// FormatVote renders a vote as "Label+N" or "Label-N".
func FormatVote(label string, value int) string {
	if value > 0 {
		return label + "+" + strconv.Itoa(value)
	}
	if value < 0 {
		return label + strconv.Itoa(value)
	}
	return label + " 0"
}

// Types is the label configuration of a project.
type Types struct {
	byName map[string]LabelType
}

// NewTypes indexes label types by name.
func NewTypes(types ...LabelType) Types {
	index := make(map[string]LabelType, len(types))
	for _, labelType := range types {
		index[strings.ToLower(labelType.Name)] = labelType
	}
	return Types{byName: index}
}

// ByName looks up a label case-insensitively.
func (t Types) ByName(name string) (LabelType, bool) {
	labelType, ok := t.byName[strings.ToLower(name)]
	return labelType, ok
}

// All returns the label types sorted by name.
func (t Types) All() []LabelType {
	all := make([]LabelType, 0, len(t.byName))
	for _, labelType := range t.byName {
		all = append(all, labelType)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

// Defaults returns the labels configured for projects without their own configuration.
func Defaults() []LabelType {
	return []LabelType{
		{
			Name:     CodeReview,
			Min:      -2,
			Max:      2,
			Function: FunctionMaxWithBlock,
			Copy: []CopyPolicy{
				{Kind: PolicyMinScore},
				{Kind: PolicyTrivialRebase},
				{Kind: PolicyNoChange},
			},
		},
		{
			Name:     Verified,
			Min:      -1,
			Max:      1,
			Function: FunctionNoBlock,
			Copy: []CopyPolicy{
				{Kind: PolicyNoCodeChange},
			},
		},
	}
}
