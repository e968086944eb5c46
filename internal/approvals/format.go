package approvals

import (
	"fmt"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/patchset/internal/changes"
	"github.com/MarcoPoloResearchLab/patchset/internal/labels"
)

// FormatResult renders the copied and outdated votes of a new patch set for its change message.
// It returns an empty string when there is nothing to report.
func FormatResult(copied, outdated []changes.Approval, types labels.Types) string {
	if len(copied) == 0 && len(outdated) == 0 {
		return ""
	}
	var builder strings.Builder
	if len(copied) > 0 {
		builder.WriteString("Copied Votes:\n")
		builder.WriteString(formatList(copied, types))
	}
	if len(outdated) > 0 {
		if len(copied) > 0 {
			builder.WriteString("\n")
		}
		builder.WriteString("Outdated Votes:\n")
		builder.WriteString(formatList(outdated, types))
	}
	return builder.String()
}

// formatList groups votes by label, one bullet per label with its distinct votes sorted.
func formatList(approvals []changes.Approval, types labels.Types) string {
	byLabel := make(map[string]map[string]struct{})
	order := make([]string, 0)
	for _, approval := range approvals {
		if _, ok := byLabel[approval.Label]; !ok {
			byLabel[approval.Label] = make(map[string]struct{})
			order = append(order, approval.Label)
		}
		byLabel[approval.Label][labels.FormatVote(approval.Label, approval.Value)] = struct{}{}
	}
	sort.Strings(order)

	var builder strings.Builder
	for _, label := range order {
		votes := make([]string, 0, len(byLabel[label]))
		for vote := range byLabel[label] {
			votes = append(votes, vote)
		}
		sort.Strings(votes)
		builder.WriteString("* ")
		builder.WriteString(strings.Join(votes, ", "))
		labelType, ok := types.ByName(label)
		switch {
		case !ok:
			builder.WriteString(" (label type is missing)")
		case labelType.CopyCondition() != "":
			builder.WriteString(fmt.Sprintf(" (copy condition: \"%s\")", labelType.CopyCondition()))
		}
		builder.WriteString("\n")
	}
	return builder.String()
}
