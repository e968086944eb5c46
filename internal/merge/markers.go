package merge

import (
	"fmt"
	"strings"
)

const (
	markerOurs   = "<<<<<<<"
	markerBase   = "|||||||"
	markerSplit  = "======="
	markerTheirs = ">>>>>>>"
)

// Side names one input of a merge for conflict labels.
type Side struct {
	Name    string
	Commit  string
	Subject string
}

// Labels are the rendered marker labels of a conflicted merge.
type Labels struct {
	Ours   string
	Base   string
	Theirs string
}

// ConflictLabels renders "NAME (commit subject)" labels with names padded to equal width.
func ConflictLabels(ours, base, theirs Side) Labels {
	width := max(len(ours.Name), len(base.Name), len(theirs.Name))
	render := func(side Side) string {
		return fmt.Sprintf("%-*s (%s %s)", width, side.Name, side.Commit, side.Subject)
	}
	return Labels{Ours: render(ours), Base: render(base), Theirs: render(theirs)}
}

// Materialize returns the merged tree with conflict markers written into every conflicting file.
// The diff3 view adds the base content between the two sides.
func (r Result) Materialize(labels Labels, diff3 bool) map[string]string {
	files := r.Tree()
	for _, path := range r.Conflicts {
		file := r.Files[path]
		files[path] = renderConflicts(file.regions, labels, diff3)
	}
	return files
}

func renderConflicts(regions []region, labels Labels, diff3 bool) string {
	var builder strings.Builder
	for _, r := range regions {
		if r.kind != regionConflict {
			for _, line := range r.resolvedLines() {
				builder.WriteString(line)
			}
			continue
		}
		builder.WriteString(markerOurs + " " + labels.Ours + "\n")
		writeSection(&builder, r.ours)
		if diff3 {
			builder.WriteString(markerBase + " " + labels.Base + "\n")
			writeSection(&builder, r.base)
		}
		builder.WriteString(markerSplit + "\n")
		writeSection(&builder, r.theirs)
		builder.WriteString(markerTheirs + " " + labels.Theirs + "\n")
	}
	return builder.String()
}

func writeSection(builder *strings.Builder, lines []string) {
	for _, line := range lines {
		builder.WriteString(line)
	}
	if len(lines) > 0 && !strings.HasSuffix(lines[len(lines)-1], "\n") {
		builder.WriteString("\n")
	}
}
