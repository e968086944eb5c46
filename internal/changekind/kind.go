package changekind

import (
	"fmt"
	"strings"
)

// Kind classifies the relationship between two consecutive patch sets.
type Kind string

const (
	Rework                 Kind = "REWORK"
	TrivialRebase          Kind = "TRIVIAL_REBASE"
	NoCodeChange           Kind = "NO_CODE_CHANGE"
	NoChange               Kind = "NO_CHANGE"
	MergeFirstParentUpdate Kind = "MERGE_FIRST_PARENT_UPDATE"
)

// All lists every kind in declaration order.
var All = []Kind{Rework, TrivialRebase, NoCodeChange, NoChange, MergeFirstParentUpdate}

// Parse resolves a kind name case-insensitively.
func Parse(raw string) (Kind, error) {
	candidate := Kind(strings.ToUpper(strings.TrimSpace(raw)))
	for _, kind := range All {
		if kind == candidate {
			return kind, nil
		}
	}
	return "", fmt.Errorf("changekind: unknown change kind %q", raw)
}

func (k Kind) String() string {
	return string(k)
}
