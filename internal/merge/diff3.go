package merge

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

type regionKind int

const (
	regionUnchanged regionKind = iota
	regionSame
	regionOurs
	regionTheirs
	regionConflict
)

type region struct {
	kind   regionKind
	base   []string
	ours   []string
	theirs []string
}

type syncRegion struct {
	baseStart, baseEnd     int
	oursStart, oursEnd     int
	theirsStart, theirsEnd int
}

func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.SplitAfter(content, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func equalLines(left, right []string) bool {
	if len(left) != len(right) {
		return false
	}
	for i := range left {
		if left[i] != right[i] {
			return false
		}
	}
	return true
}

func matchingBlocks(base, other []string) []difflib.Match {
	return difflib.NewMatcherWithJunk(base, other, false, nil).GetMatchingBlocks()
}

// syncRegions finds base ranges that are unchanged on both sides.
func syncRegions(base, ours, theirs []string) []syncRegion {
	oursMatches := matchingBlocks(base, ours)
	theirsMatches := matchingBlocks(base, theirs)
	regions := make([]syncRegion, 0, len(oursMatches))

	oursIndex, theirsIndex := 0, 0
	for oursIndex < len(oursMatches) && theirsIndex < len(theirsMatches) {
		oursMatch := oursMatches[oursIndex]
		theirsMatch := theirsMatches[theirsIndex]
		start := max(oursMatch.A, theirsMatch.A)
		end := min(oursMatch.A+oursMatch.Size, theirsMatch.A+theirsMatch.Size)
		if start < end {
			oursStart := oursMatch.B + (start - oursMatch.A)
			theirsStart := theirsMatch.B + (start - theirsMatch.A)
			regions = append(regions, syncRegion{
				baseStart:   start,
				baseEnd:     end,
				oursStart:   oursStart,
				oursEnd:     oursStart + (end - start),
				theirsStart: theirsStart,
				theirsEnd:   theirsStart + (end - start),
			})
		}
		if oursMatch.A+oursMatch.Size < theirsMatch.A+theirsMatch.Size {
			oursIndex++
		} else {
			theirsIndex++
		}
	}
	regions = append(regions, syncRegion{
		baseStart: len(base), baseEnd: len(base),
		oursStart: len(ours), oursEnd: len(ours),
		theirsStart: len(theirs), theirsEnd: len(theirs),
	})
	return regions
}

// mergeRegions splits a three-way line merge into unchanged, one-sided and conflicting regions.
func mergeRegions(base, ours, theirs []string) []region {
	regions := make([]region, 0)
	baseIndex, oursIndex, theirsIndex := 0, 0, 0
	for _, sync := range syncRegions(base, ours, theirs) {
		oursChunk := ours[oursIndex:sync.oursStart]
		theirsChunk := theirs[theirsIndex:sync.theirsStart]
		baseChunk := base[baseIndex:sync.baseStart]
		if len(oursChunk) > 0 || len(theirsChunk) > 0 {
			oursUnchanged := equalLines(baseChunk, oursChunk)
			theirsUnchanged := equalLines(baseChunk, theirsChunk)
			switch {
			case equalLines(oursChunk, theirsChunk):
				regions = append(regions, region{kind: regionSame, ours: oursChunk})
			case oursUnchanged && !theirsUnchanged:
				regions = append(regions, region{kind: regionTheirs, theirs: theirsChunk})
			case theirsUnchanged && !oursUnchanged:
				regions = append(regions, region{kind: regionOurs, ours: oursChunk})
			default:
				regions = append(regions, region{kind: regionConflict, base: baseChunk, ours: oursChunk, theirs: theirsChunk})
			}
		} else if len(baseChunk) > 0 {
			// Both sides deleted the same base lines.
			regions = append(regions, region{kind: regionSame})
		}
		if sync.baseEnd > sync.baseStart {
			regions = append(regions, region{kind: regionUnchanged, base: base[sync.baseStart:sync.baseEnd]})
		}
		baseIndex, oursIndex, theirsIndex = sync.baseEnd, sync.oursEnd, sync.theirsEnd
	}
	return regions
}

func (r region) resolvedLines() []string {
	switch r.kind {
	case regionUnchanged:
		return r.base
	case regionTheirs:
		return r.theirs
	default:
		return r.ours
	}
}

// mergeText performs a line based three-way merge and reports whether any region conflicts.
func mergeText(base, ours, theirs string) ([]region, string, bool) {
	regions := mergeRegions(splitLines(base), splitLines(ours), splitLines(theirs))
	var builder strings.Builder
	conflicted := false
	for _, r := range regions {
		if r.kind == regionConflict {
			conflicted = true
			continue
		}
		for _, line := range r.resolvedLines() {
			builder.WriteString(line)
		}
	}
	return regions, builder.String(), conflicted
}
