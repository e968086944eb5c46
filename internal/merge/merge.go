package merge

import "sort"

// FileResult is the outcome of merging a single path.
type FileResult struct {
	Path     string
	Deleted  bool
	Conflict bool
	Content  string
	regions  []region
}

// Result is the outcome of a tree merge.
type Result struct {
	Strategy  Strategy
	Files     map[string]FileResult
	Conflicts []string
}

// Clean reports whether the merge finished without conflicts.
func (r Result) Clean() bool {
	return len(r.Conflicts) == 0
}

// Tree returns the merged files. Conflicting paths keep the ours side.
func (r Result) Tree() map[string]string {
	files := make(map[string]string, len(r.Files))
	for path, file := range r.Files {
		if file.Deleted {
			continue
		}
		files[path] = file.Content
	}
	return files
}

// Trees merges ours and theirs relative to base. Missing maps are treated as empty trees.
func Trees(strategy Strategy, base, ours, theirs map[string]string) Result {
	result := Result{Strategy: strategy, Files: map[string]FileResult{}}
	switch strategy {
	case StrategyOurs:
		result.Files = wholeTree(ours)
		return result
	case StrategyTheirs:
		result.Files = wholeTree(theirs)
		return result
	}

	for _, path := range unionPaths(base, ours, theirs) {
		baseContent, inBase := base[path]
		oursContent, inOurs := ours[path]
		theirsContent, inTheirs := theirs[path]

		file := FileResult{Path: path}
		switch {
		case inOurs == inTheirs && oursContent == theirsContent:
			file.Deleted = !inOurs
			file.Content = oursContent
		case inOurs == inBase && oursContent == baseContent:
			file.Deleted = !inTheirs
			file.Content = theirsContent
		case inTheirs == inBase && theirsContent == baseContent:
			file.Deleted = !inOurs
			file.Content = oursContent
		case strategy == StrategySimpleTwoWayInCore:
			file.Conflict = true
			file.Content = oursContent
		default:
			regions, merged, conflicted := mergeText(baseContent, oursContent, theirsContent)
			file.regions = regions
			file.Content = merged
			// A modify/delete pair always needs a human decision.
			file.Conflict = conflicted || !inOurs || !inTheirs
			if file.Conflict && !conflicted {
				file.regions = []region{{kind: regionConflict, base: splitLines(baseContent), ours: splitLines(oursContent), theirs: splitLines(theirsContent)}}
			}
		}
		if file.Conflict {
			result.Conflicts = append(result.Conflicts, path)
		}
		result.Files[path] = file
	}
	sort.Strings(result.Conflicts)
	return result
}

func wholeTree(files map[string]string) map[string]FileResult {
	results := make(map[string]FileResult, len(files))
	for path, content := range files {
		results[path] = FileResult{Path: path, Content: content}
	}
	return results
}

func unionPaths(trees ...map[string]string) []string {
	seen := map[string]struct{}{}
	for _, tree := range trees {
		for path := range tree {
			seen[path] = struct{}{}
		}
	}
	paths := make([]string, 0, len(seen))
	for path := range seen {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}
