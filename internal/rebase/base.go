package rebase

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/patchset/internal/changes"
	"github.com/MarcoPoloResearchLab/patchset/internal/gitstore"
)

const opResolveBase = "rebase.resolve_base"

// baseResolver finds the commit a patch set is rebased onto. It reads through the reader of the
// surrounding update so the answer is consistent with the change being written.
type baseResolver struct {
	ctx     context.Context
	service *changes.Service
	reader  *changes.Reader
	repo    *gitstore.Repository
	caller  string
	change  changes.Change
	patch   changes.PatchSet
	commit  *gitstore.Commit
}

// resolve interprets the requested base:
//   - nil: the current patch set of the parent change, or the branch tip once the parent merged
//   - "": the branch tip
//   - a patch set ref, change number or patch set commit: that change's patch set
//   - any other commit reachable from the branch tip, or a branch ref
func (r *baseResolver) resolve(raw *string, verifyNeedsRebase bool) (gitstore.ObjectID, error) {
	if raw == nil {
		return r.findBaseRevision(verifyNeedsRebase)
	}
	input := strings.TrimSpace(*raw)
	if input == "" {
		return r.destTip()
	}

	base, found, err := r.parseBase(input)
	if err != nil {
		return gitstore.ZeroID, err
	}
	if found {
		return r.latestRevisionForBaseChange(base)
	}
	if id, ok, err := r.inDestBranch(input); err != nil || ok {
		return id, err
	}
	if strings.HasPrefix(input, "refs/") {
		target, err := r.reader.Refs().Get(r.ctx, r.change.Project, input)
		if err == nil {
			if id, ok, err := r.inDestBranch(target.String()); err != nil || ok {
				return id, err
			}
		} else if !errors.Is(err, gitstore.ErrRefNotFound) {
			return gitstore.ZeroID, newServiceError(opResolveBase, "ref_lookup_failed", err)
		}
	}
	return gitstore.ZeroID, conflictf(opResolveBase, "base_not_in_branch",
		"base revision is missing from the destination branch: %s", input)
}

func (r *baseResolver) destTip() (gitstore.ObjectID, error) {
	tip, err := r.reader.Refs().Get(r.ctx, r.change.Project, r.change.Destination())
	if err != nil {
		if errors.Is(err, gitstore.ErrRefNotFound) {
			return gitstore.ZeroID, conflictf(opResolveBase, "branch_missing",
				"can't rebase onto tip of branch %s; branch doesn't exist", r.change.Destination())
		}
		return gitstore.ZeroID, newServiceError(opResolveBase, "branch_lookup_failed", err)
	}
	return tip, nil
}

// parseBase looks input up as a patch set ref, a change number and finally as the commit of a
// patch set in the project, preferring the newest patch set.
func (r *baseResolver) parseBase(input string) (changes.Located, bool, error) {
	if number, patchSet, ok := gitstore.ParsePatchSetRef(input); ok {
		notes, err := r.load(number)
		if err != nil && !errors.Is(err, changes.ErrNotFound) {
			return changes.Located{}, false, err
		}
		if err == nil {
			if ps, ok := notes.PatchSet(patchSet); ok {
				return changes.Located{Change: notes.Change, PatchSet: ps}, true, nil
			}
		}
	}

	if number, err := strconv.ParseInt(input, 10, 64); err == nil {
		notes, err := r.load(number)
		if err != nil {
			if errors.Is(err, changes.ErrNotFound) {
				return changes.Located{}, false, unprocessablef(opResolveBase, "base_change_not_found",
					"Base change not found: %s", input)
			}
			return changes.Located{}, false, err
		}
		return changes.Located{Change: notes.Change, PatchSet: notes.CurrentPatchSet()}, true, nil
	}

	id, err := gitstore.ParseObjectID(input)
	if err != nil {
		return changes.Located{}, false, nil
	}
	located, err := r.reader.FindByCommit(r.ctx, r.change.Project, "", id)
	if err != nil {
		return changes.Located{}, false, err
	}
	var newest changes.Located
	found := false
	for _, candidate := range located {
		if !found || candidate.PatchSet.Number > newest.PatchSet.Number {
			newest = candidate
			found = true
		}
	}
	return newest, found, nil
}

func (r *baseResolver) load(number int64) (*changes.Notes, error) {
	if number == r.change.Number {
		return r.reader.Load(r.ctx, number)
	}
	notes, err := r.reader.Load(r.ctx, number)
	if err != nil {
		return nil, err
	}
	if notes.Change.Project != r.change.Project {
		return nil, notFoundf(opResolveBase, "base_change_not_found", "Not found: %d", number)
	}
	return notes, nil
}

func (r *baseResolver) latestRevisionForBaseChange(base changes.Located) (gitstore.ObjectID, error) {
	if base.Change.Number == r.change.Number {
		return gitstore.ZeroID, conflictf(opResolveBase, "self_base", "cannot rebase change %d onto itself", r.change.Number)
	}
	baseNotes, err := r.reader.Load(r.ctx, base.Change.Number)
	if err != nil {
		return gitstore.ZeroID, err
	}
	if !r.service.CanSee(r.caller, baseNotes) {
		return gitstore.ZeroID, authf(opResolveBase, "base_not_visible", "read not permitted for change %d", base.Change.Number)
	}
	switch {
	case base.Change.Project != r.change.Project:
		return gitstore.ZeroID, conflictf(opResolveBase, "wrong_project", "base change is in wrong project: %s", base.Change.Project)
	case base.Change.Destination() != r.change.Destination():
		return gitstore.ZeroID, conflictf(opResolveBase, "wrong_branch",
			"base change is targeting wrong branch: %s,%s", base.Change.Project, base.Change.Destination())
	case base.Change.Status == changes.StatusAbandoned:
		return gitstore.ZeroID, conflictf(opResolveBase, "base_abandoned", "base change is abandoned: %s", base.Change.Key)
	}
	descendant, err := r.repo.IsAncestor(r.ctx, r.patch.Commit(), base.PatchSet.Commit())
	if err != nil {
		return gitstore.ZeroID, newServiceError(opResolveBase, "ancestry_check_failed", err)
	}
	if descendant {
		return gitstore.ZeroID, conflictf(opResolveBase, "recursion",
			"base change %s is a descendant of the current change - recursion not allowed", base.Change.Key)
	}
	return base.PatchSet.Commit(), nil
}

// inDestBranch accepts input when it names a commit reachable from the destination branch.
func (r *baseResolver) inDestBranch(input string) (gitstore.ObjectID, bool, error) {
	id, err := gitstore.ParseObjectID(input)
	if err != nil {
		return gitstore.ZeroID, false, nil
	}
	exists, err := r.repo.Has(r.ctx, id)
	if err != nil {
		return gitstore.ZeroID, false, newServiceError(opResolveBase, "object_lookup_failed", err)
	}
	if !exists {
		return gitstore.ZeroID, false, nil
	}
	tip, err := r.destTip()
	if err != nil {
		return gitstore.ZeroID, false, err
	}
	reachable, err := r.repo.IsAncestor(r.ctx, id, tip)
	if err != nil {
		return gitstore.ZeroID, false, newServiceError(opResolveBase, "ancestry_check_failed", err)
	}
	return id, reachable, nil
}

// findBaseRevision picks the current patch set of the change owning the first parent, or the
// branch tip when the parent belongs to no open change.
func (r *baseResolver) findBaseRevision(verifyNeedsRebase bool) (gitstore.ObjectID, error) {
	if r.commit.ParentCount() == 0 {
		return gitstore.ZeroID, unprocessablef(opResolveBase, "no_parents",
			"Cannot rebase a change without any parents (is this the initial commit?).")
	}
	parent := r.commit.Parent(0)
	located, err := r.reader.FindByCommit(r.ctx, r.change.Project, r.change.Branch, parent)
	if err != nil {
		return gitstore.ZeroID, err
	}
	for _, dependency := range located {
		if dependency.Change.Status == changes.StatusAbandoned {
			return gitstore.ZeroID, conflictf(opResolveBase, "abandoned_parent",
				"Cannot rebase a change with an abandoned parent: %s", dependency.Change.Key)
		}
		if dependency.Change.Status != changes.StatusNew {
			break
		}
		if verifyNeedsRebase && dependency.PatchSet.Number == dependency.Change.CurrentPatchSet {
			return gitstore.ZeroID, upToDatef(opResolveBase, "based_on_latest",
				"Change is already based on the latest patch set of the dependent change.")
		}
		notes, err := r.reader.Load(r.ctx, dependency.Change.Number)
		if err != nil {
			return gitstore.ZeroID, err
		}
		return notes.CurrentPatchSet().Commit(), nil
	}

	tip, err := r.reader.Refs().Get(r.ctx, r.change.Project, r.change.Destination())
	if err != nil {
		if errors.Is(err, gitstore.ErrRefNotFound) {
			return gitstore.ZeroID, unprocessablef(opResolveBase, "branch_missing",
				"The destination branch does not exist: %s", r.change.Destination())
		}
		return gitstore.ZeroID, newServiceError(opResolveBase, "branch_lookup_failed", err)
	}
	if verifyNeedsRebase && tip == parent {
		return gitstore.ZeroID, upToDatef(opResolveBase, "up_to_date", "Change is already up to date.")
	}
	return tip, nil
}
