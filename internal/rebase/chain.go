package rebase

import (
	"context"

	"github.com/MarcoPoloResearchLab/patchset/internal/changes"
	"github.com/MarcoPoloResearchLab/patchset/internal/gitstore"
	"go.uber.org/zap"
)

const opRebaseChain = "rebase.chain"

// ChainEntry reports what happened to one change of a chain.
type ChainEntry struct {
	Notes        *changes.Notes `json:"change"`
	Rebased      bool           `json:"rebased"`
	HasConflicts bool           `json:"contains_git_conflicts,omitempty"`
}

// ChainResult lists the chain from its root to the requested change.
type ChainResult struct {
	Changes      []ChainEntry `json:"rebased_changes"`
	HasConflicts bool         `json:"contains_git_conflicts,omitempty"`
}

// RebaseChain rebases the requested change together with every open change it depends on.
// The root of the chain goes onto the requested base, every other change onto the new current
// patch set of its predecessor. Changes already in place are left alone. A failure stops the
// walk; changes rebased before it keep their new patch sets.
func (e *Executor) RebaseChain(ctx context.Context, request Request) (ChainResult, error) {
	if request.CommitterEmail != "" {
		return ChainResult{}, badRequestf(opRebaseChain, "committer_email_unsupported",
			"committer_email is not supported when rebasing a chain")
	}
	if request.OnBehalfOfUploader {
		return ChainResult{}, badRequestf(opRebaseChain, "on_behalf_unsupported",
			"on_behalf_of_uploader is not supported when rebasing a chain")
	}
	request.PatchSet = 0

	tip, err := e.load(ctx, request.Caller, request.ChangeNumber)
	if err != nil {
		return ChainResult{}, err
	}
	chain, err := e.chain(ctx, tip)
	if err != nil {
		return ChainResult{}, err
	}

	plans := make([]plan, 0, len(chain))
	for _, notes := range chain {
		memberRequest := request
		memberRequest.ChangeNumber = notes.Change.Number
		p, err := e.prepare(ctx, memberRequest)
		if err != nil {
			return ChainResult{}, err
		}
		plans = append(plans, p)
	}

	var (
		result   ChainResult
		base     gitstore.ObjectID
		rebasedN int
	)
	for i, p := range plans {
		t := target{raw: request.Base}
		if i > 0 {
			t = target{fixed: base}
		}
		if i > 0 && p.commit.Parent(0) == base {
			result.Changes = append(result.Changes, ChainEntry{Notes: p.notes})
			base = p.patch.Commit()
			continue
		}
		rebased, err := e.rebaseOnce(ctx, p, t)
		if IsUpToDate(err) && i == 0 {
			result.Changes = append(result.Changes, ChainEntry{Notes: p.notes})
			base = p.patch.Commit()
			continue
		}
		if err != nil {
			e.logger.Warn("chain rebase stopped",
				zap.Int64("change", request.ChangeNumber),
				zap.Int64("failed_change", p.notes.Change.Number),
				zap.Int("rebased", rebasedN),
				zap.Error(err))
			return ChainResult{}, err
		}
		rebasedN++
		result.Changes = append(result.Changes, ChainEntry{Notes: rebased.Notes, Rebased: true, HasConflicts: rebased.HasConflicts})
		result.HasConflicts = result.HasConflicts || rebased.HasConflicts
		base = rebased.PatchSet.Commit()
	}
	if rebasedN == 0 {
		return ChainResult{}, upToDatef(opRebaseChain, "up_to_date", "The whole chain is already up to date.")
	}
	return result, nil
}

// chain walks first parents from tip and collects the open changes it passes, root first. The
// walk stops at the first commit that is not a patch set of an open change on the same branch.
func (e *Executor) chain(ctx context.Context, tip *changes.Notes) ([]*changes.Notes, error) {
	reader := e.changes.Store().Reader()
	repo := e.changes.Store().Repository(tip.Change.Project)
	seen := map[int64]bool{tip.Change.Number: true}
	chain := []*changes.Notes{tip}
	current := tip
	for {
		commit, err := repo.ReadCommit(ctx, current.CurrentPatchSet().Commit())
		if err != nil {
			return nil, newServiceError(opRebaseChain, "commit_read_failed", err)
		}
		if commit.ParentCount() == 0 {
			return chain, nil
		}
		located, err := reader.FindByCommit(ctx, tip.Change.Project, tip.Change.Branch, commit.Parent(0))
		if err != nil {
			return nil, err
		}
		var next *changes.Notes
		for _, candidate := range located {
			if candidate.Change.Status != changes.StatusNew || seen[candidate.Change.Number] {
				continue
			}
			if next, err = reader.Load(ctx, candidate.Change.Number); err != nil {
				return nil, err
			}
			break
		}
		if next == nil {
			return chain, nil
		}
		seen[next.Change.Number] = true
		chain = append([]*changes.Notes{next}, chain...)
		current = next
	}
}
