// Package rebase moves patch sets onto new bases with a three-way merge.
package rebase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/patchset/internal/accounts"
	"github.com/MarcoPoloResearchLab/patchset/internal/changes"
	"github.com/MarcoPoloResearchLab/patchset/internal/gitstore"
	"github.com/MarcoPoloResearchLab/patchset/internal/merge"
	"github.com/MarcoPoloResearchLab/patchset/internal/permissions"
	"go.uber.org/zap"
)

const (
	opExecutorNew = "rebase.executor.new"
	opRebase      = "rebase.change"

	rebaseTag = "autogenerated:rebase"

	sidePatchSet = "PATCH SET"
	sideBase     = "BASE"
)

var (
	errMissingChanges     = errors.New("change service is required")
	errMissingAccounts    = errors.New("account directory is required")
	errMissingPermissions = errors.New("permission backend is required")
)

// ExecutorConfig wires an Executor.
type ExecutorConfig struct {
	Changes     *changes.Service
	Accounts    changes.AccountDirectory
	Permissions permissions.Backend
	// Diff3 adds the merge base section to conflict markers.
	Diff3  bool
	Logger *zap.Logger
}

// Executor rebases single patch sets.
type Executor struct {
	changes     *changes.Service
	accounts    changes.AccountDirectory
	permissions permissions.Backend
	diff3       bool
	logger      *zap.Logger
}

// Request describes one rebase. A zero PatchSet selects the current patch set. A nil Base lets
// the executor pick the base; an empty Base selects the destination branch tip.
type Request struct {
	ChangeNumber       int64   `json:"-"`
	PatchSet           int     `json:"-"`
	Base               *string `json:"base,omitempty"`
	AllowConflicts     bool    `json:"allow_conflicts,omitempty"`
	OnBehalfOfUploader bool    `json:"on_behalf_of_uploader,omitempty"`
	Strategy           string  `json:"strategy,omitempty"`
	CommitterEmail     string  `json:"committer_email,omitempty"`
	Caller             string  `json:"-"`
}

// Result describes the patch set a rebase created.
type Result struct {
	Notes            *changes.Notes
	PatchSet         changes.PatchSet
	Prior            changes.PatchSet
	Base             gitstore.ObjectID
	HasConflicts     bool
	ConflictingFiles []string
	Copy             changes.CopyResult
}

// NewExecutor validates cfg and constructs an Executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Changes == nil {
		return nil, newServiceError(opExecutorNew, "missing_changes", errMissingChanges)
	}
	if cfg.Accounts == nil {
		return nil, newServiceError(opExecutorNew, "missing_accounts", errMissingAccounts)
	}
	if cfg.Permissions == nil {
		return nil, newServiceError(opExecutorNew, "missing_permissions", errMissingPermissions)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		changes:     cfg.Changes,
		accounts:    cfg.Accounts,
		permissions: cfg.Permissions,
		diff3:       cfg.Diff3,
		logger:      logger,
	}, nil
}

// target tells rebaseOnce where the base comes from: a fixed commit, or the requested base
// resolved inside the update.
type target struct {
	fixed  gitstore.ObjectID
	raw    *string
	verify bool
}

// plan is everything checked before the update starts.
type plan struct {
	request   Request
	strategy  merge.Strategy
	notes     *changes.Notes
	patch     changes.PatchSet
	commit    *gitstore.Commit
	caller    accounts.Profile
	rebaseAs  accounts.Profile
	committer string
}

// Rebase creates a new patch set whose commit is the selected patch set replayed onto a new
// base. The previous patch set's sticky votes are copied onto it.
func (e *Executor) Rebase(ctx context.Context, request Request) (Result, error) {
	p, err := e.prepare(ctx, request)
	if err != nil {
		return Result{}, err
	}
	return e.rebaseOnce(ctx, p, target{raw: request.Base, verify: true})
}

func (e *Executor) prepare(ctx context.Context, request Request) (plan, error) {
	strategy, err := merge.ParseStrategy(request.Strategy)
	if err != nil {
		return plan{}, badRequestf(opRebase, "invalid_strategy", "%s", err.Error())
	}
	if request.AllowConflicts {
		if err := strategy.RequireConflictSupport(); err != nil {
			return plan{}, badRequestf(opRebase, "conflicts_not_supported", "%s", err.Error())
		}
		if request.OnBehalfOfUploader {
			return plan{}, badRequestf(opRebase, "exclusive_options",
				"allow_conflicts and on_behalf_of_uploader are mutually exclusive")
		}
	}

	notes, err := e.load(ctx, request.Caller, request.ChangeNumber)
	if err != nil {
		return plan{}, err
	}
	patch := notes.CurrentPatchSet()
	if request.PatchSet != 0 {
		var ok bool
		if patch, ok = notes.PatchSet(request.PatchSet); !ok {
			return plan{}, notFoundf(opRebase, "patch_set_not_found", "Not found: %d/%d", request.ChangeNumber, request.PatchSet)
		}
	}
	if notes.Change.Status != changes.StatusNew {
		return plan{}, conflictf(opRebase, "invalid_status", "change is %s", notes.Change.Status.Label())
	}
	if request.OnBehalfOfUploader && patch.Number != notes.Change.CurrentPatchSet {
		return plan{}, badRequestf(opRebase, "non_current_on_behalf",
			"change %d: non-current patch set cannot be rebased on behalf of the uploader", notes.Change.Number)
	}
	if err := e.authorize(request.Caller, notes, request.OnBehalfOfUploader); err != nil {
		return plan{}, err
	}

	commit, err := e.changes.Store().Repository(notes.Change.Project).ReadCommit(ctx, patch.Commit())
	if err != nil {
		e.logError("commit_read_failed", err, zap.Int64("change", notes.Change.Number))
		return plan{}, newServiceError(opRebase, "commit_read_failed", err)
	}

	caller, err := e.profile(ctx, request.Caller)
	if err != nil {
		return plan{}, err
	}
	rebaseAs := caller
	if request.OnBehalfOfUploader {
		if rebaseAs, err = e.profile(ctx, patch.Uploader); err != nil {
			return plan{}, err
		}
		if err := e.checkUploader(notes, patch, commit, rebaseAs); err != nil {
			return plan{}, err
		}
	}
	committer, err := committerEmail(request.CommitterEmail, caller, rebaseAs, commit)
	if err != nil {
		return plan{}, err
	}
	return plan{
		request:   request,
		strategy:  strategy,
		notes:     notes,
		patch:     patch,
		commit:    commit,
		caller:    caller,
		rebaseAs:  rebaseAs,
		committer: committer,
	}, nil
}

func (e *Executor) load(ctx context.Context, caller string, number int64) (*changes.Notes, error) {
	notes, err := e.changes.Store().Reader().Load(ctx, number)
	if err != nil {
		return nil, err
	}
	if !e.changes.CanSee(caller, notes) {
		return nil, notFoundf(opRebase, "change_not_visible", "Not found: %d", number)
	}
	return notes, nil
}

// authorize lets change owners rebase, and anyone holding Rebase or Submit who may also push.
// Rebasing on behalf of the uploader skips the push requirement.
func (e *Executor) authorize(caller string, notes *changes.Notes, onBehalfOfUploader bool) error {
	resource := changes.ResourceOf(notes)
	privileged := caller == notes.Change.Owner ||
		e.permissions.Allowed(caller, permissions.Rebase, resource) ||
		e.permissions.Allowed(caller, permissions.Submit, resource)
	if onBehalfOfUploader {
		if !privileged {
			return authf(opRebase, "on_behalf_denied",
				"rebase on behalf of uploader not permitted (change owners and users with the 'Submit' or 'Rebase' permission can rebase on behalf of the uploader)")
		}
		return nil
	}
	if !privileged || !e.permissions.Allowed(caller, permissions.Push, resource) {
		return authf(opRebase, "rebase_denied",
			"rebase not permitted (change owners and users with the 'Submit' or 'Rebase' permission can rebase if they have the 'Push' permission)")
	}
	return nil
}

// checkUploader verifies the uploader could have created the rebased patch set themselves.
func (e *Executor) checkUploader(notes *changes.Notes, patch changes.PatchSet, commit *gitstore.Commit, uploader accounts.Profile) error {
	number := notes.Change.Number
	resource := changes.ResourceOf(notes)
	if !e.changes.CanSee(uploader.ID, notes) {
		return conflictf(opRebase, "uploader_cannot_read", "change %d: uploader %s cannot read change", number, uploader.ID)
	}
	if !e.permissions.Allowed(uploader.ID, permissions.AddPatchSet, resource) {
		return conflictf(opRebase, "uploader_cannot_upload", "change %d: uploader %s cannot add patch set", number, uploader.ID)
	}
	if !uploader.HasEmail(commit.Author.Email) && !e.permissions.Allowed(uploader.ID, permissions.ForgeAuthor, resource) {
		return conflictf(opRebase, "uploader_cannot_forge_author",
			"change %d: author of patch set %d is forged and the uploader %s cannot forge author", number, patch.Number, uploader.ID)
	}
	server := e.changes.Store().ServerIdent(e.changes.Store().Now())
	if strings.EqualFold(commit.Author.Email, server.Email) && !e.permissions.Allowed(uploader.ID, permissions.ForgeServer, resource) {
		return conflictf(opRebase, "uploader_cannot_forge_server",
			"change %d: author of patch set %d is the server identity and the uploader %s cannot forge the server identity", number, patch.Number, uploader.ID)
	}
	return nil
}

// committerEmail picks the committer email of the rebased commit. Without an explicit email the
// original committer email is kept when it belongs to the account the rebase is done for.
func committerEmail(requested string, caller, rebaseAs accounts.Profile, original *gitstore.Commit) (string, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		if rebaseAs.HasEmail(original.Committer.Email) {
			return original.Committer.Email, nil
		}
		return rebaseAs.PreferredEmail, nil
	}
	if rebaseAs.ID != caller.ID &&
		!strings.EqualFold(requested, rebaseAs.PreferredEmail) &&
		!strings.EqualFold(requested, original.Committer.Email) {
		return "", conflictf(opRebase, "committer_email_not_allowed",
			"Cannot rebase using committer email '%s'. It can only be done using the preferred email or the committer email of the uploader", requested)
	}
	if !rebaseAs.HasEmail(requested) {
		return "", conflictf(opRebase, "committer_email_unregistered",
			"Cannot rebase using committer email '%s' as it is not a registered email of the user on whose behalf the rebase operation is performed", requested)
	}
	return requested, nil
}

func (e *Executor) profile(ctx context.Context, account string) (accounts.Profile, error) {
	profile, err := e.accounts.Get(ctx, account)
	if err != nil {
		if errors.Is(err, accounts.ErrAccountNotFound) {
			return accounts.Profile{}, changes.NewError(changes.ErrAuth, opRebase, "unknown_account",
				fmt.Sprintf("account %s is not registered", account), err)
		}
		e.logError("account_lookup_failed", err, zap.String("account_id", account))
		return accounts.Profile{}, newServiceError(opRebase, "account_lookup_failed", err)
	}
	return profile, nil
}

// rebaseOnce runs the merge and records the new patch set in a single change update.
func (e *Executor) rebaseOnce(ctx context.Context, p plan, t target) (Result, error) {
	result := Result{Prior: p.patch}
	number := p.notes.Change.Number
	notes, err := e.changes.Store().Update(ctx, number, func(update *changes.ChangeUpdate) error {
		change := update.Change()
		if change.Status != changes.StatusNew {
			return conflictf(opRebase, "invalid_status", "change is %s", change.Status.Label())
		}
		if _, ok := update.Notes().PatchSet(p.patch.Number); !ok {
			return notFoundf(opRebase, "patch_set_not_found", "Not found: %d/%d", number, p.patch.Number)
		}
		// The plan predates the lock, so the current patch set may have moved.
		if p.request.PatchSet == 0 && change.CurrentPatchSet != p.patch.Number {
			return conflictf(opRebase, "not_up_to_date",
				"change %d is not up to date: patch set %d was replaced by patch set %d", number, p.patch.Number, change.CurrentPatchSet)
		}
		repo := update.Repository()
		base := t.fixed
		if base.IsZero() {
			resolver := &baseResolver{
				ctx:     update.Context(),
				service: e.changes,
				reader:  update.Reader(),
				repo:    repo,
				caller:  p.request.Caller,
				change:  change,
				patch:   p.patch,
				commit:  p.commit,
			}
			resolved, err := resolver.resolve(t.raw, t.verify)
			if err != nil {
				return err
			}
			base = resolved
		}
		if p.commit.ParentCount() == 0 {
			return conflictf(opRebase, "no_ancestor", "Error rebasing %d. Cannot rebase commit with no ancestor", number)
		}
		parent := p.commit.Parent(0)
		if base == parent {
			return upToDatef(opRebase, "up_to_date", "Change is already up to date.")
		}

		merged, err := e.merge(update, p, parent, base)
		if err != nil {
			return err
		}
		result.Base = base
		result.ConflictingFiles = merged.conflicts
		result.HasConflicts = len(merged.conflicts) > 0

		committer := p.rebaseAs.IdentWithEmail(p.committer, update.Now())
		commitID, err := repo.WriteCommit(update.Context(), gitstore.Commit{
			Tree:      merged.tree,
			Parents:   append([]gitstore.ObjectID{base}, p.commit.Parents[1:]...),
			Author:    p.commit.Author,
			Committer: committer,
			Message:   p.commit.Message,
		})
		if err != nil {
			return newServiceError(opRebase, "commit_write_failed", err)
		}

		insert := changes.PatchSetInsert{
			Commit:       commitID,
			Uploader:     p.rebaseAs.ID,
			RealUploader: p.caller.ID,
			Description:  "Rebase",
			Message:      rebaseMessage(p, update.Notes(), merged.conflicts),
			Tag:          rebaseTag,
		}
		if result.HasConflicts {
			insert.Conflicts = &changes.ConflictInfo{Base: parent, Ours: base, Theirs: p.patch.Commit()}
			if !change.WorkInProgress {
				update.SetWorkInProgress(true)
			}
		}
		update.SetSummary(fmt.Sprintf("Rebase patch set %d", p.patch.Number))
		patchSet, copied, err := update.InsertPatchSet(insert)
		if err != nil {
			return err
		}
		result.PatchSet = patchSet
		result.Copy = copied
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	result.Notes = notes
	e.logger.Info("rebased change",
		zap.Int64("change", number),
		zap.Int("patch_set", result.PatchSet.Number),
		zap.String("base", result.Base.String()),
		zap.Bool("conflicts", result.HasConflicts))
	return result, nil
}

type mergeOutcome struct {
	tree      gitstore.ObjectID
	conflicts []string
}

// merge replays the change between parent and the patch set onto base.
func (e *Executor) merge(update *changes.ChangeUpdate, p plan, parent, base gitstore.ObjectID) (mergeOutcome, error) {
	ctx := update.Context()
	repo := update.Repository()
	number := p.notes.Change.Number

	baseCommit, err := repo.ReadCommit(ctx, base)
	if err != nil {
		return mergeOutcome{}, newServiceError(opRebase, "base_read_failed", err)
	}
	ancestorFiles, err := repo.CommitFiles(ctx, parent)
	if err != nil {
		return mergeOutcome{}, newServiceError(opRebase, "parent_read_failed", err)
	}
	parentCommit, err := repo.ReadCommit(ctx, parent)
	if err != nil {
		return mergeOutcome{}, newServiceError(opRebase, "parent_read_failed", err)
	}
	patchFiles, err := repo.ReadFiles(ctx, p.commit.Tree)
	if err != nil {
		return mergeOutcome{}, newServiceError(opRebase, "patch_set_tree_read_failed", err)
	}
	baseFiles, err := repo.ReadFiles(ctx, baseCommit.Tree)
	if err != nil {
		return mergeOutcome{}, newServiceError(opRebase, "base_tree_read_failed", err)
	}

	result := merge.Trees(sideStrategy(p.strategy), ancestorFiles, patchFiles, baseFiles)
	files := result.Tree()
	if !result.Clean() {
		if !p.request.AllowConflicts {
			return mergeOutcome{}, conflictf(opRebase, "merge_conflict",
				"Change %d could not be rebased due to a conflict during merge.\n\nmerge conflict(s):\n%s",
				number, strings.Join(result.Conflicts, "\n"))
		}
		files = result.Materialize(merge.ConflictLabels(
			merge.Side{Name: sidePatchSet, Commit: p.patch.Commit().Abbrev(), Subject: p.commit.Subject()},
			merge.Side{Name: sideBase, Commit: parent.Abbrev(), Subject: parentCommit.Subject()},
			merge.Side{Name: sideBase, Commit: base.Abbrev(), Subject: baseCommit.Subject()},
		), e.diff3)
	}
	tree, err := repo.WriteFiles(ctx, files)
	if err != nil {
		return mergeOutcome{}, newServiceError(opRebase, "tree_write_failed", err)
	}
	return mergeOutcome{tree: tree, conflicts: result.Conflicts}, nil
}

// sideStrategy maps the requested strategy onto merge.Trees, which takes the patch set as ours.
// "ours" in a rebase request names the new base.
func sideStrategy(strategy merge.Strategy) merge.Strategy {
	switch strategy {
	case merge.StrategyOurs:
		return merge.StrategyTheirs
	case merge.StrategyTheirs:
		return merge.StrategyOurs
	default:
		return strategy
	}
}

func rebaseMessage(p plan, notes *changes.Notes, conflicts []string) string {
	next := 1
	for _, ps := range notes.PatchSets {
		next = max(next, ps.Number+1)
	}
	var builder strings.Builder
	fmt.Fprintf(&builder, "Patch Set %d: Patch Set %d was rebased", next, p.patch.Number)
	if p.request.OnBehalfOfUploader {
		fmt.Fprintf(&builder, " on behalf of %s", p.rebaseAs.DisplayName())
	}
	if len(conflicts) > 0 {
		sorted := append([]string(nil), conflicts...)
		sort.Strings(sorted)
		builder.WriteString("\n\nThe following files contain Git conflicts:\n")
		for _, path := range sorted {
			builder.WriteString("* " + path + "\n")
		}
	}
	return builder.String()
}

func (e *Executor) logError(reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", opRebase),
		zap.String("reason", reason),
	}, fields...)
	if err != nil {
		allFields = append(allFields, zap.Error(err))
	}
	e.logger.Error("rebase failure", allFields...)
}
