package rebase_test

import (
	"context"
	"fmt"
	"strconv"
	"testing"

	"github.com/MarcoPoloResearchLab/patchset/internal/changes"
	"github.com/MarcoPoloResearchLab/patchset/internal/changes/changestest"
	"github.com/MarcoPoloResearchLab/patchset/internal/gitstore"
	"github.com/MarcoPoloResearchLab/patchset/internal/labels"
	"github.com/MarcoPoloResearchLab/patchset/internal/rebase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	project = "demo"
	branch  = "main"
)

func newExecutor(t *testing.T, env *changestest.Env, diff3 bool) *rebase.Executor {
	t.Helper()
	executor, err := rebase.NewExecutor(rebase.ExecutorConfig{
		Changes:     env.Service,
		Accounts:    env.Accounts,
		Permissions: env.Permissions,
		Diff3:       diff3,
	})
	require.NoError(t, err)
	return executor
}

func newEnv(t *testing.T, opts ...changestest.Option) *changestest.Env {
	t.Helper()
	env := changestest.New(t, opts...)
	env.Account(t, "alice", "alice@work.example")
	env.Account(t, "bob")
	env.Account(t, "carol")
	env.Commit(t, project, branch, "Initial commit", map[string]string{"a.txt": "alpha\n"})
	return env
}

func ptr(value string) *string {
	return &value
}

func TestRebaseOntoBranchTip(t *testing.T) {
	env := newEnv(t)
	notes := env.CreateChange(t, "alice", project, branch, "Add c", "", map[string]string{"c.txt": "charlie\n"})
	number := notes.Change.Number
	original := notes.CurrentPatchSet()
	env.Vote(t, "bob", number, labels.CodeReview, 2)
	tip := env.Commit(t, project, branch, "Add b", map[string]string{"b.txt": "bravo\n"})

	result, err := newExecutor(t, env, false).Rebase(context.Background(), rebase.Request{ChangeNumber: number, Caller: "alice"})
	require.NoError(t, err)

	assert.Equal(t, 2, result.PatchSet.Number)
	assert.Equal(t, original.Number, result.Prior.Number)
	assert.Equal(t, tip, result.Base)
	assert.False(t, result.HasConflicts)
	assert.Equal(t, "Rebase", result.PatchSet.Description)
	assert.Equal(t, "alice", result.PatchSet.Uploader)
	assert.Equal(t, "alice", result.PatchSet.RealUploader)

	rebased := env.ReadCommit(t, project, result.PatchSet.Commit())
	previous := env.ReadCommit(t, project, original.Commit())
	assert.Equal(t, []gitstore.ObjectID{tip}, rebased.Parents)
	assert.Equal(t, previous.Author, rebased.Author)
	assert.Equal(t, previous.Message, rebased.Message)
	assert.Equal(t, "alice@example.com", rebased.Committer.Email)
	assert.Equal(t, map[string]string{"a.txt": "alpha\n", "b.txt": "bravo\n", "c.txt": "charlie\n"},
		env.Files(t, project, rebased.ID))

	vote, ok := result.Notes.Approval(2, labels.CodeReview, "bob")
	require.True(t, ok)
	assert.True(t, vote.Copied)
	assert.Equal(t,
		"Patch Set 2: Patch Set 1 was rebased\n\nCopied Votes:\n"+
			"* Code-Review+2 (copy condition: \"is:MIN OR changekind:TRIVIAL_REBASE OR changekind:NO_CHANGE\")\n",
		env.LastMessage(t, number).Message)
	assert.Len(t, env.Events.Updates(gitstore.PatchSetRef(number, 2)), 1)
}

func TestRebaseRejectsUpToDateChange(t *testing.T) {
	env := newEnv(t)
	notes := env.CreateChange(t, "alice", project, branch, "Add c", "", map[string]string{"c.txt": "charlie\n"})
	env.Events.Reset()

	_, err := newExecutor(t, env, false).Rebase(context.Background(), rebase.Request{ChangeNumber: notes.Change.Number, Caller: "alice"})
	require.ErrorIs(t, err, changes.ErrConflict)
	assert.True(t, rebase.IsUpToDate(err))
	assert.Equal(t, "Change is already up to date.", err.Error())
	assert.Empty(t, env.Events.Updates(""))
	assert.Equal(t, 1, env.Load(t, notes.Change.Number).Change.CurrentPatchSet)
}

func conflictingChange(t *testing.T, env *changestest.Env) (*changes.Notes, gitstore.ObjectID) {
	t.Helper()
	notes := env.CreateChange(t, "alice", project, branch, "Change a", "", map[string]string{"a.txt": "alpha change\n"})
	tip := env.Commit(t, project, branch, "Edit a on branch", map[string]string{"a.txt": "alpha branch\n"})
	return notes, tip
}

func TestRebaseFailsOnConflictByDefault(t *testing.T) {
	env := newEnv(t)
	notes, _ := conflictingChange(t, env)

	_, err := newExecutor(t, env, false).Rebase(context.Background(), rebase.Request{ChangeNumber: notes.Change.Number, Caller: "alice"})
	require.ErrorIs(t, err, changes.ErrConflict)
	assert.Equal(t,
		fmt.Sprintf("Change %d could not be rebased due to a conflict during merge.\n\nmerge conflict(s):\na.txt", notes.Change.Number),
		err.Error())
	assert.False(t, rebase.IsUpToDate(err))
}

func TestRebaseMaterializesConflicts(t *testing.T) {
	env := newEnv(t)
	notes, tip := conflictingChange(t, env)
	number := notes.Change.Number
	patchSet := notes.CurrentPatchSet().Commit()

	result, err := newExecutor(t, env, false).Rebase(context.Background(), rebase.Request{
		ChangeNumber: number, Caller: "alice", AllowConflicts: true,
	})
	require.NoError(t, err)

	assert.True(t, result.HasConflicts)
	assert.Equal(t, []string{"a.txt"}, result.ConflictingFiles)
	assert.True(t, result.Notes.Change.WorkInProgress)
	assert.True(t, result.PatchSet.HasConflicts)
	assert.Equal(t, tip.String(), result.PatchSet.ConflictOurs)
	assert.Equal(t, patchSet.String(), result.PatchSet.ConflictTheirs)
	assert.Equal(t,
		fmt.Sprintf("<<<<<<< PATCH SET (%s Change a)\nalpha change\n=======\nalpha branch\n>>>>>>> BASE      (%s Edit a on branch)\n",
			patchSet.Abbrev(), tip.Abbrev()),
		env.Files(t, project, result.PatchSet.Commit())["a.txt"])
	assert.Equal(t,
		"Patch Set 2: Patch Set 1 was rebased\n\nThe following files contain Git conflicts:\n* a.txt\n",
		env.LastMessage(t, number).Message)
}

func TestRebaseWritesDiff3Markers(t *testing.T) {
	env := newEnv(t)
	notes, tip := conflictingChange(t, env)
	patchSet := notes.CurrentPatchSet().Commit()
	parent := env.ReadCommit(t, project, patchSet).Parent(0)

	result, err := newExecutor(t, env, true).Rebase(context.Background(), rebase.Request{
		ChangeNumber: notes.Change.Number, Caller: "alice", AllowConflicts: true,
	})
	require.NoError(t, err)

	assert.Equal(t,
		fmt.Sprintf("<<<<<<< PATCH SET (%s Change a)\nalpha change\n||||||| BASE      (%s Initial commit)\nalpha\n=======\nalpha branch\n>>>>>>> BASE      (%s Edit a on branch)\n",
			patchSet.Abbrev(), parent.Abbrev(), tip.Abbrev()),
		env.Files(t, project, result.PatchSet.Commit())["a.txt"])
}

func TestRebaseOursStrategyKeepsBase(t *testing.T) {
	env := newEnv(t)
	notes, _ := conflictingChange(t, env)

	result, err := newExecutor(t, env, false).Rebase(context.Background(), rebase.Request{
		ChangeNumber: notes.Change.Number, Caller: "alice", Strategy: "ours",
	})
	require.NoError(t, err)
	assert.False(t, result.HasConflicts)
	assert.Equal(t, "alpha branch\n", env.Files(t, project, result.PatchSet.Commit())["a.txt"])
}

func TestRebaseValidatesStrategy(t *testing.T) {
	env := newEnv(t)
	notes := env.CreateChange(t, "alice", project, branch, "Add c", "", map[string]string{"c.txt": "charlie\n"})
	executor := newExecutor(t, env, false)

	_, err := executor.Rebase(context.Background(), rebase.Request{ChangeNumber: notes.Change.Number, Caller: "alice", Strategy: "bogus"})
	require.ErrorIs(t, err, changes.ErrBadRequest)
	assert.Equal(t, "invalid merge strategy: bogus", err.Error())

	_, err = executor.Rebase(context.Background(), rebase.Request{
		ChangeNumber: notes.Change.Number, Caller: "alice", Strategy: "ours", AllowConflicts: true,
	})
	require.ErrorIs(t, err, changes.ErrBadRequest)
	assert.Equal(t, "merge with conflicts is not supported with merge strategy: ours", err.Error())
}

func TestRebaseOntoExplicitBase(t *testing.T) {
	env := newEnv(t)
	first := env.CreateChange(t, "alice", project, branch, "Add c", "", map[string]string{"c.txt": "charlie\n"})
	second := env.CreateChange(t, "alice", project, branch, "Add d", "", map[string]string{"d.txt": "delta\n"})
	executor := newExecutor(t, env, false)
	ctx := context.Background()

	result, err := executor.Rebase(ctx, rebase.Request{
		ChangeNumber: first.Change.Number, Caller: "alice", Base: ptr(strconv.FormatInt(second.Change.Number, 10)),
	})
	require.NoError(t, err)
	assert.Equal(t, second.CurrentPatchSet().Commit(), result.Base)
	assert.Equal(t,
		map[string]string{"a.txt": "alpha\n", "c.txt": "charlie\n", "d.txt": "delta\n"},
		env.Files(t, project, result.PatchSet.Commit()))

	_, err = executor.Rebase(ctx, rebase.Request{
		ChangeNumber: first.Change.Number, Caller: "alice", Base: ptr(gitstore.PatchSetRef(second.Change.Number, 1)),
	})
	require.ErrorIs(t, err, changes.ErrConflict)
	assert.Equal(t, "Change is already up to date.", err.Error())

	_, err = executor.Rebase(ctx, rebase.Request{
		ChangeNumber: second.Change.Number, Caller: "alice", Base: ptr(strconv.FormatInt(first.Change.Number, 10)),
	})
	require.ErrorIs(t, err, changes.ErrConflict)
	assert.Equal(t, fmt.Sprintf("base change %s is a descendant of the current change - recursion not allowed", first.Change.Key), err.Error())
}

func TestRebaseRejectsInvalidBases(t *testing.T) {
	env := newEnv(t)
	notes := env.CreateChange(t, "alice", project, branch, "Add c", "", map[string]string{"c.txt": "charlie\n"})
	abandoned := env.CreateChange(t, "alice", project, branch, "Add d", "", map[string]string{"d.txt": "delta\n"})
	other := env.CreateChange(t, "alice", project, "stable", "Add e", "", map[string]string{"e.txt": "echo\n"})
	_, err := env.Service.Abandon(context.Background(), "alice", abandoned.Change.Number, "")
	require.NoError(t, err)
	loose := env.Commit(t, project, "stable", "Unrelated", map[string]string{"x.txt": "x\n"})
	executor := newExecutor(t, env, false)
	number := notes.Change.Number

	cases := []struct {
		name    string
		base    string
		kind    error
		message string
	}{
		{"itself", strconv.FormatInt(number, 10), changes.ErrConflict, fmt.Sprintf("cannot rebase change %d onto itself", number)},
		{"abandoned", strconv.FormatInt(abandoned.Change.Number, 10), changes.ErrConflict, "base change is abandoned: " + abandoned.Change.Key},
		{"wrong branch", strconv.FormatInt(other.Change.Number, 10), changes.ErrConflict, "base change is targeting wrong branch: demo,refs/heads/stable"},
		{"unknown change", "999", changes.ErrUnprocessable, "Base change not found: 999"},
		{"foreign commit", loose.String(), changes.ErrConflict, "base revision is missing from the destination branch: " + loose.String()},
		{"garbage", "not-a-base", changes.ErrConflict, "base revision is missing from the destination branch: not-a-base"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := executor.Rebase(context.Background(), rebase.Request{ChangeNumber: number, Caller: "alice", Base: ptr(tc.base)})
			require.ErrorIs(t, err, tc.kind)
			assert.Equal(t, tc.message, err.Error())
		})
	}
}

func TestRebaseOntoBranchCommitAndRef(t *testing.T) {
	env := newEnv(t)
	notes := env.CreateChange(t, "alice", project, branch, "Add c", "", map[string]string{"c.txt": "charlie\n"})
	middle := env.Commit(t, project, branch, "Add b", map[string]string{"b.txt": "bravo\n"})
	tip := env.Commit(t, project, branch, "Add d", map[string]string{"d.txt": "delta\n"})
	executor := newExecutor(t, env, false)

	result, err := executor.Rebase(context.Background(), rebase.Request{ChangeNumber: notes.Change.Number, Caller: "alice", Base: ptr(middle.String())})
	require.NoError(t, err)
	assert.Equal(t, middle, result.Base)

	result, err = executor.Rebase(context.Background(), rebase.Request{ChangeNumber: notes.Change.Number, Caller: "alice", Base: ptr("refs/heads/main")})
	require.NoError(t, err)
	assert.Equal(t, tip, result.Base)
	assert.Equal(t, 3, result.PatchSet.Number)
}

func TestRebaseFollowsParentChange(t *testing.T) {
	env := newEnv(t)
	parent := env.CreateChange(t, "alice", project, branch, "Add c", "", map[string]string{"c.txt": "charlie\n"})
	child := env.CreateChange(t, "alice", project, branch, "Add d", parent.CurrentPatchSet().CommitID, map[string]string{"d.txt": "delta\n"})
	executor := newExecutor(t, env, false)
	ctx := context.Background()

	_, err := executor.Rebase(ctx, rebase.Request{ChangeNumber: child.Change.Number, Caller: "alice"})
	require.ErrorIs(t, err, changes.ErrConflict)
	assert.Equal(t, "Change is already based on the latest patch set of the dependent change.", err.Error())

	updated := env.Upload(t, "alice", parent.Change.Number, changes.UploadPatchSetInput{
		Edits: changes.FileEdits{Files: map[string]string{"c.txt": "charlie v2\n"}},
	})
	result, err := executor.Rebase(ctx, rebase.Request{ChangeNumber: child.Change.Number, Caller: "alice"})
	require.NoError(t, err)
	assert.Equal(t, updated.CurrentPatchSet().Commit(), result.Base)
	assert.Equal(t, "charlie v2\n", env.Files(t, project, result.PatchSet.Commit())["c.txt"])

	_, err = env.Service.Abandon(ctx, "alice", parent.Change.Number, "")
	require.NoError(t, err)
	_, err = executor.Rebase(ctx, rebase.Request{ChangeNumber: child.Change.Number, Caller: "alice"})
	require.ErrorIs(t, err, changes.ErrConflict)
	assert.Equal(t, "Cannot rebase a change with an abandoned parent: "+parent.Change.Key, err.Error())
}

func TestRebaseChecksPermissionsAndStatus(t *testing.T) {
	env := newEnv(t)
	notes := env.CreateChange(t, "alice", project, branch, "Add c", "", map[string]string{"c.txt": "charlie\n"})
	env.Commit(t, project, branch, "Add b", map[string]string{"b.txt": "bravo\n"})
	executor := newExecutor(t, env, false)
	ctx := context.Background()

	_, err := executor.Rebase(ctx, rebase.Request{ChangeNumber: notes.Change.Number, Caller: "carol"})
	require.ErrorIs(t, err, changes.ErrAuth)
	assert.Contains(t, err.Error(), "rebase not permitted")

	_, err = executor.Rebase(ctx, rebase.Request{ChangeNumber: notes.Change.Number, Caller: "alice", PatchSet: 7})
	require.ErrorIs(t, err, changes.ErrNotFound)

	_, err = env.Service.Abandon(ctx, "alice", notes.Change.Number, "")
	require.NoError(t, err)
	_, err = executor.Rebase(ctx, rebase.Request{ChangeNumber: notes.Change.Number, Caller: "alice"})
	require.ErrorIs(t, err, changes.ErrConflict)
	assert.Equal(t, "change is abandoned", err.Error())
}

func TestRebaseOnBehalfOfUploader(t *testing.T) {
	env := newEnv(t, changestest.WithPermissions(map[string][]string{"rebase": {"owner", "uploader", "bob"}}))
	notes := env.CreateChange(t, "alice", project, branch, "Add c", "", map[string]string{"c.txt": "charlie\n"})
	env.Commit(t, project, branch, "Add b", map[string]string{"b.txt": "bravo\n"})
	executor := newExecutor(t, env, false)
	number := notes.Change.Number

	result, err := executor.Rebase(context.Background(), rebase.Request{ChangeNumber: number, Caller: "bob", OnBehalfOfUploader: true})
	require.NoError(t, err)
	assert.Equal(t, "alice", result.PatchSet.Uploader)
	assert.Equal(t, "bob", result.PatchSet.RealUploader)
	assert.Equal(t, "alice@example.com", env.ReadCommit(t, project, result.PatchSet.Commit()).Committer.Email)
	assert.Equal(t, "Patch Set 2: Patch Set 1 was rebased on behalf of Alice", env.LastMessage(t, number).Message)

	_, err = executor.Rebase(context.Background(), rebase.Request{ChangeNumber: number, Caller: "carol", OnBehalfOfUploader: true})
	require.ErrorIs(t, err, changes.ErrAuth)
	assert.Contains(t, err.Error(), "rebase on behalf of uploader not permitted")
}

func TestRebaseOnBehalfOfUploaderRejectsInvalidRequests(t *testing.T) {
	env := newEnv(t)
	notes := env.CreateChange(t, "alice", project, branch, "Add c", "", map[string]string{"c.txt": "charlie\n"})
	env.Upload(t, "alice", notes.Change.Number, changes.UploadPatchSetInput{Description: "again"})
	executor := newExecutor(t, env, false)
	number := notes.Change.Number

	_, err := executor.Rebase(context.Background(), rebase.Request{ChangeNumber: number, Caller: "alice", OnBehalfOfUploader: true, AllowConflicts: true})
	require.ErrorIs(t, err, changes.ErrBadRequest)
	assert.Equal(t, "allow_conflicts and on_behalf_of_uploader are mutually exclusive", err.Error())

	_, err = executor.Rebase(context.Background(), rebase.Request{ChangeNumber: number, Caller: "alice", OnBehalfOfUploader: true, PatchSet: 1})
	require.ErrorIs(t, err, changes.ErrBadRequest)
	assert.Equal(t, fmt.Sprintf("change %d: non-current patch set cannot be rebased on behalf of the uploader", number), err.Error())
}

func TestRebaseOnBehalfOfUploaderChecksForgedAuthor(t *testing.T) {
	env := newEnv(t, changestest.WithPermissions(map[string][]string{
		"rebase":        {"owner", "uploader", "bob"},
		"add_patch_set": {"owner", "uploader", "bob"},
	}))
	notes := env.CreateChange(t, "alice", project, branch, "Add c", "", map[string]string{"c.txt": "charlie\n"})
	env.Upload(t, "bob", notes.Change.Number, changes.UploadPatchSetInput{Description: "bob uploads"})
	env.Commit(t, project, branch, "Add b", map[string]string{"b.txt": "bravo\n"})

	_, err := newExecutor(t, env, false).Rebase(context.Background(), rebase.Request{
		ChangeNumber: notes.Change.Number, Caller: "alice", OnBehalfOfUploader: true,
	})
	require.ErrorIs(t, err, changes.ErrConflict)
	assert.Equal(t,
		fmt.Sprintf("change %d: author of patch set 2 is forged and the uploader bob cannot forge author", notes.Change.Number),
		err.Error())
}

func TestRebaseCommitterEmail(t *testing.T) {
	env := newEnv(t)
	notes := env.CreateChange(t, "alice", project, branch, "Add c", "", map[string]string{"c.txt": "charlie\n"})
	env.Commit(t, project, branch, "Add b", map[string]string{"b.txt": "bravo\n"})
	executor := newExecutor(t, env, false)

	_, err := executor.Rebase(context.Background(), rebase.Request{
		ChangeNumber: notes.Change.Number, Caller: "alice", CommitterEmail: "nobody@example.com",
	})
	require.ErrorIs(t, err, changes.ErrConflict)
	assert.Equal(t,
		"Cannot rebase using committer email 'nobody@example.com' as it is not a registered email of the user on whose behalf the rebase operation is performed",
		err.Error())

	result, err := executor.Rebase(context.Background(), rebase.Request{
		ChangeNumber: notes.Change.Number, Caller: "alice", CommitterEmail: "alice@work.example",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice@work.example", env.ReadCommit(t, project, result.PatchSet.Commit()).Committer.Email)
}

func TestNewExecutorValidatesConfig(t *testing.T) {
	_, err := rebase.NewExecutor(rebase.ExecutorConfig{})
	require.Error(t, err)
}
