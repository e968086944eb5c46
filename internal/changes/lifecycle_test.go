package changes_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/MarcoPoloResearchLab/patchset/internal/changes"
	"github.com/MarcoPoloResearchLab/patchset/internal/changes/changestest"
	"github.com/MarcoPoloResearchLab/patchset/internal/gitstore"
	"github.com/MarcoPoloResearchLab/patchset/internal/labels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mergedChange(t *testing.T, env *changestest.Env) *changes.Notes {
	t.Helper()
	notes := env.CreateChange(t, "alice", project, branch, "Add c", "", map[string]string{"c.txt": "charlie\n"})
	env.Vote(t, "bob", notes.Change.Number, labels.CodeReview, 2)
	merged, err := env.Service.Submit(context.Background(), "alice", notes.Change.Number)
	require.NoError(t, err)
	return merged
}

func TestAbandonAndRestore(t *testing.T) {
	env, _ := newEnv(t)
	notes := env.CreateChange(t, "alice", project, branch, "Add c", "", map[string]string{"c.txt": "charlie\n"})
	number := notes.Change.Number
	ctx := context.Background()

	abandoned, err := env.Service.Abandon(ctx, "alice", number, "  superseded  ")
	require.NoError(t, err)
	assert.Equal(t, changes.StatusAbandoned, abandoned.Change.Status)
	assert.Equal(t, "Abandoned\n\nsuperseded", env.LastMessage(t, number).Message)

	_, err = env.Service.Abandon(ctx, "alice", number, "")
	requireKind(t, err, changes.ErrConflict, "change is abandoned")

	restored, err := env.Service.Restore(ctx, "alice", number, "")
	require.NoError(t, err)
	assert.Equal(t, changes.StatusNew, restored.Change.Status)
	assert.Equal(t, "Restored", env.LastMessage(t, number).Message)

	_, err = env.Service.Restore(ctx, "alice", number, "")
	requireKind(t, err, changes.ErrConflict, "change is new")

	meta := env.ReadCommit(t, project, restored.MetaID)
	assert.Equal(t, "Restore\n\nStatus: new\n", meta.Message)
	assert.Equal(t, []gitstore.ObjectID{abandoned.MetaID}, meta.Parents)
}

func TestAbandonRequiresPermission(t *testing.T) {
	env, _ := newEnv(t)
	notes := env.CreateChange(t, "alice", project, branch, "Add c", "", map[string]string{"c.txt": "charlie\n"})

	_, err := env.Service.Abandon(context.Background(), "bob", notes.Change.Number, "")
	requireKind(t, err, changes.ErrAuth, "abandon not permitted")

	_, err = env.Service.Abandon(context.Background(), changestest.Admin, notes.Change.Number, "")
	assert.NoError(t, err)
}

func TestAbandonMergedChangeConflicts(t *testing.T) {
	env, _ := newEnv(t)
	merged := mergedChange(t, env)

	_, err := env.Service.Abandon(context.Background(), "alice", merged.Change.Number, "")
	requireKind(t, err, changes.ErrConflict, "change is merged")
}

func TestSetPrivate(t *testing.T) {
	env, _ := newEnv(t)
	notes := env.CreateChange(t, "alice", project, branch, "Add c", "", map[string]string{"c.txt": "charlie\n"})
	number := notes.Change.Number
	ctx := context.Background()
	env.Vote(t, "bob", number, labels.CodeReview, 1)

	_, err := env.Service.SetPrivate(ctx, "bob", number, true, "")
	requireKind(t, err, changes.ErrAuth, "not allowed to mark private")

	private, err := env.Service.SetPrivate(ctx, "alice", number, true, "draft")
	require.NoError(t, err)
	assert.True(t, private.Change.Private)
	assert.Equal(t, "Set private\n\ndraft", env.LastMessage(t, number).Message)

	_, err = env.Service.Get(ctx, "carol", number)
	requireKind(t, err, changes.ErrNotFound, "")
	_, err = env.Service.Get(ctx, "bob", number)
	assert.NoError(t, err, "reviewers keep access to private changes")

	again, err := env.Service.SetPrivate(ctx, "alice", number, true, "")
	require.NoError(t, err)
	assert.Equal(t, private.MetaID, again.MetaID)

	public, err := env.Service.SetPrivate(ctx, "alice", number, false, "")
	require.NoError(t, err)
	assert.False(t, public.Change.Private)
	assert.Equal(t, "Unset private", env.LastMessage(t, number).Message)
	assert.Contains(t, env.ReadCommit(t, project, public.MetaID).Message, "Private: false")
}

func TestSetPrivateRejectsMergedChange(t *testing.T) {
	env, _ := newEnv(t)
	merged := mergedChange(t, env)

	_, err := env.Service.SetPrivate(context.Background(), "alice", merged.Change.Number, true, "")
	requireKind(t, err, changes.ErrConflict, "change is merged")

	_, err = env.Service.SetPrivate(context.Background(), "alice", merged.Change.Number, false, "")
	assert.NoError(t, err)
}

func TestSetWorkInProgress(t *testing.T) {
	env, _ := newEnv(t)
	notes := env.CreateChange(t, "alice", project, branch, "Add c", "", map[string]string{"c.txt": "charlie\n"})
	number := notes.Change.Number
	ctx := context.Background()

	_, err := env.Service.SetWorkInProgress(ctx, "alice", number, false, "")
	requireKind(t, err, changes.ErrConflict, "change is already ready")

	wip, err := env.Service.SetWorkInProgress(ctx, "alice", number, true, "")
	require.NoError(t, err)
	assert.True(t, wip.Change.WorkInProgress)
	assert.Equal(t, "Set Work In Progress", env.LastMessage(t, number).Message)
	assert.Equal(t, "Set Work In Progress\n\nWork-in-progress: true\n", env.ReadCommit(t, project, wip.MetaID).Message)

	_, err = env.Service.SetWorkInProgress(ctx, "alice", number, true, "")
	requireKind(t, err, changes.ErrConflict, "change is already work in progress")

	_, err = env.Service.SetWorkInProgress(ctx, "carol", number, false, "")
	requireKind(t, err, changes.ErrAuth, "")

	ready, err := env.Service.SetWorkInProgress(ctx, changestest.Admin, number, false, "looks good")
	require.NoError(t, err)
	assert.False(t, ready.Change.WorkInProgress)
	assert.Equal(t, "Set Ready For Review\n\nlooks good", env.LastMessage(t, number).Message)
}

func TestRevertMergedChange(t *testing.T) {
	env, initial := newEnv(t)
	merged := mergedChange(t, env)
	number := merged.Change.Number
	mergedCommit := merged.CurrentPatchSet().Commit()

	revert, err := env.Service.Revert(context.Background(), "bob", number, changes.RevertInput{Topic: "rollback"})
	require.NoError(t, err)

	assert.Equal(t, number, revert.Change.RevertOf)
	assert.Equal(t, "bob", revert.Change.Owner)
	assert.Equal(t, "rollback", revert.Change.Topic)
	assert.Equal(t, branch, revert.Change.Branch)
	assert.Equal(t, `Revert "Add c"`, revert.Change.Subject)

	commit := env.ReadCommit(t, project, revert.CurrentPatchSet().Commit())
	assert.Equal(t, []gitstore.ObjectID{mergedCommit}, commit.Parents)
	assert.Equal(t, env.ReadCommit(t, project, initial).Tree, commit.Tree)
	assert.Equal(t, fmt.Sprintf("Revert \"Add c\"\n\nThis reverts commit %s.\n", mergedCommit), commit.Message)

	assert.Equal(t, "Created a revert of this change as "+revert.Change.Key, env.LastMessage(t, number).Message)
	assert.Equal(t, "autogenerated:revert", env.LastMessage(t, revert.Change.Number).Tag)
}

func TestRevertRequiresMergedChange(t *testing.T) {
	env, _ := newEnv(t)
	notes := env.CreateChange(t, "alice", project, branch, "Add c", "", map[string]string{"c.txt": "charlie\n"})

	_, err := env.Service.Revert(context.Background(), "alice", notes.Change.Number, changes.RevertInput{})
	requireKind(t, err, changes.ErrConflict, "change is new")
}

func TestRevertCustomMessage(t *testing.T) {
	env, _ := newEnv(t)
	merged := mergedChange(t, env)

	revert, err := env.Service.Revert(context.Background(), "alice", merged.Change.Number, changes.RevertInput{
		Message: "Back out c\n\nBreaks the build.",
	})
	require.NoError(t, err)
	assert.Equal(t, "Back out c", revert.Change.Subject)
}
