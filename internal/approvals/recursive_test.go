package approvals_test

import (
	"context"
	"testing"

	"github.com/MarcoPoloResearchLab/patchset/internal/approvals"
	"github.com/MarcoPoloResearchLab/patchset/internal/changes"
	"github.com/MarcoPoloResearchLab/patchset/internal/changes/changestest"
	"github.com/MarcoPoloResearchLab/patchset/internal/gitstore"
	"github.com/MarcoPoloResearchLab/patchset/internal/labels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reworkedChange creates a change in projectName whose Code-Review+1 from bob became outdated
// when patch set 2 was uploaded.
func reworkedChange(t *testing.T, env *changestest.Env, projectName string) int64 {
	t.Helper()
	env.Commit(t, projectName, branch, "Initial commit", map[string]string{"a.txt": "alpha\n"})
	notes := env.CreateChange(t, "alice", projectName, branch, "Add c", "", map[string]string{"c.txt": "charlie\n"})
	number := notes.Change.Number
	env.Vote(t, "bob", number, labels.CodeReview, 1)
	notes = env.Upload(t, "alice", number, changes.UploadPatchSetInput{
		Edits: changes.FileEdits{Files: map[string]string{"c.txt": "charlie v2\n"}},
	})
	require.Empty(t, notes.Votes(2))
	return number
}

func copyAnyScore(t *testing.T, env *changestest.Env, projectName string) {
	t.Helper()
	policies, err := labels.ParseCopyCondition("is:ANY")
	require.NoError(t, err)
	require.NoError(t, env.Labels.Put(context.Background(), projectName, labels.LabelType{
		Name: labels.CodeReview, Min: -2, Max: 2, Function: labels.FunctionMaxWithBlock, Copy: policies,
	}))
}

func newRecursiveCopier(t *testing.T, env *changestest.Env) *approvals.RecursiveCopier {
	t.Helper()
	copier, err := approvals.NewRecursiveCopier(approvals.RecursiveCopierConfig{Store: env.Store, Copier: env.Copier})
	require.NoError(t, err)
	return copier
}

func TestRecursiveCopierAppliesUpdatedCopyCondition(t *testing.T) {
	env := changestest.New(t)
	env.Account(t, "alice")
	env.Account(t, "bob")
	number := reworkedChange(t, env, "alpha")
	copyAnyScore(t, env, "alpha")
	env.Events.Reset()

	result, err := newRecursiveCopier(t, env).Persist(context.Background(), "alpha", nil)
	require.NoError(t, err)
	assert.Equal(t, approvals.BatchResult{Processed: 1, Updated: 1}, result)

	notes := env.Load(t, number)
	vote, ok := notes.Approval(2, labels.CodeReview, "bob")
	require.True(t, ok)
	assert.Equal(t, 1, vote.Value)
	assert.True(t, vote.Copied)
	assert.Len(t, env.Events.Updates(gitstore.ChangeMetaRef(number)), 1)

	env.Events.Reset()
	result, err = newRecursiveCopier(t, env).Persist(context.Background(), "alpha", nil)
	require.NoError(t, err)
	assert.Equal(t, approvals.BatchResult{Processed: 1}, result)
	assert.Empty(t, env.Events.Updates(""))
}

func TestRecursiveCopierIsolatesCorruptChanges(t *testing.T) {
	env := changestest.New(t)
	env.Account(t, "alice")
	env.Account(t, "bob")
	healthy := reworkedChange(t, env, "alpha")
	corrupt := reworkedChange(t, env, "beta")
	copyAnyScore(t, env, "alpha")
	copyAnyScore(t, env, "beta")

	ctx := context.Background()
	blob, err := env.Store.Repository("beta").WriteBlob(ctx, []byte("not a commit"))
	require.NoError(t, err)
	_, err = env.Store.Reader().Refs().ForceUpdate(ctx, "beta", gitstore.ChangeMetaRef(corrupt), blob)
	require.NoError(t, err)
	env.Events.Reset()

	result, err := newRecursiveCopier(t, env).PersistStandalone(ctx)
	require.ErrorIs(t, err, approvals.ErrPartialFailure)
	assert.Contains(t, err.Error(), "check the logs")
	assert.Equal(t, []int64{corrupt}, result.Failed)
	assert.Equal(t, 1, result.Updated)

	notes := env.Load(t, healthy)
	_, ok := notes.Approval(2, labels.CodeReview, "bob")
	assert.True(t, ok)
	assert.Len(t, env.Events.Updates(gitstore.ChangeMetaRef(healthy)), 1)
	assert.Empty(t, env.Events.Updates(gitstore.ChangeMetaRef(corrupt)))
}

func TestRecursiveCopierHonorsFilter(t *testing.T) {
	env := changestest.New(t)
	env.Account(t, "alice")
	env.Account(t, "bob")
	first := reworkedChange(t, env, "alpha")
	second := reworkedChange(t, env, "alpha")
	copyAnyScore(t, env, "alpha")

	result, err := newRecursiveCopier(t, env).Persist(context.Background(), "alpha", func(change changes.Change) bool {
		return change.Number == second
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)

	_, copiedFirst := env.Load(t, first).Approval(2, labels.CodeReview, "bob")
	_, copiedSecond := env.Load(t, second).Approval(2, labels.CodeReview, "bob")
	assert.False(t, copiedFirst)
	assert.True(t, copiedSecond)
}

func TestNewRecursiveCopierValidatesConfig(t *testing.T) {
	_, err := approvals.NewRecursiveCopier(approvals.RecursiveCopierConfig{})
	require.Error(t, err)
}
