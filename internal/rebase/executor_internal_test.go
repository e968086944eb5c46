package rebase

import (
	"context"
	"testing"

	"github.com/MarcoPoloResearchLab/patchset/internal/changes"
	"github.com/MarcoPoloResearchLab/patchset/internal/changes/changestest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebaseOnceRejectsStalePlan(t *testing.T) {
	env := changestest.New(t)
	env.Account(t, "alice")
	env.Commit(t, "demo", "main", "Initial commit", map[string]string{"a.txt": "alpha\n"})
	notes := env.CreateChange(t, "alice", "demo", "main", "Add c", "", map[string]string{"c.txt": "charlie\n"})
	env.Commit(t, "demo", "main", "Add b", map[string]string{"b.txt": "bravo\n"})
	executor, err := NewExecutor(ExecutorConfig{
		Changes:     env.Service,
		Accounts:    env.Accounts,
		Permissions: env.Permissions,
	})
	require.NoError(t, err)

	ctx := context.Background()
	request := Request{ChangeNumber: notes.Change.Number, Caller: "alice"}
	stale, err := executor.prepare(ctx, request)
	require.NoError(t, err)
	require.Equal(t, 1, stale.patch.Number)

	result, err := executor.Rebase(ctx, request)
	require.NoError(t, err)
	require.Equal(t, 2, result.PatchSet.Number)

	_, err = executor.rebaseOnce(ctx, stale, target{verify: true})
	require.ErrorIs(t, err, changes.ErrConflict)
	assert.Contains(t, err.Error(), "patch set 1 was replaced by patch set 2")

	current := env.Load(t, notes.Change.Number)
	assert.Equal(t, 2, current.Change.CurrentPatchSet)
	_, ok := current.PatchSet(3)
	assert.False(t, ok)
}
