package changes_test

import (
	"context"
	"testing"

	"github.com/MarcoPoloResearchLab/patchset/internal/changes"
	"github.com/MarcoPoloResearchLab/patchset/internal/labels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReviewRecordsVotesAndMessage(t *testing.T) {
	env, _ := newEnv(t)
	notes := env.CreateChange(t, "alice", project, branch, "Add c", "", map[string]string{"c.txt": "charlie\n"})
	number := notes.Change.Number

	reviewed, err := env.Service.Review(context.Background(), "bob", number, changes.ReviewInput{
		Labels:  map[string]int{labels.Verified: 1, labels.CodeReview: 2},
		Message: "Ship it",
	})
	require.NoError(t, err)

	assert.Len(t, reviewed.CurrentVotes(), 2)
	vote, ok := reviewed.Approval(1, labels.CodeReview, "bob")
	require.True(t, ok)
	assert.Equal(t, 2, vote.Value)
	assert.False(t, vote.Copied)

	message := env.LastMessage(t, number)
	assert.Equal(t, "Patch Set 1: Code-Review+2 Verified+1\n\nShip it", message.Message)
	assert.Equal(t, "bob", message.Author)

	meta := env.ReadCommit(t, project, reviewed.MetaID).Message
	assert.Contains(t, meta, "Update patch set 1\n")
	assert.Contains(t, meta, "Label: Code-Review=+2 bob")
	assert.Contains(t, meta, "Label: Verified=+1 bob")
}

func TestReviewDeletesVoteWithZero(t *testing.T) {
	env, _ := newEnv(t)
	notes := env.CreateChange(t, "alice", project, branch, "Add c", "", map[string]string{"c.txt": "charlie\n"})
	number := notes.Change.Number
	env.Vote(t, "bob", number, labels.CodeReview, -1)

	cleared := env.Vote(t, "bob", number, labels.CodeReview, 0)

	assert.Empty(t, cleared.CurrentVotes())
	deleted, ok := cleared.Approval(1, labels.CodeReview, "bob")
	require.True(t, ok)
	assert.Equal(t, 0, deleted.Value)
	assert.Equal(t, "Patch Set 1: -Code-Review", env.LastMessage(t, number).Message)

	updated := env.Upload(t, "alice", number, changes.UploadPatchSetInput{Message: "Add charlie"})
	_, ok = updated.Approval(2, labels.CodeReview, "bob")
	assert.False(t, ok)
}

func TestReviewRepeatedVoteIsNoop(t *testing.T) {
	env, _ := newEnv(t)
	notes := env.CreateChange(t, "alice", project, branch, "Add c", "", map[string]string{"c.txt": "charlie\n"})
	first := env.Vote(t, "bob", notes.Change.Number, labels.CodeReview, 1)

	second := env.Vote(t, "bob", notes.Change.Number, labels.CodeReview, 1)

	assert.Equal(t, first.MetaID, second.MetaID)
}

func TestReviewRejectsInvalidVotes(t *testing.T) {
	env, _ := newEnv(t)
	notes := env.CreateChange(t, "alice", project, branch, "Add c", "", map[string]string{"c.txt": "charlie\n"})
	number := notes.Change.Number

	testCases := []struct {
		name    string
		labels  map[string]int
		message string
	}{
		{name: "unknown label", labels: map[string]int{"Library-Compliance": 1}, message: `label "Library-Compliance" is not a configured label`},
		{name: "out of range", labels: map[string]int{labels.Verified: 2}, message: `label "Verified": 2 is not a valid value`},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := env.Service.Review(context.Background(), "bob", number, changes.ReviewInput{Labels: testCase.labels})
			requireKind(t, err, changes.ErrBadRequest, testCase.message)
		})
	}
	assert.Empty(t, env.Load(t, number).Approvals)
}

func TestReviewOnClosedChange(t *testing.T) {
	env, _ := newEnv(t)
	notes := env.CreateChange(t, "alice", project, branch, "Add c", "", map[string]string{"c.txt": "charlie\n"})
	number := notes.Change.Number
	ctx := context.Background()
	_, err := env.Service.Abandon(ctx, "alice", number, "")
	require.NoError(t, err)

	_, err = env.Service.Review(ctx, "bob", number, changes.ReviewInput{Labels: map[string]int{labels.CodeReview: 1}})
	requireKind(t, err, changes.ErrConflict, "change is closed")

	_, err = env.Service.Review(ctx, "bob", number, changes.ReviewInput{Message: "Why was this dropped?"})
	require.NoError(t, err)
	assert.Equal(t, "Patch Set 1:\n\nWhy was this dropped?", env.LastMessage(t, number).Message)
}
