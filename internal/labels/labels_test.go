package labels

import (
	"context"
	"fmt"
	"testing"

	"github.com/MarcoPoloResearchLab/patchset/internal/changekind"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func codeReview(policies ...CopyPolicy) LabelType {
	return LabelType{Name: CodeReview, Min: -2, Max: 2, Function: FunctionMaxWithBlock, Copy: policies}
}

func TestShouldCopyScorePolicies(t *testing.T) {
	testCases := []struct {
		name   string
		policy CopyPolicy
		value  int
		want   bool
	}{
		{name: "any score copies positive", policy: CopyPolicy{Kind: PolicyAnyScore}, value: 1, want: true},
		{name: "min score copies veto", policy: CopyPolicy{Kind: PolicyMinScore}, value: -2, want: true},
		{name: "min score skips -1", policy: CopyPolicy{Kind: PolicyMinScore}, value: -1, want: false},
		{name: "max score copies +2", policy: CopyPolicy{Kind: PolicyMaxScore}, value: 2, want: true},
		{name: "max score skips +1", policy: CopyPolicy{Kind: PolicyMaxScore}, value: 1, want: false},
		{name: "specific value copies listed", policy: CopyPolicy{Kind: PolicyValues, Values: []int{-1, 1}}, value: 1, want: true},
		{name: "specific value skips unlisted", policy: CopyPolicy{Kind: PolicyValues, Values: []int{-1, 1}}, value: 2, want: false},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			for _, kind := range changekind.All {
				copied, _ := codeReview(testCase.policy).ShouldCopy(CopyInput{Value: testCase.value, Kind: kind})
				assert.Equal(t, testCase.want, copied, "kind %s", kind)
			}
		})
	}
}

func TestShouldCopyChangeKindPolicies(t *testing.T) {
	testCases := []struct {
		policy  PolicyKind
		sticky  []changekind.Kind
		isMerge bool
	}{
		{policy: PolicyTrivialRebase, sticky: []changekind.Kind{changekind.TrivialRebase, changekind.NoChange}},
		{policy: PolicyNoCodeChange, sticky: []changekind.Kind{changekind.NoCodeChange, changekind.NoChange}},
		{policy: PolicyNoChange, sticky: []changekind.Kind{changekind.NoChange}},
		{policy: PolicyMergeFirstParentUpdate, sticky: []changekind.Kind{changekind.MergeFirstParentUpdate}},
		{policy: PolicyMergeFirstParentUpdate, sticky: []changekind.Kind{changekind.MergeFirstParentUpdate, changekind.NoChange}, isMerge: true},
	}
	for _, testCase := range testCases {
		label := codeReview(CopyPolicy{Kind: testCase.policy})
		for _, kind := range changekind.All {
			want := false
			for _, sticky := range testCase.sticky {
				if sticky == kind {
					want = true
				}
			}
			copied, _ := label.ShouldCopy(CopyInput{Value: 2, Kind: kind, IsMerge: testCase.isMerge})
			assert.Equal(t, want, copied, "policy %s kind %s merge %v", label.CopyCondition(), kind, testCase.isMerge)
		}
	}
}

func TestShouldCopyNeverCopiesZeroOrRework(t *testing.T) {
	label := codeReview(CopyPolicy{Kind: PolicyAnyScore}, CopyPolicy{Kind: PolicyTrivialRebase})
	copied, _ := label.ShouldCopy(CopyInput{Value: 0, Kind: changekind.NoChange})
	assert.False(t, copied)

	kindOnly := codeReview(CopyPolicy{Kind: PolicyTrivialRebase}, CopyPolicy{Kind: PolicyNoCodeChange}, CopyPolicy{Kind: PolicyNoChange}, CopyPolicy{Kind: PolicyMergeFirstParentUpdate})
	copied, _ = kindOnly.ShouldCopy(CopyInput{Value: 2, Kind: changekind.Rework, IsMerge: true})
	assert.False(t, copied)
}

func TestShouldCopyFilesUnchanged(t *testing.T) {
	label := codeReview(CopyPolicy{Kind: PolicyFilesUnchanged})
	copied, policy := label.ShouldCopy(CopyInput{Value: 1, Kind: changekind.Rework, FilesUnchanged: true})
	assert.True(t, copied)
	assert.Equal(t, PolicyFilesUnchanged, policy.Kind)

	copied, _ = label.ShouldCopy(CopyInput{Value: 1, Kind: changekind.Rework})
	assert.False(t, copied)
}

func TestParseCopyConditionRoundTrip(t *testing.T) {
	policies, err := ParseCopyCondition("changekind:TRIVIAL_REBASE OR is:MIN OR is:1 OR is:+2 OR has:unchanged-files")
	require.NoError(t, err)
	require.Len(t, policies, 4)
	assert.Equal(t, PolicyTrivialRebase, policies[0].Kind)
	assert.Equal(t, PolicyMinScore, policies[1].Kind)
	assert.Equal(t, CopyPolicy{Kind: PolicyValues, Values: []int{1, 2}}, policies[2])
	assert.Equal(t, "changekind:TRIVIAL_REBASE OR is:MIN OR is:1 OR is:2 OR has:unchanged-files", FormatCopyCondition(policies))

	_, err = ParseCopyCondition("changekind:REWORK")
	assert.Error(t, err)
	_, err = ParseCopyCondition("is:SOMETIMES")
	assert.Error(t, err)
	_, err = ParseCopyCondition("approverin:admins")
	assert.Error(t, err)
}

func TestFormatVote(t *testing.T) {
	assert.Equal(t, "Code-Review+2", FormatVote(CodeReview, 2))
	assert.Equal(t, "Code-Review-1", FormatVote(CodeReview, -1))
}

func TestStoreFallsBackToDefaultsAndPersists(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&LabelConfig{}))
	store, err := NewStore(db)
	require.NoError(t, err)
	ctx := context.Background()

	types, err := store.ForProject(ctx, "demo")
	require.NoError(t, err)
	label, ok := types.ByName("code-review")
	require.True(t, ok)
	assert.Equal(t, 2, label.Max)

	require.NoError(t, store.Put(ctx, "demo", codeReview(CopyPolicy{Kind: PolicyAnyScore})))
	types, err = store.ForProject(ctx, "demo")
	require.NoError(t, err)
	label, ok = types.ByName(CodeReview)
	require.True(t, ok)
	assert.Equal(t, "is:ANY", label.CopyCondition())
	_, ok = types.ByName(Verified)
	assert.True(t, ok)

	assert.Error(t, store.Put(ctx, "demo", LabelType{Name: "Broken", Min: 1, Max: 2}))
}
