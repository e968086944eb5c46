package changekind

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/patchset/internal/gitstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type repoFixture struct {
	t    *testing.T
	repo *gitstore.Repository
	tick int64
}

func newRepoFixture(t *testing.T) *repoFixture {
	return &repoFixture{t: t, repo: gitstore.NewRepository(gitstore.NewInMemoryObjectStore(), "demo")}
}

func (f *repoFixture) commit(files map[string]string, message string, parents ...gitstore.ObjectID) gitstore.ObjectID {
	f.t.Helper()
	ctx := context.Background()
	treeID, err := f.repo.WriteFiles(ctx, files)
	require.NoError(f.t, err)
	f.tick++
	author := gitstore.Ident{Name: "Author", Email: "author@example.com", When: time.Unix(1000, 0).UTC()}
	committer := gitstore.Ident{Name: "Committer", Email: "committer@example.com", When: time.Unix(1000+f.tick, 0).UTC()}
	id, err := f.repo.WriteCommit(ctx, gitstore.Commit{Tree: treeID, Parents: parents, Author: author, Committer: committer, Message: message})
	require.NoError(f.t, err)
	return id
}

func newTestClassifier(t *testing.T) *Classifier {
	classifier, err := NewClassifier(ClassifierConfig{CacheSize: 16})
	require.NoError(t, err)
	return classifier
}

func TestClassifySinglePatchSetUpdates(t *testing.T) {
	fixture := newRepoFixture(t)
	root := fixture.commit(map[string]string{"a": "1\n2\n3\n", "b": "x\n"}, "root")
	advanced := fixture.commit(map[string]string{"a": "1\n2\n3\n", "b": "y\n"}, "advance", root)
	prior := fixture.commit(map[string]string{"a": "1\nTWO\n3\n", "b": "x\n"}, "change\n\nChange-Id: I1", root)

	testCases := []struct {
		name string
		next gitstore.ObjectID
		want Kind
	}{
		{
			name: "recommit without changes",
			next: fixture.commit(map[string]string{"a": "1\nTWO\n3\n", "b": "x\n"}, "change\n\nChange-Id: I1", root),
			want: NoChange,
		},
		{
			name: "message edit",
			next: fixture.commit(map[string]string{"a": "1\nTWO\n3\n", "b": "x\n"}, "better subject\n\nChange-Id: I1", root),
			want: NoCodeChange,
		},
		{
			name: "rebase without content change",
			next: fixture.commit(map[string]string{"a": "1\nTWO\n3\n", "b": "y\n"}, "change\n\nChange-Id: I1", advanced),
			want: TrivialRebase,
		},
		{
			name: "rebase with extra edit",
			next: fixture.commit(map[string]string{"a": "1\nTWO\nTHREE\n", "b": "y\n"}, "change\n\nChange-Id: I1", advanced),
			want: Rework,
		},
		{
			name: "content edit on same parent",
			next: fixture.commit(map[string]string{"a": "1\n2\n3\n4\n", "b": "x\n"}, "change\n\nChange-Id: I1", root),
			want: Rework,
		},
		{
			name: "message and content edit",
			next: fixture.commit(map[string]string{"a": "one\n", "b": "x\n"}, "other\n", root),
			want: Rework,
		},
	}

	classifier := newTestClassifier(t)
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			kind, err := classifier.Classify(context.Background(), fixture.repo, "demo", prior, testCase.next)
			require.NoError(t, err)
			assert.Equal(t, testCase.want, kind)
		})
	}
}

func TestClassifyRootCommitsAreRework(t *testing.T) {
	fixture := newRepoFixture(t)
	prior := fixture.commit(map[string]string{"a": "1\n"}, "initial")
	next := fixture.commit(map[string]string{"a": "2\n"}, "initial")

	kind, err := newTestClassifier(t).Classify(context.Background(), fixture.repo, "demo", prior, next)
	require.NoError(t, err)
	assert.Equal(t, Rework, kind)
}

func TestClassifyMergeCommits(t *testing.T) {
	fixture := newRepoFixture(t)
	root := fixture.commit(map[string]string{"main": "m\n", "side": "s\n"}, "root")
	mainline := fixture.commit(map[string]string{"main": "m2\n", "side": "s\n"}, "main work", root)
	sideline := fixture.commit(map[string]string{"main": "m\n", "side": "s2\n"}, "side work", root)
	prior := fixture.commit(map[string]string{"main": "m\n", "side": "s2\n"}, "merge side", root, sideline)

	classifier := newTestClassifier(t)

	firstParentUpdate := fixture.commit(map[string]string{"main": "m2\n", "side": "s2\n"}, "merge side", mainline, sideline)
	kind, err := classifier.Classify(context.Background(), fixture.repo, "demo", prior, firstParentUpdate)
	require.NoError(t, err)
	assert.Equal(t, MergeFirstParentUpdate, kind)

	extraEdit := fixture.commit(map[string]string{"main": "m2\n", "side": "s2\n", "new": "n\n"}, "merge side", mainline, sideline)
	kind, err = classifier.Classify(context.Background(), fixture.repo, "demo", prior, extraEdit)
	require.NoError(t, err)
	assert.Equal(t, Rework, kind)

	otherSide := fixture.commit(map[string]string{"main": "m\n", "side": "s3\n"}, "other side", root)
	bothParents := fixture.commit(map[string]string{"main": "m2\n", "side": "s3\n"}, "merge side", mainline, otherSide)
	kind, err = classifier.Classify(context.Background(), fixture.repo, "demo", prior, bothParents)
	require.NoError(t, err)
	assert.Equal(t, Rework, kind)
}

func TestClassifyCachesResults(t *testing.T) {
	fixture := newRepoFixture(t)
	root := fixture.commit(map[string]string{"a": "1\n"}, "root")
	prior := fixture.commit(map[string]string{"a": "2\n"}, "change", root)
	next := fixture.commit(map[string]string{"a": "2\n"}, "changed", root)

	classifier := newTestClassifier(t)
	first, err := classifier.Classify(context.Background(), fixture.repo, "demo", prior, next)
	require.NoError(t, err)
	second, err := classifier.Classify(context.Background(), fixture.repo, "demo", prior, next)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, classifier.Len())
}

func TestClassifyPropagatesReadErrors(t *testing.T) {
	fixture := newRepoFixture(t)
	root := fixture.commit(map[string]string{"a": "1\n"}, "root")
	blob, err := fixture.repo.WriteBlob(context.Background(), []byte("corrupt"))
	require.NoError(t, err)

	classifier := newTestClassifier(t)
	_, err = classifier.Classify(context.Background(), fixture.repo, "demo", root, blob)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gitstore.ErrUnexpectedObjectType))
	assert.Equal(t, 0, classifier.Len())
}

func TestParseKind(t *testing.T) {
	kind, err := Parse("trivial_rebase")
	require.NoError(t, err)
	assert.Equal(t, TrivialRebase, kind)

	_, err = Parse("sideways")
	assert.Error(t, err)
}
