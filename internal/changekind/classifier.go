package changekind

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/patchset/internal/gitstore"
	"github.com/MarcoPoloResearchLab/patchset/internal/merge"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const defaultCacheSize = 4096

var errMissingRepository = errors.New("changekind: repository is required")

// CommitReader is the slice of the object database the classifier needs.
type CommitReader interface {
	ReadCommit(ctx context.Context, id gitstore.ObjectID) (*gitstore.Commit, error)
	ReadFiles(ctx context.Context, treeID gitstore.ObjectID) (map[string]string, error)
	MergeBase(ctx context.Context, first, second gitstore.ObjectID) (gitstore.ObjectID, error)
}

// ClassifierConfig configures a Classifier.
type ClassifierConfig struct {
	CacheSize int
	Strategy  merge.Strategy
	Logger    *zap.Logger
}

// Classifier computes and memoizes change kinds for commit pairs.
type Classifier struct {
	cache    *lru.Cache[string, Kind]
	group    singleflight.Group
	strategy merge.Strategy
	logger   *zap.Logger
}

// NewClassifier constructs a Classifier with a bounded cache.
func NewClassifier(cfg ClassifierConfig) (*Classifier, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, Kind](size)
	if err != nil {
		return nil, err
	}
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = merge.DefaultStrategy
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{cache: cache, strategy: strategy, logger: logger}, nil
}

func (c *Classifier) cacheKey(project string, prior, next gitstore.ObjectID) string {
	return project + "|" + prior.String() + "|" + next.String() + "|" + c.strategy.String()
}

// Classify returns the kind of next relative to the immediately preceding commit prior.
func (c *Classifier) Classify(ctx context.Context, repo CommitReader, project string, prior, next gitstore.ObjectID) (Kind, error) {
	if repo == nil {
		return "", errMissingRepository
	}
	key := c.cacheKey(project, prior, next)
	if kind, ok := c.cache.Get(key); ok {
		return kind, nil
	}
	value, err, _ := c.group.Do(key, func() (any, error) {
		kind, err := c.compute(ctx, repo, prior, next)
		if err != nil {
			return "", err
		}
		c.cache.Add(key, kind)
		return kind, nil
	})
	if err != nil {
		c.logger.Warn("change kind computation failed",
			zap.String("project", project),
			zap.String("prior", prior.String()),
			zap.String("next", next.String()),
			zap.Error(err))
		return "", fmt.Errorf("changekind: classify %s..%s: %w", prior.Abbrev(), next.Abbrev(), err)
	}
	return value.(Kind), nil
}

// Len returns the number of memoized classifications.
func (c *Classifier) Len() int {
	return c.cache.Len()
}

func (c *Classifier) compute(ctx context.Context, repo CommitReader, priorID, nextID gitstore.ObjectID) (Kind, error) {
	if priorID == nextID {
		return NoChange, nil
	}
	prior, err := repo.ReadCommit(ctx, priorID)
	if err != nil {
		return "", err
	}
	next, err := repo.ReadCommit(ctx, nextID)
	if err != nil {
		return "", err
	}

	sameDelta, err := sameDeltaAndTree(ctx, repo, prior, next)
	if err != nil {
		return "", err
	}
	if prior.Message != next.Message {
		if sameDelta {
			return NoCodeChange, nil
		}
		return Rework, nil
	}
	if sameDelta {
		return NoChange, nil
	}
	if prior.ParentCount() == 0 || next.ParentCount() == 0 {
		return Rework, nil
	}
	if prior.IsMerge() || next.IsMerge() {
		return c.classifyMerge(ctx, repo, prior, next)
	}
	if prior.Parent(0) == next.Parent(0) {
		return Rework, nil
	}
	return c.classifyRebase(ctx, repo, prior, next)
}

// sameDeltaAndTree reports whether both commits have the same tree on top of parents with the same trees.
func sameDeltaAndTree(ctx context.Context, repo CommitReader, prior, next *gitstore.Commit) (bool, error) {
	if prior.Tree != next.Tree || prior.ParentCount() != next.ParentCount() {
		return false, nil
	}
	for i := range prior.Parents {
		if prior.Parents[i] == next.Parents[i] {
			continue
		}
		priorParent, err := repo.ReadCommit(ctx, prior.Parents[i])
		if err != nil {
			return false, err
		}
		nextParent, err := repo.ReadCommit(ctx, next.Parents[i])
		if err != nil {
			return false, err
		}
		if priorParent.Tree != nextParent.Tree {
			return false, nil
		}
	}
	return true, nil
}

// classifyRebase checks whether replaying prior's delta onto next's parent yields next's tree.
func (c *Classifier) classifyRebase(ctx context.Context, repo CommitReader, prior, next *gitstore.Commit) (Kind, error) {
	oldBase, err := parentFiles(ctx, repo, prior.Parent(0))
	if err != nil {
		return "", err
	}
	priorFiles, err := repo.ReadFiles(ctx, prior.Tree)
	if err != nil {
		return "", err
	}
	newBase, err := parentFiles(ctx, repo, next.Parent(0))
	if err != nil {
		return "", err
	}
	nextFiles, err := repo.ReadFiles(ctx, next.Tree)
	if err != nil {
		return "", err
	}
	result := merge.Trees(c.strategy, oldBase, priorFiles, newBase)
	if result.Clean() && sameFiles(result.Tree(), nextFiles) {
		return TrivialRebase, nil
	}
	return Rework, nil
}

// classifyMerge accepts only first parent updates whose manual resolution is unchanged.
func (c *Classifier) classifyMerge(ctx context.Context, repo CommitReader, prior, next *gitstore.Commit) (Kind, error) {
	if !prior.IsMerge() || !next.IsMerge() || prior.ParentCount() != next.ParentCount() {
		return Rework, nil
	}
	for i := 1; i < prior.ParentCount(); i++ {
		if prior.Parent(i) != next.Parent(i) {
			return Rework, nil
		}
	}
	if prior.Parent(0) == next.Parent(0) {
		return Rework, nil
	}
	priorAuto, err := c.autoMerge(ctx, repo, prior)
	if err != nil {
		return "", err
	}
	nextAuto, err := c.autoMerge(ctx, repo, next)
	if err != nil {
		return "", err
	}
	priorFiles, err := repo.ReadFiles(ctx, prior.Tree)
	if err != nil {
		return "", err
	}
	nextFiles, err := repo.ReadFiles(ctx, next.Tree)
	if err != nil {
		return "", err
	}
	if sameResolution(priorAuto, priorFiles, nextAuto, nextFiles) {
		return MergeFirstParentUpdate, nil
	}
	return Rework, nil
}

func (c *Classifier) autoMerge(ctx context.Context, repo CommitReader, commit *gitstore.Commit) (map[string]string, error) {
	first, second := commit.Parent(0), commit.Parent(1)
	baseID, err := repo.MergeBase(ctx, first, second)
	if err != nil {
		return nil, err
	}
	base, err := parentFiles(ctx, repo, baseID)
	if err != nil {
		return nil, err
	}
	ours, err := parentFiles(ctx, repo, first)
	if err != nil {
		return nil, err
	}
	theirs, err := parentFiles(ctx, repo, second)
	if err != nil {
		return nil, err
	}
	return merge.Trees(c.strategy, base, ours, theirs).Tree(), nil
}

func parentFiles(ctx context.Context, repo CommitReader, id gitstore.ObjectID) (map[string]string, error) {
	if id.IsZero() {
		return map[string]string{}, nil
	}
	commit, err := repo.ReadCommit(ctx, id)
	if err != nil {
		return nil, err
	}
	return repo.ReadFiles(ctx, commit.Tree)
}

// sameResolution compares the edits each merge commit made on top of its automatic merge.
func sameResolution(priorAuto, prior, nextAuto, next map[string]string) bool {
	paths := map[string]struct{}{}
	for _, tree := range []map[string]string{priorAuto, prior, nextAuto, next} {
		for path := range tree {
			paths[path] = struct{}{}
		}
	}
	for path := range paths {
		priorContent, inPrior := prior[path]
		priorAutoContent, inPriorAuto := priorAuto[path]
		nextContent, inNext := next[path]
		nextAutoContent, inNextAuto := nextAuto[path]
		priorEdited := inPrior != inPriorAuto || priorContent != priorAutoContent
		nextEdited := inNext != inNextAuto || nextContent != nextAutoContent
		if priorEdited != nextEdited {
			return false
		}
		if priorEdited && (inPrior != inNext || priorContent != nextContent) {
			return false
		}
	}
	return true
}

func sameFiles(left, right map[string]string) bool {
	if len(left) != len(right) {
		return false
	}
	for path, content := range left {
		other, ok := right[path]
		if !ok || other != content {
			return false
		}
	}
	return true
}
