package approvals

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/patchset/internal/changekind"
	"github.com/MarcoPoloResearchLab/patchset/internal/changes"
	"github.com/MarcoPoloResearchLab/patchset/internal/gitstore"
	"github.com/MarcoPoloResearchLab/patchset/internal/labels"
	"go.uber.org/zap"
)

const (
	opCopierNew    = "approvals.copier.new"
	opCopyApproval = "approvals.copy"
)

var (
	errMissingLabels     = errors.New("label store is required")
	errMissingClassifier = errors.New("change kind classifier is required")
)

// Classifier computes the change kind between two consecutive patch set commits.
type Classifier interface {
	Classify(ctx context.Context, repo changekind.CommitReader, project string, prior, next gitstore.ObjectID) (changekind.Kind, error)
}

// CopierConfig wires a Copier.
type CopierConfig struct {
	Labels     *labels.Store
	Classifier Classifier
	Logger     *zap.Logger
}

// Copier carries sticky votes from the immediately preceding patch set onto a new one.
type Copier struct {
	labels     *labels.Store
	classifier Classifier
	logger     *zap.Logger
}

// NewCopier validates cfg and constructs a Copier.
func NewCopier(cfg CopierConfig) (*Copier, error) {
	if cfg.Labels == nil {
		return nil, changes.NewError(nil, opCopierNew, "missing_labels", "", errMissingLabels)
	}
	if cfg.Classifier == nil {
		return nil, changes.NewError(nil, opCopierNew, "missing_classifier", "", errMissingClassifier)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Copier{labels: cfg.Labels, classifier: cfg.Classifier, logger: logger}, nil
}

// CopyApprovals evaluates every vote recorded on prior against the label copy policies and
// writes the sticky ones onto next. Votes next already holds, including deleted ones, are left
// alone, so running it twice for the same pair changes nothing.
func (c *Copier) CopyApprovals(update *changes.ChangeUpdate, prior, next changes.PatchSet) (changes.CopyResult, error) {
	ctx := update.Context()
	notes := update.Notes()
	project := notes.Change.Project

	votes := notes.Votes(prior.Number)
	if len(votes) == 0 {
		return changes.CopyResult{}, nil
	}
	types, err := c.labels.WithTx(update.DB()).ForProject(ctx, project)
	if err != nil {
		return changes.CopyResult{}, changes.NewError(nil, opCopyApproval, "label_config_failed", "", err)
	}

	repo := update.Repository()
	kind, err := c.classifier.Classify(ctx, repo, project, prior.Commit(), next.Commit())
	if err != nil {
		c.logger.Error("change kind classification failed",
			zap.String("operation", opCopyApproval),
			zap.Int64("change", notes.Change.Number),
			zap.Int("prior_patch_set", prior.Number),
			zap.Int("patch_set", next.Number),
			zap.Error(err))
		return changes.CopyResult{}, changes.NewError(nil, opCopyApproval, "classification_failed", "", err)
	}
	nextCommit, err := repo.ReadCommit(ctx, next.Commit())
	if err != nil {
		return changes.CopyResult{}, changes.NewError(nil, opCopyApproval, "commit_read_failed", "", err)
	}

	facts := copyFacts{repo: repo, prior: prior.Commit(), next: nextCommit}
	var result changes.CopyResult
	for _, vote := range votes {
		if _, exists := notes.Approval(next.Number, vote.Label, vote.Account); exists {
			continue
		}
		labelType, ok := types.ByName(vote.Label)
		if !ok {
			result.Outdated = append(result.Outdated, vote)
			continue
		}
		input := labels.CopyInput{Value: vote.Value, Kind: kind, IsMerge: nextCommit.IsMerge()}
		if labels.NeedsFileComparison(labelType.Copy) {
			unchanged, err := facts.filesUnchanged(ctx)
			if err != nil {
				return changes.CopyResult{}, changes.NewError(nil, opCopyApproval, "file_comparison_failed", "", err)
			}
			input.FilesUnchanged = unchanged
		}
		if sticky, _ := labelType.ShouldCopy(input); !sticky {
			result.Outdated = append(result.Outdated, vote)
			continue
		}
		copied := changes.Approval{
			PatchSet:    next.Number,
			Label:       vote.Label,
			Account:     vote.Account,
			Value:       vote.Value,
			Copied:      true,
			RealAccount: vote.RealAccount,
			Tag:         vote.Tag,
			GrantedAt:   vote.GrantedAt,
		}
		if err := update.PutApproval(copied); err != nil {
			return changes.CopyResult{}, err
		}
		result.Copied = append(result.Copied, copied)
	}
	result.Summary = FormatResult(result.Copied, result.Outdated, types)
	return result, nil
}

// copyFacts lazily computes facts about the patch set pair that only some policies need.
type copyFacts struct {
	repo     *gitstore.Repository
	prior    gitstore.ObjectID
	next     *gitstore.Commit
	computed bool
	result   bool
}

// filesUnchanged reports whether both patch sets modify the same list of files relative to
// their first parents.
func (f *copyFacts) filesUnchanged(ctx context.Context) (bool, error) {
	if f.computed {
		return f.result, nil
	}
	prior, err := f.repo.ReadCommit(ctx, f.prior)
	if err != nil {
		return false, err
	}
	priorPaths, err := modifiedPaths(ctx, f.repo, prior)
	if err != nil {
		return false, err
	}
	nextPaths, err := modifiedPaths(ctx, f.repo, f.next)
	if err != nil {
		return false, err
	}
	f.computed = true
	f.result = equalPaths(priorPaths, nextPaths)
	return f.result, nil
}

func modifiedPaths(ctx context.Context, repo *gitstore.Repository, commit *gitstore.Commit) ([]string, error) {
	parentTree := gitstore.ZeroID
	if commit.ParentCount() > 0 {
		parent, err := repo.ReadCommit(ctx, commit.Parent(0))
		if err != nil {
			return nil, err
		}
		parentTree = parent.Tree
	}
	return repo.ChangedPaths(ctx, parentTree, commit.Tree)
}

func equalPaths(left, right []string) bool {
	if len(left) != len(right) {
		return false
	}
	for i := range left {
		if left[i] != right[i] {
			return false
		}
	}
	return true
}
