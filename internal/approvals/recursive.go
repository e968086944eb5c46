package approvals

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/patchset/internal/changes"
	"go.uber.org/zap"
)

const (
	opRecursiveNew   = "approvals.recursive.new"
	opPersist        = "approvals.persist"
	opPersistChange  = "approvals.persist_change"
	recursiveSummary = "Copy approvals"
)

var (
	// ErrPartialFailure reports that at least one change of a batch could not be processed.
	ErrPartialFailure = errors.New("approvals: failed to copy approvals of some changes, check the logs")

	errMissingStore  = errors.New("change store is required")
	errMissingCopier = errors.New("approval copier is required")
)

// ChangeFilter selects the changes of a project to reprocess. A nil filter accepts every change.
type ChangeFilter func(changes.Change) bool

// BatchResult summarizes a recursive copy run.
type BatchResult struct {
	Processed int
	Updated   int
	Failed    []int64
}

// RecursiveCopierConfig wires a RecursiveCopier.
type RecursiveCopierConfig struct {
	Store  *changes.Store
	Copier changes.ApprovalCopier
	Logger *zap.Logger
}

// RecursiveCopier recomputes sticky votes of existing changes, walking every change forward
// from its first patch set. It is run after a label's copy condition changes.
type RecursiveCopier struct {
	store  *changes.Store
	copier changes.ApprovalCopier
	logger *zap.Logger
}

// NewRecursiveCopier validates cfg and constructs a RecursiveCopier.
func NewRecursiveCopier(cfg RecursiveCopierConfig) (*RecursiveCopier, error) {
	if cfg.Store == nil {
		return nil, changes.NewError(nil, opRecursiveNew, "missing_store", "", errMissingStore)
	}
	if cfg.Copier == nil {
		return nil, changes.NewError(nil, opRecursiveNew, "missing_copier", "", errMissingCopier)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecursiveCopier{store: cfg.Store, copier: cfg.Copier, logger: logger}, nil
}

// PersistStandalone reprocesses every change of every project.
func (r *RecursiveCopier) PersistStandalone(ctx context.Context) (BatchResult, error) {
	projects, err := r.store.Reader().Projects(ctx)
	if err != nil {
		return BatchResult{}, err
	}
	var total BatchResult
	for _, project := range projects {
		result, err := r.persist(ctx, project, nil)
		total.Processed += result.Processed
		total.Updated += result.Updated
		total.Failed = append(total.Failed, result.Failed...)
		if err != nil && !errors.Is(err, ErrPartialFailure) {
			return total, err
		}
	}
	if len(total.Failed) > 0 {
		return total, ErrPartialFailure
	}
	return total, nil
}

// Persist reprocesses the changes of project accepted by filter. A change that cannot be
// processed is logged and skipped; the remaining changes are still persisted and the call
// returns ErrPartialFailure.
func (r *RecursiveCopier) Persist(ctx context.Context, project string, filter ChangeFilter) (BatchResult, error) {
	result, err := r.persist(ctx, project, filter)
	if err != nil {
		return result, err
	}
	if len(result.Failed) > 0 {
		return result, ErrPartialFailure
	}
	return result, nil
}

func (r *RecursiveCopier) persist(ctx context.Context, project string, filter ChangeFilter) (BatchResult, error) {
	var result BatchResult
	numbers, err := r.store.Reader().ChangeNumbers(ctx, project)
	if err != nil {
		r.logger.Error("change listing failed",
			zap.String("operation", opPersist),
			zap.String("project", project),
			zap.Error(err))
		return result, err
	}
	for _, number := range numbers {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		updated, skipped, err := r.persistChange(ctx, number, filter)
		if skipped {
			continue
		}
		result.Processed++
		if err != nil {
			r.logger.Error("approval copy failed",
				zap.String("operation", opPersistChange),
				zap.String("project", project),
				zap.Int64("change", number),
				zap.Error(err))
			result.Failed = append(result.Failed, number)
			continue
		}
		if updated {
			result.Updated++
		}
	}
	return result, nil
}

// persistChange walks the patch sets of one change in order and copies every sticky vote onto
// its successor. Only changes whose approvals actually change receive a new meta commit.
func (r *RecursiveCopier) persistChange(ctx context.Context, number int64, filter ChangeFilter) (updated, skipped bool, err error) {
	before, err := r.store.Reader().Change(ctx, number)
	if err != nil {
		return false, false, err
	}
	if filter != nil && !filter(before) {
		return false, true, nil
	}
	var priorMeta string
	notes, err := r.store.Update(ctx, number, func(update *changes.ChangeUpdate) error {
		priorMeta = update.Notes().MetaID.String()
		update.SetSummary(recursiveSummary)
		patchSets := update.Notes().PatchSets
		for i := 1; i < len(patchSets); i++ {
			if _, err := r.copier.CopyApprovals(update, patchSets[i-1], patchSets[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, false, err
	}
	return notes.MetaID.String() != priorMeta, false, nil
}
