package changes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/patchset/internal/gitstore"
	"gorm.io/gorm"
)

const (
	opLoadNotes    = "changes.load"
	opFindByCommit = "changes.find_by_commit"
	opListChanges  = "changes.list"
	opListMessages = "changes.messages"
)

// Notes is a consistent snapshot of a change and everything recorded on it.
type Notes struct {
	Change    Change            `json:"change"`
	PatchSets []PatchSet        `json:"patch_sets"`
	Approvals []Approval        `json:"approvals"`
	MetaID    gitstore.ObjectID `json:"meta_rev_id"`
}

// CurrentPatchSet returns the highest numbered patch set.
func (n *Notes) CurrentPatchSet() PatchSet {
	if ps, ok := n.PatchSet(n.Change.CurrentPatchSet); ok {
		return ps
	}
	if len(n.PatchSets) == 0 {
		return PatchSet{}
	}
	return n.PatchSets[len(n.PatchSets)-1]
}

// PatchSet looks up a patch set by number.
func (n *Notes) PatchSet(number int) (PatchSet, bool) {
	for _, ps := range n.PatchSets {
		if ps.Number == number {
			return ps, true
		}
	}
	return PatchSet{}, false
}

// PatchSetByCommit looks up the patch set recording commit.
func (n *Notes) PatchSetByCommit(commit gitstore.ObjectID) (PatchSet, bool) {
	for _, ps := range n.PatchSets {
		if ps.Commit() == commit {
			return ps, true
		}
	}
	return PatchSet{}, false
}

// ApprovalsOn returns every approval row of a patch set including deleted votes.
func (n *Notes) ApprovalsOn(patchSet int) []Approval {
	result := make([]Approval, 0)
	for _, approval := range n.Approvals {
		if approval.PatchSet == patchSet {
			result = append(result, approval)
		}
	}
	sortApprovals(result)
	return result
}

// Votes returns the non-zero approvals of a patch set.
func (n *Notes) Votes(patchSet int) []Approval {
	result := make([]Approval, 0)
	for _, approval := range n.ApprovalsOn(patchSet) {
		if approval.Value != 0 {
			result = append(result, approval)
		}
	}
	return result
}

// CurrentVotes returns the non-zero approvals of the current patch set.
func (n *Notes) CurrentVotes() []Approval {
	return n.Votes(n.Change.CurrentPatchSet)
}

// Approval looks up the vote of account on label for a patch set.
func (n *Notes) Approval(patchSet int, label, account string) (Approval, bool) {
	for _, approval := range n.Approvals {
		if approval.PatchSet == patchSet && strings.EqualFold(approval.Label, label) && approval.Account == account {
			return approval, true
		}
	}
	return Approval{}, false
}

// HasVoted reports whether account ever recorded a vote on the change.
func (n *Notes) HasVoted(account string) bool {
	for _, approval := range n.Approvals {
		if approval.Account == account && !approval.Copied {
			return true
		}
	}
	return false
}

func (n *Notes) putApproval(approval Approval) {
	for i := range n.Approvals {
		existing := n.Approvals[i]
		if existing.PatchSet == approval.PatchSet && strings.EqualFold(existing.Label, approval.Label) && existing.Account == approval.Account {
			n.Approvals[i] = approval
			return
		}
	}
	n.Approvals = append(n.Approvals, approval)
}

func sortApprovals(approvals []Approval) {
	sort.Slice(approvals, func(i, j int) bool {
		if approvals[i].Label != approvals[j].Label {
			return approvals[i].Label < approvals[j].Label
		}
		return approvals[i].Account < approvals[j].Account
	})
}

// Located pairs a change with one of its patch sets.
type Located struct {
	Change   Change
	PatchSet PatchSet
}

// ListFilter narrows List. Empty fields match everything.
type ListFilter struct {
	Project  string
	Branch   string
	Owner    string
	Topic    string
	Statuses []Status
}

// Reader runs read-only queries against change metadata. Bind it to a transaction with WithTx
// when the reads belong to an update.
type Reader struct {
	db      *gorm.DB
	refs    *gitstore.RefDatabase
	objects gitstore.ObjectStore
}

// NewReader constructs a Reader.
func NewReader(db *gorm.DB, objects gitstore.ObjectStore) *Reader {
	return &Reader{db: db, refs: gitstore.NewRefDatabase(db), objects: objects}
}

// WithTx binds the reader to an open transaction.
func (r *Reader) WithTx(tx *gorm.DB) *Reader {
	return &Reader{db: tx, refs: r.refs.WithTx(tx), objects: r.objects}
}

// Refs returns the ref database bound to the reader's handle.
func (r *Reader) Refs() *gitstore.RefDatabase {
	return r.refs
}

// Repository opens the object database of a project.
func (r *Reader) Repository(project string) *gitstore.Repository {
	return gitstore.NewRepository(r.objects, project)
}

// Change loads the change row.
func (r *Reader) Change(ctx context.Context, number int64) (Change, error) {
	var change Change
	err := r.db.WithContext(ctx).Where("change_number = ?", number).Take(&change).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Change{}, notFoundf(opLoadNotes, "change_not_found", "Not found: %d", number)
	}
	if err != nil {
		return Change{}, newServiceError(opLoadNotes, "change_select_failed", err)
	}
	return change, nil
}

// ChangeByKey loads a change by its Change-Id.
func (r *Reader) ChangeByKey(ctx context.Context, key string) (Change, error) {
	var change Change
	err := r.db.WithContext(ctx).Where("change_key = ?", key).Take(&change).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Change{}, notFoundf(opLoadNotes, "change_not_found", "Not found: %s", key)
	}
	if err != nil {
		return Change{}, newServiceError(opLoadNotes, "change_select_failed", err)
	}
	return change, nil
}

// Load reads the full snapshot of a change and verifies its meta ref.
func (r *Reader) Load(ctx context.Context, number int64) (*Notes, error) {
	change, err := r.Change(ctx, number)
	if err != nil {
		return nil, err
	}
	notes := &Notes{Change: change}
	if err := r.db.WithContext(ctx).Where("change_number = ?", number).Order("patch_set ASC").Find(&notes.PatchSets).Error; err != nil {
		return nil, newServiceError(opLoadNotes, "patch_set_select_failed", err)
	}
	if err := r.db.WithContext(ctx).Where("change_number = ?", number).Order("patch_set ASC").Find(&notes.Approvals).Error; err != nil {
		return nil, newServiceError(opLoadNotes, "approval_select_failed", err)
	}

	metaRef := gitstore.ChangeMetaRef(number)
	metaID, err := r.refs.Get(ctx, change.Project, metaRef)
	if err != nil {
		if errors.Is(err, gitstore.ErrRefNotFound) {
			return nil, NewError(ErrCorruptMeta, opLoadNotes, "meta_ref_missing",
				fmt.Sprintf("change %d: missing meta ref %s", number, metaRef), err)
		}
		return nil, newServiceError(opLoadNotes, "meta_ref_lookup_failed", err)
	}
	if _, err := r.Repository(change.Project).ReadCommit(ctx, metaID); err != nil {
		return nil, NewError(ErrCorruptMeta, opLoadNotes, "meta_unreadable",
			fmt.Sprintf("change %d: meta ref %s does not point to a commit: %s", number, metaRef, metaID), err)
	}
	notes.MetaID = metaID
	return notes, nil
}

// FindByCommit returns every patch set of project whose commit is id. An empty branch matches any.
func (r *Reader) FindByCommit(ctx context.Context, project, branch string, id gitstore.ObjectID) ([]Located, error) {
	var patchSets []PatchSet
	query := r.db.WithContext(ctx).
		Joins("JOIN changes ON changes.change_number = patch_sets.change_number").
		Where("patch_sets.commit_id = ? AND changes.project = ?", id.String(), project)
	if branch != "" {
		query = query.Where("changes.branch = ?", gitstore.ShortBranch(branch))
	}
	if err := query.Order("patch_sets.change_number ASC, patch_sets.patch_set ASC").Find(&patchSets).Error; err != nil {
		return nil, newServiceError(opFindByCommit, "patch_set_select_failed", err)
	}
	located := make([]Located, 0, len(patchSets))
	for _, ps := range patchSets {
		change, err := r.Change(ctx, ps.ChangeNumber)
		if err != nil {
			return nil, err
		}
		located = append(located, Located{Change: change, PatchSet: ps})
	}
	return located, nil
}

// List returns the changes matching filter ordered by most recent update.
func (r *Reader) List(ctx context.Context, filter ListFilter) ([]Change, error) {
	query := r.db.WithContext(ctx).Model(&Change{})
	if filter.Project != "" {
		query = query.Where("project = ?", filter.Project)
	}
	if filter.Branch != "" {
		query = query.Where("branch = ?", gitstore.ShortBranch(filter.Branch))
	}
	if filter.Owner != "" {
		query = query.Where("owner = ?", filter.Owner)
	}
	if filter.Topic != "" {
		query = query.Where("topic = ?", filter.Topic)
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	var result []Change
	if err := query.Order("updated_at DESC, change_number DESC").Find(&result).Error; err != nil {
		return nil, newServiceError(opListChanges, "change_select_failed", err)
	}
	return result, nil
}

// ChangeNumbers returns the numbers of every change in project, or in all projects when empty.
func (r *Reader) ChangeNumbers(ctx context.Context, project string) ([]int64, error) {
	var numbers []int64
	query := r.db.WithContext(ctx).Model(&Change{})
	if project != "" {
		query = query.Where("project = ?", project)
	}
	if err := query.Order("change_number ASC").Pluck("change_number", &numbers).Error; err != nil {
		return nil, newServiceError(opListChanges, "change_number_select_failed", err)
	}
	return numbers, nil
}

// Projects returns every project that has at least one change.
func (r *Reader) Projects(ctx context.Context) ([]string, error) {
	var projects []string
	if err := r.db.WithContext(ctx).Model(&Change{}).Distinct("project").Order("project ASC").Pluck("project", &projects).Error; err != nil {
		return nil, newServiceError(opListChanges, "project_select_failed", err)
	}
	return projects, nil
}

// Messages returns the message log of a change in chronological order.
func (r *Reader) Messages(ctx context.Context, number int64) ([]ChangeMessage, error) {
	var messages []ChangeMessage
	if err := r.db.WithContext(ctx).Where("change_number = ?", number).Order("created_at ASC, rowid ASC").Find(&messages).Error; err != nil {
		return nil, newServiceError(opListMessages, "message_select_failed", err)
	}
	return messages, nil
}
