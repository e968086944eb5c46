package changes

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/patchset/internal/gitstore"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opInsertPatchSet = "changes.insert_patch_set"
	opPutApproval    = "changes.put_approval"
	opAddMessage     = "changes.add_message"
	opUpdateRef      = "changes.update_ref"
	opCommitMeta     = "changes.commit_meta"
)

// PatchSetInsert describes a patch set to append to a change.
type PatchSetInsert struct {
	Commit       gitstore.ObjectID
	Uploader     string
	RealUploader string
	Description  string
	Conflicts    *ConflictInfo
	Message      string
	Tag          string
}

// ConflictInfo records the inputs of a merge that left conflict markers behind.
type ConflictInfo struct {
	Base   gitstore.ObjectID
	Ours   gitstore.ObjectID
	Theirs gitstore.ObjectID
}

// ChangeUpdate is the mutable view of one change inside Store.Update.
type ChangeUpdate struct {
	ctx        context.Context
	tx         *gorm.DB
	reader     *Reader
	store      *Store
	notes      *Notes
	repo       *gitstore.Repository
	now        time.Time
	summary    string
	footers    []string
	dirty      bool
	refUpdates []gitstore.RefUpdate
}

func (s *Store) newUpdate(ctx context.Context, tx *gorm.DB, reader *Reader, notes *Notes) *ChangeUpdate {
	return &ChangeUpdate{
		ctx:    ctx,
		tx:     tx,
		reader: reader,
		store:  s,
		notes:  notes,
		repo:   reader.Repository(notes.Change.Project),
		now:    s.Now(),
	}
}

// Context returns the request context of the update.
func (u *ChangeUpdate) Context() context.Context {
	return u.ctx
}

// DB returns the open transaction. Reads performed during an update must go through it.
func (u *ChangeUpdate) DB() *gorm.DB {
	return u.tx
}

// Reader returns a reader bound to the update's transaction.
func (u *ChangeUpdate) Reader() *Reader {
	return u.reader
}

// Notes returns the snapshot being updated, including writes made so far.
func (u *ChangeUpdate) Notes() *Notes {
	return u.notes
}

// Change returns the change row as currently updated.
func (u *ChangeUpdate) Change() Change {
	return u.notes.Change
}

// Repository returns the object database of the change's project.
func (u *ChangeUpdate) Repository() *gitstore.Repository {
	return u.repo
}

// Now is the timestamp applied to every write of the update.
func (u *ChangeUpdate) Now() time.Time {
	return u.now
}

// ServerIdent returns the server identity stamped with the update time.
func (u *ChangeUpdate) ServerIdent() gitstore.Ident {
	return u.store.ServerIdent(u.now)
}

// SetSummary sets the subject of the meta commit.
func (u *ChangeUpdate) SetSummary(summary string) {
	u.summary = summary
}

func (u *ChangeUpdate) footer(line string) {
	u.footers = append(u.footers, line)
	u.dirty = true
}

// SetStatus moves the change to status.
func (u *ChangeUpdate) SetStatus(status Status) {
	u.notes.Change.Status = status
	u.footer("Status: " + status.Label())
}

// SetWorkInProgress toggles the work-in-progress flag.
func (u *ChangeUpdate) SetWorkInProgress(wip bool) {
	if u.notes.Change.WorkInProgress == wip {
		return
	}
	u.notes.Change.WorkInProgress = wip
	u.footer("Work-in-progress: " + strconv.FormatBool(wip))
}

// SetPrivate toggles the private flag.
func (u *ChangeUpdate) SetPrivate(private bool) {
	if u.notes.Change.Private == private {
		return
	}
	u.notes.Change.Private = private
	u.footer("Private: " + strconv.FormatBool(private))
}

// SetTopic changes the topic.
func (u *ChangeUpdate) SetTopic(topic string) {
	u.notes.Change.Topic = topic
	u.footer("Topic: " + topic)
}

// PutApproval records a vote on a patch set, replacing the previous vote of the same account on
// the same label. A zero value keeps a row that marks the vote as deleted.
func (u *ChangeUpdate) PutApproval(approval Approval) error {
	approval.ChangeNumber = u.notes.Change.Number
	if approval.PatchSet == 0 {
		approval.PatchSet = u.notes.Change.CurrentPatchSet
	}
	if approval.GrantedAt.IsZero() {
		approval.GrantedAt = u.now
	}
	if existing, ok := u.notes.Approval(approval.PatchSet, approval.Label, approval.Account); ok {
		approval.Label = existing.Label
	}
	if err := u.tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&approval).Error; err != nil {
		return newServiceError(opPutApproval, "approval_upsert_failed", err)
	}
	u.notes.putApproval(approval)
	footerKey := "Label"
	if approval.Copied {
		footerKey = "Copied-Label"
	}
	u.footer(fmt.Sprintf("%s: %s=%s %s", footerKey, approval.Label, formatValue(approval.Value), approval.Account))
	return nil
}

// AddMessage appends to the message log.
func (u *ChangeUpdate) AddMessage(message ChangeMessage) error {
	if strings.TrimSpace(message.Message) == "" {
		return nil
	}
	message.ID = uuid.NewString()
	message.ChangeNumber = u.notes.Change.Number
	if message.PatchSet == 0 {
		message.PatchSet = u.notes.Change.CurrentPatchSet
	}
	if message.RealAuthor == "" {
		message.RealAuthor = message.Author
	}
	message.CreatedAt = u.now
	if err := u.tx.Create(&message).Error; err != nil {
		return newServiceError(opAddMessage, "message_insert_failed", err)
	}
	u.dirty = true
	return nil
}

// InsertPatchSet appends a patch set, makes it current, runs the approval copier against the
// previous current patch set and posts the patch set message.
func (u *ChangeUpdate) InsertPatchSet(insert PatchSetInsert) (PatchSet, CopyResult, error) {
	commit, err := u.repo.ReadCommit(u.ctx, insert.Commit)
	if err != nil {
		return PatchSet{}, CopyResult{}, newServiceError(opInsertPatchSet, "commit_read_failed", err)
	}
	realUploader := insert.RealUploader
	if realUploader == "" {
		realUploader = insert.Uploader
	}
	hasPrior := len(u.notes.PatchSets) > 0
	prior := u.notes.CurrentPatchSet()
	next := PatchSet{
		ChangeNumber: u.notes.Change.Number,
		Number:       nextPatchSetNumber(u.notes),
		CommitID:     insert.Commit.String(),
		Uploader:     insert.Uploader,
		RealUploader: realUploader,
		Description:  insert.Description,
		CreatedAt:    u.now,
	}
	if insert.Conflicts != nil {
		next.HasConflicts = true
		next.ConflictBase = insert.Conflicts.Base.String()
		next.ConflictOurs = insert.Conflicts.Ours.String()
		next.ConflictTheirs = insert.Conflicts.Theirs.String()
	}
	if err := u.tx.Create(&next).Error; err != nil {
		return PatchSet{}, CopyResult{}, newServiceError(opInsertPatchSet, "patch_set_insert_failed", err)
	}
	if err := u.UpdateRef(gitstore.PatchSetRef(next.ChangeNumber, next.Number), gitstore.ZeroID, insert.Commit); err != nil {
		return PatchSet{}, CopyResult{}, err
	}

	u.notes.PatchSets = append(u.notes.PatchSets, next)
	u.notes.Change.CurrentPatchSet = next.Number
	u.notes.Change.Subject = commit.Subject()
	u.footer("Patch-set: " + strconv.Itoa(next.Number))
	u.footer("Commit: " + insert.Commit.String())
	if u.summary == "" {
		u.summary = fmt.Sprintf("Create patch set %d", next.Number)
	}

	var result CopyResult
	if hasPrior && u.store.copier != nil {
		result, err = u.store.copier.CopyApprovals(u, prior, next)
		if err != nil {
			return PatchSet{}, CopyResult{}, err
		}
	}

	if err := u.AddMessage(ChangeMessage{
		PatchSet:   next.Number,
		Author:     insert.Uploader,
		RealAuthor: realUploader,
		Message:    JoinMessage(insert.Message, result.Summary),
		Tag:        insert.Tag,
	}); err != nil {
		return PatchSet{}, CopyResult{}, err
	}
	return next, result, nil
}

// UpdateRef moves a ref of the change's project inside the update's transaction. The update is
// published to listeners after commit.
func (u *ChangeUpdate) UpdateRef(name string, oldID, newID gitstore.ObjectID) error {
	update, err := u.reader.Refs().CompareAndSwap(u.ctx, u.notes.Change.Project, name, oldID, newID)
	if err != nil {
		if errors.Is(err, gitstore.ErrRefLockFailure) {
			return NewError(ErrConflict, opUpdateRef, "ref_lock_failure",
				fmt.Sprintf("ref %s was updated concurrently", name), err)
		}
		return newServiceError(opUpdateRef, "ref_update_failed", err)
	}
	u.refUpdates = append(u.refUpdates, update)
	u.dirty = true
	return nil
}

func (u *ChangeUpdate) commit() error {
	if !u.dirty {
		return nil
	}
	u.notes.Change.UpdatedAt = u.now
	if err := u.tx.Save(&u.notes.Change).Error; err != nil {
		return newServiceError(opCommitMeta, "change_save_failed", err)
	}

	tree, err := u.repo.WriteTree(u.ctx, map[string]gitstore.ObjectID{})
	if err != nil {
		return newServiceError(opCommitMeta, "tree_write_failed", err)
	}
	summary := u.summary
	if summary == "" {
		summary = fmt.Sprintf("Update patch set %d", u.notes.Change.CurrentPatchSet)
	}
	message := summary + "\n"
	if len(u.footers) > 0 {
		message += "\n" + strings.Join(u.footers, "\n") + "\n"
	}
	ident := u.ServerIdent()
	metaCommit := gitstore.Commit{
		Tree:      tree,
		Author:    ident,
		Committer: ident,
		Message:   message,
	}
	if !u.notes.MetaID.IsZero() {
		metaCommit.Parents = []gitstore.ObjectID{u.notes.MetaID}
	}
	metaID, err := u.repo.WriteCommit(u.ctx, metaCommit)
	if err != nil {
		return newServiceError(opCommitMeta, "meta_commit_write_failed", err)
	}
	if err := u.UpdateRef(gitstore.ChangeMetaRef(u.notes.Change.Number), u.notes.MetaID, metaID); err != nil {
		return err
	}
	u.notes.MetaID = metaID
	return nil
}

func nextPatchSetNumber(notes *Notes) int {
	highest := 0
	for _, ps := range notes.PatchSets {
		if ps.Number > highest {
			highest = ps.Number
		}
	}
	return highest + 1
}

func formatValue(value int) string {
	if value > 0 {
		return "+" + strconv.Itoa(value)
	}
	return strconv.Itoa(value)
}

// JoinMessage appends section to message separated by a blank line.
func JoinMessage(message, section string) string {
	message = strings.TrimRight(message, " ")
	if section == "" {
		return message
	}
	if message == "" {
		return section
	}
	if strings.HasSuffix(message, "\n\n") {
		return message + section
	}
	if strings.HasSuffix(message, "\n") {
		return message + "\n" + section
	}
	return message + "\n\n" + section
}
