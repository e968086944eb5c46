package changes

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/patchset/internal/gitstore"
	"github.com/MarcoPoloResearchLab/patchset/internal/permissions"
	"go.uber.org/zap"
)

const (
	opAbandon        = "changes.abandon"
	opRestore        = "changes.restore"
	opSetPrivate     = "changes.set_private"
	opSetWIP         = "changes.set_work_in_progress"
	opRevert         = "changes.revert"
	opRevertNotified = "changes.revert.notify"
)

func withComment(prefix, comment string) string {
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return prefix
	}
	return prefix + "\n\n" + comment
}

// Abandon closes an open change.
func (s *Service) Abandon(ctx context.Context, caller string, number int64, message string) (*Notes, error) {
	notes, err := s.load(ctx, caller, number)
	if err != nil {
		return nil, err
	}
	if !s.permissions.Allowed(caller, permissions.Abandon, ResourceOf(notes)) {
		return nil, authf(opAbandon, "abandon_denied", "abandon not permitted")
	}
	return s.store.Update(ctx, number, func(update *ChangeUpdate) error {
		change := update.Change()
		if change.Status != StatusNew {
			return statusConflict(opAbandon, change)
		}
		update.SetSummary("Abandon")
		update.SetStatus(StatusAbandoned)
		return update.AddMessage(ChangeMessage{
			Author:  caller,
			Message: withComment("Abandoned", message),
			Tag:     "autogenerated:abandon",
		})
	})
}

// Restore reopens an abandoned change.
func (s *Service) Restore(ctx context.Context, caller string, number int64, message string) (*Notes, error) {
	notes, err := s.load(ctx, caller, number)
	if err != nil {
		return nil, err
	}
	if !s.permissions.Allowed(caller, permissions.Abandon, ResourceOf(notes)) {
		return nil, authf(opRestore, "restore_denied", "restore not permitted")
	}
	return s.store.Update(ctx, number, func(update *ChangeUpdate) error {
		change := update.Change()
		if change.Status != StatusAbandoned {
			return statusConflict(opRestore, change)
		}
		update.SetSummary("Restore")
		update.SetStatus(StatusNew)
		return update.AddMessage(ChangeMessage{
			Author:  caller,
			Message: withComment("Restored", message),
			Tag:     "autogenerated:restore",
		})
	})
}

// SetPrivate marks or unmarks a change as private. Merged changes cannot become private.
func (s *Service) SetPrivate(ctx context.Context, caller string, number int64, private bool, message string) (*Notes, error) {
	notes, err := s.load(ctx, caller, number)
	if err != nil {
		return nil, err
	}
	if caller != notes.Change.Owner && !s.permissions.Allowed(caller, permissions.Administrate, ResourceOf(notes)) {
		return nil, authf(opSetPrivate, "set_private_denied", "not allowed to mark private")
	}
	return s.store.Update(ctx, number, func(update *ChangeUpdate) error {
		change := update.Change()
		if private && change.Status == StatusMerged {
			return conflictf(opSetPrivate, "change_merged", "change is merged")
		}
		if change.Private == private {
			return nil
		}
		update.SetSummary("Set private")
		update.SetPrivate(private)
		text := "Set private"
		if !private {
			text = "Unset private"
			update.SetSummary(text)
		}
		return update.AddMessage(ChangeMessage{
			Author:  caller,
			Message: withComment(text, message),
			Tag:     "autogenerated:set-private",
		})
	})
}

// SetWorkInProgress switches an open change between work in progress and ready for review.
func (s *Service) SetWorkInProgress(ctx context.Context, caller string, number int64, wip bool, message string) (*Notes, error) {
	notes, err := s.load(ctx, caller, number)
	if err != nil {
		return nil, err
	}
	resource := ResourceOf(notes)
	if caller != notes.Change.Owner && !s.permissions.Allowed(caller, permissions.Administrate, resource) {
		return nil, authf(opSetWIP, "set_wip_denied", "not permitted to toggle work in progress")
	}
	return s.store.Update(ctx, number, func(update *ChangeUpdate) error {
		change := update.Change()
		if !change.IsOpen() {
			return statusConflict(opSetWIP, change)
		}
		if change.WorkInProgress == wip {
			if wip {
				return conflictf(opSetWIP, "already_wip", "change is already work in progress")
			}
			return conflictf(opSetWIP, "already_ready", "change is already ready")
		}
		text := "Set Ready For Review"
		if wip {
			text = "Set Work In Progress"
		}
		update.SetSummary(text)
		update.SetWorkInProgress(wip)
		return update.AddMessage(ChangeMessage{
			Author:  caller,
			Message: withComment(text, message),
			Tag:     "autogenerated:set-wip",
		})
	})
}

// RevertInput customizes a revert.
type RevertInput struct {
	Message string `json:"message,omitempty"`
	Topic   string `json:"topic,omitempty"`
}

// Revert creates a change on the same branch that undoes the merged patch set of a change.
func (s *Service) Revert(ctx context.Context, caller string, number int64, input RevertInput) (*Notes, error) {
	notes, err := s.load(ctx, caller, number)
	if err != nil {
		return nil, err
	}
	if notes.Change.Status != StatusMerged {
		return nil, statusConflict(opRevert, notes.Change)
	}
	resource := ResourceOf(notes)
	if !s.permissions.Allowed(caller, permissions.Revert, resource) ||
		!s.permissions.Allowed(caller, permissions.CreateChange, resource) {
		return nil, authf(opRevert, "revert_denied", "revert not permitted")
	}
	profile, err := s.profile(ctx, opRevert, caller)
	if err != nil {
		return nil, err
	}

	repo := s.store.Repository(notes.Change.Project)
	reverted := notes.CurrentPatchSet()
	commit, err := repo.ReadCommit(ctx, reverted.Commit())
	if err != nil {
		return nil, newServiceError(opRevert, "commit_read_failed", err)
	}
	if commit.ParentCount() == 0 {
		return nil, conflictf(opRevert, "no_parent", "cannot revert initial commit")
	}
	parent, err := repo.ReadCommit(ctx, commit.Parent(0))
	if err != nil {
		return nil, newServiceError(opRevert, "parent_read_failed", err)
	}

	message := strings.TrimSpace(input.Message)
	if message == "" {
		message = fmt.Sprintf("Revert \"%s\"\n\nThis reverts commit %s.", commit.Subject(), commit.ID)
	}
	ident := profile.Ident(s.store.Now())
	revertID, err := repo.WriteCommit(ctx, gitstore.Commit{
		Tree:      parent.Tree,
		Parents:   []gitstore.ObjectID{commit.ID},
		Author:    ident,
		Committer: ident,
		Message:   ensureTrailingNewline(message),
	})
	if err != nil {
		return nil, newServiceError(opRevert, "commit_write_failed", err)
	}

	created, err := s.store.Create(ctx, ChangeInsert{
		Project:  notes.Change.Project,
		Branch:   notes.Change.Destination(),
		Owner:    profile.ID,
		Topic:    input.Topic,
		RevertOf: number,
		PatchSet: PatchSetInsert{
			Commit:   revertID,
			Uploader: profile.ID,
			Message:  "Uploaded patch set 1.",
			Tag:      "autogenerated:revert",
		},
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.store.Update(ctx, number, func(update *ChangeUpdate) error {
		return update.AddMessage(ChangeMessage{
			Author:  caller,
			Message: fmt.Sprintf("Created a revert of this change as %s", created.Change.Key),
			Tag:     "autogenerated:revert",
		})
	}); err != nil {
		s.logError(opRevertNotified, "message_failed", err, zap.Int64("change", number))
	}
	return created, nil
}
