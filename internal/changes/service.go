package changes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/patchset/internal/accounts"
	"github.com/MarcoPoloResearchLab/patchset/internal/gitstore"
	"github.com/MarcoPoloResearchLab/patchset/internal/labels"
	"github.com/MarcoPoloResearchLab/patchset/internal/permissions"
	"go.uber.org/zap"
)

const (
	opServiceNew     = "changes.service.new"
	opGetChange      = "changes.get"
	opCommitToBranch = "changes.commit_to_branch"
	opCreateChange   = "changes.create_change"
	opUploadPatchSet = "changes.upload_patch_set"
)

var (
	errMissingStore       = errors.New("change store is required")
	errMissingLabels      = errors.New("label store is required")
	errMissingAccounts    = errors.New("account directory is required")
	errMissingPermissions = errors.New("permission backend is required")
)

// AccountDirectory resolves account profiles.
type AccountDirectory interface {
	Get(ctx context.Context, id string) (accounts.Profile, error)
}

// ServiceConfig wires the change lifecycle service.
type ServiceConfig struct {
	Store       *Store
	Labels      *labels.Store
	Accounts    AccountDirectory
	Permissions permissions.Backend
	Logger      *zap.Logger
}

// Service implements the change lifecycle operations.
type Service struct {
	store       *Store
	labels      *labels.Store
	accounts    AccountDirectory
	permissions permissions.Backend
	submitRules *SubmitRuleRegistry
	isOperators *IsOperatorRegistry
	logger      *zap.Logger
}

// NewService validates cfg and constructs a Service with the built-in submit rules and
// is-operators registered.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Labels == nil {
		return nil, newServiceError(opServiceNew, "missing_labels", errMissingLabels)
	}
	if cfg.Accounts == nil {
		return nil, newServiceError(opServiceNew, "missing_accounts", errMissingAccounts)
	}
	if cfg.Permissions == nil {
		return nil, newServiceError(opServiceNew, "missing_permissions", errMissingPermissions)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	service := &Service{
		store:       cfg.Store,
		labels:      cfg.Labels,
		accounts:    cfg.Accounts,
		permissions: cfg.Permissions,
		submitRules: NewSubmitRuleRegistry(),
		isOperators: NewIsOperatorRegistry(),
		logger:      logger,
	}
	service.submitRules.Register(LabelFunctionRule{})
	registerBuiltinIsOperators(service.isOperators)
	return service, nil
}

// Store exposes the underlying change store.
func (s *Service) Store() *Store {
	return s.store
}

// SubmitRules exposes the submit rule registry for extensions.
func (s *Service) SubmitRules() *SubmitRuleRegistry {
	return s.submitRules
}

// IsOperators exposes the query is-operator registry for extensions.
func (s *Service) IsOperators() *IsOperatorRegistry {
	return s.isOperators
}

// ResourceOf describes a change for permission checks.
func ResourceOf(notes *Notes) permissions.Resource {
	return permissions.Resource{
		Project:  notes.Change.Project,
		Branch:   notes.Change.Destination(),
		Owner:    notes.Change.Owner,
		Uploader: notes.CurrentPatchSet().Uploader,
	}
}

// CanSee reports whether account may read the change.
func (s *Service) CanSee(account string, notes *Notes) bool {
	resource := ResourceOf(notes)
	if !s.permissions.Allowed(account, permissions.Read, resource) {
		return false
	}
	if !notes.Change.Private {
		return true
	}
	if account == notes.Change.Owner || notes.HasVoted(account) {
		return true
	}
	return s.permissions.Allowed(account, permissions.ViewPrivate, resource)
}

func (s *Service) load(ctx context.Context, caller string, number int64) (*Notes, error) {
	notes, err := s.store.Reader().Load(ctx, number)
	if err != nil {
		return nil, err
	}
	if !s.CanSee(caller, notes) {
		return nil, notFoundf(opGetChange, "change_not_visible", "Not found: %d", number)
	}
	return notes, nil
}

func (s *Service) profile(ctx context.Context, operation, account string) (accounts.Profile, error) {
	profile, err := s.accounts.Get(ctx, account)
	if err != nil {
		if errors.Is(err, accounts.ErrAccountNotFound) {
			return accounts.Profile{}, NewError(ErrAuth, operation, "unknown_account",
				fmt.Sprintf("account %s is not registered", account), err)
		}
		s.logError(operation, "account_lookup_failed", err, zap.String("account_id", account))
		return accounts.Profile{}, newServiceError(operation, "account_lookup_failed", err)
	}
	return profile, nil
}

// Get returns a visible change.
func (s *Service) Get(ctx context.Context, caller string, number int64) (*Notes, error) {
	return s.load(ctx, caller, number)
}

// Messages returns the message log of a visible change.
func (s *Service) Messages(ctx context.Context, caller string, number int64) ([]ChangeMessage, error) {
	if _, err := s.load(ctx, caller, number); err != nil {
		return nil, err
	}
	return s.store.Reader().Messages(ctx, number)
}

// FileEdits overlays content on the files of a parent commit.
type FileEdits struct {
	Files   map[string]string `json:"files,omitempty"`
	Deletes []string          `json:"deletes,omitempty"`
}

func (e FileEdits) apply(base map[string]string) map[string]string {
	result := make(map[string]string, len(base)+len(e.Files))
	for path, content := range base {
		result[path] = content
	}
	for path, content := range e.Files {
		result[path] = content
	}
	for _, path := range e.Deletes {
		delete(result, path)
	}
	return result
}

// BranchCommitInput describes a commit pushed directly to a branch.
type BranchCommitInput struct {
	Project string
	Branch  string
	Message string
	Edits   FileEdits
}

// CommitToBranch writes a commit on top of the branch tip and advances the branch, creating
// the branch when it does not exist yet.
func (s *Service) CommitToBranch(ctx context.Context, caller string, input BranchCommitInput) (gitstore.ObjectID, error) {
	project := strings.TrimSpace(input.Project)
	if project == "" || strings.TrimSpace(input.Branch) == "" {
		return gitstore.ZeroID, badRequestf(opCommitToBranch, "missing_destination", "project and branch are required")
	}
	if strings.TrimSpace(input.Message) == "" {
		return gitstore.ZeroID, badRequestf(opCommitToBranch, "missing_message", "commit message is required")
	}
	branchRef := gitstore.BranchRef(input.Branch)
	if !s.permissions.Allowed(caller, permissions.Push, permissions.Resource{Project: project, Branch: branchRef}) {
		return gitstore.ZeroID, authf(opCommitToBranch, "push_denied", "not permitted: update %s", branchRef)
	}
	profile, err := s.profile(ctx, opCommitToBranch, caller)
	if err != nil {
		return gitstore.ZeroID, err
	}

	reader := s.store.Reader()
	repo := reader.Repository(project)
	tip, err := reader.Refs().Get(ctx, project, branchRef)
	if err != nil && !errors.Is(err, gitstore.ErrRefNotFound) {
		return gitstore.ZeroID, newServiceError(opCommitToBranch, "branch_lookup_failed", err)
	}
	base := map[string]string{}
	var parents []gitstore.ObjectID
	if !tip.IsZero() {
		base, err = repo.CommitFiles(ctx, tip)
		if err != nil {
			return gitstore.ZeroID, newServiceError(opCommitToBranch, "tip_read_failed", err)
		}
		parents = []gitstore.ObjectID{tip}
	}
	commitID, err := writeCommit(ctx, repo, input.Edits.apply(base), parents, profile.Ident(s.store.Now()), input.Message)
	if err != nil {
		return gitstore.ZeroID, newServiceError(opCommitToBranch, "commit_write_failed", err)
	}
	update, err := reader.Refs().CompareAndSwap(ctx, project, branchRef, tip, commitID)
	if err != nil {
		if errors.Is(err, gitstore.ErrRefLockFailure) {
			return gitstore.ZeroID, NewError(ErrConflict, opCommitToBranch, "ref_lock_failure",
				fmt.Sprintf("ref %s was updated concurrently", branchRef), err)
		}
		return gitstore.ZeroID, newServiceError(opCommitToBranch, "ref_update_failed", err)
	}
	s.store.publish([]gitstore.RefUpdate{update})
	return commitID, nil
}

func writeCommit(ctx context.Context, repo *gitstore.Repository, files map[string]string, parents []gitstore.ObjectID, ident gitstore.Ident, message string) (gitstore.ObjectID, error) {
	tree, err := repo.WriteFiles(ctx, files)
	if err != nil {
		return gitstore.ZeroID, err
	}
	return repo.WriteCommit(ctx, gitstore.Commit{
		Tree:      tree,
		Parents:   parents,
		Author:    ident,
		Committer: ident,
		Message:   ensureTrailingNewline(message),
	})
}

func ensureTrailingNewline(message string) string {
	if strings.HasSuffix(message, "\n") {
		return message
	}
	return message + "\n"
}

// CreateChangeInput describes a new change.
type CreateChangeInput struct {
	Project        string    `json:"project"`
	Branch         string    `json:"branch"`
	Message        string    `json:"message"`
	Parent         string    `json:"parent,omitempty"`
	Topic          string    `json:"topic,omitempty"`
	WorkInProgress bool      `json:"work_in_progress,omitempty"`
	Private        bool      `json:"is_private,omitempty"`
	Edits          FileEdits `json:"edits"`
}

// CreateChange uploads a commit for review as patch set 1 of a new change. Without an explicit
// parent the commit is based on the branch tip.
func (s *Service) CreateChange(ctx context.Context, caller string, input CreateChangeInput) (*Notes, error) {
	project := strings.TrimSpace(input.Project)
	if project == "" || strings.TrimSpace(input.Branch) == "" {
		return nil, badRequestf(opCreateChange, "missing_destination", "project and branch are required")
	}
	if strings.TrimSpace(input.Message) == "" {
		return nil, badRequestf(opCreateChange, "missing_message", "commit message is required")
	}
	branchRef := gitstore.BranchRef(input.Branch)
	resource := permissions.Resource{Project: project, Branch: branchRef}
	if !s.permissions.Allowed(caller, permissions.CreateChange, resource) {
		return nil, authf(opCreateChange, "create_denied", "not permitted: create change on %s", branchRef)
	}
	profile, err := s.profile(ctx, opCreateChange, caller)
	if err != nil {
		return nil, err
	}

	reader := s.store.Reader()
	repo := reader.Repository(project)
	parent, err := s.resolveParent(ctx, reader, project, branchRef, input.Parent, opCreateChange)
	if err != nil {
		return nil, err
	}
	base := map[string]string{}
	var parents []gitstore.ObjectID
	if !parent.IsZero() {
		if base, err = repo.CommitFiles(ctx, parent); err != nil {
			return nil, newServiceError(opCreateChange, "parent_read_failed", err)
		}
		parents = []gitstore.ObjectID{parent}
	}
	commitID, err := writeCommit(ctx, repo, input.Edits.apply(base), parents, profile.Ident(s.store.Now()), input.Message)
	if err != nil {
		return nil, newServiceError(opCreateChange, "commit_write_failed", err)
	}
	return s.store.Create(ctx, ChangeInsert{
		Project:        project,
		Branch:         branchRef,
		Owner:          profile.ID,
		Topic:          input.Topic,
		Private:        input.Private,
		WorkInProgress: input.WorkInProgress,
		PatchSet: PatchSetInsert{
			Commit:   commitID,
			Uploader: profile.ID,
			Message:  "Uploaded patch set 1.",
			Tag:      "autogenerated:upload",
		},
	})
}

func (s *Service) resolveParent(ctx context.Context, reader *Reader, project, branchRef, raw, operation string) (gitstore.ObjectID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		tip, err := reader.Refs().Get(ctx, project, branchRef)
		if errors.Is(err, gitstore.ErrRefNotFound) {
			return gitstore.ZeroID, nil
		}
		if err != nil {
			return gitstore.ZeroID, newServiceError(operation, "branch_lookup_failed", err)
		}
		return tip, nil
	}
	parent, err := gitstore.ParseObjectID(raw)
	if err != nil {
		return gitstore.ZeroID, NewError(ErrBadRequest, operation, "invalid_parent", fmt.Sprintf("invalid parent commit: %s", raw), err)
	}
	exists, err := reader.Repository(project).Has(ctx, parent)
	if err != nil {
		return gitstore.ZeroID, newServiceError(operation, "parent_lookup_failed", err)
	}
	if !exists {
		return gitstore.ZeroID, NewError(ErrUnprocessable, operation, "parent_missing", fmt.Sprintf("parent commit %s not found", raw), nil)
	}
	return parent, nil
}

// UploadPatchSetInput describes a new revision of an existing change. Empty fields keep the
// values of the current patch set.
type UploadPatchSetInput struct {
	Message     string    `json:"message,omitempty"`
	Parent      string    `json:"parent,omitempty"`
	Description string    `json:"description,omitempty"`
	Edits       FileEdits `json:"edits"`
}

// UploadPatchSet appends a patch set derived from the current one. Sticky votes are copied.
func (s *Service) UploadPatchSet(ctx context.Context, caller string, number int64, input UploadPatchSetInput) (*Notes, error) {
	notes, err := s.load(ctx, caller, number)
	if err != nil {
		return nil, err
	}
	if !s.permissions.Allowed(caller, permissions.AddPatchSet, ResourceOf(notes)) {
		return nil, authf(opUploadPatchSet, "add_patch_set_denied", "not permitted: add patch set to change %d", number)
	}
	profile, err := s.profile(ctx, opUploadPatchSet, caller)
	if err != nil {
		return nil, err
	}
	var parent gitstore.ObjectID
	if strings.TrimSpace(input.Parent) != "" {
		if parent, err = s.resolveParent(ctx, s.store.Reader(), notes.Change.Project, notes.Change.Destination(), input.Parent, opUploadPatchSet); err != nil {
			return nil, err
		}
	}

	return s.store.Update(ctx, number, func(update *ChangeUpdate) error {
		change := update.Change()
		if !change.IsOpen() {
			return conflictf(opUploadPatchSet, "change_closed", "change %d closed", number)
		}
		repo := update.Repository()
		current, err := repo.ReadCommit(update.Context(), update.Notes().CurrentPatchSet().Commit())
		if err != nil {
			return newServiceError(opUploadPatchSet, "current_commit_read_failed", err)
		}
		files, err := repo.ReadFiles(update.Context(), current.Tree)
		if err != nil {
			return newServiceError(opUploadPatchSet, "current_tree_read_failed", err)
		}
		parents := current.Parents
		if !parent.IsZero() {
			parents = append([]gitstore.ObjectID{parent}, current.Parents[min(1, len(current.Parents)):]...)
		}
		message := input.Message
		if strings.TrimSpace(message) == "" {
			message = current.Message
		}
		committer := profile.Ident(update.Now())
		tree, err := repo.WriteFiles(update.Context(), input.Edits.apply(files))
		if err != nil {
			return newServiceError(opUploadPatchSet, "tree_write_failed", err)
		}
		commitID, err := repo.WriteCommit(update.Context(), gitstore.Commit{
			Tree:      tree,
			Parents:   parents,
			Author:    current.Author,
			Committer: committer,
			Message:   ensureTrailingNewline(message),
		})
		if err != nil {
			return newServiceError(opUploadPatchSet, "commit_write_failed", err)
		}
		next := nextPatchSetNumber(update.Notes())
		_, _, err = update.InsertPatchSet(PatchSetInsert{
			Commit:      commitID,
			Uploader:    profile.ID,
			Description: input.Description,
			Message:     fmt.Sprintf("Uploaded patch set %d.", next),
			Tag:         "autogenerated:upload",
		})
		return err
	})
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	if s.logger == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}, fields...)
	if err != nil {
		allFields = append(allFields, zap.Error(err))
	}
	s.logger.Error("change service failure", allFields...)
}

func statusConflict(operation string, change Change) error {
	return conflictf(operation, "invalid_status", "change is %s", change.Status.Label())
}
