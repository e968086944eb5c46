// Package changestest builds a fully wired in-memory change store for tests.
package changestest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/patchset/internal/accounts"
	"github.com/MarcoPoloResearchLab/patchset/internal/approvals"
	"github.com/MarcoPoloResearchLab/patchset/internal/changekind"
	"github.com/MarcoPoloResearchLab/patchset/internal/changes"
	"github.com/MarcoPoloResearchLab/patchset/internal/database"
	"github.com/MarcoPoloResearchLab/patchset/internal/events"
	"github.com/MarcoPoloResearchLab/patchset/internal/gitstore"
	"github.com/MarcoPoloResearchLab/patchset/internal/labels"
	"github.com/MarcoPoloResearchLab/patchset/internal/permissions"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Admin is registered in every environment and holds every permission.
const Admin = "admin"

// Env groups the collaborators of a change service backed by an in-memory database.
type Env struct {
	DB          *gorm.DB
	Objects     *gitstore.InMemoryObjectStore
	Labels      *labels.Store
	Accounts    *accounts.Service
	Permissions *permissions.RuleBackend
	Classifier  *changekind.Classifier
	Copier      *approvals.Copier
	Events      *Recorder
	Dispatcher  *events.Dispatcher
	Store       *changes.Store
	Service     *changes.Service
}

// Option customizes an environment before it is wired.
type Option func(*options)

type options struct {
	rules  map[string][]string
	logger *zap.Logger
}

// WithPermissions overrides permission rules on top of the defaults.
func WithPermissions(rules map[string][]string) Option {
	return func(o *options) {
		o.rules = rules
	}
}

// WithLogger routes service logs to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New wires an environment against a private in-memory sqlite database.
func New(t testing.TB, opts ...Option) *Env {
	t.Helper()
	cfg := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	rules := map[string][]string{string(permissions.Administrate): {Admin}}
	for key, principals := range cfg.rules {
		rules[key] = principals
	}

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(database.Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	env := &Env{DB: db, Objects: gitstore.NewInMemoryObjectStore(), Events: &Recorder{}, Dispatcher: events.NewDispatcher()}
	if env.Labels, err = labels.NewStore(db); err != nil {
		t.Fatalf("failed to create label store: %v", err)
	}
	if env.Accounts, err = accounts.NewService(accounts.ServiceConfig{Database: db}); err != nil {
		t.Fatalf("failed to create account service: %v", err)
	}
	if env.Permissions, err = permissions.NewRuleBackend(rules); err != nil {
		t.Fatalf("failed to create permission backend: %v", err)
	}
	if env.Classifier, err = changekind.NewClassifier(changekind.ClassifierConfig{Logger: cfg.logger}); err != nil {
		t.Fatalf("failed to create classifier: %v", err)
	}
	if env.Copier, err = approvals.NewCopier(approvals.CopierConfig{Labels: env.Labels, Classifier: env.Classifier, Logger: cfg.logger}); err != nil {
		t.Fatalf("failed to create copier: %v", err)
	}
	if env.Store, err = changes.NewStore(changes.StoreConfig{
		Database: db,
		Objects:  env.Objects,
		Copier:   env.Copier,
		Listener: fanOut{env.Events, env.Dispatcher},
		Logger:   cfg.logger,
	}); err != nil {
		t.Fatalf("failed to create change store: %v", err)
	}
	if env.Service, err = changes.NewService(changes.ServiceConfig{
		Store:       env.Store,
		Labels:      env.Labels,
		Accounts:    env.Accounts,
		Permissions: env.Permissions,
		Logger:      cfg.logger,
	}); err != nil {
		t.Fatalf("failed to create change service: %v", err)
	}
	env.Account(t, Admin)
	return env
}

// Account registers an account whose preferred email is <id>@example.com plus any extra emails.
func (e *Env) Account(t testing.TB, id string, extraEmails ...string) accounts.Profile {
	t.Helper()
	preferred := id + "@example.com"
	profile, err := e.Accounts.Upsert(context.Background(), accounts.Account{
		ID:             id,
		FullName:       strings.ToUpper(id[:1]) + id[1:],
		PreferredEmail: preferred,
	}, append([]string{preferred}, extraEmails...)...)
	if err != nil {
		t.Fatalf("failed to register account %s: %v", id, err)
	}
	return profile
}

// Commit pushes files on top of a branch as the admin account.
func (e *Env) Commit(t testing.TB, project, branch, message string, files map[string]string, deletes ...string) gitstore.ObjectID {
	t.Helper()
	id, err := e.Service.CommitToBranch(context.Background(), Admin, changes.BranchCommitInput{
		Project: project,
		Branch:  branch,
		Message: message,
		Edits:   changes.FileEdits{Files: files, Deletes: deletes},
	})
	if err != nil {
		t.Fatalf("failed to commit to %s/%s: %v", project, branch, err)
	}
	return id
}

// CreateChange uploads a new change as owner. An empty parent bases it on the branch tip.
func (e *Env) CreateChange(t testing.TB, owner, project, branch, message, parent string, files map[string]string) *changes.Notes {
	t.Helper()
	notes, err := e.Service.CreateChange(context.Background(), owner, changes.CreateChangeInput{
		Project: project,
		Branch:  branch,
		Message: message,
		Parent:  parent,
		Edits:   changes.FileEdits{Files: files},
	})
	if err != nil {
		t.Fatalf("failed to create change: %v", err)
	}
	return notes
}

// Upload appends a patch set that overlays files on the current one.
func (e *Env) Upload(t testing.TB, caller string, number int64, input changes.UploadPatchSetInput) *changes.Notes {
	t.Helper()
	notes, err := e.Service.UploadPatchSet(context.Background(), caller, number, input)
	if err != nil {
		t.Fatalf("failed to upload patch set to change %d: %v", number, err)
	}
	return notes
}

// Vote records a single vote on the current patch set.
func (e *Env) Vote(t testing.TB, caller string, number int64, label string, value int) *changes.Notes {
	t.Helper()
	notes, err := e.Service.Review(context.Background(), caller, number, changes.ReviewInput{Labels: map[string]int{label: value}})
	if err != nil {
		t.Fatalf("failed to vote %s on change %d: %v", labels.FormatVote(label, value), number, err)
	}
	return notes
}

// Load reads a change bypassing visibility.
func (e *Env) Load(t testing.TB, number int64) *changes.Notes {
	t.Helper()
	notes, err := e.Store.Reader().Load(context.Background(), number)
	if err != nil {
		t.Fatalf("failed to load change %d: %v", number, err)
	}
	return notes
}

// Files returns the file contents of a commit.
func (e *Env) Files(t testing.TB, project string, commit gitstore.ObjectID) map[string]string {
	t.Helper()
	files, err := e.Store.Repository(project).CommitFiles(context.Background(), commit)
	if err != nil {
		t.Fatalf("failed to read files of %s: %v", commit, err)
	}
	return files
}

// ReadCommit loads a commit of project.
func (e *Env) ReadCommit(t testing.TB, project string, commit gitstore.ObjectID) *gitstore.Commit {
	t.Helper()
	loaded, err := e.Store.Repository(project).ReadCommit(context.Background(), commit)
	if err != nil {
		t.Fatalf("failed to read commit %s: %v", commit, err)
	}
	return loaded
}

// LastMessage returns the newest message of a change.
func (e *Env) LastMessage(t testing.TB, number int64) changes.ChangeMessage {
	t.Helper()
	messages, err := e.Store.Reader().Messages(context.Background(), number)
	if err != nil {
		t.Fatalf("failed to read messages of change %d: %v", number, err)
	}
	if len(messages) == 0 {
		t.Fatalf("change %d has no messages", number)
	}
	return messages[len(messages)-1]
}

// Recorder captures every committed ref update.
type Recorder struct {
	mu      sync.Mutex
	updates []gitstore.RefUpdate
}

// OnRefUpdated records update.
func (r *Recorder) OnRefUpdated(update gitstore.RefUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
}

// Updates returns the recorded updates of refs named name, or all updates when name is empty.
func (r *Recorder) Updates(name string) []gitstore.RefUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	matched := make([]gitstore.RefUpdate, 0, len(r.updates))
	for _, update := range r.updates {
		if name == "" || update.Name == name {
			matched = append(matched, update)
		}
	}
	return matched
}

// Reset forgets recorded updates.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = nil
}

type fanOut []changes.RefUpdateListener

func (f fanOut) OnRefUpdated(update gitstore.RefUpdate) {
	for _, listener := range f {
		listener.OnRefUpdated(update)
	}
}
