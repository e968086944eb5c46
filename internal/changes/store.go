package changes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/patchset/internal/gitstore"
	"github.com/MarcoPoloResearchLab/patchset/internal/locks"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opStoreNew    = "changes.store.new"
	opUpdate      = "changes.update"
	opCreate      = "changes.create"
	defaultServer = "Patchset Server"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingObjects  = errors.New("object store is required")
	noOpLogger         = zap.NewNop()
)

// CopyResult describes what an ApprovalCopier did for one new patch set.
type CopyResult struct {
	Copied   []Approval
	Outdated []Approval
	Summary  string
}

// ApprovalCopier carries votes of the preceding patch set onto a newly inserted one.
type ApprovalCopier interface {
	CopyApprovals(update *ChangeUpdate, prior, next PatchSet) (CopyResult, error)
}

// RefUpdateListener observes committed ref transitions.
type RefUpdateListener interface {
	OnRefUpdated(update gitstore.RefUpdate)
}

// StoreConfig wires the persistence of changes.
type StoreConfig struct {
	Database    *gorm.DB
	Objects     gitstore.ObjectStore
	Locker      locks.Locker
	Copier      ApprovalCopier
	Listener    RefUpdateListener
	ServerIdent gitstore.Ident
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Store owns every write to change metadata. All writes happen inside Update or Create, which
// hold the per-change lock, run in one transaction and advance the change's meta ref.
type Store struct {
	db          *gorm.DB
	objects     gitstore.ObjectStore
	reader      *Reader
	locker      locks.Locker
	copier      ApprovalCopier
	listener    RefUpdateListener
	serverIdent gitstore.Ident
	clock       func() time.Time
	logger      *zap.Logger
}

// NewStore validates cfg and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.Objects == nil {
		return nil, newServiceError(opStoreNew, "missing_objects", errMissingObjects)
	}
	locker := cfg.Locker
	if locker == nil {
		locker = locks.NewLocal(0)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	ident := cfg.ServerIdent
	if strings.TrimSpace(ident.Name) == "" {
		ident.Name = defaultServer
	}
	return &Store{
		db:          cfg.Database,
		objects:     cfg.Objects,
		reader:      NewReader(cfg.Database, cfg.Objects),
		locker:      locker,
		copier:      cfg.Copier,
		listener:    cfg.Listener,
		serverIdent: ident,
		clock:       clock,
		logger:      logger,
	}, nil
}

// Reader returns a reader outside of any transaction.
func (s *Store) Reader() *Reader {
	return s.reader
}

// Repository opens the object database of a project.
func (s *Store) Repository(project string) *gitstore.Repository {
	return gitstore.NewRepository(s.objects, project)
}

// ServerIdent returns the identity used for server generated commits at the given time.
func (s *Store) ServerIdent(when time.Time) gitstore.Ident {
	ident := s.serverIdent
	ident.When = when.UTC()
	return ident
}

// Now returns the store clock in UTC.
func (s *Store) Now() time.Time {
	return s.clock().UTC()
}

func lockKey(number int64) string {
	return fmt.Sprintf("change/%d", number)
}

// Update runs fn against a freshly loaded change under the change lock. Everything fn writes is
// committed atomically together with a new meta commit; nothing is written when fn fails.
func (s *Store) Update(ctx context.Context, number int64, fn func(*ChangeUpdate) error) (*Notes, error) {
	release, err := s.locker.Lock(ctx, lockKey(number))
	if err != nil {
		s.logError(opUpdate, "lock_failed", err, zap.Int64("change", number))
		return nil, NewError(ErrConflict, opUpdate, "lock_failed",
			fmt.Sprintf("change %d is being updated concurrently", number), err)
	}
	defer release()

	var (
		notes   *Notes
		updates []gitstore.RefUpdate
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reader := s.reader.WithTx(tx)
		loaded, err := reader.Load(ctx, number)
		if err != nil {
			return err
		}
		update := s.newUpdate(ctx, tx, reader, loaded)
		if err := fn(update); err != nil {
			return err
		}
		if err := update.commit(); err != nil {
			return err
		}
		notes = update.notes
		updates = update.refUpdates
		return nil
	})
	if txErr != nil {
		if _, ok := IsServiceError(txErr); ok {
			return nil, txErr
		}
		s.logError(opUpdate, "transaction_failed", txErr, zap.Int64("change", number))
		return nil, newServiceError(opUpdate, "transaction_failed", txErr)
	}
	s.publish(updates)
	return notes, nil
}

// ChangeInsert describes a new change and its first patch set.
type ChangeInsert struct {
	Project        string
	Branch         string
	Owner          string
	Topic          string
	Private        bool
	WorkInProgress bool
	RevertOf       int64
	PatchSet       PatchSetInsert
	Messages       []ChangeMessage
}

// Create inserts a change with patch set 1.
func (s *Store) Create(ctx context.Context, insert ChangeInsert) (*Notes, error) {
	var (
		notes   *Notes
		updates []gitstore.RefUpdate
	)
	now := s.Now()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		change := Change{
			Key:            newChangeKey(),
			Project:        insert.Project,
			Branch:         gitstore.ShortBranch(insert.Branch),
			Owner:          insert.Owner,
			Status:         StatusNew,
			Private:        insert.Private,
			WorkInProgress: insert.WorkInProgress,
			Topic:          insert.Topic,
			RevertOf:       insert.RevertOf,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.Create(&change).Error; err != nil {
			return newServiceError(opCreate, "change_insert_failed", err)
		}
		update := s.newUpdate(ctx, tx, s.reader.WithTx(tx), &Notes{Change: change})
		update.footer("Status: " + change.Status.Label())
		if change.Private {
			update.footer("Private: true")
		}
		if change.WorkInProgress {
			update.footer("Work-in-progress: true")
		}
		if _, _, err := update.InsertPatchSet(insert.PatchSet); err != nil {
			return err
		}
		for _, message := range insert.Messages {
			if err := update.AddMessage(message); err != nil {
				return err
			}
		}
		if err := update.commit(); err != nil {
			return err
		}
		notes = update.notes
		updates = update.refUpdates
		return nil
	})
	if txErr != nil {
		if _, ok := IsServiceError(txErr); ok {
			return nil, txErr
		}
		s.logError(opCreate, "transaction_failed", txErr, zap.String("project", insert.Project))
		return nil, newServiceError(opCreate, "transaction_failed", txErr)
	}
	s.publish(updates)
	return notes, nil
}

func (s *Store) publish(updates []gitstore.RefUpdate) {
	if s.listener == nil {
		return
	}
	for _, update := range updates {
		s.listener.OnRefUpdated(update)
	}
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
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
	s.logger.Error("change store failure", allFields...)
}

func newChangeKey() string {
	return "I" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
