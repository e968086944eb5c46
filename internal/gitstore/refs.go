package gitstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
)

const branchRefPrefix = "refs/heads/"

var (
	// ErrRefNotFound indicates the ref does not exist.
	ErrRefNotFound = errors.New("gitstore: ref not found")
	// ErrRefLockFailure indicates a compare-and-swap lost a race.
	ErrRefLockFailure = errors.New("gitstore: ref changed concurrently")
)

// Ref is a named pointer to an object inside a project.
type Ref struct {
	Project   string    `gorm:"column:project;primaryKey;size:190;not null"`
	Name      string    `gorm:"column:name;primaryKey;size:255;not null"`
	Target    string    `gorm:"column:target;size:40;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing refs.
func (Ref) TableName() string {
	return "refs"
}

// RefUpdate describes a single successful ref transition.
type RefUpdate struct {
	Project string
	Name    string
	OldID   ObjectID
	NewID   ObjectID
}

// BranchRef returns the full ref name for a branch.
func BranchRef(branch string) string {
	if strings.HasPrefix(branch, branchRefPrefix) {
		return branch
	}
	return branchRefPrefix + branch
}

// ShortBranch strips the refs/heads/ prefix.
func ShortBranch(ref string) string {
	return strings.TrimPrefix(ref, branchRefPrefix)
}

// ChangeMetaRef returns the metadata ref of a change.
func ChangeMetaRef(changeNumber int64) string {
	return fmt.Sprintf("refs/changes/%02d/%d/meta", changeNumber%100, changeNumber)
}

// PatchSetRef returns the ref holding a patch set commit.
func PatchSetRef(changeNumber int64, patchSet int) string {
	return fmt.Sprintf("refs/changes/%02d/%d/%d", changeNumber%100, changeNumber, patchSet)
}

// ParsePatchSetRef extracts the change and patch set numbers from a patch set ref.
func ParsePatchSetRef(ref string) (int64, int, bool) {
	parts := strings.Split(strings.TrimPrefix(ref, "refs/changes/"), "/")
	if !strings.HasPrefix(ref, "refs/changes/") || len(parts) != 3 {
		return 0, 0, false
	}
	changeNumber, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || changeNumber <= 0 || fmt.Sprintf("%02d", changeNumber%100) != parts[0] {
		return 0, 0, false
	}
	patchSet, err := strconv.Atoi(parts[2])
	if err != nil || patchSet <= 0 {
		return 0, 0, false
	}
	return changeNumber, patchSet, true
}

// RefDatabase stores refs in SQL with compare-and-swap semantics.
type RefDatabase struct {
	db *gorm.DB
}

// NewRefDatabase constructs a ref database.
func NewRefDatabase(db *gorm.DB) *RefDatabase {
	return &RefDatabase{db: db}
}

// WithTx returns a view bound to an open transaction.
func (r *RefDatabase) WithTx(tx *gorm.DB) *RefDatabase {
	return &RefDatabase{db: tx}
}

// Get resolves a ref.
func (r *RefDatabase) Get(ctx context.Context, project, name string) (ObjectID, error) {
	var ref Ref
	err := r.db.WithContext(ctx).Where("project = ? AND name = ?", project, name).Take(&ref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ZeroID, fmt.Errorf("%w: %s %s", ErrRefNotFound, project, name)
	}
	if err != nil {
		return ZeroID, err
	}
	return ObjectID(ref.Target), nil
}

// CompareAndSwap moves a ref from oldID to newID. A zero oldID requires the ref to be absent.
func (r *RefDatabase) CompareAndSwap(ctx context.Context, project, name string, oldID, newID ObjectID) (RefUpdate, error) {
	if newID.IsZero() {
		return RefUpdate{}, fmt.Errorf("%w: new target is required", ErrInvalidObjectID)
	}
	update := RefUpdate{Project: project, Name: name, OldID: oldID, NewID: newID}
	db := r.db.WithContext(ctx)
	if oldID.IsZero() {
		var count int64
		if err := db.Model(&Ref{}).Where("project = ? AND name = ?", project, name).Count(&count).Error; err != nil {
			return RefUpdate{}, err
		}
		if count > 0 {
			return RefUpdate{}, fmt.Errorf("%w: %s already exists", ErrRefLockFailure, name)
		}
		if err := db.Create(&Ref{Project: project, Name: name, Target: newID.String()}).Error; err != nil {
			return RefUpdate{}, err
		}
		return update, nil
	}
	result := db.Model(&Ref{}).
		Where("project = ? AND name = ? AND target = ?", project, name, oldID.String()).
		Updates(map[string]any{"target": newID.String(), "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return RefUpdate{}, result.Error
	}
	if result.RowsAffected == 0 {
		return RefUpdate{}, fmt.Errorf("%w: %s", ErrRefLockFailure, name)
	}
	return update, nil
}

// ForceUpdate points a ref at newID regardless of its current value.
func (r *RefDatabase) ForceUpdate(ctx context.Context, project, name string, newID ObjectID) (RefUpdate, error) {
	current, err := r.Get(ctx, project, name)
	if err != nil && !errors.Is(err, ErrRefNotFound) {
		return RefUpdate{}, err
	}
	return r.CompareAndSwap(ctx, project, name, current, newID)
}

// List returns the refs of a project whose names start with prefix.
func (r *RefDatabase) List(ctx context.Context, project, prefix string) ([]Ref, error) {
	var refs []Ref
	err := r.db.WithContext(ctx).
		Where("project = ? AND name LIKE ?", project, prefix+"%").
		Order("name ASC").
		Find(&refs).Error
	return refs, err
}

// Projects returns every project that owns at least one ref.
func (r *RefDatabase) Projects(ctx context.Context) ([]string, error) {
	var projects []string
	err := r.db.WithContext(ctx).Model(&Ref{}).Distinct("project").Order("project ASC").Pluck("project", &projects).Error
	return projects, err
}
