package changes

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/patchset/internal/gitstore"
)

// Status is the lifecycle state of a change.
type Status string

const (
	StatusNew       Status = "NEW"
	StatusMerged    Status = "MERGED"
	StatusAbandoned Status = "ABANDONED"
)

// ParseStatus resolves a status name case-insensitively.
func ParseStatus(raw string) (Status, bool) {
	switch Status(strings.ToUpper(strings.TrimSpace(raw))) {
	case StatusNew, "OPEN":
		return StatusNew, true
	case StatusMerged:
		return StatusMerged, true
	case StatusAbandoned:
		return StatusAbandoned, true
	default:
		return "", false
	}
}

// Label renders the status the way change messages spell it.
func (s Status) Label() string {
	return strings.ToLower(string(s))
}

// Change is a logical review unit.
type Change struct {
	Number          int64     `gorm:"column:change_number;primaryKey;autoIncrement" json:"number"`
	Key             string    `gorm:"column:change_key;size:64;not null;uniqueIndex" json:"change_id"`
	Project         string    `gorm:"column:project;size:190;not null;index:idx_changes_dest" json:"project"`
	Branch          string    `gorm:"column:branch;size:255;not null;index:idx_changes_dest" json:"branch"`
	Owner           string    `gorm:"column:owner;size:190;not null;index" json:"owner"`
	Status          Status    `gorm:"column:status;size:16;not null;index" json:"status"`
	Private         bool      `gorm:"column:is_private;not null;default:false" json:"is_private"`
	WorkInProgress  bool      `gorm:"column:work_in_progress;not null;default:false" json:"work_in_progress"`
	Topic           string    `gorm:"column:topic;size:255" json:"topic,omitempty"`
	Subject         string    `gorm:"column:subject;size:1024" json:"subject"`
	CurrentPatchSet int       `gorm:"column:current_patch_set;not null" json:"current_patch_set"`
	RevertOf        int64     `gorm:"column:revert_of" json:"revert_of,omitempty"`
	CreatedAt       time.Time `gorm:"column:created_at;not null" json:"created"`
	UpdatedAt       time.Time `gorm:"column:updated_at;not null" json:"updated"`
}

// TableName exposes the table backing changes.
func (Change) TableName() string {
	return "changes"
}

// IsOpen reports whether the change can still be updated.
func (c Change) IsOpen() bool {
	return c.Status == StatusNew
}

// Destination returns the full branch ref of the change.
func (c Change) Destination() string {
	return gitstore.BranchRef(c.Branch)
}

// PatchSet is one immutable revision of a change.
type PatchSet struct {
	ChangeNumber   int64     `gorm:"column:change_number;primaryKey" json:"-"`
	Number         int       `gorm:"column:patch_set;primaryKey" json:"number"`
	CommitID       string    `gorm:"column:commit_id;size:40;not null;index" json:"commit"`
	Uploader       string    `gorm:"column:uploader;size:190;not null" json:"uploader"`
	RealUploader   string    `gorm:"column:real_uploader;size:190;not null" json:"real_uploader"`
	Description    string    `gorm:"column:description;size:1024" json:"description,omitempty"`
	HasConflicts   bool      `gorm:"column:has_conflicts;not null;default:false" json:"contains_git_conflicts,omitempty"`
	ConflictBase   string    `gorm:"column:conflict_base;size:40" json:"conflict_base,omitempty"`
	ConflictOurs   string    `gorm:"column:conflict_ours;size:40" json:"conflict_ours,omitempty"`
	ConflictTheirs string    `gorm:"column:conflict_theirs;size:40" json:"conflict_theirs,omitempty"`
	CreatedAt      time.Time `gorm:"column:created_at;not null" json:"created"`
}

// TableName exposes the table backing patch sets.
func (PatchSet) TableName() string {
	return "patch_sets"
}

// Commit returns the commit id of the patch set.
func (p PatchSet) Commit() gitstore.ObjectID {
	return gitstore.ObjectID(p.CommitID)
}

// Approval is a vote on a patch set. A zero value records a deleted vote.
type Approval struct {
	ChangeNumber int64     `gorm:"column:change_number;primaryKey" json:"-"`
	PatchSet     int       `gorm:"column:patch_set;primaryKey" json:"patch_set"`
	Label        string    `gorm:"column:label;primaryKey;size:190" json:"label"`
	Account      string    `gorm:"column:account_id;primaryKey;size:190" json:"account"`
	Value        int       `gorm:"column:value;not null" json:"value"`
	Copied       bool      `gorm:"column:copied;not null;default:false" json:"copied,omitempty"`
	RealAccount  string    `gorm:"column:real_account_id;size:190" json:"real_account,omitempty"`
	Tag          string    `gorm:"column:tag;size:190" json:"tag,omitempty"`
	GrantedAt    time.Time `gorm:"column:granted_at;not null" json:"granted"`
}

// TableName exposes the table backing approvals.
func (Approval) TableName() string {
	return "approvals"
}

// ChangeMessage is an entry of a change's message log.
type ChangeMessage struct {
	ID           string    `gorm:"column:message_id;primaryKey;size:36" json:"id"`
	ChangeNumber int64     `gorm:"column:change_number;not null;index" json:"-"`
	PatchSet     int       `gorm:"column:patch_set" json:"patch_set,omitempty"`
	Author       string    `gorm:"column:author;size:190" json:"author,omitempty"`
	RealAuthor   string    `gorm:"column:real_author;size:190" json:"real_author,omitempty"`
	Message      string    `gorm:"column:message;type:text;not null" json:"message"`
	Tag          string    `gorm:"column:tag;size:190" json:"tag,omitempty"`
	CreatedAt    time.Time `gorm:"column:created_at;not null;index" json:"date"`
}

// TableName exposes the table backing change messages.
func (ChangeMessage) TableName() string {
	return "change_messages"
}

// Models lists every table owned by this package.
func Models() []any {
	return []any{&Change{}, &PatchSet{}, &Approval{}, &ChangeMessage{}}
}
