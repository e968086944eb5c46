package gitstore

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	objectIDLength = 40
	abbrevLength   = 7
)

var (
	// ErrInvalidObjectID indicates a malformed object identifier.
	ErrInvalidObjectID = errors.New("gitstore: invalid object id")
	// ErrObjectNotFound indicates the object database has no entry for the id.
	ErrObjectNotFound = errors.New("gitstore: object not found")
	// ErrUnexpectedObjectType indicates an object was read as the wrong type.
	ErrUnexpectedObjectType = errors.New("gitstore: unexpected object type")
)

// ObjectID is the hex encoded SHA-1 of an object's canonical encoding.
type ObjectID string

// ZeroID is the absent object id.
const ZeroID ObjectID = ""

// ParseObjectID validates a 40 character lowercase hex id.
func ParseObjectID(raw string) (ObjectID, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if len(trimmed) != objectIDLength {
		return ZeroID, fmt.Errorf("%w: %q", ErrInvalidObjectID, raw)
	}
	if _, err := hex.DecodeString(trimmed); err != nil {
		return ZeroID, fmt.Errorf("%w: %q", ErrInvalidObjectID, raw)
	}
	return ObjectID(trimmed), nil
}

// String returns the full hex id.
func (id ObjectID) String() string {
	return string(id)
}

// Abbrev returns the short form used in human readable output.
func (id ObjectID) Abbrev() string {
	if len(id) <= abbrevLength {
		return string(id)
	}
	return string(id[:abbrevLength])
}

// IsZero reports whether the id is unset.
func (id ObjectID) IsZero() bool {
	return id == ZeroID
}

// ObjectType names the kind of a stored object.
type ObjectType string

const (
	ObjectTypeBlob   ObjectType = "blob"
	ObjectTypeTree   ObjectType = "tree"
	ObjectTypeCommit ObjectType = "commit"
)

// Ident is an author or committer identity.
type Ident struct {
	Name  string    `json:"name"`
	Email string    `json:"email"`
	When  time.Time `json:"when"`
}

// String renders the identity as "Name <email>".
func (i Ident) String() string {
	return fmt.Sprintf("%s <%s>", i.Name, i.Email)
}

// SameAs compares name and email while ignoring the timestamp.
func (i Ident) SameAs(other Ident) bool {
	return i.Name == other.Name && i.Email == other.Email
}

// Commit is an immutable snapshot pointing at a tree and its parents.
type Commit struct {
	ID        ObjectID   `json:"-"`
	Tree      ObjectID   `json:"tree"`
	Parents   []ObjectID `json:"parents"`
	Author    Ident      `json:"author"`
	Committer Ident      `json:"committer"`
	Message   string     `json:"message"`
}

// Subject returns the first line of the commit message.
func (c *Commit) Subject() string {
	subject, _, _ := strings.Cut(c.Message, "\n")
	return strings.TrimSpace(subject)
}

// ParentCount returns the number of parents.
func (c *Commit) ParentCount() int {
	return len(c.Parents)
}

// Parent returns the parent at index or ZeroID when out of range.
func (c *Commit) Parent(index int) ObjectID {
	if index < 0 || index >= len(c.Parents) {
		return ZeroID
	}
	return c.Parents[index]
}

// IsMerge reports whether the commit has more than one parent.
func (c *Commit) IsMerge() bool {
	return len(c.Parents) > 1
}

// Tree maps file paths to blob ids.
type Tree struct {
	ID      ObjectID            `json:"-"`
	Entries map[string]ObjectID `json:"entries"`
}

// Paths returns the tree's paths in sorted order.
func (t Tree) Paths() []string {
	paths := make([]string, 0, len(t.Entries))
	for path := range t.Entries {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

type objectEnvelope struct {
	Type ObjectType      `json:"type"`
	Data json.RawMessage `json:"data"`
}

func encodeObject(objectType ObjectType, value any) (ObjectID, []byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return ZeroID, nil, err
	}
	encoded, err := json.Marshal(objectEnvelope{Type: objectType, Data: data})
	if err != nil {
		return ZeroID, nil, err
	}
	sum := sha1.Sum(encoded)
	return ObjectID(hex.EncodeToString(sum[:])), encoded, nil
}

func decodeObject(id ObjectID, encoded []byte, want ObjectType, target any) error {
	var envelope objectEnvelope
	if err := json.Unmarshal(encoded, &envelope); err != nil {
		return fmt.Errorf("gitstore: decode object %s: %w", id, err)
	}
	if envelope.Type != want {
		return fmt.Errorf("%w: %s is a %s, expected %s", ErrUnexpectedObjectType, id, envelope.Type, want)
	}
	if err := json.Unmarshal(envelope.Data, target); err != nil {
		return fmt.Errorf("gitstore: decode %s %s: %w", want, id, err)
	}
	return nil
}
