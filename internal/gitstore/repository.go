package gitstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Repository is the object database of a single project.
type Repository struct {
	store   ObjectStore
	project string
}

// NewRepository binds an object store to a project namespace.
func NewRepository(store ObjectStore, project string) *Repository {
	return &Repository{store: store, project: project}
}

// Project returns the project name.
func (r *Repository) Project() string {
	return r.project
}

func (r *Repository) objectKey(id ObjectID) string {
	return r.project + "/objects/" + id.String()
}

func (r *Repository) write(ctx context.Context, objectType ObjectType, value any) (ObjectID, error) {
	id, encoded, err := encodeObject(objectType, value)
	if err != nil {
		return ZeroID, err
	}
	if err := r.store.PutObject(ctx, r.objectKey(id), encoded); err != nil {
		return ZeroID, fmt.Errorf("gitstore: write %s %s: %w", objectType, id, err)
	}
	return id, nil
}

func (r *Repository) read(ctx context.Context, id ObjectID, objectType ObjectType, target any) error {
	if id.IsZero() {
		return fmt.Errorf("%w: empty id", ErrInvalidObjectID)
	}
	encoded, err := r.store.GetObject(ctx, r.objectKey(id))
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, id)
		}
		return err
	}
	return decodeObject(id, encoded, objectType, target)
}

// Has reports whether an object exists regardless of its type.
func (r *Repository) Has(ctx context.Context, id ObjectID) (bool, error) {
	if id.IsZero() {
		return false, nil
	}
	_, err := r.store.GetObject(ctx, r.objectKey(id))
	if errors.Is(err, ErrObjectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// WriteBlob stores raw file content.
func (r *Repository) WriteBlob(ctx context.Context, content []byte) (ObjectID, error) {
	return r.write(ctx, ObjectTypeBlob, content)
}

// ReadBlob loads raw file content.
func (r *Repository) ReadBlob(ctx context.Context, id ObjectID) ([]byte, error) {
	var content []byte
	if err := r.read(ctx, id, ObjectTypeBlob, &content); err != nil {
		return nil, err
	}
	return content, nil
}

// WriteTree stores a path to blob mapping.
func (r *Repository) WriteTree(ctx context.Context, entries map[string]ObjectID) (ObjectID, error) {
	if entries == nil {
		entries = map[string]ObjectID{}
	}
	return r.write(ctx, ObjectTypeTree, Tree{Entries: entries})
}

// ReadTree loads a tree.
func (r *Repository) ReadTree(ctx context.Context, id ObjectID) (Tree, error) {
	var tree Tree
	if err := r.read(ctx, id, ObjectTypeTree, &tree); err != nil {
		return Tree{}, err
	}
	if tree.Entries == nil {
		tree.Entries = map[string]ObjectID{}
	}
	tree.ID = id
	return tree, nil
}

// WriteCommit stores a commit and returns its id.
func (r *Repository) WriteCommit(ctx context.Context, commit Commit) (ObjectID, error) {
	if commit.Tree.IsZero() {
		return ZeroID, fmt.Errorf("gitstore: commit tree is required")
	}
	if commit.Parents == nil {
		commit.Parents = []ObjectID{}
	}
	return r.write(ctx, ObjectTypeCommit, commit)
}

// ReadCommit loads a commit.
func (r *Repository) ReadCommit(ctx context.Context, id ObjectID) (*Commit, error) {
	var commit Commit
	if err := r.read(ctx, id, ObjectTypeCommit, &commit); err != nil {
		return nil, err
	}
	commit.ID = id
	return &commit, nil
}

// WriteFiles stores file contents as blobs and returns the resulting tree id.
func (r *Repository) WriteFiles(ctx context.Context, files map[string]string) (ObjectID, error) {
	entries := make(map[string]ObjectID, len(files))
	for path, content := range files {
		blobID, err := r.WriteBlob(ctx, []byte(content))
		if err != nil {
			return ZeroID, err
		}
		entries[path] = blobID
	}
	return r.WriteTree(ctx, entries)
}

// ReadFiles loads every file of a tree.
func (r *Repository) ReadFiles(ctx context.Context, treeID ObjectID) (map[string]string, error) {
	tree, err := r.ReadTree(ctx, treeID)
	if err != nil {
		return nil, err
	}
	files := make(map[string]string, len(tree.Entries))
	for path, blobID := range tree.Entries {
		content, err := r.ReadBlob(ctx, blobID)
		if err != nil {
			return nil, err
		}
		files[path] = string(content)
	}
	return files, nil
}

// CommitFiles loads the files of a commit's tree.
func (r *Repository) CommitFiles(ctx context.Context, commitID ObjectID) (map[string]string, error) {
	commit, err := r.ReadCommit(ctx, commitID)
	if err != nil {
		return nil, err
	}
	return r.ReadFiles(ctx, commit.Tree)
}

// ChangedPaths returns the sorted paths whose blobs differ between two trees.
func (r *Repository) ChangedPaths(ctx context.Context, oldTree, newTree ObjectID) ([]string, error) {
	before := Tree{Entries: map[string]ObjectID{}}
	if !oldTree.IsZero() {
		loaded, err := r.ReadTree(ctx, oldTree)
		if err != nil {
			return nil, err
		}
		before = loaded
	}
	after, err := r.ReadTree(ctx, newTree)
	if err != nil {
		return nil, err
	}
	changed := make([]string, 0)
	for path, blobID := range after.Entries {
		if before.Entries[path] != blobID {
			changed = append(changed, path)
		}
	}
	for path := range before.Entries {
		if _, ok := after.Entries[path]; !ok {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

// IsAncestor reports whether ancestor is reachable from descendant. A commit is its own ancestor.
func (r *Repository) IsAncestor(ctx context.Context, ancestor, descendant ObjectID) (bool, error) {
	if ancestor.IsZero() || descendant.IsZero() {
		return false, nil
	}
	found := false
	err := r.walk(ctx, descendant, func(id ObjectID) bool {
		if id == ancestor {
			found = true
			return false
		}
		return true
	})
	return found, err
}

// MergeBase returns the nearest common ancestor of two commits, or ZeroID if the histories are unrelated.
func (r *Repository) MergeBase(ctx context.Context, first, second ObjectID) (ObjectID, error) {
	reachable := make(map[ObjectID]struct{})
	if err := r.walk(ctx, first, func(id ObjectID) bool {
		reachable[id] = struct{}{}
		return true
	}); err != nil {
		return ZeroID, err
	}
	base := ZeroID
	err := r.walk(ctx, second, func(id ObjectID) bool {
		if _, ok := reachable[id]; ok {
			base = id
			return false
		}
		return true
	})
	return base, err
}

// walk visits commits breadth first from start until visit returns false.
func (r *Repository) walk(ctx context.Context, start ObjectID, visit func(ObjectID) bool) error {
	queue := []ObjectID{start}
	seen := map[ObjectID]struct{}{start: {}}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		current := queue[0]
		queue = queue[1:]
		if !visit(current) {
			return nil
		}
		commit, err := r.ReadCommit(ctx, current)
		if err != nil {
			return err
		}
		for _, parent := range commit.Parents {
			if _, ok := seen[parent]; ok {
				continue
			}
			seen[parent] = struct{}{}
			queue = append(queue, parent)
		}
	}
	return nil
}
