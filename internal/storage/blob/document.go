package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/steveyegge/streambed/internal/storage"
	"github.com/steveyegge/streambed/internal/types"
)

// DocumentStore persists object documents as JSON files with hash-based
// optimistic concurrency (the filesystem has no etag of its own).
type DocumentStore struct {
	root       string
	streamType string
	chunks     types.StreamChunkSettings
}

// NewDocumentStore creates a blob document store rooted at dir; documents
// it creates point at streams of the given type.
func NewDocumentStore(dir, streamType string, chunks types.StreamChunkSettings) *DocumentStore {
	return &DocumentStore{root: dir, streamType: streamType, chunks: chunks}
}

func (s *DocumentStore) path(objectName, objectID string) string {
	return filepath.Join(s.root, strings.ToLower(objectName), "document", objectID+".json")
}

func (s *DocumentStore) load(objectName, objectID string) (*types.ObjectDocument, error) {
	data, err := os.ReadFile(s.path(objectName, objectID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("document %s/%s: %w", objectName, objectID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var doc types.ObjectDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("document %s/%s: %w: %v", objectName, objectID, storage.ErrSerialization, err)
	}
	return &doc, nil
}

func (s *DocumentStore) write(doc *types.ObjectDocument) error {
	path := s.path(doc.ObjectName, doc.ObjectID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("document %s/%s: %w: %v", doc.ObjectName, doc.ObjectID, storage.ErrSerialization, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".document-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Get implements storage.ObjectDocumentStore.
func (s *DocumentStore) Get(ctx context.Context, objectName, objectID string) (*types.ObjectDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.load(objectName, objectID)
}

// GetOrCreate implements storage.ObjectDocumentStore. The derived stream
// identifier is deterministic, so racing first-creates write the same
// document and converge.
func (s *DocumentStore) GetOrCreate(ctx context.Context, objectName, objectID string) (*types.ObjectDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := s.load(objectName, objectID)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	doc = types.NewObjectDocument(objectName, objectID, s.streamType, s.chunks)
	if err := doc.Rehash(); err != nil {
		return nil, err
	}
	if err := s.write(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Set implements storage.ObjectDocumentStore. The caller's Hash must match
// the stored document's hash; the stored hash is then recomputed from the
// new content.
func (s *DocumentStore) Set(ctx context.Context, doc *types.ObjectDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	current, err := s.load(doc.ObjectName, doc.ObjectID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if current != nil && current.Hash != doc.Hash {
		return fmt.Errorf("document %s/%s: %w", doc.ObjectName, doc.ObjectID, storage.ErrConcurrency)
	}
	if err := doc.Rehash(); err != nil {
		return err
	}
	return s.write(doc)
}

// TagStore is a filesystem reverse index. Writes are read-modify-write on
// one JSON file per tag; reads may be stale relative to an in-flight
// writer, which the tag-store contract allows.
type TagStore struct {
	root string
	kind string // "doc" or "stream"
}

// NewDocumentTagStore creates a document-tag index rooted at dir.
func NewDocumentTagStore(dir string) *TagStore { return &TagStore{root: dir, kind: "doc"} }

// NewStreamTagStore creates a stream-tag index rooted at dir.
func NewStreamTagStore(dir string) *TagStore { return &TagStore{root: dir, kind: "stream"} }

func (s *TagStore) path(objectName, tag string) string {
	return filepath.Join(s.root, strings.ToLower(objectName), "tags", s.kind, tag+".json")
}

func (s *TagStore) read(objectName, tag string) ([]string, error) {
	data, err := os.ReadFile(s.path(objectName, tag))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("tag %s: %w: %v", tag, storage.ErrSerialization, err)
	}
	return ids, nil
}

func (s *TagStore) writeIDs(objectName, tag string, ids []string) error {
	path := s.path(objectName, tag)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// SetTag implements the tag-store contract; duplicates are ignored.
func (s *TagStore) SetTag(ctx context.Context, objectName, tag, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ids, err := s.read(objectName, tag)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	return s.writeIDs(objectName, tag, append(ids, id))
}

// RemoveTag implements the tag-store contract; removing an absent pair is
// a no-op.
func (s *TagStore) RemoveTag(ctx context.Context, objectName, tag, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ids, err := s.read(objectName, tag)
	if err != nil {
		return err
	}
	for i, existing := range ids {
		if existing == id {
			return s.writeIDs(objectName, tag, append(ids[:i:i], ids[i+1:]...))
		}
	}
	return nil
}

// GetFirstByTag implements the tag-store contract.
func (s *TagStore) GetFirstByTag(ctx context.Context, objectName, tag string) (string, error) {
	ids, err := s.GetByTag(ctx, objectName, tag)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("tag %s on %s: %w", tag, objectName, storage.ErrNotFound)
	}
	return ids[0], nil
}

// GetByTag implements the tag-store contract.
func (s *TagStore) GetByTag(ctx context.Context, objectName, tag string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.read(objectName, tag)
}
