// Package memory provides in-memory implementations of every store
// contract. It is concurrency-safe and intended for tests, prototypes and
// as the reference semantics the blob and table backends are checked
// against. Nothing survives process restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/steveyegge/streambed/internal/storage"
	"github.com/steveyegge/streambed/internal/types"
)

// DataStore is an in-memory event store keyed by stream identifier.
type DataStore struct {
	mu      sync.RWMutex
	streams map[string][]storage.Recorded
	now     func() time.Time
}

// NewDataStore creates an empty in-memory data store.
func NewDataStore() *DataStore {
	return &DataStore{
		streams: make(map[string][]storage.Recorded),
		now:     time.Now,
	}
}

// Append implements storage.DataStore.
func (s *DataStore) Append(ctx context.Context, doc *types.ObjectDocument, opts storage.AppendOptions, events []storage.Recorded) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	streamID := doc.Active.StreamID
	seq := s.streams[streamID]
	next := int64(len(seq))
	for i := range events {
		if events[i].Event.Version == types.LatestVersion {
			return fmt.Errorf("append %s: persisted LATEST sentinel: %w", streamID, storage.ErrStreamIntegrity)
		}
		if events[i].Event.Version != next+int64(i) {
			return fmt.Errorf("append %s: want version %d, got %d: %w",
				streamID, next+int64(i), events[i].Event.Version, storage.ErrConcurrency)
		}
	}
	// Roll the document's chunk layout before accepting the batch so the
	// caller persists a layout that matches what was written.
	if _, err := types.PlanAppend(&doc.Active, next, len(events)); err != nil {
		return fmt.Errorf("append %s: %w", streamID, storage.ErrDocumentConfiguration)
	}
	stamped := make([]storage.Recorded, len(events))
	copy(stamped, events)
	for i := range stamped {
		if !opts.PreserveTimestamps || stamped[i].StoredAt.IsZero() {
			stamped[i].StoredAt = s.now()
		}
	}
	s.streams[streamID] = append(seq, stamped...)
	return nil
}

// Read implements storage.DataStore. A nil result means the stream has
// never been written.
func (s *DataStore) Read(ctx context.Context, doc *types.ObjectDocument, opts storage.ReadOptions) ([]storage.Recorded, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq, ok := s.streams[doc.Active.StreamID]
	if !ok {
		return nil, nil
	}
	return sliceRange(seq, doc, opts), nil
}

// ReadStream implements storage.DataStore with a cursor over a stable copy
// of the range.
func (s *DataStore) ReadStream(ctx context.Context, doc *types.ObjectDocument, opts storage.ReadOptions) (storage.Cursor, error) {
	recs, err := s.Read(ctx, doc, opts)
	if err != nil {
		return nil, err
	}
	return &sliceCursor{recs: recs, idx: -1}, nil
}

func sliceRange(seq []storage.Recorded, doc *types.ObjectDocument, opts storage.ReadOptions) []storage.Recorded {
	start := opts.StartVersion
	if start < 0 {
		start = 0
	}
	until := opts.UntilVersion
	if until < 0 || until >= int64(len(seq)) {
		until = int64(len(seq)) - 1
	}
	if opts.Chunk >= 0 {
		c, ok := chunkByID(doc.Active.StreamChunks, opts.Chunk)
		if !ok {
			return []storage.Recorded{}
		}
		if c.FirstVersion > start {
			start = c.FirstVersion
		}
		if !c.IsOpen() && c.LastVersion < until {
			until = c.LastVersion
		}
	}
	if start > until {
		return []storage.Recorded{}
	}
	out := make([]storage.Recorded, until-start+1)
	copy(out, seq[start:until+1])
	return out
}

func chunkByID(chunks []types.StreamChunk, id int) (types.StreamChunk, bool) {
	for _, c := range chunks {
		if c.ChunkID == id {
			return c, true
		}
	}
	return types.StreamChunk{}, false
}

type sliceCursor struct {
	recs []storage.Recorded
	idx  int
}

func (c *sliceCursor) Next() bool {
	if c.idx+1 >= len(c.recs) {
		return false
	}
	c.idx++
	return true
}

func (c *sliceCursor) Record() storage.Recorded { return c.recs[c.idx] }
func (c *sliceCursor) Err() error               { return nil }
func (c *sliceCursor) Close() error             { return nil }

// SnapshotStore is an in-memory snapshot store.
type SnapshotStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	meta  map[string]types.SnapshotMetadata
}

// NewSnapshotStore creates an empty in-memory snapshot store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{
		blobs: make(map[string][]byte),
		meta:  make(map[string]types.SnapshotMetadata),
	}
}

func snapshotKey(doc *types.ObjectDocument, version int64, name string) string {
	key := fmt.Sprintf("%s-%020d", doc.Active.StreamID, version)
	if name != "" {
		key += "_" + name
	}
	return key
}

// Set implements storage.SnapshotStore; it overwrites idempotently.
func (s *SnapshotStore) Set(ctx context.Context, doc *types.ObjectDocument, version int64, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := snapshotKey(doc, version, name)
	buf := make([]byte, len(data))
	copy(buf, data)
	s.blobs[key] = buf
	s.meta[key] = types.SnapshotMetadata{
		Version:   version,
		CreatedAt: time.Now(),
		Name:      name,
		SizeBytes: int64(len(data)),
	}
	return nil
}

// Get implements storage.SnapshotStore.
func (s *SnapshotStore) Get(ctx context.Context, doc *types.ObjectDocument, version int64, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[snapshotKey(doc, version, name)]
	if !ok {
		return nil, fmt.Errorf("snapshot %s@%d: %w", doc.Active.StreamID, version, storage.ErrNotFound)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// List implements storage.SnapshotStore, sorted by version descending.
func (s *SnapshotStore) List(ctx context.Context, doc *types.ObjectDocument) ([]types.SnapshotMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := doc.Active.StreamID + "-"
	var out []types.SnapshotMetadata
	for key, m := range s.meta {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

// Delete implements storage.SnapshotStore; deleting a missing snapshot
// returns false without error.
func (s *SnapshotStore) Delete(ctx context.Context, doc *types.ObjectDocument, version int64, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := snapshotKey(doc, version, name)
	if _, ok := s.blobs[key]; !ok {
		return false, nil
	}
	delete(s.blobs, key)
	delete(s.meta, key)
	return true, nil
}

// DeleteMany implements storage.SnapshotStore.
func (s *SnapshotStore) DeleteMany(ctx context.Context, doc *types.ObjectDocument, versions []int64) (int, error) {
	count := 0
	for _, v := range versions {
		ok, err := s.Delete(ctx, doc, v, "")
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

// DocumentStore is an in-memory ObjectDocumentStore with hash-based
// optimistic concurrency.
type DocumentStore struct {
	mu         sync.Mutex
	docs       map[string]*types.ObjectDocument
	streamType string
	chunks     types.StreamChunkSettings
}

// NewDocumentStore creates an empty document store whose created documents
// point at streams of the given type.
func NewDocumentStore(streamType string, chunks types.StreamChunkSettings) *DocumentStore {
	return &DocumentStore{
		docs:       make(map[string]*types.ObjectDocument),
		streamType: streamType,
		chunks:     chunks,
	}
}

func docKey(objectName, objectID string) string {
	// Lower-cased name for partition keying; the stored document keeps
	// the original casing.
	return fmt.Sprintf("%s/%s", strings.ToLower(objectName), objectID)
}

func cloneDocument(doc *types.ObjectDocument) *types.ObjectDocument {
	clone := *doc
	clone.Active.StreamChunks = append([]types.StreamChunk(nil), doc.Active.StreamChunks...)
	clone.TerminatedStreams = append([]types.TerminatedStream(nil), doc.TerminatedStreams...)
	return &clone
}

// Get implements storage.ObjectDocumentStore.
func (s *DocumentStore) Get(ctx context.Context, objectName, objectID string) (*types.ObjectDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docKey(objectName, objectID)]
	if !ok {
		return nil, fmt.Errorf("document %s/%s: %w", objectName, objectID, storage.ErrNotFound)
	}
	return cloneDocument(doc), nil
}

// GetOrCreate implements storage.ObjectDocumentStore. Creation is
// idempotent: the active stream identifier derives deterministically from
// the object identity.
func (s *DocumentStore) GetOrCreate(ctx context.Context, objectName, objectID string) (*types.ObjectDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := docKey(objectName, objectID)
	if doc, ok := s.docs[key]; ok {
		return cloneDocument(doc), nil
	}
	doc := types.NewObjectDocument(objectName, objectID, s.streamType, s.chunks)
	if err := doc.Rehash(); err != nil {
		return nil, err
	}
	s.docs[key] = doc
	return cloneDocument(doc), nil
}

// Set implements storage.ObjectDocumentStore. The incoming document's Hash
// must match the stored hash; on mismatch the caller gets ErrConcurrency
// and must reload.
func (s *DocumentStore) Set(ctx context.Context, doc *types.ObjectDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := docKey(doc.ObjectName, doc.ObjectID)
	if current, ok := s.docs[key]; ok && current.Hash != doc.Hash {
		return fmt.Errorf("document %s/%s: %w", doc.ObjectName, doc.ObjectID, storage.ErrConcurrency)
	}
	stored := cloneDocument(doc)
	if err := stored.Rehash(); err != nil {
		return err
	}
	s.docs[key] = stored
	doc.Hash = stored.Hash
	return nil
}

// TagStore is an in-memory reverse index usable as both DocumentTagStore
// and StreamTagStore. Reads may be stale relative to concurrent writes on
// other backends; here they are immediate, but callers must not rely on
// that.
type TagStore struct {
	mu   sync.RWMutex
	tags map[string][]string // objectName/tag -> ids, insertion order
}

// NewTagStore creates an empty tag store.
func NewTagStore() *TagStore {
	return &TagStore{tags: make(map[string][]string)}
}

func tagKey(objectName, tag string) string {
	return strings.ToLower(objectName) + "/" + tag
}

// SetTag adds id under tag; duplicates are ignored.
func (s *TagStore) SetTag(ctx context.Context, objectName, tag, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tagKey(objectName, tag)
	for _, existing := range s.tags[key] {
		if existing == id {
			return nil
		}
	}
	s.tags[key] = append(s.tags[key], id)
	return nil
}

// RemoveTag removes id from tag; removing an absent pair is a no-op.
func (s *TagStore) RemoveTag(ctx context.Context, objectName, tag, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tagKey(objectName, tag)
	ids := s.tags[key]
	for i, existing := range ids {
		if existing == id {
			s.tags[key] = append(ids[:i:i], ids[i+1:]...)
			return nil
		}
	}
	return nil
}

// GetFirstByTag returns the first id carrying the tag.
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

// GetByTag returns all ids carrying the tag, in insertion order.
func (s *TagStore) GetByTag(ctx context.Context, objectName, tag string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.tags[tagKey(objectName, tag)]
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}
