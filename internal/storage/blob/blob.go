// Package blob implements the store contracts on a filesystem object
// layout, one directory per partition:
//
//	<root>/<partition>/document/<objectId>.json        object documents
//	<root>/<partition>/<streamId>/chunk-<%06d>.jsonl   event chunks
//	<root>/<partition>/snapshot/<streamId>-<v:20>[_<name>].json
//	<root>/<partition>/tags/<kind>/<tag>.json          reverse indexes
//
// The chunk files hold one JSON record per line. A chunk is the unit of
// append atomicity: each Append performs a single write per chunk file, so
// a crash leaves either all or none of a chunk's batch on disk.
package blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/steveyegge/streambed/internal/storage"
	"github.com/steveyegge/streambed/internal/types"
)

const chunkFilePattern = "chunk-%06d.jsonl"

// DataStore stores events as JSONL chunk files under a root directory.
type DataStore struct {
	root string
	now  func() time.Time
}

// NewDataStore creates a blob data store rooted at dir.
func NewDataStore(dir string) *DataStore {
	return &DataStore{root: dir, now: time.Now}
}

func (s *DataStore) streamDir(doc *types.ObjectDocument) string {
	return filepath.Join(s.root, doc.PartitionKey(), doc.Active.StreamID)
}

func (s *DataStore) chunkPath(doc *types.ObjectDocument, chunkID int) string {
	return filepath.Join(s.streamDir(doc), fmt.Sprintf(chunkFilePattern, chunkID))
}

// lastVersionOnDisk scans the open chunk file and returns the version of
// its final record, or first-1 when the file does not exist yet. The scan
// is the authority: a version gap on disk makes every later append fail
// until repaired.
func (s *DataStore) lastVersionOnDisk(doc *types.ObjectDocument, chunkID int, first int64) (int64, error) {
	f, err := os.Open(s.chunkPath(doc, chunkID))
	if errors.Is(err, fs.ErrNotExist) {
		return first - 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open chunk %d: %w", chunkID, err)
	}
	defer f.Close()

	last := first - 1
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var rec storage.Recorded
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return 0, fmt.Errorf("chunk %d: %w: %v", chunkID, storage.ErrStreamIntegrity, err)
		}
		if rec.Event.Version != last+1 {
			return 0, fmt.Errorf("chunk %d: %w", chunkID, &storage.IntegrityError{Want: last + 1, Got: rec.Event.Version})
		}
		last = rec.Event.Version
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("scan chunk %d: %w", chunkID, err)
	}
	return last, nil
}

// Append implements storage.DataStore.
func (s *DataStore) Append(ctx context.Context, doc *types.ObjectDocument, opts storage.AppendOptions, events []storage.Recorded) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	for i := range events {
		if events[i].Event.Version == types.LatestVersion {
			return fmt.Errorf("append %s: persisted LATEST sentinel: %w", doc.Active.StreamID, storage.ErrStreamIntegrity)
		}
	}

	first := events[0].Event.Version
	openChunk := 0
	openFirst := int64(0)
	if n := len(doc.Active.StreamChunks); n > 0 {
		openChunk = doc.Active.StreamChunks[n-1].ChunkID
		openFirst = doc.Active.StreamChunks[n-1].FirstVersion
	}
	last, err := s.lastVersionOnDisk(doc, openChunk, openFirst)
	if err != nil {
		return err
	}
	if first != last+1 {
		return fmt.Errorf("append %s: head is %d, batch starts at %d: %w",
			doc.Active.StreamID, last, first, storage.ErrConcurrency)
	}

	plan, err := types.PlanAppend(&doc.Active, first, len(events))
	if err != nil {
		return fmt.Errorf("append %s: %w: %v", doc.Active.StreamID, storage.ErrDocumentConfiguration, err)
	}

	if err := os.MkdirAll(s.streamDir(doc), 0o755); err != nil {
		return fmt.Errorf("append %s: %w", doc.Active.StreamID, err)
	}

	idx := 0
	for _, run := range plan {
		var buf bytes.Buffer
		for i := 0; i < run.Count; i, idx = i+1, idx+1 {
			rec := events[idx]
			if !opts.PreserveTimestamps || rec.StoredAt.IsZero() {
				rec.StoredAt = s.now()
			}
			line, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("append %s: %w: %v", doc.Active.StreamID, storage.ErrSerialization, err)
			}
			buf.Write(line)
			buf.WriteByte('\n')
		}
		if err := appendFile(s.chunkPath(doc, run.Chunk.ChunkID), buf.Bytes()); err != nil {
			return fmt.Errorf("append %s chunk %d: %w", doc.Active.StreamID, run.Chunk.ChunkID, err)
		}
	}
	return nil
}

// appendFile writes data to path in one O_APPEND write.
func appendFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Read implements storage.DataStore. A nil result means no chunk file has
// ever been written for the stream.
func (s *DataStore) Read(ctx context.Context, doc *types.ObjectDocument, opts storage.ReadOptions) ([]storage.Recorded, error) {
	cur, err := s.ReadStream(ctx, doc, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	fc := cur.(*fileCursor)
	if !fc.streamExists() {
		return nil, nil
	}
	var out []storage.Recorded
	for cur.Next() {
		out = append(out, cur.Record())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		out = []storage.Recorded{}
	}
	return out, nil
}

// ReadStream implements storage.DataStore with a lazy file-by-file cursor.
func (s *DataStore) ReadStream(ctx context.Context, doc *types.ObjectDocument, opts storage.ReadOptions) (storage.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := opts.StartVersion
	if start < 0 {
		start = 0
	}
	until := opts.UntilVersion
	if until < 0 {
		until = types.LatestVersion - 1
	}

	var paths []string
	switch {
	case opts.Chunk >= 0:
		paths = []string{s.chunkPath(doc, opts.Chunk)}
	case len(doc.Active.StreamChunks) > 0:
		// Bounded by version range: only the overlapping chunks are read.
		for _, c := range types.ChunksInRange(doc.Active.StreamChunks, start, until) {
			paths = append(paths, s.chunkPath(doc, c.ChunkID))
		}
	default:
		paths = []string{s.chunkPath(doc, 0)}
	}
	return &fileCursor{paths: paths, start: start, until: until}, nil
}

// fileCursor walks chunk files lazily, one line at a time.
type fileCursor struct {
	paths   []string
	start   int64
	until   int64
	file    *os.File
	scanner *bufio.Scanner
	rec     storage.Recorded
	err     error
	seen    bool // at least one chunk file existed
}

func (c *fileCursor) streamExists() bool {
	if c.seen {
		return true
	}
	for _, p := range c.paths {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

func (c *fileCursor) Next() bool {
	if c.err != nil {
		return false
	}
	for {
		if c.scanner == nil {
			if len(c.paths) == 0 {
				return false
			}
			path := c.paths[0]
			c.paths = c.paths[1:]
			f, err := os.Open(path)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				c.err = err
				return false
			}
			c.seen = true
			c.file = f
			c.scanner = bufio.NewScanner(f)
			c.scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		}
		for c.scanner.Scan() {
			var rec storage.Recorded
			if err := json.Unmarshal(c.scanner.Bytes(), &rec); err != nil {
				c.err = fmt.Errorf("%w: %v", storage.ErrStreamIntegrity, err)
				return false
			}
			if rec.Event.Version < c.start {
				continue
			}
			if rec.Event.Version > c.until {
				return false
			}
			c.rec = rec
			return true
		}
		if err := c.scanner.Err(); err != nil {
			c.err = err
			return false
		}
		c.file.Close()
		c.file = nil
		c.scanner = nil
	}
}

func (c *fileCursor) Record() storage.Recorded { return c.rec }
func (c *fileCursor) Err() error               { return c.err }

func (c *fileCursor) Close() error {
	if c.file != nil {
		err := c.file.Close()
		c.file = nil
		c.scanner = nil
		return err
	}
	return nil
}

// SnapshotStore stores snapshots as
// <root>/<partition>/snapshot/<streamId>-<v:20>[_<name>].json.
type SnapshotStore struct {
	root string
}

// NewSnapshotStore creates a blob snapshot store rooted at dir.
func NewSnapshotStore(dir string) *SnapshotStore {
	return &SnapshotStore{root: dir}
}

func (s *SnapshotStore) dir(doc *types.ObjectDocument) string {
	return filepath.Join(s.root, doc.PartitionKey(), "snapshot")
}

func snapshotFile(streamID string, version int64, name string) string {
	f := fmt.Sprintf("%s-%020d", streamID, version)
	if name != "" {
		f += "_" + name
	}
	return f + ".json"
}

// Set implements storage.SnapshotStore via write-to-temp-and-rename, so an
// overwrite at the same key is atomic and idempotent.
func (s *SnapshotStore) Set(ctx context.Context, doc *types.ObjectDocument, version int64, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := s.dir(doc)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, snapshotFile(doc.Active.StreamID, version, name))
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
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

// Get implements storage.SnapshotStore.
func (s *SnapshotStore) Get(ctx context.Context, doc *types.ObjectDocument, version int64, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir(doc), snapshotFile(doc.Active.StreamID, version, name)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("snapshot %s@%d: %w", doc.Active.StreamID, version, storage.ErrNotFound)
	}
	return data, err
}

// List implements storage.SnapshotStore by scanning the snapshot prefix.
func (s *SnapshotStore) List(ctx context.Context, doc *types.ObjectDocument) ([]types.SnapshotMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir(doc))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	prefix := doc.Active.StreamID + "-"
	var out []types.SnapshotMetadata
	for _, e := range entries {
		nameOnDisk := e.Name()
		if !strings.HasPrefix(nameOnDisk, prefix) || !strings.HasSuffix(nameOnDisk, ".json") {
			continue
		}
		meta, ok := parseSnapshotFile(nameOnDisk, prefix)
		if !ok {
			continue
		}
		if info, err := e.Info(); err == nil {
			meta.CreatedAt = info.ModTime()
			meta.SizeBytes = info.Size()
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func parseSnapshotFile(fileName, prefix string) (types.SnapshotMetadata, bool) {
	rest := strings.TrimSuffix(strings.TrimPrefix(fileName, prefix), ".json")
	verPart := rest
	name := ""
	if i := strings.IndexByte(rest, '_'); i >= 0 {
		verPart, name = rest[:i], rest[i+1:]
	}
	if len(verPart) != 20 {
		return types.SnapshotMetadata{}, false
	}
	var v int64
	for _, c := range verPart {
		if c < '0' || c > '9' {
			return types.SnapshotMetadata{}, false
		}
		v = v*10 + int64(c-'0')
	}
	return types.SnapshotMetadata{Version: v, Name: name}, true
}

// Delete implements storage.SnapshotStore.
func (s *SnapshotStore) Delete(ctx context.Context, doc *types.ObjectDocument, version int64, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := os.Remove(filepath.Join(s.dir(doc), snapshotFile(doc.Active.StreamID, version, name)))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
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
