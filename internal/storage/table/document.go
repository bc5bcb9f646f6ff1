package table

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/streambed/internal/storage"
	"github.com/steveyegge/streambed/internal/types"
)

// Get implements storage.ObjectDocumentStore.
func (s *Store) Get(ctx context.Context, objectName, objectID string) (*types.ObjectDocument, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM object_documents WHERE partition_key = ? AND object_id = ?`,
		strings.ToLower(objectName), objectID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s/%s: %w", objectName, objectID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("document %s/%s: %w: %v", objectName, objectID, storage.ErrTransient, err)
	}
	var doc types.ObjectDocument
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("document %s/%s: %w: %v", objectName, objectID, storage.ErrSerialization, err)
	}
	return &doc, nil
}

// GetOrCreate implements storage.ObjectDocumentStore. A losing racer's
// insert hits the primary key and re-reads the winner's row, so both
// callers observe the same deterministic stream.
func (s *Store) GetOrCreate(ctx context.Context, objectName, objectID string) (*types.ObjectDocument, error) {
	doc, err := s.Get(ctx, objectName, objectID)
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
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("document %s/%s: %w: %v", objectName, objectID, storage.ErrSerialization, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO object_documents (partition_key, object_id, hash, body) VALUES (?, ?, ?, ?)`,
		doc.PartitionKey(), objectID, doc.Hash, string(body))
	if isDuplicate(err) {
		return s.Get(ctx, objectName, objectID)
	}
	if err != nil {
		return nil, fmt.Errorf("document %s/%s: %w: %v", objectName, objectID, storage.ErrTransient, err)
	}
	return doc, nil
}

// Set implements storage.ObjectDocumentStore with a conditional update on
// the previously observed hash.
func (s *Store) Set(ctx context.Context, doc *types.ObjectDocument) error {
	observed := doc.Hash
	if err := doc.Rehash(); err != nil {
		return err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("document %s/%s: %w: %v", doc.ObjectName, doc.ObjectID, storage.ErrSerialization, err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE object_documents SET hash = ?, body = ?
		 WHERE partition_key = ? AND object_id = ? AND hash = ?`,
		doc.Hash, string(body), doc.PartitionKey(), doc.ObjectID, observed)
	if err != nil {
		return fmt.Errorf("document %s/%s: %w: %v", doc.ObjectName, doc.ObjectID, storage.ErrTransient, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("document %s/%s: %w: %v", doc.ObjectName, doc.ObjectID, storage.ErrTransient, err)
	}
	if n == 1 {
		return nil
	}
	// Either the row is missing (first Set without GetOrCreate) or the
	// hash moved under us.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO object_documents (partition_key, object_id, hash, body) VALUES (?, ?, ?, ?)`,
		doc.PartitionKey(), doc.ObjectID, doc.Hash, string(body))
	if isDuplicate(err) {
		return fmt.Errorf("document %s/%s: %w", doc.ObjectName, doc.ObjectID, storage.ErrConcurrency)
	}
	if err != nil {
		return fmt.Errorf("document %s/%s: %w: %v", doc.ObjectName, doc.ObjectID, storage.ErrTransient, err)
	}
	return nil
}

// SetSnapshot stores a snapshot blob; delete-then-insert inside a
// transaction keeps the overwrite idempotent on both drivers.
func (s *Store) SetSnapshot(ctx context.Context, doc *types.ObjectDocument, version int64, name string, data []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("snapshot %s@%d: %w: %v", doc.Active.StreamID, version, storage.ErrTransient, err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM stream_snapshots WHERE stream_id = ? AND version = ? AND name = ?`,
		doc.Active.StreamID, version, name); err != nil {
		return fmt.Errorf("snapshot %s@%d: %w: %v", doc.Active.StreamID, version, storage.ErrTransient, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stream_snapshots (stream_id, version, name, created_at, data) VALUES (?, ?, ?, ?, ?)`,
		doc.Active.StreamID, version, name, s.now().UTC().Format(time.RFC3339Nano), data); err != nil {
		return fmt.Errorf("snapshot %s@%d: %w: %v", doc.Active.StreamID, version, storage.ErrTransient, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("snapshot %s@%d: %w: %v", doc.Active.StreamID, version, storage.ErrTransient, err)
	}
	return nil
}

// GetSnapshot implements storage.SnapshotStore.
func (s *Store) GetSnapshot(ctx context.Context, doc *types.ObjectDocument, version int64, name string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM stream_snapshots WHERE stream_id = ? AND version = ? AND name = ?`,
		doc.Active.StreamID, version, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s@%d: %w", doc.Active.StreamID, version, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot %s@%d: %w: %v", doc.Active.StreamID, version, storage.ErrTransient, err)
	}
	return data, nil
}

// ListSnapshots implements storage.SnapshotStore, version descending.
func (s *Store) ListSnapshots(ctx context.Context, doc *types.ObjectDocument) ([]types.SnapshotMetadata, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, name, created_at, LENGTH(data) FROM stream_snapshots
		 WHERE stream_id = ? ORDER BY version DESC`,
		doc.Active.StreamID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots %s: %w: %v", doc.Active.StreamID, storage.ErrTransient, err)
	}
	defer rows.Close()
	var out []types.SnapshotMetadata
	for rows.Next() {
		var m types.SnapshotMetadata
		var created string
		if err := rows.Scan(&m.Version, &m.Name, &created, &m.SizeBytes); err != nil {
			return nil, err
		}
		if at, err := time.Parse(time.RFC3339Nano, created); err == nil {
			m.CreatedAt = at
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteSnapshot implements storage.SnapshotStore.
func (s *Store) DeleteSnapshot(ctx context.Context, doc *types.ObjectDocument, version int64, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM stream_snapshots WHERE stream_id = ? AND version = ? AND name = ?`,
		doc.Active.StreamID, version, name)
	if err != nil {
		return false, fmt.Errorf("delete snapshot %s@%d: %w: %v", doc.Active.StreamID, version, storage.ErrTransient, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteSnapshots implements storage.SnapshotStore.
func (s *Store) DeleteSnapshots(ctx context.Context, doc *types.ObjectDocument, versions []int64) (int, error) {
	count := 0
	for _, v := range versions {
		ok, err := s.DeleteSnapshot(ctx, doc, v, "")
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

// Snapshots adapts the store to the storage.SnapshotStore interface.
func (s *Store) Snapshots() storage.SnapshotStore { return &snapshotView{s} }

type snapshotView struct{ s *Store }

func (v *snapshotView) Set(ctx context.Context, doc *types.ObjectDocument, version int64, name string, data []byte) error {
	return v.s.SetSnapshot(ctx, doc, version, name, data)
}

func (v *snapshotView) Get(ctx context.Context, doc *types.ObjectDocument, version int64, name string) ([]byte, error) {
	return v.s.GetSnapshot(ctx, doc, version, name)
}

func (v *snapshotView) List(ctx context.Context, doc *types.ObjectDocument) ([]types.SnapshotMetadata, error) {
	return v.s.ListSnapshots(ctx, doc)
}

func (v *snapshotView) Delete(ctx context.Context, doc *types.ObjectDocument, version int64, name string) (bool, error) {
	return v.s.DeleteSnapshot(ctx, doc, version, name)
}

func (v *snapshotView) DeleteMany(ctx context.Context, doc *types.ObjectDocument, versions []int64) (int, error) {
	return v.s.DeleteSnapshots(ctx, doc, versions)
}

// tagView implements both tag-store contracts over the stream_tags table,
// discriminated by kind.
type tagView struct {
	s    *Store
	kind string
}

// DocumentTags returns the document-tag reverse index.
func (s *Store) DocumentTags() storage.DocumentTagStore { return &tagView{s, "doc"} }

// StreamTags returns the stream-tag reverse index.
func (s *Store) StreamTags() storage.StreamTagStore { return &tagView{s, "stream"} }

func (v *tagView) SetTag(ctx context.Context, objectName, tag, id string) error {
	_, err := v.s.db.ExecContext(ctx,
		`INSERT INTO stream_tags (kind, partition_key, tag, target_id, seq) VALUES (?, ?, ?, ?, ?)`,
		v.kind, strings.ToLower(objectName), tag, id, time.Now().UnixNano())
	if isDuplicate(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("set tag %s: %w: %v", tag, storage.ErrTransient, err)
	}
	return nil
}

func (v *tagView) RemoveTag(ctx context.Context, objectName, tag, id string) error {
	_, err := v.s.db.ExecContext(ctx,
		`DELETE FROM stream_tags WHERE kind = ? AND partition_key = ? AND tag = ? AND target_id = ?`,
		v.kind, strings.ToLower(objectName), tag, id)
	if err != nil {
		return fmt.Errorf("remove tag %s: %w: %v", tag, storage.ErrTransient, err)
	}
	return nil
}

func (v *tagView) GetFirstByTag(ctx context.Context, objectName, tag string) (string, error) {
	ids, err := v.GetByTag(ctx, objectName, tag)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("tag %s on %s: %w", tag, objectName, storage.ErrNotFound)
	}
	return ids[0], nil
}

func (v *tagView) GetByTag(ctx context.Context, objectName, tag string) ([]string, error) {
	rows, err := v.s.db.QueryContext(ctx,
		`SELECT target_id FROM stream_tags
		 WHERE kind = ? AND partition_key = ? AND tag = ? ORDER BY seq`,
		v.kind, strings.ToLower(objectName), tag)
	if err != nil {
		return nil, fmt.Errorf("get tag %s: %w: %v", tag, storage.ErrTransient, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
