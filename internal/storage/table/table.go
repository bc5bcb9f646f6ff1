// Package table implements the store contracts on a relational backend
// through database/sql. The SQL stays inside the portable subset that both
// supported drivers accept:
//
//	sqlite3  (github.com/mattn/go-sqlite3)
//	mysql    (github.com/go-sql-driver/mysql)
//
// One Store serves all contracts: events, documents, snapshots and tags
// live in four tables keyed the same way the blob layout keys its paths.
package table

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	// Drivers registered for the connection factory.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/steveyegge/streambed/internal/storage"
	"github.com/steveyegge/streambed/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS stream_events (
	stream_id  VARCHAR(255) NOT NULL,
	version    BIGINT       NOT NULL,
	chunk_id   INT          NOT NULL,
	stored_at  VARCHAR(64)  NOT NULL,
	envelope   TEXT         NOT NULL,
	PRIMARY KEY (stream_id, version)
);
CREATE TABLE IF NOT EXISTS object_documents (
	partition_key VARCHAR(255) NOT NULL,
	object_id     VARCHAR(255) NOT NULL,
	hash          VARCHAR(64)  NOT NULL,
	body          TEXT         NOT NULL,
	PRIMARY KEY (partition_key, object_id)
);
CREATE TABLE IF NOT EXISTS stream_snapshots (
	stream_id  VARCHAR(255) NOT NULL,
	version    BIGINT       NOT NULL,
	name       VARCHAR(255) NOT NULL,
	created_at VARCHAR(64)  NOT NULL,
	data       BLOB         NOT NULL,
	PRIMARY KEY (stream_id, version, name)
);
CREATE TABLE IF NOT EXISTS stream_tags (
	kind          VARCHAR(16)  NOT NULL,
	partition_key VARCHAR(255) NOT NULL,
	tag           VARCHAR(255) NOT NULL,
	target_id     VARCHAR(255) NOT NULL,
	seq           BIGINT       NOT NULL,
	PRIMARY KEY (kind, partition_key, tag, target_id)
);
`

// Store is a relational implementation of every store contract.
type Store struct {
	db         *sql.DB
	streamType string
	chunks     types.StreamChunkSettings
	now        func() time.Time
}

// Options configures Open.
type Options struct {
	// StreamType is written into documents this store creates; defaults
	// to types.StreamTypeTable.
	StreamType string
	// Chunks is the chunk layout for documents this store creates.
	Chunks types.StreamChunkSettings
}

// Open connects with the given database/sql driver and DSN and creates the
// schema when missing.
func Open(ctx context.Context, driver, dsn string, opts Options) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w: %v", driver, storage.ErrTransient, err)
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	streamType := opts.StreamType
	if streamType == "" {
		streamType = types.StreamTypeTable
	}
	return &Store{db: db, streamType: streamType, chunks: opts.Chunks, now: time.Now}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// isDuplicate reports whether err looks like a primary-key violation. Both
// drivers only expose this through the message text.
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite3
		strings.Contains(msg, "Duplicate entry") // mysql
}

// Append implements storage.DataStore. The batch runs in one transaction,
// giving chunk-wide atomicity; a concurrent writer loses on the
// primary-key conflict and surfaces ErrConcurrency.
func (s *Store) Append(ctx context.Context, doc *types.ObjectDocument, opts storage.AppendOptions, events []storage.Recorded) error {
	if len(events) == 0 {
		return nil
	}
	for i := range events {
		if events[i].Event.Version == types.LatestVersion {
			return fmt.Errorf("append %s: persisted LATEST sentinel: %w", doc.Active.StreamID, storage.ErrStreamIntegrity)
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append %s: %w: %v", doc.Active.StreamID, storage.ErrTransient, err)
	}
	defer tx.Rollback()

	var head sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM stream_events WHERE stream_id = ?`,
		doc.Active.StreamID).Scan(&head)
	if err != nil {
		return fmt.Errorf("append %s: %w: %v", doc.Active.StreamID, storage.ErrTransient, err)
	}
	next := int64(0)
	if head.Valid {
		next = head.Int64 + 1
	}
	if events[0].Event.Version != next {
		return fmt.Errorf("append %s: head is %d, batch starts at %d: %w",
			doc.Active.StreamID, next-1, events[0].Event.Version, storage.ErrConcurrency)
	}

	plan, err := types.PlanAppend(&doc.Active, next, len(events))
	if err != nil {
		return fmt.Errorf("append %s: %w: %v", doc.Active.StreamID, storage.ErrDocumentConfiguration, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO stream_events (stream_id, version, chunk_id, stored_at, envelope) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("append %s: %w: %v", doc.Active.StreamID, storage.ErrTransient, err)
	}
	defer stmt.Close()

	idx := 0
	for _, run := range plan {
		for i := 0; i < run.Count; i, idx = i+1, idx+1 {
			rec := events[idx]
			if !opts.PreserveTimestamps || rec.StoredAt.IsZero() {
				rec.StoredAt = s.now()
			}
			envelope, err := json.Marshal(rec.Event)
			if err != nil {
				return fmt.Errorf("append %s: %w: %v", doc.Active.StreamID, storage.ErrSerialization, err)
			}
			_, err = stmt.ExecContext(ctx,
				doc.Active.StreamID, rec.Event.Version, run.Chunk.ChunkID,
				rec.StoredAt.UTC().Format(time.RFC3339Nano), string(envelope))
			if err != nil {
				if isDuplicate(err) {
					return fmt.Errorf("append %s at %d: %w", doc.Active.StreamID, rec.Event.Version, storage.ErrConcurrency)
				}
				return fmt.Errorf("append %s at %d: %w: %v", doc.Active.StreamID, rec.Event.Version, storage.ErrTransient, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append %s: %w: %v", doc.Active.StreamID, storage.ErrTransient, err)
	}
	return nil
}

func readBounds(opts storage.ReadOptions) (int64, int64) {
	start := opts.StartVersion
	if start < 0 {
		start = 0
	}
	until := opts.UntilVersion
	if until < 0 {
		until = types.LatestVersion - 1
	}
	return start, until
}

// Read implements storage.DataStore. A nil result means the stream has no
// rows at all.
func (s *Store) Read(ctx context.Context, doc *types.ObjectDocument, opts storage.ReadOptions) ([]storage.Recorded, error) {
	cur, err := s.ReadStream(ctx, doc, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	var out []storage.Recorded
	for cur.Next() {
		out = append(out, cur.Record())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM stream_events WHERE stream_id = ?`,
			doc.Active.StreamID).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w: %v", doc.Active.StreamID, storage.ErrTransient, err)
		}
		if exists == 0 {
			return nil, nil
		}
		out = []storage.Recorded{}
	}
	return out, nil
}

// ReadStream implements storage.DataStore over sql.Rows.
func (s *Store) ReadStream(ctx context.Context, doc *types.ObjectDocument, opts storage.ReadOptions) (storage.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start, until := readBounds(opts)
	var rows *sql.Rows
	var err error
	if opts.Chunk >= 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT envelope, stored_at FROM stream_events
			 WHERE stream_id = ? AND chunk_id = ? AND version >= ? AND version <= ?
			 ORDER BY version`,
			doc.Active.StreamID, opts.Chunk, start, until)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT envelope, stored_at FROM stream_events
			 WHERE stream_id = ? AND version >= ? AND version <= ?
			 ORDER BY version`,
			doc.Active.StreamID, start, until)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w: %v", doc.Active.StreamID, storage.ErrTransient, err)
	}
	return &rowCursor{rows: rows}, nil
}

type rowCursor struct {
	rows *sql.Rows
	rec  storage.Recorded
	err  error
}

func (c *rowCursor) Next() bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}
	var envelope, storedAt string
	if err := c.rows.Scan(&envelope, &storedAt); err != nil {
		c.err = err
		return false
	}
	var rec storage.Recorded
	if err := json.Unmarshal([]byte(envelope), &rec.Event); err != nil {
		c.err = fmt.Errorf("%w: %v", storage.ErrSerialization, err)
		return false
	}
	at, err := time.Parse(time.RFC3339Nano, storedAt)
	if err != nil {
		c.err = fmt.Errorf("%w: bad stored_at %q", storage.ErrSerialization, storedAt)
		return false
	}
	rec.StoredAt = at
	c.rec = rec
	return true
}

func (c *rowCursor) Record() storage.Recorded { return c.rec }

func (c *rowCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

func (c *rowCursor) Close() error { return c.rows.Close() }
