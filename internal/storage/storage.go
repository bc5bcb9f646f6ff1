// Package storage defines the store contracts of the event stream engine.
//
// Concrete backends live in sub-packages (memory, blob, table). This
// package holds interface and value types referenced by both the backends
// and their consumers (the stream engine, migration, backup), plus the
// sentinel errors every backend maps its failures onto.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/streambed/internal/types"
)

// ErrNotFound is returned when a document or snapshot does not exist.
var ErrNotFound = errors.New("not found")

// ErrConcurrency is returned on an optimistic-concurrency conflict at the
// stream or document level. The caller must reload and retry with a fresh
// document; the engine never retries on its own.
var ErrConcurrency = errors.New("concurrency conflict")

// ErrConstraint is returned when a session constraint is violated
// (New on a non-empty stream, Existing on an empty one).
var ErrConstraint = errors.New("session constraint violated")

// ErrStreamIntegrity is returned when a read observes a version gap or an
// out-of-order event. Integrity errors are fatal for the stream and
// require admin repair.
var ErrStreamIntegrity = errors.New("stream integrity violation")

// ErrSerialization is returned when a payload fails to encode or decode
// against its registered type.
var ErrSerialization = errors.New("serialization failure")

// ErrTransient is returned for retryable backend failures (timeouts,
// throttling, dropped connections). Retrying is the caller's decision.
var ErrTransient = errors.New("transient backend failure")

// ErrDocumentConfiguration is returned when a document names a connection
// or chunk layout the backend cannot honor.
var ErrDocumentConfiguration = errors.New("document configuration invalid")

// ErrMigrating is returned when a write is rejected because the stream is
// in the quiesce/close phase of a live migration. Producers should retry
// after the migration completes.
var ErrMigrating = errors.New("stream is migrating")

// Recorded wraps an event with the wall-clock time the store persisted it.
// Migration and backup carry StoredAt across backends; ordinary appends
// leave it zero and let the store stamp it.
type Recorded struct {
	Event    types.Event `json:"event"`
	StoredAt time.Time   `json:"storedAt"`
}

// AppendOptions tunes DataStore.Append.
type AppendOptions struct {
	// PreserveTimestamps makes the store keep each record's StoredAt
	// instead of stamping the current time. Live migration and restore
	// use this so copied events keep their original timestamps.
	PreserveTimestamps bool
}

// ReadOptions bounds DataStore reads. UntilVersion < 0 means "to head".
type ReadOptions struct {
	StartVersion int64
	UntilVersion int64

	// Chunk restricts the read to a single chunk id when >= 0.
	Chunk int
}

// DefaultReadOptions reads the whole stream.
func DefaultReadOptions() ReadOptions {
	return ReadOptions{StartVersion: 0, UntilVersion: -1, Chunk: -1}
}

// Cursor is a lazy, restartable event sequence. Callers drive it like
// database/sql rows:
//
//	for cur.Next() {
//	    rec := cur.Record()
//	    ...
//	}
//	if err := cur.Err(); err != nil { ... }
type Cursor interface {
	Next() bool
	Record() Recorded
	Err() error
	Close() error
}

// DataStore appends and reads the events of a document's active stream,
// honoring its chunk layout.
//
// Append writes all events atomically per chunk; event versions must equal
// the 0-based offset in the stream. Append may mutate the document's
// in-memory chunk layout (rolling the open chunk); persisting the updated
// document is the caller's job. An empty batch is a no-op.
//
// Read returns events with StartVersion <= v <= UntilVersion in ascending
// version order; a nil slice means the stream has no storage yet.
type DataStore interface {
	Append(ctx context.Context, doc *types.ObjectDocument, opts AppendOptions, events []Recorded) error
	Read(ctx context.Context, doc *types.ObjectDocument, opts ReadOptions) ([]Recorded, error)
	ReadStream(ctx context.Context, doc *types.ObjectDocument, opts ReadOptions) (Cursor, error)
}

// SnapshotStore stores opaque aggregate snapshots keyed by
// {stream, version, optional name}. Set overwrites idempotently; Get
// returns ErrNotFound when absent; Delete of a missing snapshot returns
// false, not an error. List is sorted by version descending.
type SnapshotStore interface {
	Set(ctx context.Context, doc *types.ObjectDocument, version int64, name string, data []byte) error
	Get(ctx context.Context, doc *types.ObjectDocument, version int64, name string) ([]byte, error)
	List(ctx context.Context, doc *types.ObjectDocument) ([]types.SnapshotMetadata, error)
	Delete(ctx context.Context, doc *types.ObjectDocument, version int64, name string) (bool, error)
	DeleteMany(ctx context.Context, doc *types.ObjectDocument, versions []int64) (int, error)
}

// ObjectDocumentStore persists per-entity metadata documents.
//
// GetOrCreate is idempotent: concurrent first-creates converge on the same
// deterministic active stream identifier. Set uses optimistic concurrency
// keyed on the last observed hash (or the backend's own etag) and fails
// with ErrConcurrency on mismatch.
type ObjectDocumentStore interface {
	Get(ctx context.Context, objectName, objectID string) (*types.ObjectDocument, error)
	GetOrCreate(ctx context.Context, objectName, objectID string) (*types.ObjectDocument, error)
	Set(ctx context.Context, doc *types.ObjectDocument) error
}

// DocumentTagStore is a reverse index from tag to object ids.
//
// The index has its own consistency: reads may be momentarily stale with
// respect to recent writes. Callers that need read-your-writes must go
// through the document store instead.
type DocumentTagStore interface {
	SetTag(ctx context.Context, objectName, tag, objectID string) error
	RemoveTag(ctx context.Context, objectName, tag, objectID string) error
	GetFirstByTag(ctx context.Context, objectName, tag string) (string, error)
	GetByTag(ctx context.Context, objectName, tag string) ([]string, error)
}

// StreamTagStore is a reverse index from tag to stream identifiers, with
// the same staleness contract as DocumentTagStore.
type StreamTagStore interface {
	SetTag(ctx context.Context, objectName, tag, streamID string) error
	RemoveTag(ctx context.Context, objectName, tag, streamID string) error
	GetFirstByTag(ctx context.Context, objectName, tag string) (string, error)
	GetByTag(ctx context.Context, objectName, tag string) ([]string, error)
}

// PagedResult is one page of a bulk listing. ContinuationToken is opaque;
// callers pass it back verbatim to fetch the next page and must not parse
// it.
type PagedResult[T any] struct {
	Items             []T    `json:"items"`
	PageSize          int    `json:"pageSize"`
	ContinuationToken string `json:"continuationToken,omitempty"`
}

// VerifyContiguous checks that recs form a gapless ascending run starting
// at want. It returns ErrStreamIntegrity on the first violation.
func VerifyContiguous(recs []Recorded, want int64) error {
	for _, r := range recs {
		if r.Event.Version != want {
			return errVersionGap(want, r.Event.Version)
		}
		want++
	}
	return nil
}

func errVersionGap(want, got int64) error {
	return &IntegrityError{Want: want, Got: got}
}

// IntegrityError reports a gap or ordering violation observed on read.
type IntegrityError struct {
	Want int64
	Got  int64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("stream integrity violation: want version %d, got %d", e.Want, e.Got)
}

// Unwrap makes errors.Is(err, ErrStreamIntegrity) work.
func (e *IntegrityError) Unwrap() error { return ErrStreamIntegrity }
