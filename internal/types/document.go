package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Stream type names understood by the storage factory.
const (
	StreamTypeBlob   = "blob"
	StreamTypeTable  = "table"
	StreamTypeMemory = "memory"
)

// StreamInformation describes one incarnation of an object's stream: where
// it lives, how far it has been written, and how it is chunked.
type StreamInformation struct {
	StreamID   string `json:"streamIdentifier"`
	StreamType string `json:"streamType"`

	// CurrentStreamVersion is the version of the last appended event,
	// -1 when the stream is empty.
	CurrentStreamVersion int64 `json:"currentStreamVersion"`

	// Connection-name hints resolved by the storage factory. Snapshot
	// resolution rule: this stream-level name wins when non-empty, then
	// the deprecated document-level field, then the data connection.
	DataConnectionName        string `json:"dataConnectionName,omitempty"`
	SnapshotConnectionName    string `json:"snapshotConnectionName,omitempty"`
	DocumentTagConnectionName string `json:"documentTagConnectionName,omitempty"`
	StreamTagConnectionName   string `json:"streamTagConnectionName,omitempty"`

	ChunkSettings StreamChunkSettings `json:"chunkSettings"`
	StreamChunks  []StreamChunk       `json:"streamChunks,omitempty"`
}

// TerminatedStream records a closed stream incarnation. Entries are
// append-only.
type TerminatedStream struct {
	StreamID        string    `json:"streamIdentifier"`
	StreamVersion   int64     `json:"streamVersion"`
	TerminationDate time.Time `json:"terminationDate"`
	Reason          string    `json:"reason,omitempty"`
}

// ObjectDocument is the per-entity metadata record. At rest it names
// exactly one active stream; terminated incarnations accumulate in
// TerminatedStreams.
type ObjectDocument struct {
	ObjectName    string `json:"objectName"`
	ObjectID      string `json:"objectId"`
	SchemaVersion int    `json:"schemaVersion"`

	// Hash is the SHA-256 of the canonical JSON serialization, used for
	// optimistic concurrency when the backend has no etag of its own.
	Hash string `json:"hash,omitempty"`

	// Quiescing marks the document during the quiesce/close phase of a
	// live migration; leased-session commits are rejected while set.
	Quiescing bool `json:"quiescing,omitempty"`

	// SnapshotConnectionName is the legacy document-level snapshot
	// connection hint.
	//
	// Deprecated: set StreamInformation.SnapshotConnectionName instead.
	// Resolution rule: the stream-level name wins when non-empty, then
	// this field, then the stream's data connection.
	SnapshotConnectionName string `json:"snapShotConnectionName,omitempty"`

	Active            StreamInformation  `json:"active"`
	TerminatedStreams []TerminatedStream `json:"terminatedStreams,omitempty"`
}

// PartitionKey returns the lower-cased object name used for container and
// partition keying. The stored ObjectName keeps its original casing for
// display.
func (d *ObjectDocument) PartitionKey() string {
	return strings.ToLower(d.ObjectName)
}

// ComputeHash returns the SHA-256 hex digest of the document's canonical
// JSON form with the Hash field itself cleared.
func (d *ObjectDocument) ComputeHash() (string, error) {
	clone := *d
	clone.Hash = ""
	data, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("hashing document %s/%s: %w", d.ObjectName, d.ObjectID, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Rehash recomputes and stores the document hash.
func (d *ObjectDocument) Rehash() error {
	h, err := d.ComputeHash()
	if err != nil {
		return err
	}
	d.Hash = h
	return nil
}

// IsTerminated reports whether streamID names one of the document's closed
// stream incarnations.
func (d *ObjectDocument) IsTerminated(streamID string) bool {
	for _, ts := range d.TerminatedStreams {
		if ts.StreamID == streamID {
			return true
		}
	}
	return false
}

// Terminate moves the active stream into TerminatedStreams and installs
// next as the new active stream.
func (d *ObjectDocument) Terminate(next StreamInformation, reason string, at time.Time) {
	d.TerminatedStreams = append(d.TerminatedStreams, TerminatedStream{
		StreamID:        d.Active.StreamID,
		StreamVersion:   d.Active.CurrentStreamVersion,
		TerminationDate: at,
		Reason:          reason,
	})
	d.Active = next
}

// DeriveStreamID returns the deterministic identifier of the first stream
// incarnation for an object. Concurrent first-creates of the same object
// converge on the same stream because the derivation has no random input.
func DeriveStreamID(objectName, objectID string) string {
	return slug(objectName) + "-" + slug(objectID)
}

// slug lower-cases s and replaces anything outside [a-z0-9-] with '-'.
func slug(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// NewObjectDocument builds a fresh document with an empty active stream of
// the given type.
func NewObjectDocument(objectName, objectID, streamType string, chunks StreamChunkSettings) *ObjectDocument {
	return &ObjectDocument{
		ObjectName:    objectName,
		ObjectID:      objectID,
		SchemaVersion: 1,
		Active: StreamInformation{
			StreamID:             DeriveStreamID(objectName, objectID),
			StreamType:           streamType,
			CurrentStreamVersion: -1,
			ChunkSettings:        chunks,
		},
	}
}
