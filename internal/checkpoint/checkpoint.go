// Package checkpoint tracks how far a projection has consumed each source
// stream. A checkpoint maps object identities to the last applied event
// position; projections persist it through a Store and resume from it after
// a restart.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/steveyegge/streambed/internal/storage"
)

// ObjectIdentifier names one source entity.
type ObjectIdentifier struct {
	ObjectName string
	ObjectID   string
}

// String renders the identifier in the same double-underscore form version
// tokens use; it doubles as the checkpoint's JSON map key.
func (id ObjectIdentifier) String() string {
	return id.ObjectName + "__" + id.ObjectID
}

// ParseObjectIdentifier inverts String.
func ParseObjectIdentifier(s string) (ObjectIdentifier, error) {
	parts := strings.SplitN(s, "__", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ObjectIdentifier{}, fmt.Errorf("malformed object identifier %q", s)
	}
	return ObjectIdentifier{ObjectName: parts[0], ObjectID: parts[1]}, nil
}

// VersionIdentifier is the last applied position within one source stream.
type VersionIdentifier struct {
	StreamID string `json:"streamIdentifier"`
	Version  int64  `json:"version"`
}

// Checkpoint is the per-entity consumption state of one projection.
type Checkpoint map[ObjectIdentifier]VersionIdentifier

// Advance records that the event at version on streamID has been applied
// for id. Positions only move forward; a stale version is ignored and
// reported false. A changed stream identifier (after a live migration)
// resets the position.
func (c Checkpoint) Advance(id ObjectIdentifier, streamID string, version int64) bool {
	cur, ok := c[id]
	if ok && cur.StreamID == streamID && version <= cur.Version {
		return false
	}
	c[id] = VersionIdentifier{StreamID: streamID, Version: version}
	return true
}

// Position returns the last applied position for id.
func (c Checkpoint) Position(id ObjectIdentifier) (VersionIdentifier, bool) {
	v, ok := c[id]
	return v, ok
}

// MarshalJSON encodes the map with string keys of the form
// "objectName__objectId".
func (c Checkpoint) MarshalJSON() ([]byte, error) {
	out := make(map[string]VersionIdentifier, len(c))
	for id, v := range c {
		out[id.String()] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON inverts MarshalJSON.
func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	var raw map[string]VersionIdentifier
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Checkpoint, len(raw))
	for key, v := range raw {
		id, err := ParseObjectIdentifier(key)
		if err != nil {
			return err
		}
		out[id] = v
	}
	*c = out
	return nil
}

// Store persists named projection checkpoints. Load of an unknown name
// returns ErrNotFound.
type Store interface {
	Save(ctx context.Context, projection string, cp Checkpoint) error
	Load(ctx context.Context, projection string) (Checkpoint, error)
	Delete(ctx context.Context, projection string) (bool, error)
}

// MemoryStore is an in-memory checkpoint Store.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string][]byte)}
}

// Save implements Store; the checkpoint is serialized so later mutations of
// the caller's map do not leak into the store.
func (s *MemoryStore) Save(ctx context.Context, projection string, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding checkpoint %s: %w", projection, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[projection] = data
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context, projection string) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.checkpoints[projection]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("checkpoint %s: %w", projection, storage.ErrNotFound)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decoding checkpoint %s: %w", projection, err)
	}
	return cp, nil
}

// Delete implements Store; false when the projection had no checkpoint.
func (s *MemoryStore) Delete(ctx context.Context, projection string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.checkpoints[projection]; !ok {
		return false, nil
	}
	delete(s.checkpoints, projection)
	return true, nil
}
