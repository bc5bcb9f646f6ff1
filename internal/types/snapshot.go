package types

import "time"

// SnapshotMetadata describes one stored snapshot of an aggregate.
type SnapshotMetadata struct {
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	Name      string    `json:"name,omitempty"`
	SizeBytes int64     `json:"sizeBytes,omitempty"`
}
