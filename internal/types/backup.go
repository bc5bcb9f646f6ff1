package types

import "time"

// BackupMetadata records what a backup contains and how to validate it.
type BackupMetadata struct {
	IncludesSnapshots         bool              `json:"includesSnapshots"`
	IncludesObjectDocument    bool              `json:"includesObjectDocument"`
	IncludesTerminatedStreams bool              `json:"includesTerminatedStreams"`
	IsCompressed              bool              `json:"isCompressed"`
	Checksum                  string            `json:"checksum,omitempty"`
	Custom                    map[string]string `json:"custom,omitempty"`
}

// BackupHandle identifies one completed backup. Handles are what the
// registry stores and what restore operations consume.
type BackupHandle struct {
	BackupID      string         `json:"backupId"`
	CreatedAt     time.Time      `json:"createdAt"`
	ProviderName  string         `json:"providerName"`
	Location      string         `json:"location"`
	ObjectName    string         `json:"objectName"`
	ObjectID      string         `json:"objectId"`
	StreamVersion int64          `json:"streamVersion"`
	EventCount    int64          `json:"eventCount"`
	SizeBytes     int64          `json:"sizeBytes"`
	Metadata      BackupMetadata `json:"metadata"`
}
