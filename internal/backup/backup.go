// Package backup captures a document's streams and snapshots into an
// archive held by a provider, registers the resulting handle with an
// optional retention registry, and restores archives into (possibly
// different) documents. Bulk operations bound their concurrency with a
// semaphore and can isolate per-item failures.
package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/streambed/internal/debug"
	"github.com/steveyegge/streambed/internal/storage"
	"github.com/steveyegge/streambed/internal/telemetry"
	"github.com/steveyegge/streambed/internal/types"
)

// ErrBackupValidation is returned when an archive's checksum or shape does
// not match its handle.
var ErrBackupValidation = errors.New("backup validation failed")

// SnapshotEntry is one stored snapshot carried inside an archive.
type SnapshotEntry struct {
	Version int64  `json:"version"`
	Name    string `json:"name,omitempty"`
	Data    []byte `json:"data"`
}

// TerminatedArchive carries the events of one closed stream incarnation.
type TerminatedArchive struct {
	StreamID string             `json:"streamIdentifier"`
	Events   []storage.Recorded `json:"events"`
}

// Archive is the provider-independent backup payload: the active stream's
// events plus whatever the options asked to include.
type Archive struct {
	ObjectName string `json:"objectName"`
	ObjectID   string `json:"objectId"`
	StreamID   string `json:"streamIdentifier"`

	Events            []storage.Recorded    `json:"events"`
	Snapshots         []SnapshotEntry       `json:"snapshots,omitempty"`
	Document          *types.ObjectDocument `json:"document,omitempty"`
	TerminatedStreams []TerminatedArchive   `json:"terminatedStreams,omitempty"`
}

// Provider persists archives. Write returns where the archive landed, its
// stored size, and the SHA-256 checksum of the uncompressed encoding; Read
// re-verifies the checksum against the handle and fails with
// ErrBackupValidation on mismatch.
type Provider interface {
	Name() string
	Write(ctx context.Context, backupID string, a *Archive, compress bool) (location string, sizeBytes int64, checksum string, err error)
	Read(ctx context.Context, handle types.BackupHandle) (*Archive, error)
	Delete(ctx context.Context, handle types.BackupHandle) error
}

// Options selects what a backup includes.
type Options struct {
	IncludeSnapshots         bool
	IncludeObjectDocument    bool
	IncludeTerminatedStreams bool
	Compress                 bool
	Custom                   map[string]string
}

// RestoreOptions controls how an archive is replayed.
type RestoreOptions struct {
	// Overwrite allows restoring over a document whose stream already has
	// events: the populated stream is terminated and the archive replays
	// into a new incarnation. Without it such a restore fails with
	// ErrConstraint.
	Overwrite bool

	// ObjectName/ObjectID redirect the restore to a different document.
	// Empty means restore in place.
	ObjectName string
	ObjectID   string
}

// Progress reports a long-running backup or restore stage; done/total are
// event counts for the copy stages.
type Progress func(stage string, done, total int)

// Service wires a provider and an optional registry into the backup and
// restore operations.
type Service struct {
	provider Provider
	registry Registry // may be nil
}

// NewService creates a backup service. registry may be nil, in which case
// handles are only returned to the caller.
func NewService(provider Provider, registry Registry) *Service {
	return &Service{provider: provider, registry: registry}
}

// BackupDocument reads the document's active stream (and per opts its
// snapshots, metadata and terminated streams) and writes the archive
// through the provider. The returned handle is registered when a registry
// is configured.
func (s *Service) BackupDocument(ctx context.Context, doc *types.ObjectDocument, data storage.DataStore, snaps storage.SnapshotStore, opts Options, progress Progress) (types.BackupHandle, error) {
	a := &Archive{
		ObjectName: doc.ObjectName,
		ObjectID:   doc.ObjectID,
		StreamID:   doc.Active.StreamID,
	}

	recs, err := data.Read(ctx, doc, storage.DefaultReadOptions())
	if err != nil {
		return types.BackupHandle{}, fmt.Errorf("reading stream %s: %w", doc.Active.StreamID, err)
	}
	a.Events = recs
	report(progress, "events", len(recs), len(recs))

	if opts.IncludeSnapshots && snaps != nil {
		metas, err := snaps.List(ctx, doc)
		if err != nil {
			return types.BackupHandle{}, fmt.Errorf("listing snapshots: %w", err)
		}
		for i, m := range metas {
			blob, err := snaps.Get(ctx, doc, m.Version, m.Name)
			if err != nil {
				return types.BackupHandle{}, fmt.Errorf("reading snapshot %d: %w", m.Version, err)
			}
			a.Snapshots = append(a.Snapshots, SnapshotEntry{Version: m.Version, Name: m.Name, Data: blob})
			report(progress, "snapshots", i+1, len(metas))
		}
	}
	if opts.IncludeObjectDocument {
		clone := *doc
		a.Document = &clone
	}
	if opts.IncludeTerminatedStreams {
		for _, ts := range doc.TerminatedStreams {
			scratch := *doc
			scratch.Active = types.StreamInformation{StreamID: ts.StreamID}
			trecs, err := data.Read(ctx, &scratch, storage.DefaultReadOptions())
			if err != nil {
				return types.BackupHandle{}, fmt.Errorf("reading terminated stream %s: %w", ts.StreamID, err)
			}
			a.TerminatedStreams = append(a.TerminatedStreams, TerminatedArchive{StreamID: ts.StreamID, Events: trecs})
		}
	}

	backupID := uuid.NewString()
	location, size, checksum, err := s.provider.Write(ctx, backupID, a, opts.Compress)
	if err != nil {
		return types.BackupHandle{}, fmt.Errorf("writing archive %s: %w", backupID, err)
	}

	handle := types.BackupHandle{
		BackupID:      backupID,
		CreatedAt:     time.Now().UTC(),
		ProviderName:  s.provider.Name(),
		Location:      location,
		ObjectName:    doc.ObjectName,
		ObjectID:      doc.ObjectID,
		StreamVersion: doc.Active.CurrentStreamVersion,
		EventCount:    int64(len(a.Events)),
		SizeBytes:     size,
		Metadata: types.BackupMetadata{
			IncludesSnapshots:         opts.IncludeSnapshots,
			IncludesObjectDocument:    opts.IncludeObjectDocument,
			IncludesTerminatedStreams: opts.IncludeTerminatedStreams,
			IsCompressed:              opts.Compress,
			Checksum:                  checksum,
			Custom:                    opts.Custom,
		},
	}
	if s.registry != nil {
		if err := s.registry.Register(ctx, handle); err != nil {
			return types.BackupHandle{}, fmt.Errorf("registering backup %s: %w", backupID, err)
		}
	}
	telemetry.RecordBackup(ctx)
	debug.Logf("backup %s: %d events from %s/%s (%d bytes at %s)\n",
		backupID, handle.EventCount, doc.ObjectName, doc.ObjectID, size, location)
	return handle, nil
}

// RestoreResult reports one completed restore.
type RestoreResult struct {
	BackupID       string
	ObjectName     string
	ObjectID       string
	StreamID       string
	EventsRestored int
	SnapshotsKept  int
}

// RestoreStream replays an archive into the target document. The archive's
// checksum is verified by the provider; the target stream must be empty
// unless opts.Overwrite is set. Overwrite does not patch the populated
// stream in place: the active stream is retired into TerminatedStreams and
// the archive replays into a fresh incarnation from version 0.
func (s *Service) RestoreStream(ctx context.Context, handle types.BackupHandle, docs storage.ObjectDocumentStore, data storage.DataStore, snaps storage.SnapshotStore, opts RestoreOptions, progress Progress) (*RestoreResult, error) {
	a, err := s.provider.Read(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("reading archive %s: %w", handle.BackupID, err)
	}
	if int64(len(a.Events)) != handle.EventCount {
		return nil, fmt.Errorf("archive %s has %d events, handle says %d: %w",
			handle.BackupID, len(a.Events), handle.EventCount, ErrBackupValidation)
	}

	objectName, objectID := a.ObjectName, a.ObjectID
	if opts.ObjectName != "" {
		objectName = opts.ObjectName
	}
	if opts.ObjectID != "" {
		objectID = opts.ObjectID
	}

	doc, err := docs.GetOrCreate(ctx, objectName, objectID)
	if err != nil {
		return nil, fmt.Errorf("creating target document: %w", err)
	}
	if doc.Active.CurrentStreamVersion >= 0 {
		if !opts.Overwrite {
			return nil, fmt.Errorf("target stream %s already has events: %w",
				doc.Active.StreamID, storage.ErrConstraint)
		}
		// The populated stream stays on disk; the replay gets a fresh
		// incarnation so version 0 appends cleanly on every backend.
		suffix := handle.BackupID
		if len(suffix) > 8 {
			suffix = suffix[:8]
		}
		next := doc.Active
		next.StreamID = types.DeriveStreamID(doc.ObjectName, doc.ObjectID) + "-" + suffix
		next.CurrentStreamVersion = -1
		next.StreamChunks = nil
		doc.Terminate(next, "restore "+handle.BackupID, time.Now().UTC())
	}

	if err := data.Append(ctx, doc, storage.AppendOptions{PreserveTimestamps: true}, a.Events); err != nil {
		return nil, fmt.Errorf("replaying events: %w", err)
	}
	report(progress, "events", len(a.Events), len(a.Events))

	if len(a.Events) > 0 {
		doc.Active.CurrentStreamVersion = a.Events[len(a.Events)-1].Event.Version
	}
	if err := docs.Set(ctx, doc); err != nil {
		return nil, fmt.Errorf("persisting restored document: %w", err)
	}

	kept := 0
	if snaps != nil {
		for i, entry := range a.Snapshots {
			if err := snaps.Set(ctx, doc, entry.Version, entry.Name, entry.Data); err != nil {
				return nil, fmt.Errorf("restoring snapshot %d: %w", entry.Version, err)
			}
			kept++
			report(progress, "snapshots", i+1, len(a.Snapshots))
		}
	}

	return &RestoreResult{
		BackupID:       handle.BackupID,
		ObjectName:     objectName,
		ObjectID:       objectID,
		StreamID:       doc.Active.StreamID,
		EventsRestored: len(a.Events),
		SnapshotsKept:  kept,
	}, nil
}

func report(p Progress, stage string, done, total int) {
	if p != nil {
		p(stage, done, total)
	}
}
