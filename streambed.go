// Package streambed provides the public API of the event stream engine.
//
// The implementation lives under internal/; this package re-exports the
// types callers program against and offers a Client that wires the
// connection registry, storage factory, event-type registry and
// post-commit executor together. Applications that need finer control can
// assemble the internal packages themselves through these aliases.
package streambed

import (
	"context"
	"time"

	"github.com/steveyegge/streambed/internal/backup"
	"github.com/steveyegge/streambed/internal/checkpoint"
	"github.com/steveyegge/streambed/internal/config"
	"github.com/steveyegge/streambed/internal/migrate"
	"github.com/steveyegge/streambed/internal/postcommit"
	"github.com/steveyegge/streambed/internal/storage"
	"github.com/steveyegge/streambed/internal/storage/factory"
	"github.com/steveyegge/streambed/internal/stream"
	"github.com/steveyegge/streambed/internal/types"
)

// Core data types.
type (
	Event             = types.Event
	ActionMetadata    = types.ActionMetadata
	VersionToken      = types.VersionToken
	ObjectDocument    = types.ObjectDocument
	StreamInformation = types.StreamInformation
	TerminatedStream  = types.TerminatedStream
	StreamChunk       = types.StreamChunk
	ChunkSettings     = types.StreamChunkSettings
	SnapshotMetadata  = types.SnapshotMetadata
	BackupHandle      = types.BackupHandle
	BackupMetadata    = types.BackupMetadata
)

// Engine surface.
type (
	EventStream       = stream.EventStream
	LeasedSession     = stream.LeasedSession
	Constraint        = stream.Constraint
	ReadOptions       = stream.ReadOptions
	Foldable          = stream.Foldable
	EventTypeRegistry = stream.EventTypeRegistry
	AppendOption      = stream.AppendOption
	PreReadAction     = stream.PreReadAction
	PostReadAction    = stream.PostReadAction
	PreAppendAction   = stream.PreAppendAction
	PostAppendAction  = stream.PostAppendAction
	PostCommitAction  = postcommit.Action
	RetryPolicy       = postcommit.RetryPolicy
)

// Storage contracts, for callers bringing their own backends.
type (
	DataStore           = storage.DataStore
	SnapshotStore       = storage.SnapshotStore
	ObjectDocumentStore = storage.ObjectDocumentStore
	DocumentTagStore    = storage.DocumentTagStore
	StreamTagStore      = storage.StreamTagStore
	Cursor              = storage.Cursor
	Recorded            = storage.Recorded
	AppendOptions       = storage.AppendOptions
	PagedResult[T any]  = storage.PagedResult[T]
)

// Migration, backup and checkpoint surfaces.
type (
	LiveMigration     = migrate.LiveMigration
	MigrationOptions  = migrate.Options
	MigrationProgress = migrate.Progress
	MigrationResult   = migrate.Result
	BackupService     = backup.Service
	BackupProvider    = backup.Provider
	BackupRegistry    = backup.Registry
	BackupOptions     = backup.Options
	RestoreOptions    = backup.RestoreOptions
	RestoreResult     = backup.RestoreResult
	Checkpoint        = checkpoint.Checkpoint
	CheckpointStore   = checkpoint.Store
)

// Configuration.
type (
	Config     = config.Config
	Connection = config.Connection
)

// Session constraints.
const (
	Loose    = stream.Loose
	New      = stream.New
	Existing = stream.Existing
)

// Stream backend type names.
const (
	StreamTypeMemory = types.StreamTypeMemory
	StreamTypeBlob   = types.StreamTypeBlob
	StreamTypeTable  = types.StreamTypeTable
)

// LatestVersion is the in-memory "head" sentinel for version tokens. It is
// never valid in persisted events.
const LatestVersion = types.LatestVersion

// StreamClosedEventType marks the tail of a migrated source stream.
const StreamClosedEventType = types.StreamClosedEventType

// Sentinel errors, testable with errors.Is.
var (
	ErrNotFound              = storage.ErrNotFound
	ErrConcurrency           = storage.ErrConcurrency
	ErrConstraint            = storage.ErrConstraint
	ErrStreamIntegrity       = storage.ErrStreamIntegrity
	ErrSerialization         = storage.ErrSerialization
	ErrTransient             = storage.ErrTransient
	ErrDocumentConfiguration = storage.ErrDocumentConfiguration
	ErrMigrating             = storage.ErrMigrating
	ErrMalformedToken        = types.ErrMalformedToken
	ErrSessionClosed         = stream.ErrSessionClosed
	ErrBackupValidation      = backup.ErrBackupValidation
)

// ParseVersionToken parses the canonical
// "objectName__objectId__streamId__<20-digit-version>" form.
func ParseVersionToken(s string) (VersionToken, error) {
	return types.ParseVersionToken(s)
}

// NewEventTypeRegistry creates an empty event-type registry.
func NewEventTypeRegistry() *EventTypeRegistry {
	return stream.NewEventTypeRegistry()
}

// RegisterEventType registers T under a logical event type name.
func RegisterEventType[T any](r *EventTypeRegistry, name string, schemaVersion int) error {
	return stream.RegisterEventType[T](r, name, schemaVersion)
}

// Append options, re-exported for session callers.
var (
	WithActionMetadata = stream.WithActionMetadata
	WithEventType      = stream.WithEventType
	WithMetadata       = stream.WithMetadata
	WithRawPayload     = stream.WithRawPayload
	WithSchemaVersion  = stream.WithSchemaVersion
)

// WithExternalSequencer attaches a cross-stream ordering hint to one
// appended event.
func WithExternalSequencer(seq string) AppendOption {
	return stream.WithExternalSequencer(seq)
}

// Client is the assembled engine: a connection registry, a shared
// event-type registry, and a shared post-commit executor. One Client is
// meant to live for the process; streams obtained from it are independent.
type Client struct {
	factory  *factory.Factory
	registry *stream.EventTypeRegistry
	executor *postcommit.Executor
}

// Open assembles a Client over a connection registry. A nil cfg uses the
// default single in-memory connection.
func Open(cfg *Config) *Client {
	return &Client{
		factory:  factory.New(cfg),
		registry: stream.NewEventTypeRegistry(),
		executor: postcommit.NewExecutor(postcommit.DefaultRetryPolicy(), 0),
	}
}

// OpenFile assembles a Client from a YAML connection registry on disk.
// A missing file yields the default configuration; STREAMBED_* environment
// variables override file values.
func OpenFile(path string) (*Client, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return Open(cfg), nil
}

// Registry returns the client's shared event-type registry.
func (c *Client) Registry() *EventTypeRegistry { return c.registry }

// PostCommitResults exposes the shared executor's result channel.
func (c *Client) PostCommitResults() <-chan postcommit.Result {
	return c.executor.Results()
}

// Stream opens (creating on first access) the event stream for an object
// on the default connection.
func (c *Client) Stream(ctx context.Context, objectName, objectID string) (*EventStream, error) {
	return c.StreamOn(ctx, "", objectName, objectID)
}

// StreamOn opens the event stream for an object whose document lives on
// the named connection. The document's own connection hints still route
// its data and snapshots.
func (c *Client) StreamOn(ctx context.Context, connection, objectName, objectID string) (*EventStream, error) {
	b, err := c.factory.Connection(ctx, connection)
	if err != nil {
		return nil, err
	}
	doc, err := b.Documents.GetOrCreate(ctx, objectName, objectID)
	if err != nil {
		return nil, err
	}
	stores, err := c.factory.ForDocument(ctx, doc)
	if err != nil {
		return nil, err
	}
	return stream.NewEventStream(doc, stores.Data, stores.Documents, stores.Snapshots, c.registry, c.executor), nil
}

// Migrate prepares a live migration of the object's active stream onto the
// target connection. Run the returned migration to execute it.
func (c *Client) Migrate(ctx context.Context, objectName, objectID, targetConnection string, opts MigrationOptions) (*LiveMigration, error) {
	source, err := c.factory.Connection(ctx, "")
	if err != nil {
		return nil, err
	}
	doc, err := source.Documents.Get(ctx, objectName, objectID)
	if err != nil {
		return nil, err
	}
	stores, err := c.factory.ForDocument(ctx, doc)
	if err != nil {
		return nil, err
	}
	target, err := c.factory.Connection(ctx, targetConnection)
	if err != nil {
		return nil, err
	}
	conn, resolved, err := c.factory.ConnectionInfo(targetConnection)
	if err != nil {
		return nil, err
	}
	info := StreamInformation{
		StreamType:         conn.Type,
		DataConnectionName: resolved,
		ChunkSettings:      ChunkSettings{EnableChunks: conn.EnableChunks, ChunkSize: conn.ChunkSize},
	}
	return migrate.New(stores.Documents, stores.Data, target.Data, doc, info, opts), nil
}

// BackupDocument captures one object's active stream (plus whatever opts
// include) through the given backup service.
func (c *Client) BackupDocument(ctx context.Context, svc *BackupService, objectName, objectID string, opts BackupOptions) (BackupHandle, error) {
	b, err := c.factory.Connection(ctx, "")
	if err != nil {
		return BackupHandle{}, err
	}
	doc, err := b.Documents.Get(ctx, objectName, objectID)
	if err != nil {
		return BackupHandle{}, err
	}
	stores, err := c.factory.ForDocument(ctx, doc)
	if err != nil {
		return BackupHandle{}, err
	}
	return svc.BackupDocument(ctx, doc, stores.Data, stores.Snapshots, opts, nil)
}

// RestoreStream replays a backup onto the named connection (the default
// connection when empty).
func (c *Client) RestoreStream(ctx context.Context, svc *BackupService, connection string, handle BackupHandle, opts RestoreOptions) (*RestoreResult, error) {
	b, err := c.factory.Connection(ctx, connection)
	if err != nil {
		return nil, err
	}
	return svc.RestoreStream(ctx, handle, b.Documents, b.Data, b.Snapshots, opts, nil)
}

// NewBackupService assembles a backup service from a provider and a handle
// registry.
func NewBackupService(provider BackupProvider, registry BackupRegistry) *BackupService {
	return backup.NewService(provider, registry)
}

// NewFilesystemBackupProvider stores backup archives as files under root.
func NewFilesystemBackupProvider(root string) (BackupProvider, error) {
	return backup.NewFilesystemProvider(root)
}

// NewMemoryBackupRegistry keeps backup handles in memory with the given
// retention (zero retains forever).
func NewMemoryBackupRegistry(retention time.Duration) BackupRegistry {
	return backup.NewMemoryRegistry(retention)
}

// Close releases every backend the client opened.
func (c *Client) Close() error { return c.factory.Close() }
