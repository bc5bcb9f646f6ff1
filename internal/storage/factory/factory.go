// Package factory creates storage backends from the connection registry.
//
// Backends self-describe through a name -> BackendFactory map; the three
// built-in types (memory, blob, table) register themselves at init. A
// Factory caches one Backend per connection name and resolves a document's
// connection-name hints to concrete stores.
package factory

import (
	"context"
	"fmt"
	"sync"

	"github.com/steveyegge/streambed/internal/config"
	"github.com/steveyegge/streambed/internal/storage"
	"github.com/steveyegge/streambed/internal/storage/blob"
	"github.com/steveyegge/streambed/internal/storage/memory"
	"github.com/steveyegge/streambed/internal/storage/table"
	"github.com/steveyegge/streambed/internal/types"
)

// Backend bundles every store a connection provides.
type Backend struct {
	Data         storage.DataStore
	Snapshots    storage.SnapshotStore
	Documents    storage.ObjectDocumentStore
	DocumentTags storage.DocumentTagStore
	StreamTags   storage.StreamTagStore

	closer func() error
}

// Close releases backend resources (connection pools). Safe on backends
// without any.
func (b *Backend) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer()
}

// BackendFactory builds a Backend from one connection entry.
type BackendFactory func(ctx context.Context, conn config.Connection) (*Backend, error)

var (
	registryMu      sync.RWMutex
	backendRegistry = make(map[string]BackendFactory)
)

// RegisterBackend registers a backend factory under a connection type
// name. Built-ins register at init; external backends may add their own.
func RegisterBackend(name string, f BackendFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	backendRegistry[name] = f
}

func init() {
	RegisterBackend(types.StreamTypeMemory, newMemoryBackend)
	RegisterBackend(types.StreamTypeBlob, newBlobBackend)
	RegisterBackend(types.StreamTypeTable, newTableBackend)
}

func chunkSettings(conn config.Connection) types.StreamChunkSettings {
	return types.StreamChunkSettings{EnableChunks: conn.EnableChunks, ChunkSize: conn.ChunkSize}
}

func newMemoryBackend(_ context.Context, conn config.Connection) (*Backend, error) {
	tags := memory.NewTagStore()
	return &Backend{
		Data:         memory.NewDataStore(),
		Snapshots:    memory.NewSnapshotStore(),
		Documents:    memory.NewDocumentStore(types.StreamTypeMemory, chunkSettings(conn)),
		DocumentTags: tags,
		StreamTags:   memory.NewTagStore(),
	}, nil
}

func newBlobBackend(_ context.Context, conn config.Connection) (*Backend, error) {
	if conn.Path == "" {
		return nil, fmt.Errorf("blob connection needs a path: %w", storage.ErrDocumentConfiguration)
	}
	return &Backend{
		Data:         blob.NewDataStore(conn.Path),
		Snapshots:    blob.NewSnapshotStore(conn.Path),
		Documents:    blob.NewDocumentStore(conn.Path, types.StreamTypeBlob, chunkSettings(conn)),
		DocumentTags: blob.NewDocumentTagStore(conn.Path),
		StreamTags:   blob.NewStreamTagStore(conn.Path),
	}, nil
}

func newTableBackend(ctx context.Context, conn config.Connection) (*Backend, error) {
	if conn.Driver == "" || conn.DSN == "" {
		return nil, fmt.Errorf("table connection needs driver and dsn: %w", storage.ErrDocumentConfiguration)
	}
	st, err := table.Open(ctx, conn.Driver, conn.DSN, table.Options{Chunks: chunkSettings(conn)})
	if err != nil {
		return nil, err
	}
	return &Backend{
		Data:         st,
		Snapshots:    st.Snapshots(),
		Documents:    st,
		DocumentTags: st.DocumentTags(),
		StreamTags:   st.StreamTags(),
		closer:       st.Close,
	}, nil
}

// Factory resolves connection names to cached backends. It is safe for
// concurrent use.
type Factory struct {
	cfg  *config.Config
	mu   sync.Mutex
	open map[string]*Backend
}

// New creates a factory over the given registry.
func New(cfg *config.Config) *Factory {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Factory{cfg: cfg, open: make(map[string]*Backend)}
}

// Connection returns the backend for a connection name (default connection
// when empty), opening and caching it on first use.
func (f *Factory) Connection(ctx context.Context, name string) (*Backend, error) {
	conn, resolved, err := f.cfg.Resolve(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrDocumentConfiguration, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.open[resolved]; ok {
		return b, nil
	}
	registryMu.RLock()
	bf, ok := backendRegistry[conn.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown backend type %q for connection %q",
			storage.ErrDocumentConfiguration, conn.Type, resolved)
	}
	b, err := bf(ctx, conn)
	if err != nil {
		return nil, err
	}
	f.open[resolved] = b
	return b, nil
}

// ConnectionInfo returns the configuration entry and resolved name of a
// connection without opening it.
func (f *Factory) ConnectionInfo(name string) (config.Connection, string, error) {
	conn, resolved, err := f.cfg.Resolve(name)
	if err != nil {
		return config.Connection{}, "", fmt.Errorf("%w: %v", storage.ErrDocumentConfiguration, err)
	}
	return conn, resolved, nil
}

// Stores is the resolved view of one document's connection hints.
type Stores struct {
	Data         storage.DataStore
	Snapshots    storage.SnapshotStore
	Documents    storage.ObjectDocumentStore
	DocumentTags storage.DocumentTagStore
	StreamTags   storage.StreamTagStore
}

// ForDocument resolves every store the document references.
//
// The snapshot store follows one rule everywhere: the stream-level
// SnapshotConnectionName wins when set, then the deprecated document-level
// one, then the stream's data connection.
func (f *Factory) ForDocument(ctx context.Context, doc *types.ObjectDocument) (*Stores, error) {
	data, err := f.Connection(ctx, doc.Active.DataConnectionName)
	if err != nil {
		return nil, err
	}
	snapName := doc.Active.SnapshotConnectionName
	if snapName == "" {
		snapName = doc.SnapshotConnectionName
	}
	if snapName == "" {
		snapName = doc.Active.DataConnectionName
	}
	snaps, err := f.Connection(ctx, snapName)
	if err != nil {
		return nil, err
	}
	docTags, err := f.Connection(ctx, doc.Active.DocumentTagConnectionName)
	if err != nil {
		return nil, err
	}
	streamTags, err := f.Connection(ctx, doc.Active.StreamTagConnectionName)
	if err != nil {
		return nil, err
	}
	return &Stores{
		Data:         data.Data,
		Snapshots:    snaps.Snapshots,
		Documents:    data.Documents,
		DocumentTags: docTags.DocumentTags,
		StreamTags:   streamTags.StreamTags,
	}, nil
}

// Close closes every opened backend, returning the first error.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var first error
	for name, b := range f.open {
		if err := b.Close(); err != nil && first == nil {
			first = fmt.Errorf("closing %s: %w", name, err)
		}
		delete(f.open, name)
	}
	return first
}
