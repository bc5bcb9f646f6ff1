package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/steveyegge/streambed/internal/debug"
	"github.com/steveyegge/streambed/internal/postcommit"
	"github.com/steveyegge/streambed/internal/storage"
	"github.com/steveyegge/streambed/internal/types"
)

// ReadOptions bounds an EventStream read.
type ReadOptions struct {
	StartVersion int64
	UntilVersion int64 // < 0 means head

	// UseExternalSequencer orders the result by the events' external
	// sequencer hints (stable, so same-sequencer events keep version
	// order) instead of pure version order.
	UseExternalSequencer bool
}

// DefaultReadOptions reads the whole stream in version order.
func DefaultReadOptions() ReadOptions {
	return ReadOptions{StartVersion: 0, UntilVersion: -1}
}

// EventStream is the engine surface for one object document. It is safe
// for concurrent reads; sessions serialize writes through optimistic
// concurrency at commit time. The document held by the stream is a
// snapshot — commits re-read it from the store.
type EventStream struct {
	mu  sync.RWMutex
	doc *types.ObjectDocument

	data  storage.DataStore
	docs  storage.ObjectDocumentStore
	snaps storage.SnapshotStore

	registry *EventTypeRegistry
	executor *postcommit.Executor

	preRead    []PreReadAction
	postRead   []PostReadAction
	preAppend  []PreAppendAction
	postAppend []PostAppendAction
	postCommit []postcommit.Action
}

// New creates an EventStream over a document and its resolved stores.
// A nil registry gets a fresh empty one; a nil executor gets the default
// retry policy.
func NewEventStream(doc *types.ObjectDocument, data storage.DataStore, docs storage.ObjectDocumentStore, snaps storage.SnapshotStore, registry *EventTypeRegistry, executor *postcommit.Executor) *EventStream {
	if registry == nil {
		registry = NewEventTypeRegistry()
	}
	if executor == nil {
		executor = postcommit.NewExecutor(postcommit.DefaultRetryPolicy(), 0)
	}
	return &EventStream{
		doc:      doc,
		data:     data,
		docs:     docs,
		snaps:    snaps,
		registry: registry,
		executor: executor,
	}
}

// Document returns the stream's current document snapshot.
func (s *EventStream) Document() *types.ObjectDocument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc
}

// Registry returns the stream's event type registry.
func (s *EventStream) Registry() *EventTypeRegistry { return s.registry }

// Executor returns the post-commit executor, mainly so callers can consume
// its result channel.
func (s *EventStream) Executor() *postcommit.Executor { return s.executor }

// Action registration. Actions captured by a session are fixed at session
// creation; registering later affects only new sessions.

func (s *EventStream) RegisterPreReadAction(a PreReadAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preRead = append(s.preRead, a)
}

func (s *EventStream) RegisterPostReadAction(a PostReadAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postRead = append(s.postRead, a)
}

func (s *EventStream) RegisterPreAppendAction(a PreAppendAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preAppend = append(s.preAppend, a)
}

func (s *EventStream) RegisterPostAppendAction(a PostAppendAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postAppend = append(s.postAppend, a)
}

func (s *EventStream) RegisterPostCommitAction(a postcommit.Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postCommit = append(s.postCommit, a)
}

// Read returns committed events in [StartVersion, min(UntilVersion, head)]
// and verifies the run is gapless. A gap means the stream is corrupt and
// surfaces as ErrStreamIntegrity.
func (s *EventStream) Read(ctx context.Context, opts ReadOptions) ([]types.Event, error) {
	s.mu.RLock()
	doc := s.doc
	preRead := s.preRead
	postRead := s.postRead
	s.mu.RUnlock()

	storeOpts := storage.ReadOptions{StartVersion: opts.StartVersion, UntilVersion: opts.UntilVersion, Chunk: -1}
	for _, a := range preRead {
		if err := a.PreRead(ctx, doc, &storeOpts); err != nil {
			return nil, fmt.Errorf("pre-read action %s: %w", a.Name(), err)
		}
	}
	recs, err := s.data.Read(ctx, doc, storeOpts)
	if err != nil {
		return nil, err
	}
	events := make([]types.Event, 0, len(recs))
	for _, r := range recs {
		events = append(events, r.Event)
	}
	if len(events) > 0 {
		want := storeOpts.StartVersion
		if want < 0 {
			want = 0
		}
		if events[0].Version != want {
			return nil, &storage.IntegrityError{Want: want, Got: events[0].Version}
		}
		if err := storage.VerifyContiguous(recs, events[0].Version); err != nil {
			return nil, err
		}
	}
	if opts.UseExternalSequencer {
		sort.SliceStable(events, func(i, j int) bool {
			return events[i].ExternalSequencer < events[j].ExternalSequencer
		})
	}
	for _, a := range postRead {
		if err := a.PostRead(ctx, doc, events); err != nil {
			return nil, fmt.Errorf("post-read action %s: %w", a.Name(), err)
		}
	}
	return events, nil
}

// ReadStream returns a lazy cursor over the committed range with the same
// bounds semantics as Read; integrity checking is the caller's concern on
// this path.
func (s *EventStream) ReadStream(ctx context.Context, opts ReadOptions) (storage.Cursor, error) {
	s.mu.RLock()
	doc := s.doc
	s.mu.RUnlock()
	return s.data.ReadStream(ctx, doc, storage.ReadOptions{
		StartVersion: opts.StartVersion,
		UntilVersion: opts.UntilVersion,
		Chunk:        -1,
	})
}

// Session runs body against a fresh leased session and commits it. The
// session is single-use; when body returns an error the commit is skipped
// and the error returned.
func (s *EventStream) Session(ctx context.Context, constraint Constraint, body func(*LeasedSession) error) error {
	sess := s.NewSession(constraint)
	if err := body(sess); err != nil {
		sess.fail(err)
		return err
	}
	return sess.Commit(ctx)
}

// NewSession opens a leased session for manual control over commit.
func (s *EventStream) NewSession(constraint Constraint) *LeasedSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &LeasedSession{
		stream:     s,
		constraint: constraint,
		expected:   s.doc.Active.CurrentStreamVersion,
		preAppend:  append([]PreAppendAction(nil), s.preAppend...),
		postAppend: append([]PostAppendAction(nil), s.postAppend...),
		postCommit: append([]postcommit.Action(nil), s.postCommit...),
	}
}

// Snapshot folds the stream up to and including untilVersion and stores
// the resulting state under {untilVersion, name}. An existing snapshot at
// or before untilVersion seeds the fold.
func (s *EventStream) Snapshot(ctx context.Context, fold Foldable, untilVersion int64, name string) error {
	if err := s.Hydrate(ctx, fold, untilVersion); err != nil {
		return err
	}
	data, err := fold.Snapshot()
	if err != nil {
		return fmt.Errorf("capturing snapshot state: %w: %v", storage.ErrSerialization, err)
	}
	s.mu.RLock()
	doc := s.doc
	s.mu.RUnlock()
	return s.snaps.Set(ctx, doc, untilVersion, name, data)
}

// GetSnapshot loads the stored snapshot at exactly {version, name} into
// fold. It returns storage.ErrNotFound when absent.
func (s *EventStream) GetSnapshot(ctx context.Context, fold Foldable, version int64, name string) error {
	s.mu.RLock()
	doc := s.doc
	s.mu.RUnlock()
	data, err := s.snaps.Get(ctx, doc, version, name)
	if err != nil {
		return err
	}
	if err := fold.ProcessSnapshot(data); err != nil {
		return fmt.Errorf("restoring snapshot state: %w: %v", storage.ErrSerialization, err)
	}
	return nil
}

// Hydrate rebuilds fold up to and including untilVersion (head when < 0),
// starting from the newest unnamed snapshot at or before that version when
// one exists.
func (s *EventStream) Hydrate(ctx context.Context, fold Foldable, untilVersion int64) error {
	s.mu.RLock()
	doc := s.doc
	s.mu.RUnlock()

	start := int64(0)
	metas, err := s.snaps.List(ctx, doc)
	if err != nil {
		return err
	}
	for _, m := range metas { // sorted version descending
		if m.Name != "" {
			continue
		}
		if untilVersion >= 0 && m.Version > untilVersion {
			continue
		}
		data, err := s.snaps.Get(ctx, doc, m.Version, "")
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fold.ProcessSnapshot(data); err != nil {
			return fmt.Errorf("restoring snapshot state: %w: %v", storage.ErrSerialization, err)
		}
		start = m.Version + 1
		debug.Logf("stream %s: hydrating from snapshot at %d\n", doc.Active.StreamID, m.Version)
		break
	}

	events, err := s.Read(ctx, ReadOptions{StartVersion: start, UntilVersion: untilVersion})
	if err != nil {
		return err
	}
	for _, e := range events {
		if err := fold.Fold(e); err != nil {
			return fmt.Errorf("folding event %d: %w", e.Version, err)
		}
	}
	return nil
}

// ListSnapshots lists the stream's snapshots, newest version first.
func (s *EventStream) ListSnapshots(ctx context.Context) ([]types.SnapshotMetadata, error) {
	s.mu.RLock()
	doc := s.doc
	s.mu.RUnlock()
	return s.snaps.List(ctx, doc)
}

// DeleteSnapshot removes one snapshot; false when it did not exist.
func (s *EventStream) DeleteSnapshot(ctx context.Context, version int64, name string) (bool, error) {
	s.mu.RLock()
	doc := s.doc
	s.mu.RUnlock()
	return s.snaps.Delete(ctx, doc, version, name)
}

// DeleteSnapshots removes unnamed snapshots at the given versions and
// returns how many existed.
func (s *EventStream) DeleteSnapshots(ctx context.Context, versions []int64) (int, error) {
	s.mu.RLock()
	doc := s.doc
	s.mu.RUnlock()
	return s.snaps.DeleteMany(ctx, doc, versions)
}

// reload swaps in a freshly read document after a commit or a conflict.
func (s *EventStream) reload(doc *types.ObjectDocument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = doc
}
