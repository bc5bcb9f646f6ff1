// Package migrate moves a live stream between backends without losing
// writes. The executor copies events in bounded batches while producers
// keep committing, converges on the source head, quiesces the document so
// new commits fail with ErrMigrating, drains the tail, writes a close
// marker to the source, and flips the document's active stream to the
// target. After the flip the target is authoritative and the migration is
// not reversible.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/steveyegge/streambed/internal/debug"
	"github.com/steveyegge/streambed/internal/storage"
	"github.com/steveyegge/streambed/internal/telemetry"
	"github.com/steveyegge/streambed/internal/types"
)

// State names one phase of the migration state machine. Transitions are
// strictly forward except the convergence loop, which may fall back to
// copying.
type State string

const (
	StateInit             State = "Init"
	StateCopyLoop         State = "CopyLoop"
	StateConvergenceCheck State = "ConvergenceCheck"
	StateQuiesceSource    State = "QuiesceSource"
	StateFinalCopy        State = "FinalCopy"
	StateCloseSource      State = "CloseSource"
	StateDone             State = "Done"
	StateFailed           State = "Failed"
)

// ErrNotConverging is returned when the copy loop hits MaxIterations while
// the source keeps outrunning the copy by more than MinDelta events.
var ErrNotConverging = errors.New("migration not converging")

// Options tunes one migration run.
type Options struct {
	// BatchSize bounds how many events one copy reads from the source at
	// a time. Defaults to 256.
	BatchSize int

	// MaxIterations bounds the convergence loop. Defaults to 10.
	MaxIterations int

	// MinDelta is the source lead, in events, at which the executor stops
	// chasing and quiesces. Defaults to 0 (fully caught up).
	MinDelta int

	// Progress, when set, is called after every copy iteration.
	Progress func(Progress)
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 256
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = 10
	}
	if o.MinDelta < 0 {
		o.MinDelta = 0
	}
	return o
}

// Progress reports one copy iteration.
type Progress struct {
	State                     State
	Iteration                 int
	EventsCopiedThisIteration int
	TotalEventsCopied         int
	SourceVersion             int64
	TargetVersion             int64
}

// Result is the terminal report of a migration run.
type Result struct {
	Success           bool
	MigrationID       string
	ObjectName        string
	ObjectID          string
	SourceStreamID    string
	TargetStreamID    string
	TotalEventsCopied int
	Iterations        int
	Err               error
}

// LiveMigration is the context of one stream migration: the document being
// migrated, the data stores on both sides, and the shape of the target
// stream.
type LiveMigration struct {
	migrationID string
	docs        storage.ObjectDocumentStore
	source      storage.DataStore
	target      storage.DataStore

	objectName string
	objectID   string

	// targetInfo accumulates the target's chunk layout during the copy
	// and becomes the document's active stream at close.
	targetInfo types.StreamInformation

	opts Options
}

// New prepares a migration of doc's active stream into targetStream,
// whose events will be written through target. The target stream must be
// empty; when targetStream.StreamID is blank a deterministic one derived
// from the object identity and the migration id is used.
func New(docs storage.ObjectDocumentStore, source, target storage.DataStore, doc *types.ObjectDocument, targetStream types.StreamInformation, opts Options) *LiveMigration {
	id := uuid.NewString()
	if targetStream.StreamID == "" {
		targetStream.StreamID = types.DeriveStreamID(doc.ObjectName, doc.ObjectID) + "-" + id[:8]
	}
	targetStream.CurrentStreamVersion = -1
	targetStream.StreamChunks = nil
	return &LiveMigration{
		migrationID: id,
		docs:        docs,
		source:      source,
		target:      target,
		objectName:  doc.ObjectName,
		objectID:    doc.ObjectID,
		targetInfo:  targetStream,
		opts:        opts.withDefaults(),
	}
}

// MigrationID returns the run's unique identifier.
func (m *LiveMigration) MigrationID() string { return m.migrationID }

// TargetStreamID returns the stream the migration writes into.
func (m *LiveMigration) TargetStreamID() string { return m.targetInfo.StreamID }

// Run drives the state machine to completion. The returned Result always
// carries the terminal state; the error is the same one recorded in
// Result.Err. Cancellation before the close phase leaves the source
// authoritative (a set quiescing flag is cleared on the way out).
func (m *LiveMigration) Run(ctx context.Context) (*Result, error) {
	res := &Result{
		MigrationID:    m.migrationID,
		ObjectName:     m.objectName,
		ObjectID:       m.objectID,
		TargetStreamID: m.targetInfo.StreamID,
	}

	doc, err := m.docs.Get(ctx, m.objectName, m.objectID)
	if err != nil {
		return m.failed(res, fmt.Errorf("loading document: %w", err))
	}
	res.SourceStreamID = doc.Active.StreamID
	if doc.Active.StreamID == m.targetInfo.StreamID {
		return m.failed(res, fmt.Errorf("target stream equals source stream %s: %w",
			doc.Active.StreamID, storage.ErrDocumentConfiguration))
	}
	m.transition(StateInit, StateCopyLoop)

	// CopyLoop / ConvergenceCheck. copiedThrough is the next version to
	// fetch from the source; versions are preserved on the target so it
	// is also the target's next version.
	var copiedThrough int64
	quiesced := false
	for {
		res.Iterations++
		n, err := m.copyRange(ctx, doc, copiedThrough, doc.Active.CurrentStreamVersion)
		if err != nil {
			return m.failed(res, err)
		}
		copiedThrough += int64(n)
		res.TotalEventsCopied += n
		m.report(StateCopyLoop, res, n, doc, copiedThrough)

		if err := ctx.Err(); err != nil {
			return m.failed(res, err)
		}

		// ConvergenceCheck: a commit may have advanced the source while
		// this iteration ran.
		fresh, err := m.docs.Get(ctx, m.objectName, m.objectID)
		if err != nil {
			return m.failed(res, fmt.Errorf("convergence check: %w", err))
		}
		doc = fresh
		lead := doc.Active.CurrentStreamVersion + 1 - copiedThrough
		if lead <= int64(m.opts.MinDelta) {
			break
		}
		if res.Iterations >= m.opts.MaxIterations {
			return m.failed(res, fmt.Errorf("%w: source leads by %d events after %d iterations",
				ErrNotConverging, lead, res.Iterations))
		}
		m.transition(StateConvergenceCheck, StateCopyLoop)
	}
	m.transition(StateConvergenceCheck, StateQuiesceSource)

	// QuiesceSource. From here on producers see ErrMigrating; on any
	// failure before the flip the flag is cleared so the source stays
	// writable and authoritative.
	doc, err = m.setQuiescing(ctx, true)
	if err != nil {
		return m.failed(res, fmt.Errorf("quiescing source: %w", err))
	}
	quiesced = true
	defer func() {
		if quiesced {
			if _, uerr := m.setQuiescing(context.WithoutCancel(ctx), false); uerr != nil {
				debug.Logf("migrate %s: failed to clear quiescing flag: %v\n", m.migrationID, uerr)
			}
		}
	}()
	m.transition(StateQuiesceSource, StateFinalCopy)

	// FinalCopy: the source head is frozen now, drain whatever is left.
	n, err := m.copyRange(ctx, doc, copiedThrough, doc.Active.CurrentStreamVersion)
	if err != nil {
		return m.failed(res, err)
	}
	copiedThrough += int64(n)
	res.TotalEventsCopied += n
	m.report(StateFinalCopy, res, n, doc, copiedThrough)

	if err := ctx.Err(); err != nil {
		return m.failed(res, err)
	}
	m.transition(StateFinalCopy, StateCloseSource)

	// CloseSource: marker on the source tail, then flip the document.
	closeVersion := doc.Active.CurrentStreamVersion + 1
	closeEvt, err := types.NewStreamClosedEvent(closeVersion, m.migrationID, m.targetInfo.StreamID)
	if err != nil {
		return m.failed(res, err)
	}
	scratch := *doc
	if err := m.source.Append(ctx, &scratch, storage.AppendOptions{}, []storage.Recorded{{Event: closeEvt}}); err != nil {
		return m.failed(res, fmt.Errorf("writing close marker: %w", err))
	}

	doc, err = m.docs.Get(context.WithoutCancel(ctx), m.objectName, m.objectID)
	if err != nil {
		return m.failed(res, fmt.Errorf("reloading document for close: %w", err))
	}
	doc.Active.CurrentStreamVersion = closeVersion
	m.targetInfo.CurrentStreamVersion = copiedThrough - 1
	doc.Terminate(m.targetInfo, "live migration "+m.migrationID, time.Now().UTC())
	doc.Quiescing = false
	if err := m.docs.Set(context.WithoutCancel(ctx), doc); err != nil {
		return m.failed(res, fmt.Errorf("activating target stream: %w", err))
	}
	quiesced = false
	m.transition(StateCloseSource, StateDone)

	telemetry.RecordMigration(ctx)
	res.Success = true
	return res, nil
}

// copyRange copies source events in [from, head] to the target in batches,
// preserving versions, timestamps and metadata. The close marker type is
// never copied. Returns how many events were written.
func (m *LiveMigration) copyRange(ctx context.Context, doc *types.ObjectDocument, from, head int64) (int, error) {
	copied := 0
	for next := from; next <= head; {
		until := next + int64(m.opts.BatchSize) - 1
		if until > head {
			until = head
		}
		recs, err := m.source.Read(ctx, doc, storage.ReadOptions{StartVersion: next, UntilVersion: until, Chunk: -1})
		if err != nil {
			return copied, fmt.Errorf("reading source [%d,%d]: %w", next, until, err)
		}
		if len(recs) == 0 {
			break
		}
		if err := storage.VerifyContiguous(recs, next); err != nil {
			return copied, err
		}
		batch := recs[:0:0]
		for _, r := range recs {
			if r.Event.Type == types.StreamClosedEventType {
				continue
			}
			batch = append(batch, r)
		}
		if err := m.appendToTarget(ctx, batch); err != nil {
			return copied, fmt.Errorf("appending to target [%d,%d]: %w", next, until, err)
		}
		copied += len(batch)
		next += int64(len(recs))
	}
	return copied, nil
}

func (m *LiveMigration) appendToTarget(ctx context.Context, recs []storage.Recorded) error {
	if len(recs) == 0 {
		return nil
	}
	// The target store plans chunks against the document it is handed;
	// route it through a scratch document whose active stream is the
	// target so the layout accumulates in targetInfo.
	scratch := types.ObjectDocument{
		ObjectName:    m.objectName,
		ObjectID:      m.objectID,
		SchemaVersion: 1,
		Active:        m.targetInfo,
	}
	if err := m.target.Append(ctx, &scratch, storage.AppendOptions{PreserveTimestamps: true}, recs); err != nil {
		return err
	}
	m.targetInfo = scratch.Active
	return nil
}

func (m *LiveMigration) setQuiescing(ctx context.Context, v bool) (*types.ObjectDocument, error) {
	// The flag toggles under optimistic concurrency; racing commits may
	// bump the document hash, so retry on conflict with a fresh read.
	for attempt := 0; ; attempt++ {
		doc, err := m.docs.Get(ctx, m.objectName, m.objectID)
		if err != nil {
			return nil, err
		}
		doc.Quiescing = v
		err = m.docs.Set(ctx, doc)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, storage.ErrConcurrency) || attempt >= 5 {
			return nil, err
		}
	}
}

func (m *LiveMigration) report(state State, res *Result, copiedNow int, doc *types.ObjectDocument, copiedThrough int64) {
	if m.opts.Progress == nil {
		return
	}
	m.opts.Progress(Progress{
		State:                     state,
		Iteration:                 res.Iterations,
		EventsCopiedThisIteration: copiedNow,
		TotalEventsCopied:         res.TotalEventsCopied,
		SourceVersion:             doc.Active.CurrentStreamVersion,
		TargetVersion:             copiedThrough - 1,
	})
}

func (m *LiveMigration) transition(from, to State) {
	debug.Logf("migrate %s: %s -> %s\n", m.migrationID, from, to)
}

func (m *LiveMigration) failed(res *Result, err error) (*Result, error) {
	debug.Logf("migrate %s: -> %s: %v\n", m.migrationID, StateFailed, err)
	res.Err = err
	return res, err
}

// MigrateMany runs migrations concurrently, at most maxConcurrency at a
// time. Each migration's Result is returned in input order; the first
// error cancels the remaining runs unless continueOnError is set.
func MigrateMany(ctx context.Context, migrations []*LiveMigration, maxConcurrency int, continueOnError bool) ([]*Result, error) {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	sem := semaphore.NewWeighted(int64(maxConcurrency))
	results := make([]*Result, len(migrations))

	g, gctx := errgroup.WithContext(ctx)
	for i, m := range migrations {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			res, err := m.Run(gctx)
			results[i] = res
			if err != nil && !continueOnError {
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}
