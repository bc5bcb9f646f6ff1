package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/steveyegge/streambed/internal/debug"
	"github.com/steveyegge/streambed/internal/postcommit"
	"github.com/steveyegge/streambed/internal/storage"
	"github.com/steveyegge/streambed/internal/telemetry"
	"github.com/steveyegge/streambed/internal/types"
)

// Constraint is the precondition a leased session enforces at commit.
// The integer values are part of the wire encoding.
type Constraint int

const (
	// Loose accepts any stream state: create or append.
	Loose Constraint = 0
	// New requires an empty stream (currentStreamVersion == -1).
	New Constraint = 1
	// Existing requires at least one committed event.
	Existing Constraint = 2
)

func (c Constraint) String() string {
	switch c {
	case Loose:
		return "Loose"
	case New:
		return "New"
	case Existing:
		return "Existing"
	default:
		return fmt.Sprintf("Constraint(%d)", int(c))
	}
}

// ErrSessionClosed is returned when a session is used after commit or
// failure. Sessions are single-use.
var ErrSessionClosed = errors.New("session closed")

type sessionState int

const (
	sessionOpen sessionState = iota
	sessionCommitting
	sessionCommitted
	sessionFailed
)

// LeasedSession is a single-use write transaction over one stream. It
// buffers appends in memory, enforces its constraint and the optimistic
// concurrency check at commit, runs the registered action chains, and
// schedules post-commit actions through the executor. Not safe for
// concurrent use.
type LeasedSession struct {
	stream     *EventStream
	constraint Constraint

	// expected is the stream head observed at session creation; the
	// first buffered event gets version expected+1.
	expected int64

	buffer []types.Event
	state  sessionState
	err    error

	preAppend  []PreAppendAction
	postAppend []PostAppendAction
	postCommit []postcommit.Action
}

// AppendOption customizes one Append call.
type AppendOption func(*appendConfig)

type appendConfig struct {
	action        *types.ActionMetadata
	overrideType  string
	externalSeq   string
	metadata      map[string]string
	rawPayload    bool
	schemaVersion int
}

// WithActionMetadata attaches causality/idempotency context to the event.
func WithActionMetadata(m types.ActionMetadata) AppendOption {
	return func(c *appendConfig) { c.action = &m }
}

// WithEventType overrides the registry-derived event type name.
func WithEventType(name string) AppendOption {
	return func(c *appendConfig) { c.overrideType = name }
}

// WithExternalSequencer attaches a cross-stream ordering hint.
func WithExternalSequencer(seq string) AppendOption {
	return func(c *appendConfig) { c.externalSeq = seq }
}

// WithMetadata attaches free-form string metadata.
func WithMetadata(m map[string]string) AppendOption {
	return func(c *appendConfig) { c.metadata = m }
}

// WithRawPayload skips registry encoding: the payload must be a string or
// []byte and WithEventType must name the type. Migration and restore use
// this to carry events whose types the local registry does not know.
func WithRawPayload() AppendOption {
	return func(c *appendConfig) { c.rawPayload = true }
}

// WithSchemaVersion overrides the schema version on a raw payload.
func WithSchemaVersion(v int) AppendOption {
	return func(c *appendConfig) { c.schemaVersion = v }
}

// Append validates payload against the event type registry, builds the
// event at the next buffered version, runs the pre-append actions in
// registration order, and buffers it. Nothing is durable until Commit.
func (s *LeasedSession) Append(ctx context.Context, payload interface{}, opts ...AppendOption) (types.Event, error) {
	if s.state != sessionOpen {
		return types.Event{}, fmt.Errorf("append: %w", ErrSessionClosed)
	}
	var cfg appendConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	var enc Encoded
	if cfg.rawPayload {
		if cfg.overrideType == "" {
			return types.Event{}, fmt.Errorf("append: raw payload needs an event type: %w", storage.ErrSerialization)
		}
		raw, err := rawString(payload)
		if err != nil {
			return types.Event{}, err
		}
		enc = Encoded{TypeName: cfg.overrideType, SchemaVersion: 1, Payload: raw}
		if cfg.schemaVersion >= 1 {
			enc.SchemaVersion = cfg.schemaVersion
		}
	} else {
		var err error
		enc, err = s.stream.registry.Encode(payload)
		if err != nil {
			return types.Event{}, err
		}
		if cfg.overrideType != "" {
			enc.TypeName = cfg.overrideType
		}
	}

	version := s.expected + 1 + int64(len(s.buffer))
	e := types.Event{
		Payload:           enc.Payload,
		Type:              enc.TypeName,
		Version:           version,
		SchemaVersion:     enc.SchemaVersion,
		ExternalSequencer: cfg.externalSeq,
		Action:            cfg.action,
		Metadata:          cfg.metadata,
	}

	doc := s.stream.Document()
	for _, a := range s.preAppend {
		if err := a.PreAppend(ctx, doc, &e); err != nil {
			return types.Event{}, fmt.Errorf("pre-append action %s: %w", a.Name(), err)
		}
	}
	// Pre-append actions may rewrite the payload but never the version.
	e.Version = version

	s.buffer = append(s.buffer, e)
	return e, nil
}

// Read returns committed events merged with the uncommitted buffer,
// concatenated by version.
func (s *LeasedSession) Read(ctx context.Context, opts ReadOptions) ([]types.Event, error) {
	committed, err := s.stream.Read(ctx, ReadOptions{
		StartVersion: opts.StartVersion,
		UntilVersion: opts.UntilVersion,
	})
	if err != nil {
		return nil, err
	}
	out := committed
	until := opts.UntilVersion
	for _, e := range s.buffer {
		if e.Version < opts.StartVersion {
			continue
		}
		if until >= 0 && e.Version > until {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

// IsTerminated reports whether streamID is one of the document's closed
// stream incarnations.
func (s *LeasedSession) IsTerminated(streamID string) bool {
	return s.stream.Document().IsTerminated(streamID)
}

// Buffered returns the uncommitted events. After a failed commit the
// buffer remains available for inspection; the session itself cannot be
// retried.
func (s *LeasedSession) Buffered() []types.Event {
	out := make([]types.Event, len(s.buffer))
	copy(out, s.buffer)
	return out
}

// Committed reports whether the session reached its terminal success
// state.
func (s *LeasedSession) Committed() bool { return s.state == sessionCommitted }

// Failed reports whether the session reached its terminal failure state.
func (s *LeasedSession) Failed() bool { return s.state == sessionFailed }

// Err returns the error that failed the session, if any.
func (s *LeasedSession) Err() error { return s.err }

func (s *LeasedSession) fail(err error) {
	s.state = sessionFailed
	s.err = err
}

// Commit makes the buffered events durable. The pipeline: constraint and
// concurrency checks against a freshly read document, data store append,
// document update and conditional persist, inline post-append actions,
// then post-commit scheduling. Cancellation is honored only up to the data
// store append — once events are durable the document update always runs.
func (s *LeasedSession) Commit(ctx context.Context) error {
	switch s.state {
	case sessionOpen:
	case sessionCommitting:
		return fmt.Errorf("commit reentered: %w", ErrSessionClosed)
	default:
		return fmt.Errorf("commit: %w", ErrSessionClosed)
	}
	if len(s.buffer) == 0 {
		s.state = sessionCommitted
		return nil
	}
	s.state = sessionCommitting

	doc := s.stream.Document()
	fresh, err := s.stream.docs.Get(ctx, doc.ObjectName, doc.ObjectID)
	if err != nil {
		s.fail(err)
		return err
	}
	if fresh.Quiescing {
		err := fmt.Errorf("stream %s: %w", fresh.Active.StreamID, storage.ErrMigrating)
		s.fail(err)
		return err
	}
	if err := s.checkConstraint(fresh); err != nil {
		s.fail(err)
		return err
	}
	if fresh.Active.CurrentStreamVersion != s.expected {
		err := fmt.Errorf("stream %s: head moved from %d to %d: %w",
			fresh.Active.StreamID, s.expected, fresh.Active.CurrentStreamVersion, storage.ErrConcurrency)
		s.fail(err)
		return err
	}

	recs := make([]storage.Recorded, len(s.buffer))
	for i, e := range s.buffer {
		recs[i] = storage.Recorded{Event: e}
	}
	if err := s.stream.data.Append(ctx, fresh, storage.AppendOptions{}, recs); err != nil {
		s.fail(err)
		return err
	}

	// Past this point the events are durable: the document update must
	// complete even if the caller's context is being cancelled.
	tail := context.WithoutCancel(ctx)
	fresh.Active.CurrentStreamVersion = s.buffer[len(s.buffer)-1].Version
	if err := s.stream.docs.Set(tail, fresh); err != nil {
		if errors.Is(err, storage.ErrConcurrency) {
			if latest, gerr := s.stream.docs.Get(tail, doc.ObjectName, doc.ObjectID); gerr == nil {
				s.stream.reload(latest)
			}
		}
		s.fail(err)
		return err
	}
	s.stream.reload(fresh)

	for _, e := range s.buffer {
		for _, a := range s.postAppend {
			if err := a.PostAppend(tail, fresh, e); err != nil {
				// The commit is durable; the action chain is not.
				s.fail(fmt.Errorf("post-append action %s: %w", a.Name(), err))
				return s.err
			}
		}
	}

	s.stream.executor.Schedule(tail, s.postCommit, fresh, s.Buffered())
	telemetry.RecordCommit(tail, len(s.buffer))
	debug.Logf("stream %s: committed %d events up to %d\n",
		fresh.Active.StreamID, len(s.buffer), fresh.Active.CurrentStreamVersion)

	s.state = sessionCommitted
	return nil
}

func (s *LeasedSession) checkConstraint(doc *types.ObjectDocument) error {
	head := doc.Active.CurrentStreamVersion
	switch s.constraint {
	case Loose:
		return nil
	case New:
		if head != -1 {
			return fmt.Errorf("constraint New on stream %s with head %d: %w",
				doc.Active.StreamID, head, storage.ErrConstraint)
		}
	case Existing:
		if head < 0 {
			return fmt.Errorf("constraint Existing on empty stream %s: %w",
				doc.Active.StreamID, storage.ErrConstraint)
		}
	default:
		return fmt.Errorf("unknown constraint %d: %w", int(s.constraint), storage.ErrConstraint)
	}
	return nil
}

func rawString(payload interface{}) (string, error) {
	switch p := payload.(type) {
	case string:
		return p, nil
	case []byte:
		return string(p), nil
	default:
		return "", fmt.Errorf("raw payload must be string or []byte, got %T: %w", payload, storage.ErrSerialization)
	}
}
