package stream

import (
	"context"

	"github.com/steveyegge/streambed/internal/storage"
	"github.com/steveyegge/streambed/internal/types"
)

// PreReadAction runs before the data store is read; it may tighten or
// widen the read bounds.
type PreReadAction interface {
	Name() string
	PreRead(ctx context.Context, doc *types.ObjectDocument, opts *storage.ReadOptions) error
}

// PostReadAction runs after a read, over the events about to be returned.
type PostReadAction interface {
	Name() string
	PostRead(ctx context.Context, doc *types.ObjectDocument, events []types.Event) error
}

// PreAppendAction runs inside LeasedSession.Append before the event enters
// the buffer. It may rewrite the payload and metadata; the version is
// fixed by the session and any change to it is discarded.
type PreAppendAction interface {
	Name() string
	PreAppend(ctx context.Context, doc *types.ObjectDocument, e *types.Event) error
}

// PostAppendAction runs inline during commit, once per committed event, in
// registration order. An error surfaces to the committer; the events are
// already durable by then.
type PostAppendAction interface {
	Name() string
	PostAppend(ctx context.Context, doc *types.ObjectDocument, e types.Event) error
}

// Foldable is state derived by folding a stream: an aggregate or a
// projection. ProcessSnapshot restores previously captured state so a fold
// can start mid-stream.
type Foldable interface {
	Fold(e types.Event) error
	Snapshot() ([]byte, error)
	ProcessSnapshot(data []byte) error
}
