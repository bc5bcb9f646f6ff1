package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/steveyegge/streambed/internal/postcommit"
	"github.com/steveyegge/streambed/internal/storage"
	"github.com/steveyegge/streambed/internal/storage/memory"
	"github.com/steveyegge/streambed/internal/types"
)

type orderCreated struct {
	ID string `json:"id"`
}

type amountAdded struct {
	Amount int `json:"amount"`
}

// counter folds amountAdded events into a running total.
type counter struct {
	Total int `json:"total"`
}

func (c *counter) Fold(e types.Event) error {
	if e.Type != "AmountAdded" {
		return nil
	}
	var a amountAdded
	if err := json.Unmarshal([]byte(e.Payload), &a); err != nil {
		return err
	}
	c.Total += a.Amount
	return nil
}

func (c *counter) Snapshot() ([]byte, error) { return json.Marshal(c) }

func (c *counter) ProcessSnapshot(data []byte) error { return json.Unmarshal(data, c) }

func testPolicy() postcommit.RetryPolicy {
	return postcommit.RetryPolicy{
		MaxRetries:        1,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func newTestStream(t *testing.T) (*EventStream, *memory.DocumentStore) {
	t.Helper()
	docs := memory.NewDocumentStore(types.StreamTypeMemory, types.StreamChunkSettings{})
	doc, err := docs.GetOrCreate(context.Background(), "Order", "o1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	reg := NewEventTypeRegistry()
	if err := RegisterEventType[orderCreated](reg, "OrderCreated", 1); err != nil {
		t.Fatalf("register OrderCreated: %v", err)
	}
	if err := RegisterEventType[amountAdded](reg, "AmountAdded", 1); err != nil {
		t.Fatalf("register AmountAdded: %v", err)
	}
	exec := postcommit.NewExecutor(testPolicy(), 16)
	return NewEventStream(doc, memory.NewDataStore(), docs, memory.NewSnapshotStore(), reg, exec), docs
}

func TestSessionCreateAndRead(t *testing.T) {
	ctx := context.Background()
	s, docs := newTestStream(t)

	err := s.Session(ctx, Loose, func(sess *LeasedSession) error {
		_, err := sess.Append(ctx, orderCreated{ID: "o1"})
		return err
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	events, err := s.Read(ctx, DefaultReadOptions())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	e := events[0]
	if e.Type != "OrderCreated" {
		t.Errorf("type = %q, want OrderCreated", e.Type)
	}
	if e.Version != 0 {
		t.Errorf("version = %d, want 0", e.Version)
	}
	if e.Payload != `{"id":"o1"}` {
		t.Errorf("payload = %q", e.Payload)
	}

	doc, err := docs.Get(ctx, "Order", "o1")
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if doc.Active.CurrentStreamVersion != 0 {
		t.Errorf("currentStreamVersion = %d, want 0", doc.Active.CurrentStreamVersion)
	}
}

func TestConstraintNewOnExistingStream(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStream(t)

	if err := s.Session(ctx, Loose, func(sess *LeasedSession) error {
		_, err := sess.Append(ctx, orderCreated{ID: "o1"})
		return err
	}); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	err := s.Session(ctx, New, func(sess *LeasedSession) error {
		_, err := sess.Append(ctx, amountAdded{Amount: 1})
		return err
	})
	if !errors.Is(err, storage.ErrConstraint) {
		t.Fatalf("err = %v, want ErrConstraint", err)
	}

	events, err := s.Read(ctx, DefaultReadOptions())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("got %d events after failed commit, want 1", len(events))
	}
}

func TestConstraintExistingOnEmptyStream(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStream(t)

	err := s.Session(ctx, Existing, func(sess *LeasedSession) error {
		_, err := sess.Append(ctx, amountAdded{Amount: 1})
		return err
	})
	if !errors.Is(err, storage.ErrConstraint) {
		t.Fatalf("err = %v, want ErrConstraint", err)
	}
}

func TestSessionIsSingleUse(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStream(t)

	sess := s.NewSession(Loose)
	if _, err := sess.Append(ctx, orderCreated{ID: "o1"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := sess.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !sess.Committed() {
		t.Fatal("session not committed")
	}
	if _, err := sess.Append(ctx, amountAdded{Amount: 1}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("append after commit: err = %v, want ErrSessionClosed", err)
	}
	if err := sess.Commit(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("second commit: err = %v, want ErrSessionClosed", err)
	}
}

func TestEmptyCommitSucceeds(t *testing.T) {
	ctx := context.Background()
	s, docs := newTestStream(t)

	if err := s.Session(ctx, Loose, func(sess *LeasedSession) error { return nil }); err != nil {
		t.Fatalf("empty commit: %v", err)
	}
	doc, err := docs.Get(ctx, "Order", "o1")
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if doc.Active.CurrentStreamVersion != -1 {
		t.Errorf("currentStreamVersion = %d, want -1", doc.Active.CurrentStreamVersion)
	}
}

func TestSessionVersionsFollowBufferOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStream(t)

	err := s.Session(ctx, Loose, func(sess *LeasedSession) error {
		for i := 0; i < 5; i++ {
			e, err := sess.Append(ctx, amountAdded{Amount: i})
			if err != nil {
				return err
			}
			if e.Version != int64(i) {
				return fmt.Errorf("buffered version %d, want %d", e.Version, i)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	events, err := s.Read(ctx, DefaultReadOptions())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for i, e := range events {
		if e.Version != int64(i) {
			t.Errorf("events[%d].Version = %d", i, e.Version)
		}
	}
}

func TestConcurrentSessionsLoserGetsConcurrency(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStream(t)

	first := s.NewSession(Loose)
	second := s.NewSession(Loose)

	if _, err := first.Append(ctx, orderCreated{ID: "o1"}); err != nil {
		t.Fatalf("append first: %v", err)
	}
	if _, err := second.Append(ctx, amountAdded{Amount: 1}); err != nil {
		t.Fatalf("append second: %v", err)
	}
	if err := first.Commit(ctx); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	err := second.Commit(ctx)
	if !errors.Is(err, storage.ErrConcurrency) {
		t.Fatalf("second commit: err = %v, want ErrConcurrency", err)
	}
	if !second.Failed() {
		t.Error("losing session not in failed state")
	}
	if got := second.Buffered(); len(got) != 1 {
		t.Errorf("loser buffer = %d events, want 1 retained for inspection", len(got))
	}
}

func TestCommitRejectedWhileQuiescing(t *testing.T) {
	ctx := context.Background()
	s, docs := newTestStream(t)

	doc, err := docs.Get(ctx, "Order", "o1")
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	doc.Quiescing = true
	if err := docs.Set(ctx, doc); err != nil {
		t.Fatalf("set quiescing: %v", err)
	}

	err = s.Session(ctx, Loose, func(sess *LeasedSession) error {
		_, err := sess.Append(ctx, amountAdded{Amount: 1})
		return err
	})
	if !errors.Is(err, storage.ErrMigrating) {
		t.Fatalf("err = %v, want ErrMigrating", err)
	}
}

func TestSessionReadMergesBuffer(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStream(t)

	if err := s.Session(ctx, Loose, func(sess *LeasedSession) error {
		_, err := sess.Append(ctx, orderCreated{ID: "o1"})
		return err
	}); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	sess := s.NewSession(Existing)
	if _, err := sess.Append(ctx, amountAdded{Amount: 7}); err != nil {
		t.Fatalf("append: %v", err)
	}
	events, err := sess.Read(ctx, ReadOptions{StartVersion: 0, UntilVersion: -1})
	if err != nil {
		t.Fatalf("session read: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want committed+buffered = 2", len(events))
	}
	if events[0].Version != 0 || events[1].Version != 1 {
		t.Errorf("versions = %d,%d, want 0,1", events[0].Version, events[1].Version)
	}
	if events[1].Type != "AmountAdded" {
		t.Errorf("buffered type = %q", events[1].Type)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStream(t)

	err := s.Session(ctx, Loose, func(sess *LeasedSession) error {
		for i := 0; i < 500; i++ {
			if _, err := sess.Append(ctx, amountAdded{Amount: 1}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	var mid counter
	if err := s.Snapshot(ctx, &mid, 250, ""); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	metas, err := s.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(metas) != 1 || metas[0].Version != 250 {
		t.Fatalf("snapshots = %+v, want one entry at version 250", metas)
	}

	// A fresh fold must seed from the stored snapshot and only replay the
	// tail to reach the full total.
	var full counter
	if err := s.Hydrate(ctx, &full, -1); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if full.Total != 500 {
		t.Errorf("total = %d, want 500", full.Total)
	}
}

func TestGetSnapshotMissing(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStream(t)

	var c counter
	err := s.GetSnapshot(ctx, &c, 10, "")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteSnapshots(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStream(t)

	if err := s.Session(ctx, Loose, func(sess *LeasedSession) error {
		for i := 0; i < 10; i++ {
			if _, err := sess.Append(ctx, amountAdded{Amount: 1}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	var c counter
	for _, v := range []int64{3, 6, 9} {
		if err := s.Snapshot(ctx, &c, v, ""); err != nil {
			t.Fatalf("snapshot at %d: %v", v, err)
		}
		c = counter{}
	}

	ok, err := s.DeleteSnapshot(ctx, 3, "")
	if err != nil || !ok {
		t.Fatalf("delete existing: ok=%v err=%v", ok, err)
	}
	ok, err = s.DeleteSnapshot(ctx, 3, "")
	if err != nil || ok {
		t.Fatalf("delete missing: ok=%v err=%v, want false,nil", ok, err)
	}
	n, err := s.DeleteSnapshots(ctx, []int64{6, 9, 42})
	if err != nil {
		t.Fatalf("delete many: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d, want 2", n)
	}
}

func TestReadUsesExternalSequencerOrdering(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStream(t)

	err := s.Session(ctx, Loose, func(sess *LeasedSession) error {
		for _, seq := range []string{"b", "a", "c"} {
			if _, err := sess.Append(ctx, amountAdded{Amount: 1}, WithExternalSequencer(seq)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	events, err := s.Read(ctx, ReadOptions{StartVersion: 0, UntilVersion: -1, UseExternalSequencer: true})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got := []string{events[0].ExternalSequencer, events[1].ExternalSequencer, events[2].ExternalSequencer}
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sequencer order = %v, want %v", got, want)
		}
	}
}

// gappedDataStore returns a run of events with a hole in the versions.
type gappedDataStore struct{}

func (gappedDataStore) Append(context.Context, *types.ObjectDocument, storage.AppendOptions, []storage.Recorded) error {
	return nil
}

func (gappedDataStore) Read(context.Context, *types.ObjectDocument, storage.ReadOptions) ([]storage.Recorded, error) {
	return []storage.Recorded{
		{Event: types.Event{Type: "A", Version: 0}},
		{Event: types.Event{Type: "A", Version: 2}},
	}, nil
}

func (gappedDataStore) ReadStream(context.Context, *types.ObjectDocument, storage.ReadOptions) (storage.Cursor, error) {
	return nil, nil
}

func TestReadReportsVersionGap(t *testing.T) {
	ctx := context.Background()
	docs := memory.NewDocumentStore(types.StreamTypeMemory, types.StreamChunkSettings{})
	doc, err := docs.GetOrCreate(ctx, "Order", "o1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	s := NewEventStream(doc, gappedDataStore{}, docs, memory.NewSnapshotStore(), nil, nil)

	_, err = s.Read(ctx, DefaultReadOptions())
	if !errors.Is(err, storage.ErrStreamIntegrity) {
		t.Fatalf("err = %v, want ErrStreamIntegrity", err)
	}
}

type renamingPreAppend struct{}

func (renamingPreAppend) Name() string { return "renamer" }

func (renamingPreAppend) PreAppend(_ context.Context, _ *types.ObjectDocument, e *types.Event) error {
	e.Metadata = map[string]string{"touched": "yes"}
	e.Version = 9999 // must be discarded by the session
	return nil
}

func TestPreAppendActionCannotChangeVersion(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStream(t)
	s.RegisterPreAppendAction(renamingPreAppend{})

	sess := s.NewSession(Loose)
	e, err := sess.Append(ctx, orderCreated{ID: "o1"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if e.Version != 0 {
		t.Errorf("version = %d, want 0 despite action mutation", e.Version)
	}
	if e.Metadata["touched"] != "yes" {
		t.Error("pre-append metadata mutation lost")
	}
}

type failingPostCommit struct{}

func (failingPostCommit) Name() string { return "always-fails" }

func (failingPostCommit) PostCommit(context.Context, *types.ObjectDocument, []types.Event) error {
	return errors.New("downstream unavailable")
}

func TestPostCommitFailureDoesNotAffectDurability(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStream(t)
	s.RegisterPostCommitAction(failingPostCommit{})

	err := s.Session(ctx, Loose, func(sess *LeasedSession) error {
		_, err := sess.Append(ctx, orderCreated{ID: "o1"})
		return err
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	select {
	case r := <-s.Executor().Results():
		if r.Succeeded() {
			t.Error("expected failed action result")
		}
		if r.Name != "always-fails" {
			t.Errorf("result name = %q", r.Name)
		}
		if r.RetryAttempts != 1 {
			t.Errorf("retryAttempts = %d, want 1", r.RetryAttempts)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no post-commit result")
	}

	events, err := s.Read(ctx, DefaultReadOptions())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("got %d events, want 1", len(events))
	}
}

func TestAppendRawPayload(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStream(t)

	sess := s.NewSession(Loose)
	e, err := sess.Append(ctx, `{"foreign":true}`, WithRawPayload(), WithEventType("ForeignEvent"), WithSchemaVersion(3))
	if err != nil {
		t.Fatalf("append raw: %v", err)
	}
	if e.Type != "ForeignEvent" || e.SchemaVersion != 3 || e.Payload != `{"foreign":true}` {
		t.Errorf("raw event = %+v", e)
	}

	if _, err := sess.Append(ctx, `{}`, WithRawPayload()); !errors.Is(err, storage.ErrSerialization) {
		t.Errorf("raw without type: err = %v, want ErrSerialization", err)
	}
	if _, err := sess.Append(ctx, 42, WithRawPayload(), WithEventType("X")); !errors.Is(err, storage.ErrSerialization) {
		t.Errorf("raw non-string: err = %v, want ErrSerialization", err)
	}
}

func TestAppendUnregisteredTypeFails(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStream(t)

	sess := s.NewSession(Loose)
	type stranger struct{ X int }
	if _, err := sess.Append(ctx, stranger{X: 1}); !errors.Is(err, storage.ErrSerialization) {
		t.Fatalf("err = %v, want ErrSerialization", err)
	}
}

func TestIsTerminated(t *testing.T) {
	s, _ := newTestStream(t)

	doc := s.Document()
	old := doc.Active.StreamID
	doc.Terminate(types.StreamInformation{
		StreamID:             old + "-2",
		StreamType:           types.StreamTypeMemory,
		CurrentStreamVersion: -1,
	}, "migrated", time.Now())
	s.reload(doc)

	sess := s.NewSession(Loose)
	if !sess.IsTerminated(old) {
		t.Errorf("expected %s to be terminated", old)
	}
	if sess.IsTerminated(doc.Active.StreamID) {
		t.Error("active stream reported terminated")
	}
}
