package blob

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/steveyegge/streambed/internal/storage"
	"github.com/steveyegge/streambed/internal/types"
)

func newDoc(chunks types.StreamChunkSettings) *types.ObjectDocument {
	return types.NewObjectDocument("Order", "o1", types.StreamTypeBlob, chunks)
}

func recorded(from, n int) []storage.Recorded {
	out := make([]storage.Recorded, n)
	for i := range out {
		out[i] = storage.Recorded{Event: types.Event{
			Payload:       `{"amount":1}`,
			Type:          "AmountAdded",
			Version:       int64(from + i),
			SchemaVersion: 1,
		}}
	}
	return out
}

func TestAppendReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewDataStore(t.TempDir())
	doc := newDoc(types.StreamChunkSettings{})

	// Unwritten stream reads as nil.
	recs, err := s.Read(ctx, doc, storage.DefaultReadOptions())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if recs != nil {
		t.Errorf("unwritten stream = %v, want nil", recs)
	}

	if err := s.Append(ctx, doc, storage.AppendOptions{}, recorded(0, 5)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(ctx, doc, storage.AppendOptions{}, recorded(5, 5)); err != nil {
		t.Fatalf("second append: %v", err)
	}

	recs, err = s.Read(ctx, doc, storage.DefaultReadOptions())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != 10 {
		t.Fatalf("got %d records, want 10", len(recs))
	}
	for i, r := range recs {
		if r.Event.Version != int64(i) {
			t.Errorf("recs[%d].Version = %d", i, r.Event.Version)
		}
		if r.StoredAt.IsZero() {
			t.Errorf("recs[%d] missing timestamp", i)
		}
	}

	bounded, err := s.Read(ctx, doc, storage.ReadOptions{StartVersion: 3, UntilVersion: 6, Chunk: -1})
	if err != nil {
		t.Fatalf("bounded read: %v", err)
	}
	if len(bounded) != 4 || bounded[0].Event.Version != 3 {
		t.Errorf("bounded = %+v", bounded)
	}
}

func TestAppendRejectsStaleHead(t *testing.T) {
	ctx := context.Background()
	s := NewDataStore(t.TempDir())
	doc := newDoc(types.StreamChunkSettings{})

	if err := s.Append(ctx, doc, storage.AppendOptions{}, recorded(0, 3)); err != nil {
		t.Fatalf("append: %v", err)
	}
	// A writer holding a stale head collides with what is on disk.
	err := s.Append(ctx, doc, storage.AppendOptions{}, recorded(2, 1))
	if !errors.Is(err, storage.ErrConcurrency) {
		t.Fatalf("stale append: err = %v, want ErrConcurrency", err)
	}
	err = s.Append(ctx, doc, storage.AppendOptions{}, recorded(7, 1))
	if !errors.Is(err, storage.ErrConcurrency) {
		t.Fatalf("gapped append: err = %v, want ErrConcurrency", err)
	}
}

func TestAppendRefusesCorruptChunk(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := NewDataStore(root)
	doc := newDoc(types.StreamChunkSettings{})

	if err := s.Append(ctx, doc, storage.AppendOptions{}, recorded(0, 2)); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Fake a gap on disk: drop line 2 and add version 3 instead.
	path := filepath.Join(root, "order", doc.Active.StreamID, "chunk-000000.jsonl")
	if err := os.WriteFile(path, []byte(
		`{"event":{"payload":"{}","type":"A","version":0},"storedAt":"2020-01-01T00:00:00Z"}`+"\n"+
			`{"event":{"payload":"{}","type":"A","version":3},"storedAt":"2020-01-01T00:00:00Z"}`+"\n"), 0o644); err != nil {
		t.Fatalf("corrupt chunk: %v", err)
	}

	err := s.Append(ctx, doc, storage.AppendOptions{}, recorded(2, 1))
	if !errors.Is(err, storage.ErrStreamIntegrity) {
		t.Fatalf("append on corrupt chunk: err = %v, want ErrStreamIntegrity", err)
	}
}

func TestChunkedLayoutOnDisk(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := NewDataStore(root)
	doc := newDoc(types.StreamChunkSettings{EnableChunks: true, ChunkSize: 4})

	if err := s.Append(ctx, doc, storage.AppendOptions{}, recorded(0, 10)); err != nil {
		t.Fatalf("append: %v", err)
	}

	dir := filepath.Join(root, "order", doc.Active.StreamID)
	for _, f := range []string{"chunk-000000.jsonl", "chunk-000001.jsonl", "chunk-000002.jsonl"} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Errorf("missing %s: %v", f, err)
		}
	}

	// Reading one chunk only touches its file.
	recs, err := s.Read(ctx, doc, storage.ReadOptions{StartVersion: 0, UntilVersion: -1, Chunk: 1})
	if err != nil {
		t.Fatalf("read chunk 1: %v", err)
	}
	if len(recs) != 4 || recs[0].Event.Version != 4 {
		t.Errorf("chunk 1 = %+v", recs)
	}

	// Appends continue in the open chunk across store instances.
	s2 := NewDataStore(root)
	if err := s2.Append(ctx, doc, storage.AppendOptions{}, recorded(10, 1)); err != nil {
		t.Fatalf("append across instances: %v", err)
	}
	all, err := s2.Read(ctx, doc, storage.DefaultReadOptions())
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(all) != 11 {
		t.Errorf("got %d records, want 11", len(all))
	}
}

func TestCursorIsLazyAndBounded(t *testing.T) {
	ctx := context.Background()
	s := NewDataStore(t.TempDir())
	doc := newDoc(types.StreamChunkSettings{EnableChunks: true, ChunkSize: 3})

	if err := s.Append(ctx, doc, storage.AppendOptions{}, recorded(0, 9)); err != nil {
		t.Fatalf("append: %v", err)
	}
	cur, err := s.ReadStream(ctx, doc, storage.ReadOptions{StartVersion: 2, UntilVersion: 7, Chunk: -1})
	if err != nil {
		t.Fatalf("readStream: %v", err)
	}
	defer cur.Close()

	var versions []int64
	for cur.Next() {
		versions = append(versions, cur.Record().Event.Version)
	}
	if err := cur.Err(); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	want := []int64{2, 3, 4, 5, 6, 7}
	if len(versions) != len(want) {
		t.Fatalf("versions = %v", versions)
	}
	for i := range want {
		if versions[i] != want[i] {
			t.Fatalf("versions = %v, want %v", versions, want)
		}
	}
}

func TestSnapshotStoreOnDisk(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := NewSnapshotStore(root)
	doc := newDoc(types.StreamChunkSettings{})

	if err := s.Set(ctx, doc, 42, "", []byte(`{"total":43}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, doc, 42, "audit", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("set named: %v", err)
	}
	if err := s.Set(ctx, doc, 7, "", []byte(`{"total":8}`)); err != nil {
		t.Fatalf("set low: %v", err)
	}

	// Path format is part of the contract.
	want := filepath.Join(root, "order", "snapshot", doc.Active.StreamID+"-00000000000000000042.json")
	if _, err := os.Stat(want); err != nil {
		t.Errorf("expected snapshot at %s: %v", want, err)
	}

	data, err := s.Get(ctx, doc, 42, "")
	if err != nil || string(data) != `{"total":43}` {
		t.Errorf("get = %q, %v", data, err)
	}
	if _, err := s.Get(ctx, doc, 42, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("get missing: %v", err)
	}

	metas, err := s.List(ctx, doc)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(metas) != 3 || metas[0].Version != 42 || metas[2].Version != 7 {
		t.Errorf("list = %+v", metas)
	}
	names := 0
	for _, m := range metas {
		if m.Name == "audit" {
			names++
		}
	}
	if names != 1 {
		t.Errorf("named snapshots in list = %d, want 1", names)
	}

	ok, err := s.Delete(ctx, doc, 7, "")
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	ok, err = s.Delete(ctx, doc, 7, "")
	if err != nil || ok {
		t.Fatalf("delete again: ok=%v err=%v", ok, err)
	}
}

func TestDocumentStorePersistence(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := NewDocumentStore(root, types.StreamTypeBlob, types.StreamChunkSettings{})

	doc, err := s.GetOrCreate(ctx, "Order", "o1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	doc.Active.CurrentStreamVersion = 4
	if err := s.Set(ctx, doc); err != nil {
		t.Fatalf("set: %v", err)
	}

	// A second store instance over the same root sees the same document.
	s2 := NewDocumentStore(root, types.StreamTypeBlob, types.StreamChunkSettings{})
	again, err := s2.Get(ctx, "Order", "o1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if again.Active.CurrentStreamVersion != 4 {
		t.Errorf("head = %d, want 4", again.Active.CurrentStreamVersion)
	}
	if again.Active.StreamID != doc.Active.StreamID {
		t.Errorf("stream id changed across instances")
	}
}

func TestDocumentStoreHashConflict(t *testing.T) {
	ctx := context.Background()
	s := NewDocumentStore(t.TempDir(), types.StreamTypeBlob, types.StreamChunkSettings{})

	doc, err := s.GetOrCreate(ctx, "Order", "o1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	stale, err := s.Get(ctx, "Order", "o1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	doc.Active.CurrentStreamVersion = 0
	if err := s.Set(ctx, doc); err != nil {
		t.Fatalf("set: %v", err)
	}
	stale.Active.CurrentStreamVersion = 9
	if err := s.Set(ctx, stale); !errors.Is(err, storage.ErrConcurrency) {
		t.Fatalf("stale set: err = %v, want ErrConcurrency", err)
	}
}

func TestTagStoresOnDisk(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	docTags := NewDocumentTagStore(root)
	streamTags := NewStreamTagStore(root)

	if err := docTags.SetTag(ctx, "Order", "vip", "o1"); err != nil {
		t.Fatalf("setTag: %v", err)
	}
	if err := docTags.SetTag(ctx, "Order", "vip", "o2"); err != nil {
		t.Fatalf("setTag: %v", err)
	}
	if err := streamTags.SetTag(ctx, "Order", "vip", "order-o1"); err != nil {
		t.Fatalf("stream setTag: %v", err)
	}

	// The two kinds are separate indexes.
	ids, err := docTags.GetByTag(ctx, "Order", "vip")
	if err != nil {
		t.Fatalf("getByTag: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("doc ids = %v", ids)
	}
	streams, err := streamTags.GetByTag(ctx, "Order", "vip")
	if err != nil {
		t.Fatalf("stream getByTag: %v", err)
	}
	if len(streams) != 1 || streams[0] != "order-o1" {
		t.Errorf("stream ids = %v", streams)
	}

	if err := docTags.RemoveTag(ctx, "Order", "vip", "o1"); err != nil {
		t.Fatalf("removeTag: %v", err)
	}
	first, err := docTags.GetFirstByTag(ctx, "Order", "vip")
	if err != nil || first != "o2" {
		t.Errorf("first = %q err=%v", first, err)
	}
	if _, err := docTags.GetFirstByTag(ctx, "Order", "none"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("empty tag: %v", err)
	}
}
