package migrate

import (
	"context"
	"errors"
	"testing"

	"github.com/steveyegge/streambed/internal/storage"
	"github.com/steveyegge/streambed/internal/storage/memory"
	"github.com/steveyegge/streambed/internal/types"
)

func seedSource(t *testing.T, n int) (*memory.DocumentStore, *memory.DataStore, *types.ObjectDocument) {
	t.Helper()
	ctx := context.Background()
	docs := memory.NewDocumentStore(types.StreamTypeMemory, types.StreamChunkSettings{})
	data := memory.NewDataStore()

	doc, err := docs.GetOrCreate(ctx, "Order", "o1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	recs := make([]storage.Recorded, n)
	for i := range recs {
		recs[i] = storage.Recorded{Event: types.Event{
			Payload:       `{"amount":1}`,
			Type:          "AmountAdded",
			Version:       int64(i),
			SchemaVersion: 1,
		}}
	}
	if err := data.Append(ctx, doc, storage.AppendOptions{}, recs); err != nil {
		t.Fatalf("seed append: %v", err)
	}
	doc.Active.CurrentStreamVersion = int64(n) - 1
	if err := docs.Set(ctx, doc); err != nil {
		t.Fatalf("seed set: %v", err)
	}
	return docs, data, doc
}

func TestLiveMigrationHappyPath(t *testing.T) {
	ctx := context.Background()
	docs, source, doc := seedSource(t, 3)
	target := memory.NewDataStore()

	sourceStreamID := doc.Active.StreamID
	var progress []Progress
	m := New(docs, source, target, doc, types.StreamInformation{StreamType: types.StreamTypeMemory}, Options{
		Progress: func(p Progress) { progress = append(progress, p) },
	})

	res, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Success {
		t.Fatal("result not successful")
	}
	if res.TotalEventsCopied != 3 {
		t.Errorf("totalEventsCopied = %d, want 3", res.TotalEventsCopied)
	}
	if res.SourceStreamID != sourceStreamID {
		t.Errorf("sourceStreamID = %q, want %q", res.SourceStreamID, sourceStreamID)
	}

	// The document's active stream now points at the target.
	after, err := docs.Get(ctx, "Order", "o1")
	if err != nil {
		t.Fatalf("get after: %v", err)
	}
	if after.Active.StreamID != m.TargetStreamID() {
		t.Errorf("active stream = %q, want target %q", after.Active.StreamID, m.TargetStreamID())
	}
	if after.Quiescing {
		t.Error("document still quiescing after migration")
	}
	if !after.IsTerminated(sourceStreamID) {
		t.Error("source stream not recorded as terminated")
	}
	if after.Active.CurrentStreamVersion != 2 {
		t.Errorf("target head = %d, want 2", after.Active.CurrentStreamVersion)
	}

	// Target: exactly the business events, versions preserved, no marker.
	got, err := target.Read(ctx, after, storage.DefaultReadOptions())
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("target has %d events, want 3", len(got))
	}
	for i, r := range got {
		if r.Event.Version != int64(i) {
			t.Errorf("target[%d].Version = %d", i, r.Event.Version)
		}
		if r.Event.Type == types.StreamClosedEventType {
			t.Errorf("close marker leaked into target at %d", i)
		}
	}

	// Source: original events plus exactly one trailing close marker.
	srcDoc := *after
	srcDoc.Active = types.StreamInformation{StreamID: sourceStreamID}
	src, err := source.Read(ctx, &srcDoc, storage.DefaultReadOptions())
	if err != nil {
		t.Fatalf("read source: %v", err)
	}
	if len(src) != 4 {
		t.Fatalf("source has %d events, want 4", len(src))
	}
	if src[3].Event.Type != types.StreamClosedEventType {
		t.Errorf("source tail type = %q, want %q", src[3].Event.Type, types.StreamClosedEventType)
	}
	for _, r := range src[:3] {
		if r.Event.Type == types.StreamClosedEventType {
			t.Error("close marker before the tail")
		}
	}

	if len(progress) == 0 {
		t.Error("no progress reports")
	}
}

func TestLiveMigrationEmptySource(t *testing.T) {
	ctx := context.Background()
	docs, source, doc := seedSource(t, 0)
	target := memory.NewDataStore()

	m := New(docs, source, target, doc, types.StreamInformation{StreamType: types.StreamTypeMemory}, Options{})
	res, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.TotalEventsCopied != 0 {
		t.Errorf("copied = %d, want 0", res.TotalEventsCopied)
	}
	if res.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", res.Iterations)
	}

	after, err := docs.Get(ctx, "Order", "o1")
	if err != nil {
		t.Fatalf("get after: %v", err)
	}
	if after.Active.StreamID != m.TargetStreamID() {
		t.Errorf("active stream = %q, want target", after.Active.StreamID)
	}
	if after.Active.CurrentStreamVersion != -1 {
		t.Errorf("target head = %d, want -1", after.Active.CurrentStreamVersion)
	}
}

func TestLiveMigrationPreservesTimestamps(t *testing.T) {
	ctx := context.Background()
	docs, source, doc := seedSource(t, 3)
	target := memory.NewDataStore()

	before, err := source.Read(ctx, doc, storage.DefaultReadOptions())
	if err != nil {
		t.Fatalf("read source: %v", err)
	}

	m := New(docs, source, target, doc, types.StreamInformation{StreamType: types.StreamTypeMemory}, Options{})
	if _, err := m.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	after, err := docs.Get(ctx, "Order", "o1")
	if err != nil {
		t.Fatalf("get after: %v", err)
	}
	got, err := target.Read(ctx, after, storage.DefaultReadOptions())
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	for i := range got {
		if !got[i].StoredAt.Equal(before[i].StoredAt) {
			t.Errorf("event %d timestamp changed: %v -> %v", i, before[i].StoredAt, got[i].StoredAt)
		}
	}
}

func TestLiveMigrationNotConverging(t *testing.T) {
	ctx := context.Background()
	docs, source, doc := seedSource(t, 1)
	target := memory.NewDataStore()

	// A producer that always stays ahead: after every copy iteration the
	// convergence check sees a higher head because we append behind the
	// executor's back.
	next := int64(1)
	opts := Options{
		MaxIterations: 3,
		Progress: func(Progress) {
			d, err := docs.Get(ctx, "Order", "o1")
			if err != nil {
				t.Errorf("producer get: %v", err)
				return
			}
			for i := 0; i < 2; i++ {
				rec := storage.Recorded{Event: types.Event{
					Payload: `{"amount":1}`, Type: "AmountAdded", Version: next, SchemaVersion: 1,
				}}
				if err := source.Append(ctx, d, storage.AppendOptions{}, []storage.Recorded{rec}); err != nil {
					t.Errorf("producer append: %v", err)
					return
				}
				next++
			}
			d.Active.CurrentStreamVersion = next - 1
			if err := docs.Set(ctx, d); err != nil {
				t.Errorf("producer set: %v", err)
			}
		},
	}
	m := New(docs, source, target, doc, types.StreamInformation{StreamType: types.StreamTypeMemory}, opts)

	res, err := m.Run(ctx)
	if !errors.Is(err, ErrNotConverging) {
		t.Fatalf("err = %v, want ErrNotConverging", err)
	}
	if res.Success {
		t.Error("result marked successful")
	}

	// Source must remain authoritative and writable.
	after, derr := docs.Get(ctx, "Order", "o1")
	if derr != nil {
		t.Fatalf("get after: %v", derr)
	}
	if after.Active.StreamID != doc.Active.StreamID {
		t.Error("active stream changed despite failure")
	}
	if after.Quiescing {
		t.Error("document left quiescing")
	}
}

func TestMigrateManyBoundedAndOrdered(t *testing.T) {
	ctx := context.Background()

	var migrations []*LiveMigration
	var docStores []*memory.DocumentStore
	for i := 0; i < 5; i++ {
		docs := memory.NewDocumentStore(types.StreamTypeMemory, types.StreamChunkSettings{})
		data := memory.NewDataStore()
		doc, err := docs.GetOrCreate(ctx, "Order", "o1")
		if err != nil {
			t.Fatalf("GetOrCreate: %v", err)
		}
		rec := storage.Recorded{Event: types.Event{Payload: `{}`, Type: "A", Version: 0, SchemaVersion: 1}}
		if err := data.Append(ctx, doc, storage.AppendOptions{}, []storage.Recorded{rec}); err != nil {
			t.Fatalf("seed: %v", err)
		}
		doc.Active.CurrentStreamVersion = 0
		if err := docs.Set(ctx, doc); err != nil {
			t.Fatalf("seed set: %v", err)
		}
		migrations = append(migrations, New(docs, data, memory.NewDataStore(), doc,
			types.StreamInformation{StreamType: types.StreamTypeMemory}, Options{}))
		docStores = append(docStores, docs)
	}

	results, err := MigrateMany(ctx, migrations, 2, false)
	if err != nil {
		t.Fatalf("migrateMany: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("got %d results", len(results))
	}
	for i, res := range results {
		if res == nil || !res.Success {
			t.Errorf("migration %d failed: %+v", i, res)
			continue
		}
		after, err := docStores[i].Get(ctx, "Order", "o1")
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if after.Active.StreamID != migrations[i].TargetStreamID() {
			t.Errorf("migration %d: active stream not flipped", i)
		}
	}
}
