package confcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/unkn0wn-root/confcache/store"
	"github.com/unkn0wn-root/confcache/store/memstore"
)

// secondEngine attaches another engine to an already-open gateway, standing
// in for a second process sharing the store.
func secondEngine(t *testing.T, gw *memstore.Gateway, mut func(*Options)) *Engine {
	t.Helper()
	opts := Options{Gateway: gw, Config: testConfig()}
	if mut != nil {
		mut(&opts)
	}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e
}

func TestFeedPropagatesWrites(t *testing.T) {
	a, gw := newTestEngine(t, nil)
	b := secondEngine(t, gw, nil)

	colA := flagsCollection(t, a)
	colB := flagsCollection(t, b)
	ctx := context.Background()

	if _, err := colA.Save(ctx, "x", flagDoc{Name: "x", Enabled: false}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// warm b's cache with the old value
	if got, err := colB.Get(ctx, "x"); err != nil || got.Enabled {
		t.Fatalf("warmup Get: got=%+v err=%v", got, err)
	}

	if _, err := colA.Save(ctx, "x", flagDoc{Name: "x", Enabled: true}); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	// TTL is an hour; only the change feed can refresh b this fast
	eventually(t, 2*time.Second, "second engine to observe the update", func() bool {
		got, err := colB.Get(ctx, "x")
		return err == nil && got.Enabled
	})
}

func TestFeedDeleteInvalidates(t *testing.T) {
	a, gw := newTestEngine(t, nil)
	b := secondEngine(t, gw, nil)

	colA := flagsCollection(t, a)
	colB := flagsCollection(t, b)
	ctx := context.Background()

	if _, err := colA.Save(ctx, "x", flagDoc{Name: "x"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := colB.Get(ctx, "x"); err != nil {
		t.Fatalf("warmup Get: %v", err)
	}

	if _, err := colA.Delete(ctx, "x"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	eventually(t, 2*time.Second, "second engine to observe the delete", func() bool {
		_, err := colB.Get(ctx, "x")
		return errors.Is(err, ErrNotFound)
	})
}

func TestFeedStaleEventIgnored(t *testing.T) {
	hooks := &recordingHooks{}
	e, _ := newTestEngine(t, func(o *Options) { o.Hooks = hooks })
	col := flagsCollection(t, e)

	col.applyEvent(store.ChangeEvent{
		Collection: "flags", Key: "x", Op: store.OpUpdate,
		Doc: []byte(`{"name":"new"}`), Version: 5,
	})
	col.applyEvent(store.ChangeEvent{
		Collection: "flags", Key: "x", Op: store.OpUpdate,
		Doc: []byte(`{"name":"old"}`), Version: 3,
	})

	got, ok := e.core.get(Key{Collection: "flags", ID: "x"})
	if !ok || got.Value.(flagDoc).Name != "new" {
		t.Fatalf("cache after stale event: ok=%v value=%+v", ok, got.Value)
	}
	if hooks.count(func(h *recordingHooks) int { return h.staleWrites }) == 0 {
		t.Fatal("stale event applied without hook")
	}
}

func TestFeedDeleteThenStaleUpdate(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	col := flagsCollection(t, e)

	col.applyEvent(store.ChangeEvent{
		Collection: "flags", Key: "x", Op: store.OpDelete, Version: 7,
	})
	col.applyEvent(store.ChangeEvent{
		Collection: "flags", Key: "x", Op: store.OpUpdate,
		Doc: []byte(`{"name":"zombie"}`), Version: 6,
	})

	if _, ok := e.core.get(Key{Collection: "flags", ID: "x"}); ok {
		t.Fatal("out-of-order update resurrected a deleted key")
	}
}

func TestFeedDecodeFailureInvalidates(t *testing.T) {
	hooks := &recordingHooks{}
	e, _ := newTestEngine(t, func(o *Options) { o.Hooks = hooks })
	col := flagsCollection(t, e)

	col.applyEvent(store.ChangeEvent{
		Collection: "flags", Key: "x", Op: store.OpInsert,
		Doc: []byte(`{"name":"good"}`), Version: 1,
	})
	col.applyEvent(store.ChangeEvent{
		Collection: "flags", Key: "x", Op: store.OpUpdate,
		Doc: []byte("{{{"), Version: 2,
	})

	if _, ok := e.core.get(Key{Collection: "flags", ID: "x"}); ok {
		t.Fatal("undecodable event left the stale value cached")
	}
	if hooks.count(func(h *recordingHooks) int { return h.decodeFails }) != 1 {
		t.Fatal("decode failure hook not fired")
	}
}

func TestFeedResyncAfterDisconnect(t *testing.T) {
	hooks := &recordingHooks{}
	e, gw := newTestEngine(t, func(o *Options) { o.Hooks = hooks })
	col := flagsCollection(t, e)
	ctx := context.Background()

	if _, err := col.Save(ctx, "x", flagDoc{Name: "x", Enabled: false}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	gw.DropFeeds()
	// this write's event is lost; only resync invalidation can surface it
	if _, err := gw.Put(ctx, "flags", "x", []byte(`{"name":"x","enabled":true}`), 0); err != nil {
		t.Fatalf("gw.Put: %v", err)
	}

	eventually(t, 2*time.Second, "resync to invalidate and refresh", func() bool {
		got, err := col.Get(ctx, "x")
		return err == nil && got.Enabled
	})
	if hooks.count(func(h *recordingHooks) int { return h.resyncs }) == 0 {
		t.Fatal("resync hook not fired")
	}
}

func TestFeedReorderWindow(t *testing.T) {
	e, gw := newTestEngine(t, func(o *Options) {
		o.Config.ReorderWindow = 20 * time.Millisecond
	})
	col := flagsCollection(t, e)
	ctx := context.Background()

	if _, err := col.Save(ctx, "x", flagDoc{Name: "first"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := gw.Put(ctx, "flags", "x", []byte(`{"name":"second"}`), 0); err != nil {
		t.Fatalf("gw.Put: %v", err)
	}

	eventually(t, 2*time.Second, "windowed feed to apply the newest version", func() bool {
		got, err := col.Get(ctx, "x")
		return err == nil && got.Name == "second"
	})
}
