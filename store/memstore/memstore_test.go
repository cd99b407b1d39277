package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/unkn0wn-root/confcache/store"
)

func TestPutGetVersions(t *testing.T) {
	g := New()
	ctx := context.Background()

	v1, err := g.Put(ctx, "cfg", "a", []byte("one"), 0)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	v2, err := g.Put(ctx, "cfg", "a", []byte("two"), 0)
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if v2 <= v1 {
		t.Fatalf("versions not increasing: %d then %d", v1, v2)
	}

	doc, ver, err := g.Get(ctx, "cfg", "a")
	if err != nil || string(doc) != "two" || ver != v2 {
		t.Fatalf("Get: doc=%q ver=%d err=%v", doc, ver, err)
	}
}

func TestGetMissing(t *testing.T) {
	g := New()
	if _, _, err := g.Get(context.Background(), "cfg", "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestCompareAndSwap(t *testing.T) {
	g := New()
	ctx := context.Background()

	v1, err := g.Put(ctx, "cfg", "a", []byte("one"), 0)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := g.Put(ctx, "cfg", "a", []byte("two"), v1+100); !errors.Is(err, store.ErrVersionMismatch) {
		t.Fatalf("CAS with wrong version: %v", err)
	}
	if _, err := g.Put(ctx, "cfg", "a", []byte("two"), v1); err != nil {
		t.Fatalf("CAS with right version: %v", err)
	}
}

func TestDeleteReportsExistence(t *testing.T) {
	g := New()
	ctx := context.Background()

	ok, err := g.Delete(ctx, "cfg", "a")
	if err != nil || ok {
		t.Fatalf("delete missing: ok=%v err=%v", ok, err)
	}
	if _, err := g.Put(ctx, "cfg", "a", []byte("x"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err = g.Delete(ctx, "cfg", "a")
	if err != nil || !ok {
		t.Fatalf("delete existing: ok=%v err=%v", ok, err)
	}
}

func TestListIsSorted(t *testing.T) {
	g := New()
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		if _, err := g.Put(ctx, "cfg", id, []byte(id), 0); err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}
	}
	entries, err := g.List(ctx, "cfg")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 || entries[0].ID != "a" || entries[2].ID != "c" {
		t.Fatalf("List: %+v", entries)
	}
}

func TestSubscribeDeliversEvents(t *testing.T) {
	g := New()
	ctx := context.Background()

	f, err := g.Subscribe(ctx, "cfg")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer f.Close()

	ver, err := g.Put(ctx, "cfg", "a", []byte("x"), 0)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	select {
	case ev := <-f.Events():
		if ev.Key != "a" || ev.Op != store.OpInsert || ev.Version != ver {
			t.Fatalf("event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	if _, err := g.Delete(ctx, "cfg", "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	select {
	case ev := <-f.Events():
		if ev.Op != store.OpDelete || ev.Doc != nil {
			t.Fatalf("delete event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no delete event delivered")
	}
}

func TestDropFeedsClosesSubscribers(t *testing.T) {
	g := New()
	f, err := g.Subscribe(context.Background(), "cfg")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	g.DropFeeds()
	select {
	case _, ok := <-f.Events():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after DropFeeds")
	}
	// the gateway itself is still usable
	if _, err := g.Put(context.Background(), "cfg", "a", []byte("x"), 0); err != nil {
		t.Fatalf("Put after DropFeeds: %v", err)
	}
}

func TestClosedGateway(t *testing.T) {
	g := New()
	ctx := context.Background()
	if err := g.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, err := g.Get(ctx, "cfg", "a"); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("Get after close: %v", err)
	}
	if _, err := g.Subscribe(ctx, "cfg"); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("Subscribe after close: %v", err)
	}
}
