// Package memstore is an in-process store.Gateway. It backs tests and
// single-process embedding; there is no durability and no cross-process
// change propagation beyond subscribers of the same Gateway value.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/unkn0wn-root/confcache/store"
)

// feedBuffer bounds each subscriber's event channel. A subscriber that falls
// this far behind starts losing events; the engine's resync-on-reconnect path
// is the recovery story, same as for a real transport.
const feedBuffer = 1024

type entry struct {
	doc store.Document
	ver uint64
}

type collection struct {
	docs map[string]entry
	seq  uint64
	subs map[*feed]struct{}
}

// Gateway implements store.Gateway over plain maps.
type Gateway struct {
	mu     sync.Mutex
	colls  map[string]*collection
	closed bool
}

var _ store.Gateway = (*Gateway)(nil)

func New() *Gateway {
	return &Gateway{colls: make(map[string]*collection)}
}

func (g *Gateway) coll(name string) *collection {
	c, ok := g.colls[name]
	if !ok {
		c = &collection{docs: make(map[string]entry), subs: make(map[*feed]struct{})}
		g.colls[name] = c
	}
	return c
}

func (g *Gateway) Get(_ context.Context, collection, id string) (store.Document, uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, 0, store.ErrClosed
	}
	e, ok := g.coll(collection).docs[id]
	if !ok {
		return nil, 0, store.ErrNotFound
	}
	doc := make(store.Document, len(e.doc))
	copy(doc, e.doc)
	return doc, e.ver, nil
}

func (g *Gateway) Put(_ context.Context, collection, id string, doc store.Document, expectedVersion uint64) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return 0, store.ErrClosed
	}
	c := g.coll(collection)
	prev, existed := c.docs[id]
	if expectedVersion > 0 && (!existed || prev.ver != expectedVersion) {
		return 0, store.ErrVersionMismatch
	}

	c.seq++
	stored := make(store.Document, len(doc))
	copy(stored, doc)
	c.docs[id] = entry{doc: stored, ver: c.seq}

	op := store.OpInsert
	if existed {
		op = store.OpUpdate
	}
	c.broadcast(store.ChangeEvent{
		Collection: collection,
		Key:        id,
		Op:         op,
		Doc:        stored,
		Version:    c.seq,
	})
	return c.seq, nil
}

func (g *Gateway) Delete(_ context.Context, collection, id string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false, store.ErrClosed
	}
	c := g.coll(collection)
	if _, ok := c.docs[id]; !ok {
		return false, nil
	}
	delete(c.docs, id)
	c.seq++
	c.broadcast(store.ChangeEvent{
		Collection: collection,
		Key:        id,
		Op:         store.OpDelete,
		Version:    c.seq,
	})
	return true, nil
}

func (g *Gateway) Exists(_ context.Context, collection, id string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false, store.ErrClosed
	}
	_, ok := g.coll(collection).docs[id]
	return ok, nil
}

func (g *Gateway) List(_ context.Context, collection string) ([]store.Entry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, store.ErrClosed
	}
	c := g.coll(collection)
	out := make([]store.Entry, 0, len(c.docs))
	for id, e := range c.docs {
		doc := make(store.Document, len(e.doc))
		copy(doc, e.doc)
		out = append(out, store.Entry{ID: id, Doc: doc, Version: e.ver})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *Gateway) Subscribe(_ context.Context, collection string) (store.Feed, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, store.ErrClosed
	}
	c := g.coll(collection)
	f := &feed{g: g, coll: c, ch: make(chan store.ChangeEvent, feedBuffer)}
	c.subs[f] = struct{}{}
	return f, nil
}

func (g *Gateway) Close(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	for _, c := range g.colls {
		for f := range c.subs {
			close(f.ch)
		}
		c.subs = make(map[*feed]struct{})
	}
	return nil
}

// DropFeeds closes every open subscription without closing the gateway.
// Tests use it to simulate a change stream disconnect.
func (g *Gateway) DropFeeds() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.colls {
		for f := range c.subs {
			close(f.ch)
		}
		c.subs = make(map[*feed]struct{})
	}
}

// broadcast runs under g.mu.
func (c *collection) broadcast(ev store.ChangeEvent) {
	for f := range c.subs {
		select {
		case f.ch <- ev:
		default: // slow subscriber; it will resync on reconnect
		}
	}
}

type feed struct {
	g    *Gateway
	coll *collection
	ch   chan store.ChangeEvent
	once sync.Once
}

func (f *feed) Events() <-chan store.ChangeEvent { return f.ch }

func (f *feed) Close() error {
	f.once.Do(func() {
		f.g.mu.Lock()
		if _, ok := f.coll.subs[f]; ok {
			delete(f.coll.subs, f)
			close(f.ch)
		}
		f.g.mu.Unlock()
	})
	return nil
}
