// Package natskv implements store.Gateway on NATS JetStream key-value
// buckets. Each collection maps to one bucket; JetStream revisions are the
// per-key versions, so version monotonicity comes straight from the stream.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/unkn0wn-root/confcache/store"
)

// Config for the gateway. Either URL or Conn must be set.
type Config struct {
	// URL connects a new client owned (and closed) by the gateway.
	URL string

	// Conn injects an existing client. The gateway will not close it
	// unless CloseConn is set.
	Conn      *nats.Conn
	CloseConn bool

	// BucketPrefix namespaces the per-collection buckets. Defaults to
	// "confcache-".
	BucketPrefix string

	// Replicas for newly created buckets. Defaults to 1.
	Replicas int

	// History depth for newly created buckets. Defaults to 1; deeper
	// history only matters for out-of-band debugging.
	History int
}

// Gateway is a store.Gateway over JetStream KV.
type Gateway struct {
	cfg Config
	nc  *nats.Conn
	js  jetstream.JetStream

	mu      sync.Mutex
	buckets map[string]jetstream.KeyValue
	closed  bool
}

// New connects (or adopts cfg.Conn) and returns a ready gateway. Buckets are
// created lazily per collection on first use.
func New(ctx context.Context, cfg Config) (*Gateway, error) {
	nc := cfg.Conn
	if nc == nil {
		if cfg.URL == "" {
			return nil, fmt.Errorf("natskv: URL or Conn is required")
		}
		var err error
		nc, err = nats.Connect(cfg.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(500*time.Millisecond),
		)
		if err != nil {
			return nil, fmt.Errorf("natskv: connect: %w", err)
		}
		cfg.CloseConn = true
	}
	js, err := jetstream.New(nc)
	if err != nil {
		if cfg.Conn == nil {
			nc.Close()
		}
		return nil, fmt.Errorf("natskv: jetstream: %w", err)
	}
	if cfg.BucketPrefix == "" {
		cfg.BucketPrefix = "confcache-"
	}
	if cfg.Replicas == 0 {
		cfg.Replicas = 1
	}
	if cfg.History == 0 {
		cfg.History = 1
	}
	g := &Gateway{
		cfg:     cfg,
		nc:      nc,
		js:      js,
		buckets: make(map[string]jetstream.KeyValue),
	}
	return g, nil
}

func (g *Gateway) bucket(ctx context.Context, collection string) (jetstream.KeyValue, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, store.ErrClosed
	}
	if kv, ok := g.buckets[collection]; ok {
		return kv, nil
	}
	kv, err := g.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   g.cfg.BucketPrefix + collection,
		Replicas: g.cfg.Replicas,
		History:  uint8(g.cfg.History),
	})
	if err != nil {
		return nil, fmt.Errorf("natskv: bucket %s: %w", collection, mapErr(err))
	}
	g.buckets[collection] = kv
	return kv, nil
}

func (g *Gateway) Get(ctx context.Context, collection, id string) (store.Document, uint64, error) {
	kv, err := g.bucket(ctx, collection)
	if err != nil {
		return nil, 0, err
	}
	entry, err := kv.Get(ctx, id)
	if err != nil {
		return nil, 0, mapErr(err)
	}
	return store.Document(entry.Value()), entry.Revision(), nil
}

func (g *Gateway) Put(ctx context.Context, collection, id string, doc store.Document, expectedVersion uint64) (uint64, error) {
	kv, err := g.bucket(ctx, collection)
	if err != nil {
		return 0, err
	}
	if expectedVersion == 0 {
		rev, err := kv.Put(ctx, id, doc)
		if err != nil {
			return 0, mapErr(err)
		}
		return rev, nil
	}
	rev, err := kv.Update(ctx, id, doc, expectedVersion)
	if err != nil {
		return 0, mapErr(err)
	}
	return rev, nil
}

func (g *Gateway) Delete(ctx context.Context, collection, id string) (bool, error) {
	kv, err := g.bucket(ctx, collection)
	if err != nil {
		return false, err
	}
	return deleteExisting(ctx, kv, id)
}

// keyDeleter is the slice of jetstream.KeyValue that deleteExisting needs.
type keyDeleter interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
}

// deleteExisting removes a key and reports whether it held a value. The
// delete is pinned to the observed revision so a concurrent writer cannot
// make the answer wrong; on a lost race the key is re-read.
func deleteExisting(ctx context.Context, kv keyDeleter, id string) (bool, error) {
	for {
		entry, err := kv.Get(ctx, id)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				return false, nil
			}
			return false, mapErr(err)
		}
		err = kv.Delete(ctx, id, jetstream.LastRevision(entry.Revision()))
		if err == nil {
			return true, nil
		}
		if !wrongLastSequence(err) {
			return false, mapErr(err)
		}
	}
}

func (g *Gateway) Exists(ctx context.Context, collection, id string) (bool, error) {
	_, _, err := g.Get(ctx, collection, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (g *Gateway) List(ctx context.Context, collection string) ([]store.Entry, error) {
	kv, err := g.bucket(ctx, collection)
	if err != nil {
		return nil, err
	}
	lister, err := kv.ListKeys(ctx)
	if err != nil {
		return nil, mapErr(err)
	}
	defer lister.Stop()

	var out []store.Entry
	for key := range lister.Keys() {
		entry, err := kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue // deleted between list and get
			}
			return nil, mapErr(err)
		}
		out = append(out, store.Entry{
			ID:      key,
			Doc:     store.Document(entry.Value()),
			Version: entry.Revision(),
		})
	}
	return out, nil
}

func (g *Gateway) Subscribe(ctx context.Context, collection string) (store.Feed, error) {
	kv, err := g.bucket(ctx, collection)
	if err != nil {
		return nil, err
	}
	watcher, err := kv.Watch(ctx, ">", jetstream.UpdatesOnly())
	if err != nil {
		return nil, mapErr(err)
	}
	f := &feed{
		events:  make(chan store.ChangeEvent, 256),
		watcher: watcher,
		done:    make(chan struct{}),
	}
	go f.pump(collection)
	return f, nil
}

// Close releases all feeds and, when the gateway owns the connection, the
// client itself.
func (g *Gateway) Close(_ context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	if g.cfg.CloseConn {
		g.nc.Close()
	}
	return nil
}

type feed struct {
	events    chan store.ChangeEvent
	watcher   jetstream.KeyWatcher
	done      chan struct{}
	closeOnce sync.Once
}

func (f *feed) Events() <-chan store.ChangeEvent { return f.events }

func (f *feed) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return f.watcher.Stop()
}

// pump converts watcher updates into change events. The watcher delivers a
// nil marker after initial replay; with UpdatesOnly that marker is immediate
// and skipped.
func (f *feed) pump(collection string) {
	defer close(f.events)
	for {
		select {
		case entry, ok := <-f.watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				continue
			}
			ev := store.ChangeEvent{
				Collection: collection,
				Key:        entry.Key(),
				Version:    entry.Revision(),
			}
			switch entry.Operation() {
			case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				ev.Op = store.OpDelete
			default:
				if entry.Revision() == 1 {
					ev.Op = store.OpInsert
				} else {
					ev.Op = store.OpUpdate
				}
				ev.Doc = store.Document(entry.Value())
			}
			select {
			case f.events <- ev:
			case <-f.done:
				return
			}
		case <-f.done:
			return
		}
	}
}

// mapErr folds jetstream errors into the store's taxonomy.
func mapErr(err error) error {
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound):
		return store.ErrNotFound
	case errors.Is(err, jetstream.ErrKeyExists):
		return store.ErrVersionMismatch
	case errors.Is(err, nats.ErrConnectionClosed):
		return store.ErrClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	if wrongLastSequence(err) {
		return store.ErrVersionMismatch
	}
	if errors.Is(err, nats.ErrTimeout) || errors.Is(err, nats.ErrNoResponders) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return err
}

func wrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
