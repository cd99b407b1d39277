package confcache

import (
	"context"
	"fmt"
	"time"

	"github.com/unkn0wn-root/confcache/codec"
	"github.com/unkn0wn-root/confcache/internal/util"
	"github.com/unkn0wn-root/confcache/internal/wire"
	"github.com/unkn0wn-root/confcache/store"
)

// Collection is the typed public surface over one store collection. All
// store I/O runs on the engine's worker pool; synchronous methods are thin
// waits over their async counterparts.
type Collection[T any] struct {
	e    *Engine
	name string
	cdc  codec.Codec[T]

	ttl       time.Duration // 0 => engine default; <0 => never expires
	pinned    bool
	validator func(map[string]T) error
	onChange  func(id string, op store.ChangeOp)
}

// CollectionOption tunes one collection.
type CollectionOption[T any] func(*Collection[T])

// WithTTL overrides the engine default record TTL. Pass a negative duration
// for records that never expire.
func WithTTL[T any](d time.Duration) CollectionOption[T] {
	return func(c *Collection[T]) { c.ttl = d }
}

// WithPinned marks the collection's records as always hot: exempt from
// LRU eviction, still subject to version-based invalidation.
func WithPinned[T any]() CollectionOption[T] {
	return func(c *Collection[T]) { c.pinned = true }
}

// WithValidator installs a reload Validate check over the freshly loaded
// set (id -> value). A validation error aborts the reload to rollback.
func WithValidator[T any](fn func(map[string]T) error) CollectionOption[T] {
	return func(c *Collection[T]) { c.validator = fn }
}

// WithChangeHook is called after every change event applied for this
// collection, including deletes. It must be cheap and non-blocking.
func WithChangeHook[T any](fn func(id string, op store.ChangeOp)) CollectionOption[T] {
	return func(c *Collection[T]) { c.onChange = fn }
}

// NewCollection registers a typed collection on the engine, wiring it into
// the change feed listener and the reload orchestrator.
func NewCollection[T any](e *Engine, name string, cdc codec.Codec[T], opts ...CollectionOption[T]) (*Collection[T], error) {
	if name == "" {
		return nil, fmt.Errorf("confcache: collection name is required")
	}
	if cdc == nil {
		return nil, fmt.Errorf("confcache: codec is required")
	}
	c := &Collection[T]{e: e, name: name, cdc: cdc}
	for _, opt := range opts {
		opt(c)
	}
	if err := e.register(name, c.applyEvent, &collectionReload[T]{c: c}); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Collection[T]) Name() string { return c.name }

func (c *Collection[T]) key(id string) Key { return Key{Collection: c.name, ID: id} }

func (c *Collection[T]) record(id string, v T, version uint64) Record {
	now := time.Now()
	rec := Record{
		Key:      c.key(id),
		Value:    v,
		Version:  version,
		LoadedAt: now,
		Pinned:   c.pinned,
	}
	if ttl := coalesce(c.ttl, c.e.cfg.DefaultTTL); ttl > 0 {
		rec.ExpiresAt = now.Add(ttl)
	}
	return rec
}

// applyEvent keeps this process coherent with writes made anywhere.
// Malformed documents invalidate instead of caching, forcing a clean reload
// on next access.
func (c *Collection[T]) applyEvent(ev store.ChangeEvent) {
	key := c.key(ev.Key)
	switch ev.Op {
	case store.OpDelete:
		c.e.core.invalidateVersion(key, ev.Version)
	default:
		v, err := c.cdc.Decode(ev.Doc)
		if err != nil {
			c.e.hooks.EventDecodeFailed(key, ev.Version, err)
			c.e.log.Warn("change event decode failed, invalidating", Fields{"key": key.String(), "version": ev.Version, "err": err})
			c.e.core.invalidate(key)
		} else {
			c.e.core.put(c.record(ev.Key, v, ev.Version), "feed")
		}
	}
	if c.onChange != nil {
		c.onChange(ev.Key, ev.Op)
	}
}

// loadRecord is the cache-miss path: second level first, then the store.
// Runs on a worker goroutine, never on a caller's.
func (c *Collection[T]) loadRecord(ctx context.Context, id string) (Record, error) {
	key := c.key(id)
	l2Key := util.DocKey(c.name, id)

	if c.e.l2 != nil {
		if raw, ok, _ := c.e.l2.Get(ctx, l2Key); ok {
			rev, payload, err := wire.DecodeEntry(raw)
			switch {
			case err != nil:
				c.e.hooks.L2SelfHeal(l2Key, "corrupt")
				_ = c.e.l2.Del(ctx, l2Key)
			case rev < c.e.core.versionFloor(key):
				c.e.hooks.L2SelfHeal(l2Key, "stale")
				_ = c.e.l2.Del(ctx, l2Key)
			default:
				if v, derr := c.cdc.Decode(payload); derr == nil {
					return c.record(id, v, rev), nil
				}
				c.e.hooks.L2SelfHeal(l2Key, "value_decode")
				_ = c.e.l2.Del(ctx, l2Key)
			}
		}
	}

	doc, ver, err := c.e.gw.Get(ctx, c.name, id)
	if err != nil {
		return Record{}, err
	}
	v, err := c.cdc.Decode(doc)
	if err != nil {
		return Record{}, &DecodeError{Key: key, Err: err}
	}
	c.seedL2(ctx, l2Key, ver, doc)
	return c.record(id, v, ver), nil
}

func (c *Collection[T]) seedL2(ctx context.Context, l2Key string, ver uint64, doc []byte) {
	if c.e.l2 == nil {
		return
	}
	env := wire.EncodeEntry(ver, doc)
	_, _ = c.e.l2.Set(ctx, l2Key, env, int64(len(env)), c.e.cfg.L2TTL)
}

// Get resolves one document, serving the cache when possible. The store
// round-trip (if any) happens on a worker; Get blocks only on the future.
func (c *Collection[T]) Get(ctx context.Context, id string) (T, error) {
	return c.GetAsync(ctx, id).Wait(ctx)
}

func (c *Collection[T]) GetAsync(ctx context.Context, id string) *Future[T] {
	inner := c.getRecordAsync(ctx, id)
	fut := newFuture[T]()
	go func() {
		rec, err := inner.Wait(ctx)
		if err != nil {
			fut.fail(err)
			return
		}
		fut.resolve(rec.Value.(T))
	}()
	return fut
}

func (c *Collection[T]) getRecordAsync(ctx context.Context, id string) *Future[Record] {
	return submit(c.e, ctx, "get", func(opCtx context.Context) (Record, error) {
		return c.e.core.getOrLoad(opCtx, c.key(id), func(loadCtx context.Context) (Record, error) {
			return c.loadRecord(loadCtx, id)
		})
	})
}

// Save writes through the store and installs the result locally under the
// store-assigned version. Concurrent saves of the same key are serialized;
// saves are never deduplicated.
func (c *Collection[T]) Save(ctx context.Context, id string, v T) (uint64, error) {
	return c.SaveAsync(ctx, id, v).Wait(ctx)
}

func (c *Collection[T]) SaveAsync(ctx context.Context, id string, v T) *Future[uint64] {
	return submit(c.e, ctx, "save", func(opCtx context.Context) (uint64, error) {
		leave, err := c.e.rt.gate.enter(c.name)
		if err != nil {
			return 0, err
		}
		defer leave()

		release, err := c.e.rt.locks.acquire(opCtx, c.key(id))
		if err != nil {
			return 0, err
		}
		defer release()

		doc, err := c.cdc.Encode(v)
		if err != nil {
			return 0, fmt.Errorf("confcache: encode %s: %w", c.key(id), err)
		}
		ver, err := c.e.gw.Put(opCtx, c.name, id, doc, 0)
		if err != nil {
			return 0, err
		}
		c.e.core.put(c.record(id, v, ver), "put")
		c.seedL2(opCtx, util.DocKey(c.name, id), ver, doc)
		return ver, nil
	})
}

// Delete removes the document and invalidates local state. Returns whether
// the store held the key.
func (c *Collection[T]) Delete(ctx context.Context, id string) (bool, error) {
	return c.DeleteAsync(ctx, id).Wait(ctx)
}

func (c *Collection[T]) DeleteAsync(ctx context.Context, id string) *Future[bool] {
	return submit(c.e, ctx, "delete", func(opCtx context.Context) (bool, error) {
		leave, err := c.e.rt.gate.enter(c.name)
		if err != nil {
			return false, err
		}
		defer leave()

		release, err := c.e.rt.locks.acquire(opCtx, c.key(id))
		if err != nil {
			return false, err
		}
		defer release()

		ok, err := c.e.gw.Delete(opCtx, c.name, id)
		if err != nil {
			return false, err
		}
		c.e.core.invalidate(c.key(id))
		return ok, nil
	})
}

// Exists answers from the first-level cache when it can; otherwise it asks
// the store without fetching the document.
func (c *Collection[T]) Exists(ctx context.Context, id string) (bool, error) {
	return c.ExistsAsync(ctx, id).Wait(ctx)
}

func (c *Collection[T]) ExistsAsync(ctx context.Context, id string) *Future[bool] {
	if _, ok := c.e.core.get(c.key(id)); ok {
		fut := newFuture[bool]()
		fut.resolve(true)
		return fut
	}
	return submit(c.e, ctx, "exists", func(opCtx context.Context) (bool, error) {
		return c.e.gw.Exists(opCtx, c.name, id)
	})
}

// GetBatch resolves many ids at once. Results are ordered like ids. Any
// failing constituent fails the whole batch with a BatchError, but sibling
// loads already in flight are not cancelled.
func (c *Collection[T]) GetBatch(ctx context.Context, ids []string) ([]T, error) {
	return c.GetBatchAsync(ctx, ids).Wait(ctx)
}

func (c *Collection[T]) GetBatchAsync(ctx context.Context, ids []string) *Future[[]T] {
	fut := newFuture[[]T]()
	if len(ids) == 0 {
		fut.resolve(nil)
		return fut
	}
	// Coordination runs off the worker pool so constituents queued behind
	// this batch can still make progress.
	go c.runBatch(ctx, ids, fut)
	return fut
}

func (c *Collection[T]) runBatch(ctx context.Context, ids []string, fut *Future[[]T]) {
	if vals, ok := c.batchFromL2(ctx, ids); ok {
		fut.resolve(vals)
		return
	}

	futs := make([]*Future[Record], len(ids))
	for i, id := range ids {
		futs[i] = c.getRecordAsync(ctx, id)
	}

	out := make([]T, len(ids))
	recs := make([]Record, len(ids))
	berr := newBatchError()
	for i, f := range futs {
		rec, err := f.Wait(ctx)
		if err != nil {
			berr.append(fmt.Errorf("%s: %w", c.key(ids[i]), err))
			continue
		}
		recs[i] = rec
		out[i] = rec.Value.(T)
	}
	if berr.len() > 0 {
		fut.fail(berr)
		return
	}
	c.seedBatchL2(ctx, ids, recs)
	fut.resolve(out)
}

// batchFromL2 serves a whole batch from one second-level envelope when every
// member is present and none is older than its version floor.
func (c *Collection[T]) batchFromL2(ctx context.Context, ids []string) ([]T, bool) {
	if c.e.l2 == nil {
		return nil, false
	}
	bk := util.BatchKey(c.name, ids)
	raw, ok, err := c.e.l2.Get(ctx, bk)
	if err != nil || !ok {
		return nil, false
	}
	items, err := wire.DecodeBatch(raw)
	if err != nil {
		c.e.hooks.L2SelfHeal(bk, "corrupt")
		_ = c.e.l2.Del(ctx, bk)
		return nil, false
	}
	byID := make(map[string]wire.BatchItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	out := make([]T, len(ids))
	for i, id := range ids {
		it, ok := byID[id]
		if !ok || it.Rev < c.e.core.versionFloor(c.key(id)) {
			c.e.hooks.L2SelfHeal(bk, "stale")
			_ = c.e.l2.Del(ctx, bk)
			return nil, false
		}
		v, derr := c.cdc.Decode(it.Payload)
		if derr != nil {
			c.e.hooks.L2SelfHeal(bk, "value_decode")
			_ = c.e.l2.Del(ctx, bk)
			return nil, false
		}
		out[i] = v
		// opportunistic first-level warmup; version check applies
		c.e.core.put(c.record(id, v, it.Rev), "load")
	}
	return out, true
}

func (c *Collection[T]) seedBatchL2(ctx context.Context, ids []string, recs []Record) {
	if c.e.l2 == nil {
		return
	}
	items := make([]wire.BatchItem, 0, len(ids))
	for i, id := range ids {
		payload, err := c.cdc.Encode(recs[i].Value.(T))
		if err != nil {
			return
		}
		items = append(items, wire.BatchItem{ID: id, Rev: recs[i].Version, Payload: payload})
	}
	env := wire.EncodeBatch(items)
	bk := util.BatchKey(c.name, ids)
	_, _ = c.e.l2.Set(ctx, bk, env, int64(len(env)), c.e.cfg.L2TTL)
}

// Invalidate drops the local cached copy; the next read reloads from the
// store. Other processes are unaffected.
func (c *Collection[T]) Invalidate(id string) {
	c.e.core.invalidate(c.key(id))
}

// collectionReload is the default reload handler: list the whole collection,
// decode everything, and hand the fresh set to the orchestrator.
type collectionReload[T any] struct {
	c *Collection[T]
}

func (h *collectionReload[T]) Collections() []string { return []string{h.c.name} }

func (h *collectionReload[T]) Load(ctx context.Context) ([]Record, error) {
	entries, err := h.c.e.gw.List(ctx, h.c.name)
	if err != nil {
		return nil, err
	}
	recs := make([]Record, 0, len(entries))
	for _, en := range entries {
		v, derr := h.c.cdc.Decode(en.Doc)
		if derr != nil {
			return nil, &DecodeError{Key: h.c.key(en.ID), Err: derr}
		}
		recs = append(recs, h.c.record(en.ID, v, en.Version))
	}
	return recs, nil
}

func (h *collectionReload[T]) Validate(ctx context.Context, loaded []Record) error {
	if h.c.validator == nil {
		return nil
	}
	byID := make(map[string]T, len(loaded))
	for _, rec := range loaded {
		byID[rec.Key.ID] = rec.Value.(T)
	}
	return h.c.validator(byID)
}
