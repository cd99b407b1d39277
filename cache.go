package confcache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/confcache/internal/util"
	"github.com/unkn0wn-root/confcache/provider"
)

// Key identifies one cached document: (collection, id). Immutable, usable
// as a map key for both config objects and per-language message bundles.
type Key struct {
	Collection string
	ID         string
}

func (k Key) String() string { return k.Collection + ":" + k.ID }

// Record is one cached entry. Version is the store revision the value was
// observed at; the core never lets a cached version regress.
type Record struct {
	Key       Key
	Value     any
	Version   uint64
	LoadedAt  time.Time
	ExpiresAt time.Time // zero => no expiry
	Pinned    bool
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// floorMark is the highest version ever observed for a key. It outlives the
// record itself (invalidation keeps it) so late out-of-order change events
// are still rejected after a delete. Touched drives retention pruning.
type floorMark struct {
	Version uint64
	Touched time.Time
}

// coreCache is the only mutable structure shared by the operation manager,
// the feed listener and the reload orchestrator. All mutation goes through
// put/invalidate under one mutex; no lock is held across store I/O.
type coreCache struct {
	log   Logger
	hooks Hooks

	capacity       int
	defaultTTL     time.Duration
	floorRetention time.Duration
	l2             provider.Provider // optional; the core only deletes from it

	mu      sync.Mutex
	entries map[Key]*list.Element
	lru     *list.List // front = most recently used; element value is *Record
	floors  map[Key]floorMark

	sf singleflight.Group

	ticker    *time.Ticker
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newCoreCache(capacity int, defaultTTL, sweepInterval, floorRetention time.Duration, l2 provider.Provider, log Logger, hooks Hooks) *coreCache {
	c := &coreCache{
		log:            log,
		hooks:          hooks,
		capacity:       capacity,
		defaultTTL:     defaultTTL,
		floorRetention: floorRetention,
		l2:             l2,
		entries:        make(map[Key]*list.Element),
		lru:            list.New(),
		floors:         make(map[Key]floorMark),
		stopCh:         make(chan struct{}),
	}
	c.ticker = time.NewTicker(sweepInterval)
	c.wg.Add(1)
	go c.sweepLoop()
	return c
}

func (c *coreCache) close() {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
		c.ticker.Stop()
	})
}

// get treats expired records as absent (lazy expiry) and evicts them.
func (c *coreCache) get(key Key) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return Record{}, false
	}
	rec := el.Value.(*Record)
	if rec.expired(time.Now()) {
		c.removeLocked(key, el)
		return Record{}, false
	}
	c.lru.MoveToFront(el)
	return *rec, true
}

// put installs rec unless the cached or floor version is newer. Returns
// whether the record took effect. source tags the hook ("put", "feed",
// "load", "reload").
func (c *coreCache) put(rec Record, source string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.putLocked(rec, source)
}

func (c *coreCache) putLocked(rec Record, source string) bool {
	now := time.Now()
	if fl, ok := c.floors[rec.Key]; ok && rec.Version < fl.Version {
		c.hooks.StaleWriteIgnored(rec.Key, rec.Version, fl.Version, source)
		c.log.Debug("stale put ignored", Fields{"key": rec.Key.String(), "incoming": rec.Version, "floor": fl.Version})
		return false
	}
	if el, ok := c.entries[rec.Key]; ok {
		cur := el.Value.(*Record)
		if rec.Version < cur.Version {
			c.hooks.StaleWriteIgnored(rec.Key, rec.Version, cur.Version, source)
			return false
		}
		*cur = rec
		c.lru.MoveToFront(el)
	} else {
		el := c.lru.PushFront(&rec)
		c.entries[rec.Key] = el
	}
	c.floors[rec.Key] = floorMark{Version: rec.Version, Touched: now}
	c.evictLocked()
	return true
}

// evictLocked drops least-recently-used unpinned records while over
// capacity. Pinned records are exempt; TTL still applies to them on read.
func (c *coreCache) evictLocked() {
	if c.capacity <= 0 {
		return
	}
	for len(c.entries) > c.capacity {
		evicted := false
		for el := c.lru.Back(); el != nil; el = el.Prev() {
			rec := el.Value.(*Record)
			if rec.Pinned {
				continue
			}
			c.removeLocked(rec.Key, el)
			evicted = true
			break
		}
		if !evicted {
			return // everything pinned; nothing to evict
		}
	}
}

// removeLocked drops the L1 entry and best-effort clears the L2 copy.
// Floors are intentionally kept.
func (c *coreCache) removeLocked(key Key, el *list.Element) {
	delete(c.entries, key)
	c.lru.Remove(el)
	if c.l2 != nil {
		_ = c.l2.Del(context.Background(), util.DocKey(key.Collection, key.ID))
	}
}

// getOrLoad returns the cached record or runs loader once for all concurrent
// callers of the same missing key. A loader failure propagates to every
// waiter and is not cached. The winning caller's ctx governs the load.
func (c *coreCache) getOrLoad(ctx context.Context, key Key, loader func(context.Context) (Record, error)) (Record, error) {
	if rec, ok := c.get(key); ok {
		return rec, nil
	}
	v, err, _ := c.sf.Do(key.String(), func() (any, error) {
		if rec, ok := c.get(key); ok {
			return rec, nil
		}
		rec, err := loader(ctx)
		if err != nil {
			return Record{}, err
		}
		c.put(rec, "load")
		// A newer feed event may have landed mid-load; serve whatever the
		// cache holds now.
		if cur, ok := c.get(key); ok {
			return cur, nil
		}
		return rec, nil
	})
	if err != nil {
		return Record{}, err
	}
	return v.(Record), nil
}

// invalidate drops a key without touching its version floor. The next read
// misses and reloads from the store.
func (c *coreCache) invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeLocked(key, el)
	}
}

// invalidateVersion drops a key and raises its floor to version, so change
// events older than the deletion can never resurrect the entry.
func (c *coreCache) invalidateVersion(key Key, version uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeLocked(key, el)
	}
	if fl := c.floors[key]; version > fl.Version {
		c.floors[key] = floorMark{Version: version, Touched: time.Now()}
	}
}

func (c *coreCache) invalidateCollection(collection string) {
	c.invalidateMatching(func(k Key) bool { return k.Collection == collection })
}

func (c *coreCache) invalidateMatching(pred func(Key) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, el := range c.entries {
		if pred(key) {
			c.removeLocked(key, el)
		}
	}
}

func (c *coreCache) versionFloor(key Key) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.floors[key].Version
}

func (c *coreCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// coreSnapshot is a consistent copy of all records and floors for a set of
// collections, taken under the core mutex. Reload sessions hold one as
// their rollback backup.
type coreSnapshot struct {
	collections map[string]bool
	records     []Record
	floors      map[Key]floorMark
}

func (c *coreCache) snapshot(scope []string) *coreSnapshot {
	in := make(map[string]bool, len(scope))
	for _, col := range scope {
		in[col] = true
	}
	snap := &coreSnapshot{collections: in, floors: make(map[Key]floorMark)}

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, el := range c.entries {
		if !in[key.Collection] {
			continue
		}
		snap.records = append(snap.records, *el.Value.(*Record))
	}
	for key, fl := range c.floors {
		if in[key.Collection] {
			snap.floors[key] = fl
		}
	}
	return snap
}

// restore puts the snapshot's collections back exactly as captured:
// records present at capture time are reinstalled, everything else in scope
// is dropped, and floors revert to their captured values.
func (c *coreCache) restore(snap *coreSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, el := range c.entries {
		if snap.collections[key.Collection] {
			c.removeLocked(key, el)
		}
	}
	for key := range c.floors {
		if snap.collections[key.Collection] {
			delete(c.floors, key)
		}
	}
	for _, rec := range snap.records {
		rec := rec
		el := c.lru.PushFront(&rec)
		c.entries[rec.Key] = el
	}
	for key, fl := range snap.floors {
		c.floors[key] = fl
	}
	c.evictLocked()
}

// swap atomically replaces every record of the scoped collections with the
// freshly loaded set. Used by the reload Resume phase; readers never observe
// a half-swapped state.
func (c *coreCache) swap(scope []string, records []Record) {
	in := make(map[string]bool, len(scope))
	for _, col := range scope {
		in[col] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, el := range c.entries {
		if in[key.Collection] {
			c.removeLocked(key, el)
		}
	}
	now := time.Now()
	for _, rec := range records {
		rec := rec
		el := c.lru.PushFront(&rec)
		c.entries[rec.Key] = el
		if fl := c.floors[rec.Key]; rec.Version > fl.Version {
			c.floors[rec.Key] = floorMark{Version: rec.Version, Touched: now}
		}
	}
	c.evictLocked()
}

func (c *coreCache) sweepLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ticker.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

// sweep opportunistically evicts expired records and prunes floors that
// have been idle past retention and no longer back a live entry.
func (c *coreCache) sweep() {
	now := time.Now()
	cutoff := now.Add(-c.floorRetention)

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, el := range c.entries {
		if el.Value.(*Record).expired(now) {
			c.removeLocked(key, el)
		}
	}
	removed := 0
	for key, fl := range c.floors {
		if _, live := c.entries[key]; live {
			continue
		}
		if !fl.Touched.IsZero() && fl.Touched.Before(cutoff) {
			delete(c.floors, key)
			removed++
		}
	}
	if removed > 0 {
		c.log.Debug("floor sweep removed idle entries", Fields{"removed": removed})
	}
}
