// Package confcache is a distributed configuration and translation cache
// engine. Many processes read and write typed configuration objects and
// localized message bundles in a shared document store; each process keeps a
// two-level cache that converges with the others through the store's change
// feed, and can hot-reload whole collections without serving torn state.
//
// Components:
//   - store.Gateway: typed document store access plus a change subscription
//     (NATS JetStream KV, Redis, or in-process implementations).
//   - Cache core: decoded records with per-key versions, lazy TTL expiry,
//     LRU eviction, pinning, and single-flight loads. Writes only take
//     effect when the incoming version is not older than the cached one.
//   - Change feed listener: applies store events to the cache on a
//     dedicated goroutine; decode failures invalidate instead of caching.
//   - Async operation manager: a bounded worker pool executes all store
//     I/O; callers get futures, identical gets coalesce, writes serialize
//     per key, and a full queue fails fast.
//   - Hot-reload orchestrator: phased reload with snapshot-based rollback.
//   - Translation resolver: language fallback chain and positional
//     placeholder substitution over cached message bundles.
//
// Construction:
//
//	gw, _ := natskv.New(natskv.Config{Conn: nc})
//	eng, _ := confcache.New(confcache.Options{Gateway: gw})
//	servers, _ := confcache.NewCollection[ServerConfig](eng, "servers", codec.JSON[ServerConfig]{})
//	cfg, err := servers.Get(ctx, "lobby-1")
package confcache
