package confcache

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/unkn0wn-root/confcache/store"
)

// listener keeps this process coherent with every other one: it consumes
// the gateway's change stream per collection on dedicated goroutines and
// applies events to the cache core. It never blocks a caller and never
// propagates errors; it logs and self-heals instead, since nobody waits
// on it.
type listener struct {
	e  *Engine
	mu sync.Mutex
	// appliers is append-only; one watch goroutine per attached collection
	appliers map[string]func(store.ChangeEvent)
}

func newListener(e *Engine) *listener {
	return &listener{e: e, appliers: make(map[string]func(store.ChangeEvent))}
}

// attach registers the collection's applier and starts its watch loop.
func (l *listener) attach(collection string, apply func(store.ChangeEvent)) {
	l.mu.Lock()
	l.appliers[collection] = apply
	l.mu.Unlock()
	go l.watch(l.e.baseCtx, collection, apply)
}

// watch subscribes, consumes until the stream drops, then resubscribes with
// backoff. A resumed stream may have gaps, so everything cached for the
// collection is treated as stale and invalidated; lazy reload repopulates.
func (l *listener) watch(ctx context.Context, collection string, apply func(store.ChangeEvent)) {
	attempt := 0
	for ctx.Err() == nil {
		feed, err := l.subscribe(ctx, collection)
		if err != nil {
			return // ctx ended; subscribe retries everything else internally
		}
		if attempt > 0 {
			l.e.core.invalidateCollection(collection)
			l.e.hooks.FeedResync(collection, attempt)
			l.e.log.Info("change feed resubscribed, collection invalidated",
				Fields{"collection": collection, "attempt": attempt})
		}
		l.consume(ctx, feed, apply)
		_ = feed.Close()
		attempt++
	}
}

func (l *listener) subscribe(ctx context.Context, collection string) (store.Feed, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.e.cfg.ReconnectMinWait
	bo.MaxInterval = l.e.cfg.ReconnectMaxWait
	bo.MaxElapsedTime = 0 // retry until ctx ends

	return backoff.RetryWithData(func() (store.Feed, error) {
		f, err := l.e.gw.Subscribe(ctx, collection)
		if err != nil {
			l.e.log.Warn("change feed subscribe failed", Fields{"collection": collection, "err": err})
		}
		return f, err
	}, backoff.WithContext(bo, ctx))
}

// consume applies events until the feed closes. With a reorder window
// configured, events are held briefly per key and only the highest version
// is applied; the cache core's version floor rejects stragglers either way.
func (l *listener) consume(ctx context.Context, feed store.Feed, apply func(store.ChangeEvent)) {
	window := l.e.cfg.ReorderWindow
	if window <= 0 {
		for {
			select {
			case ev, ok := <-feed.Events():
				if !ok {
					return
				}
				apply(ev)
			case <-ctx.Done():
				return
			}
		}
	}

	pending := make(map[string]store.ChangeEvent)
	arrived := make(map[string]time.Time)
	tick := time.NewTicker(window)
	defer tick.Stop()

	flush := func(force bool) {
		now := time.Now()
		for key, ev := range pending {
			if force || now.Sub(arrived[key]) >= window {
				apply(ev)
				delete(pending, key)
				delete(arrived, key)
			}
		}
	}

	for {
		select {
		case ev, ok := <-feed.Events():
			if !ok {
				flush(true)
				return
			}
			cur, held := pending[ev.Key]
			if !held {
				pending[ev.Key] = ev
				arrived[ev.Key] = time.Now()
			} else if ev.Version > cur.Version {
				pending[ev.Key] = ev
			} else {
				l.e.log.Debug("out-of-order change event superseded",
					Fields{"key": ev.Key, "version": ev.Version, "held": cur.Version})
			}
		case <-tick.C:
			flush(false)
		case <-ctx.Done():
			flush(true)
			return
		}
	}
}
