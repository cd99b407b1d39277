package confcache

import (
	"context"
	"sync"
)

// runtime is the async operation manager's execution half: a fixed worker
// pool with a bounded submission queue, per-key write locks, and the write
// gate the reload orchestrator uses to suspend and drain mutations.
type runtime struct {
	log   Logger
	hooks Hooks

	mu     sync.Mutex
	closed bool
	queue  chan func()
	wg     sync.WaitGroup

	locks keyLocks
	gate  writeGate
}

func newRuntime(workers, queueDepth int, log Logger, hooks Hooks) *runtime {
	r := &runtime{
		log:   log,
		hooks: hooks,
		queue: make(chan func(), queueDepth),
		locks: keyLocks{m: make(map[Key]*keyLock)},
		gate: writeGate{
			suspended: make(map[string]bool),
			inflight:  make(map[string]int),
		},
	}
	r.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go r.worker()
	}
	return r
}

func (r *runtime) worker() {
	defer r.wg.Done()
	for task := range r.queue {
		task()
	}
}

// submit enqueues without blocking. A full queue fails fast with
// ErrSaturated; the task is not accepted and the caller may retry.
func (r *runtime) submit(kind string, task func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	select {
	case r.queue <- task:
		return nil
	default:
		r.hooks.Saturated(kind)
		r.log.Warn("submission rejected, queue full", Fields{"kind": kind})
		return ErrSaturated
	}
}

// close stops accepting submissions and waits for queued tasks to finish.
func (r *runtime) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
}

// keyLocks serializes writes per key: at most one outstanding write per key
// at a time, later writers queue behind the lock. A writer whose ctx ends
// while waiting gives up with the ctx error, so a timed-out operation never
// wedges the key.
type keyLocks struct {
	mu sync.Mutex
	m  map[Key]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func (l *keyLocks) acquire(ctx context.Context, key Key) (release func(), err error) {
	l.mu.Lock()
	kl, ok := l.m[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.m[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
		return func() {
			<-kl.ch
			l.unref(key, kl)
		}, nil
	case <-ctx.Done():
		l.unref(key, kl)
		return nil, ctx.Err()
	}
}

func (l *keyLocks) unref(key Key, kl *keyLock) {
	l.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.m, key)
	}
	l.mu.Unlock()
}

// writeGate tracks in-flight mutations per collection. The reload
// orchestrator suspends a scope (new writes fail with ErrWritesSuspended)
// and drains what is already in flight before swapping state.
type writeGate struct {
	mu        sync.Mutex
	suspended map[string]bool
	inflight  map[string]int
	waiters   []chan struct{}
}

// enter registers an in-flight write. The returned leave func must be
// called exactly once when the write finishes, success or not.
func (g *writeGate) enter(collection string) (leave func(), err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.suspended[collection] {
		return nil, ErrWritesSuspended
	}
	g.inflight[collection]++

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.inflight[collection]--
			if g.inflight[collection] <= 0 {
				delete(g.inflight, collection)
			}
			for _, ch := range g.waiters {
				close(ch)
			}
			g.waiters = nil
			g.mu.Unlock()
		})
	}, nil
}

func (g *writeGate) suspend(scope []string) {
	g.mu.Lock()
	for _, col := range scope {
		g.suspended[col] = true
	}
	g.mu.Unlock()
}

func (g *writeGate) resume(scope []string) {
	g.mu.Lock()
	for _, col := range scope {
		delete(g.suspended, col)
	}
	g.mu.Unlock()
}

// drain waits until no write is in flight for any collection in scope, or
// ctx ends.
func (g *writeGate) drain(ctx context.Context, scope []string) error {
	for {
		g.mu.Lock()
		pending := 0
		for _, col := range scope {
			pending += g.inflight[col]
		}
		if pending == 0 {
			g.mu.Unlock()
			return nil
		}
		ch := make(chan struct{})
		g.waiters = append(g.waiters, ch)
		g.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
