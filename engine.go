package confcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/unkn0wn-root/confcache/config"
	"github.com/unkn0wn-root/confcache/provider"
	"github.com/unkn0wn-root/confcache/store"
)

// Options configure an Engine. Only Gateway is required; zero fields fall
// back to the defaults documented in package config.
type Options struct {
	// Required.
	Gateway store.Gateway

	Config config.Config
	Logger Logger            // nil => NopLogger
	Hooks  Hooks             // nil => NopHooks
	L2     provider.Provider // optional second-level byte cache
}

// Engine is the process-wide handle: one per process, constructed once with
// explicit configuration and passed by reference. There is no package-level
// mutable state.
type Engine struct {
	cfg   config.Config
	log   Logger
	hooks Hooks

	gw   store.Gateway
	l2   provider.Provider
	core *coreCache
	rt   *runtime
	feed *listener
	rl   *orchestrator

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu          sync.Mutex
	collections map[string]bool
	languages   *Languages
	closed      bool
	closeOnce   sync.Once

	bundlesOnce sync.Once
	bundles     *Collection[Bundle]
	bundlesErr  error

	languagesOnce sync.Once
	languagesErr  error
}

func New(opts Options) (*Engine, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("confcache: gateway is required")
	}

	cfg := opts.Config
	cfg.Capacity = coalesce(cfg.Capacity, 10000)
	cfg.DefaultTTL = coalesce(cfg.DefaultTTL, 10*time.Minute)
	cfg.FloorRetention = coalesce(cfg.FloorRetention, 24*time.Hour)
	cfg.SweepInterval = coalesce(cfg.SweepInterval, time.Minute)
	cfg.L2TTL = coalesce(cfg.L2TTL, cfg.DefaultTTL)
	cfg.Workers = coalesce(cfg.Workers, 8)
	cfg.QueueDepth = coalesce(cfg.QueueDepth, 256)
	cfg.OpTimeout = coalesce(cfg.OpTimeout, 5*time.Second)
	cfg.ReconnectMinWait = coalesce(cfg.ReconnectMinWait, 250*time.Millisecond)
	cfg.ReconnectMaxWait = coalesce(cfg.ReconnectMaxWait, 30*time.Second)
	cfg.SuspendTimeout = coalesce(cfg.SuspendTimeout, 10*time.Second)
	cfg.LoadTimeout = coalesce(cfg.LoadTimeout, 30*time.Second)
	cfg.ValidateTimeout = coalesce(cfg.ValidateTimeout, 10*time.Second)
	cfg.DefaultLanguage = coalesce(cfg.DefaultLanguage, "en")
	cfg.LanguageTTL = coalesce(cfg.LanguageTTL, 5*time.Minute)

	e := &Engine{
		cfg:         cfg,
		log:         coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:       coalesce[Hooks](opts.Hooks, NopHooks{}),
		gw:          opts.Gateway,
		l2:          opts.L2,
		collections: make(map[string]bool),
	}
	e.baseCtx, e.baseCancel = context.WithCancel(context.Background())
	e.core = newCoreCache(cfg.Capacity, cfg.DefaultTTL, cfg.SweepInterval, cfg.FloorRetention, opts.L2, e.log, e.hooks)
	e.rt = newRuntime(cfg.Workers, cfg.QueueDepth, e.log, e.hooks)
	e.feed = newListener(e)
	e.rl = newOrchestrator(e)
	return e, nil
}

// Close stops the feed listener, drains queued operations, and releases the
// cache levels and the gateway. Idempotent.
func (e *Engine) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		langs := e.languages
		e.mu.Unlock()

		e.baseCancel()
		e.rt.close()
		e.core.close()
		if langs != nil {
			langs.stop()
		}
		if e.l2 != nil {
			if cerr := e.l2.Close(ctx); cerr != nil {
				err = cerr
			}
		}
		if gerr := e.gw.Close(ctx); gerr != nil && err == nil {
			err = gerr
		}
	})
	return err
}

// Gateway exposes the underlying store gateway.
func (e *Engine) Gateway() store.Gateway { return e.gw }

// CacheLen reports the number of live first-level records.
func (e *Engine) CacheLen() int { return e.core.len() }

// register wires a collection into the feed listener and the reload
// orchestrator. Collection names are unique per engine.
func (e *Engine) register(name string, apply func(store.ChangeEvent), h ReloadHandler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.collections[name] {
		return fmt.Errorf("%w: %s", ErrCollectionExists, name)
	}
	e.collections[name] = true
	e.feed.attach(name, apply)
	e.rl.register(name, h)
	return nil
}

// TriggerReload starts a reload session covering the named handlers (all
// registered handlers when none are given). It returns the session id
// immediately; the reload itself runs in the background.
func (e *Engine) TriggerReload(ctx context.Context, handlers ...string) (string, error) {
	return e.rl.trigger(ctx, handlers...)
}

// ReloadStatus reports the phase a session is currently in.
func (e *Engine) ReloadStatus(id string) (ReloadPhase, error) {
	return e.rl.status(id)
}

// WaitReload blocks until the session reaches a terminal phase.
func (e *Engine) WaitReload(ctx context.Context, id string) (ReloadResult, error) {
	return e.rl.wait(ctx, id)
}

// RegisterReloadHandler adds a named handler invoked during the Load and
// Validate phases. Collections register a default handler automatically.
func (e *Engine) RegisterReloadHandler(name string, h ReloadHandler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return e.rl.registerChecked(name, h)
}

// submit queues fn on the worker pool and returns its future. The operation
// runs under the engine's per-operation timeout layered on the caller ctx.
func submit[T any](e *Engine, ctx context.Context, kind string, fn func(context.Context) (T, error)) *Future[T] {
	fut := newFuture[T]()
	opCtx, cancel := context.WithTimeout(ctx, e.cfg.OpTimeout)

	err := e.rt.submit(kind, func() {
		defer cancel()
		if !fut.begin() {
			return
		}
		v, err := fn(opCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: %v", ErrTimeout, err)
			}
			fut.fail(err)
			return
		}
		fut.resolve(v)
	})
	if err != nil {
		cancel()
		fut.fail(err)
	}
	return fut
}
