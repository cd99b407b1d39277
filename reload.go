package confcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ReloadPhase is the observable state of a reload session.
type ReloadPhase string

const (
	PhasePrepare    ReloadPhase = "prepare"
	PhaseSuspend    ReloadPhase = "suspend"
	PhaseLoad       ReloadPhase = "load"
	PhaseValidate   ReloadPhase = "validate"
	PhaseResume     ReloadPhase = "resume"
	PhaseCommitted  ReloadPhase = "committed"
	PhaseRolledBack ReloadPhase = "rolled_back"
)

func (p ReloadPhase) String() string { return string(p) }

// Terminal reports whether the phase is an end state.
func (p ReloadPhase) Terminal() bool {
	return p == PhaseCommitted || p == PhaseRolledBack
}

// ReloadHandler loads and validates fresh state for its collections during
// a reload. Collections install a default handler; applications may
// register additional ones for derived state.
type ReloadHandler interface {
	// Collections names the scope this handler covers.
	Collections() []string

	// Load fetches and decodes the complete fresh state from the store.
	Load(ctx context.Context) ([]Record, error)

	// Validate sanity-checks the loaded set before it goes live. An error
	// aborts the session to rollback.
	Validate(ctx context.Context, loaded []Record) error
}

// ReloadResult is the terminal outcome of a session: Committed, or
// RolledBack with the cause.
type ReloadResult struct {
	SessionID string
	Phase     ReloadPhase
	Err       error
}

// session is one reload attempt. It owns its backup snapshot from Prepare
// until the terminal phase, after which the snapshot is released.
type session struct {
	id       string
	handlers []string
	scope    []string
	started  time.Time

	mu     sync.Mutex
	phase  ReloadPhase
	err    error
	backup *coreSnapshot
	done   chan struct{}
}

func (s *session) setPhase(p ReloadPhase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *session) currentPhase() ReloadPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// orchestrator runs the staged hot-reload protocol:
//
//	Prepare -> Suspend -> Load -> Validate -> Resume -> Committed
//
// with every non-terminal phase able to abort to RolledBack. At most one
// session may be active per collection; overlapping triggers are rejected,
// not queued.
type orchestrator struct {
	e *Engine

	mu       sync.Mutex
	handlers map[string]ReloadHandler
	order    []string
	sessions map[string]*session
	active   map[string]string // collection -> session id
}

func newOrchestrator(e *Engine) *orchestrator {
	return &orchestrator{
		e:        e,
		handlers: make(map[string]ReloadHandler),
		sessions: make(map[string]*session),
		active:   make(map[string]string),
	}
}

// register is the collection-registration path; the engine already
// guarantees name uniqueness there.
func (o *orchestrator) register(name string, h ReloadHandler) {
	o.mu.Lock()
	o.handlers[name] = h
	o.order = append(o.order, name)
	o.mu.Unlock()
}

func (o *orchestrator) registerChecked(name string, h ReloadHandler) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.handlers[name]; ok {
		return fmt.Errorf("%w: reload handler %s", ErrCollectionExists, name)
	}
	o.handlers[name] = h
	o.order = append(o.order, name)
	return nil
}

// trigger starts a session over the named handlers (all when empty) and
// returns its id. The session runs detached from the trigger ctx.
func (o *orchestrator) trigger(_ context.Context, names ...string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(names) == 0 {
		names = append([]string(nil), o.order...)
	}
	if len(names) == 0 {
		return "", fmt.Errorf("confcache: no reload handlers registered")
	}

	hs := make([]ReloadHandler, 0, len(names))
	scopeSet := make(map[string]bool)
	var scope []string
	for _, name := range names {
		h, ok := o.handlers[name]
		if !ok {
			return "", fmt.Errorf("confcache: unknown reload handler %q", name)
		}
		hs = append(hs, h)
		for _, col := range h.Collections() {
			if !scopeSet[col] {
				scopeSet[col] = true
				scope = append(scope, col)
			}
		}
	}
	for _, col := range scope {
		if sid := o.active[col]; sid != "" {
			return "", fmt.Errorf("%w: %s held by session %s", ErrReloadActive, col, sid)
		}
	}

	s := &session{
		id:       uuid.NewString(),
		handlers: names,
		scope:    scope,
		started:  time.Now(),
		phase:    PhasePrepare,
		done:     make(chan struct{}),
	}
	for _, col := range scope {
		o.active[col] = s.id
	}
	o.sessions[s.id] = s

	go o.run(s, hs)
	return s.id, nil
}

func (o *orchestrator) status(id string) (ReloadPhase, error) {
	o.mu.Lock()
	s, ok := o.sessions[id]
	o.mu.Unlock()
	if !ok {
		return "", ErrUnknownSession
	}
	return s.currentPhase(), nil
}

func (o *orchestrator) wait(ctx context.Context, id string) (ReloadResult, error) {
	o.mu.Lock()
	s, ok := o.sessions[id]
	o.mu.Unlock()
	if !ok {
		return ReloadResult{}, ErrUnknownSession
	}
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return ReloadResult{SessionID: s.id, Phase: s.phase, Err: s.err}, nil
	case <-ctx.Done():
		return ReloadResult{}, ctx.Err()
	}
}

func (o *orchestrator) run(s *session, hs []ReloadHandler) {
	ctx := o.e.baseCtx
	cfg := o.e.cfg
	core := o.e.core
	gate := &o.e.rt.gate

	// Prepare: snapshot current in-scope state, then wait out the grace
	// period. Traffic is fully transparent during grace; the drain below
	// only starts once it elapses.
	s.mu.Lock()
	s.backup = core.snapshot(s.scope)
	s.mu.Unlock()
	if cfg.ReloadGrace > 0 {
		select {
		case <-time.After(cfg.ReloadGrace):
		case <-ctx.Done():
			o.abort(s, PhasePrepare, ctx.Err())
			return
		}
	}

	// Suspend: new writes for the scope fail fast; in-flight ones drain
	// up to the timeout.
	s.setPhase(PhaseSuspend)
	gate.suspend(s.scope)
	drainCtx, cancelDrain := context.WithTimeout(ctx, cfg.SuspendTimeout)
	err := gate.drain(drainCtx, s.scope)
	cancelDrain()
	if err != nil {
		o.abort(s, PhaseSuspend, phaseErr(err))
		return
	}

	// Load: fetch and decode the complete fresh state. Reads are still
	// served from the old, still-valid cache.
	s.setPhase(PhaseLoad)
	loadCtx, cancelLoad := context.WithTimeout(ctx, cfg.LoadTimeout)
	perHandler := make([][]Record, len(hs))
	var fresh []Record
	for i, h := range hs {
		recs, lerr := h.Load(loadCtx)
		if lerr != nil {
			cancelLoad()
			o.abort(s, PhaseLoad, phaseErr(lerr))
			return
		}
		perHandler[i] = recs
		fresh = append(fresh, recs...)
	}
	cancelLoad()

	// Validate.
	s.setPhase(PhaseValidate)
	valCtx, cancelVal := context.WithTimeout(ctx, cfg.ValidateTimeout)
	for i, h := range hs {
		if verr := h.Validate(valCtx, perHandler[i]); verr != nil {
			cancelVal()
			o.abort(s, PhaseValidate, verr)
			return
		}
	}
	cancelVal()

	// Resume: atomic swap, then re-enable writes. The swapped records
	// carry store versions, so the feed and other processes converge.
	s.setPhase(PhaseResume)
	core.swap(s.scope, fresh)
	gate.resume(s.scope)
	o.finish(s, PhaseCommitted, nil)
}

// abort restores exactly the Prepare-phase snapshot, re-enables writes, and
// reports the terminal outcome.
func (o *orchestrator) abort(s *session, at ReloadPhase, cause error) {
	s.mu.Lock()
	backup := s.backup
	s.mu.Unlock()
	if backup != nil {
		o.e.core.restore(backup)
	}
	o.e.rt.gate.resume(s.scope)
	o.finish(s, PhaseRolledBack, &ReloadAbortedError{SessionID: s.id, Phase: at, Cause: cause})
}

func (o *orchestrator) finish(s *session, phase ReloadPhase, err error) {
	s.mu.Lock()
	s.phase = phase
	s.err = err
	s.backup = nil // snapshot released at terminal phase
	close(s.done)
	s.mu.Unlock()

	o.mu.Lock()
	for _, col := range s.scope {
		if o.active[col] == s.id {
			delete(o.active, col)
		}
	}
	o.mu.Unlock()

	o.e.hooks.ReloadFinished(s.id, s.scope, string(phase), err)
	if err != nil {
		o.e.log.Warn("reload rolled back", Fields{"session": s.id, "scope": s.scope, "err": err})
	} else {
		o.e.log.Info("reload committed", Fields{"session": s.id, "scope": s.scope, "took": time.Since(s.started).String()})
	}
}

func phaseErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
