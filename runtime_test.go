package confcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRuntimeSubmitSaturated(t *testing.T) {
	r := newRuntime(1, 1, NopLogger{}, NopHooks{})
	defer r.close()

	block := make(chan struct{})
	// occupy the single worker
	if err := r.submit("test", func() { <-block }); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	// fill the queue; the worker may or may not have picked up the first
	// task yet, so allow one more acceptance before saturation
	var saturated bool
	for i := 0; i < 3; i++ {
		if err := r.submit("test", func() {}); errors.Is(err, ErrSaturated) {
			saturated = true
			break
		}
	}
	close(block)
	if !saturated {
		t.Fatal("queue never saturated")
	}
}

func TestRuntimeCloseDrains(t *testing.T) {
	r := newRuntime(2, 8, NopLogger{}, NopHooks{})

	var done atomic.Int32
	for i := 0; i < 5; i++ {
		if err := r.submit("test", func() { done.Add(1) }); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	r.close()
	if done.Load() != 5 {
		t.Fatalf("close dropped tasks: %d of 5 ran", done.Load())
	}
	if err := r.submit("test", func() {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("submit after close: %v", err)
	}
}

func TestKeyLocksSerialize(t *testing.T) {
	var locks keyLocks
	locks.m = make(map[Key]*keyLock)
	key := Key{Collection: "cfg", ID: "a"}
	ctx := context.Background()

	release, err := locks.acquire(ctx, key)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		rel, err := locks.acquire(ctx, key)
		if err != nil {
			t.Errorf("second acquire: %v", err)
			close(acquired)
			return
		}
		close(acquired)
		rel()
	}()

	select {
	case <-acquired:
		t.Fatal("second writer acquired a held lock")
	case <-time.After(30 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second writer never acquired after release")
	}
}

func TestKeyLocksCtxCancelWhileWaiting(t *testing.T) {
	var locks keyLocks
	locks.m = make(map[Key]*keyLock)
	key := Key{Collection: "cfg", ID: "a"}

	release, err := locks.acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locks.acquire(ctx, key); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("waiting acquire: %v", err)
	}

	// the lock map must not leak the waiter's refcount
	locks.mu.Lock()
	kl := locks.m[key]
	locks.mu.Unlock()
	if kl == nil || kl.refs != 1 {
		t.Fatalf("refcount after abandoned wait: %+v", kl)
	}
}

func TestWriteGateSuspendAndDrain(t *testing.T) {
	g := writeGate{
		suspended: make(map[string]bool),
		inflight:  make(map[string]int),
	}

	leave, err := g.enter("cfg")
	if err != nil {
		t.Fatalf("enter: %v", err)
	}

	g.suspend([]string{"cfg"})
	if _, err := g.enter("cfg"); !errors.Is(err, ErrWritesSuspended) {
		t.Fatalf("enter while suspended: %v", err)
	}
	if _, err := g.enter("other"); err != nil {
		t.Fatalf("enter out of scope: %v", err)
	}

	drained := make(chan error, 1)
	go func() { drained <- g.drain(context.Background(), []string{"cfg"}) }()

	select {
	case <-drained:
		t.Fatal("drain returned with a write in flight")
	case <-time.After(30 * time.Millisecond):
	}

	leave()
	select {
	case err := <-drained:
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("drain never returned after leave")
	}

	g.resume([]string{"cfg"})
	leave2, err := g.enter("cfg")
	if err != nil {
		t.Fatalf("enter after resume: %v", err)
	}
	leave2()
}

func TestWriteGateDrainTimeout(t *testing.T) {
	g := writeGate{
		suspended: make(map[string]bool),
		inflight:  make(map[string]int),
	}
	leave, err := g.enter("cfg")
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	defer leave()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.drain(ctx, []string{"cfg"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("drain with stuck write: %v", err)
	}
}

func TestFutureCancelBeforeStart(t *testing.T) {
	f := newFuture[int]()
	if !f.Cancel() {
		t.Fatal("Cancel on fresh future returned false")
	}
	if f.begin() {
		t.Fatal("begin succeeded on a cancelled future")
	}
	_, err := f.Wait(context.Background())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled future settled with %v", err)
	}
	if f.Cancel() {
		t.Fatal("second Cancel reported success")
	}
}

func TestFutureSettlesOnce(t *testing.T) {
	f := newFuture[int]()
	f.resolve(42)
	f.fail(errors.New("late"))
	v, err := f.Wait(context.Background())
	if err != nil || v != 42 {
		t.Fatalf("Wait: v=%d err=%v", v, err)
	}
}

func TestFutureWaitCtx(t *testing.T) {
	f := newFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait on unsettled future: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.resolve(1)
	}()
	wg.Wait()
	if v, err := f.Wait(context.Background()); err != nil || v != 1 {
		t.Fatalf("Wait after resolve: v=%d err=%v", v, err)
	}
}
