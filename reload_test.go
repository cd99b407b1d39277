package confcache

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// blockingHandler is a ReloadHandler whose Load waits for a release signal,
// holding the session in the Load phase.
type blockingHandler struct {
	cols    []string
	entered chan struct{}
	release chan struct{}
	loadErr error
	records []Record
}

func newBlockingHandler(cols ...string) *blockingHandler {
	return &blockingHandler{
		cols:    cols,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (h *blockingHandler) Collections() []string { return h.cols }

func (h *blockingHandler) Load(ctx context.Context) ([]Record, error) {
	close(h.entered)
	select {
	case <-h.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if h.loadErr != nil {
		return nil, h.loadErr
	}
	return h.records, nil
}

func (h *blockingHandler) Validate(context.Context, []Record) error { return nil }

func TestReloadCommit(t *testing.T) {
	e, gw := newTestEngine(t, nil)
	col := flagsCollection(t, e)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		doc := []byte(fmt.Sprintf(`{"name":%q,"enabled":true}`, id))
		if _, err := gw.Put(ctx, "flags", id, doc, 0); err != nil {
			t.Fatalf("gw.Put: %v", err)
		}
	}

	id, err := e.TriggerReload(ctx, "flags")
	if err != nil {
		t.Fatalf("TriggerReload: %v", err)
	}
	res, err := e.WaitReload(ctx, id)
	if err != nil {
		t.Fatalf("WaitReload: %v", err)
	}
	if res.Phase != PhaseCommitted || res.Err != nil {
		t.Fatalf("reload result: %+v", res)
	}

	if e.CacheLen() != 2 {
		t.Fatalf("cache after reload: len=%d", e.CacheLen())
	}
	got, err := col.Get(ctx, "a")
	if err != nil || !got.Enabled {
		t.Fatalf("Get after reload: got=%+v err=%v", got, err)
	}

	phase, err := e.ReloadStatus(id)
	if err != nil || phase != PhaseCommitted {
		t.Fatalf("ReloadStatus: phase=%v err=%v", phase, err)
	}
}

func TestReloadValidateFailureRollsBack(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	reject := false
	col := flagsCollection(t, e, WithValidator[flagDoc](func(map[string]flagDoc) error {
		if reject {
			return errors.New("config set rejected")
		}
		return nil
	}))
	ctx := context.Background()

	if _, err := col.Save(ctx, "a", flagDoc{Name: "a", Enabled: true}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := col.Get(ctx, "a"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	before, ok := e.core.get(Key{Collection: "flags", ID: "a"})
	if !ok {
		t.Fatal("record not cached before reload")
	}
	reject = true

	id, err := e.TriggerReload(ctx, "flags")
	if err != nil {
		t.Fatalf("TriggerReload: %v", err)
	}
	res, err := e.WaitReload(ctx, id)
	if err != nil {
		t.Fatalf("WaitReload: %v", err)
	}
	if res.Phase != PhaseRolledBack {
		t.Fatalf("phase: %v", res.Phase)
	}
	var aborted *ReloadAbortedError
	if !errors.As(res.Err, &aborted) || aborted.Phase != PhaseValidate {
		t.Fatalf("result err: %v", res.Err)
	}

	// the pre-reload snapshot is back exactly
	after, ok := e.core.get(Key{Collection: "flags", ID: "a"})
	if !ok {
		t.Fatal("record missing after rollback")
	}
	if after.Version != before.Version {
		t.Fatalf("version after rollback: %d, want %d", after.Version, before.Version)
	}
	if got := after.Value.(flagDoc); got.Name != "a" || !got.Enabled {
		t.Fatalf("value after rollback: %+v", got)
	}
}

func TestReloadLoadFailureRollsBack(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	flagsCollection(t, e)
	ctx := context.Background()

	h := newBlockingHandler("flags")
	h.loadErr = errors.New("store exploded")
	if err := e.RegisterReloadHandler("flags-custom", h); err != nil {
		t.Fatalf("RegisterReloadHandler: %v", err)
	}

	id, err := e.TriggerReload(ctx, "flags-custom")
	if err != nil {
		t.Fatalf("TriggerReload: %v", err)
	}
	<-h.entered
	close(h.release)

	res, err := e.WaitReload(ctx, id)
	if err != nil {
		t.Fatalf("WaitReload: %v", err)
	}
	if res.Phase != PhaseRolledBack {
		t.Fatalf("phase: %v", res.Phase)
	}
	var aborted *ReloadAbortedError
	if !errors.As(res.Err, &aborted) || aborted.Phase != PhaseLoad {
		t.Fatalf("result err: %v", res.Err)
	}
}

func TestReloadSuspendsWritesThenResumes(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	col := flagsCollection(t, e)
	ctx := context.Background()

	h := newBlockingHandler("flags")
	if err := e.RegisterReloadHandler("flags-custom", h); err != nil {
		t.Fatalf("RegisterReloadHandler: %v", err)
	}

	id, err := e.TriggerReload(ctx, "flags-custom")
	if err != nil {
		t.Fatalf("TriggerReload: %v", err)
	}
	<-h.entered // Suspend has completed; session is mid-Load

	if _, err := col.Save(ctx, "x", flagDoc{Name: "x"}); !errors.Is(err, ErrWritesSuspended) {
		t.Fatalf("Save during reload: %v", err)
	}

	close(h.release)
	if res, err := e.WaitReload(ctx, id); err != nil || res.Phase != PhaseCommitted {
		t.Fatalf("WaitReload: res=%+v err=%v", res, err)
	}

	if _, err := col.Save(ctx, "x", flagDoc{Name: "x"}); err != nil {
		t.Fatalf("Save after reload: %v", err)
	}
}

func TestReloadRejectsOverlap(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	flagsCollection(t, e)
	ctx := context.Background()

	h := newBlockingHandler("flags")
	if err := e.RegisterReloadHandler("flags-custom", h); err != nil {
		t.Fatalf("RegisterReloadHandler: %v", err)
	}

	id, err := e.TriggerReload(ctx, "flags-custom")
	if err != nil {
		t.Fatalf("TriggerReload: %v", err)
	}
	<-h.entered

	if _, err := e.TriggerReload(ctx, "flags"); !errors.Is(err, ErrReloadActive) {
		t.Fatalf("overlapping trigger: %v", err)
	}

	close(h.release)
	if _, err := e.WaitReload(ctx, id); err != nil {
		t.Fatalf("WaitReload: %v", err)
	}

	// the scope is free again
	if _, err := e.TriggerReload(ctx, "flags"); err != nil {
		t.Fatalf("trigger after completion: %v", err)
	}
}

func TestReloadUnknownHandlerAndSession(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	flagsCollection(t, e)
	ctx := context.Background()

	if _, err := e.TriggerReload(ctx, "no-such-handler"); err == nil {
		t.Fatal("trigger with unknown handler succeeded")
	}
	if _, err := e.ReloadStatus("bogus"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("ReloadStatus: %v", err)
	}
	if _, err := e.WaitReload(ctx, "bogus"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("WaitReload: %v", err)
	}
}

func TestReloadDuplicateHandlerName(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	flagsCollection(t, e)

	h := newBlockingHandler("flags")
	if err := e.RegisterReloadHandler("flags", h); !errors.Is(err, ErrCollectionExists) {
		t.Fatalf("duplicate handler name: %v", err)
	}
}
