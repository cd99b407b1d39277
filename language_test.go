package confcache

import (
	"context"
	"sync"
	"testing"
)

func TestEffectiveLanguageDefault(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	l, err := e.Languages()
	if err != nil {
		t.Fatalf("Languages: %v", err)
	}

	got, err := l.EffectiveLanguage(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("EffectiveLanguage: %v", err)
	}
	if got != "en" {
		t.Fatalf("default language: %q", got)
	}
}

func TestEffectiveLanguagePrecedence(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	l, err := e.Languages()
	if err != nil {
		t.Fatalf("Languages: %v", err)
	}
	ctx := context.Background()

	if err := l.SetDetected(ctx, "user-1", "fr"); err != nil {
		t.Fatalf("SetDetected: %v", err)
	}
	got, err := l.EffectiveLanguage(ctx, "user-1")
	if err != nil || got != "fr" {
		t.Fatalf("after detect: %q, %v", got, err)
	}

	// explicit selection beats detection
	if err := l.SetLanguage(ctx, "user-1", "de"); err != nil {
		t.Fatalf("SetLanguage: %v", err)
	}
	got, err = l.EffectiveLanguage(ctx, "user-1")
	if err != nil || got != "de" {
		t.Fatalf("after select: %q, %v", got, err)
	}

	// a later detection must not override the selection
	if err := l.SetDetected(ctx, "user-1", "es"); err != nil {
		t.Fatalf("second SetDetected: %v", err)
	}
	got, err = l.EffectiveLanguage(ctx, "user-1")
	if err != nil || got != "de" {
		t.Fatalf("after second detect: %q, %v", got, err)
	}
}

func TestSetLanguageRejectsBadTag(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	l, err := e.Languages()
	if err != nil {
		t.Fatalf("Languages: %v", err)
	}
	if err := l.SetLanguage(context.Background(), "user-1", "!!not-a-tag!!"); err == nil {
		t.Fatal("invalid tag accepted")
	}
}

func TestLanguagesConcurrentFirstUse(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	const callers = 16
	start := make(chan struct{})
	results := make(chan *Languages, callers)
	errs := make(chan error, callers)

	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			<-start
			l, err := e.Languages()
			results <- l
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent first use failed: %v", err)
		}
	}
	var first *Languages
	for l := range results {
		if first == nil {
			first = l
		}
		if l != first {
			t.Fatal("concurrent first use produced distinct instances")
		}
	}
	if first == nil {
		t.Fatal("no resolver returned")
	}
}

func TestLanguagesSharedInstance(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	l1, err := e.Languages()
	if err != nil {
		t.Fatalf("Languages: %v", err)
	}
	l2, err := e.Languages()
	if err != nil {
		t.Fatalf("second Languages: %v", err)
	}
	if l1 != l2 {
		t.Fatal("Languages returned distinct instances")
	}
}

func TestEffectiveLanguageNormalizesRegion(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	l, err := e.Languages()
	if err != nil {
		t.Fatalf("Languages: %v", err)
	}
	ctx := context.Background()

	if err := l.SetLanguage(ctx, "user-1", "de-AT"); err != nil {
		t.Fatalf("SetLanguage: %v", err)
	}
	got, err := l.EffectiveLanguage(ctx, "user-1")
	if err != nil || got != "de-at" {
		t.Fatalf("normalized tag: %q, %v", got, err)
	}
}
