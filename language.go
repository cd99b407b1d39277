package confcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/text/language"

	"github.com/unkn0wn-root/confcache/codec"
	"github.com/unkn0wn-root/confcache/store"
)

// PreferencesCollection is the store collection holding per-entity language
// preferences, keyed by entity id.
const PreferencesCollection = "language_preferences"

// Preference records how an entity's language was chosen. Selected is an
// explicit choice and always wins; Detected is inferred (client locale,
// request headers) and is the fallback.
type Preference struct {
	EntityID    string    `json:"entity_id"`
	Selected    string    `json:"selected,omitempty"`
	Detected    string    `json:"detected,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
}

// Languages resolves the effective language per entity. On top of the
// preference collection it keeps a short-lived answer cache, invalidated by
// the change feed, so hot entities cost one map lookup.
type Languages struct {
	e     *Engine
	col   *Collection[Preference]
	cache *ttlcache.Cache[string, string]
}

// Languages returns the engine's language preference resolver, registering
// the preference collection on first use. Concurrent first calls share one
// registration.
func (e *Engine) Languages() (*Languages, error) {
	e.languagesOnce.Do(func() {
		l := &Languages{
			e: e,
			cache: ttlcache.New[string, string](
				ttlcache.WithTTL[string, string](e.cfg.LanguageTTL),
				ttlcache.WithDisableTouchOnHit[string, string](),
			),
		}
		col, err := NewCollection[Preference](e, PreferencesCollection, codec.JSON[Preference]{},
			WithChangeHook[Preference](func(id string, _ store.ChangeOp) {
				l.cache.Delete(id)
			}),
		)
		if err != nil {
			l.cache.Stop()
			e.languagesErr = err
			return
		}
		l.col = col
		go l.cache.Start()

		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed {
			l.cache.Stop()
			e.languagesErr = ErrClosed
			return
		}
		e.languages = l
	})
	if e.languagesErr != nil {
		return nil, e.languagesErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.languages, nil
}

func (l *Languages) stop() { l.cache.Stop() }

// EffectiveLanguage answers which language to serve an entity: the selected
// preference, then the detected one, then the engine default. An absent
// preference is the normal case and yields the default.
func (l *Languages) EffectiveLanguage(ctx context.Context, entityID string) (string, error) {
	if it := l.cache.Get(entityID); it != nil {
		return it.Value(), nil
	}

	def := normalizeLanguage(l.e.cfg.DefaultLanguage)
	pref, err := l.col.Get(ctx, entityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			l.cache.Set(entityID, def, ttlcache.DefaultTTL)
			return def, nil
		}
		return "", err
	}

	lang := def
	if tag, perr := language.Parse(pref.Selected); perr == nil {
		lang = normalizeLanguage(tag.String())
	} else if tag, perr := language.Parse(pref.Detected); perr == nil {
		lang = normalizeLanguage(tag.String())
	}
	l.cache.Set(entityID, lang, ttlcache.DefaultTTL)
	return lang, nil
}

// SetLanguage records an explicit language choice. The tag must parse.
func (l *Languages) SetLanguage(ctx context.Context, entityID, lang string) error {
	return l.update(ctx, entityID, lang, func(p *Preference, tag string) { p.Selected = tag })
}

// SetDetected records an inferred language. It never overrides an explicit
// selection at resolution time.
func (l *Languages) SetDetected(ctx context.Context, entityID, lang string) error {
	return l.update(ctx, entityID, lang, func(p *Preference, tag string) { p.Detected = tag })
}

func (l *Languages) update(ctx context.Context, entityID, lang string, apply func(*Preference, string)) error {
	tag, err := language.Parse(lang)
	if err != nil {
		return fmt.Errorf("confcache: invalid language tag %q: %w", lang, err)
	}

	pref, err := l.col.Get(ctx, entityID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	pref.EntityID = entityID
	apply(&pref, normalizeLanguage(tag.String()))
	pref.LastUpdated = time.Now().UTC()

	if _, err := l.col.Save(ctx, entityID, pref); err != nil {
		return err
	}
	l.cache.Delete(entityID)
	return nil
}
