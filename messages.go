package confcache

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/language"

	"github.com/unkn0wn-root/confcache/codec"
)

// TranslationsCollection is the store collection holding message bundles.
// Documents are keyed "<set>:<language>", one bundle per set and language.
const TranslationsCollection = "translations"

// Bundle is the per-language message table of one translation set.
type Bundle struct {
	Language string            `json:"language"`
	Messages map[string]string `json:"messages"`
}

// Resolver resolves message keys of one translation set with language
// fallback. Bundles are cached like any other collection and stay pinned,
// so resolution after warmup is a pure in-memory lookup.
type Resolver struct {
	e   *Engine
	set string
	col *Collection[Bundle]
}

// Messages returns the resolver for one translation set. All sets share a
// single pinned collection over TranslationsCollection; the first call
// registers it.
func (e *Engine) Messages(set string) (*Resolver, error) {
	if set == "" {
		return nil, fmt.Errorf("confcache: translation set is required")
	}
	e.bundlesOnce.Do(func() {
		e.bundles, e.bundlesErr = NewCollection[Bundle](e, TranslationsCollection, codec.JSON[Bundle]{},
			WithPinned[Bundle](),
			WithTTL[Bundle](-1),
			WithValidator[Bundle](e.validateBundles),
		)
	})
	if e.bundlesErr != nil {
		return nil, e.bundlesErr
	}
	return &Resolver{e: e, set: set, col: e.bundles}, nil
}

// validateBundles guards reloads of the translations collection: a bundle
// must carry messages, and no language that resolves today may disappear.
// Shrinking the language set requires an explicit delete, not a reload.
func (e *Engine) validateBundles(loaded map[string]Bundle) error {
	for id, b := range loaded {
		if len(b.Messages) == 0 {
			return fmt.Errorf("bundle %s: no messages", id)
		}
	}
	snap := e.core.snapshot([]string{TranslationsCollection})
	for _, rec := range snap.records {
		if _, ok := loaded[rec.Key.ID]; !ok {
			return fmt.Errorf("bundle %s: resolvable before reload, missing after", rec.Key.ID)
		}
	}
	return nil
}

func (r *Resolver) Set() string { return r.set }

// Bundle fetches the full message table for one language, without fallback.
func (r *Resolver) Bundle(ctx context.Context, lang string) (Bundle, error) {
	return r.col.Get(ctx, r.set+":"+normalizeLanguage(lang))
}

// Resolve returns the message for key in the best available language:
// the requested tag, then its base language, then the engine default.
// When no bundle has the key the key itself is returned, so a missing
// translation degrades to a visible marker instead of an error.
func (r *Resolver) Resolve(ctx context.Context, lang, key string, args ...any) string {
	for _, tag := range r.fallbackChain(lang) {
		b, err := r.col.Get(ctx, r.set+":"+tag)
		if err != nil {
			continue
		}
		if msg, ok := b.Messages[key]; ok {
			return formatMessage(msg, args)
		}
	}
	r.e.hooks.MissingTranslation(r.set, lang, key)
	r.e.log.Debug("missing translation", Fields{"set": r.set, "language": lang, "key": key})
	return key
}

// fallbackChain orders the languages to try: requested tag, its base
// language, then the configured default. Duplicates are collapsed.
func (r *Resolver) fallbackChain(lang string) []string {
	chain := make([]string, 0, 3)
	add := func(tag string) {
		if tag == "" {
			return
		}
		for _, seen := range chain {
			if seen == tag {
				return
			}
		}
		chain = append(chain, tag)
	}

	if tag, err := language.Parse(lang); err == nil {
		add(strings.ToLower(tag.String()))
		if base, conf := tag.Base(); conf != language.No {
			add(base.String())
		}
	} else if lang != "" {
		add(strings.ToLower(lang))
	}
	add(normalizeLanguage(r.e.cfg.DefaultLanguage))
	return chain
}

// normalizeLanguage canonicalizes a BCP 47 tag for use in bundle ids.
// Unparseable input passes through lowercased so lookups still have a
// deterministic shape.
func normalizeLanguage(lang string) string {
	if tag, err := language.Parse(lang); err == nil {
		return strings.ToLower(tag.String())
	}
	return strings.ToLower(lang)
}

// formatMessage substitutes positional {N} placeholders with args. Indices
// without a matching argument, and any other brace text, are left verbatim.
func formatMessage(msg string, args []any) string {
	if len(args) == 0 || !strings.ContainsRune(msg, '{') {
		return msg
	}
	var b strings.Builder
	b.Grow(len(msg))
	for i := 0; i < len(msg); {
		if msg[i] == '{' {
			if end := strings.IndexByte(msg[i:], '}'); end > 1 {
				if n, err := strconv.Atoi(msg[i+1 : i+end]); err == nil && n >= 0 && n < len(args) {
					fmt.Fprint(&b, args[n])
					i += end + 1
					continue
				}
			}
		}
		b.WriteByte(msg[i])
		i++
	}
	return b.String()
}
