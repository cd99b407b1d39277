// Package sloghooks adapts confcache.Hooks to log/slog with sampling for
// the high-frequency signals.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/confcache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	StaleWriteEvery   uint64
	SelfHealEvery     uint64
	SaturatedEvery    uint64
	MissingTransEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	staleCtr     atomic.Uint64
	selfHealCtr  atomic.Uint64
	saturatedCtr atomic.Uint64
	missingCtr   atomic.Uint64
}

var _ confcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) StaleWriteIgnored(key confcache.Key, incoming, cached uint64, source string) {
	if h.l == nil || !sample(h.opts.StaleWriteEvery, &h.staleCtr) {
		return
	}
	h.l.Debug("confcache.stale_write_ignored",
		"key", key.String(),
		"incoming", incoming,
		"cached", cached,
		"source", source)
}

func (h *Hooks) EventDecodeFailed(key confcache.Key, version uint64, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("confcache.event_decode_failed",
		"key", key.String(),
		"version", version,
		"err", err)
}

func (h *Hooks) FeedResync(collection string, attempt int) {
	if h.l == nil {
		return
	}
	h.l.Info("confcache.feed_resync",
		"collection", collection,
		"attempt", attempt)
}

func (h *Hooks) L2SelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("confcache.l2_self_heal",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) Saturated(kind string) {
	if h.l == nil || !sample(h.opts.SaturatedEvery, &h.saturatedCtr) {
		return
	}
	h.l.Warn("confcache.saturated", "kind", kind)
}

func (h *Hooks) ReloadFinished(sessionID string, scope []string, phase string, err error) {
	if h.l == nil {
		return
	}
	if err != nil {
		h.l.Error("confcache.reload_finished",
			"session", sessionID,
			"scope", scope,
			"phase", phase,
			"err", err)
		return
	}
	h.l.Info("confcache.reload_finished",
		"session", sessionID,
		"scope", scope,
		"phase", phase)
}

func (h *Hooks) MissingTranslation(set, language, key string) {
	if h.l == nil || !sample(h.opts.MissingTransEvery, &h.missingCtr) {
		return
	}
	h.l.Info("confcache.missing_translation",
		"set", set,
		"language", language,
		"key", key)
}
