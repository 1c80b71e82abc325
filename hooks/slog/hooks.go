// Package sloghooks logs offcache.Hooks events through log/slog.
package sloghooks

import (
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/offcache"
	"github.com/unkn0wn-root/offcache/internal/util"
)

type Options struct {
	// Sampling for request-path events; 0/1 = log all.
	FallbackEvery uint64
	// Optional request-key redactor. Defaults to a SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	fallbackCtr atomic.Uint64
}

var _ offcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	return util.ShortHash(k)
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) StateChanged(gen string, from, to offcache.State) {
	if h.l == nil {
		return
	}
	h.l.Info("offcache.state_changed",
		"generation", gen,
		"from", from.String(),
		"to", to.String())
}

func (h *Hooks) PrecacheFailed(gen, url string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("offcache.precache_failed",
		"generation", gen,
		"url", url,
		"err", err)
}

func (h *Hooks) NetworkFallback(gen, key string, hit bool) {
	if h.l == nil || !sample(h.opts.FallbackEvery, &h.fallbackCtr) {
		return
	}
	h.l.Debug("offcache.network_fallback",
		"generation", gen,
		"key", h.redact(key),
		"hit", hit)
}

func (h *Hooks) GenerationSwept(current, swept string) {
	if h.l == nil {
		return
	}
	h.l.Info("offcache.generation_swept",
		"generation", current,
		"swept", swept)
}

func (h *Hooks) SweepFailed(current, name string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("offcache.sweep_failed",
		"generation", current,
		"stale", name,
		"err", err)
}
