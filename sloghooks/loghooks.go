package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/url"
	"sync/atomic"

	"github.com/unkn0wn-root/offline"
	"github.com/unkn0wn-root/offline/queue"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery uint64
	ServedEvery   uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
	// Log the query string of queued URLs. Off by default: queries may carry tokens.
	KeepQuery bool
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr atomic.Uint64
	servedCtr   atomic.Uint64
}

var _ offline.Hooks = (*Hooks)(nil)

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

func (h *Hooks) url(raw string) string {
	if h.opts.KeepQuery {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return h.redact(raw)
	}
	u.RawQuery = ""
	return u.String()
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) SelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("offline.self_heal",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) CacheWriteFailed(namespace, key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("offline.cache_write_failed",
		"namespace", namespace,
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) Queued(op queue.Operation) {
	if h.l == nil {
		return
	}
	h.l.Info("offline.queued",
		"id", op.ID,
		"kind", string(op.Kind),
		"method", op.Method,
		"url", h.url(op.URL))
}

func (h *Hooks) EnqueueFailed(rawURL string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("offline.enqueue_failed",
		"url", h.url(rawURL),
		"err", err)
}

func (h *Hooks) Replayed(op queue.Operation, status int) {
	if h.l == nil {
		return
	}
	h.l.Debug("offline.replayed",
		"id", op.ID,
		"status", status)
}

func (h *Hooks) ReplayFailed(op queue.Operation, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("offline.replay_failed",
		"id", op.ID,
		"url", h.url(op.URL),
		"err", err)
}

func (h *Hooks) DrainSkipped(trigger offline.Trigger) {
	if h.l == nil {
		return
	}
	h.l.Debug("offline.drain_skipped", "trigger", string(trigger))
}

func (h *Hooks) DrainFinished(res offline.DrainResult) {
	if h.l == nil || res.Attempted == 0 {
		return
	}
	h.l.Info("offline.drain_finished",
		"trigger", string(res.Trigger),
		"attempted", res.Attempted,
		"replayed", res.Replayed,
		"failed", res.Failed,
		"remaining", res.Remaining)
}

func (h *Hooks) GenerationRetired(name string, err error) {
	if h.l == nil {
		return
	}
	if err != nil {
		h.l.Warn("offline.generation_retire_failed", "generation", name, "err", err)
		return
	}
	h.l.Info("offline.generation_retired", "generation", name)
}

func (h *Hooks) Served(method string, src offline.Source, status int) {
	if h.l == nil || !sample(h.opts.ServedEvery, &h.servedCtr) {
		return
	}
	h.l.Debug("offline.served",
		"method", method,
		"source", string(src),
		"status", status)
}
