// usage:
//
// import (
//
//	"log/slog"
//
//	"github.com/unkn0wn-root/offline"
//	"github.com/unkn0wn-root/offline/hooks/async"
//	"github.com/unkn0wn-root/offline/sloghooks"
//
// )
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    ServedEvery: 100, // sample logs: ~every 100th served request
//	})
//
// hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
// defer hooks.Close()
//
//	w, _ := offline.New(offline.Options{
//	    Version:  "v2",
//	    Network:  fetcher,
//	    Provider: provider,
//	    Hooks:    hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"

	"github.com/unkn0wn-root/offline"
	"github.com/unkn0wn-root/offline/queue"
)

// Hooks forwards events to inner on background goroutines. Events are
// dropped when the queue is full.
type Hooks struct {
	inner offline.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
	mu    sync.RWMutex
	done  bool
}

var _ offline.Hooks = (*Hooks)(nil)

func New(inner offline.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close stops accepting events and waits for queued ones to run.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.done = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.done {
		return
	}
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) SelfHeal(k, r string)      { h.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) Queued(op queue.Operation) { h.try(func() { h.inner.Queued(op) }) }
func (h *Hooks) EnqueueFailed(url string, err error) {
	h.try(func() { h.inner.EnqueueFailed(url, err) })
}
func (h *Hooks) DrainSkipped(t offline.Trigger)      { h.try(func() { h.inner.DrainSkipped(t) }) }
func (h *Hooks) DrainFinished(r offline.DrainResult) { h.try(func() { h.inner.DrainFinished(r) }) }
func (h *Hooks) CacheWriteFailed(ns, k string, err error) {
	h.try(func() { h.inner.CacheWriteFailed(ns, k, err) })
}
func (h *Hooks) Replayed(op queue.Operation, status int) {
	h.try(func() { h.inner.Replayed(op, status) })
}
func (h *Hooks) ReplayFailed(op queue.Operation, err error) {
	h.try(func() { h.inner.ReplayFailed(op, err) })
}
func (h *Hooks) GenerationRetired(name string, err error) {
	h.try(func() { h.inner.GenerationRetired(name, err) })
}
func (h *Hooks) Served(method string, src offline.Source, status int) {
	h.try(func() { h.inner.Served(method, src, status) })
}
