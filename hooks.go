package offline

import "github.com/unkn0wn-root/offline/queue"

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The worker calls them on request and drain paths.
type Hooks interface {
	// A cache record was deleted on read.
	// reason ∈ {"corrupt", "corrupt_manifest"}
	SelfHeal(storageKey, reason string)

	// A write-behind or refresh write into a cache failed. The response that
	// triggered it was still delivered.
	CacheWriteFailed(namespace, key string, err error)

	// A failed write was stored for replay.
	Queued(op queue.Operation)
	// A failed write could not be stored either; the caller got "unavailable".
	EnqueueFailed(url string, err error)

	// Replay outcomes during a drain.
	Replayed(op queue.Operation, status int)
	ReplayFailed(op queue.Operation, err error)

	// A trigger arrived while a drain was running and was ignored.
	DrainSkipped(trigger Trigger)
	DrainFinished(res DrainResult)

	// A stale generation was deleted (err == nil) or its deletion failed.
	GenerationRetired(name string, err error)

	// A request was answered.
	Served(method string, src Source, status int)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) SelfHeal(string, string)                {}
func (NopHooks) CacheWriteFailed(string, string, error) {}
func (NopHooks) Queued(queue.Operation)                 {}
func (NopHooks) EnqueueFailed(string, error)            {}
func (NopHooks) Replayed(queue.Operation, int)          {}
func (NopHooks) ReplayFailed(queue.Operation, error)    {}
func (NopHooks) DrainSkipped(Trigger)                   {}
func (NopHooks) DrainFinished(DrainResult)              {}
func (NopHooks) GenerationRetired(string, error)        {}
func (NopHooks) Served(string, Source, int)             {}

// MultiHooks fans every event out to each non-nil member, in order.
type MultiHooks []Hooks

var _ Hooks = MultiHooks(nil)

func (m MultiHooks) each(fn func(Hooks)) {
	for _, h := range m {
		if h != nil {
			fn(h)
		}
	}
}

func (m MultiHooks) SelfHeal(storageKey, reason string) {
	m.each(func(h Hooks) { h.SelfHeal(storageKey, reason) })
}

func (m MultiHooks) CacheWriteFailed(namespace, key string, err error) {
	m.each(func(h Hooks) { h.CacheWriteFailed(namespace, key, err) })
}

func (m MultiHooks) Queued(op queue.Operation) { m.each(func(h Hooks) { h.Queued(op) }) }

func (m MultiHooks) EnqueueFailed(url string, err error) {
	m.each(func(h Hooks) { h.EnqueueFailed(url, err) })
}

func (m MultiHooks) Replayed(op queue.Operation, status int) {
	m.each(func(h Hooks) { h.Replayed(op, status) })
}

func (m MultiHooks) ReplayFailed(op queue.Operation, err error) {
	m.each(func(h Hooks) { h.ReplayFailed(op, err) })
}

func (m MultiHooks) DrainSkipped(trigger Trigger) { m.each(func(h Hooks) { h.DrainSkipped(trigger) }) }

func (m MultiHooks) DrainFinished(res DrainResult) { m.each(func(h Hooks) { h.DrainFinished(res) }) }

func (m MultiHooks) GenerationRetired(name string, err error) {
	m.each(func(h Hooks) { h.GenerationRetired(name, err) })
}

func (m MultiHooks) Served(method string, src Source, status int) {
	m.each(func(h Hooks) { h.Served(method, src, status) })
}
