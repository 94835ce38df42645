package offline

import (
	"context"
	"fmt"
)

// EventKind selects the handler run by Dispatch.
type EventKind int

const (
	EventInstall EventKind = iota + 1
	EventActivate
	EventFetch
	EventSync
	EventPeriodicSync
	EventOnline
	EventOffline
	EventPush
	EventMessage
)

var eventNames = map[EventKind]string{
	EventInstall:      "install",
	EventActivate:     "activate",
	EventFetch:        "fetch",
	EventSync:         "sync",
	EventPeriodicSync: "periodicsync",
	EventOnline:       "online",
	EventOffline:      "offline",
	EventPush:         "push",
	EventMessage:      "message",
}

func (k EventKind) String() string {
	if n, ok := eventNames[k]; ok {
		return n
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// MessageSkipWaiting asks a worker with a staged generation to activate it.
const MessageSkipWaiting = "SKIP_WAITING"

// Event is one lifecycle or request event. Only the fields relevant to Kind
// are read: Request for EventFetch, Tag for EventSync and EventPeriodicSync,
// Data for EventPush (notification text) and EventMessage (message type).
type Event struct {
	Kind    EventKind
	Request *Request
	Tag     string
	Data    string
}

// Result carries what a handler produced.
type Result struct {
	Response  *Response    // EventFetch
	Drain     *DrainResult // drains that started
	Started   bool         // false when a drain was already running
	Retired   []string     // EventActivate, SKIP_WAITING
	Refreshed int          // EventPeriodicSync
}

type handler func(ctx context.Context, ev Event) (Result, error)

func (w *Worker) handlers() map[EventKind]handler {
	return map[EventKind]handler{
		EventInstall:      w.onInstall,
		EventActivate:     w.onActivate,
		EventFetch:        w.onFetch,
		EventSync:         w.onSync,
		EventPeriodicSync: w.onPeriodicSync,
		EventOnline:       w.onOnline,
		EventOffline:      w.onOffline,
		EventPush:         w.onPush,
		EventMessage:      w.onMessage,
	}
}

// Dispatch runs the handler registered for ev.Kind.
func (w *Worker) Dispatch(ctx context.Context, ev Event) (Result, error) {
	if w.closed.Load() {
		return Result{}, ErrClosed
	}
	h, ok := w.dispatch[ev.Kind]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Kind)
	}
	return h(ctx, ev)
}

func (w *Worker) onInstall(ctx context.Context, _ Event) (Result, error) {
	return Result{}, w.Install(ctx)
}

func (w *Worker) onActivate(ctx context.Context, _ Event) (Result, error) {
	retired, err := w.Activate(ctx)
	return Result{Retired: retired}, err
}

func (w *Worker) onFetch(ctx context.Context, ev Event) (Result, error) {
	if ev.Request == nil {
		return Result{}, fmt.Errorf("offline: fetch event without request")
	}
	return Result{Response: w.Handle(ctx, ev.Request)}, nil
}

func (w *Worker) onSync(ctx context.Context, ev Event) (Result, error) {
	switch ev.Tag {
	case TagSyncRequests, TagSyncUploads:
		// one queue holds both kinds; either tag drains everything
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownSyncTag, ev.Tag)
	}
	return w.drainResult(ctx, TriggerSync)
}

func (w *Worker) onPeriodicSync(ctx context.Context, ev Event) (Result, error) {
	if ev.Tag != TagUpdate {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownSyncTag, ev.Tag)
	}
	n := w.Refresh(ctx)
	res, err := w.drainResult(ctx, TriggerPeriodic)
	res.Refreshed = n
	return res, err
}

func (w *Worker) onOnline(ctx context.Context, _ Event) (Result, error) {
	w.online.Store(true)
	return w.drainResult(ctx, TriggerOnline)
}

func (w *Worker) onOffline(context.Context, Event) (Result, error) {
	w.SetOnline(false)
	return Result{}, nil
}

func (w *Worker) onPush(ctx context.Context, ev Event) (Result, error) {
	n := w.notification(ev.Data)
	if w.notifier == nil {
		w.log.Info("push dropped, no notifier", Fields{"body": n.Body})
		return Result{}, nil
	}
	return Result{}, w.notifier.Notify(ctx, n)
}

func (w *Worker) onMessage(ctx context.Context, ev Event) (Result, error) {
	if ev.Data != MessageSkipWaiting {
		w.log.Debug("message ignored", Fields{"type": ev.Data})
		return Result{}, nil
	}
	if w.staged.Load() == nil {
		return Result{}, nil
	}
	retired, err := w.Activate(ctx)
	return Result{Retired: retired}, err
}

func (w *Worker) drainResult(ctx context.Context, t Trigger) (Result, error) {
	res, started, err := w.Drain(ctx, t)
	r := Result{Started: started}
	if started {
		r.Drain = &res
	}
	return r, err
}
