package offline

import (
	"context"
	"fmt"
	"net/http"

	"github.com/unkn0wn-root/offline/queue"
)

// SyncState is the state of the drain state machine.
type SyncState int32

const (
	SyncIdle SyncState = iota
	SyncDraining
)

func (s SyncState) String() string {
	if s == SyncDraining {
		return "draining"
	}
	return "idle"
}

func (s SyncState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Trigger names what started a drain.
type Trigger string

const (
	TriggerOnline   Trigger = "online"
	TriggerPeriodic Trigger = "periodic"
	TriggerManual   Trigger = "manual"
	TriggerSync     Trigger = "sync" // background sync event
)

const (
	TagSyncRequests = "sync-failed-requests"
	TagSyncUploads  = "sync-uploads"
	TagUpdate       = "update-content"
)

const HeaderIdempotencyKey = "Idempotency-Key"

// DrainResult summarizes one drain cycle.
type DrainResult struct {
	Trigger   Trigger `json:"trigger"`
	Attempted int     `json:"attempted"`
	Replayed  int     `json:"replayed"`
	Failed    int     `json:"failed"`
	Remaining int     `json:"remaining"`
}

// Drain replays every queued operation once, in enqueue order. Operations
// whose replay got a response below 500 are removed; the rest stay queued for
// the next cycle. A failure never stops the cycle.
//
// Only one drain runs at a time. A call made while another drain is running
// returns started=false without touching the queue. A started drain runs to
// the end of its snapshot even if ctx is cancelled.
func (w *Worker) Drain(ctx context.Context, trigger Trigger) (res DrainResult, started bool, err error) {
	res.Trigger = trigger
	if !w.syncState.CompareAndSwap(int32(SyncIdle), int32(SyncDraining)) {
		w.hooks.DrainSkipped(trigger)
		w.log.Debug("drain already running", Fields{"trigger": string(trigger)})
		return res, false, nil
	}
	defer w.syncState.Store(int32(SyncIdle))

	ctx = context.WithoutCancel(ctx)
	ops, err := w.queue.ListAll(ctx)
	if err != nil {
		return res, true, fmt.Errorf("drain: list pending: %w", err)
	}
	for _, op := range ops {
		res.Attempted++
		status, err := w.replay(ctx, op)
		if err != nil {
			res.Failed++
			w.hooks.ReplayFailed(op, err)
			w.log.Warn("replay failed", Fields{"id": op.ID, "url": op.URL, "err": err})
			continue
		}
		if err := w.queue.Remove(ctx, op.ID); err != nil {
			// delivered but still queued; the idempotency key covers the next attempt
			res.Failed++
			w.hooks.ReplayFailed(op, err)
			w.log.Error("remove after replay failed", Fields{"id": op.ID, "err": err})
			continue
		}
		res.Replayed++
		w.hooks.Replayed(op, status)
		w.log.Debug("replayed", Fields{"id": op.ID, "url": op.URL, "status": status})
	}
	res.Remaining = res.Attempted - res.Replayed

	w.lastDrain.Store(&res)
	w.hooks.DrainFinished(res)
	if res.Attempted > 0 {
		w.log.Info("drain finished", Fields{
			"trigger":   string(trigger),
			"attempted": res.Attempted,
			"replayed":  res.Replayed,
			"failed":    res.Failed,
		})
	}
	return res, true, nil
}

// SyncNow is a user-initiated drain.
func (w *Worker) SyncNow(ctx context.Context) (DrainResult, bool, error) {
	return w.Drain(ctx, TriggerManual)
}

// SyncState reports whether a drain is running.
func (w *Worker) SyncState() SyncState { return SyncState(w.syncState.Load()) }

func (w *Worker) replay(ctx context.Context, op queue.Operation) (int, error) {
	h := fromQueueHeaders(op.Headers)
	h.Set(HeaderIdempotencyKey, op.IdempotencyKey)
	req := &Request{
		Method: op.Method,
		URL:    op.URL,
		Header: h,
		Body:   []byte(op.Body),
	}
	resp, err := w.fetch(ctx, req)
	if err != nil {
		return 0, err
	}
	if resp.Status >= http.StatusInternalServerError {
		return resp.Status, fmt.Errorf("%w: %d", ErrReplayServerError, resp.Status)
	}
	return resp.Status, nil
}
