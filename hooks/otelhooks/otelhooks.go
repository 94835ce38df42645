// Package otelhooks records offline events as OpenTelemetry metrics.
package otelhooks

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/unkn0wn-root/offline"
	"github.com/unkn0wn-root/offline/queue"
)

// Hooks counts events. Counter calls are cheap, so it can be used without
// the async wrapper.
type Hooks struct {
	selfHeals   metric.Int64Counter
	writeFails  metric.Int64Counter
	queued      metric.Int64Counter
	enqueueFail metric.Int64Counter
	replays     metric.Int64Counter
	drains      metric.Int64Counter
	drainOps    metric.Int64Histogram
	retired     metric.Int64Counter
	served      metric.Int64Counter
}

var _ offline.Hooks = (*Hooks)(nil)

// New creates the instruments on meter.
func New(meter metric.Meter) (*Hooks, error) {
	var (
		h   Hooks
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&h.selfHeals, "offline.cache.self_heals", "Corrupt cache records deleted on read"},
		{&h.writeFails, "offline.cache.write_failures", "Cache writes that failed"},
		{&h.queued, "offline.queue.enqueued", "Writes queued for replay"},
		{&h.enqueueFail, "offline.queue.enqueue_failures", "Writes that could not be queued"},
		{&h.replays, "offline.queue.replays", "Replay attempts by outcome"},
		{&h.drains, "offline.sync.drains", "Drain cycles by trigger and outcome"},
		{&h.retired, "offline.cache.generations_retired", "Generation deletions by outcome"},
		{&h.served, "offline.requests", "Requests answered by source"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, fmt.Errorf("create counter %s: %w", c.name, err)
		}
	}
	if h.drainOps, err = meter.Int64Histogram("offline.sync.drain_operations",
		metric.WithDescription("Operations attempted per drain")); err != nil {
		return nil, fmt.Errorf("create histogram: %w", err)
	}
	return &h, nil
}

// Hook callbacks carry no context; measurements are recorded against Background.
var bg = context.Background()

func outcome(err error) attribute.KeyValue {
	if err != nil {
		return attribute.String("outcome", "error")
	}
	return attribute.String("outcome", "ok")
}

func (h *Hooks) SelfHeal(_ string, reason string) {
	h.selfHeals.Add(bg, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (h *Hooks) CacheWriteFailed(namespace, _ string, _ error) {
	h.writeFails.Add(bg, 1, metric.WithAttributes(attribute.String("namespace", namespace)))
}

func (h *Hooks) Queued(op queue.Operation) {
	h.queued.Add(bg, 1, metric.WithAttributes(attribute.String("kind", string(op.Kind))))
}

func (h *Hooks) EnqueueFailed(string, error) { h.enqueueFail.Add(bg, 1) }

func (h *Hooks) Replayed(op queue.Operation, status int) {
	h.replays.Add(bg, 1, metric.WithAttributes(
		attribute.String("kind", string(op.Kind)),
		attribute.String("outcome", "ok"),
		attribute.Int("status", status)))
}

func (h *Hooks) ReplayFailed(op queue.Operation, err error) {
	h.replays.Add(bg, 1, metric.WithAttributes(
		attribute.String("kind", string(op.Kind)),
		outcome(err)))
}

func (h *Hooks) DrainSkipped(trigger offline.Trigger) {
	h.drains.Add(bg, 1, metric.WithAttributes(
		attribute.String("trigger", string(trigger)),
		attribute.String("outcome", "skipped")))
}

func (h *Hooks) DrainFinished(res offline.DrainResult) {
	attrs := metric.WithAttributes(
		attribute.String("trigger", string(res.Trigger)),
		attribute.String("outcome", "finished"))
	h.drains.Add(bg, 1, attrs)
	h.drainOps.Record(bg, int64(res.Attempted), attrs)
}

func (h *Hooks) GenerationRetired(_ string, err error) {
	h.retired.Add(bg, 1, metric.WithAttributes(outcome(err)))
}

func (h *Hooks) Served(method string, src offline.Source, status int) {
	h.served.Add(bg, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("source", string(src)),
		attribute.Int("status_class", status/100)))
}
