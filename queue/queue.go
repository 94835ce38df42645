// Package queue holds write operations that could not reach the network so
// they can be replayed later. Stores keep enqueue order and never mutate a
// stored operation: it is appended once and removed once replay succeeded.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hyp3rd/ewrap"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = ewrap.New("queue: store closed")
	// ErrCorrupt is returned when persisted queue state cannot be decoded.
	ErrCorrupt = ewrap.New("queue: corrupt state")
)

// Kind tells what produced a pending operation.
type Kind string

const (
	KindRequest Kind = "request"
	KindUpload  Kind = "upload"
)

// Header is one request header. Repeated names are kept as separate pairs.
type Header struct {
	Name  string `json:"name" msgpack:"name" cbor:"name"`
	Value string `json:"value" msgpack:"value" cbor:"value"`
}

// Operation is a queued write request.
// ID, EnqueuedAt and IdempotencyKey are filled by Enqueue when left zero.
type Operation struct {
	ID             uint64    `json:"id" msgpack:"id" cbor:"id"`
	Kind           Kind      `json:"kind" msgpack:"kind" cbor:"kind"`
	URL            string    `json:"url" msgpack:"url" cbor:"url"`
	Method         string    `json:"method" msgpack:"method" cbor:"method"`
	Headers        []Header  `json:"headers" msgpack:"headers" cbor:"headers"`
	Body           string    `json:"body" msgpack:"body" cbor:"body"`
	IdempotencyKey string    `json:"idempotencyKey" msgpack:"idempotencyKey" cbor:"idempotencyKey"`
	EnqueuedAt     time.Time `json:"enqueuedAt" msgpack:"enqueuedAt" cbor:"enqueuedAt"`
}

// Store is a durable FIFO of pending operations.
type Store interface {
	// Enqueue assigns a unique id larger than every id handed out before,
	// appends the operation and returns the stored copy.
	Enqueue(ctx context.Context, op Operation) (Operation, error)
	// ListAll returns every queued operation in enqueue order.
	ListAll(ctx context.Context) ([]Operation, error)
	// Remove deletes one operation. Removing an unknown id is a no-op.
	Remove(ctx context.Context, id uint64) error
	// Close releases resources. Later calls return ErrClosed.
	Close(ctx context.Context) error
}

func stamp(op Operation, id uint64, now time.Time) Operation {
	op.ID = id
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = now
	}
	if op.IdempotencyKey == "" {
		op.IdempotencyKey = uuid.NewString()
	}
	if op.Kind == "" {
		op.Kind = KindRequest
	}
	op.Headers = cloneHeaders(op.Headers)
	return op
}

func cloneHeaders(h []Header) []Header {
	if h == nil {
		return nil
	}
	out := make([]Header, len(h))
	copy(out, h)
	return out
}

func cloneOps(ops []Operation) []Operation {
	out := make([]Operation, len(ops))
	for i, op := range ops {
		op.Headers = cloneHeaders(op.Headers)
		out[i] = op
	}
	return out
}
