package genstore

import (
	"context"
)

// GenStore abstracts where the active-generation pointers live.
// Use LocalGenStore (default) for a single process, or RedisGenStore when the
// pointers must survive restarts or be shared by several processes.
//
// A namespace ("static", "runtime") has at most one active generation and any
// number of registered ones (staged, or stale and awaiting deletion).
type GenStore interface {
	// Active returns the active generation; "" when none was activated.
	Active(ctx context.Context, namespace string) (string, error)
	// SetActive atomically replaces the active generation, registering it,
	// and returns the previous one ("" when none).
	SetActive(ctx context.Context, namespace, generation string) (prev string, err error)
	// Register records a generation as present without activating it.
	Register(ctx context.Context, namespace, generation string) error
	// List returns every registered generation in lexical order.
	List(ctx context.Context, namespace string) ([]string, error)
	// Forget drops a registered generation; no-op if absent.
	// Forgetting the active generation is refused by callers, not the store.
	Forget(ctx context.Context, namespace, generation string) error
	// Close releases resources (no-op ok).
	Close(context.Context) error
}
