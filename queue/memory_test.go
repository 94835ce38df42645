package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/longbridgeapp/assert"
)

func enqueueURLs(t *testing.T, s Store, urls ...string) []Operation {
	t.Helper()
	out := make([]Operation, 0, len(urls))
	for _, u := range urls {
		op, err := s.Enqueue(context.Background(), Operation{URL: u, Method: "POST", Body: `{"u":"` + u + `"}`})
		assert.NoError(t, err)
		out = append(out, op)
	}
	return out
}

func ids(ops []Operation) []uint64 {
	out := make([]uint64, len(ops))
	for i, op := range ops {
		out[i] = op.ID
	}
	return out
}

func TestMemoryFIFOAndMonotonicIDs(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	got := enqueueURLs(t, s, "/api/a", "/api/b", "/api/c")
	assert.Equal(t, []uint64{1, 2, 3}, ids(got))

	all, err := s.ListAll(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, ids(all))
	assert.Equal(t, "/api/a", all[0].URL)

	// ids are never reused after removal
	assert.NoError(t, s.Remove(ctx, 3))
	next := enqueueURLs(t, s, "/api/d")
	assert.Equal(t, uint64(4), next[0].ID)
}

func TestMemoryStampsDefaults(t *testing.T) {
	op := enqueueURLs(t, NewMemory(), "/upload")[0]
	assert.Equal(t, KindRequest, op.Kind)
	assert.True(t, op.IdempotencyKey != "")
	assert.False(t, op.EnqueuedAt.IsZero())

	kept, err := NewMemory().Enqueue(context.Background(), Operation{URL: "/upload", Kind: KindUpload, IdempotencyKey: "fixed"})
	assert.NoError(t, err)
	assert.Equal(t, KindUpload, kept.Kind)
	assert.Equal(t, "fixed", kept.IdempotencyKey)
}

func TestMemoryRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	enqueueURLs(t, s, "/api/a", "/api/b")

	assert.NoError(t, s.Remove(ctx, 1))
	assert.NoError(t, s.Remove(ctx, 1))
	assert.NoError(t, s.Remove(ctx, 42))

	all, err := s.ListAll(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []uint64{2}, ids(all))
}

func TestMemoryListAllReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	_, err := s.Enqueue(ctx, Operation{URL: "/api/a", Method: "PUT", Headers: []Header{{Name: "Content-Type", Value: "application/json"}}})
	assert.NoError(t, err)

	first, _ := s.ListAll(ctx)
	first[0].URL = "mutated"
	first[0].Headers[0].Value = "mutated"

	again, _ := s.ListAll(ctx)
	assert.Equal(t, "/api/a", again[0].URL)
	assert.Equal(t, "application/json", again[0].Headers[0].Value)
}

func TestMemoryClosed(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	assert.NoError(t, s.Close(ctx))

	_, err := s.Enqueue(ctx, Operation{URL: "/api/a"})
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = s.ListAll(ctx)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.True(t, errors.Is(s.Remove(ctx, 1), ErrClosed))
}
