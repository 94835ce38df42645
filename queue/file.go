package queue

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hyp3rd/ewrap"

	"github.com/unkn0wn-root/offline/codec"
)

// Snapshot is the persisted form of a File store.
type Snapshot struct {
	Seq uint64      `json:"seq" msgpack:"seq" cbor:"seq"`
	Ops []Operation `json:"ops" msgpack:"ops" cbor:"ops"`
}

// File is a Store persisted as a single snapshot file. Every mutation
// rewrites the snapshot to a temp file in the same directory and renames it
// over the old one, so a crash leaves either the previous or the new state.
// Suited to small queues; each write costs O(queue size).
type File struct {
	mu     sync.Mutex
	path   string
	codec  codec.Codec[Snapshot]
	state  Snapshot
	closed bool
	now    func() time.Time
}

var _ Store = (*File)(nil)

// OpenFile loads the snapshot at path, or starts empty when it does not exist.
// c defaults to JSON.
func OpenFile(path string, c codec.Codec[Snapshot]) (*File, error) {
	if c == nil {
		c = codec.JSON[Snapshot]{}
	}
	f := &File{path: path, codec: c, now: time.Now}

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return f, nil
	case err != nil:
		return nil, ewrap.Wrap(err, "queue: read snapshot")
	}
	if len(b) == 0 {
		return f, nil
	}
	st, err := c.Decode(b)
	if err != nil {
		return nil, ewrap.Wrapf(ErrCorrupt, "decode %s: %v", path, err)
	}
	for _, op := range st.Ops {
		if op.ID > st.Seq {
			st.Seq = op.ID
		}
	}
	f.state = st
	return f, nil
}

func (f *File) Enqueue(_ context.Context, op Operation) (Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return Operation{}, ErrClosed
	}
	next := Snapshot{Seq: f.state.Seq + 1}
	op = stamp(op, next.Seq, f.now())
	next.Ops = append(append(make([]Operation, 0, len(f.state.Ops)+1), f.state.Ops...), op)
	if err := f.commit(next); err != nil {
		return Operation{}, err
	}
	op.Headers = cloneHeaders(op.Headers)
	return op, nil
}

func (f *File) ListAll(_ context.Context) ([]Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	return cloneOps(f.state.Ops), nil
}

func (f *File) Remove(_ context.Context, id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	idx := -1
	for i := range f.state.Ops {
		if f.state.Ops[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	next := Snapshot{Seq: f.state.Seq, Ops: make([]Operation, 0, len(f.state.Ops)-1)}
	next.Ops = append(next.Ops, f.state.Ops[:idx]...)
	next.Ops = append(next.Ops, f.state.Ops[idx+1:]...)
	return f.commit(next)
}

func (f *File) Close(_ context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// commit persists next and only then makes it the in-memory state.
func (f *File) commit(next Snapshot) error {
	b, err := f.codec.Encode(next)
	if err != nil {
		return ewrap.Wrap(err, "queue: encode snapshot")
	}
	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return ewrap.Wrap(err, "queue: create temp snapshot")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		cleanup()
		return ewrap.Wrap(err, "queue: write snapshot")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return ewrap.Wrap(err, "queue: sync snapshot")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return ewrap.Wrap(err, "queue: close snapshot")
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		cleanup()
		return ewrap.Wrap(err, "queue: replace snapshot")
	}
	f.state = next
	return nil
}
