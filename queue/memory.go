package queue

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store. It does not survive a restart; use File or
// Redis when queued writes must outlive the process.
type Memory struct {
	mu     sync.Mutex
	seq    uint64
	ops    []Operation
	closed bool
	now    func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

func (m *Memory) Enqueue(_ context.Context, op Operation) (Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Operation{}, ErrClosed
	}
	m.seq++
	op = stamp(op, m.seq, m.now())
	m.ops = append(m.ops, op)
	op.Headers = cloneHeaders(op.Headers)
	return op, nil
}

func (m *Memory) ListAll(_ context.Context) ([]Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return cloneOps(m.ops), nil
}

func (m *Memory) Remove(_ context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for i := range m.ops {
		if m.ops[i].ID == id {
			m.ops = append(m.ops[:i], m.ops[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *Memory) Close(_ context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.ops = nil
	m.mu.Unlock()
	return nil
}
