package lru

import (
	"context"
	"errors"
	"time"

	hlru "github.com/hashicorp/golang-lru/v2"

	pr "github.com/unkn0wn-root/offline/provider"
)

// Provider is a bounded in-process store backed by hashicorp/golang-lru.
// Capacity counts entries, not bytes, and per-entry TTLs are ignored.
// Once full, the least recently used entry is dropped, which the caches see
// as a miss; size it above the precache list plus the expected runtime keys.
type Provider struct {
	c *hlru.Cache[string, []byte]
}

var _ pr.Provider = (*Provider)(nil)

func New(size int) (*Provider, error) {
	if size <= 0 {
		return nil, errors.New("lru: size must be positive")
	}
	c, err := hlru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &Provider{c: c}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, ok := p.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	return b, true, nil
}

func (p *Provider) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	p.c.Add(key, value)
	return true, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	p.c.Remove(key)
	return nil
}

func (p *Provider) Len() int { return p.c.Len() }

func (p *Provider) Close(_ context.Context) error {
	p.c.Purge()
	return nil
}
