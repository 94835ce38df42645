package genstore

import (
	"context"
	"errors"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisGenStore shares generation pointers across processes and survives restarts.
//
//	gen:<prefix>:<namespace>:active  string  active generation
//	gen:<prefix>:<namespace>:known   set     registered generations
type RedisGenStore struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ GenStore = (*RedisGenStore)(nil)

// NewRedisGenStore creates a Redis-backed generation store.
// prefix isolates deployments sharing one database (e.g. "cloudstore").
func NewRedisGenStore(client redis.UniversalClient, prefix string) *RedisGenStore {
	return &RedisGenStore{rdb: client, prefix: prefix}
}

func (s *RedisGenStore) activeKey(ns string) string { return "gen:" + s.prefix + ":" + ns + ":active" }
func (s *RedisGenStore) knownKey(ns string) string  { return "gen:" + s.prefix + ":" + ns + ":known" }

func (s *RedisGenStore) Active(ctx context.Context, namespace string) (string, error) {
	g, err := s.rdb.Get(ctx, s.activeKey(namespace)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return g, err
}

// SetActive swaps the pointer and registers the generation in one MULTI/EXEC.
func (s *RedisGenStore) SetActive(ctx context.Context, namespace, generation string) (string, error) {
	var prev *redis.StringCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		prev = p.GetSet(ctx, s.activeKey(namespace), generation)
		p.SAdd(ctx, s.knownKey(namespace), generation)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	g, err := prev.Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return g, err
}

func (s *RedisGenStore) Register(ctx context.Context, namespace, generation string) error {
	return s.rdb.SAdd(ctx, s.knownKey(namespace), generation).Err()
}

func (s *RedisGenStore) List(ctx context.Context, namespace string) ([]string, error) {
	gens, err := s.rdb.SMembers(ctx, s.knownKey(namespace)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(gens)
	return gens, nil
}

func (s *RedisGenStore) Forget(ctx context.Context, namespace, generation string) error {
	return s.rdb.SRem(ctx, s.knownKey(namespace), generation).Err()
}

// Close closes the underlying Redis client.
func (s *RedisGenStore) Close(context.Context) error { return s.rdb.Close() }
