package queue

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hyp3rd/ewrap"
	"github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/offline/codec"
)

// Redis is a Store shared by every process pointing at the same prefix.
//
//	<prefix>:queue:seq    INCR counter handing out ids
//	<prefix>:queue:ops    hash id -> encoded Operation
//	<prefix>:queue:order  sorted set of ids scored by id (FIFO order)
type Redis struct {
	rdb         redis.UniversalClient
	prefix      string
	codec       codec.Codec[Operation]
	onDrop      func(id string, err error)
	closeClient bool
	closed      atomic.Bool
	now         func() time.Time
}

var _ Store = (*Redis)(nil)

type RedisConfig struct {
	Client      redis.UniversalClient
	Prefix      string                 // e.g. "cloudstore"
	Codec       codec.Codec[Operation] // nil => JSON
	CloseClient bool                   // set true only if this store exclusively owns the client

	// MaxRecord caps the size of a stored record on read; 0 disables the cap.
	MaxRecord int
	// OnDrop is told about records ListAll deleted because they could not be
	// decoded. Optional.
	OnDrop func(id string, err error)
}

var ErrNilClient = ewrap.New("queue: nil redis client")

func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	var c codec.Codec[Operation] = codec.JSON[Operation]{}
	if cfg.Codec != nil {
		c = cfg.Codec
	}
	if cfg.MaxRecord > 0 {
		c = codec.LimitCodec[Operation]{Inner: c, MaxDecode: cfg.MaxRecord}
	}
	onDrop := cfg.OnDrop
	if onDrop == nil {
		onDrop = func(string, error) {}
	}
	return &Redis{
		rdb:         cfg.Client,
		prefix:      cfg.Prefix,
		codec:       c,
		onDrop:      onDrop,
		closeClient: cfg.CloseClient,
		now:         time.Now,
	}, nil
}

func (r *Redis) seqKey() string   { return r.prefix + ":queue:seq" }
func (r *Redis) opsKey() string   { return r.prefix + ":queue:ops" }
func (r *Redis) orderKey() string { return r.prefix + ":queue:order" }

func (r *Redis) Enqueue(ctx context.Context, op Operation) (Operation, error) {
	if r.closed.Load() {
		return Operation{}, ErrClosed
	}
	id, err := r.rdb.Incr(ctx, r.seqKey()).Uint64()
	if err != nil {
		return Operation{}, ewrap.Wrap(err, "queue: allocate id")
	}
	op = stamp(op, id, r.now())
	b, err := r.codec.Encode(op)
	if err != nil {
		return Operation{}, ewrap.Wrap(err, "queue: encode operation")
	}
	field := strconv.FormatUint(id, 10)
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, r.opsKey(), field, b)
		p.ZAdd(ctx, r.orderKey(), redis.Z{Score: float64(id), Member: field})
		return nil
	})
	if err != nil {
		return Operation{}, ewrap.Wrap(err, "queue: append operation")
	}
	return op, nil
}

func (r *Redis) ListAll(ctx context.Context) ([]Operation, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	ids, err := r.rdb.ZRange(ctx, r.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, ewrap.Wrap(err, "queue: list order")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := r.rdb.HMGet(ctx, r.opsKey(), ids...).Result()
	if err != nil {
		return nil, ewrap.Wrap(err, "queue: load operations")
	}
	out := make([]Operation, 0, len(vals))
	for i, v := range vals {
		var raw []byte
		switch vv := v.(type) {
		case nil:
			continue // removed between ZRANGE and HMGET
		case string:
			raw = []byte(vv)
		case []byte:
			raw = vv
		default:
			return nil, ewrap.Wrapf(ErrCorrupt, "operation %s: unexpected %T", ids[i], v)
		}
		op, err := r.codec.Decode(raw)
		if err != nil {
			// one bad record must not wedge every later drain
			if derr := r.drop(ctx, ids[i]); derr != nil {
				return nil, derr
			}
			r.onDrop(ids[i], ewrap.Wrapf(ErrCorrupt, "operation %s: %v", ids[i], err))
			continue
		}
		out = append(out, op)
	}
	return out, nil
}

func (r *Redis) drop(ctx context.Context, field string) error {
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, r.orderKey(), field)
		p.HDel(ctx, r.opsKey(), field)
		return nil
	})
	if err != nil {
		return ewrap.Wrap(err, "queue: remove operation")
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, id uint64) error {
	if r.closed.Load() {
		return ErrClosed
	}
	return r.drop(ctx, strconv.FormatUint(id, 10))
}

func (r *Redis) Close(context.Context) error {
	if r.closed.Swap(true) || !r.closeClient {
		return nil
	}
	if err := r.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
