// Package redisstore provides a Redis-backed implementation of the
// store.Store interface. Each collection is kept as a sorted set holding the
// key ordering (all members at score zero, so Redis sorts lexicographically)
// plus a hash holding the values. Multiple process instances sharing one
// Redis see the same ordered view, which is what gives sessions and guard
// records their cross-restart durability.
package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/durablemcp/server-go/store"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: STORE_KEY_PREFIX
	KeyPrefix string `env:"STORE_KEY_PREFIX,default=dmcp:store:"`
}

type Store struct {
	client    *redis.Client
	keyPrefix string
}

func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "dmcp:store:"
	}
	return &Store{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// NewWithClient wraps an existing client, mainly for tests that share a
// client across fixtures.
func NewWithClient(cl *redis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "dmcp:store:"
	}
	return &Store{client: cl, keyPrefix: keyPrefix}
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) orderKey(collection string) string { return s.keyPrefix + "z:" + collection }
func (s *Store) valueKey(collection string) string { return s.keyPrefix + "h:" + collection }

func (s *Store) Insert(ctx context.Context, collection, key string, value []byte) error {
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.orderKey(collection), redis.Z{Score: 0, Member: key})
	pipe.HSet(ctx, s.valueKey(collection), key, value)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("insert %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, collection, key string) ([]byte, error) {
	res, err := s.client.HGet(ctx, s.valueKey(collection), key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrKeyNotFound
		}
		return nil, fmt.Errorf("get %s/%s: %w", collection, key, err)
	}
	return []byte(res), nil
}

func (s *Store) Range(ctx context.Context, collection string, opts store.RangeOptions) ([]store.Entry, error) {
	if opts.Limit <= 0 {
		return nil, store.ErrLimitRequired
	}
	keys, err := s.client.ZRangeByLex(ctx, s.orderKey(collection), &redis.ZRangeBy{
		Min:   lexMin(opts.Start),
		Max:   lexMax(opts.End),
		Count: int64(opts.Limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", collection, err)
	}
	return s.hydrate(ctx, collection, keys)
}

func (s *Store) ReverseRange(ctx context.Context, collection string, opts store.RangeOptions) ([]store.Entry, error) {
	if opts.Limit <= 0 {
		return nil, store.ErrLimitRequired
	}
	keys, err := s.client.ZRevRangeByLex(ctx, s.orderKey(collection), &redis.ZRangeBy{
		Min:   lexMin(opts.Start),
		Max:   lexMax(opts.End),
		Count: int64(opts.Limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("reverse range %s: %w", collection, err)
	}
	return s.hydrate(ctx, collection, keys)
}

func (s *Store) Remove(ctx context.Context, collection, key string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.orderKey(collection), key)
	pipe.HDel(ctx, s.valueKey(collection), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *Store) hydrate(ctx context.Context, collection string, keys []string) ([]store.Entry, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, s.valueKey(collection), keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("hydrate %s: %w", collection, err)
	}
	out := make([]store.Entry, 0, len(keys))
	for i, k := range keys {
		sv, ok := vals[i].(string)
		if !ok {
			// Member removed between the ZRANGEBYLEX and the HMGET.
			continue
		}
		out = append(out, store.Entry{Key: k, Value: []byte(sv)})
	}
	return out, nil
}

// lexMin maps the inclusive start bound to Redis lex syntax.
func lexMin(start string) string {
	if start == "" {
		return "-"
	}
	return "[" + start
}

// lexMax maps the exclusive end bound to Redis lex syntax.
func lexMax(end string) string {
	if end == "" {
		return "+"
	}
	return "(" + end
}

var _ store.Store = (*Store)(nil)
