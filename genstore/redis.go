package genstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis shares generations across processes and survives restarts, which
// makes invalidations issued on one replica visible to all of them. A TTL on
// generation keys keeps the keyspace bounded; if one expires, readers
// observe gen=0 and affected entries self-heal on first read.
type Redis struct {
	rdb redis.UniversalClient
	ns  string        // should match the engine namespace
	ttl time.Duration // 0 disables expiry
}

var _ GenStore = (*Redis)(nil)

func NewRedis(client redis.UniversalClient, namespace string) *Redis {
	return &Redis{rdb: client, ns: namespace}
}

// NewRedisWithTTL is NewRedis with expiring generation keys. ttl <= 0 means
// no expiry.
func NewRedisWithTTL(client redis.UniversalClient, namespace string, ttl time.Duration) *Redis {
	return &Redis{rdb: client, ns: namespace, ttl: ttl}
}

func (s *Redis) key(name string) string { return "gen:" + s.ns + ":" + name }

func parseGen(v any, name string) (uint64, error) {
	var raw string
	switch vv := v.(type) {
	case nil:
		return 0, nil
	case string:
		raw = vv
	case []byte:
		raw = string(vv)
	default:
		raw = fmt.Sprint(vv)
	}
	u, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis gen parse at %s: %w", name, err)
	}
	return u, nil
}

func (s *Redis) Snapshot(ctx context.Context, name string) (uint64, error) {
	res, err := s.rdb.Get(ctx, s.key(name)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseGen(res, name)
}

func (s *Redis) SnapshotMany(ctx context.Context, names []string) (map[string]uint64, error) {
	if len(names) == 0 {
		return map[string]uint64{}, nil
	}
	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = s.key(n)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string]uint64, len(names))
	for i, v := range vals {
		g, err := parseGen(v, names[i])
		if err != nil {
			return nil, err
		}
		out[names[i]] = g
	}
	return out, nil
}

// Bump atomically increments the generation and, when a TTL is configured,
// refreshes it in the same pipelined round-trip.
func (s *Redis) Bump(ctx context.Context, name string) (uint64, error) {
	k := s.key(name)

	if s.ttl <= 0 {
		v, err := s.rdb.Incr(ctx, k).Result()
		if err != nil {
			return 0, err
		}
		return uint64(v), nil
	}

	var incr *redis.IntCmd
	if _, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.Expire(ctx, k, s.ttl)
		return nil
	}); err != nil {
		return 0, err
	}
	return uint64(incr.Val()), nil
}

// Cleanup is a no-op; Redis expiry handles pruning when a TTL is set.
func (s *Redis) Cleanup(time.Duration) {}

func (s *Redis) Close(context.Context) error { return s.rdb.Close() }
