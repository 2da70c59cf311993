// Package redis adapts a Redis client to the store interface. Connectivity
// failures are wrapped with store.ErrUnavailable so the engine can fail open.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/reqcache/store"
)

const defaultScanCount = 256

type Store struct {
	rdb         goredis.UniversalClient
	closeClient bool
	scanCount   int64
}

var _ store.Store = (*Store)(nil)

type Config struct {
	// Client, when set, is used as-is. CloseClient controls whether Close
	// tears it down; set it true only when the store exclusively owns the
	// client.
	Client      goredis.UniversalClient
	CloseClient bool

	// Connection options, used only when Client is nil. The built client is
	// always owned (closed by Close).
	Addr     string
	Username string
	Password string
	DB       int

	// Pool sizing. Zero values fall back to go-redis defaults.
	PoolSize        int
	MinIdleConns    int
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ConnMaxIdleTime time.Duration

	// ScanCount is the COUNT hint per SCAN page; 0 => 256.
	ScanCount int64
}

func New(cfg Config) (*Store, error) {
	count := cfg.ScanCount
	if count <= 0 {
		count = defaultScanCount
	}

	if cfg.Client != nil {
		return &Store{rdb: cfg.Client, closeClient: cfg.CloseClient, scanCount: count}, nil
	}
	if cfg.Addr == "" {
		return nil, errors.New("redis store: addr or client required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:            cfg.Addr,
		Username:        cfg.Username,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	})
	return &Store{rdb: client, closeClient: true, scanCount: count}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w: %w", key, store.ErrUnavailable, err)
	}
	return b, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0 // non-positive => no expiry
	}
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return false, fmt.Errorf("redis set %q: %w: %w", key, store.ErrUnavailable, err)
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w: %w", key, store.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, prefix string, fn func(key string) bool) error {
	iter := s.rdb.Scan(ctx, 0, escapeMatch(prefix)+"*", s.scanCount).Iterator()
	for iter.Next(ctx) {
		if !fn(iter.Val()) {
			return nil
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan %q: %w: %w", prefix, store.ErrUnavailable, err)
	}
	return nil
}

// Close releases the underlying client only when this store owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (s *Store) Close(context.Context) error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

// escapeMatch quotes glob metacharacters so a literal prefix cannot be
// widened by *, ?, or character classes embedded in key names.
func escapeMatch(s string) string {
	if !strings.ContainsAny(s, `*?[]^\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '*', '?', '[', ']', '^', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
