// Package config loads engine configuration from YAML, in the shape ops
// teams deploy: one document per namespace, validated before anything
// is opened.
package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	goredis "github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/reqcache"
	"github.com/unkn0wn-root/reqcache/batch"
	"github.com/unkn0wn-root/reqcache/codec"
	"github.com/unkn0wn-root/reqcache/genstore"
	"github.com/unkn0wn-root/reqcache/store"
	bigcachestore "github.com/unkn0wn-root/reqcache/store/bigcache"
	memorystore "github.com/unkn0wn-root/reqcache/store/memory"
	redisstore "github.com/unkn0wn-root/reqcache/store/redis"
	ristrettostore "github.com/unkn0wn-root/reqcache/store/ristretto"
)

// Durations are time.Duration fields and unmarshal from integer
// nanoseconds. The defaults cover the usual knobs so deployments only
// set what they change.

type Config struct {
	Namespace  string `yaml:"namespace" validate:"required"`
	Disabled   bool   `yaml:"disabled"`
	FailClosed bool   `yaml:"fail_closed"`

	TTL               time.Duration `yaml:"ttl" validate:"min=0"`
	StaleTTL          time.Duration `yaml:"stale_ttl" validate:"min=0"`
	RevalidateTimeout time.Duration `yaml:"revalidate_timeout" validate:"min=0"`

	// Coalesce defaults to true; nil means unset.
	Coalesce *bool `yaml:"coalesce"`

	Storage     Storage          `yaml:"storage"`
	Generations Generations      `yaml:"generations"`
	Keying      Keying           `yaml:"keying"`
	Batches     map[string]Batch `yaml:"batches" validate:"dive"`
}

type Storage struct {
	Type string `yaml:"type" validate:"required,oneof=memory redis bigcache ristretto"`

	Memory    Memory    `yaml:"memory"`
	Redis     Redis     `yaml:"redis"`
	BigCache  BigCache  `yaml:"bigcache"`
	Ristretto Ristretto `yaml:"ristretto"`
}

type Memory struct {
	MaxEntries    int           `yaml:"max_entries" validate:"min=0"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"min=0"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"min=0"`

	PoolSize        int           `yaml:"pool_size" validate:"min=0"`
	MinIdleConns    int           `yaml:"min_idle_conns" validate:"min=0"`
	DialTimeout     time.Duration `yaml:"dial_timeout" validate:"min=0"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"min=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"min=0"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" validate:"min=0"`
	ScanCount       int64         `yaml:"scan_count" validate:"min=0"`
}

type BigCache struct {
	LifeWindow         time.Duration `yaml:"life_window" validate:"min=0"`
	CleanWindow        time.Duration `yaml:"clean_window" validate:"min=0"`
	MaxEntriesInWindow int           `yaml:"max_entries_in_window" validate:"min=0"`
	MaxEntrySize       int           `yaml:"max_entry_size" validate:"min=0"`
	HardMaxCacheSizeMB int           `yaml:"hard_max_cache_size_mb" validate:"min=0"`
}

type Ristretto struct {
	NumCounters int64 `yaml:"num_counters" validate:"min=0"`
	MaxCost     int64 `yaml:"max_cost" validate:"min=0"`
	BufferItems int64 `yaml:"buffer_items" validate:"min=0"`
	Metrics     bool  `yaml:"metrics"`
}

type Generations struct {
	// Type selects the counter backend. "local" is per-process; use
	// "redis" when several replicas share a storage backend.
	Type string `yaml:"type" validate:"omitempty,oneof=local redis"`

	// Local counter pruning.
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"min=0"`
	Retention     time.Duration `yaml:"retention" validate:"min=0"`

	// Redis counter expiry; 0 keeps counters until Redis evicts them.
	TTL time.Duration `yaml:"ttl" validate:"min=0"`

	// Redis, when set, overrides Storage.Redis for the counter
	// connection.
	Redis *Redis `yaml:"redis"`
}

type Keying struct {
	// Mode: "query" (default) keys on path plus full query, "path"
	// ignores parameters, "vary" keys on the listed parameters and
	// headers only.
	Mode        string   `yaml:"mode" validate:"omitempty,oneof=path query vary"`
	QueryParams []string `yaml:"query_params"`
	Headers     []string `yaml:"headers"`
}

type Batch struct {
	MaxSize     int           `yaml:"max_size" validate:"required,min=1"`
	MaxWait     time.Duration `yaml:"max_wait" validate:"required,min=1"`
	ExecTimeout time.Duration `yaml:"exec_timeout" validate:"min=0"`
}

// Defaults returns a Config ready to be overlaid by a YAML document.
func Defaults() *Config {
	return &Config{
		TTL:               10 * time.Minute,
		StaleTTL:          0,
		RevalidateTimeout: 30 * time.Second,
		Storage: Storage{
			Type: "memory",
			Memory: Memory{
				MaxEntries:    100_000,
				SweepInterval: time.Minute,
			},
			Redis: Redis{
				Addr: "localhost:6379",
			},
			BigCache: BigCache{
				LifeWindow: time.Hour,
			},
			Ristretto: Ristretto{
				NumCounters: 1_000_000,
				MaxCost:     256 << 20,
				BufferItems: 64,
			},
		},
		Generations: Generations{
			Type:          "local",
			SweepInterval: time.Hour,
			Retention:     30 * 24 * time.Hour,
		},
		Keying: Keying{
			Mode: "query",
		},
	}
}

// Load reads, overlays and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse overlays data onto Defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// OpenStore builds the configured storage backend.
func (c *Config) OpenStore() (store.Store, error) {
	switch c.Storage.Type {
	case "memory":
		return memorystore.New(memorystore.Config{
			MaxEntries:    c.Storage.Memory.MaxEntries,
			SweepInterval: c.Storage.Memory.SweepInterval,
		}), nil
	case "redis":
		return redisstore.New(redisstore.Config{
			Addr:            c.Storage.Redis.Addr,
			Username:        c.Storage.Redis.Username,
			Password:        c.Storage.Redis.Password,
			DB:              c.Storage.Redis.DB,
			PoolSize:        c.Storage.Redis.PoolSize,
			MinIdleConns:    c.Storage.Redis.MinIdleConns,
			DialTimeout:     c.Storage.Redis.DialTimeout,
			ReadTimeout:     c.Storage.Redis.ReadTimeout,
			WriteTimeout:    c.Storage.Redis.WriteTimeout,
			ConnMaxIdleTime: c.Storage.Redis.ConnMaxIdleTime,
			ScanCount:       c.Storage.Redis.ScanCount,
		})
	case "bigcache":
		return bigcachestore.New(bigcachestore.Config{
			LifeWindow:         c.Storage.BigCache.LifeWindow,
			CleanWindow:        c.Storage.BigCache.CleanWindow,
			MaxEntriesInWindow: c.Storage.BigCache.MaxEntriesInWindow,
			MaxEntrySize:       c.Storage.BigCache.MaxEntrySize,
			HardMaxCacheSizeMB: c.Storage.BigCache.HardMaxCacheSizeMB,
		})
	case "ristretto":
		return ristrettostore.New(ristrettostore.Config{
			NumCounters: c.Storage.Ristretto.NumCounters,
			MaxCost:     c.Storage.Ristretto.MaxCost,
			BufferItems: c.Storage.Ristretto.BufferItems,
			Metrics:     c.Storage.Ristretto.Metrics,
		})
	default:
		return nil, fmt.Errorf("config: unknown storage type %q", c.Storage.Type)
	}
}

// OpenGenStore builds the configured generation counter backend.
func (c *Config) OpenGenStore() (genstore.GenStore, error) {
	switch c.Generations.Type {
	case "", "local":
		return genstore.NewLocal(c.Generations.SweepInterval, c.Generations.Retention), nil
	case "redis":
		rc := c.Generations.Redis
		if rc == nil {
			rc = &c.Storage.Redis
		}
		rdb := goredis.NewClient(&goredis.Options{
			Addr:            rc.Addr,
			Username:        rc.Username,
			Password:        rc.Password,
			DB:              rc.DB,
			PoolSize:        rc.PoolSize,
			MinIdleConns:    rc.MinIdleConns,
			DialTimeout:     rc.DialTimeout,
			ReadTimeout:     rc.ReadTimeout,
			WriteTimeout:    rc.WriteTimeout,
			ConnMaxIdleTime: rc.ConnMaxIdleTime,
		})
		if c.Generations.TTL > 0 {
			return genstore.NewRedisWithTTL(rdb, c.Namespace, c.Generations.TTL), nil
		}
		return genstore.NewRedis(rdb, c.Namespace), nil
	default:
		return nil, fmt.Errorf("config: unknown generations type %q", c.Generations.Type)
	}
}

// Keyer builds the configured key derivation.
func (c *Config) Keyer() reqcache.Keyer {
	switch c.Keying.Mode {
	case "path":
		return reqcache.PathKeyer{}
	case "vary":
		return reqcache.VaryKeyer{
			QueryParams: c.Keying.QueryParams,
			Headers:     c.Keying.Headers,
		}
	default:
		return reqcache.VaryKeyer{AllQuery: true}
	}
}

// Policy returns the baseline per-call policy implied by the config:
// caching on with the configured windows, coalescing unless turned off.
// Call sites copy it and set tags, dependencies, or a batch group.
func (c *Config) Policy() *reqcache.Policy {
	return &reqcache.Policy{
		Cache:    true,
		TTL:      c.TTL,
		StaleTTL: c.StaleTTL,
		Coalesce: c.Coalesce == nil || *c.Coalesce,
	}
}

// BatchConfig looks up a configured batch group.
func (c *Config) BatchConfig(name string) (batch.Config, bool) {
	b, ok := c.Batches[name]
	if !ok {
		return batch.Config{}, false
	}
	return batch.Config{
		MaxSize:     b.MaxSize,
		MaxWait:     b.MaxWait,
		ExecTimeout: b.ExecTimeout,
	}, true
}

// Options assembles engine options from a validated config, opening the
// storage and generation backends. The engine takes ownership of both;
// Engine.Close releases them.
func Options[V any](c *Config, cdc codec.Codec[V]) (reqcache.Options[V], error) {
	st, err := c.OpenStore()
	if err != nil {
		return reqcache.Options[V]{}, err
	}
	gens, err := c.OpenGenStore()
	if err != nil {
		_ = st.Close(context.Background())
		return reqcache.Options[V]{}, err
	}
	return reqcache.Options[V]{
		Namespace:         c.Namespace,
		Store:             st,
		Codec:             cdc,
		Keyer:             c.Keyer(),
		GenStore:          gens,
		DefaultTTL:        c.TTL,
		DefaultStaleTTL:   c.StaleTTL,
		RevalidateTimeout: c.RevalidateTimeout,
		FailClosed:        c.FailClosed,
		DisableCoalescing: c.Coalesce != nil && !*c.Coalesce,
		Disabled:          c.Disabled,
	}, nil
}
