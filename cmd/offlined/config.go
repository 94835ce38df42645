package main

import (
	"context"
	"fmt"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/offline/codec"
	gen "github.com/unkn0wn-root/offline/genstore"
	pr "github.com/unkn0wn-root/offline/provider"
	"github.com/unkn0wn-root/offline/provider/bigcache"
	"github.com/unkn0wn-root/offline/provider/lru"
	predis "github.com/unkn0wn-root/offline/provider/redis"
	"github.com/unkn0wn-root/offline/provider/ristretto"
	"github.com/unkn0wn-root/offline/queue"
)

// Config is the on-disk daemon configuration.
type Config struct {
	Listen   string `yaml:"listen"`
	Mgmt     string `yaml:"mgmt"`
	Upstream string `yaml:"upstream"`
	Origin   string `yaml:"origin"`

	Version          string        `yaml:"version"`
	Prefix           string        `yaml:"prefix"`
	Precache         []string      `yaml:"precache"`
	RefreshURLs      []string      `yaml:"refresh_urls"`
	OfflinePage      string        `yaml:"offline_page"`
	SyncInterval     time.Duration `yaml:"sync_interval"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
	ManualActivation bool          `yaml:"manual_activation"`

	Log      LogConfig      `yaml:"log"`
	Provider ProviderConfig `yaml:"provider"`
	GenStore string         `yaml:"genstore"` // local | redis
	Queue    QueueConfig    `yaml:"queue"`
	Redis    RedisConfig    `yaml:"redis"`
}

type LogConfig struct {
	Backend string `yaml:"backend"` // zap | logrus | slog
	Level   string `yaml:"level"`
	Hooks   bool   `yaml:"hooks"` // log hook events through slog
}

type ProviderConfig struct {
	Kind      string `yaml:"kind"` // ristretto | bigcache | lru | redis
	Size      int    `yaml:"size"` // lru entries
	MaxCostMB int64  `yaml:"max_cost_mb"`
	MaxSizeMB int    `yaml:"max_size_mb"`
}

type QueueConfig struct {
	Kind  string `yaml:"kind"` // memory | file | redis
	Path  string `yaml:"path"`
	Codec string `yaml:"codec"` // json | msgpack | cbor

	MaxRecordKB int `yaml:"max_record_kb"` // redis only; 0 => no cap
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func defaultConfig() Config {
	return Config{
		Listen:          ":8080",
		Mgmt:            "127.0.0.1:9090",
		Version:         "v1",
		SyncInterval:    30 * time.Second,
		CleanupInterval: time.Hour,
		FetchTimeout:    30 * time.Second,
		Log:             LogConfig{Backend: "zap", Level: "info"},
		Provider:        ProviderConfig{Kind: "ristretto", Size: 4096, MaxCostMB: 256, MaxSizeMB: 256},
		GenStore:        "local",
		Queue:           QueueConfig{Kind: "memory", Codec: "json", MaxRecordKB: 32 << 10},
	}
}

// LoadConfig reads path over the defaults. An empty path yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Upstream == "" {
		return fmt.Errorf("config: upstream is required")
	}
	if c.Version == "" {
		return fmt.Errorf("config: version is required")
	}
	switch c.Provider.Kind {
	case "ristretto", "bigcache", "lru", "redis":
	default:
		return fmt.Errorf("config: unknown provider %q", c.Provider.Kind)
	}
	switch c.GenStore {
	case "local", "redis":
	default:
		return fmt.Errorf("config: unknown genstore %q", c.GenStore)
	}
	switch c.Queue.Kind {
	case "memory", "redis":
	case "file":
		if c.Queue.Path == "" {
			return fmt.Errorf("config: queue.path is required for a file queue")
		}
	default:
		return fmt.Errorf("config: unknown queue %q", c.Queue.Kind)
	}
	if _, ok := codec.ByName[queue.Operation](c.Queue.Codec); !ok {
		return fmt.Errorf("config: unknown queue codec %q", c.Queue.Codec)
	}
	if c.needsRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("config: redis.addr is required")
	}
	return nil
}

func (c Config) needsRedis() bool {
	return c.Provider.Kind == "redis" || c.GenStore == "redis" || c.Queue.Kind == "redis"
}

func (c Config) redisClient() goredis.UniversalClient {
	if !c.needsRedis() {
		return nil
	}
	return goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:    []string{c.Redis.Addr},
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
}

func (c Config) prefix() string {
	if c.Prefix == "" {
		return "cloudstore"
	}
	return c.Prefix
}

func buildProvider(ctx context.Context, c Config, rdb goredis.UniversalClient) (pr.Provider, error) {
	switch c.Provider.Kind {
	case "bigcache":
		return bigcache.New(ctx, bigcache.Config{HardMaxCacheSizeMB: c.Provider.MaxSizeMB})
	case "lru":
		return lru.New(c.Provider.Size)
	case "redis":
		return predis.New(predis.Config{Client: rdb, Prefix: c.prefix()})
	default:
		maxCost := c.Provider.MaxCostMB << 20
		return ristretto.New(ristretto.Config{
			NumCounters: 10 * maxCost >> 10,
			MaxCost:     maxCost,
			BufferItems: 64,
		})
	}
}

// buildGenStore returns the store that owns rdb when it is Redis-backed.
func buildGenStore(c Config, rdb goredis.UniversalClient) gen.GenStore {
	if c.GenStore == "redis" {
		return gen.NewRedisGenStore(rdb, c.prefix())
	}
	return gen.NewLocalGenStore()
}

func buildQueue(c Config, rdb goredis.UniversalClient, onDrop func(id string, err error)) (queue.Store, error) {
	switch c.Queue.Kind {
	case "file":
		cd, _ := codec.ByName[queue.Snapshot](c.Queue.Codec)
		return queue.OpenFile(c.Queue.Path, cd)
	case "redis":
		cd, _ := codec.ByName[queue.Operation](c.Queue.Codec)
		return queue.NewRedis(queue.RedisConfig{
			Client:    rdb,
			Prefix:    c.prefix(),
			Codec:     cd,
			MaxRecord: c.Queue.MaxRecordKB << 10,
			OnDrop:    onDrop,
		})
	default:
		return queue.NewMemory(), nil
	}
}
