// Package dedupe remembers inbound event ids. The same request reaches the
// worker once per relay.
package dedupe

import (
	"context"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

const defaultSize = 4096

// Memory is a bounded in-process set of seen ids.
type Memory struct {
	seen *lru.Cache[string, struct{}]
}

func NewMemory(size int) *Memory {
	if size <= 0 {
		size = defaultSize
	}
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		panic(fmt.Sprintf("dedupe: %v", err))
	}
	return &Memory{seen: cache}
}

// MarkSeen reports true the first time id is seen.
func (m *Memory) MarkSeen(_ context.Context, id string) (bool, error) {
	found, _ := m.seen.ContainsOrAdd(id, struct{}{})
	return !found, nil
}

// Redis shares the seen set between workers with SET NX.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "jobvend"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

// NewRedisFromURL parses a redis:// URL and pings the server.
func NewRedisFromURL(ctx context.Context, url, prefix string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(url))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(client, prefix, ttl), nil
}

func (r *Redis) key(id string) string {
	return r.prefix + ":seen:" + id
}

func (r *Redis) MarkSeen(ctx context.Context, id string) (bool, error) {
	first, err := r.client.SetNX(ctx, r.key(id), "1", r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return first, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
