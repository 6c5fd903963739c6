package summarize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by Cache.Get when no summary is stored.
var ErrCacheMiss = errors.New("summary not cached")

// Summary is a generated summary and the inputs that produced it.
type Summary struct {
	JobID             string    `json:"job_id"`
	Text              string    `json:"text"`
	Prompt            string    `json:"prompt"`
	SystemPrompt      string    `json:"system_prompt"`
	TranscriptVersion string    `json:"transcript_version"`
	Model             string    `json:"model"`
	CreatedAt         time.Time `json:"created_at"`
}

// Cache stores at most one summary per job.
type Cache interface {
	Get(ctx context.Context, jobID string) (*Summary, error)
	Put(ctx context.Context, s *Summary) error
	Delete(ctx context.Context, jobID string) error
}

// RedisCache keeps summaries as JSON under "summary:{jobID}".
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// RedisOptions configures NewRedisCache.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration // 0 keeps entries until invalidated
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, opts RedisOptions) (*RedisCache, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{opts.Addr},
		Password:     opts.Password,
		DB:           opts.DB,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     10,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return &RedisCache{client: client, ttl: opts.TTL}, nil
}

func summaryKey(jobID string) string { return "summary:" + jobID }

func (c *RedisCache) Get(ctx context.Context, jobID string) (*Summary, error) {
	raw, err := c.client.Get(ctx, summaryKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	var s Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode cached summary: %w", err)
	}
	return &s, nil
}

func (c *RedisCache) Put(ctx context.Context, s *Summary) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, summaryKey(s.JobID), raw, c.ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, jobID string) error {
	return c.client.Del(ctx, summaryKey(jobID)).Err()
}

// Ping checks the Redis connection for health reporting.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// MemCache is the in-process Cache used when Redis is not configured.
type MemCache struct {
	mu      sync.Mutex
	entries map[string]Summary
}

func NewMemCache() *MemCache {
	return &MemCache{entries: make(map[string]Summary)}
}

func (c *MemCache) Get(ctx context.Context, jobID string) (*Summary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.entries[jobID]
	if !ok {
		return nil, ErrCacheMiss
	}
	return &s, nil
}

func (c *MemCache) Put(ctx context.Context, s *Summary) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[s.JobID] = *s
	return nil
}

func (c *MemCache) Delete(ctx context.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, jobID)
	return nil
}
