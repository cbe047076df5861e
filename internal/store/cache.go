package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/inquest/config"
	"github.com/mohammad-safakhou/inquest/internal/engine"
)

const defaultReportTTL = 15 * time.Minute

// ReportCache keeps the latest report per question in Redis so repeated
// questions skip a full session.
type ReportCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewReportCache connects to Redis and verifies the connection.
func NewReportCache(ctx context.Context, cfg config.RedisConfig) (*ReportCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultReportTTL
	}
	return &ReportCache{client: client, ttl: ttl}, nil
}

// reportKey hashes the normalized question so arbitrarily long questions map
// to fixed-size keys.
func reportKey(question string) string {
	norm := strings.ToLower(strings.TrimSpace(question))
	sum := sha256.Sum256([]byte(norm))
	return "inquest:report:" + hex.EncodeToString(sum[:])
}

// Put caches a finished report under its question hash.
func (c *ReportCache) Put(ctx context.Context, question string, report *engine.Report) error {
	if report == nil {
		return fmt.Errorf("nil report")
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	return c.client.Set(ctx, reportKey(question), data, c.ttl).Err()
}

// Get returns the cached report for a question; the bool reports a hit.
func (c *ReportCache) Get(ctx context.Context, question string) (*engine.Report, bool, error) {
	data, err := c.client.Get(ctx, reportKey(question)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var report engine.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached report: %w", err)
	}
	return &report, true, nil
}

// TryLock grabs a best-effort distributed lock so concurrent schedulers do
// not fire the same schedule twice.
func (c *ReportCache) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, "inquest:lock:"+name, "1", ttl).Result()
}

// Unlock releases a lock taken with TryLock.
func (c *ReportCache) Unlock(ctx context.Context, name string) {
	c.client.Del(ctx, "inquest:lock:"+name)
}

// Close releases the Redis connection.
func (c *ReportCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
