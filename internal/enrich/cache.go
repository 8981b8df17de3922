package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loopmesh/dm-ingest/internal/models"
)

// ProfileCache stores resolved display profiles in Redis with a TTL.
// It is constructed once per process and passed by reference; there is
// no process-wide singleton.
type ProfileCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewProfileCache(redisURL string, ttl time.Duration) (*ProfileCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &ProfileCache{client: client, ttl: ttl}, nil
}

func cacheKey(platformAccountID, userID string) string {
	return fmt.Sprintf("profile:%s:%s", platformAccountID, userID)
}

// Get returns the cached profile, or nil on miss. Cache errors are
// reported but callers treat them as misses.
func (c *ProfileCache) Get(ctx context.Context, platformAccountID, userID string) (*models.DisplayProfile, error) {
	if c == nil {
		return nil, nil
	}

	data, err := c.client.Get(ctx, cacheKey(platformAccountID, userID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("cache get: %w", err)
	}

	var p models.DisplayProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("cache decode: %w", err)
	}
	return &p, nil
}

// Set stores the profile for the configured TTL.
func (c *ProfileCache) Set(ctx context.Context, platformAccountID string, p *models.DisplayProfile) error {
	if c == nil {
		return nil
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(platformAccountID, p.UserID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func (c *ProfileCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
