// Package cache holds the single read-optimized snapshot of root-comment
// previews. The slot is empty at process start, filled on the first read
// after a miss and cleared on every comment write.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"threadbox/internal/store"
)

const (
	previewKey = "comment_preview_list"
	previewTTL = 300 * time.Second
)

// PreviewCache is a Redis-backed single fixed-key cache.
type PreviewCache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis and verifies the connection before returning.
func New(redisURL string) (*PreviewCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &PreviewCache{client: client, ttl: previewTTL}, nil
}

// NewWithClient wraps an existing Redis client.
func NewWithClient(client *redis.Client) *PreviewCache {
	return &PreviewCache{client: client, ttl: previewTTL}
}

// Get returns the cached snapshot; the second return is false when the slot
// is cold or expired.
func (c *PreviewCache) Get(ctx context.Context) ([]store.CommentPreview, bool, error) {
	raw, err := c.client.Get(ctx, previewKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get preview cache: %w", err)
	}

	var entries []store.CommentPreview
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, false, fmt.Errorf("unmarshal preview cache: %w", err)
	}
	return entries, true, nil
}

// Set stores a fresh snapshot with the fixed TTL. Last writer wins; every
// writer reconstructs from the same source of truth.
func (c *PreviewCache) Set(ctx context.Context, entries []store.CommentPreview) error {
	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal preview cache: %w", err)
	}
	if err := c.client.Set(ctx, previewKey, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("set preview cache: %w", err)
	}
	return nil
}

// Invalidate clears the slot. Deleting an absent key is not an error.
func (c *PreviewCache) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, previewKey).Err(); err != nil {
		return fmt.Errorf("invalidate preview cache: %w", err)
	}
	return nil
}

func (c *PreviewCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *PreviewCache) Close() error {
	return c.client.Close()
}
