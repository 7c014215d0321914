package hierarchy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache keeps navigation results in Redis. Keys embed a per-scope generation
// number, so bumping the generation after a rebuild orphans every older entry.
// A nil *Cache or a Cache without a client is a no-op.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if client == nil {
		return nil
	}
	return &Cache{client: client, ttl: ttl}
}

func generationKey(scopeId string) string {
	return "hierarchy:gen:" + scopeId
}

func (c *Cache) key(ctx context.Context, scopeId, name string) (string, error) {
	gen, err := c.client.Get(ctx, generationKey(scopeId)).Result()
	if errors.Is(err, redis.Nil) {
		gen = "0"
	} else if err != nil {
		return "", err
	}
	return fmt.Sprintf("hierarchy:%s:%s:%s", scopeId, gen, name), nil
}

func (c *Cache) Get(ctx context.Context, scopeId, name string, dest any) bool {
	if c == nil {
		return false
	}
	key, err := c.key(ctx, scopeId, name)
	if err != nil {
		return false
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, dest) == nil
}

func (c *Cache) Set(ctx context.Context, scopeId, name string, value any) error {
	if c == nil {
		return nil
	}
	key, err := c.key(ctx, scopeId, name)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, raw, c.ttl).Err()
}

// Invalidate moves the scope to a new generation.
func (c *Cache) Invalidate(ctx context.Context, scopeId string) error {
	if c == nil {
		return nil
	}
	return c.client.Incr(ctx, generationKey(scopeId)).Err()
}
