package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	totalsKeyPrefix = "documents:totals"
	// BumpChannel carries "<TYPE>:<id>:<version>" whenever a document changes.
	BumpChannel = "documents.bump"
)

// TotalsCache caches resolved documents in Redis under per-document versions.
// A nil cache or client loads straight through.
type TotalsCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewTotalsCache instantiates the cache helper.
func NewTotalsCache(client *redis.Client, ttl time.Duration) *TotalsCache {
	return &TotalsCache{client: client, ttl: ttl}
}

func versionKey(ref DocumentRef) string {
	return fmt.Sprintf("%s:version:%s:%d", totalsKeyPrefix, ref.Type, ref.ID)
}

// Version returns the current version of ref, initialising when missing.
func (c *TotalsCache) Version(ctx context.Context, ref DocumentRef) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	key := versionKey(ref)
	ver, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		// SetNX so two first readers agree on the initial version.
		if err := c.client.SetNX(ctx, key, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, key).Int64()
	}
	if err != nil {
		return 0, err
	}
	if ver <= 0 {
		ver = 1
		if err := c.client.Set(ctx, key, ver, 0).Err(); err != nil {
			return 0, err
		}
	}
	return ver, nil
}

// BuildKey composes the cache key of ref with its current version.
func (c *TotalsCache) BuildKey(ctx context.Context, ref DocumentRef) (string, error) {
	ver, err := c.Version(ctx, ref)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s:%d:%d", totalsKeyPrefix, ref.Type, ref.ID, ver), nil
}

// FetchJSON loads a cached value or populates it using the loader.
func (c *TotalsCache) FetchJSON(ctx context.Context, key string, dest interface{}, loader func(context.Context) (interface{}, error)) error {
	if loader == nil {
		return errors.New("cache: loader required")
	}
	if c != nil && c.client != nil {
		payload, err := c.client.Get(ctx, key).Bytes()
		if err == nil {
			return json.Unmarshal(payload, dest)
		}
		if !errors.Is(err, redis.Nil) {
			return err
		}
	}
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if c != nil && c.client != nil {
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			return err
		}
	}
	return json.Unmarshal(raw, dest)
}

// Bump invalidates the cached entries of ref and publishes the new version.
func (c *TotalsCache) Bump(ctx context.Context, ref DocumentRef) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, versionKey(ref)).Result()
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, BumpChannel, ref.String()+":"+strconv.FormatInt(ver, 10)).Err()
}
