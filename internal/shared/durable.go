package shared

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// DurableCache survives tab and browser restarts. It only ever holds the last
// school id seen on a device, as a last-resort tenant fallback.
type DurableCache struct {
	client *redis.Client
}

// NewDurableCache constructs a DurableCache.
func NewDurableCache(client *redis.Client) *DurableCache {
	return &DurableCache{client: client}
}

// LastTenant returns the remembered school id or ErrNotFound.
func (c *DurableCache) LastTenant(ctx context.Context, deviceID string) (string, error) {
	id, err := c.client.Get(ctx, lastTenantKey(deviceID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", err
	}
	return id, nil
}

// RememberTenant overwrites the remembered school id.
func (c *DurableCache) RememberTenant(ctx context.Context, deviceID, tenantID string) error {
	return c.client.Set(ctx, lastTenantKey(deviceID), tenantID, 0).Err()
}

// Forget drops the remembered school id.
func (c *DurableCache) Forget(ctx context.Context, deviceID string) error {
	return c.client.Del(ctx, lastTenantKey(deviceID)).Err()
}

func lastTenantKey(deviceID string) string {
	return "device:" + deviceID + ":last_school"
}
