// Package cache is a keyed TTL cache shared by every request handler.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Keyed claims and releases short-lived keys.
type Keyed interface {
	// Claim sets key for ttl unless it already exists and reports whether
	// this caller now holds it.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if r == nil || r.client == nil {
		return false, errors.New("redis_not_configured")
	}
	return r.client.SetNX(ctx, r.key(key), time.Now().UTC().Unix(), ttl).Result()
}

func (r *Redis) Release(ctx context.Context, key string) error {
	if r == nil || r.client == nil {
		return errors.New("redis_not_configured")
	}
	return r.client.Del(ctx, r.key(key)).Err()
}

func (r *Redis) key(key string) string {
	if r.prefix == "" {
		return key
	}
	return fmt.Sprintf("%s:%s", r.prefix, key)
}

func ScanKey(cardCode string) string {
	return fmt.Sprintf("scan:%s", cardCode)
}

func ManualKey(driverID, studentID int64) string {
	return fmt.Sprintf("manual:%d:%d", driverID, studentID)
}
