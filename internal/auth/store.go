package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares fetched JWKS documents between gateway instances
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	// MaxTTL caps how long a document lives in redis, zero means no cap
	MaxTTL time.Duration
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisStoreFromURL dials the redis server named by a redis:// URL
func NewRedisStoreFromURL(url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:     []string{opts.Addr},
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	})
	return NewRedisStore(client, prefix), nil
}

func (s *RedisStore) key(name string) string {
	return s.prefix + name
}

func (s *RedisStore) Get(ctx context.Context, name string) ([]byte, time.Duration, error) {
	key := s.key(name)
	doc, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("redis get %s: %w", key, err)
	}
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("redis pttl %s: %w", key, err)
	}
	if ttl <= 0 {
		// Expired between the two calls, or stored without expiry
		return nil, 0, nil
	}
	return doc, ttl, nil
}

func (s *RedisStore) Set(ctx context.Context, name string, doc []byte, ttl time.Duration) error {
	if s.MaxTTL > 0 && ttl > s.MaxTTL {
		ttl = s.MaxTTL
	}
	if err := s.client.Set(ctx, s.key(name), doc, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key(name), err)
	}
	return nil
}

// Check pings redis, for health reporting
func (s *RedisStore) Check(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
