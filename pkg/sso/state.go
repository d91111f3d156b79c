package sso

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// StateStore tracks single-use tokens: OAuth state values and SAML request
// IDs. Issue registers a token; Consume atomically claims it, returning
// false for unknown or already-consumed tokens. Replay protection for both
// flows is built on this contract.
type StateStore interface {
	Issue(ctx context.Context, token string, ttl time.Duration) error
	Consume(ctx context.Context, token string) (bool, error)
}

// RedisStateStore is the shared StateStore for multi-replica deployments.
type RedisStateStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStateStore creates a state store on an existing redis client.
func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client, prefix: "sso:state:"}
}

// Issue registers a token with a TTL.
func (s *RedisStateStore) Issue(ctx context.Context, token string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+token, "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to issue state: %w", err)
	}
	return nil
}

// Consume claims a token. DEL's removed-key count makes the claim atomic:
// concurrent consumers cannot both see a positive count.
func (s *RedisStateStore) Consume(ctx context.Context, token string) (bool, error) {
	n, err := s.client.Del(ctx, s.prefix+token).Result()
	if err != nil {
		return false, fmt.Errorf("failed to consume state: %w", err)
	}
	return n > 0, nil
}

// MemoryStateStore is an in-process StateStore for single-replica
// deployments and tests. Entries share the TTL the store was built with;
// the per-call TTL is capped by it.
type MemoryStateStore struct {
	cache *lru.LRU[string, struct{}]
}

// NewMemoryStateStore creates an in-process store holding up to size tokens
// that expire after ttl.
func NewMemoryStateStore(size int, ttl time.Duration) *MemoryStateStore {
	return &MemoryStateStore{cache: lru.NewLRU[string, struct{}](size, nil, ttl)}
}

// Issue registers a token.
func (s *MemoryStateStore) Issue(_ context.Context, token string, _ time.Duration) error {
	s.cache.Add(token, struct{}{})
	return nil
}

// Consume claims a token. Remove reports presence under the cache lock, so
// concurrent consumers cannot both claim the same token.
func (s *MemoryStateStore) Consume(_ context.Context, token string) (bool, error) {
	return s.cache.Remove(token), nil
}
