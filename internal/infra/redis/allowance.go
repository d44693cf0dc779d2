package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
)

// AllowanceRepo tracks, per session, the service nodes that exceeded their
// relay allowance. The removed list only ever grows for a session: removal
// is monotonic and idempotent.
type AllowanceRepo struct {
	rdb *redis.Client

	// fallbackTTL applies only when the session key does not exist yet;
	// an existing key keeps its externally managed TTL.
	fallbackTTL time.Duration
}

// NewAllowanceRepo creates a Redis-backed session allowance repository.
func NewAllowanceRepo(client *Client, fallbackTTL time.Duration) *AllowanceRepo {
	return &AllowanceRepo{
		rdb:         client.rdb,
		fallbackTTL: fallbackTTL,
	}
}

// SessionKey builds the Redis key holding a session's over-allowance list.
func SessionKey(session string) string {
	return fmt.Sprintf("session-%s", session)
}

// Removed returns the public keys already flagged as over-allowance for the session.
func (r *AllowanceRepo) Removed(ctx context.Context, session string) ([]string, error) {
	data, err := r.rdb.Get(ctx, SessionKey(session)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session allowance failed: %w", err)
	}

	var removed []string
	if err := json.Unmarshal(data, &removed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session allowance: %w", err)
	}
	return removed, nil
}

// Remove flags a node as over-allowance for the session. Flagging an
// already-removed node is a no-op.
func (r *AllowanceRepo) Remove(ctx context.Context, session, publicKey string) error {
	key := SessionKey(session)

	removed, err := r.Removed(ctx, session)
	if err != nil {
		return err
	}
	if slices.Contains(removed, publicKey) {
		return nil
	}
	removed = append(removed, publicKey)

	data, err := json.Marshal(removed)
	if err != nil {
		return fmt.Errorf("failed to marshal session allowance: %w", err)
	}

	// Preserve the externally managed TTL on an existing key.
	ttl := time.Duration(redis.KeepTTL)
	exists, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("exists check failed: %w", err)
	}
	if exists == 0 {
		ttl = r.fallbackTTL
	}

	if err := r.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set session allowance failed: %w", err)
	}
	return nil
}
