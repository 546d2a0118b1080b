package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vendor-desk/internal/errors"
	"github.com/vendor-desk/internal/models"
	"github.com/vendor-desk/internal/types"
)

// CooldownStore persists per-marketplace quota cooldowns in Redis. The key's
// TTL is the cooldown itself: expiry lifts the cooldown without any cleanup
// pass, and the record survives process restarts.
type CooldownStore struct {
	store    *RedisStore
	duration time.Duration
}

// NewCooldownStore creates a new cooldown store
func NewCooldownStore(store *RedisStore, duration time.Duration) *CooldownStore {
	if duration <= 0 {
		duration = 30 * time.Minute
	}
	return &CooldownStore{store: store, duration: duration}
}

func cooldownKey(marketplace types.MarketplaceID) string {
	return fmt.Sprintf("cooldown:%s", marketplace)
}

// Start records a quota cooldown for the marketplace. Starting a cooldown
// while one is active resets the window; quota errors while throttled mean
// the upstream budget is still exhausted.
func (s *CooldownStore) Start(ctx context.Context, marketplace types.MarketplaceID, reason models.CooldownReason) (*models.QuotaCooldown, error) {
	now := time.Now().UTC()
	cooldown := &models.QuotaCooldown{
		Marketplace: marketplace,
		UntilUTC:    now.Add(s.duration),
		Reason:      reason,
	}

	payload, err := json.Marshal(cooldown)
	if err != nil {
		return nil, errors.NewInternalError("marshal cooldown record", err)
	}

	if err := s.store.Client().Set(ctx, cooldownKey(marketplace), payload, s.duration).Err(); err != nil {
		return nil, errors.NewDatabaseError("start cooldown", err)
	}

	return cooldown, nil
}

// Active returns the marketplace's cooldown record, or nil when no cooldown
// is in effect. UntilUTC is recomputed from the key's remaining TTL so the
// answer stays correct even if the stored value drifts from the key expiry.
func (s *CooldownStore) Active(ctx context.Context, marketplace types.MarketplaceID) (*models.QuotaCooldown, error) {
	key := cooldownKey(marketplace)

	payload, err := s.store.Client().Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, errors.NewDatabaseError("get cooldown", err)
	}

	var cooldown models.QuotaCooldown
	if err := json.Unmarshal(payload, &cooldown); err != nil {
		return nil, errors.NewInternalError("unmarshal cooldown record", err)
	}

	ttl, err := s.store.Client().PTTL(ctx, key).Result()
	if err != nil {
		return nil, errors.NewDatabaseError("cooldown ttl", err)
	}
	if ttl > 0 {
		cooldown.UntilUTC = time.Now().UTC().Add(ttl)
	}

	cooldown.Marketplace = marketplace
	return &cooldown, nil
}
