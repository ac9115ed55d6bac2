package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"payflow/pkg/logging"

	"github.com/redis/go-redis/v9"
)

// ReplayGuard deduplicates provider callback deliveries before they reach
// the engine. The engine itself already rejects terminal re-transitions
// loudly; this guard sits in front of the ingress so a byte-identical
// redelivery inside the TTL window is answered cheaply without a dispatch.
//
// A SETNX with TTL per payload hash is the whole mechanism: the first
// delivery claims the key, replays inside the window find it taken.
type ReplayGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewReplayGuard creates a replay guard. A 24h TTL matches how long
// providers typically keep retrying undelivered notifications.
func NewReplayGuard(client *redis.Client, ttl time.Duration) *ReplayGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ReplayGuard{client: client, ttl: ttl}
}

// IsReplay records the payload and reports whether an identical one was
// already seen inside the TTL window. Redis errors fail open: a callback
// must never be dropped because the dedup cache was unavailable.
func (g *ReplayGuard) IsReplay(ctx context.Context, provider string, payload []byte) bool {
	if g.client == nil {
		return false
	}

	key := g.payloadKey(provider, payload)
	fresh, err := g.client.SetNX(ctx, key, time.Now().Unix(), g.ttl).Result()
	if err != nil {
		logging.Errorf("Replay guard unavailable, allowing callback: %v", err)
		return false
	}
	if !fresh {
		logging.Infof("Replay detected for %s callback %s", provider, key)
	}
	return !fresh
}

func (g *ReplayGuard) payloadKey(provider string, payload []byte) string {
	hash := sha256.Sum256(payload)
	return fmt.Sprintf("payflow:callback_seen:%s:%s", provider, hex.EncodeToString(hash[:]))
}
