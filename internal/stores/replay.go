package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrReplayBackend = errors.New("replay guard backend unavailable")

// ReplayGuard remembers hashes of one-shot values (captcha tokens) so a
// second presentation is refused.
type ReplayGuard struct {
	redis  redis.UniversalClient
	prefix string
}

func NewReplayGuard(redisClient redis.UniversalClient, prefix string) *ReplayGuard {
	if prefix == "" {
		prefix = "ocr"
	}
	return &ReplayGuard{
		redis:  redisClient,
		prefix: prefix,
	}
}

// Claim reports true for the first caller presenting hash within ttl.
func (g *ReplayGuard) Claim(ctx context.Context, hash string, ttl time.Duration) (bool, error) {
	ok, err := g.redis.SetNX(ctx, g.prefix+":"+hash, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrReplayBackend, err)
	}
	return ok, nil
}

// Release forgets hash, so a value whose check never completed can be presented again.
func (g *ReplayGuard) Release(ctx context.Context, hash string) error {
	if err := g.redis.Del(ctx, g.prefix+":"+hash).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrReplayBackend, err)
	}
	return nil
}
