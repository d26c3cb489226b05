package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrDestinationBackend = errors.New("destination backend unavailable")

// DestinationStore holds the page a visitor was on before authentication began.
type DestinationStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewDestinationStore(redisClient redis.UniversalClient, prefix string) *DestinationStore {
	if prefix == "" {
		prefix = "opd"
	}
	return &DestinationStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *DestinationStore) Set(ctx context.Context, marker, destination string, ttl time.Duration) error {
	if err := s.redis.Set(ctx, s.prefix+":"+marker, destination, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDestinationBackend, err)
	}
	return nil
}

// Take returns and deletes the stored destination. The empty string means
// none was stored or it was already taken.
func (s *DestinationStore) Take(ctx context.Context, marker string) (string, error) {
	dest, err := s.redis.GetDel(ctx, s.prefix+":"+marker).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("%w: %v", ErrDestinationBackend, err)
	}
	return dest, nil
}
