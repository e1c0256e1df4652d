package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"bookscout/internal/models"
)

// RedisStatusStore keeps lookup status records in Redis as JSON blobs under
// prefix+requestID. Records expire after ttl; status is a progress signal for
// clients polling the API, not the durable result (that lives in the catalog).
type RedisStatusStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStatusStore(addr, prefix string, ttl time.Duration) *RedisStatusStore {
	return &RedisStatusStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *RedisStatusStore) Close() error {
	return s.client.Close()
}

func (s *RedisStatusStore) SetStatus(ctx context.Context, status models.LookupStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+status.RequestID, payload, s.ttl).Err()
}

// GetStatus returns the record and whether it exists. An expired or unknown
// request ID is (zero, false, nil), not an error.
func (s *RedisStatusStore) GetStatus(ctx context.Context, requestID string) (models.LookupStatus, bool, error) {
	payload, err := s.client.Get(ctx, s.prefix+requestID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.LookupStatus{}, false, nil
		}
		return models.LookupStatus{}, false, err
	}

	var status models.LookupStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return models.LookupStatus{}, false, err
	}
	return status, true, nil
}
