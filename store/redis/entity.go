package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// errEntityNotFound marks a missing JSON entity; callers translate it to
// the appropriate sentinel.
var errEntityNotFound = errors.New("txflow/redis: entity not found")

func now() time.Time { return time.Now().UTC() }

func isRedisNil(err error) bool {
	return errors.Is(err, goredis.Nil)
}

func isNotFound(err error) bool {
	return errors.Is(err, errEntityNotFound)
}

// getEntity reads and unmarshals a JSON entity.
func (s *Store) getEntity(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if isRedisNil(err) {
			return errEntityNotFound
		}
		return fmt.Errorf("txflow/redis: get %s: %w", key, err)
	}
	if unmarshalErr := json.Unmarshal([]byte(data), v); unmarshalErr != nil {
		return fmt.Errorf("txflow/redis: unmarshal %s: %w", key, unmarshalErr)
	}
	return nil
}

// setEntity marshals and stores a JSON entity.
func (s *Store) setEntity(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("txflow/redis: marshal %s: %w", key, err)
	}
	if setErr := s.client.Set(ctx, key, data, 0).Err(); setErr != nil {
		return fmt.Errorf("txflow/redis: set %s: %w", key, setErr)
	}
	return nil
}

// entityExists reports whether a key is present.
func (s *Store) entityExists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
