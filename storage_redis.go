package docrelay

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore is an ObjectStore backed by a Redis hash. It is intended for
// artifact staging and tests; production deployments typically plug in an
// object-storage implementation instead.
type RedisStore struct {
	rdb redis.UniversalClient
	key string
}

// NewRedisStore creates a store over the hash "docrelay:store:{name}".
// The hash tag keeps all fields on one cluster slot.
func NewRedisStore(rdb redis.UniversalClient, name string) *RedisStore {
	return &RedisStore{rdb: rdb, key: "docrelay:store:{" + name + "}"}
}

func (s *RedisStore) List(ctx context.Context, prefix string) ([]string, error) {
	fields, err := s.rdb.HKeys(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	keys := fields[:0]
	for _, f := range fields {
		if strings.HasPrefix(f, prefix) {
			keys = append(keys, f)
		}
	}
	// HKEYS order is unspecified; keep listings stable across runs.
	sort.Strings(keys)
	return keys, nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := s.rdb.HExists(ctx, s.key, key).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.HGet(ctx, s.key, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, data []byte) error {
	return s.rdb.HSet(ctx, s.key, key, data).Err()
}
