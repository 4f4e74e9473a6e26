package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore keeps payloads as plain byte values in Redis. It is meant
// for small deployments and integration tests where running an object
// store is not worth the trouble; durability is whatever the Redis
// instance provides.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

type RedisStoreConfig struct {
	Addr       string
	Password   string
	DB         int
	PathPrefix string
}

func NewRedisStore(cfg RedisStoreConfig, logger *zap.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{
		client: client,
		prefix: cfg.PathPrefix,
		logger: logger.Named("redisstore").With(zap.String("addr", cfg.Addr)),
	}
}

func (s *RedisStore) fullKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *RedisStore) Put(ctx context.Context, key string, data []byte) error {
	done := instrument("put")
	err := s.client.Set(ctx, s.fullKey(key), data, 0).Err()
	done(err)
	return err
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	done := instrument("get")
	data, err := s.client.Get(ctx, s.fullKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		done(ErrObjectNotFound)
		return nil, ErrObjectNotFound
	}
	done(err)
	return data, err
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	done := instrument("delete")
	err := s.client.Del(ctx, s.fullKey(key)).Err()
	done(err)
	return err
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	done := instrument("exists")
	n, err := s.client.Exists(ctx, s.fullKey(key)).Result()
	done(err)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) List(ctx context.Context, prefix string) ([]string, error) {
	done := instrument("list")
	var keys []string
	iter := s.client.Scan(ctx, 0, s.fullKey(prefix)+"*", 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		if s.prefix != "" {
			k = k[len(s.prefix)+1:]
		}
		keys = append(keys, k)
	}
	done(iter.Err())
	return keys, iter.Err()
}

func (s *RedisStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	done := instrument("head")
	n, err := s.client.StrLen(ctx, s.fullKey(key)).Result()
	if err != nil {
		done(err)
		return nil, err
	}
	if n == 0 {
		exists, err := s.client.Exists(ctx, s.fullKey(key)).Result()
		if err != nil {
			done(err)
			return nil, err
		}
		if exists == 0 {
			done(ErrObjectNotFound)
			return nil, ErrObjectNotFound
		}
	}
	done(nil)
	return &ObjectInfo{
		Key:          key,
		Size:         n,
		LastModified: time.Time{},
	}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
var _ Store = (*S3Store)(nil)
