// Package statestore persists conversation snapshots and session summaries
// through Redis. Persistence is best-effort by contract: callers log
// failures and move on, and the core never blocks on the store.
package statestore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Store is a namespaced blob store keyed by (namespace, name).
type Store interface {
	Save(ctx context.Context, namespace, name string, data []byte) error
	Load(ctx context.Context, namespace, name string) ([]byte, error)
	Append(ctx context.Context, namespace, name string, data []byte) error
	Delete(ctx context.Context, namespace, name string) error
}

// ErrNotFound is returned by Load when no blob exists.
var ErrNotFound = fmt.Errorf("statestore: not found")

type redisStore struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// Options tunes the redis-backed store.
type Options struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds how long persisted blobs survive; zero keeps them forever.
	TTL time.Duration
}

// NewRedisStore connects to redis and verifies the link with a ping.
func NewRedisStore(opts Options, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("statestore: redis connection failed: %w", err)
	}

	logger.Info("statestore initialized",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB))

	return &redisStore{
		client: client,
		logger: logger,
		ttl:    opts.TTL,
	}, nil
}

func key(namespace, name string) string {
	return "statestore:" + namespace + ":" + name
}

func (s *redisStore) Save(ctx context.Context, namespace, name string, data []byte) error {
	if err := s.client.Set(ctx, key(namespace, name), data, s.ttl).Err(); err != nil {
		s.logger.Warn("statestore save failed",
			zap.String("namespace", namespace),
			zap.String("name", name),
			zap.Error(err))
		return fmt.Errorf("statestore: save failed: %w", err)
	}
	return nil
}

func (s *redisStore) Load(ctx context.Context, namespace, name string) ([]byte, error) {
	data, err := s.client.Get(ctx, key(namespace, name)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		s.logger.Warn("statestore load failed",
			zap.String("namespace", namespace),
			zap.String("name", name),
			zap.Error(err))
		return nil, fmt.Errorf("statestore: load failed: %w", err)
	}
	return data, nil
}

func (s *redisStore) Append(ctx context.Context, namespace, name string, data []byte) error {
	k := key(namespace, name)
	pipe := s.client.TxPipeline()
	pipe.Append(ctx, k, string(data))
	if s.ttl > 0 {
		pipe.Expire(ctx, k, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("statestore append failed",
			zap.String("namespace", namespace),
			zap.String("name", name),
			zap.Error(err))
		return fmt.Errorf("statestore: append failed: %w", err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, namespace, name string) error {
	if err := s.client.Del(ctx, key(namespace, name)).Err(); err != nil {
		return fmt.Errorf("statestore: delete failed: %w", err)
	}
	return nil
}

// Noop returns a store that drops writes and reports every load as missing.
// Used when persistence is disabled.
func Noop() Store {
	return noopStore{}
}

type noopStore struct{}

func (noopStore) Save(context.Context, string, string, []byte) error { return nil }
func (noopStore) Load(context.Context, string, string) ([]byte, error) {
	return nil, ErrNotFound
}
func (noopStore) Append(context.Context, string, string, []byte) error { return nil }
func (noopStore) Delete(context.Context, string, string) error         { return nil }
