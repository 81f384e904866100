package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"squadron/internal/domain"
	"squadron/internal/infra/config"
)

// redisKV is the part of the go-redis client the store uses.
type redisKV interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	Close() error
}

// RedisStore keeps each session under prefix+id with a sliding TTL.
type RedisStore struct {
	client redisKV
	prefix string
	ttl    time.Duration
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis ping %s: %w", domain.ErrStore, cfg.Addr, err)
	}
	return newRedisStore(client, cfg.KeyPrefix, cfg.TTL), nil
}

func newRedisStore(client redisKV, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) key(id string) string { return r.prefix + id }

func (r *RedisStore) Load(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	raw, err := r.client.Get(ctx, r.key(sessionID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %w", domain.ErrStore, sessionID, err)
	}
	var rec domain.SessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", domain.ErrStore, sessionID, err)
	}
	return &rec, nil
}

// Save writes the record and restarts its TTL. A zero TTL never expires.
func (r *RedisStore) Save(ctx context.Context, rec *domain.SessionRecord) error {
	if rec == nil || rec.ID == "" {
		return domain.NewDomainError("RedisStore.Save", domain.ErrInvalidInput, "record without id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", domain.ErrStore, rec.ID, err)
	}
	if err := r.client.Set(ctx, r.key(rec.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("%w: save %s: %w", domain.ErrStore, rec.ID, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("%w: delete %s: %w", domain.ErrStore, sessionID, err)
	}
	return nil
}

func (r *RedisStore) Close() error { return r.client.Close() }

var _ domain.ConversationStore = (*RedisStore)(nil)
