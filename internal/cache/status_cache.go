package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	cancelKeyPrefix   = "story:cancel:"
	progressKeyPrefix = "story:progress:"
)

// StatusCache - быстрый канал сигнала отмены и кэш прогресса поверх Redis.
// База остаётся источником истины: недоступный Redis означает "флага нет",
// оркестратор всё равно перечитает статус из БД перед терминальной записью.
type StatusCache interface {
	SetCancelled(ctx context.Context, storyID uuid.UUID) error
	IsCancelled(ctx context.Context, storyID uuid.UUID) bool
	SetProgress(ctx context.Context, storyID uuid.UUID, progress string) error
	GetProgress(ctx context.Context, storyID uuid.UUID) (string, error)
}

type redisStatusCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStatusCache создает кэш статусов поверх Redis-клиента.
func NewRedisStatusCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) StatusCache {
	return &redisStatusCache{client: client, ttl: ttl, logger: logger.Named("status_cache")}
}

func (c *redisStatusCache) SetCancelled(ctx context.Context, storyID uuid.UUID) error {
	key := cancelKeyPrefix + storyID.String()
	if err := c.client.Set(ctx, key, "1", c.ttl).Err(); err != nil {
		c.logger.Warn("Failed to set cancel flag", zap.String("story_id", storyID.String()), zap.Error(err))
		return fmt.Errorf("failed to set cancel flag: %w", err)
	}
	return nil
}

func (c *redisStatusCache) IsCancelled(ctx context.Context, storyID uuid.UUID) bool {
	key := cancelKeyPrefix + storyID.String()
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Failed to read cancel flag", zap.String("story_id", storyID.String()), zap.Error(err))
		}
		return false
	}
	return val == "1"
}

func (c *redisStatusCache) SetProgress(ctx context.Context, storyID uuid.UUID, progress string) error {
	key := progressKeyPrefix + storyID.String()
	if err := c.client.Set(ctx, key, progress, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set progress: %w", err)
	}
	return nil
}

func (c *redisStatusCache) GetProgress(ctx context.Context, storyID uuid.UUID) (string, error) {
	key := progressKeyPrefix + storyID.String()
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get progress: %w", err)
	}
	return val, nil
}
