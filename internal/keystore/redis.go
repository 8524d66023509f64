package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/org/secretapproval/pkg/models"
)

const redisKeyPrefix = "secretapproval:blind-index-salt:"

// RedisCache shares sealed salts between replicas. Cache errors are logged
// and treated as misses.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache wraps an existing client.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// OpenRedis parses a redis:// URL and verifies the server answers.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func redisKey(projectID uuid.UUID) string {
	return redisKeyPrefix + projectID.String()
}

func (c *RedisCache) Get(ctx context.Context, projectID uuid.UUID) (*models.BlindIndexSalt, bool) {
	raw, err := c.client.Get(ctx, redisKey(projectID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("project_id", projectID.String()).Msg("salt cache read failed")
		}
		return nil, false
	}
	var s models.BlindIndexSalt
	if err := json.Unmarshal(raw, &s); err != nil {
		log.Warn().Err(err).Str("project_id", projectID.String()).Msg("salt cache entry is corrupt")
		return nil, false
	}
	return &s, true
}

func (c *RedisCache) Set(ctx context.Context, s *models.BlindIndexSalt) {
	raw, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, redisKey(s.ProjectID), raw, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("project_id", s.ProjectID.String()).Msg("salt cache write failed")
	}
}
