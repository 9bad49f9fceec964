package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ptld-risk-mcp-server/internal/domain"
)

const keyPrefix = "ptld:assessment:"

// RedisCache shares cached results between server replicas.
type RedisCache struct {
	redis      *redis.Client
	defaultTTL time.Duration
	log        *logrus.Logger
}

// cachedAssessment is the stored envelope.
type cachedAssessment struct {
	Result   *domain.AssessmentResult `json:"result"`
	CachedAt time.Time                `json:"cached_at"`
}

// NewRedisCache connects to config.RedisURL and verifies the connection.
func NewRedisCache(ctx context.Context, config domain.CacheConfig, logger *logrus.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.PoolTimeout > 0 {
		opts.PoolTimeout = config.PoolTimeout
	}
	if config.MaxRetries > 0 {
		opts.MaxRetries = config.MaxRetries
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ttl := config.DefaultTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}

	return &RedisCache{
		redis:      client,
		defaultTTL: ttl,
		log:        logger,
	}, nil
}

// Get retrieves a cached result. Corrupt entries are deleted and reported as a miss.
func (c *RedisCache) Get(ctx context.Context, key string) (*domain.AssessmentResult, bool, error) {
	val, err := c.redis.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get assessment cache: %w", err)
	}

	var cached cachedAssessment
	if err := json.Unmarshal(val, &cached); err != nil || cached.Result == nil {
		c.log.WithField("key", key).Warn("Dropping corrupt cache entry")
		c.redis.Del(ctx, keyPrefix+key)
		return nil, false, nil
	}

	return cached.Result, true, nil
}

// Set caches a result for the default TTL.
func (c *RedisCache) Set(ctx context.Context, key string, result *domain.AssessmentResult) error {
	if result == nil {
		return nil
	}

	data, err := json.Marshal(cachedAssessment{
		Result:   result,
		CachedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal assessment cache data: %w", err)
	}

	return c.redis.Set(ctx, keyPrefix+key, data, c.defaultTTL).Err()
}

// Close closes the Redis client.
func (c *RedisCache) Close() error {
	return c.redis.Close()
}

// New selects Redis when a URL is configured and the in-memory LRU otherwise.
func New(ctx context.Context, config domain.CacheConfig, logger *logrus.Logger) (domain.AssessmentCache, error) {
	if config.RedisURL == "" {
		logger.WithFields(logrus.Fields{
			"max_items": config.MaxItems,
			"ttl":       config.DefaultTTL,
		}).Info("Using in-memory assessment cache")
		return NewMemoryCache(config.MaxItems, config.DefaultTTL), nil
	}

	c, err := NewRedisCache(ctx, config, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Using Redis assessment cache")
	return c, nil
}
