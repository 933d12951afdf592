package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/classroom-assistant/backend/pkg/logger"
)

const embeddingPrefix = "embedding:"

type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Client caches embeddings by content hash. It satisfies embedding.Cache.
type Client struct {
	client *redis.Client
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, goerr.Wrap(err, "failed to connect to redis", goerr.V("addr", addr))
	}

	logger.Info("Redis client initialized", zap.String("addr", addr))

	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Client) SetEmbedding(ctx context.Context, key string, embedding []float32, ttl time.Duration) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal embedding")
	}

	if err := c.client.Set(ctx, embeddingPrefix+key, data, ttl).Err(); err != nil {
		return goerr.Wrap(err, "failed to set embedding cache", goerr.V("key", key))
	}

	logger.Debug("Embedding cached", zap.String("key", key), zap.Duration("ttl", ttl))
	return nil
}

func (c *Client) GetEmbedding(ctx context.Context, key string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, embeddingPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, goerr.Wrap(err, "failed to get embedding cache", goerr.V("key", key))
	}

	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		return nil, false, goerr.Wrap(err, "failed to unmarshal embedding", goerr.V("key", key))
	}

	return embedding, true, nil
}

// FlushEmbeddings drops every cached embedding, for use after the embedding
// model changes.
func (c *Client) FlushEmbeddings(ctx context.Context) (int, error) {
	deleted := 0
	iter := c.client.Scan(ctx, 0, embeddingPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.Error(err), zap.String("key", iter.Val()))
			continue
		}
		deleted++
	}

	if err := iter.Err(); err != nil {
		return deleted, goerr.Wrap(err, "failed to iterate cache keys")
	}

	logger.Info("Embedding cache flushed", zap.Int("deleted", deleted))
	return deleted, nil
}
