package nodestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/devrev/shardkv/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBackend keeps data in a hash and history in a list, both under KeyPrefix
type RedisBackend struct {
	client     redis.UniversalClient
	dataKey    string
	historyKey string
	logger     *zap.Logger
}

// NewRedisBackend connects to Redis and pings it
func NewRedisBackend(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis backend connected", zap.String("addr", cfg.Addr), zap.String("prefix", cfg.KeyPrefix))
	return newRedisBackend(client, cfg.KeyPrefix, logger), nil
}

func newRedisBackend(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisBackend {
	return &RedisBackend{
		client:     client,
		dataKey:    prefix + ":data",
		historyKey: prefix + ":history",
		logger:     logger,
	}
}

// Load reads the whole data hash
func (b *RedisBackend) Load(ctx context.Context) (map[string]json.RawMessage, error) {
	raw, err := b.client.HGetAll(ctx, b.dataKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load keys: %w", err)
	}
	out := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		out[k] = json.RawMessage(v)
	}
	return out, nil
}

// Get reads one field of the data hash
func (b *RedisBackend) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	data, err := b.client.HGet(ctx, b.dataKey, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get key: %w", err)
	}
	return json.RawMessage(data), true, nil
}

// Keys lists the hash fields in sorted order
func (b *RedisBackend) Keys(ctx context.Context) ([]string, error) {
	keys, err := b.client.HKeys(ctx, b.dataKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Apply writes ops and their history entries in one MULTI/EXEC
func (b *RedisBackend) Apply(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}

	records := make([]interface{}, 0, len(ops))
	for _, op := range ops {
		rec, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("failed to encode operation: %w", err)
		}
		records = append(records, rec)
	}

	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range ops {
			if op.Kind == OpPut {
				pipe.HSet(ctx, b.dataKey, op.Key, []byte(op.Value))
			} else {
				pipe.HDel(ctx, b.dataKey, op.Key)
			}
		}
		pipe.RPush(ctx, b.historyKey, records...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply batch: %w", err)
	}
	return nil
}

// Counts returns the hash length and the history length
func (b *RedisBackend) Counts(ctx context.Context) (int64, int64, error) {
	pipe := b.client.Pipeline()
	dbSize := pipe.HLen(ctx, b.dataKey)
	history := pipe.LLen(ctx, b.historyKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to count keys: %w", err)
	}
	return dbSize.Val(), history.Val(), nil
}

// Ping checks the Redis connection
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
