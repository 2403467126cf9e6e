package nodestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/devrev/shardkv/internal/config"
	"go.uber.org/zap"
)

// OpKind is the kind of a write-back operation
type OpKind string

const (
	OpPut    OpKind = "PUT"
	OpDelete OpKind = "DELETE"
)

// Op is one buffered mutation. Value is nil for deletes.
type Op struct {
	Kind      OpKind          `json:"operation"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Backend persists flushed operations. Apply must be atomic: either every
// operation of the batch is persisted, data and history both, or none is.
type Backend interface {
	// Load returns every persisted key and value
	Load(ctx context.Context) (map[string]json.RawMessage, error)
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Keys(ctx context.Context) ([]string, error)
	Apply(ctx context.Context, ops []Op) error
	// Counts returns the number of stored keys and history records
	Counts(ctx context.Context) (dbSize, history int64, err error)
	Ping(ctx context.Context) error
	Close() error
}

// OpenBackend opens the backend selected by cfg
func OpenBackend(ctx context.Context, cfg config.PersistenceConfig, logger *zap.Logger) (Backend, error) {
	switch cfg.Backend {
	case config.BackendFile, "":
		return OpenFileBackend(cfg.DataDir, logger)
	case config.BackendPostgres:
		return NewPostgresBackend(ctx, cfg.Postgres, logger)
	case config.BackendRedis:
		return NewRedisBackend(ctx, cfg.Redis, logger)
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Backend)
	}
}
