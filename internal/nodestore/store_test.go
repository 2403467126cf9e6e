package nodestore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devrev/shardkv/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memBackend is an in-memory Backend whose Apply can be made to fail
type memBackend struct {
	mu      sync.Mutex
	data    map[string]json.RawMessage
	history int64
	applies int
	fail    atomic.Bool
}

func newMemBackend() *memBackend {
	return &memBackend{data: make(map[string]json.RawMessage)}
}

func (b *memBackend) Load(ctx context.Context) (map[string]json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]json.RawMessage, len(b.data))
	for k, v := range b.data {
		out[k] = v
	}
	return out, nil
}

func (b *memBackend) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	return v, ok, nil
}

func (b *memBackend) Keys(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.data))
	for k := range b.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *memBackend) Apply(ctx context.Context, ops []Op) error {
	if b.fail.Load() {
		return errors.New("backend unavailable")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, op := range ops {
		applyOp(b.data, op)
	}
	b.history += int64(len(ops))
	b.applies++
	return nil
}

func (b *memBackend) Counts(ctx context.Context) (int64, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.data)), b.history, nil
}

func (b *memBackend) Ping(ctx context.Context) error { return nil }
func (b *memBackend) Close() error                   { return nil }

func (b *memBackend) snapshot() (map[string]json.RawMessage, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]json.RawMessage, len(b.data))
	for k, v := range b.data {
		out[k] = v
	}
	return out, b.applies
}

func testStorageConfig() *config.StorageConfig {
	return &config.StorageConfig{
		Cache: config.CacheConfig{MaxItems: 100, MaxSizeBytes: 1 << 20},
		Batch: config.BatchConfig{Size: 3, Interval: time.Hour, CheckInterval: 10 * time.Millisecond},
	}
}

func newTestStore(t *testing.T, cfg *config.StorageConfig, backend Backend) *Store {
	t.Helper()
	s, err := NewStore(cfg, backend, nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestStore_ReadYourWrites(t *testing.T) {
	s := newTestStore(t, testStorageConfig(), newMemBackend())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", json.RawMessage(`{"a":1}`)))

	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, string(v))

	_, ok, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_FlushesWhenBatchIsFull(t *testing.T) {
	backend := newMemBackend()
	s := newTestStore(t, testStorageConfig(), backend)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, s.Put(ctx, k, json.RawMessage(`1`)))
	}

	assert.Eventually(t, func() bool {
		data, _ := backend.snapshot()
		return len(data) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return s.PendingCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStore_FlushesAfterInterval(t *testing.T) {
	backend := newMemBackend()
	cfg := testStorageConfig()
	cfg.Batch.Size = 100
	cfg.Batch.Interval = 30 * time.Millisecond
	s := newTestStore(t, cfg, backend)

	require.NoError(t, s.Put(context.Background(), "a", json.RawMessage(`1`)))

	assert.Eventually(t, func() bool {
		data, _ := backend.snapshot()
		return len(data) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestStore_FailedFlushRequeuesAheadOfNewOps(t *testing.T) {
	backend := newMemBackend()
	cfg := testStorageConfig()
	cfg.Batch.Size = 100
	s := newTestStore(t, cfg, backend)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", json.RawMessage(`1`)))
	backend.fail.Store(true)
	assert.Error(t, s.Flush(ctx))
	assert.Equal(t, 1, s.PendingCount())

	require.NoError(t, s.Put(ctx, "k", json.RawMessage(`2`)))
	backend.fail.Store(false)
	require.NoError(t, s.Flush(ctx))

	data, applies := backend.snapshot()
	assert.Equal(t, json.RawMessage(`2`), data["k"], "the newer write wins")
	assert.Equal(t, 1, applies)
	assert.Equal(t, 0, s.PendingCount())
}

func TestStore_DeleteSemantics(t *testing.T) {
	backend := newMemBackend()
	backend.data["persisted"] = json.RawMessage(`"p"`)
	cfg := testStorageConfig()
	cfg.Batch.Size = 100
	s := newTestStore(t, cfg, backend)
	ctx := context.Background()

	deleted, err := s.Delete(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, deleted)

	// Only in the backend: the warm cache was cleared.
	s.ClearCache()
	deleted, err = s.Delete(ctx, "persisted")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, ok, err := s.Get(ctx, "persisted")
	require.NoError(t, err)
	assert.False(t, ok, "pending delete shadows the backend")

	deleted, err = s.Delete(ctx, "persisted")
	require.NoError(t, err)
	assert.False(t, deleted)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStore_OversizedValueServedFromPendingThenBackend(t *testing.T) {
	backend := newMemBackend()
	cfg := testStorageConfig()
	cfg.Batch.Size = 100
	cfg.Cache.MaxSizeBytes = 8
	s := newTestStore(t, cfg, backend)
	ctx := context.Background()

	big := json.RawMessage(`"this value does not fit"`)
	require.NoError(t, s.Put(ctx, "big", big))
	assert.Equal(t, 0, s.cache.Len())

	v, ok, err := s.Get(ctx, "big")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, big, v)

	require.NoError(t, s.Flush(ctx))
	v, ok, err = s.Get(ctx, "big")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, big, v)
}

// gatedBackend holds every Apply until release is closed
type gatedBackend struct {
	*memBackend
	entered chan struct{}
	release chan struct{}
}

func (b *gatedBackend) Apply(ctx context.Context, ops []Op) error {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return b.memBackend.Apply(ctx, ops)
}

func TestStore_BatchInFlightStaysVisible(t *testing.T) {
	backend := &gatedBackend{
		memBackend: newMemBackend(),
		entered:    make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
	cfg := testStorageConfig()
	cfg.Batch.Size = 100
	s := newTestStore(t, cfg, backend)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a", json.RawMessage(`1`)))
	require.NoError(t, s.Put(ctx, "b", json.RawMessage(`2`)))
	s.ClearCache()

	flushed := make(chan error, 1)
	go func() { flushed <- s.Flush(ctx) }()
	<-backend.entered

	v, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, json.RawMessage(`1`), v)
	assert.Equal(t, 2, s.PendingCount())

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	existed, err := s.Delete(ctx, "b")
	require.NoError(t, err)
	assert.True(t, existed)

	close(backend.release)
	require.NoError(t, <-flushed)

	_, ok, err = s.Get(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)
	v, ok, err = s.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, json.RawMessage(`1`), v)
	assert.Equal(t, 1, s.PendingCount())
}

func TestStore_WarmsCacheAndMergesKeys(t *testing.T) {
	backend := newMemBackend()
	backend.data["a"] = json.RawMessage(`1`)
	backend.data["b"] = json.RawMessage(`2`)
	cfg := testStorageConfig()
	cfg.Batch.Size = 100
	s := newTestStore(t, cfg, backend)
	ctx := context.Background()

	assert.Equal(t, 2, s.cache.Len())

	require.NoError(t, s.Put(ctx, "c", json.RawMessage(`3`)))
	_, err := s.Delete(ctx, "a")
	require.NoError(t, err)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, keys)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.DBSize)
	assert.Equal(t, 2, stats.PendingOperations)
	assert.Equal(t, 2, stats.Cache.ItemsCount)
}

func TestStore_CloseRunsFinalFlush(t *testing.T) {
	backend := newMemBackend()
	cfg := testStorageConfig()
	cfg.Batch.Size = 100

	s, err := NewStore(cfg, backend, nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Put(context.Background(), "k", json.RawMessage(`1`)))
	require.NoError(t, s.Close(context.Background()))

	data, _ := backend.snapshot()
	assert.Contains(t, data, "k")
	assert.NoError(t, s.Close(context.Background()))
}

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Load(ctx context.Context) (map[string]json.RawMessage, error) {
	args := m.Called(ctx)
	data, _ := args.Get(0).(map[string]json.RawMessage)
	return data, args.Error(1)
}

func (m *mockBackend) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	args := m.Called(ctx, key)
	v, _ := args.Get(0).(json.RawMessage)
	return v, args.Bool(1), args.Error(2)
}

func (m *mockBackend) Keys(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	keys, _ := args.Get(0).([]string)
	return keys, args.Error(1)
}

func (m *mockBackend) Apply(ctx context.Context, ops []Op) error {
	return m.Called(ctx, ops).Error(0)
}

func (m *mockBackend) Counts(ctx context.Context) (int64, int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Get(1).(int64), args.Error(2)
}

func (m *mockBackend) Ping(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *mockBackend) Close() error                   { return m.Called().Error(0) }

func TestStore_BackendErrorsPropagate(t *testing.T) {
	backend := new(mockBackend)
	backend.On("Load", mock.Anything).Return(map[string]json.RawMessage{}, nil)
	backend.On("Get", mock.Anything, "k").Return(nil, false, errors.New("connection reset"))
	backend.On("Counts", mock.Anything).Return(int64(0), int64(0), errors.New("connection reset"))
	backend.On("Close").Return(nil)

	s := newTestStore(t, testStorageConfig(), backend)
	ctx := context.Background()

	_, _, err := s.Get(ctx, "k")
	assert.Error(t, err)

	_, err = s.Delete(ctx, "k")
	assert.Error(t, err)

	_, err = s.Stats(ctx)
	assert.Error(t, err)

	backend.AssertNumberOfCalls(t, "Get", 2)
}

func TestStore_StartFailsWhenLoadFails(t *testing.T) {
	backend := new(mockBackend)
	backend.On("Load", mock.Anything).Return(nil, errors.New("no database"))

	s, err := NewStore(testStorageConfig(), backend, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Error(t, s.Start(context.Background()))
	backend.AssertExpectations(t)
}
