package nodestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/shardkv/internal/config"
	"github.com/devrev/shardkv/internal/metrics"
	"github.com/devrev/shardkv/internal/workerpool"
	"go.uber.org/zap"
)

// Stats is the response of GET /stats on a node
type Stats struct {
	Cache             CacheStats `json:"cache"`
	DBSize            int64      `json:"db_size"`
	HistoryCount      int64      `json:"history_count"`
	PendingOperations int        `json:"pending_operations"`
}

// Store serves reads from the cache, then the pending batch, then the
// backend. Writes land in the cache and the pending batch, which is flushed
// to the backend when it grows to BatchSize or when Interval has passed
// since the last flush.
type Store struct {
	cache   *Cache
	backend Backend
	pool    *workerpool.Pool
	metrics *metrics.StorageMetrics
	logger  *zap.Logger

	batchSize     int
	interval      time.Duration
	checkInterval time.Duration
	now           func() time.Time

	mu        sync.Mutex
	pending   []Op
	flushing  []Op // batch being applied, still visible to reads
	lastFlush time.Time

	// flushMu serialises flushes so a re-queued batch keeps its place.
	flushMu     sync.Mutex
	flushQueued atomic.Bool

	stop     chan struct{}
	loopDone chan struct{}
	started  atomic.Bool
	closed   atomic.Bool
}

// NewStore wires a store around backend. Call Start before serving traffic.
func NewStore(
	cfg *config.StorageConfig,
	backend Backend,
	m *metrics.StorageMetrics,
	logger *zap.Logger,
) (*Store, error) {
	cache, err := NewCache(cfg.Cache.MaxItems, cfg.Cache.MaxSizeBytes)
	if err != nil {
		return nil, err
	}

	return &Store{
		cache:         cache,
		backend:       backend,
		metrics:       m,
		logger:        logger,
		batchSize:     cfg.Batch.Size,
		interval:      cfg.Batch.Interval,
		checkInterval: cfg.Batch.CheckInterval,
		now:           time.Now,
		pool: workerpool.New(workerpool.Config{
			Name:      "flush",
			Workers:   1,
			QueueSize: 1,
			Logger:    logger,
		}),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}, nil
}

// Start warms the cache from the backend and starts the flush ticker
func (s *Store) Start(ctx context.Context) error {
	data, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted keys: %w", err)
	}
	for k, v := range data {
		s.cache.Put(k, v)
	}
	s.metrics.SetCacheItems(s.cache.Len())

	s.mu.Lock()
	s.lastFlush = s.now()
	s.mu.Unlock()

	s.started.Store(true)
	go s.loop()

	s.logger.Info("Node store started",
		zap.Int("persisted_keys", len(data)),
		zap.Int("cached_keys", s.cache.Len()))
	return nil
}

func (s *Store) loop() {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if s.intervalElapsed() {
				s.scheduleFlush()
			}
		}
	}
}

func (s *Store) intervalElapsed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0 && s.now().Sub(s.lastFlush) >= s.interval
}

// Get returns the value of key
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if v, ok := s.cache.Get(key); ok {
		s.metrics.RecordCacheLookup(true)
		return v, true, nil
	}
	s.metrics.RecordCacheLookup(false)

	if op, ok := s.latestPending(key); ok {
		if op.Kind == OpDelete {
			return nil, false, nil
		}
		return op.Value, true, nil
	}

	v, ok, err := s.backend.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	s.cache.Put(key, v)
	s.metrics.SetCacheItems(s.cache.Len())
	return v, true, nil
}

// Put stores value under key
func (s *Store) Put(ctx context.Context, key string, value json.RawMessage) error {
	if !s.cache.Put(key, value) {
		s.logger.Warn("Value too large for the cache, kept for persistence only",
			zap.String("key", key),
			zap.Int("size", len(key)+len(value)))
	}
	s.metrics.SetCacheItems(s.cache.Len())

	s.enqueue(Op{Kind: OpPut, Key: key, Value: value, Timestamp: s.now().UTC()})
	return nil
}

// Delete removes key. It reports false when the key was not stored anywhere.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	exists := s.cache.Delete(key)
	s.metrics.SetCacheItems(s.cache.Len())

	if !exists {
		if op, ok := s.latestPending(key); ok {
			exists = op.Kind == OpPut
		} else {
			_, found, err := s.backend.Get(ctx, key)
			if err != nil {
				return false, err
			}
			exists = found
		}
	}
	if !exists {
		return false, nil
	}

	s.enqueue(Op{Kind: OpDelete, Key: key, Timestamp: s.now().UTC()})
	return true, nil
}

// Keys returns every live key, sorted
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	persisted, err := s.backend.Keys(ctx)
	if err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(persisted))
	for _, k := range persisted {
		set[k] = struct{}{}
	}

	s.mu.Lock()
	for _, op := range slices.Concat(s.flushing, s.pending) {
		if op.Kind == OpPut {
			set[op.Key] = struct{}{}
		} else {
			delete(set, op.Key)
		}
	}
	s.mu.Unlock()

	for _, k := range s.cache.Keys() {
		set[k] = struct{}{}
	}

	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Stats reports cache occupancy, backend counts and the pending batch size
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	dbSize, history, err := s.backend.Counts(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Cache:             s.cache.Stats(),
		DBSize:            dbSize,
		HistoryCount:      history,
		PendingOperations: s.PendingCount(),
	}, nil
}

// PendingCount returns the number of operations not yet flushed, including
// a batch that is being applied
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) + len(s.flushing)
}

// ForceSync schedules a flush and returns without waiting for it
func (s *Store) ForceSync() {
	s.scheduleFlush()
}

// ClearCache drops every cached entry. Pending and persisted data are untouched.
func (s *Store) ClearCache() {
	s.cache.Clear()
	s.metrics.SetCacheItems(0)
}

// Ping checks the backend
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

func (s *Store) latestPending(key string) (Op, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.pending) - 1; i >= 0; i-- {
		if s.pending[i].Key == key {
			return s.pending[i], true
		}
	}
	for i := len(s.flushing) - 1; i >= 0; i-- {
		if s.flushing[i].Key == key {
			return s.flushing[i], true
		}
	}
	return Op{}, false
}

func (s *Store) enqueue(op Op) {
	s.mu.Lock()
	s.pending = append(s.pending, op)
	n := len(s.pending)
	s.mu.Unlock()

	s.metrics.SetPending(n)
	if n >= s.batchSize {
		s.scheduleFlush()
	}
}

// scheduleFlush queues at most one flush job at a time; a queued job picks
// up everything pending when it runs.
func (s *Store) scheduleFlush() {
	if !s.flushQueued.CompareAndSwap(false, true) {
		return
	}

	err := s.pool.Submit(workerpool.Job{
		Name: "flush",
		Run: func(ctx context.Context) error {
			s.flushQueued.Store(false)
			return s.Flush(ctx)
		},
	})
	if err != nil {
		s.flushQueued.Store(false)
		if !errors.Is(err, workerpool.ErrStopped) {
			s.logger.Warn("Failed to schedule flush", zap.Error(err))
		}
	}
}

// Flush writes the pending batch to the backend. On failure the batch is put
// back ahead of operations that arrived meanwhile.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	ops := s.pending
	s.pending = nil
	s.flushing = ops
	s.lastFlush = s.now()
	s.mu.Unlock()

	if len(ops) == 0 {
		return nil
	}

	start := time.Now()
	err := s.backend.Apply(ctx, ops)
	s.metrics.RecordFlush(err == nil, len(ops), time.Since(start).Seconds())

	if err != nil {
		s.mu.Lock()
		s.pending = append(ops, s.pending...)
		s.flushing = nil
		n := len(s.pending)
		s.mu.Unlock()
		s.metrics.SetPending(n)

		s.logger.Error("Batch flush failed, operations re-queued",
			zap.Int("operations", len(ops)),
			zap.Error(err))
		return err
	}

	s.mu.Lock()
	s.flushing = nil
	s.mu.Unlock()

	s.metrics.SetPending(s.PendingCount())
	s.logger.Info("Batch flushed", zap.Int("operations", len(ops)))
	return nil
}

// Close stops the ticker, drains scheduled flushes, runs a final flush and
// closes the backend.
func (s *Store) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(s.stop)
	if s.started.Load() {
		select {
		case <-s.loopDone:
		case <-ctx.Done():
		}
	}

	if err := s.pool.Stop(ctx); err != nil {
		s.logger.Warn("Flush pool did not stop cleanly", zap.Error(err))
	}

	flushErr := s.Flush(ctx)
	if flushErr != nil {
		s.logger.Error("Final flush failed",
			zap.Int("pending_operations", s.PendingCount()),
			zap.Error(flushErr))
	}

	if err := s.backend.Close(); err != nil {
		return errors.Join(flushErr, fmt.Errorf("failed to close backend: %w", err))
	}
	return flushErr
}
