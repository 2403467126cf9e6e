package nodestore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
)

const (
	snapshotFile = "kv_store.json"
	historyFile  = "kv_store_history.jsonl"
)

type snapshot struct {
	// Applied is the number of history records already folded into Data
	Applied int64                      `json:"applied"`
	Data    map[string]json.RawMessage `json:"data"`
}

// FileBackend keeps a JSON snapshot of the data plus an append-only JSON-lines
// history. History records newer than the snapshot are replayed on open.
type FileBackend struct {
	dir    string
	logger *zap.Logger

	mu      sync.RWMutex
	data    map[string]json.RawMessage
	history *os.File
	records int64
}

// OpenFileBackend opens or creates the store under dir
func OpenFileBackend(dir string, logger *zap.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	b := &FileBackend{
		dir:    dir,
		logger: logger,
		data:   make(map[string]json.RawMessage),
	}

	snap, err := b.readSnapshot()
	if err != nil {
		return nil, err
	}
	if snap.Data != nil {
		b.data = snap.Data
	}

	replayed, err := b.replay(snap.Applied)
	if err != nil {
		return nil, err
	}

	b.history, err = os.OpenFile(filepath.Join(dir, historyFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}

	if replayed > 0 {
		if err := b.writeSnapshot(); err != nil {
			b.history.Close()
			return nil, err
		}
	}

	logger.Info("File backend opened",
		zap.String("dir", dir),
		zap.Int("keys", len(b.data)),
		zap.Int64("history", b.records),
		zap.Int("replayed", replayed))

	return b, nil
}

func (b *FileBackend) readSnapshot() (snapshot, error) {
	var snap snapshot
	raw, err := os.ReadFile(filepath.Join(b.dir, snapshotFile))
	if errors.Is(err, fs.ErrNotExist) {
		return snap, nil
	}
	if err != nil {
		return snap, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snap, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return snap, nil
}

// replay counts the history records and applies those past applied. A torn
// tail left by an interrupted append is cut off so later appends stay readable.
func (b *FileBackend) replay(applied int64) (int, error) {
	path := filepath.Join(b.dir, historyFile)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to open history file: %w", err)
	}
	defer f.Close()

	var (
		replayed int
		offset   int64
		torn     = int64(-1)
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		line := bytes.TrimSpace(raw)
		if len(line) > 0 {
			var op Op
			if err := json.Unmarshal(line, &op); err != nil {
				b.logger.Warn("Truncating unreadable history tail",
					zap.Int64("record", b.records),
					zap.Int64("offset", offset),
					zap.Error(err))
				torn = offset
				break
			}
			if b.records >= applied {
				applyOp(b.data, op)
				replayed++
			}
			b.records++
		}
		offset += int64(len(raw)) + 1
	}
	if err := scanner.Err(); err != nil {
		return replayed, fmt.Errorf("failed to read history: %w", err)
	}

	if torn >= 0 {
		if err := os.Truncate(path, torn); err != nil {
			return replayed, fmt.Errorf("failed to truncate history: %w", err)
		}
	}
	return replayed, nil
}

func applyOp(data map[string]json.RawMessage, op Op) {
	switch op.Kind {
	case OpPut:
		data[op.Key] = op.Value
	case OpDelete:
		delete(data, op.Key)
	}
}

// writeSnapshot atomically replaces the snapshot file. Caller holds mu.
func (b *FileBackend) writeSnapshot() error {
	raw, err := json.Marshal(snapshot{Applied: b.records, Data: b.data})
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	tmp := filepath.Join(b.dir, snapshotFile+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(b.dir, snapshotFile)); err != nil {
		return fmt.Errorf("failed to install snapshot: %w", err)
	}
	return nil
}

// Load returns a copy of the persisted data
func (b *FileBackend) Load(ctx context.Context) (map[string]json.RawMessage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]json.RawMessage, len(b.data))
	for k, v := range b.data {
		out[k] = v
	}
	return out, nil
}

// Get returns the persisted value of key
func (b *FileBackend) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[key]
	return v, ok, nil
}

// Keys returns the persisted keys in sorted order
func (b *FileBackend) Keys(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.data))
	for k := range b.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Apply journals ops, then folds them into the snapshot. The in-memory view
// only changes once the journal write is durable.
func (b *FileBackend) Apply(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, op := range ops {
		if err := enc.Encode(op); err != nil {
			return fmt.Errorf("failed to encode operation: %w", err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.history == nil {
		return errors.New("file backend is closed")
	}
	if _, err := b.history.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	if err := b.history.Sync(); err != nil {
		return fmt.Errorf("failed to sync history: %w", err)
	}

	for _, op := range ops {
		applyOp(b.data, op)
	}
	b.records += int64(len(ops))

	// The journal already holds the batch; a failed snapshot is repaired by replay.
	if err := b.writeSnapshot(); err != nil {
		b.logger.Warn("Snapshot write failed", zap.Error(err))
	}
	return nil
}

// Counts returns the key and history record counts
func (b *FileBackend) Counts(ctx context.Context) (int64, int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.data)), b.records, nil
}

// Ping reports whether the backend is open
func (b *FileBackend) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.history == nil {
		return errors.New("file backend is closed")
	}
	return nil
}

// Close releases the history file
func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.history == nil {
		return nil
	}
	err := b.history.Close()
	b.history = nil
	return err
}
