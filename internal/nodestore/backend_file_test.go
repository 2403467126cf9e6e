package nodestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func putOp(key, value string) Op {
	return Op{Kind: OpPut, Key: key, Value: json.RawMessage(value), Timestamp: time.Now().UTC()}
}

func deleteOp(key string) Op {
	return Op{Kind: OpDelete, Key: key, Timestamp: time.Now().UTC()}
}

func TestFileBackend_ApplyAndReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b, err := OpenFileBackend(dir, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, b.Apply(ctx, []Op{
		putOp("a", `1`),
		putOp("b", `{"x":true}`),
		putOp("c", `null`),
		deleteOp("a"),
	}))

	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, keys)

	dbSize, history, err := b.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), dbSize)
	assert.Equal(t, int64(4), history)
	require.NoError(t, b.Close())

	reopened, err := OpenFileBackend(dir, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	v, ok, err := reopened.Get(ctx, "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"x":true}`, string(v))

	v, ok, err = reopened.Get(ctx, "c")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "null", string(v))

	_, history, err = reopened.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), history)
}

func TestFileBackend_ReplaysHistoryPastSnapshot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b, err := OpenFileBackend(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, b.Apply(ctx, []Op{putOp("a", `1`)}))
	require.NoError(t, b.Close())

	// A record appended without a snapshot update, as after a crash between the two writes.
	rec, err := json.Marshal(putOp("b", `2`))
	require.NoError(t, err)
	f, err := os.OpenFile(filepath.Join(dir, historyFile), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write(append(rec, '\n'))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := OpenFileBackend(dir, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	data, err := reopened.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, data, 2)
	assert.Equal(t, json.RawMessage(`2`), data["b"])
}

func TestFileBackend_TruncatesTornTail(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b, err := OpenFileBackend(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, b.Apply(ctx, []Op{putOp("a", `1`)}))
	require.NoError(t, b.Close())

	f, err := os.OpenFile(filepath.Join(dir, historyFile), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"operation":"PUT","key":"b","val`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := OpenFileBackend(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, reopened.Apply(ctx, []Op{putOp("c", `3`)}))
	require.NoError(t, reopened.Close())

	again, err := OpenFileBackend(dir, zap.NewNop())
	require.NoError(t, err)
	defer again.Close()

	keys, err := again.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, keys)
	_, history, err := again.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), history)
}

func TestFileBackend_ClosedRejectsWrites(t *testing.T) {
	b, err := OpenFileBackend(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, b.Close())

	assert.Error(t, b.Apply(context.Background(), []Op{putOp("a", `1`)}))
	assert.Error(t, b.Ping(context.Background()))
}
