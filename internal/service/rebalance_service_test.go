package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	apierrors "github.com/devrev/shardkv/internal/errors"
	"github.com/devrev/shardkv/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertPlacement checks that every key lives exactly on its target nodes
func assertPlacement(t *testing.T, c *testCluster, keys []string) {
	t.Helper()
	for _, key := range keys {
		targets := c.targets(t, key)
		for _, node := range c.nodes {
			if !c.routing.HasNode(node.addr) {
				continue
			}
			assert.Equal(t, contains(targets, node.addr), node.has(key), "key %s on %s", key, node.addr)
		}
	}
}

func TestRebalance_AfterAddNode(t *testing.T) {
	c := newTestCluster(t, model.ModeRing, 3, 0.34, 0)
	ctx := context.Background()

	keys := make([]string, 30)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%02d", i)
		_, err := c.coordinator.Put(ctx, keys[i], json.RawMessage(fmt.Sprintf(`%d`, i)))
		require.NoError(t, err)
	}

	extra := c.addNode(t)
	_, err := c.routing.AddNode(extra.addr)
	require.NoError(t, err)

	resp, err := c.rebalance.Rebalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "completed", resp.Status)
	assert.Equal(t, 30, resp.Details.TotalKeys)
	assert.Zero(t, resp.Details.FailedOperations)
	assert.Equal(t, resp.Details.RebalancedKeys, resp.Details.RemovedKeys)
	assert.Positive(t, resp.Details.RebalancedKeys)
	assert.Equal(t, resp.Details.RebalancedKeys, len(extra.keys()))

	assertPlacement(t, c, keys)

	for i, key := range keys {
		got, err := c.coordinator.Get(ctx, key)
		require.NoError(t, err)
		assert.JSONEq(t, fmt.Sprintf(`%d`, i), string(got.Value))
	}
}

func TestRebalance_Idempotent(t *testing.T) {
	c := newTestCluster(t, model.ModeRing, 4, 0.5, 0)
	ctx := context.Background()

	keys := []string{"a", "b", "c", "d", "e", "f"}
	for _, key := range keys {
		_, err := c.coordinator.Put(ctx, key, json.RawMessage(`"v"`))
		require.NoError(t, err)
	}

	_, err := c.routing.Reconfigure(model.RingConfig{ReplicationFactor: 0.25, VirtualNodes: 30})
	require.NoError(t, err)

	first, err := c.rebalance.Rebalance(ctx)
	require.NoError(t, err)
	// 12 copies shrink to one per key.
	assert.Equal(t, 6, first.Details.RemovedKeys-first.Details.RebalancedKeys)
	assertPlacement(t, c, keys)

	second, err := c.rebalance.Rebalance(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Details.RebalancedKeys)
	assert.Zero(t, second.Details.RemovedKeys)
	assert.Zero(t, second.Details.FailedOperations)
	assert.Equal(t, 6, second.Details.TotalKeys)
}

func TestRebalance_ReplicationFactorRoundTrip(t *testing.T) {
	c := newTestCluster(t, model.ModeRing, 3, 0.34, 0)
	ctx := context.Background()

	keys := make([]string, 10)
	for i := range keys {
		keys[i] = fmt.Sprintf("rf-%d", i)
		_, err := c.coordinator.Put(ctx, keys[i], json.RawMessage(`"v"`))
		require.NoError(t, err)
	}

	pass := func(rebalanced, removed int) {
		t.Helper()
		resp, err := c.rebalance.Rebalance(ctx)
		require.NoError(t, err)
		assert.Equal(t, 10, resp.Details.TotalKeys)
		assert.Equal(t, rebalanced, resp.Details.RebalancedKeys)
		assert.Equal(t, removed, resp.Details.RemovedKeys)
		assert.Zero(t, resp.Details.FailedOperations)
		assertPlacement(t, c, keys)
	}

	// One copy per key grows to three.
	_, err := c.routing.Reconfigure(model.RingConfig{ReplicationFactor: 1.0, VirtualNodes: 50})
	require.NoError(t, err)
	pass(20, 0)
	pass(0, 0)

	_, err = c.routing.Reconfigure(model.RingConfig{ReplicationFactor: 0.34, VirtualNodes: 50})
	require.NoError(t, err)
	pass(0, 20)
	pass(0, 0)
}

func TestRebalance_SkipsFailedNodes(t *testing.T) {
	c := newTestCluster(t, model.ModeRing, 3, 0.34, 0)
	ctx := context.Background()
	c.nodes[2].down.Store(true)

	resp, err := c.rebalance.Rebalance(ctx)
	require.NoError(t, err)
	assert.Zero(t, resp.Details.TotalKeys)
	assert.Equal(t, 1, resp.Details.FailedOperations)
	assert.Equal(t, 3, resp.Details.TotalOperations)
}

func TestRebalance_ConcurrentRunRejected(t *testing.T) {
	c := newTestCluster(t, model.ModeRing, 2, 0.5, 0)
	c.rebalance.running.Store(true)

	_, err := c.rebalance.Rebalance(context.Background())
	assert.True(t, apierrors.Is(err, apierrors.ErrorCodeRebalanceInProgress))
	assert.True(t, c.rebalance.InProgress())

	c.rebalance.running.Store(false)
	_, err = c.rebalance.Rebalance(context.Background())
	assert.NoError(t, err)
	assert.False(t, c.rebalance.InProgress())
}
