package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	apierrors "github.com/devrev/shardkv/internal/errors"
	"github.com/devrev/shardkv/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_PutWritesTargetsOnly(t *testing.T) {
	c := newTestCluster(t, model.ModeRing, 4, 0.5, 0)
	ctx := context.Background()

	resp, err := c.coordinator.Put(ctx, "user:1", json.RawMessage(`{"name":"ada"}`))
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Replicas)
	assert.Equal(t, 2, resp.TargetReplicas)
	assert.Len(t, resp.Responses, 2)
	assert.JSONEq(t, `{"name":"ada"}`, string(resp.Value))

	for _, addr := range c.targets(t, "user:1") {
		assert.True(t, c.byAddr[addr].has("user:1"), "target %s", addr)
	}
	for _, node := range c.nonTargets(t, "user:1") {
		assert.False(t, node.has("user:1"), "non-target %s", node.addr)
	}
}

func TestCoordinator_GetReturnsWrittenValue(t *testing.T) {
	c := newTestCluster(t, model.ModeRing, 3, 0.67, 0)
	ctx := context.Background()

	_, err := c.coordinator.Put(ctx, "k", json.RawMessage(`42`))
	require.NoError(t, err)

	resp, err := c.coordinator.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "k", resp.Key)
	assert.JSONEq(t, `42`, string(resp.Value))
	assert.Equal(t, 2, resp.Replicas)
	assert.Zero(t, resp.QuorumSize)
	assert.GreaterOrEqual(t, model.CountSuccesses(resp.Responses), 1)
}

func TestCoordinator_GetAfterRemovingReplicas(t *testing.T) {
	c := newTestCluster(t, model.ModeRing, 5, 1.0, 0)
	ctx := context.Background()

	put, err := c.coordinator.Put(ctx, "k", json.RawMessage(`"full"`))
	require.NoError(t, err)
	require.Equal(t, 5, put.Replicas)

	for _, node := range c.nodes[:4] {
		require.True(t, c.routing.RemoveNode(node.addr))
	}

	resp, err := c.coordinator.Get(ctx, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `"full"`, string(resp.Value))
	assert.Equal(t, 1, resp.Replicas)
	assert.Equal(t, []string{c.nodes[4].addr}, c.targets(t, "k"))
}

func TestCoordinator_PutNullValue(t *testing.T) {
	c := newTestCluster(t, model.ModeRing, 2, 0.5, 0)
	ctx := context.Background()

	resp, err := c.coordinator.Put(ctx, "nothing", nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(resp.Value))

	got, err := c.coordinator.Get(ctx, "nothing")
	require.NoError(t, err)
	assert.Equal(t, "null", string(got.Value))
}

func TestCoordinator_GetSurvivesReplicaFailure(t *testing.T) {
	c := newTestCluster(t, model.ModeRing, 3, 0.67, 0)
	ctx := context.Background()

	_, err := c.coordinator.Put(ctx, "k", json.RawMessage(`"v"`))
	require.NoError(t, err)

	targets := c.targets(t, "k")
	c.byAddr[targets[0]].down.Store(true)

	for i := 0; i < 5; i++ {
		resp, err := c.coordinator.Get(ctx, "k")
		require.NoError(t, err)
		assert.JSONEq(t, `"v"`, string(resp.Value))
	}
}

func TestCoordinator_GetFallbackSweep(t *testing.T) {
	c := newTestCluster(t, model.ModeRing, 4, 0.25, 0)
	ctx := context.Background()

	// Key only lives on a node outside its replica set, as after a ring change.
	stray := c.nonTargets(t, "moved")[0]
	stray.set("moved", json.RawMessage(`"old-home"`))

	resp, err := c.coordinator.Get(ctx, "moved")
	require.NoError(t, err)
	assert.JSONEq(t, `"old-home"`, string(resp.Value))
	assert.Equal(t, 1, resp.Replicas)
	assert.GreaterOrEqual(t, len(resp.Responses), 2)
}

func TestCoordinator_GetMissingKey(t *testing.T) {
	c := newTestCluster(t, model.ModeRing, 3, 0.34, 0)

	_, err := c.coordinator.Get(context.Background(), "absent")
	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.ErrorCodeKeyNotFound))

	ce, ok := apierrors.AsCoordinatorError(err)
	require.True(t, ok)
	assert.Len(t, ce.Responses, 3)
	assert.Zero(t, model.CountSuccesses(ce.Responses))
}

func TestCoordinator_PutFailsWhenAllTargetsDown(t *testing.T) {
	c := newTestCluster(t, model.ModeRing, 3, 0.67, 0)
	for _, addr := range c.targets(t, "k") {
		c.byAddr[addr].down.Store(true)
	}

	_, err := c.coordinator.Put(context.Background(), "k", json.RawMessage(`1`))
	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.ErrorCodeWriteFailed))

	ce, _ := apierrors.AsCoordinatorError(err)
	require.Len(t, ce.Responses, 2)
	for _, o := range ce.Responses {
		assert.False(t, o.Success)
		assert.NotEmpty(t, o.Error)
	}
}

func TestCoordinator_PartialWriteSucceeds(t *testing.T) {
	c := newTestCluster(t, model.ModeRing, 3, 1, 0)
	c.nodes[0].down.Store(true)

	resp, err := c.coordinator.Put(context.Background(), "k", json.RawMessage(`1`))
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Replicas)
	assert.Equal(t, 3, resp.TargetReplicas)
	assert.Len(t, resp.Responses, 3)
}

func TestCoordinator_UnreachableNode(t *testing.T) {
	c := newTestCluster(t, model.ModeRing, 2, 1, 0)
	c.nodes[1].server.Close()

	resp, err := c.coordinator.Put(context.Background(), "k", json.RawMessage(`1`))
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Replicas)

	var failed *model.NodeOutcome
	for _, o := range resp.Responses {
		if !o.Success {
			failed = o
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, c.nodes[1].addr, failed.Node)
	assert.Contains(t, failed.Error, "unreachable")
}

func TestCoordinator_QuorumRead(t *testing.T) {
	c := newTestCluster(t, model.ModeQuorum, 5, 0.2, 3)
	ctx := context.Background()

	put, err := c.coordinator.Put(ctx, "k", json.RawMessage(`"q"`))
	require.NoError(t, err)
	assert.Equal(t, 5, put.Replicas)

	c.nodes[0].down.Store(true)
	c.nodes[1].down.Store(true)

	resp, err := c.coordinator.Get(ctx, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `"q"`, string(resp.Value))
	assert.Equal(t, 3, resp.QuorumSize)
	assert.Equal(t, 5, resp.Replicas)

	c.nodes[2].down.Store(true)

	_, err = c.coordinator.Get(ctx, "k")
	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.ErrorCodeQuorumNotReached))
	ce, _ := apierrors.AsCoordinatorError(err)
	assert.Equal(t, 2, model.CountSuccesses(ce.Responses))
}

func TestCoordinator_QuorumReadCountsMissingAsFailure(t *testing.T) {
	c := newTestCluster(t, model.ModeQuorum, 3, 1, 0)
	c.nodes[0].set("k", json.RawMessage(`1`))

	_, err := c.coordinator.Get(context.Background(), "k")
	assert.True(t, apierrors.Is(err, apierrors.ErrorCodeQuorumNotReached))
}

func TestCoordinator_QuorumReadReturnsEarly(t *testing.T) {
	c := newTestCluster(t, model.ModeQuorum, 5, 1, 3)
	ctx := context.Background()

	_, err := c.coordinator.Put(ctx, "k", json.RawMessage(`1`))
	require.NoError(t, err)

	c.nodes[3].delays.Store(int64(1500 * time.Millisecond))
	c.nodes[4].delays.Store(int64(1500 * time.Millisecond))

	start := time.Now()
	resp, err := c.coordinator.Get(ctx, "k")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 3, model.CountSuccesses(resp.Responses))
}

func TestCoordinator_Delete(t *testing.T) {
	c := newTestCluster(t, model.ModeRing, 4, 0.5, 0)
	ctx := context.Background()

	_, err := c.coordinator.Put(ctx, "k", json.RawMessage(`1`))
	require.NoError(t, err)

	resp, err := c.coordinator.Delete(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, 2, resp.Deleted)
	for _, node := range c.nodes {
		assert.False(t, node.has("k"))
	}

	_, err = c.coordinator.Delete(ctx, "k")
	assert.True(t, apierrors.Is(err, apierrors.ErrorCodeKeyNotFound))
}

func TestCoordinator_DeleteFallbackSweep(t *testing.T) {
	c := newTestCluster(t, model.ModeRing, 4, 0.25, 0)
	stray := c.nonTargets(t, "moved")[0]
	stray.set("moved", json.RawMessage(`1`))

	resp, err := c.coordinator.Delete(context.Background(), "moved")
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Deleted)
	assert.False(t, stray.has("moved"))
	assert.Len(t, resp.Responses, 4)
}

func TestCoordinator_KeysUnion(t *testing.T) {
	c := newTestCluster(t, model.ModeRing, 3, 0.34, 0)
	c.nodes[0].set("b", json.RawMessage(`1`))
	c.nodes[0].set("a", json.RawMessage(`1`))
	c.nodes[1].set("a", json.RawMessage(`1`))
	c.nodes[1].set("c", json.RawMessage(`1`))
	c.nodes[2].set("z", json.RawMessage(`1`))
	c.nodes[2].down.Store(true)

	assert.Equal(t, []string{"a", "b", "c"}, c.coordinator.Keys(context.Background()))
}

func TestCoordinator_StatsAndForceSync(t *testing.T) {
	c := newTestCluster(t, model.ModeQuorum, 3, 1, 0)
	ctx := context.Background()
	c.nodes[2].down.Store(true)

	stats := c.coordinator.Stats(ctx)
	assert.Equal(t, model.ModeQuorum, stats.Coordinator.Mode)
	assert.Equal(t, 3, stats.Coordinator.NodesConfigured)
	assert.Equal(t, 2, stats.Coordinator.NodesResponding)
	assert.Equal(t, 2, stats.Coordinator.QuorumSize)
	assert.Len(t, stats.Nodes, 2)
	assert.Len(t, stats.Sharding.VirtualNodeDistribution, 3)

	synced := c.coordinator.ForceSync(ctx)
	assert.Equal(t, "completed", synced.Status)
	assert.Len(t, synced.Results, 3)
	assert.Equal(t, 2, model.CountSuccesses(synced.Results))
	assert.Equal(t, int32(1), c.nodes[0].syncs.Load())
	assert.Contains(t, synced.Message, "2/3")
}

func TestCoordinator_ManyKeysSpreadAcrossNodes(t *testing.T) {
	c := newTestCluster(t, model.ModeRing, 4, 0.25, 0)
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		_, err := c.coordinator.Put(ctx, fmt.Sprintf("key-%d", i), json.RawMessage(`1`))
		require.NoError(t, err)
	}

	total := 0
	for _, node := range c.nodes {
		total += len(node.keys())
	}
	assert.Equal(t, 40, total)
}
