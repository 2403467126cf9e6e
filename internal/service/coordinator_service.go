package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/devrev/shardkv/internal/algorithm"
	"github.com/devrev/shardkv/internal/client"
	apierrors "github.com/devrev/shardkv/internal/errors"
	"github.com/devrev/shardkv/internal/metrics"
	"github.com/devrev/shardkv/internal/model"
	"go.uber.org/zap"
)

// NodeAPI is the node store contract used by the coordinator
type NodeAPI interface {
	Get(ctx context.Context, node, key string) *client.NodeResponse
	Put(ctx context.Context, node, key string, value json.RawMessage) *client.NodeResponse
	Delete(ctx context.Context, node, key string) *client.NodeResponse
	ListKeys(ctx context.Context, node string) *client.NodeResponse
	Stats(ctx context.Context, node string) *client.NodeResponse
	ForceSync(ctx context.Context, node string) *client.NodeResponse
}

// CoordinatorService serves keyed operations by fanning out to node stores
type CoordinatorService struct {
	routing *RoutingService
	nodes   NodeAPI
	fanout  *FanOut
	metrics *metrics.Metrics
	logger  *zap.Logger
	shuffle func([]string)
}

// NewCoordinatorService creates a new coordinator service
func NewCoordinatorService(
	routing *RoutingService,
	nodes NodeAPI,
	fanout *FanOut,
	m *metrics.Metrics,
	logger *zap.Logger,
) *CoordinatorService {
	return &CoordinatorService{
		routing: routing,
		nodes:   nodes,
		fanout:  fanout,
		metrics: m,
		logger:  logger,
		shuffle: func(s []string) {
			rand.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
		},
	}
}

// Get reads key. Ring mode takes the first replica that answers and sweeps the
// other nodes if none does; quorum mode needs quorum_size successful reads.
func (s *CoordinatorService) Get(ctx context.Context, key string) (*model.GetResponse, error) {
	start := time.Now()
	resp, err := s.get(ctx, key)
	s.metrics.RecordRequest("get", resultLabel(err), time.Since(start).Seconds())
	return resp, err
}

func (s *CoordinatorService) get(ctx context.Context, key string) (*model.GetResponse, error) {
	placement, err := s.routing.Place(key)
	if err != nil {
		return nil, err
	}

	nodes := slices.Clone(placement.Targets)
	s.shuffle(nodes)

	getCall := func(ctx context.Context, node string) *client.NodeResponse {
		return s.nodes.Get(ctx, node, key)
	}

	if s.routing.Mode() == model.ModeQuorum {
		result := s.fanout.FirstN(ctx, "get", nodes, placement.Quorum, getCall)
		outcomes := client.Outcomes(result.Responses)
		successes := model.CountSuccesses(outcomes)

		if !algorithm.IsQuorumReached(successes, placement.Quorum) {
			s.metrics.RecordQuorumFailure("get")
			s.logger.Warn("Read quorum not reached",
				zap.String("key", key),
				zap.Int("successes", successes),
				zap.Int("quorum", placement.Quorum))
			return nil, apierrors.QuorumNotReached(key, successes, placement.Quorum).
				WithResponses(outcomes)
		}

		return &model.GetResponse{
			Key:        key,
			Value:      valueOrNull(result.First().Value),
			Replicas:   len(placement.Targets),
			QuorumSize: placement.Quorum,
			Responses:  outcomes,
		}, nil
	}

	result := s.fanout.FirstN(ctx, "get", nodes, 1, getCall)
	responses := result.Responses
	found := result.First()

	if found == nil && len(placement.Others) > 0 {
		sweep := s.fanout.FirstN(ctx, "get", placement.Others, 1, getCall)
		responses = append(responses, sweep.Responses...)
		found = sweep.First()
		s.metrics.RecordFallbackSweep("get", found != nil)

		if found != nil {
			s.logger.Warn("Key found outside its replica set",
				zap.String("key", key),
				zap.String("node", found.NodeID))
		}
	}

	if found == nil {
		return nil, apierrors.KeyNotFound(key).WithResponses(client.Outcomes(responses))
	}

	return &model.GetResponse{
		Key:       key,
		Value:     valueOrNull(found.Value),
		Replicas:  len(placement.Targets),
		Responses: client.Outcomes(responses),
	}, nil
}

// Put writes value to every target node. One accepted write is enough.
func (s *CoordinatorService) Put(ctx context.Context, key string, value json.RawMessage) (*model.PutResponse, error) {
	start := time.Now()
	resp, err := s.put(ctx, key, value)
	s.metrics.RecordRequest("put", resultLabel(err), time.Since(start).Seconds())
	return resp, err
}

func (s *CoordinatorService) put(ctx context.Context, key string, value json.RawMessage) (*model.PutResponse, error) {
	placement, err := s.routing.Place(key)
	if err != nil {
		return nil, err
	}
	value = valueOrNull(value)

	s.logger.Debug("Writing to replicas",
		zap.String("key", key),
		zap.Strings("targets", placement.Targets))

	result := s.fanout.All(ctx, "put", placement.Targets, func(ctx context.Context, node string) *client.NodeResponse {
		return s.nodes.Put(ctx, node, key, value)
	})
	outcomes := client.Outcomes(result.Responses)

	if result.Successes == 0 {
		s.logger.Error("Write failed on every replica",
			zap.String("key", key),
			zap.Int("target_replicas", len(placement.Targets)))
		return nil, apierrors.WriteFailed(key, len(placement.Targets)).WithResponses(outcomes)
	}

	if result.Successes < len(placement.Targets) {
		s.logger.Warn("Partial write",
			zap.String("key", key),
			zap.Int("successful_writes", result.Successes),
			zap.Int("target_replicas", len(placement.Targets)))
	}

	return &model.PutResponse{
		Key:            key,
		Value:          value,
		Replicas:       result.Successes,
		TargetReplicas: len(placement.Targets),
		Responses:      outcomes,
	}, nil
}

// Delete removes key from its targets, sweeping the other nodes when no target
// confirmed the delete.
func (s *CoordinatorService) Delete(ctx context.Context, key string) (*model.DeleteResponse, error) {
	start := time.Now()
	resp, err := s.delete(ctx, key)
	s.metrics.RecordRequest("delete", resultLabel(err), time.Since(start).Seconds())
	return resp, err
}

func (s *CoordinatorService) delete(ctx context.Context, key string) (*model.DeleteResponse, error) {
	placement, err := s.routing.Place(key)
	if err != nil {
		return nil, err
	}

	deleteCall := func(ctx context.Context, node string) *client.NodeResponse {
		return s.nodes.Delete(ctx, node, key)
	}

	result := s.fanout.All(ctx, "delete", placement.Targets, deleteCall)
	responses := result.Responses
	deleted := result.Successes

	if deleted == 0 && len(placement.Others) > 0 {
		sweep := s.fanout.All(ctx, "delete", placement.Others, deleteCall)
		responses = append(responses, sweep.Responses...)
		deleted = sweep.Successes
		s.metrics.RecordFallbackSweep("delete", deleted > 0)
	}

	if deleted == 0 {
		return nil, apierrors.KeyNotFound(key).WithResponses(client.Outcomes(responses))
	}

	return &model.DeleteResponse{
		Status:    "success",
		Message:   fmt.Sprintf("Key '%s' deleted from %d nodes", key, deleted),
		Deleted:   deleted,
		Responses: client.Outcomes(responses),
	}, nil
}

// Keys returns the sorted union of every reachable node's keys
func (s *CoordinatorService) Keys(ctx context.Context) []string {
	inv := collectInventory(ctx, s.fanout, s.nodes, s.routing.Snapshot().Nodes)
	return inv.Keys()
}

// Stats aggregates coordinator configuration and node diagnostics
func (s *CoordinatorService) Stats(ctx context.Context) *model.StatsResponse {
	topo := s.routing.Snapshot()

	result := s.fanout.All(ctx, "stats", topo.Nodes, s.nodes.Stats)
	nodeStats := make(map[string]json.RawMessage, len(topo.Nodes))
	for _, resp := range result.Responses {
		if resp.Success {
			nodeStats[resp.NodeID] = valueOrNull(resp.Body)
		}
	}

	quorum := 0
	if topo.Mode == model.ModeQuorum {
		quorum = topo.QuorumSize
	}

	return &model.StatsResponse{
		Coordinator: model.CoordinatorStats{
			Mode:              topo.Mode,
			NodesConfigured:   len(topo.Nodes),
			NodesResponding:   len(nodeStats),
			ReplicationFactor: topo.Config.ReplicationFactor,
			VirtualNodes:      topo.Config.VirtualNodes,
			QuorumSize:        quorum,
		},
		Sharding: model.ShardingStats{
			VirtualNodeDistribution: s.routing.Distribution(),
		},
		Nodes: nodeStats,
	}
}

// ForceSync asks every node to flush its write-back batch
func (s *CoordinatorService) ForceSync(ctx context.Context) *model.ForceSyncResponse {
	nodes := s.routing.Snapshot().Nodes
	result := s.fanout.All(ctx, "force_sync", nodes, s.nodes.ForceSync)

	s.logger.Info("Force sync completed",
		zap.Int("successes", result.Successes),
		zap.Int("nodes", len(nodes)))

	return &model.ForceSyncResponse{
		Status:  "completed",
		Message: fmt.Sprintf("Force sync completed on %d/%d nodes", result.Successes, len(nodes)),
		Results: client.Outcomes(result.Responses),
	}
}

func valueOrNull(v json.RawMessage) json.RawMessage {
	if len(v) == 0 {
		return json.RawMessage("null")
	}
	return v
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return string(apierrors.GetCode(err))
}
