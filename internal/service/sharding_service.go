package service

import (
	"context"
	"fmt"
	"strings"

	apierrors "github.com/devrev/shardkv/internal/errors"
	"github.com/devrev/shardkv/internal/model"
	"go.uber.org/zap"
)

const ringDumpLimit = 100

// ShardingService serves topology administration and ring diagnostics
type ShardingService struct {
	routing *RoutingService
	nodes   NodeAPI
	fanout  *FanOut
	logger  *zap.Logger
}

// NewShardingService creates a new sharding service
func NewShardingService(routing *RoutingService, nodes NodeAPI, fanout *FanOut, logger *zap.Logger) *ShardingService {
	return &ShardingService{
		routing: routing,
		nodes:   nodes,
		fanout:  fanout,
		logger:  logger,
	}
}

// Reconfigure replaces the ring configuration. Data is not moved until a rebalance runs.
func (s *ShardingService) Reconfigure(cfg model.RingConfig) (*model.ReconfigureResponse, error) {
	old, err := s.routing.Reconfigure(cfg)
	if err != nil {
		return nil, err
	}

	return &model.ReconfigureResponse{
		Status:    "success",
		Message:   "Sharding configuration updated",
		OldConfig: old,
		NewConfig: cfg,
	}, nil
}

// AddNode adds node to the ring
func (s *ShardingService) AddNode(node string) (*model.StatusResponse, error) {
	added, err := s.routing.AddNode(node)
	if err != nil {
		return nil, err
	}
	if !added {
		return &model.StatusResponse{
			Status:  "warning",
			Message: fmt.Sprintf("Node %s is already part of the ring", node),
		}, nil
	}
	return &model.StatusResponse{
		Status:  "success",
		Message: fmt.Sprintf("Node %s added to the ring", node),
	}, nil
}

// RemoveNode removes node from the ring
func (s *ShardingService) RemoveNode(node string) *model.StatusResponse {
	if !s.routing.RemoveNode(node) {
		return &model.StatusResponse{
			Status:  "warning",
			Message: fmt.Sprintf("Node %s is not part of the ring", node),
		}
	}
	return &model.StatusResponse{
		Status:  "success",
		Message: fmt.Sprintf("Node %s removed from the ring", node),
	}
}

// NodeForKey reports the primary and the replica set of key
func (s *ShardingService) NodeForKey(key string) (*model.NodeForKeyResponse, error) {
	placement, err := s.routing.Place(key)
	if err != nil {
		return nil, err
	}

	return &model.NodeForKeyResponse{
		Key:              key,
		PrimaryNode:      placement.Targets[0],
		ResponsibleNodes: placement.Targets,
		ReplicaCount:     len(placement.Targets),
	}, nil
}

// NodeKeys lists the keys stored on one configured node
func (s *ShardingService) NodeKeys(ctx context.Context, node string) (*model.NodeKeysResponse, error) {
	node = strings.TrimSpace(node)
	if !s.routing.HasNode(node) {
		return nil, apierrors.NodeNotFound(node)
	}

	resp := s.nodes.ListKeys(ctx, node)
	if !resp.Success {
		if _, ok := apierrors.AsCoordinatorError(resp.Err); ok {
			return nil, resp.Err
		}
		return nil, apierrors.NodeUnreachable(node, resp.Err)
	}

	keys := resp.Keys
	if keys == nil {
		keys = []string{}
	}
	return &model.NodeKeysResponse{
		Node:      node,
		KeysCount: len(keys),
		Keys:      keys,
	}, nil
}

// Ring dumps the first positions of the hash ring and the vnode distribution
func (s *ShardingService) Ring() *model.RingResponse {
	topo := s.routing.Snapshot()
	vnodes := s.routing.RingEntries(ringDumpLimit)

	entries := make([]model.RingEntry, 0, len(vnodes))
	for _, vn := range vnodes {
		entries = append(entries, model.RingEntry{
			Node:     vn.NodeID,
			Position: vn.Position.String(),
		})
	}

	return &model.RingResponse{
		TotalNodes:   len(topo.Nodes),
		VirtualNodes: s.routing.TotalVirtualNodes(),
		Ring:         entries,
		Distribution: s.routing.Distribution(),
	}
}

// Info reports the placement configuration and how many stored keys each node is responsible for
func (s *ShardingService) Info(ctx context.Context) (*model.ShardingInfo, error) {
	topo := s.routing.Snapshot()
	inv := collectInventory(ctx, s.fanout, s.nodes, topo.Nodes)

	distribution := make(map[string]int, len(topo.Nodes))
	for _, node := range topo.Nodes {
		distribution[node] = 0
	}

	keys := inv.Keys()
	if len(keys) > 0 {
		targets, err := s.routing.TargetsFor(keys)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			for _, node := range targets[key] {
				if _, ok := distribution[node]; ok {
					distribution[node]++
				}
			}
		}
	}

	return &model.ShardingInfo{
		Mode:                topo.Mode,
		TotalNodes:          len(topo.Nodes),
		ReplicationFactor:   topo.Config.ReplicationFactor,
		VirtualNodesPerNode: topo.Config.VirtualNodes,
		TotalVirtualNodes:   s.routing.TotalVirtualNodes(),
		KeyDistribution:     distribution,
	}, nil
}

// Root describes the coordinator
func (s *ShardingService) Root() *model.RootResponse {
	topo := s.routing.Snapshot()
	return &model.RootResponse{
		Message:           "shardkv coordinator",
		Mode:              topo.Mode,
		Nodes:             topo.Nodes,
		ReplicationFactor: topo.Config.ReplicationFactor,
		VirtualNodes:      topo.Config.VirtualNodes,
	}
}
