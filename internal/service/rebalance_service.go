package service

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	apierrors "github.com/devrev/shardkv/internal/errors"
	"github.com/devrev/shardkv/internal/metrics"
	"github.com/devrev/shardkv/internal/model"
	"go.uber.org/zap"
)

// RebalanceService moves keys onto the replica sets of the current ring.
// The pass takes no lock against live traffic; a write racing a rebalance may
// be undone or duplicated. Only one pass runs at a time.
type RebalanceService struct {
	routing *RoutingService
	nodes   NodeAPI
	fanout  *FanOut
	metrics *metrics.Metrics
	logger  *zap.Logger
	running atomic.Bool
}

// NewRebalanceService creates a new rebalance service
func NewRebalanceService(
	routing *RoutingService,
	nodes NodeAPI,
	fanout *FanOut,
	m *metrics.Metrics,
	logger *zap.Logger,
) *RebalanceService {
	return &RebalanceService{
		routing: routing,
		nodes:   nodes,
		fanout:  fanout,
		metrics: m,
		logger:  logger,
	}
}

// InProgress reports whether a pass is running
func (s *RebalanceService) InProgress() bool {
	return s.running.Load()
}

// Rebalance runs one pass and returns its counters
func (s *RebalanceService) Rebalance(ctx context.Context) (*model.RebalanceResponse, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, apierrors.RebalanceInProgress()
	}
	defer s.running.Store(false)

	start := time.Now()
	s.logger.Info("Starting rebalance")

	summary, err := s.run(ctx)
	status := "completed"
	if err != nil {
		status = "aborted"
	}
	s.metrics.RecordRebalance(status, time.Since(start).Seconds())

	if err != nil {
		s.logger.Error("Rebalance aborted", zap.Error(err))
		return nil, err
	}

	s.logger.Info("Rebalance completed",
		zap.Int("total_keys", summary.TotalKeys),
		zap.Int("rebalanced_keys", summary.RebalancedKeys),
		zap.Int("removed_keys", summary.RemovedKeys),
		zap.Int("failed_operations", summary.FailedOperations),
		zap.Duration("duration", time.Since(start)))

	return &model.RebalanceResponse{
		Status: "completed",
		Message: fmt.Sprintf("Rebalance completed: %d keys rebalanced, %d copies removed, %d operations failed",
			summary.RebalancedKeys, summary.RemovedKeys, summary.FailedOperations),
		Details: *summary,
	}, nil
}

func (s *RebalanceService) run(ctx context.Context) (*model.RebalanceSummary, error) {
	nodeList := s.routing.Snapshot().Nodes
	inv := collectInventory(ctx, s.fanout, s.nodes, nodeList)

	summary := &model.RebalanceSummary{
		TotalOperations:  inv.calls,
		FailedOperations: len(inv.failed),
	}
	for _, node := range inv.failed {
		s.metrics.RecordRebalanceOp("list_keys", false)
		s.logger.Warn("Skipping node during rebalance inventory", zap.String("node", node))
	}

	keys := inv.Keys()
	summary.TotalKeys = len(keys)
	if len(keys) == 0 {
		return summary, nil
	}

	targets, err := s.routing.TargetsFor(keys)
	if err != nil {
		return nil, err
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, apierrors.InternalError("rebalance cancelled", err)
		}
		s.rebalanceKey(ctx, key, nodeList, inv.holders[key], targets[key], summary)
	}
	return summary, nil
}

func (s *RebalanceService) rebalanceKey(
	ctx context.Context,
	key string,
	nodeList, holders, targets []string,
	summary *model.RebalanceSummary,
) {
	value, ok := s.readValue(ctx, key, nodeList, summary)
	if !ok {
		s.logger.Debug("Key vanished before rebalance", zap.String("key", key))
		return
	}

	for _, node := range holders {
		if slices.Contains(targets, node) {
			continue
		}
		resp := s.nodes.Delete(ctx, node, key)
		summary.TotalOperations++
		s.metrics.RecordRebalanceOp("delete", resp.Success)
		if resp.Success {
			summary.RemovedKeys++
		} else {
			summary.FailedOperations++
			s.logger.Warn("Failed to remove misplaced key",
				zap.String("key", key),
				zap.String("node", node),
				zap.Error(resp.Err))
		}
	}

	for _, node := range targets {
		check := s.nodes.Get(ctx, node, key)
		summary.TotalOperations++
		if check.Success {
			continue
		}

		resp := s.nodes.Put(ctx, node, key, value)
		summary.TotalOperations++
		s.metrics.RecordRebalanceOp("put", resp.Success)
		if resp.Success {
			summary.RebalancedKeys++
		} else {
			summary.FailedOperations++
			s.logger.Warn("Failed to copy key to target",
				zap.String("key", key),
				zap.String("node", node),
				zap.Error(resp.Err))
		}
	}
}

// readValue takes the value from the first node, in configured order, that returns it
func (s *RebalanceService) readValue(
	ctx context.Context,
	key string,
	nodeList []string,
	summary *model.RebalanceSummary,
) (json.RawMessage, bool) {
	for _, node := range nodeList {
		resp := s.nodes.Get(ctx, node, key)
		summary.TotalOperations++
		if resp.Success {
			return valueOrNull(resp.Value), true
		}
	}
	return nil, false
}
