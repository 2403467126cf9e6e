package service

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/devrev/shardkv/internal/algorithm"
	apierrors "github.com/devrev/shardkv/internal/errors"
	"github.com/devrev/shardkv/internal/metrics"
	"github.com/devrev/shardkv/internal/model"
	"go.uber.org/zap"
)

// Topology is a consistent copy of the routing state
type Topology struct {
	Mode       model.Mode
	Nodes      []string
	Config     model.RingConfig
	QuorumSize int
}

// Placement is the routing decision for one key, taken from a single topology view
type Placement struct {
	Key     string
	Targets []string // ring order
	Others  []string // remaining nodes, configured order
	Quorum  int
}

// RoutingService owns the hash ring, the node list and the ring configuration.
// All three change together under mu, so lookups see either the old or the new state.
type RoutingService struct {
	mode       model.Mode
	ring       *algorithm.HashRing
	nodes      []string
	config     model.RingConfig
	quorumSize int
	mu         sync.RWMutex
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewRoutingService builds the ring for the initial node list
func NewRoutingService(
	mode model.Mode,
	nodes []string,
	cfg model.RingConfig,
	quorumSize int,
	m *metrics.Metrics,
	logger *zap.Logger,
) *RoutingService {
	deduped := make([]string, 0, len(nodes))
	for _, n := range nodes {
		n = strings.TrimSpace(n)
		if n != "" && !slices.Contains(deduped, n) {
			deduped = append(deduped, n)
		}
	}

	rs := &RoutingService{
		mode:       mode,
		ring:       algorithm.NewHashRing(deduped, cfg.VirtualNodes),
		nodes:      deduped,
		config:     cfg,
		quorumSize: quorumSize,
		metrics:    m,
		logger:     logger,
	}
	rs.metrics.UpdateRing(len(deduped), rs.ring.Len())
	return rs
}

// ValidateRingConfig rejects replication factors outside (0, 1] and vnode counts below 1
func ValidateRingConfig(cfg model.RingConfig) error {
	if math.IsNaN(cfg.ReplicationFactor) || cfg.ReplicationFactor <= 0 || cfg.ReplicationFactor > 1 {
		return apierrors.InvalidConfiguration(
			fmt.Sprintf("replication_factor must be in (0, 1], got %v", cfg.ReplicationFactor)).
			WithDetail("replication_factor", cfg.ReplicationFactor)
	}
	if cfg.VirtualNodes < 1 {
		return apierrors.InvalidConfiguration(
			fmt.Sprintf("virtual_nodes must be at least 1, got %d", cfg.VirtualNodes)).
			WithDetail("virtual_nodes", cfg.VirtualNodes)
	}
	return nil
}

// Mode returns the placement mode
func (s *RoutingService) Mode() model.Mode {
	return s.mode
}

// Snapshot returns a copy of the current topology
func (s *RoutingService) Snapshot() Topology {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Topology{
		Mode:       s.mode,
		Nodes:      slices.Clone(s.nodes),
		Config:     s.config,
		QuorumSize: algorithm.EffectiveQuorum(s.quorumSize, len(s.nodes)),
	}
}

// TargetNodes returns the replica set for key under the current ring
func (s *RoutingService) TargetNodes(key string) ([]string, error) {
	p, err := s.Place(key)
	if err != nil {
		return nil, err
	}
	return p.Targets, nil
}

// Place computes the targets of key and the remaining nodes from one topology view
func (s *RoutingService) Place(key string) (*Placement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	targets, err := s.targetsLocked(key)
	if err != nil {
		return nil, err
	}

	others := make([]string, 0, len(s.nodes)-len(targets))
	for _, n := range s.nodes {
		if !slices.Contains(targets, n) {
			others = append(others, n)
		}
	}

	return &Placement{
		Key:     key,
		Targets: targets,
		Others:  others,
		Quorum:  algorithm.EffectiveQuorum(s.quorumSize, len(s.nodes)),
	}, nil
}

// TargetsFor computes targets for many keys under one read lock
func (s *RoutingService) TargetsFor(keys []string) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]string, len(keys))
	for _, key := range keys {
		targets, err := s.targetsLocked(key)
		if err != nil {
			return nil, err
		}
		out[key] = targets
	}
	return out, nil
}

// PrimaryNode returns the node owning key's first virtual node
func (s *RoutingService) PrimaryNode(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, err := s.ring.PrimaryNode(key)
	if err != nil {
		return "", apierrors.EmptyRing(err)
	}
	return node, nil
}

func (s *RoutingService) targetsLocked(key string) ([]string, error) {
	count := len(s.nodes)
	if s.mode == model.ModeRing {
		count = algorithm.ReplicaCount(len(s.nodes), s.config.ReplicationFactor)
	}

	targets, err := s.ring.ReplicaNodes(key, count)
	if err != nil {
		return nil, apierrors.EmptyRing(err)
	}
	return targets, nil
}

// Reconfigure validates cfg and rebuilds the ring from scratch
func (s *RoutingService) Reconfigure(cfg model.RingConfig) (model.RingConfig, error) {
	if err := ValidateRingConfig(cfg); err != nil {
		return model.RingConfig{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.config
	ring := algorithm.NewHashRing(s.nodes, cfg.VirtualNodes)
	s.ring = ring
	s.config = cfg
	s.metrics.UpdateRing(len(s.nodes), ring.Len())

	s.logger.Info("Ring reconfigured",
		zap.Float64("old_replication_factor", old.ReplicationFactor),
		zap.Float64("replication_factor", cfg.ReplicationFactor),
		zap.Int("old_virtual_nodes", old.VirtualNodes),
		zap.Int("virtual_nodes", cfg.VirtualNodes))

	return old, nil
}

// AddNode adds node to the node list and the ring. Returns false if already present.
func (s *RoutingService) AddNode(node string) (bool, error) {
	node = strings.TrimSpace(node)
	if node == "" {
		return false, apierrors.InvalidRequest("node address is required", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if slices.Contains(s.nodes, node) {
		return false, nil
	}
	s.nodes = append(s.nodes, node)
	s.ring.AddNode(node)
	s.metrics.UpdateRing(len(s.nodes), s.ring.Len())

	s.logger.Info("Node added to ring",
		zap.String("node", node),
		zap.Int("total_nodes", len(s.nodes)))
	return true, nil
}

// RemoveNode removes node from the node list and the ring. Returns false if absent.
func (s *RoutingService) RemoveNode(node string) bool {
	node = strings.TrimSpace(node)

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.Index(s.nodes, node)
	if idx < 0 {
		return false
	}
	s.nodes = slices.Delete(s.nodes, idx, idx+1)
	s.ring.RemoveNode(node)
	s.metrics.UpdateRing(len(s.nodes), s.ring.Len())

	s.logger.Info("Node removed from ring",
		zap.String("node", node),
		zap.Int("total_nodes", len(s.nodes)))
	return true
}

// HasNode reports whether node is configured
func (s *RoutingService) HasNode(node string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.nodes, node)
}

// RingEntries returns up to limit virtual nodes in position order
func (s *RoutingService) RingEntries(limit int) []model.VirtualNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.Entries(limit)
}

// Distribution returns the vnode count per physical node
func (s *RoutingService) Distribution() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.NodeDistribution()
}

// TotalVirtualNodes returns the ring size
func (s *RoutingService) TotalVirtualNodes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.Len()
}
