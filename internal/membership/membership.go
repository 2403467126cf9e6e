// Package membership discovers node stores over a memberlist gossip cluster.
// Node stores advertise their HTTP address in the member metadata and the
// coordinator turns joins and leaves into ring changes.
package membership

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/devrev/shardkv/internal/config"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// Roles carried in member metadata
const (
	RoleStorage     = "storage"
	RoleCoordinator = "coordinator"
)

// Meta is the metadata every member gossips about itself
type Meta struct {
	Role    string `json:"role"`
	Address string `json:"address,omitempty"`
}

// Service is a running memberlist instance
type Service struct {
	list   *memberlist.Memberlist
	meta   []byte
	logger *zap.Logger
}

// New creates the memberlist instance, advertising meta, and joins the seed
// nodes. A failed join is logged; the member keeps running and can be joined
// by others later. events may be nil.
func New(cfg config.GossipConfig, meta Meta, events memberlist.EventDelegate, logger *zap.Logger) (*Service, error) {
	encoded, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode member metadata: %w", err)
	}
	if len(encoded) > memberlist.MetaMaxSize {
		return nil, fmt.Errorf("member metadata is %d bytes, limit is %d", len(encoded), memberlist.MetaMaxSize)
	}

	s := &Service{
		meta:   encoded,
		logger: logger,
	}

	mlConfig := memberlist.DefaultLANConfig()
	if cfg.NodeName != "" {
		mlConfig.Name = cfg.NodeName
	}
	mlConfig.BindAddr = cfg.BindAddr
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	mlConfig.Delegate = s
	mlConfig.Events = events
	mlConfig.Logger = zap.NewStdLog(logger.Named("memberlist"))

	list, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	s.list = list

	if len(cfg.SeedNodes) > 0 {
		joined, err := s.Join(cfg.SeedNodes)
		if err != nil {
			logger.Warn("Failed to join some seed nodes",
				zap.Strings("seeds", cfg.SeedNodes),
				zap.Int("joined", joined),
				zap.Error(err))
		}
	}

	logger.Info("Gossip membership started",
		zap.String("name", mlConfig.Name),
		zap.String("address", s.LocalAddress()),
		zap.String("role", meta.Role))
	return s, nil
}

// LocalAddress returns the gossip address of this member
func (s *Service) LocalAddress() string {
	return s.list.LocalNode().Address()
}

// Join contacts the given gossip addresses
func (s *Service) Join(seeds []string) (int, error) {
	return s.list.Join(seeds)
}

// StorageNodes returns the HTTP addresses of live storage members. Members
// already known when an event delegate was attached are only visible here.
func (s *Service) StorageNodes() []string {
	var out []string
	for _, m := range s.list.Members() {
		meta, ok := DecodeMeta(m.Meta)
		if ok && meta.Role == RoleStorage && meta.Address != "" {
			out = append(out, meta.Address)
		}
	}
	return out
}

// Leave broadcasts a leave and shuts the member down
func (s *Service) Leave(timeout time.Duration) error {
	if err := s.list.Leave(timeout); err != nil {
		s.logger.Warn("Failed to broadcast leave", zap.Error(err))
	}
	return s.list.Shutdown()
}

// NodeMeta implements memberlist.Delegate
func (s *Service) NodeMeta(limit int) []byte {
	if len(s.meta) > limit {
		return nil
	}
	return s.meta
}

// NotifyMsg implements memberlist.Delegate
func (s *Service) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate
func (s *Service) GetBroadcasts(overhead, limit int) [][]byte { return nil }

// LocalState implements memberlist.Delegate
func (s *Service) LocalState(join bool) []byte { return nil }

// MergeRemoteState implements memberlist.Delegate
func (s *Service) MergeRemoteState(buf []byte, join bool) {}

// DecodeMeta parses member metadata. Members without valid metadata are
// reported as not ok.
func DecodeMeta(data []byte) (Meta, bool) {
	var meta Meta
	if len(data) == 0 {
		return meta, false
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, false
	}
	return meta, true
}
