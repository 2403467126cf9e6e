package membership

import (
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// Ring is the part of the routing table membership changes
type Ring interface {
	AddNode(node string) (bool, error)
	RemoveNode(node string) bool
}

// RingDelegate applies storage member joins and leaves to a ring. It never
// triggers a rebalance; operators do that explicitly.
type RingDelegate struct {
	ring       Ring
	autoRemove bool
	logger     *zap.Logger
}

// NewRingDelegate creates the coordinator's event delegate. Leaves only
// remove the node from the ring when autoRemove is set.
func NewRingDelegate(ring Ring, autoRemove bool, logger *zap.Logger) *RingDelegate {
	return &RingDelegate{
		ring:       ring,
		autoRemove: autoRemove,
		logger:     logger,
	}
}

// NotifyJoin is called when a member joins
func (d *RingDelegate) NotifyJoin(node *memberlist.Node) {
	address, ok := storageAddress(node)
	if !ok {
		d.logger.Debug("Ignoring non-storage member", zap.String("member", node.Name))
		return
	}
	d.add(node.Name, address)
}

// NotifyLeave is called when a member leaves or is declared dead
func (d *RingDelegate) NotifyLeave(node *memberlist.Node) {
	address, ok := storageAddress(node)
	if !ok {
		return
	}
	if !d.autoRemove {
		d.logger.Info("Storage node left, keeping it in the ring",
			zap.String("member", node.Name),
			zap.String("node", address))
		return
	}
	if d.ring.RemoveNode(address) {
		d.logger.Info("Storage node left, removed from the ring",
			zap.String("member", node.Name),
			zap.String("node", address))
	}
}

// NotifyUpdate is called when a member's metadata changes
func (d *RingDelegate) NotifyUpdate(node *memberlist.Node) {
	address, ok := storageAddress(node)
	if !ok {
		return
	}
	d.add(node.Name, address)
}

func (d *RingDelegate) add(member, address string) {
	added, err := d.ring.AddNode(address)
	if err != nil {
		d.logger.Warn("Failed to add discovered storage node",
			zap.String("member", member),
			zap.String("node", address),
			zap.Error(err))
		return
	}
	if added {
		d.logger.Info("Storage node joined, added to the ring",
			zap.String("member", member),
			zap.String("node", address))
	}
}

func storageAddress(node *memberlist.Node) (string, bool) {
	meta, ok := DecodeMeta(node.Meta)
	if !ok || meta.Role != RoleStorage || meta.Address == "" {
		return "", false
	}
	return meta.Address, true
}

// LogDelegate only logs membership changes. Node stores use it.
type LogDelegate struct {
	logger *zap.Logger
}

// NewLogDelegate creates a logging event delegate
func NewLogDelegate(logger *zap.Logger) *LogDelegate {
	return &LogDelegate{logger: logger}
}

// NotifyJoin is called when a member joins
func (d *LogDelegate) NotifyJoin(node *memberlist.Node) {
	d.logger.Info("Member joined",
		zap.String("member", node.Name),
		zap.String("addr", node.Address()))
}

// NotifyLeave is called when a member leaves
func (d *LogDelegate) NotifyLeave(node *memberlist.Node) {
	d.logger.Info("Member left", zap.String("member", node.Name))
}

// NotifyUpdate is called when a member is updated
func (d *LogDelegate) NotifyUpdate(node *memberlist.Node) {
	d.logger.Debug("Member updated", zap.String("member", node.Name))
}
