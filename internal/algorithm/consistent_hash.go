package algorithm

import (
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/devrev/shardkv/internal/model"
)

// ErrEmptyRing is returned by lookups on a ring without physical nodes
var ErrEmptyRing = errors.New("hash ring has no nodes")

// HashRing implements consistent hashing with virtual nodes
type HashRing struct {
	vnodes       []model.VirtualNode // Sorted by position
	nodeVNodes   map[string]int      // NodeID -> vnodes placed on the ring
	virtualNodes int
	mu           sync.RWMutex
}

// NewHashRing builds a ring for the given nodes
func NewHashRing(nodes []string, virtualNodes int) *HashRing {
	r := &HashRing{}
	r.Build(nodes, virtualNodes)
	return r
}

// Build replaces the ring contents with a fresh layout for nodes
func (r *HashRing) Build(nodes []string, virtualNodes int) {
	if virtualNodes < 1 {
		virtualNodes = 1
	}

	vnodes := make([]model.VirtualNode, 0, len(nodes)*virtualNodes)
	seen := make(map[string]bool, len(nodes))
	for _, nodeID := range nodes {
		if nodeID == "" || seen[nodeID] {
			continue
		}
		seen[nodeID] = true
		vnodes = append(vnodes, generateVNodes(nodeID, virtualNodes)...)
	}

	// Stable sort keeps insertion order among equal positions, the first one wins
	sort.SliceStable(vnodes, func(i, j int) bool {
		return vnodes[i].Position.Less(vnodes[j].Position)
	})
	deduped := vnodes[:0]
	for i, vn := range vnodes {
		if i > 0 && vn.Position == deduped[len(deduped)-1].Position {
			continue
		}
		deduped = append(deduped, vn)
	}

	nodeVNodes := make(map[string]int, len(seen))
	for nodeID := range seen {
		nodeVNodes[nodeID] = 0
	}
	for _, vn := range deduped {
		nodeVNodes[vn.NodeID]++
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.vnodes = deduped
	r.nodeVNodes = nodeVNodes
	r.virtualNodes = virtualNodes
}

// AddNode inserts the virtual nodes of nodeID in sorted order.
// Returns false when the node is already on the ring.
func (r *HashRing) AddNode(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodeVNodes[nodeID]; exists {
		return false
	}

	placed := 0
	for _, vn := range generateVNodes(nodeID, r.virtualNodes) {
		idx := r.search(vn.Position)
		if idx < len(r.vnodes) && r.vnodes[idx].Position == vn.Position {
			continue
		}
		r.vnodes = slices.Insert(r.vnodes, idx, vn)
		placed++
	}
	r.nodeVNodes[nodeID] = placed
	return true
}

// RemoveNode removes a physical node and its virtual nodes.
// Returns false when the node was not on the ring.
func (r *HashRing) RemoveNode(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodeVNodes[nodeID]; !exists {
		return false
	}

	r.vnodes = slices.DeleteFunc(r.vnodes, func(vn model.VirtualNode) bool {
		return vn.NodeID == nodeID
	})
	delete(r.nodeVNodes, nodeID)
	return true
}

// PrimaryNode returns the physical node owning key
func (r *HashRing) PrimaryNode(key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.vnodes) == 0 {
		return "", ErrEmptyRing
	}
	return r.vnodes[r.primaryIndex(key)].NodeID, nil
}

// ReplicaNodes returns up to count distinct physical nodes for key, in ring order
func (r *HashRing) ReplicaNodes(key string, count int) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.vnodes) == 0 {
		return nil, ErrEmptyRing
	}
	if count > len(r.nodeVNodes) {
		count = len(r.nodeVNodes)
	}
	if count < 0 {
		count = 0
	}

	nodes := make([]string, 0, count)
	seen := make(map[string]bool, count)
	start := r.primaryIndex(key)

	for i := 0; i < len(r.vnodes) && len(nodes) < count; i++ {
		vn := r.vnodes[(start+i)%len(r.vnodes)]
		if !seen[vn.NodeID] {
			seen[vn.NodeID] = true
			nodes = append(nodes, vn.NodeID)
		}
	}

	return nodes, nil
}

// NodeDistribution returns the number of virtual nodes per physical node
func (r *HashRing) NodeDistribution() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dist := make(map[string]int, len(r.nodeVNodes))
	for nodeID, n := range r.nodeVNodes {
		dist[nodeID] = n
	}
	return dist
}

// Entries returns up to limit virtual nodes in position order; limit <= 0 means all
func (r *HashRing) Entries(limit int) []model.VirtualNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.vnodes)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.VirtualNode, n)
	copy(out, r.vnodes[:n])
	return out
}

// Len returns the number of virtual nodes on the ring
func (r *HashRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.vnodes)
}

// NodeCount returns the number of physical nodes
func (r *HashRing) NodeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodeVNodes)
}

// VirtualNodesPerNode returns the vnode count used for new nodes
func (r *HashRing) VirtualNodesPerNode() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.virtualNodes
}

// Hash computes the ring position of key
func Hash(key string) model.Position {
	sum := md5.Sum([]byte(key))
	return model.Position{
		Hi: binary.BigEndian.Uint64(sum[:8]),
		Lo: binary.BigEndian.Uint64(sum[8:]),
	}
}

// primaryIndex finds the first vnode at or after hash(key), wrapping to 0.
// Caller must hold the lock and ensure the ring is non-empty.
func (r *HashRing) primaryIndex(key string) int {
	idx := r.search(Hash(key))
	if idx >= len(r.vnodes) {
		idx = 0
	}
	return idx
}

func (r *HashRing) search(pos model.Position) int {
	return sort.Search(len(r.vnodes), func(i int) bool {
		return !r.vnodes[i].Position.Less(pos)
	})
}

// generateVNodes derives the virtual nodes of nodeID (format: nodeID:i)
func generateVNodes(nodeID string, count int) []model.VirtualNode {
	vnodes := make([]model.VirtualNode, 0, count)
	for i := 0; i < count; i++ {
		vnodeID := fmt.Sprintf("%s:%d", nodeID, i)
		vnodes = append(vnodes, model.VirtualNode{
			VNodeID:  vnodeID,
			Position: Hash(vnodeID),
			NodeID:   nodeID,
		})
	}
	return vnodes
}
