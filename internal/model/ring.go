package model

import (
	"math/big"
)

// Mode selects how the coordinator places and reads keys
type Mode string

const (
	// ModeRing shards keys over a replica subset chosen by the hash ring
	ModeRing Mode = "ring"
	// ModeQuorum replicates every key on every node and reads with a quorum
	ModeQuorum Mode = "quorum"
)

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	return m == ModeRing || m == ModeQuorum
}

// Position is a point on the 128-bit hash ring
type Position struct {
	Hi uint64
	Lo uint64
}

// Compare returns -1, 0 or 1 when p is less than, equal to or greater than o
func (p Position) Compare(o Position) int {
	switch {
	case p.Hi < o.Hi:
		return -1
	case p.Hi > o.Hi:
		return 1
	case p.Lo < o.Lo:
		return -1
	case p.Lo > o.Lo:
		return 1
	default:
		return 0
	}
}

// Less reports whether p sorts before o
func (p Position) Less(o Position) bool {
	return p.Compare(o) < 0
}

// String renders the position as an unsigned decimal integer
func (p Position) String() string {
	v := new(big.Int).SetUint64(p.Hi)
	v.Lsh(v, 64)
	v.Or(v, new(big.Int).SetUint64(p.Lo))
	return v.String()
}

// VirtualNode represents one position owned by a physical node
type VirtualNode struct {
	VNodeID  string
	Position Position
	NodeID   string
}

// RingConfig holds the placement policy applied to the ring
type RingConfig struct {
	ReplicationFactor float64 `json:"replication_factor"`
	VirtualNodes      int     `json:"virtual_nodes"`
}

// RingEntry is the JSON form of a virtual node in ring dumps
type RingEntry struct {
	Node     string `json:"node"`
	Position string `json:"position"`
}
