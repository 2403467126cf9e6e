package model

import "encoding/json"

// KeyValueRequest is the body of a PUT /key/{key}
type KeyValueRequest struct {
	Value json.RawMessage `json:"value"`
}

// GetResponse is returned by a successful read
type GetResponse struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	Replicas   int             `json:"replicas"`
	QuorumSize int             `json:"quorum_size,omitempty"`
	Responses  []*NodeOutcome  `json:"responses"`
}

// PutResponse is returned by a successful write
type PutResponse struct {
	Key            string          `json:"key"`
	Value          json.RawMessage `json:"value"`
	Replicas       int             `json:"replicas"`
	TargetReplicas int             `json:"target_replicas"`
	Responses      []*NodeOutcome  `json:"responses"`
}

// DeleteResponse is returned by a successful delete
type DeleteResponse struct {
	Status    string         `json:"status"`
	Message   string         `json:"message"`
	Deleted   int            `json:"deleted"`
	Responses []*NodeOutcome `json:"responses"`
}

// StatusResponse is a plain status acknowledgement
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// KeysResponse lists keys
type KeysResponse struct {
	Keys []string `json:"keys"`
}

// CoordinatorStats is the coordinator section of GET /stats
type CoordinatorStats struct {
	Mode              Mode    `json:"mode"`
	NodesConfigured   int     `json:"nodes_configured"`
	NodesResponding   int     `json:"nodes_responding"`
	ReplicationFactor float64 `json:"replication_factor"`
	VirtualNodes      int     `json:"virtual_nodes"`
	QuorumSize        int     `json:"quorum_size"`
}

// ShardingStats is the sharding section of GET /stats
type ShardingStats struct {
	VirtualNodeDistribution map[string]int `json:"virtual_node_distribution"`
}

// StatsResponse aggregates coordinator and node diagnostics
type StatsResponse struct {
	Coordinator CoordinatorStats           `json:"coordinator"`
	Sharding    ShardingStats              `json:"sharding"`
	Nodes       map[string]json.RawMessage `json:"nodes"`
}

// ForceSyncResponse reports a flush request sent to every node
type ForceSyncResponse struct {
	Status  string         `json:"status"`
	Message string         `json:"message"`
	Results []*NodeOutcome `json:"results"`
}

// ReconfigureResponse reports a ring reconfiguration
type ReconfigureResponse struct {
	Status    string     `json:"status"`
	Message   string     `json:"message"`
	OldConfig RingConfig `json:"old_config"`
	NewConfig RingConfig `json:"new_config"`
}

// NodeForKeyResponse describes where a key is placed
type NodeForKeyResponse struct {
	Key              string   `json:"key"`
	PrimaryNode      string   `json:"primary_node"`
	ResponsibleNodes []string `json:"responsible_nodes"`
	ReplicaCount     int      `json:"replica_count"`
}

// NodeKeysResponse lists the keys held by one node
type NodeKeysResponse struct {
	Node      string   `json:"node"`
	KeysCount int      `json:"keys_count"`
	Keys      []string `json:"keys"`
}

// RingResponse dumps the hash ring
type RingResponse struct {
	TotalNodes   int            `json:"total_nodes"`
	VirtualNodes int            `json:"virtual_nodes"`
	Ring         []RingEntry    `json:"ring"`
	Distribution map[string]int `json:"distribution"`
}

// ShardingInfo summarises the placement configuration
type ShardingInfo struct {
	Mode                Mode           `json:"mode"`
	TotalNodes          int            `json:"total_nodes"`
	ReplicationFactor   float64        `json:"replication_factor"`
	VirtualNodesPerNode int            `json:"virtual_nodes_per_node"`
	TotalVirtualNodes   int            `json:"total_virtual_nodes"`
	KeyDistribution     map[string]int `json:"key_distribution"`
}

// RebalanceResponse reports a completed rebalance pass
type RebalanceResponse struct {
	Status  string           `json:"status"`
	Message string           `json:"message"`
	Details RebalanceSummary `json:"details"`
}

// RootResponse is served on GET /
type RootResponse struct {
	Message           string   `json:"message"`
	Mode              Mode     `json:"mode"`
	Nodes             []string `json:"nodes"`
	ReplicationFactor float64  `json:"replication_factor"`
	VirtualNodes      int      `json:"virtual_nodes"`
}
