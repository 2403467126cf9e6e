package model

import "encoding/json"

// NodeOutcome is the per-node record of one fan-out call
type NodeOutcome struct {
	Node    string          `json:"node"`
	Success bool            `json:"success"`
	Value   json.RawMessage `json:"value,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// CountSuccesses returns how many outcomes succeeded
func CountSuccesses(outcomes []*NodeOutcome) int {
	n := 0
	for _, o := range outcomes {
		if o != nil && o.Success {
			n++
		}
	}
	return n
}

// RebalanceSummary accumulates the counters of one rebalance pass
type RebalanceSummary struct {
	TotalKeys        int `json:"total_keys"`
	RebalancedKeys   int `json:"rebalanced_keys"`
	RemovedKeys      int `json:"removed_keys"`
	TotalOperations  int `json:"total_operations"`
	FailedOperations int `json:"failed_operations"`
}
