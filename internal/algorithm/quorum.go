package algorithm

import "math"

// ReplicaCount returns how many distinct physical nodes replicate a key:
// round-half-even(totalNodes * replicationFactor), at least 1 and at most totalNodes.
func ReplicaCount(totalNodes int, replicationFactor float64) int {
	if totalNodes <= 0 {
		return 0
	}
	count := int(math.RoundToEven(float64(totalNodes) * replicationFactor))
	if count < 1 {
		count = 1
	}
	if count > totalNodes {
		count = totalNodes
	}
	return count
}

// QuorumSize returns the default read quorum for a fully replicated set
func QuorumSize(totalNodes int) int {
	return (totalNodes / 2) + 1
}

// EffectiveQuorum resolves a configured quorum size against the node count.
// A non-positive configured value selects the majority default.
func EffectiveQuorum(configured, totalNodes int) int {
	if configured <= 0 {
		return QuorumSize(totalNodes)
	}
	return configured
}

// IsQuorumReached checks if enough successes were collected
func IsQuorumReached(successCount, quorum int) bool {
	return successCount >= quorum
}
