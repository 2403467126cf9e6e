package service

import (
	"context"
	"slices"

	"github.com/devrev/shardkv/internal/client"
)

// inventory maps each key to the nodes that reported holding it
type inventory struct {
	holders map[string][]string // key -> nodes, configured order
	failed  []string
	calls   int
}

// collectInventory asks every node for its keys. Nodes that fail are recorded
// and skipped.
func collectInventory(ctx context.Context, fanout *FanOut, api NodeAPI, nodes []string) *inventory {
	result := fanout.All(ctx, "list_keys", nodes, func(ctx context.Context, node string) *client.NodeResponse {
		return api.ListKeys(ctx, node)
	})

	inv := &inventory{
		holders: make(map[string][]string),
		calls:   len(nodes),
	}
	for _, resp := range result.Responses {
		if !resp.Success {
			inv.failed = append(inv.failed, resp.NodeID)
			continue
		}
		for _, key := range resp.Keys {
			if !slices.Contains(inv.holders[key], resp.NodeID) {
				inv.holders[key] = append(inv.holders[key], resp.NodeID)
			}
		}
	}
	return inv
}

// Keys returns every inventoried key in sorted order
func (inv *inventory) Keys() []string {
	keys := make([]string, 0, len(inv.holders))
	for key := range inv.holders {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
