package service

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devrev/shardkv/internal/client"
	"github.com/devrev/shardkv/internal/model"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeNode is an in-memory node store served over HTTP
type fakeNode struct {
	server *httptest.Server
	addr   string

	mu   sync.Mutex
	data map[string]json.RawMessage

	down   atomic.Bool
	gets   atomic.Int32
	syncs  atomic.Int32
	delays atomic.Int64
}

func newFakeNode(t *testing.T) *fakeNode {
	t.Helper()

	n := &fakeNode{data: make(map[string]json.RawMessage)}

	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if d := n.delays.Load(); d > 0 {
				time.Sleep(time.Duration(d))
			}
			if n.down.Load() {
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	r.HandleFunc("/keys", n.handleKeys).Methods(http.MethodGet)
	r.HandleFunc("/key/{key}", n.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/key/{key}", n.handlePut).Methods(http.MethodPut)
	r.HandleFunc("/key/{key}", n.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		n.mu.Lock()
		size := len(n.data)
		n.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]int{"db_size": size})
	}).Methods(http.MethodGet)
	r.HandleFunc("/force-sync", func(w http.ResponseWriter, _ *http.Request) {
		n.syncs.Add(1)
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}).Methods(http.MethodPost)

	n.server = httptest.NewServer(r)
	n.addr = strings.TrimPrefix(n.server.URL, "http://")
	t.Cleanup(n.server.Close)
	return n
}

func (n *fakeNode) handleKeys(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"keys": n.keys()})
}

func (n *fakeNode) handleGet(w http.ResponseWriter, r *http.Request) {
	n.gets.Add(1)
	key := mux.Vars(r)["key"]
	value, ok := n.get(key)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"key": key, "value": value})
}

func (n *fakeNode) handlePut(w http.ResponseWriter, r *http.Request) {
	var req model.KeyValueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key := mux.Vars(r)["key"]
	n.set(key, req.Value)
	writeJSON(w, http.StatusOK, map[string]interface{}{"key": key, "value": req.Value})
}

func (n *fakeNode) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	n.mu.Lock()
	_, ok := n.data[key]
	delete(n.data, key)
	n.mu.Unlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (n *fakeNode) get(key string) (json.RawMessage, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.data[key]
	return v, ok
}

func (n *fakeNode) set(key string, value json.RawMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.data[key] = value
}

func (n *fakeNode) has(key string) bool {
	_, ok := n.get(key)
	return ok
}

func (n *fakeNode) keys() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	keys := make([]string, 0, len(n.data))
	for k := range n.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// testCluster wires the coordinator services against a set of fake nodes
type testCluster struct {
	nodes       []*fakeNode
	byAddr      map[string]*fakeNode
	routing     *RoutingService
	coordinator *CoordinatorService
	sharding    *ShardingService
	rebalance   *RebalanceService
}

func newTestCluster(t *testing.T, mode model.Mode, n int, rf float64, quorum int) *testCluster {
	t.Helper()

	c := &testCluster{byAddr: make(map[string]*fakeNode)}
	addrs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		node := newFakeNode(t)
		c.nodes = append(c.nodes, node)
		c.byAddr[node.addr] = node
		addrs = append(addrs, node.addr)
	}

	logger := zap.NewNop()
	c.routing = NewRoutingService(mode, addrs, model.RingConfig{ReplicationFactor: rf, VirtualNodes: 50}, quorum, nil, logger)
	api := client.NewNodeClient(2 * time.Second)
	fanout := NewFanOut(nil, logger)

	c.coordinator = NewCoordinatorService(c.routing, api, fanout, nil, logger)
	c.sharding = NewShardingService(c.routing, api, fanout, logger)
	c.rebalance = NewRebalanceService(c.routing, api, fanout, nil, logger)
	return c
}

// addNode starts another fake node without registering it on the ring
func (c *testCluster) addNode(t *testing.T) *fakeNode {
	node := newFakeNode(t)
	c.nodes = append(c.nodes, node)
	c.byAddr[node.addr] = node
	return node
}

func (c *testCluster) targets(t *testing.T, key string) []string {
	t.Helper()
	targets, err := c.routing.TargetNodes(key)
	require.NoError(t, err)
	return targets
}

// nonTargets returns the fake nodes outside key's replica set
func (c *testCluster) nonTargets(t *testing.T, key string) []*fakeNode {
	t.Helper()
	targets := c.targets(t, key)
	var out []*fakeNode
	for _, node := range c.nodes {
		if !contains(targets, node.addr) && c.routing.HasNode(node.addr) {
			out = append(out, node)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
