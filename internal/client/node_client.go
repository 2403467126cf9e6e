package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	apierrors "github.com/devrev/shardkv/internal/errors"
	"github.com/devrev/shardkv/internal/model"
)

const maxResponseBytes = 32 << 20

// NodeClient handles communication with node stores
type NodeClient struct {
	httpClient *http.Client
	timeout    time.Duration
}

// NodeResponse represents a response from a node store.
// Failures are reported through Success and Err, never as a returned error.
type NodeResponse struct {
	NodeID     string
	Success    bool
	StatusCode int
	Found      bool
	Body       json.RawMessage
	Value      json.RawMessage
	Keys       []string
	Err        error
}

// Outcome converts the response into the record returned to API callers
func (r *NodeResponse) Outcome() *model.NodeOutcome {
	out := &model.NodeOutcome{
		Node:    r.NodeID,
		Success: r.Success,
	}
	if r.Success && len(r.Body) > 0 {
		out.Value = r.Body
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return out
}

// Outcomes converts a list of responses, keeping order
func Outcomes(responses []*NodeResponse) []*model.NodeOutcome {
	out := make([]*model.NodeOutcome, 0, len(responses))
	for _, r := range responses {
		if r != nil {
			out = append(out, r.Outcome())
		}
	}
	return out
}

// NewNodeClient creates a new node client with a per-call timeout
func NewNodeClient(timeout time.Duration) *NodeClient {
	return &NodeClient{
		httpClient: &http.Client{},
		timeout:    timeout,
	}
}

// Get reads key from node. A 404 yields Found=false.
func (c *NodeClient) Get(ctx context.Context, node, key string) *NodeResponse {
	resp := c.do(ctx, node, http.MethodGet, keyPath(key), nil)
	if resp.Success {
		resp.Found = true
		resp.Value = extractField(resp.Body, "value")
	}
	return resp
}

// Put writes value under key on node
func (c *NodeClient) Put(ctx context.Context, node, key string, value json.RawMessage) *NodeResponse {
	body, err := json.Marshal(struct {
		Value json.RawMessage `json:"value"`
	}{Value: normalizeValue(value)})
	if err != nil {
		return &NodeResponse{NodeID: node, Err: fmt.Errorf("failed to encode value: %w", err)}
	}

	resp := c.do(ctx, node, http.MethodPut, keyPath(key), body)
	if resp.Success {
		resp.Found = true
		resp.Value = extractField(resp.Body, "value")
	}
	return resp
}

// Delete removes key from node. A 404 yields Found=false.
func (c *NodeClient) Delete(ctx context.Context, node, key string) *NodeResponse {
	resp := c.do(ctx, node, http.MethodDelete, keyPath(key), nil)
	resp.Found = resp.Success
	return resp
}

// ListKeys returns the keys held by node
func (c *NodeClient) ListKeys(ctx context.Context, node string) *NodeResponse {
	resp := c.do(ctx, node, http.MethodGet, "/keys", nil)
	if !resp.Success {
		return resp
	}

	var payload struct {
		Keys []string `json:"keys"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		resp.Success = false
		resp.Err = fmt.Errorf("invalid keys payload: %w", err)
		return resp
	}
	resp.Keys = payload.Keys
	return resp
}

// Stats fetches the node's diagnostics object
func (c *NodeClient) Stats(ctx context.Context, node string) *NodeResponse {
	return c.do(ctx, node, http.MethodGet, "/stats", nil)
}

// ForceSync asks node to flush its pending write-back batch
func (c *NodeClient) ForceSync(ctx context.Context, node string) *NodeResponse {
	return c.do(ctx, node, http.MethodPost, "/force-sync", nil)
}

func (c *NodeClient) do(ctx context.Context, node, method, path string, body []byte) *NodeResponse {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, BaseURL(node)+path, reader)
	if err != nil {
		return &NodeResponse{NodeID: node, Err: apierrors.NodeUnreachable(node, err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return &NodeResponse{NodeID: node, Err: classify(node, err)}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return &NodeResponse{NodeID: node, StatusCode: httpResp.StatusCode, Err: classify(node, err)}
	}

	resp := &NodeResponse{
		NodeID:     node,
		StatusCode: httpResp.StatusCode,
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		resp.Err = fmt.Errorf("status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(data)))
		return resp
	}

	resp.Success = true
	if json.Valid(data) {
		resp.Body = data
	}
	return resp
}

// BaseURL turns a node identifier into an http base URL
func BaseURL(node string) string {
	if strings.Contains(node, "://") {
		return strings.TrimRight(node, "/")
	}
	return "http://" + node
}

func keyPath(key string) string {
	return "/key/" + url.PathEscape(key)
}

func classify(node string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return apierrors.NodeTimeout(node, err)
	}
	return apierrors.NodeUnreachable(node, err)
}

func extractField(body json.RawMessage, field string) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil
	}
	return obj[field]
}

func normalizeValue(value json.RawMessage) json.RawMessage {
	if len(value) == 0 {
		return json.RawMessage("null")
	}
	return value
}
