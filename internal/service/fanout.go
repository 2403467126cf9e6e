package service

import (
	"context"

	"github.com/devrev/shardkv/internal/client"
	"github.com/devrev/shardkv/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// NodeCall performs one operation against one node. It must never panic and
// reports failure through the returned response.
type NodeCall func(ctx context.Context, node string) *client.NodeResponse

// FanOutResult holds the per-node outcomes of a fan-out in input node order
type FanOutResult struct {
	Responses []*client.NodeResponse
	Successes int
}

// First returns the first successful response in input order, or nil
func (r *FanOutResult) First() *client.NodeResponse {
	for _, resp := range r.Responses {
		if resp != nil && resp.Success {
			return resp
		}
	}
	return nil
}

// FanOut issues node calls concurrently
type FanOut struct {
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewFanOut creates a new fan-out executor
func NewFanOut(m *metrics.Metrics, logger *zap.Logger) *FanOut {
	return &FanOut{metrics: m, logger: logger}
}

// All calls every node concurrently and waits for all of them
func (f *FanOut) All(ctx context.Context, op string, nodes []string, call NodeCall) *FanOutResult {
	responses := make([]*client.NodeResponse, len(nodes))

	g, gctx := errgroup.WithContext(ctx)
	for i, node := range nodes {
		g.Go(func() error {
			responses[i] = f.invoke(gctx, op, node, call)
			return nil
		})
	}
	_ = g.Wait()

	result := &FanOutResult{Responses: responses}
	for _, resp := range responses {
		if resp.Success {
			result.Successes++
		}
	}
	return result
}

// FirstN calls every node concurrently and returns as soon as need calls have
// succeeded or all calls have resolved. Calls still running are detached from
// ctx cancellation, keep the node client's per-call timeout and are not
// awaited; they only appear in the result if they finished before the return.
func (f *FanOut) FirstN(ctx context.Context, op string, nodes []string, need int, call NodeCall) *FanOutResult {
	type indexed struct {
		idx  int
		resp *client.NodeResponse
	}

	// Buffered so late calls can finish after we stop listening.
	results := make(chan indexed, len(nodes))
	callCtx := context.WithoutCancel(ctx)
	for i, node := range nodes {
		go func() {
			results <- indexed{idx: i, resp: f.invoke(callCtx, op, node, call)}
		}()
	}

	received := make([]*client.NodeResponse, len(nodes))
	result := &FanOutResult{}

	for range nodes {
		r := <-results
		received[r.idx] = r.resp
		if r.resp.Success {
			result.Successes++
			if result.Successes >= need {
				break
			}
		}
	}

	result.Responses = make([]*client.NodeResponse, 0, len(nodes))
	for _, resp := range received {
		if resp != nil {
			result.Responses = append(result.Responses, resp)
		}
	}

	if pending := len(nodes) - len(result.Responses); pending > 0 {
		f.logger.Debug("Fan-out returned early",
			zap.String("operation", op),
			zap.Int("successes", result.Successes),
			zap.Int("pending", pending))
	}
	return result
}

func (f *FanOut) invoke(ctx context.Context, op, node string, call NodeCall) *client.NodeResponse {
	resp := call(ctx, node)
	if resp == nil {
		resp = &client.NodeResponse{NodeID: node}
	}
	if resp.NodeID == "" {
		resp.NodeID = node
	}

	f.metrics.RecordReplicaOp(op, node, resp.Success)
	if !resp.Success {
		f.logger.Debug("Node call failed",
			zap.String("operation", op),
			zap.String("node", node),
			zap.Int("status_code", resp.StatusCode),
			zap.Error(resp.Err))
	}
	return resp
}
