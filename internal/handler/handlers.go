// Package handler provides the HTTP handlers of the coordinator.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	apierrors "github.com/devrev/shardkv/internal/errors"
	"github.com/devrev/shardkv/internal/model"
	"github.com/devrev/shardkv/internal/service"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxBodyBytes = 10 << 20

// Handlers contains all coordinator HTTP handlers and their dependencies.
type Handlers struct {
	coordinator  *service.CoordinatorService
	sharding     *service.ShardingService
	rebalance    *service.RebalanceService
	errorHandler *apierrors.Handler
	logger       *zap.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(
	coordinator *service.CoordinatorService,
	sharding *service.ShardingService,
	rebalance *service.RebalanceService,
	errorHandler *apierrors.Handler,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		coordinator:  coordinator,
		sharding:     sharding,
		rebalance:    rebalance,
		errorHandler: errorHandler,
		logger:       logger,
	}
}

// Register mounts the coordinator routes on r.
func (h *Handlers) Register(r *mux.Router) {
	r.HandleFunc("/", h.Root).Methods(http.MethodGet)

	// Key-value operations
	r.HandleFunc("/keys", h.ListKeys).Methods(http.MethodGet)
	r.HandleFunc("/key/{key}", h.GetKey).Methods(http.MethodGet)
	r.HandleFunc("/key/{key}", h.PutKey).Methods(http.MethodPut)
	r.HandleFunc("/key/{key}", h.DeleteKey).Methods(http.MethodDelete)

	// Cluster-wide operations
	r.HandleFunc("/stats", h.Stats).Methods(http.MethodGet)
	r.HandleFunc("/force-sync", h.ForceSync).Methods(http.MethodPost)
	r.HandleFunc("/rebalance", h.Rebalance).Methods(http.MethodPost)

	// Sharding administration
	sharding := r.PathPrefix("/sharding").Subrouter()
	sharding.HandleFunc("/info", h.ShardingInfo).Methods(http.MethodGet)
	sharding.HandleFunc("/reconfigure", h.Reconfigure).Methods(http.MethodPost)
	sharding.HandleFunc("/add-node/{node}", h.AddNode).Methods(http.MethodPost)
	sharding.HandleFunc("/remove-node/{node}", h.RemoveNode).Methods(http.MethodPost)
	sharding.HandleFunc("/node-for-key/{key}", h.NodeForKey).Methods(http.MethodGet)
	sharding.HandleFunc("/ring", h.Ring).Methods(http.MethodGet)
	sharding.HandleFunc("/node-keys/{node}", h.NodeKeys).Methods(http.MethodGet)
}

// Root handles GET / requests.
func (h *Handlers) Root(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, h.sharding.Root())
}

// GetKey handles GET /key/{key} requests.
func (h *Handlers) GetKey(w http.ResponseWriter, r *http.Request) {
	key, ok := h.pathVar(w, r, "key")
	if !ok {
		return
	}

	resp, err := h.coordinator.Get(r.Context(), key)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// PutKey handles PUT /key/{key} requests. The body must carry a value field;
// any JSON value, null included, is accepted.
func (h *Handlers) PutKey(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")

	key, ok := h.pathVar(w, r, "key")
	if !ok {
		return
	}

	var req model.KeyValueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.errorHandler.WriteValidationError(w, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}
	if req.Value == nil {
		h.errorHandler.WriteValidationError(w, "request body must contain a value field", requestID)
		return
	}

	resp, err := h.coordinator.Put(r.Context(), key, req.Value)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// DeleteKey handles DELETE /key/{key} requests.
func (h *Handlers) DeleteKey(w http.ResponseWriter, r *http.Request) {
	key, ok := h.pathVar(w, r, "key")
	if !ok {
		return
	}

	resp, err := h.coordinator.Delete(r.Context(), key)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// ListKeys handles GET /keys requests.
func (h *Handlers) ListKeys(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, model.KeysResponse{Keys: h.coordinator.Keys(r.Context())})
}

// Stats handles GET /stats requests.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, h.coordinator.Stats(r.Context()))
}

// ForceSync handles POST /force-sync requests.
func (h *Handlers) ForceSync(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, h.coordinator.ForceSync(r.Context()))
}

// Rebalance handles POST /rebalance requests. The pass is detached from the
// client connection so a dropped caller does not leave it half done, and the
// server write deadline is cleared so the summary can be sent after a long pass.
func (h *Handlers) Rebalance(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Warn("Failed to clear write deadline", zap.Error(err))
	}

	resp, err := h.rebalance.Rebalance(context.WithoutCancel(r.Context()))
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// ShardingInfo handles GET /sharding/info requests.
func (h *Handlers) ShardingInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.sharding.Info(r.Context())
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, info)
}

type reconfigureRequest struct {
	ReplicationFactor *float64 `json:"replication_factor"`
	VirtualNodes      *int     `json:"virtual_nodes"`
}

// Reconfigure handles POST /sharding/reconfigure requests.
func (h *Handlers) Reconfigure(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")

	var req reconfigureRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.errorHandler.WriteValidationError(w, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}
	if req.ReplicationFactor == nil || req.VirtualNodes == nil {
		h.errorHandler.WriteValidationError(w, "replication_factor and virtual_nodes are required", requestID)
		return
	}

	resp, err := h.sharding.Reconfigure(model.RingConfig{
		ReplicationFactor: *req.ReplicationFactor,
		VirtualNodes:      *req.VirtualNodes,
	})
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// AddNode handles POST /sharding/add-node/{node} requests.
func (h *Handlers) AddNode(w http.ResponseWriter, r *http.Request) {
	node, ok := h.pathVar(w, r, "node")
	if !ok {
		return
	}

	resp, err := h.sharding.AddNode(node)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// RemoveNode handles POST /sharding/remove-node/{node} requests.
func (h *Handlers) RemoveNode(w http.ResponseWriter, r *http.Request) {
	node, ok := h.pathVar(w, r, "node")
	if !ok {
		return
	}
	h.writeJSONResponse(w, http.StatusOK, h.sharding.RemoveNode(node))
}

// NodeForKey handles GET /sharding/node-for-key/{key} requests.
func (h *Handlers) NodeForKey(w http.ResponseWriter, r *http.Request) {
	key, ok := h.pathVar(w, r, "key")
	if !ok {
		return
	}

	resp, err := h.sharding.NodeForKey(key)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// Ring handles GET /sharding/ring requests.
func (h *Handlers) Ring(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, h.sharding.Ring())
}

// NodeKeys handles GET /sharding/node-keys/{node} requests.
func (h *Handlers) NodeKeys(w http.ResponseWriter, r *http.Request) {
	node, ok := h.pathVar(w, r, "node")
	if !ok {
		return
	}

	resp, err := h.sharding.NodeKeys(r.Context(), node)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// pathVar returns the decoded route variable. Routers are built with
// UseEncodedPath, so escaped slashes survive until here.
func (h *Handlers) pathVar(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	raw := mux.Vars(r)[name]
	value, err := url.PathUnescape(raw)
	if err != nil || value == "" {
		h.errorHandler.WriteValidationError(w, fmt.Sprintf("invalid %s %q", name, raw), r.Header.Get("X-Request-ID"))
		return "", false
	}
	return value, true
}

// writeJSONResponse writes a JSON response to the HTTP response writer.
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}
