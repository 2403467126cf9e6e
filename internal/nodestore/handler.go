package nodestore

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	apierrors "github.com/devrev/shardkv/internal/errors"
	"github.com/devrev/shardkv/internal/model"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxValueBytes = 10 << 20

// Handler exposes a Store over HTTP
type Handler struct {
	store        *Store
	nodeID       string
	errorHandler *apierrors.Handler
	logger       *zap.Logger
}

// NewHandler creates the node store HTTP handler
func NewHandler(store *Store, nodeID string, errorHandler *apierrors.Handler, logger *zap.Logger) *Handler {
	return &Handler{
		store:        store,
		nodeID:       nodeID,
		errorHandler: errorHandler,
		logger:       logger,
	}
}

// Register mounts the node store routes on r
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/", h.root).Methods(http.MethodGet)
	r.HandleFunc("/keys", h.listKeys).Methods(http.MethodGet)
	r.HandleFunc("/key/{key}", h.getKey).Methods(http.MethodGet)
	r.HandleFunc("/key/{key}", h.putKey).Methods(http.MethodPut)
	r.HandleFunc("/key/{key}", h.deleteKey).Methods(http.MethodDelete)
	r.HandleFunc("/force-sync", h.forceSync).Methods(http.MethodPost)
	r.HandleFunc("/stats", h.stats).Methods(http.MethodGet)
	r.HandleFunc("/clear-cache", h.clearCache).Methods(http.MethodPost)
}

type keyValue struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func (h *Handler) root(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"message": "shardkv node store",
		"node_id": h.nodeID,
	})
}

func (h *Handler) listKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.Keys(r.Context())
	if err != nil {
		h.errorHandler.HandleError(w, r, apierrors.InternalError("failed to list keys", err))
		return
	}
	h.writeJSON(w, http.StatusOK, model.KeysResponse{Keys: keys})
}

func (h *Handler) getKey(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}

	value, found, err := h.store.Get(r.Context(), key)
	if err != nil {
		h.errorHandler.HandleError(w, r, apierrors.InternalError("failed to read key", err))
		return
	}
	if !found {
		h.errorHandler.HandleError(w, r, apierrors.KeyNotFound(key))
		return
	}
	h.writeJSON(w, http.StatusOK, keyValue{Key: key, Value: value})
}

func (h *Handler) putKey(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}

	var req model.KeyValueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxValueBytes)).Decode(&req); err != nil {
		h.errorHandler.WriteValidationError(w, fmt.Sprintf("invalid request body: %v", err), r.Header.Get("X-Request-ID"))
		return
	}
	if req.Value == nil {
		h.errorHandler.WriteValidationError(w, "request body must contain a value field", r.Header.Get("X-Request-ID"))
		return
	}

	if err := h.store.Put(r.Context(), key, req.Value); err != nil {
		h.errorHandler.HandleError(w, r, apierrors.InternalError("failed to store key", err))
		return
	}
	h.writeJSON(w, http.StatusOK, keyValue{Key: key, Value: req.Value})
}

func (h *Handler) deleteKey(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}

	deleted, err := h.store.Delete(r.Context(), key)
	if err != nil {
		h.errorHandler.HandleError(w, r, apierrors.InternalError("failed to delete key", err))
		return
	}
	if !deleted {
		h.errorHandler.HandleError(w, r, apierrors.KeyNotFound(key))
		return
	}
	h.writeJSON(w, http.StatusOK, model.StatusResponse{
		Status:  "success",
		Message: fmt.Sprintf("Key '%s' deleted", key),
	})
}

func (h *Handler) forceSync(w http.ResponseWriter, r *http.Request) {
	h.store.ForceSync()
	h.writeJSON(w, http.StatusOK, model.StatusResponse{
		Status:  "success",
		Message: "Batch synchronization initiated",
	})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.errorHandler.HandleError(w, r, apierrors.InternalError("failed to collect stats", err))
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) clearCache(w http.ResponseWriter, r *http.Request) {
	h.store.ClearCache()
	h.writeJSON(w, http.StatusOK, model.StatusResponse{
		Status:  "success",
		Message: "Cache cleared",
	})
}

func (h *Handler) key(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := mux.Vars(r)["key"]
	key, err := url.PathUnescape(raw)
	if err != nil || key == "" {
		h.errorHandler.WriteValidationError(w, fmt.Sprintf("invalid key %q", raw), r.Header.Get("X-Request-ID"))
		return "", false
	}
	return key, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}
