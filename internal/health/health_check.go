// Package health provides liveness and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Check reports whether one dependency is usable
type Check func(ctx context.Context) error

type namedCheck struct {
	name  string
	check Check
}

// HealthChecker runs the registered readiness checks
type HealthChecker struct {
	mu      sync.RWMutex
	checks  []namedCheck
	timeout time.Duration
	logger  *zap.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// Register adds a named readiness check
func (h *HealthChecker) Register(name string, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, namedCheck{name: name, check: check})
}

// LivenessHandler handles liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	})
}

// ReadinessHandler handles readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks, ok := h.Run(ctx)
	status := HealthStatus{
		Status:    "ready",
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}

	code := http.StatusOK
	if !ok {
		status.Status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	writeStatus(w, code, status)
}

// Run executes every check and reports per-check results
func (h *HealthChecker) Run(ctx context.Context) (map[string]string, bool) {
	h.mu.RLock()
	checks := make([]namedCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	results := make(map[string]string, len(checks))
	allHealthy := true
	for _, c := range checks {
		if err := c.check(ctx); err != nil {
			h.logger.Warn("Readiness check failed",
				zap.String("check", c.name),
				zap.Error(err))
			results[c.name] = "unhealthy: " + err.Error()
			allHealthy = false
			continue
		}
		results[c.name] = "healthy"
	}
	return results, allHealthy
}

func writeStatus(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}
