package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tactlink/tactlink/internal/model"
)

// HealthChecker performs health checks for a tactlink node
type HealthChecker struct {
	nodeID      string
	logger      *zap.Logger
	mu          sync.RWMutex
	lastCheck   time.Time
	checks      map[string]CheckResult
	livenessOK  bool
	readinessOK bool

	// Snapshot returns the latest clock snapshot.
	Snapshot func() model.ClockSnapshot
	// Role returns the committed election role.
	Role func() model.Role
	// PeerCount returns the number of discovered peers.
	PeerCount func() int
	// Capacity returns the local capacity metric.
	Capacity func() uint8
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string
	Status    string
	Message   string
	Timestamp time.Time
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(nodeID string, logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		nodeID:      nodeID,
		logger:      logger,
		checks:      make(map[string]CheckResult),
		livenessOK:  true,
		readinessOK: false,
	}
}

// Start starts the health checker
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	// Run initial check
	h.runHealthChecks()

	for {
		select {
		case <-ticker.C:
			h.runHealthChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// runHealthChecks runs all health checks
func (h *HealthChecker) runHealthChecks() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()

	checks := []func() CheckResult{
		h.checkSyncState,
		h.checkRole,
		h.checkPeer,
		h.checkCapacity,
	}

	allReady := true
	for _, check := range checks {
		result := check()
		h.checks[result.Name] = result
		if result.Status == "critical" {
			allReady = false
		}
	}

	// Liveness: the check loop itself is running.
	h.livenessOK = true
	h.readinessOK = allReady

	h.logger.Debug("Health check completed",
		zap.Bool("liveness", h.livenessOK),
		zap.Bool("readiness", h.readinessOK))
}

// checkSyncState reports the clock tracking state. Holdover within the
// ceiling is a warning; a node that never acquired a source is still
// ready because one side of every pair is the time origin.
func (h *HealthChecker) checkSyncState() CheckResult {
	if h.Snapshot == nil {
		return CheckResult{Name: "sync_state", Status: "healthy", Message: "no clock attached", Timestamp: time.Now()}
	}
	snap := h.Snapshot()

	status := "healthy"
	switch snap.State {
	case model.SyncDegraded:
		status = "warning"
	case model.SyncHoldover:
		status = "warning"
	}
	return CheckResult{
		Name:      "sync_state",
		Status:    status,
		Message:   fmt.Sprintf("state %s, stratum %d, offset %dus", snap.State, snap.Stratum, snap.OffsetMicros),
		Timestamp: time.Now(),
	}
}

// checkRole reports the election role. An undecided role blocks
// readiness: without it the output schedule is undefined.
func (h *HealthChecker) checkRole() CheckResult {
	if h.Role == nil {
		return CheckResult{Name: "role", Status: "critical", Message: "no elector attached", Timestamp: time.Now()}
	}
	role := h.Role()
	status := "healthy"
	if role == model.RoleUndecided {
		status = "critical"
	}
	return CheckResult{
		Name:      "role",
		Status:    status,
		Message:   fmt.Sprintf("role %s", role),
		Timestamp: time.Now(),
	}
}

// checkPeer reports peer visibility.
func (h *HealthChecker) checkPeer() CheckResult {
	if h.PeerCount == nil {
		return CheckResult{Name: "peer", Status: "healthy", Message: "no discovery attached", Timestamp: time.Now()}
	}
	n := h.PeerCount()
	status := "healthy"
	if n == 0 {
		status = "warning"
	}
	return CheckResult{
		Name:      "peer",
		Status:    status,
		Message:   fmt.Sprintf("%d peers discovered", n),
		Timestamp: time.Now(),
	}
}

// checkCapacity reports the local capacity metric.
func (h *HealthChecker) checkCapacity() CheckResult {
	if h.Capacity == nil {
		return CheckResult{Name: "capacity", Status: "healthy", Message: "no monitor attached", Timestamp: time.Now()}
	}
	c := h.Capacity()
	status := "healthy"
	if c <= 5 {
		status = "critical"
	} else if c <= 15 {
		status = "warning"
	}
	return CheckResult{
		Name:      "capacity",
		Status:    status,
		Message:   fmt.Sprintf("capacity %d%%", c),
		Timestamp: time.Now(),
	}
}

// IsLive returns whether the node is live (liveness probe)
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the node is ready (readiness probe)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// SetReadiness manually sets readiness status (for graceful shutdown)
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// GetChecks returns a copy of all check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	live := h.IsLive()

	w.Header().Set("Content-Type", "application/json")
	if !live {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"node_id": h.nodeID,
		"healthy": live,
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := h.IsReady()
	checks := h.GetChecks()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"node_id": h.nodeID,
		"ready":   ready,
		"checks":  checks,
	})
}
