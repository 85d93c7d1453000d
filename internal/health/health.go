package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gustycube/avasite/internal/logging"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a health check for a component
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// Response represents the overall health response
type Response struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    []Check           `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type Checker interface {
	Check(ctx context.Context) Check
}

// Handler serves /health, /ready and /live.
type Handler struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	metadata map[string]string
	logger   *logging.Logger
	ready    bool
}

func NewHandler(logger *logging.Logger) *Handler {
	return &Handler{
		checkers: make(map[string]Checker),
		metadata: make(map[string]string),
		logger:   logger,
	}
}

func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

func (h *Handler) SetMetadata(key, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metadata[key] = value
}

func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

func (h *Handler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

func (h *Handler) snapshot() (map[string]Checker, map[string]string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	checkers := make(map[string]Checker, len(h.checkers))
	for k, v := range h.checkers {
		checkers[k] = v
	}
	metadata := make(map[string]string, len(h.metadata))
	for k, v := range h.metadata {
		metadata[k] = v
	}
	return checkers, metadata, h.ready
}

// Evaluate runs every registered checker and folds them into one response.
func (h *Handler) Evaluate(ctx context.Context) Response {
	checkers, metadata, _ := h.snapshot()
	response := Response{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    []Check{},
		Metadata:  metadata,
	}
	for name, checker := range checkers {
		check := checker.Check(ctx)
		check.Name = name
		response.Checks = append(response.Checks, check)

		if check.Status == StatusUnhealthy {
			response.Status = StatusUnhealthy
		} else if check.Status == StatusDegraded && response.Status == StatusHealthy {
			response.Status = StatusDegraded
		}
	}
	return response
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := h.Evaluate(ctx)
	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	if response.Status != StatusHealthy && h.logger != nil {
		h.logger.Debugw("health degraded", "status", response.Status)
	}
	writeJSON(w, statusCode, response)
}

func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	_, metadata, ready := h.snapshot()
	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]interface{}{
		"ready":     ready,
		"timestamp": time.Now(),
		"metadata":  metadata,
	})
}

// LivenessHandler always returns OK while the process runs.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// FuncChecker reports unhealthy when its ping function fails. Used for the
// redis input and the postgres sink.
type FuncChecker struct {
	what string
	ping func(ctx context.Context) error
}

func NewFuncChecker(what string, ping func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{what: what, ping: ping}
}

func (c *FuncChecker) Check(ctx context.Context) Check {
	start := time.Now()
	if c.ping == nil {
		return Check{Status: StatusHealthy, Message: c.what + " not configured", LastChecked: start}
	}
	err := c.ping(ctx)
	duration := time.Since(start)
	if err != nil {
		return Check{
			Status:      StatusUnhealthy,
			Message:     c.what + " connection failed: " + err.Error(),
			LastChecked: time.Now(),
			Duration:    duration / time.Millisecond,
		}
	}
	return Check{
		Status:      StatusHealthy,
		Message:     c.what + " connection OK",
		LastChecked: time.Now(),
		Duration:    duration / time.Millisecond,
	}
}

// LoopChecker tracks the check loop. It is degraded until the first iteration
// completes and when the last iteration is older than MaxAge.
type LoopChecker struct {
	mu         sync.RWMutex
	lastDone   time.Time
	iterations int64
	maxAge     time.Duration
	now        func() time.Time
}

func NewLoopChecker(maxAge time.Duration) *LoopChecker {
	return &LoopChecker{maxAge: maxAge, now: time.Now}
}

// MarkIteration records a completed iteration.
func (c *LoopChecker) MarkIteration() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastDone = c.now()
	c.iterations++
}

func (c *LoopChecker) Iterations() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.iterations
}

func (c *LoopChecker) Check(ctx context.Context) Check {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	switch {
	case c.iterations == 0:
		return Check{Status: StatusDegraded, Message: "no iteration completed yet", LastChecked: now}
	case c.maxAge > 0 && now.Sub(c.lastDone) > c.maxAge:
		return Check{Status: StatusDegraded, Message: "last iteration is stale", LastChecked: now}
	default:
		return Check{Status: StatusHealthy, Message: "check loop running", LastChecked: now}
	}
}
