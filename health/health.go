// Package health reports the state of the messaging module over HTTP.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/millegrilles/messages-go/internal/jsoncodec"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// OverallHealth represents the overall system health
type OverallHealth struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// Registry manages health checks
type Registry struct {
	checkers map[string]Checker
	mu       sync.RWMutex
}

// NewRegistry creates a new health check registry
func NewRegistry(checkers ...Checker) *Registry {
	r := &Registry{
		checkers: make(map[string]Checker),
	}
	for _, checker := range checkers {
		r.Register(checker)
	}
	return r
}

// Register adds a health checker, replacing one with the same name
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// Check runs every checker concurrently. Checks still running when ctx ends are unhealthy.
func (r *Registry) Check(ctx context.Context) OverallHealth {
	r.mu.RLock()
	checkers := make(map[string]Checker, len(r.checkers))
	for k, v := range r.checkers {
		checkers[k] = v
	}
	r.mu.RUnlock()

	results := make(chan CheckResult, len(checkers))
	for _, checker := range checkers {
		go func(checker Checker) {
			results <- checker.Check(ctx)
		}(checker)
	}

	health := OverallHealth{
		Status: StatusHealthy,
		Checks: make(map[string]CheckResult, len(checkers)),
	}

collect:
	for range checkers {
		select {
		case result := <-results:
			health.Checks[result.Name] = result
			health.Status = worst(health.Status, result.Status)
		case <-ctx.Done():
			for name := range checkers {
				if _, ok := health.Checks[name]; !ok {
					health.Checks[name] = CheckResult{
						Name:      name,
						Status:    StatusUnhealthy,
						Message:   "check timed out",
						Timestamp: time.Now(),
					}
				}
			}
			health.Status = StatusUnhealthy
			break collect
		}
	}

	health.Timestamp = time.Now()
	return health
}

func worst(a, b Status) Status {
	if a == StatusUnhealthy || b == StatusUnhealthy {
		return StatusUnhealthy
	}
	if a == StatusDegraded || b == StatusDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// Handler serves the registry as JSON. Unhealthy answers 503.
type Handler struct {
	registry *Registry
	timeout  time.Duration
}

// NewHandler creates a new health check HTTP handler
func NewHandler(registry *Registry, timeout time.Duration) *Handler {
	return &Handler{
		registry: registry,
		timeout:  timeout,
	}
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	health := h.registry.Check(ctx)

	statusCode := http.StatusOK
	if health.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := jsoncodec.Encode(w, health); err != nil {
		http.Error(w, "failed to encode health response", http.StatusInternalServerError)
	}
}
