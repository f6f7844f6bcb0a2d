package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Readiness states.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// defaultReadyBudget bounds one readiness probe.
const defaultReadyBudget = 5 * time.Second

// PingFunc reports whether a dependency is reachable.
type PingFunc func(ctx context.Context) error

type check struct {
	name     string
	ping     PingFunc
	optional bool
}

// CheckOption configures a registered check.
type CheckOption func(*check)

// Optional marks a dependency whose failure degrades the service instead of
// taking it out of rotation. The Redis fan-out is one: a central without it
// still serves its own subscribers.
func Optional() CheckOption {
	return func(c *check) { c.optional = true }
}

// HealthHandler serves /health, /ready and /version.
type HealthHandler struct {
	logger *zap.Logger
	budget time.Duration

	mu     sync.RWMutex
	checks []check
}

type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

type CheckResult struct {
	Status   string `json:"status"`
	Optional bool   `json:"optional,omitempty"`
	Message  string `json:"message,omitempty"`
	Latency  string `json:"latency"`
}

func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		logger: logger.With(zap.String("component", "health")),
		budget: defaultReadyBudget,
	}
}

// RegisterCheck adds a readiness dependency (database, storage, redis).
func (h *HealthHandler) RegisterCheck(name string, ping PingFunc, opts ...CheckOption) {
	c := check{name: name, ping: ping}
	for _, opt := range opts {
		opt(&c)
	}
	h.mu.Lock()
	h.checks = append(h.checks, c)
	h.mu.Unlock()
}

// HandleHealth is the liveness probe. It never touches dependencies.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{Status: StatusHealthy, Timestamp: time.Now()})
}

// HandleReady pings every dependency concurrently. A failing required check
// answers 503; failing optional checks only mark the status degraded.
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	status := h.Ready(r.Context())
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, status)
}

// Ready runs the registered checks within the probe budget.
func (h *HealthHandler) Ready(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, h.budget)
	defer cancel()

	h.mu.RLock()
	checks := append([]check(nil), h.checks...)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			start := time.Now()
			err := c.ping(ctx)
			results[i] = CheckResult{Status: "pass", Optional: c.optional, Latency: time.Since(start).String()}
			if err != nil {
				results[i].Status = "fail"
				results[i].Message = err.Error()
				h.logger.Warn("readiness check failed",
					zap.String("check", c.name),
					zap.Bool("optional", c.optional),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}
	for i, c := range checks {
		status.Checks[c.name] = results[i]
		if results[i].Status == "pass" {
			continue
		}
		switch {
		case !c.optional:
			status.Status = StatusUnhealthy
		case status.Status == StatusHealthy:
			status.Status = StatusDegraded
		}
	}
	return status
}

func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, map[string]string{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		})
	}
}
