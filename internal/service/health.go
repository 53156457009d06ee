package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/port/database"
	"github.com/devgodzilla/devgodzilla/internal/port/engine"
	"github.com/devgodzilla/devgodzilla/internal/port/executor"
)

// Component health statuses.
const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// ComponentHealth is one readiness check's outcome.
type ComponentHealth struct {
	Status    string  `json:"status"`
	Message   string  `json:"message,omitempty"`
	LatencyMS float64 `json:"latency_ms,omitempty"`
}

// HealthReport aggregates every readiness check.
type HealthReport struct {
	Status       string                     `json:"status"`
	Components   map[string]ComponentHealth `json:"components"`
	ChecksPassed int                        `json:"checks_passed"`
	ChecksFailed int                        `json:"checks_failed"`
}

// Healthy reports whether every check passed.
func (r *HealthReport) Healthy() bool {
	return r.Status == HealthHealthy
}

func (r *HealthReport) add(name string, c ComponentHealth) {
	r.Components[name] = c
	if c.Status == HealthHealthy {
		r.ChecksPassed++
		return
	}
	r.ChecksFailed++
	r.Status = HealthUnhealthy
}

// HealthService runs the readiness checks: store connectivity, the external
// executor when one is configured, and engine availability.
type HealthService struct {
	store    database.Store
	external executor.Executor // nil skips the windmill check
	logger   *slog.Logger
}

// NewHealthService creates a HealthService.
func NewHealthService(store database.Store, external executor.Executor, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{store: store, external: external, logger: logger}
}

// Ready evaluates every readiness component. The report is always returned;
// callers map an unhealthy report to 503.
func (s *HealthService) Ready(ctx context.Context) *HealthReport {
	report := &HealthReport{Status: HealthHealthy, Components: make(map[string]ComponentHealth)}
	report.add("store", s.checkStore(ctx))
	if s.external != nil {
		report.add("windmill", s.checkWindmill(ctx))
	}
	report.add("engines", s.checkEngines(ctx))

	if !report.Healthy() {
		s.logger.Warn("readiness check failed",
			"checks_passed", report.ChecksPassed, "checks_failed", report.ChecksFailed)
	}
	return report
}

func (s *HealthService) checkStore(ctx context.Context) ComponentHealth {
	start := time.Now()
	if err := s.store.Ping(ctx); err != nil {
		return ComponentHealth{Status: HealthUnhealthy, Message: err.Error()}
	}
	return ComponentHealth{Status: HealthHealthy, LatencyMS: latencyMS(start)}
}

func (s *HealthService) checkWindmill(ctx context.Context) ComponentHealth {
	start := time.Now()
	if err := s.external.HealthCheck(ctx); err != nil {
		return ComponentHealth{Status: HealthUnhealthy, Message: err.Error()}
	}
	return ComponentHealth{Status: HealthHealthy, LatencyMS: latencyMS(start)}
}

func (s *HealthService) checkEngines(ctx context.Context) ComponentHealth {
	available := engine.Available(ctx)
	if len(available) == 0 {
		return ComponentHealth{Status: HealthUnhealthy, Message: "no engines available"}
	}
	return ComponentHealth{Status: HealthHealthy, Message: fmt.Sprintf("%d available", len(available))}
}

func latencyMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
