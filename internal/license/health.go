package license

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mailreg/internal/infrastructure"
	"mailreg/internal/security"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents health of a specific component
type ComponentHealth struct {
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  string                 `json:"duration,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// HealthCheckResult contains the status of every component
type HealthCheckResult struct {
	OverallStatus HealthStatus                `json:"status"`
	Timestamp     time.Time                   `json:"timestamp"`
	Duration      string                      `json:"duration"`
	TraceID       string                      `json:"trace_id,omitempty"`
	Components    map[string]*ComponentHealth `json:"components"`
}

// LicenseHealthCheck reports ledger reachability and local cache state.
type LicenseHealthCheck struct {
	manager *Manager
	timeout time.Duration
}

// NewLicenseHealthCheck creates a health check over manager.
func NewLicenseHealthCheck(manager *Manager, timeout time.Duration) *LicenseHealthCheck {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &LicenseHealthCheck{manager: manager, timeout: timeout}
}

// PerformHealthCheck runs every component check concurrently. An unreachable
// ledger degrades the result rather than failing it, since license status is
// still served from the cache.
func (hc *LicenseHealthCheck) PerformHealthCheck(ctx context.Context) *HealthCheckResult {
	ctx, span := otel.Tracer("license-health").Start(ctx, "license.health_check",
		trace.WithAttributes(attribute.String("component", "license_health")))
	defer span.End()

	start := time.Now()
	result := &HealthCheckResult{
		Timestamp:  start,
		TraceID:    infrastructure.TraceIDFromContext(ctx),
		Components: make(map[string]*ComponentHealth),
	}

	checks := map[string]func(context.Context) *ComponentHealth{
		"ledger":        hc.checkLedger,
		"license_cache": hc.checkCache,
		"fingerprint":   hc.checkFingerprint,
		"attempt_guard": hc.checkGuard,
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check func(context.Context) *ComponentHealth) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, hc.timeout)
			defer cancel()

			health := check(checkCtx)
			mu.Lock()
			result.Components[name] = health
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()

	result.OverallStatus = HealthStatusHealthy
	for _, c := range result.Components {
		if c.Status == HealthStatusUnhealthy {
			result.OverallStatus = HealthStatusUnhealthy
			break
		}
		if c.Status == HealthStatusDegraded {
			result.OverallStatus = HealthStatusDegraded
		}
	}
	result.Duration = time.Since(start).String()

	span.SetAttributes(attribute.String("health.overall_status", string(result.OverallStatus)))
	return result
}

func (hc *LicenseHealthCheck) checkLedger(ctx context.Context) *ComponentHealth {
	start := time.Now()
	health := &ComponentHealth{Timestamp: start}

	err := hc.manager.ledger.Ping(ctx)
	health.Duration = time.Since(start).String()
	if err != nil {
		health.Status = HealthStatusDegraded
		health.Message = "License ledger unreachable, serving cached status"
		health.Error = err.Error()
		return health
	}

	health.Status = HealthStatusHealthy
	health.Message = "License ledger reachable"
	return health
}

func (hc *LicenseHealthCheck) checkCache(ctx context.Context) *ComponentHealth {
	fp := hc.manager.fingerprints.Generate()
	cached, state, err := hc.manager.cache.Load(fp.Value)

	health := &ComponentHealth{
		Timestamp: time.Now(),
		Metadata:  hc.manager.cache.GetStats(),
	}
	health.Metadata["state"] = state.String()

	switch state {
	case CacheValid:
		health.Status = HealthStatusHealthy
		health.Message = "License cache valid"
		health.Metadata["active"] = cached.IsActive(hc.manager.clock.Now())
	case CacheAbsent:
		health.Status = HealthStatusHealthy
		health.Message = "No license cache yet"
	case CacheStale:
		health.Status = HealthStatusDegraded
		health.Message = "License cache belongs to another fingerprint"
	default:
		health.Status = HealthStatusDegraded
		health.Message = "License cache unreadable"
		if err != nil {
			health.Error = err.Error()
		}
	}
	return health
}

func (hc *LicenseHealthCheck) checkFingerprint(ctx context.Context) *ComponentHealth {
	fp := hc.manager.fingerprints.Generate()
	health := &ComponentHealth{
		Timestamp: time.Now(),
		Metadata: map[string]interface{}{
			"confidence": string(fp.Confidence),
			"components": fp.Components,
		},
	}
	if fp.Confidence == security.ConfidenceLow {
		health.Status = HealthStatusDegraded
		health.Message = "Fingerprint derived from hostname fallback"
		return health
	}
	health.Status = HealthStatusHealthy
	health.Message = "Fingerprint derived"
	return health
}

func (hc *LicenseHealthCheck) checkGuard(ctx context.Context) *ComponentHealth {
	return &ComponentHealth{
		Status:    HealthStatusHealthy,
		Message:   "Attempt guard running",
		Timestamp: time.Now(),
		Metadata:  hc.manager.guard.GetStats(),
	}
}
