package services

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"mailreg/internal/license"
)

// Pinger reports whether a backing store answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ClientCounter reports live audit stream subscribers.
type ClientCounter interface {
	ClientCount() int
}

// HealthService provides health check functionality
type HealthService struct {
	version   string
	buildTime string
	ledger    Pinger
	checker   *license.LicenseHealthCheck
	hub       ClientCounter
	startTime time.Time
	logger    *slog.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Runtime   map[string]interface{} `json:"runtime,omitempty"`
	Services  map[string]interface{} `json:"services,omitempty"`
}

// ServiceHealth represents individual service health
type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// NewHealthService creates a health service. checker and hub may be nil
// when the client license surface or the audit stream is not running.
func NewHealthService(version, buildTime string, ledger Pinger, checker *license.LicenseHealthCheck, hub ClientCounter, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		version:   version,
		buildTime: buildTime,
		ledger:    ledger,
		checker:   checker,
		hub:       hub,
		startTime: time.Now(),
		logger:    logger.With(slog.String("service", "health")),
	}
}

// HealthCheck returns overall health status. An unreachable ledger degrades
// the service; license status is still served from the local cache.
func (hs *HealthService) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    string(license.HealthStatusHealthy),
		Timestamp: time.Now(),
		Version:   hs.version,
		Services:  make(map[string]interface{}),
	}

	if hs.checker != nil {
		result := hs.checker.PerformHealthCheck(ctx)
		status.Status = string(result.OverallStatus)
		for name, component := range result.Components {
			status.Services[name] = component
		}
	} else {
		ledger := hs.checkLedger(ctx)
		status.Services["ledger"] = ledger
		if ledger.Status != "ready" {
			status.Status = string(license.HealthStatusDegraded)
		}
	}

	if hs.hub != nil {
		status.Services["audit_stream"] = ServiceHealth{
			Status:  "ready",
			Message: fmt.Sprintf("%d subscribers connected", hs.hub.ClientCount()),
		}
	}

	if status.Status != string(license.HealthStatusHealthy) {
		hs.logger.WarnContext(ctx, "health check not healthy", slog.String("status", status.Status))
	}
	return status
}

// ReadinessCheck reports ready only when the ledger answers.
func (hs *HealthService) ReadinessCheck(ctx context.Context) HealthStatus {
	ledger := hs.checkLedger(ctx)
	status := HealthStatus{
		Status:    "ready",
		Timestamp: time.Now(),
		Version:   hs.version,
		Services:  map[string]interface{}{"ledger": ledger},
	}
	if ledger.Status != "ready" {
		status.Status = "not_ready"
	}
	return status
}

// LivenessCheck returns liveness status
func (hs *HealthService) LivenessCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    "alive",
		Timestamp: time.Now(),
		Version:   hs.version,
		Runtime: map[string]interface{}{
			"uptime":     time.Since(hs.startTime).Seconds(),
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
		},
	}
}

// Version returns version information
func (hs *HealthService) Version() map[string]interface{} {
	result := map[string]interface{}{
		"version":    hs.version,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     time.Since(hs.startTime).Seconds(),
		"start_time": hs.startTime.Format(time.RFC3339),
	}
	if hs.buildTime != "" {
		result["build_time"] = hs.buildTime
	}
	return result
}

func (hs *HealthService) checkLedger(ctx context.Context) ServiceHealth {
	if hs.ledger == nil {
		return ServiceHealth{Status: "not_ready", Message: "ledger not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := hs.ledger.Ping(ctx); err != nil {
		return ServiceHealth{Status: "not_ready", Message: err.Error()}
	}
	return ServiceHealth{Status: "ready", Message: "ledger reachable"}
}
