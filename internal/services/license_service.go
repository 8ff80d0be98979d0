package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	apperrors "mailreg/internal/errors"
	"mailreg/internal/infrastructure"
	"mailreg/internal/license"
)

// Client facing license states
const (
	StatusActive       = "active"
	StatusWarning      = "warning"
	StatusCritical     = "critical"
	StatusExpired      = "expired"
	StatusNotActivated = "not_activated"
	StatusPending      = "pending_activation"
)

// LicenseService exposes the license of this deployment to the host
// application.
type LicenseService interface {
	IsLicenseRequired(ctx context.Context) bool
	Licensed(ctx context.Context) (bool, error)
	GetStatus(ctx context.Context) (*LicenseStatusResponse, error)
	Activate(ctx context.Context, key, clientIP string) (*license.ActivationResult, error)
	History(ctx context.Context) (*HistoryResponse, error)
	Refresh(ctx context.Context) (*LicenseStatusResponse, error)
}

// LicenseStatusResponse represents the standardized license status response
type LicenseStatusResponse struct {
	LicenseStatus  string        `json:"license_status"` // active|warning|critical|expired|not_activated|pending_activation
	State          license.State `json:"state"`
	Message        string        `json:"message"`
	DaysLeft       int           `json:"days_left"`
	Expiration     *time.Time    `json:"expiration,omitempty"`
	HistoryCount   int           `json:"history_count"`
	Source         string        `json:"source"`
	CacheState     string        `json:"cache_state"`
	StoreReachable bool          `json:"store_reachable"`
	DomainChanged  bool          `json:"domain_changed,omitempty"`
	Fingerprint    string        `json:"fingerprint"`
	TraceID        string        `json:"trace_id"`
	Timestamp      time.Time     `json:"timestamp"`
}

// HistoryEntry is one redeemed key with the key masked.
type HistoryEntry struct {
	LicenseKey     string    `json:"license_key"`
	DurationDays   int       `json:"duration_days"`
	DurationLabel  string    `json:"duration_label"`
	ActivationDate time.Time `json:"activation_date"`
	Expiration     time.Time `json:"expiration"`
}

// HistoryResponse lists the activation timeline oldest first.
type HistoryResponse struct {
	Entries    []HistoryEntry `json:"entries"`
	Expiration *time.Time     `json:"expiration,omitempty"`
	Active     bool           `json:"active"`
	TraceID    string         `json:"trace_id"`
}

type licenseService struct {
	manager license.ManagerInterface
	logger  *slog.Logger
}

// NewLicenseService creates a new license service
func NewLicenseService(manager license.ManagerInterface, logger *slog.Logger) LicenseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &licenseService{
		manager: manager,
		logger:  logger.With(slog.String("service", "license")),
	}
}

func traceIDFrom(ctx context.Context) string {
	if id := middleware.GetReqID(ctx); id != "" {
		return id
	}
	return infrastructure.TraceIDFromContext(ctx)
}

func (s *licenseService) IsLicenseRequired(ctx context.Context) bool {
	return s.manager.IsLicenseRequired(ctx)
}

// Licensed answers from the local cache when it can. A missing, stale or
// corrupt cache is re-checked against the ledger, which rewrites the cache.
func (s *licenseService) Licensed(ctx context.Context) (bool, error) {
	if !s.manager.IsLicenseRequired(ctx) {
		return true, nil
	}
	report, err := s.manager.CheckValidity(ctx)
	if err != nil {
		return false, fmt.Errorf("license check: %w", err)
	}
	return report.Active, nil
}

// GetStatus returns the current license status
func (s *licenseService) GetStatus(ctx context.Context) (*LicenseStatusResponse, error) {
	start := time.Now()
	traceID := traceIDFrom(ctx)

	report, err := s.manager.CheckValidity(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to get license status",
			slog.String("trace_id", traceID),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("license status: %w", err)
	}

	s.logger.DebugContext(ctx, "license status checked",
		slog.String("trace_id", traceID),
		slog.String("state", string(report.State)),
		slog.String("source", report.Source),
		slog.Duration("latency", time.Since(start)))

	return s.buildStatus(report, traceID), nil
}

// Activate activates a license with the given key
func (s *licenseService) Activate(ctx context.Context, key, clientIP string) (*license.ActivationResult, error) {
	start := time.Now()
	traceID := traceIDFrom(ctx)
	maskedKey := license.MaskKey(license.NormalizeKey(key))

	s.logger.InfoContext(ctx, "license activation started",
		slog.String("trace_id", traceID),
		slog.String("license_key", maskedKey),
		slog.String("client_ip", clientIP))

	result, err := s.manager.Activate(ctx, key, clientIP)
	if err != nil {
		s.logger.WarnContext(ctx, "license activation failed",
			slog.String("trace_id", traceID),
			slog.String("license_key", maskedKey),
			slog.String("error_code", apperrors.LicenseErrorCode(err)),
			slog.Duration("latency", time.Since(start)))
		return result, fmt.Errorf("activation failed: %w", err)
	}

	s.logger.InfoContext(ctx, "license activation succeeded",
		slog.String("trace_id", traceID),
		slog.String("license_key", maskedKey),
		slog.Duration("latency", time.Since(start)))
	return result, nil
}

// History returns the activation timeline of this deployment.
func (s *licenseService) History(ctx context.Context) (*HistoryResponse, error) {
	report, err := s.manager.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("license history: %w", err)
	}

	resp := &HistoryResponse{
		Entries:    make([]HistoryEntry, 0, len(report.History)),
		Expiration: report.Expiration,
		Active:     report.Active,
		TraceID:    traceIDFrom(ctx),
	}
	for _, e := range report.History {
		resp.Entries = append(resp.Entries, HistoryEntry{
			LicenseKey:     license.MaskKey(e.LicenseKey),
			DurationDays:   e.DurationDays,
			DurationLabel:  e.DurationLabel,
			ActivationDate: e.ActivationDate,
			Expiration:     e.Expiration,
		})
	}
	return resp, nil
}

// Refresh re-derives the license from the ledger.
func (s *licenseService) Refresh(ctx context.Context) (*LicenseStatusResponse, error) {
	traceID := traceIDFrom(ctx)
	report, err := s.manager.Refresh(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "license refresh failed",
			slog.String("trace_id", traceID),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("license refresh: %w", err)
	}
	return s.buildStatus(report, traceID), nil
}

func (s *licenseService) buildStatus(report *license.StatusReport, traceID string) *LicenseStatusResponse {
	status := determineLicenseStatus(report.State, report.DaysRemaining)
	return &LicenseStatusResponse{
		LicenseStatus:  status,
		State:          report.State,
		Message:        statusMessage(status, report.DaysRemaining),
		DaysLeft:       report.DaysRemaining,
		Expiration:     report.Expiration,
		HistoryCount:   report.HistoryCount,
		Source:         report.Source,
		CacheState:     report.CacheState,
		StoreReachable: report.StoreReachable,
		DomainChanged:  report.DomainChanged,
		Fingerprint:    report.Fingerprint,
		TraceID:        traceID,
		Timestamp:      report.CheckedAt,
	}
}

// determineLicenseStatus grades an active license by the days it has left
func determineLicenseStatus(state license.State, daysLeft int) string {
	switch state {
	case license.StateActive:
		switch {
		case daysLeft <= 7:
			return StatusCritical
		case daysLeft <= 30:
			return StatusWarning
		default:
			return StatusActive
		}
	case license.StateExpired:
		return StatusExpired
	case license.StatePendingActivation:
		return StatusPending
	default:
		return StatusNotActivated
	}
}

func statusMessage(status string, daysLeft int) string {
	switch status {
	case StatusExpired:
		return "Your license has expired. Activate a new key to continue."
	case StatusCritical:
		return fmt.Sprintf("Your license expires in %d days. Please renew soon to avoid interruption.", daysLeft)
	case StatusWarning:
		return fmt.Sprintf("Your license expires in %d days. Consider renewing to ensure continued access.", daysLeft)
	case StatusActive:
		return fmt.Sprintf("License is active. %d days remaining until expiration.", daysLeft)
	case StatusPending:
		return "A license activation is in progress."
	default:
		return "No license activated. Please activate a license key."
	}
}
