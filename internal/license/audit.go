package license

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	apperrors "mailreg/internal/errors"
	"mailreg/internal/infrastructure"
)

// Audit actions
const (
	AuditActivation  = "activation"
	AuditRedeem      = "redeem"
	AuditValidate    = "validate"
	AuditIssueBatch  = "issue_batch"
	AuditRevoke      = "revoke"
	AuditResetDomain = "reset_domain"
	AuditRefresh     = "refresh"
	AuditBlocked     = "blocked"
)

// AuditEvent is one security relevant outcome. License keys are always
// masked before they reach an event.
type AuditEvent struct {
	Timestamp         time.Time              `json:"timestamp"`
	Action            string                 `json:"action"`
	Success           bool                   `json:"success"`
	ErrorCode         string                 `json:"error_code,omitempty"`
	LicenseKey        string                 `json:"license_key,omitempty"`
	FingerprintPrefix string                 `json:"fingerprint_prefix,omitempty"`
	ClientIP          string                 `json:"client_ip,omitempty"`
	TraceID           string                 `json:"trace_id,omitempty"`
	Details           map[string]interface{} `json:"details,omitempty"`
}

// AuditSink receives audit events. Record must not block for long.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent)
}

// AuditSinks fans an event out to every sink.
type AuditSinks []AuditSink

func (s AuditSinks) Record(ctx context.Context, event AuditEvent) {
	for _, sink := range s {
		if sink != nil {
			sink.Record(ctx, event)
		}
	}
}

// SlogAuditSink writes events to the structured log.
type SlogAuditSink struct {
	Logger *slog.Logger
}

func (s SlogAuditSink) Record(ctx context.Context, event AuditEvent) {
	logger := s.Logger
	if logger == nil {
		logger = infrastructure.LoggerWithContext(ctx)
	}

	level := slog.LevelInfo
	if !event.Success {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "license audit",
		slog.String("action", event.Action),
		slog.Bool("success", event.Success),
		slog.String("error_code", event.ErrorCode),
		slog.String("license_key", event.LicenseKey),
		slog.String("fingerprint_prefix", event.FingerprintPrefix),
		slog.String("client_ip", event.ClientIP),
		slog.String("audit_category", "license_security"),
	)
}

// FileAuditSink appends events as JSON lines.
type FileAuditSink struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFileAuditSink creates a sink appending to path.
func NewFileAuditSink(path string, logger *slog.Logger) *FileAuditSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileAuditSink{path: path, logger: logger}
}

func (s *FileAuditSink) Record(ctx context.Context, event AuditEvent) {
	if err := s.append(event); err != nil {
		s.logger.ErrorContext(ctx, "failed to write audit entry",
			slog.String("file", s.path),
			slog.String("error", err.Error()))
	}
}

func (s *FileAuditSink) append(event AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create audit directory: %w", err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit: %w", err)
	}

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit: %w", err)
	}
	return nil
}

// Broadcaster pushes messages to live subscribers.
type Broadcaster interface {
	Broadcast(messageType string, data interface{})
}

// BroadcastAuditSink forwards events to a Broadcaster such as the websocket hub.
type BroadcastAuditSink struct {
	Target Broadcaster
}

func (s BroadcastAuditSink) Record(_ context.Context, event AuditEvent) {
	if s.Target != nil {
		s.Target.Broadcast("license_audit", event)
	}
}

// NewAuditEvent starts an event for action; the outcome and error code
// follow from err.
func NewAuditEvent(ctx context.Context, action string, now time.Time, err error) AuditEvent {
	return AuditEvent{
		Timestamp: now,
		Action:    action,
		Success:   err == nil,
		ErrorCode: apperrors.LicenseErrorCode(err),
		TraceID:   infrastructure.TraceIDFromContext(ctx),
	}
}
