package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	apperrors "mailreg/internal/errors"
	"mailreg/internal/license"
)

// KeyValidation describes a ledger key for the operator tool.
type KeyValidation struct {
	Key            string         `json:"key"`
	Redeemable     bool           `json:"redeemable"`
	Status         license.Status `json:"status"`
	IsUsed         bool           `json:"is_used"`
	DurationDays   int            `json:"duration_days"`
	DurationLabel  string         `json:"duration_label"`
	BatchID        string         `json:"batch_id"`
	CreatedDate    time.Time      `json:"created_date"`
	ActivationDate *time.Time     `json:"activation_date,omitempty"`
	ExpirationDate *time.Time     `json:"expiration_date,omitempty"`
	UsedDomain     string         `json:"used_domain,omitempty"`
}

// DomainActivationResult is the outcome of an operator driven activation.
type DomainActivationResult struct {
	Key               string                  `json:"key"`
	DomainFingerprint string                  `json:"domain_fingerprint"`
	Entry             license.ActivationEntry `json:"entry"`
	ActiveUntil       *time.Time              `json:"active_until,omitempty"`
	DaysRemaining     int                     `json:"days_remaining"`
	Stacked           bool                    `json:"stacked"`
}

// LedgerService implements the administrative operations on the ledger.
type LedgerService struct {
	ledger  license.Ledger
	tracker *license.Tracker
	issuer  *license.Issuer
	audit   license.AuditSink
	clock   license.Clock
	logger  *slog.Logger
}

// NewLedgerService creates the administrative service.
func NewLedgerService(ledger license.Ledger, tracker *license.Tracker, issuer *license.Issuer, audit license.AuditSink, clock license.Clock, logger *slog.Logger) *LedgerService {
	if clock == nil {
		clock = license.SystemClock{}
	}
	if audit == nil {
		audit = license.AuditSinks{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerService{
		ledger:  ledger,
		tracker: tracker,
		issuer:  issuer,
		audit:   audit,
		clock:   clock,
		logger:  logger.With(slog.String("service", "ledger")),
	}
}

// Validate reports whether key could be redeemed now. The returned error
// names the failing precondition; the validation is still returned for keys
// that exist.
func (s *LedgerService) Validate(ctx context.Context, rawKey string) (*KeyValidation, error) {
	key := license.NormalizeKey(rawKey)
	if err := license.ValidateKeyFormat(key); err != nil {
		return nil, err
	}

	rec, err := s.ledger.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}

	v := &KeyValidation{
		Key:            rec.Key,
		Status:         rec.Status,
		IsUsed:         rec.IsUsed,
		DurationDays:   rec.DurationDays,
		DurationLabel:  rec.DurationLabel,
		BatchID:        rec.BatchID,
		CreatedDate:    rec.CreatedDate,
		ActivationDate: rec.ActivationDate,
		ExpirationDate: rec.ExpirationDate,
		UsedDomain:     license.FingerprintPrefix(rec.UsedDomain),
	}

	err = rec.Redeemable()
	v.Redeemable = err == nil

	event := license.NewAuditEvent(ctx, license.AuditValidate, s.clock.Now(), err)
	event.LicenseKey = license.MaskKey(key)
	s.audit.Record(ctx, event)

	return v, err
}

// ActivateForDomain redeems key on behalf of the deployment identified by
// fingerprint and extends its timeline. A failure after redemption is
// reported as ErrPersistenceAfterRedeem.
func (s *LedgerService) ActivateForDomain(ctx context.Context, rawKey, fingerprint, clientIP string) (*DomainActivationResult, error) {
	key := license.NormalizeKey(rawKey)
	fingerprint = strings.TrimSpace(fingerprint)
	now := s.clock.Now()

	event := func(err error) license.AuditEvent {
		e := license.NewAuditEvent(ctx, license.AuditRedeem, now, err)
		e.LicenseKey = license.MaskKey(key)
		e.FingerprintPrefix = license.FingerprintPrefix(fingerprint)
		e.ClientIP = clientIP
		return e
	}

	if fingerprint == "" {
		err := fmt.Errorf("%w: domain_fingerprint is required", apperrors.ErrInvalidRequest)
		s.audit.Record(ctx, event(err))
		return nil, err
	}
	if err := license.ValidateKeyFormat(key); err != nil {
		s.audit.Record(ctx, event(err))
		return nil, err
	}

	rec, err := s.ledger.Redeem(ctx, license.RedeemRequest{
		Key:               key,
		DomainFingerprint: fingerprint,
		ClientIP:          clientIP,
		At:                now,
	})
	if err != nil {
		s.audit.Record(ctx, event(err))
		return nil, err
	}

	at := now
	if rec.ActivationDate != nil {
		at = *rec.ActivationDate
	}
	entry, timeline, err := s.tracker.ExtendAt(ctx, fingerprint, key, rec.DurationDays, rec.DurationLabel, at)
	if err != nil {
		err = fmt.Errorf("%w: %v", apperrors.ErrPersistenceAfterRedeem, err)
		s.logger.ErrorContext(ctx, "key redeemed but timeline extension failed",
			slog.String("license_key", license.MaskKey(key)),
			slog.String("error", err.Error()))
		s.audit.Record(ctx, event(err))
		return nil, err
	}

	s.audit.Record(ctx, event(nil))
	s.logger.InfoContext(ctx, "license redeemed for domain",
		slog.String("license_key", license.MaskKey(key)),
		slog.String("fingerprint_prefix", license.FingerprintPrefix(fingerprint)),
		slog.Time("active_until", *timeline.ActiveUntil))

	return &DomainActivationResult{
		Key:               key,
		DomainFingerprint: fingerprint,
		Entry:             entry,
		ActiveUntil:       timeline.ActiveUntil,
		DaysRemaining:     timeline.DaysRemaining(now),
		Stacked:           len(timeline.Licenses) > 1,
	}, nil
}

// Stats summarises the ledger.
func (s *LedgerService) Stats(ctx context.Context) (*license.LedgerStats, error) {
	return s.ledger.Stats(ctx)
}

// IssueBatch generates a batch of keys.
func (s *LedgerService) IssueBatch(ctx context.Context, req license.BatchRequest) (*license.Batch, error) {
	if s.issuer == nil {
		return nil, errors.New("key issuer not configured")
	}
	return s.issuer.IssueBatch(ctx, req)
}

// Revoke marks key REVOKED so it can no longer be redeemed.
func (s *LedgerService) Revoke(ctx context.Context, rawKey string) error {
	key := license.NormalizeKey(rawKey)
	err := license.ValidateKeyFormat(key)
	if err == nil {
		err = s.ledger.Revoke(ctx, key)
	}

	event := license.NewAuditEvent(ctx, license.AuditRevoke, s.clock.Now(), err)
	event.LicenseKey = license.MaskKey(key)
	s.audit.Record(ctx, event)

	if err != nil {
		return err
	}
	s.logger.WarnContext(ctx, "license key revoked", slog.String("license_key", license.MaskKey(key)))
	return nil
}

// ResetDomain removes the activation timeline of fingerprint. Ledger
// records keep their redemption fields.
func (s *LedgerService) ResetDomain(ctx context.Context, fingerprint string) error {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return fmt.Errorf("%w: fingerprint is required", apperrors.ErrInvalidRequest)
	}

	err := s.tracker.Reset(ctx, fingerprint)
	event := license.NewAuditEvent(ctx, license.AuditResetDomain, s.clock.Now(), err)
	event.FingerprintPrefix = license.FingerprintPrefix(fingerprint)
	s.audit.Record(ctx, event)
	return err
}

// Ping checks that the ledger is reachable.
func (s *LedgerService) Ping(ctx context.Context) error {
	return s.ledger.Ping(ctx)
}
