package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	apperrors "mailreg/internal/errors"
	"mailreg/internal/security"
)

// Status report sources
const (
	SourceCache  = "cache"
	SourceLedger = "ledger"
)

// FingerprintSource yields the current deployment fingerprint.
type FingerprintSource interface {
	Generate() security.Fingerprint
}

// StatusReport describes the entitlement of the running deployment.
type StatusReport struct {
	Active         bool              `json:"active"`
	State          State             `json:"state"`
	Expiration     *time.Time        `json:"expiration,omitempty"`
	DaysRemaining  int               `json:"days_remaining"`
	HistoryCount   int               `json:"history_count"`
	History        []ActivationEntry `json:"history,omitempty"`
	Source         string            `json:"source"`
	CacheState     string            `json:"cache_state"`
	Fingerprint    string            `json:"fingerprint"`
	Confidence     string            `json:"confidence"`
	DomainChanged  bool              `json:"domain_changed,omitempty"`
	StoreReachable bool              `json:"store_reachable"`
	CheckedAt      time.Time         `json:"checked_at"`
}

// ActivationResult is returned from Activate for both outcomes.
type ActivationResult struct {
	Success       bool             `json:"success"`
	Message       string           `json:"message"`
	Code          string           `json:"error_code,omitempty"`
	Expiration    *time.Time       `json:"expiration,omitempty"`
	DaysRemaining int              `json:"days_remaining,omitempty"`
	Entry         *ActivationEntry `json:"entry,omitempty"`
}

// Options wires a Manager. Ledger, Tracker, Cache and Fingerprints are
// required.
type Options struct {
	Ledger       Ledger
	Tracker      *Tracker
	Cache        *LocalCache
	Fingerprints FingerprintSource
	Guard        *AttemptGuard
	Audit        AuditSink
	Metrics      *LicenseMetrics
	Clock        Clock
	Logger       *slog.Logger
}

// Manager validates and activates the license of this deployment.
type Manager struct {
	ledger       Ledger
	tracker      *Tracker
	cache        *LocalCache
	fingerprints FingerprintSource
	guard        *AttemptGuard
	audit        AuditSink
	metrics      *LicenseMetrics
	clock        Clock
	logger       *slog.Logger

	resyncs singleflight.Group
	pending atomic.Int32
}

// NewManager creates a manager from opts.
func NewManager(opts Options) (*Manager, error) {
	switch {
	case opts.Ledger == nil:
		return nil, errors.New("license manager: ledger is required")
	case opts.Tracker == nil:
		return nil, errors.New("license manager: tracker is required")
	case opts.Cache == nil:
		return nil, errors.New("license manager: cache is required")
	case opts.Fingerprints == nil:
		return nil, errors.New("license manager: fingerprint source is required")
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Audit == nil {
		opts.Audit = SlogAuditSink{Logger: opts.Logger}
	}
	if opts.Guard == nil {
		opts.Guard = NewAttemptGuard(GuardConfig{}, opts.Clock, opts.Logger)
	}

	return &Manager{
		ledger:       opts.Ledger,
		tracker:      opts.Tracker,
		cache:        opts.Cache,
		fingerprints: opts.Fingerprints,
		guard:        opts.Guard,
		audit:        opts.Audit,
		metrics:      opts.Metrics,
		clock:        opts.Clock,
		logger:       opts.Logger.With(slog.String("component", "license_manager")),
	}, nil
}

// IsLicenseRequired reports whether the host must ask for a key. It reads
// only the local cache; anything short of a valid, unexpired cache for the
// current fingerprint requires a license until CheckValidity or Refresh
// re-syncs from the ledger.
func (m *Manager) IsLicenseRequired(ctx context.Context) bool {
	fp := m.fingerprints.Generate()
	cached, state, _ := m.cache.Load(fp.Value)
	m.metrics.recordValidation(ctx, state)

	return !(state == CacheValid && cached.IsActive(m.clock.Now()))
}

// CheckValidity answers from the cache when it holds an active timeline for
// this fingerprint and otherwise re-reads the timeline from the store,
// rewriting the cache on success. When the store is unreachable the cached
// state is reported with StoreReachable false.
func (m *Manager) CheckValidity(ctx context.Context) (*StatusReport, error) {
	report, err := m.checkValidity(ctx)
	if err != nil {
		return nil, err
	}
	report.History = nil
	return report, nil
}

// Status is CheckValidity including the activation history. History keys
// are masked.
func (m *Manager) Status(ctx context.Context) (*StatusReport, error) {
	report, err := m.checkValidity(ctx)
	if err != nil {
		return nil, err
	}
	history := make([]ActivationEntry, len(report.History))
	for i, e := range report.History {
		e.LicenseKey = MaskKey(e.LicenseKey)
		history[i] = e
	}
	report.History = history
	return report, nil
}

func (m *Manager) checkValidity(ctx context.Context) (*StatusReport, error) {
	var report *StatusReport

	err := traceOperation(ctx, "validation", nil, func(ctx context.Context) error {
		fp := m.fingerprints.Generate()
		now := m.clock.Now()

		cached, state, _ := m.cache.Load(fp.Value)
		m.metrics.recordValidation(ctx, state)

		if state == CacheValid && cached.IsActive(now) {
			report = m.buildReport(fp, cached, now, SourceCache, state)
			report.StoreReachable = true
			return nil
		}

		timeline, err := m.resync(ctx, fp, false)
		if err != nil {
			if !errors.Is(err, apperrors.ErrStoreUnavailable) {
				return err
			}
			m.logger.WarnContext(ctx, "ledger unreachable, reporting cached license state",
				slog.String("cache_state", state.String()),
				slog.String("error", err.Error()))

			var fallback *DomainActivation
			if state == CacheValid {
				fallback = cached
			}
			report = m.buildReport(fp, fallback, now, SourceCache, state)
			return nil
		}

		report = m.buildReport(fp, timeline, now, SourceLedger, state)
		report.StoreReachable = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// Refresh re-derives the timeline from the ledger, recovering keys that were
// redeemed but never recorded locally, and rewrites the cache.
func (m *Manager) Refresh(ctx context.Context) (*StatusReport, error) {
	if inv, ok := m.fingerprints.(interface{ Invalidate() }); ok {
		inv.Invalidate()
	}

	var report *StatusReport
	err := traceOperation(ctx, "refresh", nil, func(ctx context.Context) error {
		fp := m.fingerprints.Generate()
		timeline, err := m.resync(ctx, fp, true)
		if err != nil {
			return err
		}
		_, state, _ := m.cache.Load(fp.Value)
		report = m.buildReport(fp, timeline, m.clock.Now(), SourceLedger, state)
		report.StoreReachable = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// Activate redeems key for this deployment. The sequence is syntax check,
// attempt guard, ledger redemption, timeline extension and cache write. A
// failure after redemption is reported as ErrPersistenceAfterRedeem and the
// key stays consumed.
func (m *Manager) Activate(ctx context.Context, rawKey, clientIP string) (*ActivationResult, error) {
	key := NormalizeKey(rawKey)
	// wall clock: latency is a metric, not part of the entitlement timeline
	start := time.Now()

	var result *ActivationResult
	err := traceOperation(ctx, "activation", []attribute.KeyValue{
		attribute.String("license.key_prefix", MaskKey(key)),
	}, func(ctx context.Context) error {
		var err error
		result, err = m.activate(ctx, key, clientIP)
		return err
	})
	m.metrics.recordActivation(ctx, time.Since(start), err)

	if err != nil {
		if result == nil {
			result = &ActivationResult{}
		}
		result.Success = false
		result.Code = apperrors.LicenseErrorCode(err)
		result.Message = apperrors.UserMessage(err)
		return result, err
	}
	return result, nil
}

func (m *Manager) activate(ctx context.Context, key, clientIP string) (*ActivationResult, error) {
	now := m.clock.Now()
	fp := m.fingerprints.Generate()

	event := func(err error) AuditEvent {
		e := NewAuditEvent(ctx, AuditActivation, now, err)
		e.LicenseKey = MaskKey(key)
		e.FingerprintPrefix = FingerprintPrefix(fp.Value)
		e.ClientIP = clientIP
		return e
	}

	if err := ValidateKeyFormat(key); err != nil {
		m.guard.RecordFailure(clientIP)
		m.audit.Record(ctx, event(err))
		return nil, err
	}

	if ok, wait := m.guard.Allow(clientIP); !ok {
		err := fmt.Errorf("%w: retry in %s", apperrors.ErrRateLimited, wait.Round(time.Second))
		m.metrics.recordRateLimited(ctx)
		m.audit.Record(ctx, event(err))
		return nil, err
	}

	m.pending.Add(1)
	defer m.pending.Add(-1)

	rec, err := m.ledger.Redeem(ctx, RedeemRequest{
		Key:               key,
		DomainFingerprint: fp.Value,
		ClientIP:          clientIP,
		At:                now,
	})
	if err != nil {
		if !errors.Is(err, apperrors.ErrStoreUnavailable) {
			if blocked := m.guard.RecordFailure(clientIP); blocked {
				b := event(apperrors.ErrRateLimited)
				b.Action = AuditBlocked
				m.audit.Record(ctx, b)
			}
		}
		m.audit.Record(ctx, event(err))
		return nil, err
	}

	at := now
	if rec.ActivationDate != nil {
		at = *rec.ActivationDate
	}

	entry, timeline, err := m.tracker.ExtendAt(ctx, fp.Value, key, rec.DurationDays, rec.DurationLabel, at)
	if err != nil {
		err = fmt.Errorf("%w: %v", apperrors.ErrPersistenceAfterRedeem, err)
		m.logger.ErrorContext(ctx, "key redeemed but timeline extension failed",
			slog.String("license_key", MaskKey(key)),
			slog.String("error", err.Error()))
		m.audit.Record(ctx, event(err))
		return nil, err
	}

	result := &ActivationResult{
		Expiration:    timeline.ActiveUntil,
		DaysRemaining: timeline.DaysRemaining(now),
		Entry:         &entry,
	}

	if err := m.cache.Save(timeline); err != nil {
		err = fmt.Errorf("%w: %v", apperrors.ErrPersistenceAfterRedeem, err)
		m.logger.ErrorContext(ctx, "key redeemed but license cache write failed",
			slog.String("license_key", MaskKey(key)),
			slog.String("error", err.Error()))
		m.audit.Record(ctx, event(err))
		return result, err
	}
	m.recordDomain(ctx, fp, now)
	m.guard.RecordSuccess(clientIP)

	success := event(nil)
	success.Details = map[string]interface{}{
		"duration_days": entry.DurationDays,
		"expiration":    entry.Expiration,
		"stacked":       len(timeline.Licenses) > 1,
	}
	m.audit.Record(ctx, success)

	m.logger.InfoContext(ctx, "license activated",
		slog.String("license_key", MaskKey(key)),
		slog.Time("active_until", *timeline.ActiveUntil),
		slog.Int("timeline_entries", len(timeline.Licenses)))

	result.Success = true
	result.Message = fmt.Sprintf("License activated. Active until %s.", timeline.ActiveUntil.Format(time.RFC3339))
	return result, nil
}

// ResetDomain drops the timeline of fingerprint. The local cache is removed
// too when the fingerprint is the current one.
func (m *Manager) ResetDomain(ctx context.Context, fingerprint string) error {
	err := m.tracker.Reset(ctx, fingerprint)

	event := NewAuditEvent(ctx, AuditResetDomain, m.clock.Now(), err)
	event.FingerprintPrefix = FingerprintPrefix(fingerprint)
	m.audit.Record(ctx, event)
	if err != nil {
		return err
	}

	if fingerprint == m.fingerprints.Generate().Value {
		if err := m.cache.Delete(); err != nil {
			return fmt.Errorf("delete local cache: %w", err)
		}
	}
	return nil
}

// Fingerprint returns the current deployment fingerprint.
func (m *Manager) Fingerprint() security.Fingerprint {
	return m.fingerprints.Generate()
}

// resync reads the authoritative timeline, optionally reconciling redeemed
// ledger records first, and rewrites the cache. Concurrent calls for one
// fingerprint share a single store round trip.
func (m *Manager) resync(ctx context.Context, fp security.Fingerprint, reconcile bool) (*DomainActivation, error) {
	key := fp.Value
	if reconcile {
		key = "reconcile:" + key
	}

	v, err, _ := m.resyncs.Do(key, func() (interface{}, error) {
		var (
			timeline *DomainActivation
			err      error
		)

		if reconcile {
			var records []Record
			records, err = m.ledger.RedeemedBy(ctx, fp.Value)
			if err != nil {
				return nil, err
			}
			var added int
			timeline, added, err = m.tracker.Reconcile(ctx, fp.Value, records)
			if added > 0 {
				e := NewAuditEvent(ctx, AuditRefresh, m.clock.Now(), err)
				e.FingerprintPrefix = FingerprintPrefix(fp.Value)
				e.Details = map[string]interface{}{"recovered_entries": added}
				m.audit.Record(ctx, e)
			}
		} else {
			timeline, err = m.tracker.Timeline(ctx, fp.Value)
		}
		if err != nil {
			return nil, err
		}

		if timeline != nil && len(timeline.Licenses) > 0 {
			if err := m.cache.Save(timeline); err != nil {
				m.logger.WarnContext(ctx, "could not refresh license cache",
					slog.String("error", err.Error()))
			} else {
				m.recordDomain(ctx, fp, m.clock.Now())
			}
		}
		return timeline, nil
	})
	if err != nil {
		return nil, err
	}
	timeline, _ := v.(*DomainActivation)
	return timeline, nil
}

func (m *Manager) recordDomain(ctx context.Context, fp security.Fingerprint, now time.Time) {
	err := m.cache.RecordDomain(DomainRecord{
		Fingerprint: fp.Value,
		ObservedAt:  now,
		Confidence:  string(fp.Confidence),
	})
	if err != nil {
		m.logger.WarnContext(ctx, "could not record domain fingerprint",
			slog.String("error", err.Error()))
	}
}

func (m *Manager) buildReport(fp security.Fingerprint, timeline *DomainActivation, now time.Time, source string, cacheState CacheState) *StatusReport {
	report := &StatusReport{
		State:         StateOf(timeline, now),
		Source:        source,
		CacheState:    cacheState.String(),
		Fingerprint:   FingerprintPrefix(fp.Value),
		Confidence:    string(fp.Confidence),
		DomainChanged: cacheState == CacheStale || m.cache.DomainChanged(fp.Value),
		CheckedAt:     now,
	}

	if timeline != nil {
		report.Active = timeline.IsActive(now)
		report.DaysRemaining = timeline.DaysRemaining(now)
		report.HistoryCount = len(timeline.Licenses)
		report.History = append([]ActivationEntry(nil), timeline.Licenses...)
		if timeline.ActiveUntil != nil {
			exp := *timeline.ActiveUntil
			report.Expiration = &exp
		}
	}

	if !report.Active && m.pending.Load() > 0 {
		report.State = StatePendingActivation
	}
	return report
}
