package license_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "mailreg/internal/errors"
	"mailreg/internal/license"
	"mailreg/internal/security"
	"mailreg/internal/storage/memory"
)

type staticFingerprint struct {
	fp security.Fingerprint
}

func (s staticFingerprint) Generate() security.Fingerprint { return s.fp }

func fingerprint(value string) staticFingerprint {
	return staticFingerprint{fp: security.Fingerprint{
		Value:      value,
		Confidence: security.ConfidenceHigh,
		Components: []string{"hostname", "machine_id"},
	}}
}

type harness struct {
	ledger  *memory.Ledger
	store   *memory.ActivationStore
	clock   *license.FakeClock
	cache   *license.LocalCache
	tracker *license.Tracker
	sink    *recordingSink
	issuer  *license.Issuer
	manager *license.Manager
	dir     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := security.DefaultEncryptionConfig()
	cfg.SCryptN = 1024
	sealer, err := security.NewSealer("deployment-secret", cfg)
	require.NoError(t, err)

	h := &harness{
		ledger: memory.NewLedger(),
		store:  memory.NewActivationStore(),
		clock:  license.NewFakeClock(t0),
		sink:   &recordingSink{},
		dir:    t.TempDir(),
	}
	h.cache = license.NewLocalCache(license.CacheConfig{
		Path:       filepath.Join(h.dir, "license.dat"),
		DomainPath: filepath.Join(h.dir, "domain.json"),
		RetryDelay: time.Millisecond,
	}, sealer, discardLogger())
	h.tracker = license.NewTracker(h.store, h.clock, discardLogger())
	h.issuer = license.NewIssuer(h.ledger, license.IssuerConfig{}, h.clock, nil, nil, discardLogger())
	h.manager = h.newManager(t, fingerprint("fp-0123456789abcdef"), nil)
	return h
}

func (h *harness) newManager(t *testing.T, fp license.FingerprintSource, guard *license.AttemptGuard) *license.Manager {
	t.Helper()
	m, err := license.NewManager(license.Options{
		Ledger:       h.ledger,
		Tracker:      h.tracker,
		Cache:        h.cache,
		Fingerprints: fp,
		Guard:        guard,
		Audit:        h.sink,
		Clock:        h.clock,
		Logger:       discardLogger(),
	})
	require.NoError(t, err)
	return m
}

func (h *harness) issue(t *testing.T, days int) string {
	t.Helper()
	batch, err := h.issuer.IssueBatch(context.Background(), license.BatchRequest{Count: 1, DurationDays: days})
	require.NoError(t, err)
	return batch.Records[0].Key
}

func TestActivateAndExpire(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := h.issue(t, 1)

	assert.True(t, h.manager.IsLicenseRequired(ctx))

	result, err := h.manager.Activate(ctx, "  "+key+" ", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.DaysRemaining)
	assert.Equal(t, t0.Add(day), *result.Expiration)
	assert.False(t, h.manager.IsLicenseRequired(ctx))

	rec, err := h.ledger.Lookup(ctx, key)
	require.NoError(t, err)
	assert.True(t, rec.IsUsed)
	assert.Equal(t, "fp-0123456789abcdef", rec.UsedDomain)
	assert.Equal(t, "10.0.0.1", rec.UsedIP)

	report, err := h.manager.CheckValidity(ctx)
	require.NoError(t, err)
	assert.True(t, report.Active)
	assert.Equal(t, license.StateActive, report.State)
	assert.Equal(t, license.SourceCache, report.Source)
	assert.Equal(t, "fp-01234", report.Fingerprint)
	assert.Nil(t, report.History)

	h.clock.Advance(48 * time.Hour)

	report, err = h.manager.CheckValidity(ctx)
	require.NoError(t, err)
	assert.False(t, report.Active)
	assert.Equal(t, license.StateExpired, report.State)
	assert.Equal(t, license.SourceLedger, report.Source)
	assert.Zero(t, report.DaysRemaining)
	assert.True(t, h.manager.IsLicenseRequired(ctx))

	event := h.sink.last()
	assert.Equal(t, license.AuditActivation, event.Action)
	assert.Equal(t, license.MaskKey(key), event.LicenseKey)
	assert.NotContains(t, fmt.Sprint(h.sink.events), key)
}

func TestActivateStacksCumulatively(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	five, one := h.issue(t, 5), h.issue(t, 1)

	_, err := h.manager.Activate(ctx, five, "ip")
	require.NoError(t, err)

	h.clock.Advance(2 * day)
	result, err := h.manager.Activate(ctx, one, "ip")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(6*day), *result.Expiration)
	assert.Equal(t, 4, result.DaysRemaining)

	status, err := h.manager.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.HistoryCount)
	require.Len(t, status.History, 2)
	assert.Equal(t, license.MaskKey(five), status.History[0].LicenseKey)
	assert.Equal(t, license.MaskKey(one), status.History[1].LicenseKey)
}

func TestActivateFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	used := h.issue(t, 30)
	_, err := h.manager.Activate(ctx, used, "ip")
	require.NoError(t, err)

	revoked := h.issue(t, 30)
	require.NoError(t, h.ledger.Revoke(ctx, revoked))

	tests := []struct {
		name     string
		key      string
		wantErr  error
		wantCode string
	}{
		{"already used", used, apperrors.ErrKeyAlreadyUsed, apperrors.CodeAlreadyUsed},
		{"revoked", revoked, apperrors.ErrKeyInactive, apperrors.CodeInactive},
		{"unknown", "ZZZZZZZZZZZZ", apperrors.ErrKeyNotFound, apperrors.CodeNotFound},
		{"malformed", "not-a-key", apperrors.ErrInvalidKeyFormat, apperrors.CodeInvalidFormat},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.manager.Activate(ctx, tt.key, fmt.Sprintf("10.0.1.%d", i))
			assert.ErrorIs(t, err, tt.wantErr)
			require.NotNil(t, result)
			assert.False(t, result.Success)
			assert.Equal(t, tt.wantCode, result.Code)
			assert.NotEmpty(t, result.Message)
		})
	}
}

func TestActivateBlockedAfterRepeatedFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	guard := license.NewAttemptGuard(license.GuardConfig{MaxFailedAttempts: 2, BlockDuration: time.Hour}, h.clock, discardLogger())
	m := h.newManager(t, fingerprint("fp-guarded"), guard)
	key := h.issue(t, 1)

	_, err := m.Activate(ctx, "ZZZZZZZZZZZZ", "203.0.113.9")
	assert.ErrorIs(t, err, apperrors.ErrKeyNotFound)
	_, err = m.Activate(ctx, "YYYYYYYYYYYY", "203.0.113.9")
	assert.ErrorIs(t, err, apperrors.ErrKeyNotFound)

	result, err := m.Activate(ctx, key, "203.0.113.9")
	assert.ErrorIs(t, err, apperrors.ErrRateLimited)
	assert.Equal(t, apperrors.CodeRateLimited, result.Code)
	assert.Contains(t, h.sink.actions(), license.AuditBlocked)

	rec, err := h.ledger.Lookup(ctx, key)
	require.NoError(t, err)
	assert.False(t, rec.IsUsed, "a blocked attempt never reaches the ledger")

	h.clock.Advance(2 * time.Hour)
	_, err = m.Activate(ctx, key, "203.0.113.9")
	assert.NoError(t, err)
}

func TestConcurrentActivationOfOneKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := h.issue(t, 30)

	const workers = 8
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		successes   int
		alreadyUsed int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.manager.Activate(ctx, key, fmt.Sprintf("10.1.0.%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case assert.ErrorIs(t, err, apperrors.ErrKeyAlreadyUsed):
				alreadyUsed++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, alreadyUsed)

	timeline, err := h.tracker.Timeline(ctx, "fp-0123456789abcdef")
	require.NoError(t, err)
	assert.Len(t, timeline.Licenses, 1)
}

func TestCacheLossRequiresLicenseUntilValidated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.manager.Activate(ctx, h.issue(t, 30), "ip")
	require.NoError(t, err)

	require.NoError(t, h.cache.Delete())
	assert.True(t, h.manager.IsLicenseRequired(ctx))

	report, err := h.manager.CheckValidity(ctx)
	require.NoError(t, err)
	assert.True(t, report.Active)
	assert.Equal(t, license.SourceLedger, report.Source)
	assert.Equal(t, "absent", report.CacheState)

	assert.False(t, h.manager.IsLicenseRequired(ctx), "validation rewrites the cache")
}

func TestCheckValidityFallsBackToCacheWhenStoreDown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.manager.Activate(ctx, h.issue(t, 1), "ip")
	require.NoError(t, err)

	h.clock.Advance(2 * day)
	h.store.SetOffline(true)
	h.ledger.SetOffline(true)

	report, err := h.manager.CheckValidity(ctx)
	require.NoError(t, err)
	assert.False(t, report.StoreReachable)
	assert.Equal(t, license.SourceCache, report.Source)
	assert.Equal(t, license.StateExpired, report.State)
	assert.Equal(t, 1, report.HistoryCount)
}

func TestCorruptCacheIsTreatedAsAbsent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.manager.Activate(ctx, h.issue(t, 30), "ip")
	require.NoError(t, err)

	other, err := security.NewSealer("another-secret", &security.EncryptionConfig{
		SCryptN: 1024, SCryptR: 8, SCryptP: 1, SCryptKeyLen: 32, SaltSize: 16,
	})
	require.NoError(t, err)
	foreign := license.NewLocalCache(license.CacheConfig{Path: h.cache.Path(), RetryDelay: time.Millisecond}, other, discardLogger())

	_, state, err := foreign.Load("fp-0123456789abcdef")
	assert.Equal(t, license.CacheCorrupt, state)
	assert.ErrorIs(t, err, apperrors.ErrCacheCorrupt)

	h.store.SetOffline(true)
	m, err := license.NewManager(license.Options{
		Ledger: h.ledger, Tracker: h.tracker, Cache: foreign,
		Fingerprints: fingerprint("fp-0123456789abcdef"), Clock: h.clock, Logger: discardLogger(),
	})
	require.NoError(t, err)

	assert.True(t, m.IsLicenseRequired(ctx))
	report, err := m.CheckValidity(ctx)
	require.NoError(t, err)
	assert.False(t, report.Active)
	assert.Equal(t, "corrupt", report.CacheState)
}

func TestPersistenceFailureAfterRedeemIsRecoverable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := h.issue(t, 30)

	h.store.SetOffline(true)
	result, err := h.manager.Activate(ctx, key, "ip")
	assert.ErrorIs(t, err, apperrors.ErrPersistenceAfterRedeem)
	assert.Equal(t, apperrors.CodeActivatedNotPersisted, result.Code)

	rec, err := h.ledger.Lookup(ctx, key)
	require.NoError(t, err)
	assert.True(t, rec.IsUsed, "the key stays consumed")

	h.store.SetOffline(false)
	report, err := h.manager.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, report.Active)
	assert.Equal(t, 1, report.HistoryCount)
	assert.Equal(t, t0.Add(30*day), *report.Expiration)
	assert.Contains(t, h.sink.actions(), license.AuditRefresh)
	assert.False(t, h.manager.IsLicenseRequired(ctx))
}

func TestPendingActivationState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := h.issue(t, 30)

	gate := make(chan struct{})
	reached := make(chan struct{})
	slow := &slowLedger{Ledger: h.ledger, reached: reached, gate: gate}
	m, err := license.NewManager(license.Options{
		Ledger: slow, Tracker: h.tracker, Cache: h.cache,
		Fingerprints: fingerprint("fp-pending"), Clock: h.clock, Logger: discardLogger(),
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.Activate(ctx, key, "ip")
		done <- err
	}()

	<-reached
	report, err := m.CheckValidity(ctx)
	require.NoError(t, err)
	assert.Equal(t, license.StatePendingActivation, report.State)

	close(gate)
	require.NoError(t, <-done)

	report, err = m.CheckValidity(ctx)
	require.NoError(t, err)
	assert.Equal(t, license.StateActive, report.State)
}

// slowLedger holds Redeem until gate closes.
type slowLedger struct {
	license.Ledger
	reached chan struct{}
	gate    chan struct{}
}

func (l *slowLedger) Redeem(ctx context.Context, req license.RedeemRequest) (*license.Record, error) {
	close(l.reached)
	<-l.gate
	return l.Ledger.Redeem(ctx, req)
}

func TestResetDomain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.manager.Activate(ctx, h.issue(t, 30), "ip")
	require.NoError(t, err)

	require.NoError(t, h.manager.ResetDomain(ctx, "fp-0123456789abcdef"))
	assert.True(t, h.manager.IsLicenseRequired(ctx))

	report, err := h.manager.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, license.StateUnlicensed, report.State)
	assert.Empty(t, report.History)
	assert.Equal(t, license.AuditResetDomain, h.sink.events[len(h.sink.events)-1].Action)
}

func TestDomainChangeIsReported(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.manager.Activate(ctx, h.issue(t, 30), "ip")
	require.NoError(t, err)

	moved := h.newManager(t, fingerprint("fp-fedcba9876543210"), nil)
	assert.True(t, moved.IsLicenseRequired(ctx))

	report, err := moved.CheckValidity(ctx)
	require.NoError(t, err)
	assert.True(t, report.DomainChanged)
	assert.Equal(t, "stale", report.CacheState)
	assert.Equal(t, license.StateUnlicensed, report.State)
}

func TestNewManagerRequiresDependencies(t *testing.T) {
	_, err := license.NewManager(license.Options{})
	assert.Error(t, err)

	_, err = license.NewManager(license.Options{Ledger: memory.NewLedger()})
	assert.Error(t, err)
}
