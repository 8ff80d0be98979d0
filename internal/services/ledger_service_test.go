package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "mailreg/internal/errors"
	"mailreg/internal/license"
	"mailreg/internal/storage/memory"
)

type auditRecorder struct {
	mu     sync.Mutex
	events []license.AuditEvent
}

func (r *auditRecorder) Record(_ context.Context, e license.AuditEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *auditRecorder) last() license.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type ledgerFixture struct {
	ledger *memory.Ledger
	store  *memory.ActivationStore
	clock  *license.FakeClock
	audit  *auditRecorder
	svc    *LedgerService
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	f := &ledgerFixture{
		ledger: memory.NewLedger(),
		store:  memory.NewActivationStore(),
		clock:  license.NewFakeClock(checkedAt),
		audit:  &auditRecorder{},
	}
	tracker := license.NewTracker(f.store, f.clock, quietLogger())
	issuer := license.NewIssuer(f.ledger, license.IssuerConfig{Prefix: "MR", CreatedBy: "ops"}, f.clock, f.audit, nil, quietLogger())
	f.svc = NewLedgerService(f.ledger, tracker, issuer, f.audit, f.clock, quietLogger())
	return f
}

func (f *ledgerFixture) issue(t *testing.T, days int) string {
	t.Helper()
	batch, err := f.svc.IssueBatch(context.Background(), license.BatchRequest{Count: 1, DurationDays: days})
	require.NoError(t, err)
	return batch.Records[0].Key
}

func TestLedgerServiceValidate(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	key := f.issue(t, 30)

	v, err := f.svc.Validate(ctx, key)
	require.NoError(t, err)
	assert.True(t, v.Redeemable)
	assert.Equal(t, license.StatusActive, v.Status)
	assert.Equal(t, 30, v.DurationDays)
	assert.Equal(t, "1 Month", v.DurationLabel)
	assert.Equal(t, license.AuditValidate, f.audit.last().Action)

	_, err = f.svc.ActivateForDomain(ctx, key, "fp-aaaaaaaaaaaa", "10.1.1.1")
	require.NoError(t, err)

	v, err = f.svc.Validate(ctx, key)
	assert.ErrorIs(t, err, apperrors.ErrKeyAlreadyUsed)
	require.NotNil(t, v)
	assert.False(t, v.Redeemable)
	assert.True(t, v.IsUsed)
	assert.Equal(t, "fp-aaaaa", v.UsedDomain)

	_, err = f.svc.Validate(ctx, "ZZZZZZZZZZZZ")
	assert.ErrorIs(t, err, apperrors.ErrKeyNotFound)

	_, err = f.svc.Validate(ctx, "nope")
	assert.ErrorIs(t, err, apperrors.ErrInvalidKeyFormat)
}

func TestLedgerServiceActivateForDomainStacks(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	fp := "fp-bbbbbbbbbbbb"

	first, err := f.svc.ActivateForDomain(ctx, f.issue(t, 5), fp, "10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, checkedAt.Add(5*24*time.Hour), *first.ActiveUntil)
	assert.False(t, first.Stacked)
	assert.Equal(t, 5, first.DaysRemaining)

	f.clock.Advance(2 * 24 * time.Hour)
	second, err := f.svc.ActivateForDomain(ctx, f.issue(t, 30), fp, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, second.Stacked)
	assert.Equal(t, checkedAt.Add(35*24*time.Hour), *second.ActiveUntil)
	assert.Equal(t, checkedAt.Add(2*24*time.Hour), second.Entry.ActivationDate)
	assert.Equal(t, *second.ActiveUntil, second.Entry.Expiration)

	event := f.audit.last()
	assert.Equal(t, license.AuditRedeem, event.Action)
	assert.True(t, event.Success)
	assert.Equal(t, "fp-bbbbb", event.FingerprintPrefix)
}

func TestLedgerServiceActivateForDomainFailures(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	used := f.issue(t, 7)
	_, err := f.svc.ActivateForDomain(ctx, used, "fp-one", "")
	require.NoError(t, err)
	revoked := f.issue(t, 7)
	require.NoError(t, f.svc.Revoke(ctx, revoked))

	tests := []struct {
		name string
		key  string
		fp   string
		code string
	}{
		{"missing fingerprint", f.issue(t, 1), " ", apperrors.CodeInvalidRequest},
		{"malformed", "bad-key", "fp-two", apperrors.CodeInvalidFormat},
		{"unknown", "ZZZZZZZZZZZZ", "fp-two", apperrors.CodeNotFound},
		{"already used", used, "fp-two", apperrors.CodeAlreadyUsed},
		{"revoked", revoked, "fp-two", apperrors.CodeInactive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.svc.ActivateForDomain(ctx, tt.key, tt.fp, "10.0.0.3")
			assert.Nil(t, res)
			assert.Equal(t, tt.code, apperrors.LicenseErrorCode(err))

			event := f.audit.last()
			assert.False(t, event.Success)
			assert.Equal(t, tt.code, event.ErrorCode)
		})
	}
}

func TestLedgerServiceActivateAfterTimelineFailure(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	key := f.issue(t, 30)
	f.store.SetOffline(true)

	_, err := f.svc.ActivateForDomain(ctx, key, "fp-ccc", "10.0.0.4")
	assert.ErrorIs(t, err, apperrors.ErrPersistenceAfterRedeem)

	rec, err := f.ledger.Lookup(ctx, key)
	require.NoError(t, err)
	assert.True(t, rec.IsUsed, "the ledger redemption is never rolled back")
}

func TestLedgerServiceRevokeAndStats(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	a := f.issue(t, 30)
	f.issue(t, 365)

	require.NoError(t, f.svc.Revoke(ctx, " "+a+" "))
	assert.Equal(t, license.AuditRevoke, f.audit.last().Action)
	assert.ErrorIs(t, f.svc.Revoke(ctx, "ZZZZZZZZZZZZ"), apperrors.ErrKeyNotFound)
	assert.ErrorIs(t, f.svc.Revoke(ctx, "x"), apperrors.ErrInvalidKeyFormat)

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Revoked)
	assert.Equal(t, 2, stats.Batches)
	assert.Equal(t, 1, stats.ByDuration["1 Year"])
}

func TestLedgerServiceResetDomain(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	_, err := f.svc.ActivateForDomain(ctx, f.issue(t, 30), "fp-ddd", "")
	require.NoError(t, err)

	require.NoError(t, f.svc.ResetDomain(ctx, "fp-ddd"))
	timeline, err := f.store.Get(ctx, "fp-ddd")
	require.NoError(t, err)
	assert.Nil(t, timeline)
	assert.Equal(t, license.AuditResetDomain, f.audit.last().Action)

	assert.ErrorIs(t, f.svc.ResetDomain(ctx, ""), apperrors.ErrInvalidRequest)
}

func TestLedgerServicePing(t *testing.T) {
	f := newLedgerFixture(t)
	require.NoError(t, f.svc.Ping(context.Background()))
	f.ledger.SetOffline(true)
	assert.ErrorIs(t, f.svc.Ping(context.Background()), apperrors.ErrStoreUnavailable)
}
