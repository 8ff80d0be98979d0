package license

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	apperrors "mailreg/internal/errors"
)

func TestRecordRedeemable(t *testing.T) {
	assert.NoError(t, (&Record{Status: StatusActive}).Redeemable())
	assert.ErrorIs(t, (&Record{Status: StatusActive, IsUsed: true}).Redeemable(), apperrors.ErrKeyAlreadyUsed)
	assert.ErrorIs(t, (&Record{Status: StatusRevoked}).Redeemable(), apperrors.ErrKeyInactive)
	// status is checked before usage
	assert.ErrorIs(t, (&Record{Status: StatusInactive, IsUsed: true}).Redeemable(), apperrors.ErrKeyInactive)
}

func TestDomainActivationDaysRemaining(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(36 * time.Hour)
	d := &DomainActivation{ActiveUntil: &until, Licenses: []ActivationEntry{{LicenseKey: "K"}}}

	assert.True(t, d.IsActive(now))
	assert.Equal(t, 2, d.DaysRemaining(now))
	assert.Equal(t, 1, d.DaysRemaining(now.Add(24*time.Hour)))
	assert.False(t, d.IsActive(until), "expiry instant is exclusive")
	assert.Equal(t, 0, d.DaysRemaining(until))

	var none *DomainActivation
	assert.False(t, none.IsActive(now))
	assert.Equal(t, 0, none.DaysRemaining(now))
}

func TestStateOf(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	future, past := now.Add(time.Hour), now.Add(-time.Hour)

	assert.Equal(t, StateUnlicensed, StateOf(nil, now))
	assert.Equal(t, StateUnlicensed, StateOf(&DomainActivation{}, now))
	assert.Equal(t, StateActive, StateOf(&DomainActivation{Licenses: []ActivationEntry{{}}, ActiveUntil: &future}, now))
	assert.Equal(t, StateExpired, StateOf(&DomainActivation{Licenses: []ActivationEntry{{}}, ActiveUntil: &past}, now))
}

func TestCloneIsDeep(t *testing.T) {
	until := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	d := &DomainActivation{Licenses: []ActivationEntry{{LicenseKey: "A"}}, ActiveUntil: &until}

	c := d.Clone()
	c.Licenses[0].LicenseKey = "B"
	*c.ActiveUntil = until.Add(time.Hour)

	assert.Equal(t, "A", d.Licenses[0].LicenseKey)
	assert.Equal(t, until, *d.ActiveUntil)
}

func TestLabelForDays(t *testing.T) {
	assert.Equal(t, "1 Day", LabelForDays(1))
	assert.Equal(t, "1 Month", LabelForDays(30))
	assert.Equal(t, "1 Year", LabelForDays(365))
	assert.Equal(t, "45 Days", LabelForDays(45))
}
