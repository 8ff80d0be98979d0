package postgres

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "mailreg/internal/errors"
	"mailreg/internal/license"
)

var activationColumns = []string{"licenses", "active_until", "updated_at"}

func TestActivationStoreGet(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewActivationStore(db)

	until := redeemAt.Add(30 * 24 * time.Hour)
	entries, err := json.Marshal([]license.ActivationEntry{{
		LicenseKey: "AAAAAAAAAAAA", DurationDays: 30, ActivationDate: redeemAt, Expiration: until,
	}})
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("FROM domain_activations WHERE domain_fingerprint = $1")).
		WithArgs("fp").
		WillReturnRows(sqlmock.NewRows(activationColumns).AddRow(entries, until, redeemAt))
	mock.ExpectQuery(regexp.QuoteMeta("FROM domain_activations WHERE domain_fingerprint = $1")).
		WithArgs("other").
		WillReturnRows(sqlmock.NewRows(activationColumns))

	d, err := store.Get(context.Background(), "fp")
	require.NoError(t, err)
	assert.Equal(t, "fp", d.DomainFingerprint)
	require.Len(t, d.Licenses, 1)
	assert.Equal(t, "AAAAAAAAAAAA", d.Licenses[0].LicenseKey)
	assert.True(t, d.IsActive(redeemAt))

	missing, err := store.Get(context.Background(), "other")
	require.NoError(t, err)
	assert.Nil(t, missing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActivationStoreUpdateLocksRow(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewActivationStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (domain_fingerprint) DO NOTHING")).
		WithArgs("fp").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("fp").
		WillReturnRows(sqlmock.NewRows(activationColumns).AddRow([]byte("[]"), nil, created))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE domain_activations")).
		WithArgs("fp", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tracker := license.NewTracker(store, license.NewFakeClock(redeemAt), nil)
	entry, timeline, err := tracker.Extend(context.Background(), "fp", "AAAAAAAAAAAA", 7, "")
	require.NoError(t, err)

	assert.Equal(t, redeemAt.Add(7*24*time.Hour), entry.Expiration)
	assert.Len(t, timeline.Licenses, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActivationStoreUpdateRollsBackOnCallbackError(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewActivationStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO domain_activations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows(activationColumns).AddRow([]byte("[]"), nil, created))
	mock.ExpectRollback()

	_, err := store.Update(context.Background(), "fp", func(*license.DomainActivation) error {
		return apperrors.ErrDomainMismatch
	})
	assert.ErrorIs(t, err, apperrors.ErrDomainMismatch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActivationStoreUpdateBeginFails(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin().WillReturnError(context.DeadlineExceeded)

	_, err := NewActivationStore(db).Update(context.Background(), "fp", func(*license.DomainActivation) error { return nil })
	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
}

func TestActivationStoreDelete(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM domain_activations")).
		WithArgs("fp").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewActivationStore(db).Delete(context.Background(), "fp"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
