package http

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "mailreg/internal/errors"
	"mailreg/internal/license"
	"mailreg/internal/middleware"
	"mailreg/internal/services"
	"mailreg/internal/storage/memory"
)

const adminToken = "test-admin-token"

type adminFixture struct {
	router http.Handler
	ledger *memory.Ledger
	clock  *license.FakeClock
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	f := &adminFixture{
		ledger: memory.NewLedger(),
		clock:  license.NewFakeClock(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)),
	}
	tracker := license.NewTracker(memory.NewActivationStore(), f.clock, quietLogger())
	issuer := license.NewIssuer(f.ledger, license.IssuerConfig{Prefix: "MR"}, f.clock, nil, nil, quietLogger())
	svc := services.NewLedgerService(f.ledger, tracker, issuer, nil, f.clock, quietLogger())

	errorHandler := apperrors.NewErrorHandler(quietLogger(), middleware.GetRequestID, false)
	h := NewLedgerHandler(svc, middleware.NewRequestValidator(), "ops-team", quietLogger())

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Group(func(r chi.Router) {
		r.Use(middleware.AdminToken(adminToken, errorHandler, quietLogger()))
		h.Register(r)
	})
	f.router = r
	return f
}

func (f *adminFixture) do(t *testing.T, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	rec, decoded := doJSON(t, f.router, method, path, body, middleware.AdminTokenHeader, adminToken)
	return rec.Code, decoded
}

func (f *adminFixture) generate(t *testing.T, count, days int) []string {
	t.Helper()
	code, body := f.do(t, http.MethodPost, "/generate_licenses",
		fmt.Sprintf(`{"count":%d,"duration_days":%d}`, count, days))
	require.Equal(t, http.StatusCreated, code, body)
	data := body["data"].(map[string]interface{})
	records := data["records"].([]interface{})
	keys := make([]string, 0, len(records))
	for _, rec := range records {
		keys = append(keys, rec.(map[string]interface{})["key"].(string))
	}
	return keys
}

func TestLedgerHandlerGenerateLicenses(t *testing.T) {
	f := newAdminFixture(t)

	code, body := f.do(t, http.MethodPost, "/generate_licenses", `{"count":3,"duration_days":90}`)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, true, body["success"])
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "3 Months", data["duration_label"])
	assert.Equal(t, "ops-team", data["created_by"])
	assert.Regexp(t, `^BATCH-20260201-[0-9a-f]{8}$`, data["batch_id"])
	assert.Len(t, data["records"], 3)

	code, body = f.do(t, http.MethodPost, "/generate_licenses", `{"count":0,"duration_days":90}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, apperrors.CodeInvalidRequest, body["error_code"])
	assert.NotEmpty(t, body["data"])
}

func TestLedgerHandlerValidateAndActivate(t *testing.T) {
	f := newAdminFixture(t)
	key := f.generate(t, 1, 30)[0]

	code, body := f.do(t, http.MethodGet, "/api/validate/"+key, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["data"].(map[string]interface{})["redeemable"])

	code, body = f.do(t, http.MethodPost, "/api/activate",
		fmt.Sprintf(`{"key":%q,"domain_fingerprint":"fp-0123456789abcdef"}`, key))
	require.Equal(t, http.StatusOK, code, body)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "2026-03-03T09:00:00Z", data["active_until"])
	assert.Equal(t, float64(30), data["days_remaining"])

	code, body = f.do(t, http.MethodGet, "/api/validate/"+key, "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, apperrors.CodeAlreadyUsed, body["error_code"])
	assert.Equal(t, true, body["data"].(map[string]interface{})["is_used"])

	code, body = f.do(t, http.MethodPost, "/api/activate",
		fmt.Sprintf(`{"key":%q,"domain_fingerprint":"fp-other"}`, key))
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, apperrors.CodeAlreadyUsed, body["error_code"])
}

func TestLedgerHandlerErrorCodes(t *testing.T) {
	f := newAdminFixture(t)
	revoked := f.generate(t, 1, 7)[0]

	code, body := f.do(t, http.MethodPost, "/api/revoke/"+revoked, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, license.MaskKey(revoked), body["data"].(map[string]interface{})["key"])

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"unknown key", http.MethodGet, "/api/validate/ZZZZZZZZZZZZ", "", http.StatusNotFound, apperrors.CodeNotFound},
		{"malformed key", http.MethodGet, "/api/validate/abc", "", http.StatusBadRequest, apperrors.CodeInvalidFormat},
		{"revoked key", http.MethodGet, "/api/validate/" + revoked, "", http.StatusConflict, apperrors.CodeInactive},
		{"activate revoked", http.MethodPost, "/api/activate", fmt.Sprintf(`{"key":%q,"domain_fingerprint":"fp-1"}`, revoked), http.StatusConflict, apperrors.CodeInactive},
		{"activate without fingerprint", http.MethodPost, "/api/activate", `{"key":"ABCDEFGHJKMN"}`, http.StatusBadRequest, apperrors.CodeInvalidRequest},
		{"revoke unknown", http.MethodPost, "/api/revoke/ZZZZZZZZZZZZ", "", http.StatusNotFound, apperrors.CodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, code)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.wantCode, body["error_code"])
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestLedgerHandlerStats(t *testing.T) {
	f := newAdminFixture(t)
	f.generate(t, 2, 1)
	f.generate(t, 1, 365)

	code, body := f.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(3), data["total"])
	assert.Equal(t, float64(3), data["unused"])
	assert.Equal(t, float64(2), data["batches"])
	assert.Equal(t, float64(2), data["by_duration"].(map[string]interface{})["1 Day"])

	f.ledger.SetOffline(true)
	code, body = f.do(t, http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, apperrors.CodeStoreUnavailable, body["error_code"])
}

func TestLedgerHandlerRequiresAdminToken(t *testing.T) {
	f := newAdminFixture(t)

	rec, body := doJSON(t, f.router, http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apperrors.CodeUnauthorized, body["error_code"])

	rec, _ = doJSON(t, f.router, http.MethodGet, "/api/stats", "", middleware.AdminTokenHeader, "nope")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
