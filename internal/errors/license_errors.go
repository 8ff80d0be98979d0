package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// License subsystem sentinel errors. Callers wrap them with fmt.Errorf("...: %w")
// and classify with errors.Is.
var (
	ErrInvalidKeyFormat  = errors.New("invalid license key format")
	ErrKeyNotFound       = errors.New("license key not found")
	ErrKeyAlreadyUsed    = errors.New("license key already used")
	ErrKeyInactive       = errors.New("license key inactive")
	ErrStoreUnavailable  = errors.New("license store unavailable")
	ErrCacheCorrupt      = errors.New("license cache corrupt")
	ErrDomainMismatch    = errors.New("domain fingerprint mismatch")
	ErrEncryptionFailure = errors.New("license cache encryption failure")

	// ErrPersistenceAfterRedeem means the ledger consumed the key but the
	// local timeline or cache could not be written. The key must not be
	// re-entered; a status refresh recovers the state.
	ErrPersistenceAfterRedeem = errors.New("activated in ledger but local persistence failed")

	ErrRateLimited       = errors.New("rate limited")
	ErrLicenseExpired    = errors.New("license expired")
	ErrNotActivated      = errors.New("license not activated")
	ErrInvalidBatch      = errors.New("invalid batch request")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrKeySpaceExhausted = errors.New("could not generate a unique license key")
	ErrDuplicateKey      = errors.New("license key already exists")
)

// Stable error codes returned by both HTTP surfaces.
const (
	CodeNotFound              = "NOT_FOUND"
	CodeAlreadyUsed           = "ALREADY_USED"
	CodeInactive              = "INACTIVE"
	CodeInvalidFormat         = "INVALID_FORMAT"
	CodeStoreUnavailable      = "STORE_UNAVAILABLE"
	CodeActivatedNotPersisted = "ACTIVATED_NOT_PERSISTED"
	CodeCacheCorrupt          = "CACHE_CORRUPT"
	CodeDomainMismatch        = "DOMAIN_MISMATCH"
	CodeRateLimited           = "RATE_LIMITED"
	CodeExpired               = "EXPIRED"
	CodeNotActivated          = "NOT_ACTIVATED"
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeServerError           = "SERVER_ERROR"
)

// LicenseErrorCode maps an error chain onto the stable code taxonomy.
// Unknown errors are reported as SERVER_ERROR.
func LicenseErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidKeyFormat):
		return CodeInvalidFormat
	case errors.Is(err, ErrKeyNotFound):
		return CodeNotFound
	case errors.Is(err, ErrKeyAlreadyUsed):
		return CodeAlreadyUsed
	case errors.Is(err, ErrKeyInactive):
		return CodeInactive
	case errors.Is(err, ErrPersistenceAfterRedeem):
		return CodeActivatedNotPersisted
	case errors.Is(err, ErrStoreUnavailable):
		return CodeStoreUnavailable
	case errors.Is(err, ErrCacheCorrupt), errors.Is(err, ErrEncryptionFailure):
		return CodeCacheCorrupt
	case errors.Is(err, ErrDomainMismatch):
		return CodeDomainMismatch
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrLicenseExpired):
		return CodeExpired
	case errors.Is(err, ErrNotActivated):
		return CodeNotActivated
	case errors.Is(err, ErrInvalidBatch), errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	default:
		return CodeServerError
	}
}

// HTTPStatus returns the HTTP status used for an error code.
func HTTPStatus(code string) int {
	switch code {
	case CodeInvalidFormat, CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyUsed, CodeInactive:
		return http.StatusConflict
	case CodeExpired, CodeDomainMismatch:
		return http.StatusForbidden
	case CodeNotActivated:
		return http.StatusPreconditionRequired
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case "":
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions next to the standard members
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, len(pd.Extensions)+5)
	for k, v := range pd.Extensions {
		data[k] = v
	}

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

type problemText struct {
	slug   string
	title  string
	detail string
}

var licenseProblems = map[string]problemText{
	CodeInvalidFormat: {"invalid-format", "Invalid License Key Format",
		"The license key is malformed or its checksum does not match."},
	CodeNotFound: {"key-not-found", "License Key Not Found",
		"No license with this key exists."},
	CodeAlreadyUsed: {"key-already-used", "License Key Already Used",
		"This license key has already been redeemed."},
	CodeInactive: {"key-inactive", "License Key Inactive",
		"This license key has been deactivated or revoked."},
	CodeStoreUnavailable: {"store-unavailable", "License Store Unavailable",
		"The license ledger could not be reached. Cached status remains in effect."},
	CodeActivatedNotPersisted: {"activated-not-persisted", "Activation Not Persisted",
		"The key was activated in the ledger but local persistence failed. Do not re-enter the key; refresh the license status instead."},
	CodeCacheCorrupt: {"cache-corrupt", "License Cache Unreadable",
		"The local license cache could not be read and will be rebuilt from the ledger."},
	CodeDomainMismatch: {"domain-mismatch", "Domain Mismatch",
		"The stored license belongs to a different deployment."},
	CodeRateLimited: {"rate-limited", "Too Many Requests",
		"Too many activation attempts. Please try again later."},
	CodeExpired: {"expired", "License Expired",
		"The license has expired. Activate a new key to continue."},
	CodeNotActivated: {"not-activated", "License Not Activated",
		"No license has been activated for this deployment."},
	CodeInvalidRequest: {"invalid-request", "Invalid Request",
		"The request could not be processed."},
}

// MapLicenseError maps domain errors to HTTP problem details
func MapLicenseError(err error, traceID string) *ProblemDetails {
	code := LicenseErrorCode(err)
	text, ok := licenseProblems[code]
	if !ok {
		text = problemText{"internal-error", "Internal Server Error",
			"An unexpected error occurred while processing your request."}
	}

	problem := NewProblemDetails(
		HTTPStatus(code),
		"/errors/license/"+text.slug,
		text.title,
		text.detail,
		fmt.Sprintf("/api/license#trace-%s", traceID),
	).WithExtension("trace_id", traceID).
		WithExtension("error_code", code)

	if code == CodeRateLimited {
		problem.WithExtension("retry_after", 900)
	}

	return problem
}

// UserMessage returns the human readable explanation shown for err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if text, ok := licenseProblems[LicenseErrorCode(err)]; ok {
		return text.detail
	}
	return "An unexpected error occurred while processing your request."
}
