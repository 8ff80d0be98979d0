package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "mailreg/internal/errors"
	"mailreg/internal/license"
	"mailreg/internal/middleware"
	"mailreg/internal/services"
)

// AdminService is the ledger administration consumed by the operator tool.
// services.LedgerService implements it.
type AdminService interface {
	Validate(ctx context.Context, key string) (*services.KeyValidation, error)
	ActivateForDomain(ctx context.Context, key, fingerprint, clientIP string) (*services.DomainActivationResult, error)
	Stats(ctx context.Context) (*license.LedgerStats, error)
	IssueBatch(ctx context.Context, req license.BatchRequest) (*license.Batch, error)
	Revoke(ctx context.Context, key string) error
}

var _ AdminService = (*services.LedgerService)(nil)

// Envelope is the response shape of every administrative endpoint.
type Envelope struct {
	Success   bool        `json:"success"`
	ErrorCode string      `json:"error_code,omitempty"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// DomainActivationRequest is the body of POST /api/activate.
type DomainActivationRequest struct {
	Key               string `json:"key" validate:"required,max=64"`
	DomainFingerprint string `json:"domain_fingerprint" validate:"required,max=128"`
}

// LedgerHandler serves the administrative ledger API.
type LedgerHandler struct {
	service   AdminService
	validator *middleware.RequestValidator
	createdBy string
	logger    *slog.Logger
}

// NewLedgerHandler creates the administrative handler. createdBy is
// recorded on batches whose request names no operator.
func NewLedgerHandler(service AdminService, validator *middleware.RequestValidator, createdBy string, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{
		service:   service,
		validator: validator,
		createdBy: createdBy,
		logger:    logger.With(slog.String("handler", "ledger")),
	}
}

// Register mounts the administrative routes on r. The caller applies the
// admin token middleware.
func (h *LedgerHandler) Register(r chi.Router) {
	r.Get("/api/validate/{key}", h.Validate)
	r.Post("/api/activate", h.Activate)
	r.Get("/api/stats", h.Stats)
	r.Post("/api/revoke/{key}", h.Revoke)
	r.Post("/generate_licenses", h.GenerateLicenses)
}

// Validate handles GET /api/validate/{key}
func (h *LedgerHandler) Validate(w http.ResponseWriter, r *http.Request) {
	v, err := h.service.Validate(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		var data interface{}
		if v != nil {
			data = v
		}
		h.fail(w, r, err, data)
		return
	}
	h.ok(w, r, http.StatusOK, "License key is valid and unused", v)
}

// Activate handles POST /api/activate
func (h *LedgerHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req DomainActivationRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.fail(w, r, err, nil)
		return
	}

	res, err := h.service.ActivateForDomain(r.Context(), req.Key, req.DomainFingerprint, clientIP(r))
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	h.ok(w, r, http.StatusOK, "License activated", res)
}

// Stats handles GET /api/stats
func (h *LedgerHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	h.ok(w, r, http.StatusOK, "Ledger statistics", stats)
}

// Revoke handles POST /api/revoke/{key}
func (h *LedgerHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	key := license.NormalizeKey(chi.URLParam(r, "key"))
	if err := h.service.Revoke(r.Context(), key); err != nil {
		h.fail(w, r, err, nil)
		return
	}
	h.ok(w, r, http.StatusOK, "License key revoked", map[string]string{"key": license.MaskKey(key)})
}

// GenerateLicenses handles POST /generate_licenses
func (h *LedgerHandler) GenerateLicenses(w http.ResponseWriter, r *http.Request) {
	var req license.BatchRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.fail(w, r, err, nil)
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = h.createdBy
	}

	batch, err := h.service.IssueBatch(r.Context(), req)
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	h.ok(w, r, http.StatusCreated, "License batch generated", batch)
}

func (h *LedgerHandler) ok(w http.ResponseWriter, r *http.Request, status int, message string, data interface{}) {
	render.Status(r, status)
	render.JSON(w, r, Envelope{
		Success: true,
		Message: message,
		Data:    data,
		TraceID: middleware.GetRequestID(r.Context()),
	})
}

// fail maps err onto the envelope. Request validation failures keep their
// field details; everything else goes through the license taxonomy.
func (h *LedgerHandler) fail(w http.ResponseWriter, r *http.Request, err error, data interface{}) {
	ctx := r.Context()
	env := Envelope{Data: data, TraceID: middleware.GetRequestID(ctx)}
	var status int

	var apiErr *apperrors.APIError
	if errors.As(err, &apiErr) {
		env.ErrorCode = apiErr.ErrorCode
		env.Message = apiErr.Message
		if apiErr.Details != nil && data == nil {
			env.Data = apiErr.Details
		}
		status = apiErr.StatusCode
	} else {
		env.ErrorCode = apperrors.LicenseErrorCode(err)
		env.Message = apperrors.UserMessage(err)
		status = apperrors.HTTPStatus(env.ErrorCode)
	}

	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(ctx, level, "admin request failed",
		slog.String("route", middleware.RoutePattern(r)),
		slog.String("error_code", env.ErrorCode),
		slog.String("error", err.Error()))

	render.Status(r, status)
	render.JSON(w, r, env)
}
