package http

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "mailreg/internal/errors"
	"mailreg/internal/middleware"
	"mailreg/internal/services"
)

// LicenseHandler serves the license of this deployment to the host
// application's users.
type LicenseHandler struct {
	service      services.LicenseService
	validator    *middleware.RequestValidator
	errorHandler *apperrors.ErrorHandler
	onActivated  func()
	logger       *slog.Logger
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service services.LicenseService, validator *middleware.RequestValidator, errorHandler *apperrors.ErrorHandler, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service:      service,
		validator:    validator,
		errorHandler: errorHandler,
		logger:       logger.With(slog.String("handler", "license")),
	}
}

// OnActivated registers fn to run after every successful activation, e.g.
// to invalidate a license gate.
func (h *LicenseHandler) OnActivated(fn func()) {
	h.onActivated = fn
}

// LicenseActivationRequest is the body of POST /api/license/activate.
type LicenseActivationRequest struct {
	LicenseKey string `json:"license_key" validate:"required,max=64"`
}

// LicenseActivationResponse represents the license activation response
type LicenseActivationResponse struct {
	Success       bool                            `json:"success"`
	Message       string                          `json:"message"`
	Expiration    *time.Time                      `json:"expiration,omitempty"`
	DaysRemaining int                             `json:"days_remaining"`
	LicenseInfo   *services.LicenseStatusResponse `json:"license_info,omitempty"`
	TraceID       string                          `json:"trace_id"`
	Timestamp     time.Time                       `json:"timestamp"`
}

// Routes returns a chi router for license endpoints
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.GetStatus)
	r.Post("/activate", h.Activate)
	r.Get("/history", h.History)
	r.Post("/refresh", h.Refresh)
	return r
}

// GetStatus handles GET /api/license/status
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.GetStatus(r.Context())
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

// Activate handles POST /api/license/activate
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("mailreg.transport").Start(r.Context(), "license_handler.activate",
		trace.WithAttributes(attribute.String("http.route", "/api/license/activate")))
	defer span.End()
	r = r.WithContext(ctx)

	var req LicenseActivationRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	clientIP := clientIP(r)
	result, err := h.service.Activate(ctx, req.LicenseKey, clientIP)
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("license.error_code", apperrors.LicenseErrorCode(err)))
		if apperrors.LicenseErrorCode(err) == apperrors.CodeRateLimited {
			w.Header().Set("Retry-After", "900")
		}
		h.errorHandler.HandleError(w, r, err)
		return
	}

	if h.onActivated != nil {
		h.onActivated()
	}

	info, statusErr := h.service.GetStatus(ctx)
	if statusErr != nil {
		h.logger.WarnContext(ctx, "failed to get license status after activation",
			slog.String("error", statusErr.Error()))
	}

	render.JSON(w, r, LicenseActivationResponse{
		Success:       true,
		Message:       result.Message,
		Expiration:    result.Expiration,
		DaysRemaining: result.DaysRemaining,
		LicenseInfo:   info,
		TraceID:       middleware.GetRequestID(ctx),
		Timestamp:     time.Now().UTC(),
	})
}

// History handles GET /api/license/history
func (h *LicenseHandler) History(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.History(r.Context())
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

// Refresh handles POST /api/license/refresh
func (h *LicenseHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.Refresh(r.Context())
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

// clientIP returns the caller address without port. RealIP has already
// replaced RemoteAddr when the server sits behind a proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
