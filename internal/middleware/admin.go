package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	apperrors "mailreg/internal/errors"
)

// AdminTokenHeader carries the operator token on administrative requests.
const AdminTokenHeader = "X-Admin-Token"

// AdminToken rejects requests whose X-Admin-Token does not match token.
// An empty token disables the administrative surface entirely.
func AdminToken(token string, errorHandler *apperrors.ErrorHandler, logger *slog.Logger) func(next http.Handler) http.Handler {
	unauthorized := apperrors.New(http.StatusUnauthorized, apperrors.CodeUnauthorized, "A valid admin token is required")
	disabled := apperrors.New(http.StatusForbidden, apperrors.CodeUnauthorized, "The administrative API is disabled")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if token == "" {
				errorHandler.HandleError(w, r, disabled)
				return
			}

			presented := r.Header.Get(AdminTokenHeader)
			if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				logger.WarnContext(ctx, "admin token rejected",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.Bool("token_present", presented != ""))
				errorHandler.HandleError(w, r, unauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
