package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "mailreg/internal/errors"
)

const (
	defaultGateTTL    = 5 * time.Minute
	unlicensedGateTTL = 30 * time.Second
)

// LicenseGate blocks host application routes until a license is active.
// Results are cached; a negative result is re-checked sooner so a fresh
// activation unblocks quickly.
type LicenseGate struct {
	checker         LicenseChecker
	errorHandler    *apperrors.ErrorHandler
	logger          *slog.Logger
	excludePaths    map[string]struct{}
	excludePrefixes []string
	ttl             time.Duration
	now             func() time.Time

	mu        sync.Mutex
	licensed  bool
	checkedAt time.Time
}

// NewLicenseGate creates the gate. The license surface, health probes and
// metrics are always reachable.
func NewLicenseGate(checker LicenseChecker, errorHandler *apperrors.ErrorHandler, logger *slog.Logger) *LicenseGate {
	return &LicenseGate{
		checker:      checker,
		errorHandler: errorHandler,
		logger:       logger.With(slog.String("component", "license_gate")),
		excludePaths: map[string]struct{}{
			"/metrics":     {},
			"/api/version": {},
		},
		excludePrefixes: []string{"/api/license/", "/api/health", "/ws/"},
		ttl:             defaultGateTTL,
		now:             time.Now,
	}
}

// AddExcludePath adds a path to be excluded from license validation
func (g *LicenseGate) AddExcludePath(path string) {
	g.excludePaths[path] = struct{}{}
}

// AddExcludePrefix adds a path prefix to be excluded from license validation
func (g *LicenseGate) AddExcludePrefix(prefix string) {
	g.excludePrefixes = append(g.excludePrefixes, prefix)
}

// SetCacheTTL sets how long a positive result is trusted.
func (g *LicenseGate) SetCacheTTL(ttl time.Duration) {
	g.mu.Lock()
	g.ttl = ttl
	g.mu.Unlock()
}

// Invalidate forces the next request to re-check the license.
func (g *LicenseGate) Invalidate() {
	g.mu.Lock()
	g.checkedAt = time.Time{}
	g.mu.Unlock()
}

// Handler returns the middleware handler function
func (g *LicenseGate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.excluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ctx, span := otel.Tracer("mailreg.middleware").Start(r.Context(), "license_gate.check",
			trace.WithAttributes(attribute.String("http.route", r.URL.Path)))
		licensed, cached := g.check(r)
		span.SetAttributes(
			attribute.Bool("license.active", licensed),
			attribute.Bool("cache.hit", cached))
		span.End()

		if !licensed {
			g.logger.WarnContext(ctx, "request blocked: license required",
				slog.String("trace_id", GetRequestID(ctx)),
				slog.String("path", r.URL.Path))
			g.errorHandler.HandleError(w, r, apperrors.ErrNotActivated)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *LicenseGate) excluded(path string) bool {
	if _, ok := g.excludePaths[path]; ok {
		return true
	}
	for _, prefix := range g.excludePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// check serialises lookups so a burst of requests triggers one.
func (g *LicenseGate) check(r *http.Request) (licensed, cached bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ttl := g.ttl
	if !g.licensed {
		ttl = unlicensedGateTTL
	}
	if !g.checkedAt.IsZero() && g.now().Sub(g.checkedAt) < ttl {
		return g.licensed, true
	}

	licensed, err := g.checker.Licensed(r.Context())
	if err != nil {
		g.logger.WarnContext(r.Context(), "license check failed",
			slog.String("error_code", apperrors.LicenseErrorCode(err)),
			slog.String("error", err.Error()))
	}
	g.licensed = licensed && err == nil
	g.checkedAt = g.now()
	return g.licensed, false
}
