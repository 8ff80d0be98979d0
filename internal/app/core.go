package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"mailreg/internal/config"
	"mailreg/internal/license"
	"mailreg/internal/security"
	"mailreg/internal/services"
	"mailreg/internal/storage/memory"
	"mailreg/internal/storage/postgres"
)

// Core is the license subsystem without any transport: stores, tracker,
// issuer, the client-side manager and the ledger administration service.
// The license server and licensectl both build one.
type Core struct {
	Ledger       license.Ledger
	Activations  license.ActivationStore
	Tracker      *license.Tracker
	Issuer       *license.Issuer
	Guard        *license.AttemptGuard
	Fingerprints *security.FingerprintGenerator
	Metrics      *license.LicenseMetrics
	Audit        license.AuditSinks

	// Manager is nil when no cache secret is configured; the client
	// license surface is then unavailable.
	Manager *license.Manager

	LedgerService *services.LedgerService

	db     *postgres.DB
	logger *slog.Logger
}

// BuildCore wires the license subsystem from cfg. extraSinks receive every
// audit event next to the slog and file sinks.
func BuildCore(ctx context.Context, cfg *config.Config, meter metric.Meter, logger *slog.Logger, extraSinks ...license.AuditSink) (*Core, error) {
	c := &Core{logger: logger.With(slog.String("component", "core"))}
	clock := license.SystemClock{}

	switch cfg.Ledger.Driver {
	case "postgres":
		db, err := postgres.Connect(ctx, cfg.Ledger, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect ledger: %w", err)
		}
		c.db = db
		c.Ledger = postgres.NewLedger(db)
		c.Activations = postgres.NewActivationStore(db)
	case "memory":
		c.logger.WarnContext(ctx, "using in-memory ledger, issued keys are lost on exit")
		c.Ledger = memory.NewLedger()
		c.Activations = memory.NewActivationStore()
	default:
		return nil, fmt.Errorf("unsupported ledger driver: %q", cfg.Ledger.Driver)
	}

	metrics, err := license.InitializeLicenseMetrics(meter)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize license metrics: %w", err)
	}
	c.Metrics = metrics

	c.Audit = license.AuditSinks{license.SlogAuditSink{Logger: logger}}
	if cfg.License.AuditFile != "" {
		c.Audit = append(c.Audit, license.NewFileAuditSink(cfg.License.AuditFile, logger))
	}
	c.Audit = append(c.Audit, extraSinks...)

	c.Tracker = license.NewTracker(c.Activations, clock, logger)
	c.Issuer = license.NewIssuer(c.Ledger, license.IssuerConfig{
		Prefix:    cfg.License.KeyPrefix,
		CreatedBy: cfg.Admin.CreatedBy,
	}, clock, c.Audit, c.Metrics, logger)
	c.LedgerService = services.NewLedgerService(c.Ledger, c.Tracker, c.Issuer, c.Audit, clock, logger)

	c.Fingerprints = security.NewFingerprintGenerator(security.FingerprintConfig{
		Salt:       cfg.License.FingerprintSalt,
		Iterations: cfg.License.FingerprintIterations,
		TTL:        cfg.License.FingerprintTTL,
	}, security.FingerprintSources{}, logger)

	c.Guard = license.NewAttemptGuard(license.GuardConfig{
		MaxFailedAttempts: cfg.License.MaxFailedAttempts,
		Window:            cfg.License.AttemptWindow,
		BlockDuration:     cfg.License.BlockDuration,
		RatePerSecond:     cfg.License.ActivationRPS,
		Burst:             cfg.License.ActivationBurst,
	}, clock, logger)

	if !cfg.HasCacheSecret() {
		c.logger.WarnContext(ctx, "no cache secret configured, client license surface disabled",
			slog.String("env", config.EnvPrefix+"_LICENSE_CACHE_SECRET"))
		return c, nil
	}

	sealer, err := security.NewSealer(cfg.License.CacheSecret, nil)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create cache sealer: %w", err)
	}
	cache := license.NewLocalCache(license.CacheConfig{
		Path:       cfg.License.CacheFile,
		DomainPath: cfg.License.DomainCacheFile,
	}, sealer, logger)

	c.Manager, err = license.NewManager(license.Options{
		Ledger:       c.Ledger,
		Tracker:      c.Tracker,
		Cache:        cache,
		Fingerprints: c.Fingerprints,
		Guard:        c.Guard,
		Audit:        c.Audit,
		Metrics:      c.Metrics,
		Clock:        clock,
		Logger:       logger,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize license manager: %w", err)
	}
	return c, nil
}

// Migrate applies the ledger schema. The in-memory driver has none.
func (c *Core) Migrate(ctx context.Context) error {
	if c.db == nil {
		return nil
	}
	return c.db.RunMigrations(ctx)
}

// RequireManager returns the manager or an error explaining why it is absent.
func (c *Core) RequireManager() (*license.Manager, error) {
	if c.Manager == nil {
		return nil, errors.New("client license surface disabled: set " + config.EnvPrefix + "_LICENSE_CACHE_SECRET")
	}
	return c.Manager, nil
}

// Close stops the guard sweep and releases the database pool.
func (c *Core) Close() error {
	if c.Guard != nil {
		c.Guard.Stop()
	}
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}
