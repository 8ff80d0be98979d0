package license

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	apperrors "mailreg/internal/errors"
)

const (
	// MaxBatchSize bounds a single issuance.
	MaxBatchSize = 10000
	// MaxDurationDays bounds the duration of one key.
	MaxDurationDays = 3650

	maxKeyAttempts = 10
)

// BatchRequest describes one issuance.
type BatchRequest struct {
	Count         int       `json:"count" validate:"required,min=1,max=10000"`
	DurationDays  int       `json:"duration_days" validate:"required,min=1,max=3650"`
	DurationLabel string    `json:"duration_label" validate:"max=64"`
	CreatedBy     string    `json:"created_by,omitempty" validate:"max=128"`
	Format        KeyFormat `json:"format,omitempty" validate:"omitempty,oneof=plain checksum"`
}

// Batch is the result of an issuance, kept for export.
type Batch struct {
	ID            string    `json:"batch_id"`
	CreatedAt     time.Time `json:"created_at"`
	DurationDays  int       `json:"duration_days"`
	DurationLabel string    `json:"duration_label"`
	CreatedBy     string    `json:"created_by,omitempty"`
	Records       []Record  `json:"records"`
}

// Keys returns the issued keys in generation order.
func (b *Batch) Keys() []string {
	keys := make([]string, len(b.Records))
	for i, r := range b.Records {
		keys[i] = r.Key
	}
	return keys
}

// IssuerConfig configures an Issuer.
type IssuerConfig struct {
	Prefix    string
	Format    KeyFormat
	CreatedBy string
}

// Issuer generates batches of unique keys into the ledger.
type Issuer struct {
	ledger  Ledger
	cfg     IssuerConfig
	clock   Clock
	audit   AuditSink
	metrics *LicenseMetrics
	logger  *slog.Logger

	newKey     func(KeyFormat, string) (string, error)
	newBatchID func(time.Time) string
}

// NewIssuer creates an issuer writing into ledger.
func NewIssuer(ledger Ledger, cfg IssuerConfig, clock Clock, audit AuditSink, metrics *LicenseMetrics, logger *slog.Logger) *Issuer {
	if cfg.Format == "" {
		cfg.Format = KeyFormatPlain
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if audit == nil {
		audit = AuditSinks{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		ledger:     ledger,
		cfg:        cfg,
		clock:      clock,
		audit:      audit,
		metrics:    metrics,
		logger:     logger.With(slog.String("component", "key_issuer")),
		newKey:     NewKey,
		newBatchID: NewBatchID,
	}
}

// NewBatchID returns BATCH-YYYYMMDD-<8 hex>.
func NewBatchID(now time.Time) string {
	return fmt.Sprintf("BATCH-%s-%s", now.Format("20060102"), strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
}

// Generate returns n keys unique against the whole ledger and each other.
func (i *Issuer) Generate(ctx context.Context, n int, format KeyFormat) ([]string, error) {
	if format == "" {
		format = i.cfg.Format
	}

	keys := make([]string, 0, n)
	seen := make(map[string]struct{}, n)

	for len(keys) < n {
		key, err := i.uniqueKey(ctx, format, seen)
		if err != nil {
			return nil, err
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys, nil
}

func (i *Issuer) uniqueKey(ctx context.Context, format KeyFormat, seen map[string]struct{}) (string, error) {
	for attempt := 1; attempt <= maxKeyAttempts; attempt++ {
		key, err := i.newKey(format, i.cfg.Prefix)
		if err != nil {
			return "", fmt.Errorf("generate key: %w", err)
		}
		if _, dup := seen[key]; dup {
			continue
		}

		exists, err := i.ledger.KeyExists(ctx, key)
		if err != nil {
			return "", fmt.Errorf("check key uniqueness: %w", err)
		}
		if !exists {
			return key, nil
		}
		i.logger.Warn("generated key collided with ledger, regenerating",
			slog.Int("attempt", attempt))
	}
	return "", apperrors.ErrKeySpaceExhausted
}

// IssueBatch generates req.Count keys and inserts them in one transaction,
// all tagged with a fresh batch id.
func (i *Issuer) IssueBatch(ctx context.Context, req BatchRequest) (*Batch, error) {
	if req.Count < 1 || req.Count > MaxBatchSize {
		return nil, fmt.Errorf("%w: count must be between 1 and %d", apperrors.ErrInvalidBatch, MaxBatchSize)
	}
	if req.DurationDays < 1 || req.DurationDays > MaxDurationDays {
		return nil, fmt.Errorf("%w: duration_days must be between 1 and %d", apperrors.ErrInvalidBatch, MaxDurationDays)
	}
	if req.DurationLabel == "" {
		req.DurationLabel = LabelForDays(req.DurationDays)
	}
	if req.CreatedBy == "" {
		req.CreatedBy = i.cfg.CreatedBy
	}

	now := i.clock.Now()
	batch := &Batch{
		ID:            i.newBatchID(now),
		CreatedAt:     now,
		DurationDays:  req.DurationDays,
		DurationLabel: req.DurationLabel,
		CreatedBy:     req.CreatedBy,
	}

	err := traceOperation(ctx, "issue_batch", []attribute.KeyValue{
		attribute.String("license.batch_id", batch.ID),
		attribute.Int("license.batch_size", req.Count),
	}, func(ctx context.Context) error {
		keys, err := i.Generate(ctx, req.Count, req.Format)
		if err != nil {
			return err
		}

		batch.Records = make([]Record, 0, len(keys))
		for _, key := range keys {
			batch.Records = append(batch.Records, Record{
				Key:           key,
				DurationDays:  req.DurationDays,
				DurationLabel: req.DurationLabel,
				Status:        StatusActive,
				CreatedDate:   now,
				BatchID:       batch.ID,
				CreatedBy:     req.CreatedBy,
			})
		}
		return i.ledger.InsertBatch(ctx, batch.Records)
	})

	event := NewAuditEvent(ctx, AuditIssueBatch, now, err)
	event.Details = map[string]interface{}{
		"batch_id":       batch.ID,
		"count":          req.Count,
		"duration_days":  req.DurationDays,
		"duration_label": req.DurationLabel,
	}
	i.audit.Record(ctx, event)

	if err != nil {
		return nil, fmt.Errorf("issue batch %s: %w", batch.ID, err)
	}

	i.metrics.recordIssued(ctx, len(batch.Records), batch.DurationLabel)
	i.logger.InfoContext(ctx, "license batch issued",
		slog.String("batch_id", batch.ID),
		slog.Int("count", len(batch.Records)),
		slog.String("duration_label", batch.DurationLabel),
	)
	return batch, nil
}
