package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mailreg/internal/license"
)

const (
	getActivationQuery = `SELECT licenses, active_until, updated_at
	FROM domain_activations WHERE domain_fingerprint = $1`

	ensureActivationQuery = `INSERT INTO domain_activations (domain_fingerprint)
	VALUES ($1) ON CONFLICT (domain_fingerprint) DO NOTHING`

	lockActivationQuery = getActivationQuery + ` FOR UPDATE`

	saveActivationQuery = `UPDATE domain_activations
	SET licenses = $2, active_until = $3, updated_at = $4
	WHERE domain_fingerprint = $1`

	deleteActivationQuery = `DELETE FROM domain_activations WHERE domain_fingerprint = $1`
)

// ActivationStore keeps one row per fingerprint; the entries live in a JSONB
// column. Updates lock the row for the length of the transaction.
type ActivationStore struct {
	db *DB
}

// NewActivationStore creates a store over db.
func NewActivationStore(db *DB) *ActivationStore {
	return &ActivationStore{db: db}
}

func scanActivation(fingerprint string, row rowScanner) (*license.DomainActivation, error) {
	var (
		raw         []byte
		activeUntil sql.NullTime
		updatedAt   time.Time
	)
	if err := row.Scan(&raw, &activeUntil, &updatedAt); err != nil {
		return nil, err
	}

	d := &license.DomainActivation{
		DomainFingerprint: fingerprint,
		ActiveUntil:       nullTime(activeUntil),
		UpdatedAt:         updatedAt.UTC(),
	}
	if err := json.Unmarshal(raw, &d.Licenses); err != nil {
		return nil, fmt.Errorf("decode licenses of %s: %w", fingerprint, err)
	}
	for i := range d.Licenses {
		d.Licenses[i].ActivationDate = d.Licenses[i].ActivationDate.UTC()
		d.Licenses[i].Expiration = d.Licenses[i].Expiration.UTC()
	}
	return d, nil
}

func (s *ActivationStore) Get(ctx context.Context, fingerprint string) (*license.DomainActivation, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	d, err := scanActivation(fingerprint, s.db.QueryRowContext(ctx, getActivationQuery, fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("get activation", err)
	}
	return d, nil
}

// Update creates the row when missing, locks it, applies fn and writes the
// result back in one transaction.
func (s *ActivationStore) Update(ctx context.Context, fingerprint string, fn func(*license.DomainActivation) error) (*license.DomainActivation, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeError("begin activation update", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, ensureActivationQuery, fingerprint); err != nil {
		return nil, storeError("ensure activation row", err)
	}

	d, err := scanActivation(fingerprint, tx.QueryRowContext(ctx, lockActivationQuery, fingerprint))
	if err != nil {
		return nil, storeError("lock activation row", err)
	}

	if err := fn(d); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(d.Licenses)
	if err != nil {
		return nil, fmt.Errorf("encode licenses: %w", err)
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now().UTC()
	}

	var activeUntil interface{}
	if d.ActiveUntil != nil {
		activeUntil = *d.ActiveUntil
	}
	if _, err := tx.ExecContext(ctx, saveActivationQuery, fingerprint, raw, activeUntil, d.UpdatedAt); err != nil {
		return nil, storeError("save activation", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storeError("commit activation update", err)
	}
	return d, nil
}

func (s *ActivationStore) Delete(ctx context.Context, fingerprint string) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, deleteActivationQuery, fingerprint); err != nil {
		return storeError("delete activation", err)
	}
	return nil
}

var _ license.ActivationStore = (*ActivationStore)(nil)
