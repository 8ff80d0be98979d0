package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "mailreg/internal/errors"
	"mailreg/internal/license"
)

const recordColumns = `key, duration_days, duration_label, status, is_used, created_date,
	batch_id, created_by, used_date, activation_date, expiration_date, used_domain, used_ip`

const (
	lookupQuery = `SELECT ` + recordColumns + ` FROM license_records WHERE key = $1`

	// redeemQuery is the whole redemption: the WHERE clause carries the
	// preconditions and the affected row count is the success signal.
	redeemQuery = `UPDATE license_records
	SET is_used = TRUE,
	    used_date = $2,
	    activation_date = $2,
	    expiration_date = $2::timestamptz + duration_days * INTERVAL '1 day',
	    used_domain = $3,
	    used_ip = $4
	WHERE key = $1 AND is_used = FALSE AND status = 'ACTIVE'
	RETURNING ` + recordColumns

	insertQuery = `INSERT INTO license_records
	(key, duration_days, duration_label, status, is_used, created_date, batch_id, created_by)
	VALUES ($1, $2, $3, $4, FALSE, $5, $6, $7)`

	existsQuery = `SELECT EXISTS (SELECT 1 FROM license_records WHERE key = $1)`

	redeemedByQuery = `SELECT ` + recordColumns + ` FROM license_records
	WHERE used_domain = $1 AND is_used = TRUE
	ORDER BY activation_date`

	statsQuery = `SELECT
	COUNT(*),
	COUNT(*) FILTER (WHERE is_used),
	COUNT(*) FILTER (WHERE status = 'ACTIVE'),
	COUNT(*) FILTER (WHERE status = 'INACTIVE'),
	COUNT(*) FILTER (WHERE status = 'REVOKED'),
	COUNT(DISTINCT batch_id)
	FROM license_records`

	statsByDurationQuery = `SELECT duration_label, COUNT(*) FROM license_records GROUP BY duration_label`

	revokeQuery = `UPDATE license_records SET status = 'REVOKED' WHERE key = $1`
)

// Ledger is the PostgreSQL license ledger.
type Ledger struct {
	db *DB
}

// NewLedger creates a ledger over db.
func NewLedger(db *DB) *Ledger {
	return &Ledger{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*license.Record, error) {
	var (
		rec                                 license.Record
		status                              string
		batchID, createdBy, domain, ip      sql.NullString
		usedDate, activationDate, expiresAt sql.NullTime
	)
	err := row.Scan(&rec.Key, &rec.DurationDays, &rec.DurationLabel, &status, &rec.IsUsed, &rec.CreatedDate,
		&batchID, &createdBy, &usedDate, &activationDate, &expiresAt, &domain, &ip)
	if err != nil {
		return nil, err
	}

	rec.Status = license.Status(status)
	rec.CreatedDate = rec.CreatedDate.UTC()
	rec.BatchID = batchID.String
	rec.CreatedBy = createdBy.String
	rec.UsedDomain = domain.String
	rec.UsedIP = ip.String
	rec.UsedDate = nullTime(usedDate)
	rec.ActivationDate = nullTime(activationDate)
	rec.ExpirationDate = nullTime(expiresAt)
	return &rec, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func (l *Ledger) Lookup(ctx context.Context, key string) (*license.Record, error) {
	ctx, cancel := l.db.withTimeout(ctx)
	defer cancel()

	rec, err := scanRecord(l.db.QueryRowContext(ctx, lookupQuery, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrKeyNotFound
	}
	if err != nil {
		return nil, storeError("lookup", err)
	}
	return rec, nil
}

// Redeem runs the conditional update. When no row changes, a follow-up read
// names the failing precondition.
func (l *Ledger) Redeem(ctx context.Context, req license.RedeemRequest) (*license.Record, error) {
	if err := license.ValidateKeyFormat(req.Key); err != nil {
		return nil, err
	}

	qctx, cancel := l.db.withTimeout(ctx)
	defer cancel()

	rec, err := scanRecord(l.db.QueryRowContext(qctx, redeemQuery, req.Key, req.At, req.DomainFingerprint, req.ClientIP))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, storeError("redeem", err)
	}

	current, err := l.Lookup(ctx, req.Key)
	if err != nil {
		return nil, err
	}
	if err := current.Redeemable(); err != nil {
		return nil, err
	}
	// Passed the preconditions on re-read, so a concurrent redemption won.
	return nil, apperrors.ErrKeyAlreadyUsed
}

// InsertBatch inserts every record in one transaction.
func (l *Ledger) InsertBatch(ctx context.Context, records []license.Record) error {
	ctx, cancel := l.db.withTimeout(ctx)
	defer cancel()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin insert batch", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertQuery)
	if err != nil {
		return storeError("prepare insert", err)
	}
	defer stmt.Close()

	for _, r := range records {
		_, err := stmt.ExecContext(ctx, r.Key, r.DurationDays, r.DurationLabel, string(r.Status),
			r.CreatedDate, r.BatchID, r.CreatedBy)
		if err != nil {
			return storeError(fmt.Sprintf("insert %s", license.MaskKey(r.Key)), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storeError("commit insert batch", err)
	}
	return nil
}

func (l *Ledger) KeyExists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := l.db.withTimeout(ctx)
	defer cancel()

	var exists bool
	if err := l.db.QueryRowContext(ctx, existsQuery, key).Scan(&exists); err != nil {
		return false, storeError("key exists", err)
	}
	return exists, nil
}

func (l *Ledger) RedeemedBy(ctx context.Context, fingerprint string) ([]license.Record, error) {
	ctx, cancel := l.db.withTimeout(ctx)
	defer cancel()

	rows, err := l.db.QueryContext(ctx, redeemedByQuery, fingerprint)
	if err != nil {
		return nil, storeError("redeemed by", err)
	}
	defer rows.Close()

	var out []license.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storeError("scan redeemed record", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("redeemed by", err)
	}
	return out, nil
}

func (l *Ledger) Stats(ctx context.Context) (*license.LedgerStats, error) {
	ctx, cancel := l.db.withTimeout(ctx)
	defer cancel()

	stats := &license.LedgerStats{ByDuration: make(map[string]int)}
	err := l.db.QueryRowContext(ctx, statsQuery).Scan(
		&stats.Total, &stats.Used, &stats.Active, &stats.Inactive, &stats.Revoked, &stats.Batches)
	if err != nil {
		return nil, storeError("stats", err)
	}
	stats.Unused = stats.Total - stats.Used

	rows, err := l.db.QueryContext(ctx, statsByDurationQuery)
	if err != nil {
		return nil, storeError("stats by duration", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			label string
			count int
		)
		if err := rows.Scan(&label, &count); err != nil {
			return nil, storeError("scan stats", err)
		}
		stats.ByDuration[label] = count
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("stats by duration", err)
	}
	return stats, nil
}

func (l *Ledger) Revoke(ctx context.Context, key string) error {
	ctx, cancel := l.db.withTimeout(ctx)
	defer cancel()

	res, err := l.db.ExecContext(ctx, revokeQuery, key)
	if err != nil {
		return storeError("revoke", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeError("revoke", err)
	}
	if n == 0 {
		return apperrors.ErrKeyNotFound
	}
	return nil
}

func (l *Ledger) Ping(ctx context.Context) error {
	return l.db.Ping(ctx)
}

var _ license.Ledger = (*Ledger)(nil)
