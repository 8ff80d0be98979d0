// Package memory provides in-process implementations of the license ledger
// and activation store. They back the tests and the server's memory driver.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	apperrors "mailreg/internal/errors"
	"mailreg/internal/license"
)

// Ledger is a mutex-guarded license ledger.
type Ledger struct {
	mu      sync.Mutex
	records map[string]*license.Record
	order   []string

	offline atomic.Bool
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{records: make(map[string]*license.Record)}
}

// SetOffline makes every call fail with ErrStoreUnavailable, simulating an
// unreachable database.
func (l *Ledger) SetOffline(offline bool) {
	l.offline.Store(offline)
}

func (l *Ledger) available(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	if l.offline.Load() {
		return fmt.Errorf("%w: memory ledger offline", apperrors.ErrStoreUnavailable)
	}
	return nil
}

func (l *Ledger) Lookup(ctx context.Context, key string) (*license.Record, error) {
	if err := l.available(ctx); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[key]
	if !ok {
		return nil, apperrors.ErrKeyNotFound
	}
	c := *rec
	return &c, nil
}

// Redeem checks the preconditions and marks the key used under one lock, so
// concurrent redemptions of one key see exactly one success.
func (l *Ledger) Redeem(ctx context.Context, req license.RedeemRequest) (*license.Record, error) {
	if err := license.ValidateKeyFormat(req.Key); err != nil {
		return nil, err
	}
	if err := l.available(ctx); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[req.Key]
	if !ok {
		return nil, apperrors.ErrKeyNotFound
	}
	if err := rec.Redeemable(); err != nil {
		return nil, err
	}

	at := req.At
	expires := at.Add(time.Duration(rec.DurationDays) * 24 * time.Hour)
	rec.IsUsed = true
	rec.UsedDate = &at
	rec.ActivationDate = &at
	rec.ExpirationDate = &expires
	rec.UsedDomain = req.DomainFingerprint
	rec.UsedIP = req.ClientIP

	c := *rec
	return &c, nil
}

// InsertBatch inserts all records or none.
func (l *Ledger) InsertBatch(ctx context.Context, records []license.Record) error {
	if err := l.available(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if _, dup := l.records[r.Key]; dup {
			return fmt.Errorf("%w: %s", apperrors.ErrDuplicateKey, license.MaskKey(r.Key))
		}
		if _, dup := seen[r.Key]; dup {
			return fmt.Errorf("%w: %s", apperrors.ErrDuplicateKey, license.MaskKey(r.Key))
		}
		seen[r.Key] = struct{}{}
	}

	for _, r := range records {
		rec := r
		l.records[rec.Key] = &rec
		l.order = append(l.order, rec.Key)
	}
	return nil
}

func (l *Ledger) KeyExists(ctx context.Context, key string) (bool, error) {
	if err := l.available(ctx); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.records[key]
	return ok, nil
}

func (l *Ledger) RedeemedBy(ctx context.Context, fingerprint string) ([]license.Record, error) {
	if err := l.available(ctx); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var out []license.Record
	for _, key := range l.order {
		rec := l.records[key]
		if rec.IsUsed && rec.UsedDomain == fingerprint {
			out = append(out, *rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ActivationDate.Before(*out[j].ActivationDate)
	})
	return out, nil
}

func (l *Ledger) Stats(ctx context.Context) (*license.LedgerStats, error) {
	if err := l.available(ctx); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	stats := &license.LedgerStats{ByDuration: make(map[string]int)}
	batches := make(map[string]struct{})
	for _, rec := range l.records {
		stats.Total++
		if rec.IsUsed {
			stats.Used++
		} else {
			stats.Unused++
		}
		switch rec.Status {
		case license.StatusActive:
			stats.Active++
		case license.StatusInactive:
			stats.Inactive++
		case license.StatusRevoked:
			stats.Revoked++
		}
		stats.ByDuration[rec.DurationLabel]++
		if rec.BatchID != "" {
			batches[rec.BatchID] = struct{}{}
		}
	}
	stats.Batches = len(batches)
	return stats, nil
}

func (l *Ledger) Revoke(ctx context.Context, key string) error {
	if err := l.available(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[key]
	if !ok {
		return apperrors.ErrKeyNotFound
	}
	rec.Status = license.StatusRevoked
	return nil
}

func (l *Ledger) Ping(ctx context.Context) error {
	return l.available(ctx)
}

var _ license.Ledger = (*Ledger)(nil)
