package license

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// ActivationState is the read model of a fingerprint's timeline.
type ActivationState struct {
	Active     bool              `json:"active"`
	Expiration *time.Time        `json:"expiration"`
	History    []ActivationEntry `json:"history"`
}

// ComputeExtension returns the window a new key of days opens at now. A
// still-running entitlement is extended from its end; otherwise the window
// starts at now.
func ComputeExtension(activeUntil *time.Time, now time.Time, days int) time.Time {
	base := now
	if activeUntil != nil && activeUntil.After(now) {
		base = *activeUntil
	}
	return base.Add(time.Duration(days) * 24 * time.Hour)
}

// Tracker maintains cumulative activation timelines.
type Tracker struct {
	store  ActivationStore
	clock  Clock
	logger *slog.Logger
}

// NewTracker creates a tracker over store.
func NewTracker(store ActivationStore, clock Clock, logger *slog.Logger) *Tracker {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:  store,
		clock:  clock,
		logger: logger.With(slog.String("component", "activation_tracker")),
	}
}

// Timeline returns the stored timeline, or nil when none exists.
func (t *Tracker) Timeline(ctx context.Context, fingerprint string) (*DomainActivation, error) {
	return t.store.Get(ctx, fingerprint)
}

// CurrentActivation reports whether fingerprint is entitled right now.
func (t *Tracker) CurrentActivation(ctx context.Context, fingerprint string) (*ActivationState, error) {
	timeline, err := t.store.Get(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	return stateFromTimeline(timeline, t.clock.Now()), nil
}

// Extend appends a redeemed key to the timeline starting at the tracker's
// clock. Extending with a key that is already recorded returns the existing
// entry unchanged.
func (t *Tracker) Extend(ctx context.Context, fingerprint, key string, days int, label string) (ActivationEntry, *DomainActivation, error) {
	return t.ExtendAt(ctx, fingerprint, key, days, label, t.clock.Now())
}

// ExtendAt is Extend with an explicit redemption instant.
func (t *Tracker) ExtendAt(ctx context.Context, fingerprint, key string, days int, label string, at time.Time) (ActivationEntry, *DomainActivation, error) {
	if days <= 0 {
		return ActivationEntry{}, nil, fmt.Errorf("extend %s: duration must be positive, got %d", MaskKey(key), days)
	}

	var entry ActivationEntry
	timeline, err := t.store.Update(ctx, fingerprint, func(d *DomainActivation) error {
		if existing, ok := d.HasKey(key); ok {
			entry = existing
			return nil
		}
		entry = appendEntry(d, key, days, label, at)
		d.UpdatedAt = t.clock.Now()
		return nil
	})
	if err != nil {
		return ActivationEntry{}, nil, fmt.Errorf("extend timeline: %w", err)
	}

	t.logger.Info("activation timeline extended",
		slog.String("license_key", MaskKey(key)),
		slog.String("fingerprint_prefix", FingerprintPrefix(fingerprint)),
		slog.Int("duration_days", days),
		slog.Time("expiration", entry.Expiration),
		slog.Int("entries", len(timeline.Licenses)),
	)
	return entry, timeline, nil
}

// Reconcile appends redeemed ledger records missing from the timeline, in
// redemption order, using each record's own activation instant.
func (t *Tracker) Reconcile(ctx context.Context, fingerprint string, records []Record) (*DomainActivation, int, error) {
	pending := make([]Record, 0, len(records))
	for _, r := range records {
		if r.IsUsed && r.ActivationDate != nil && r.UsedDomain == fingerprint {
			pending = append(pending, r)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].ActivationDate.Before(*pending[j].ActivationDate)
	})

	added := 0
	timeline, err := t.store.Update(ctx, fingerprint, func(d *DomainActivation) error {
		for _, r := range pending {
			if _, ok := d.HasKey(r.Key); ok {
				continue
			}
			appendEntry(d, r.Key, r.DurationDays, r.DurationLabel, *r.ActivationDate)
			added++
		}
		if added > 0 {
			d.UpdatedAt = t.clock.Now()
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("reconcile timeline: %w", err)
	}

	if added > 0 {
		t.logger.Warn("timeline reconciled from ledger",
			slog.String("fingerprint_prefix", FingerprintPrefix(fingerprint)),
			slog.Int("recovered_entries", added),
		)
	}
	return timeline, added, nil
}

// Reset removes a fingerprint's timeline.
func (t *Tracker) Reset(ctx context.Context, fingerprint string) error {
	if err := t.store.Delete(ctx, fingerprint); err != nil {
		return fmt.Errorf("reset timeline: %w", err)
	}
	t.logger.Warn("activation timeline reset",
		slog.String("fingerprint_prefix", FingerprintPrefix(fingerprint)))
	return nil
}

func appendEntry(d *DomainActivation, key string, days int, label string, at time.Time) ActivationEntry {
	if label == "" {
		label = LabelForDays(days)
	}
	entry := ActivationEntry{
		LicenseKey:     key,
		DurationDays:   days,
		DurationLabel:  label,
		ActivationDate: at,
		Expiration:     ComputeExtension(d.ActiveUntil, at, days),
	}
	d.Licenses = append(d.Licenses, entry)
	if d.ActiveUntil == nil || entry.Expiration.After(*d.ActiveUntil) {
		exp := entry.Expiration
		d.ActiveUntil = &exp
	}
	return entry
}

func stateFromTimeline(d *DomainActivation, now time.Time) *ActivationState {
	state := &ActivationState{History: []ActivationEntry{}}
	if d == nil {
		return state
	}
	state.History = append(state.History, d.Licenses...)
	if d.IsActive(now) {
		state.Active = true
		exp := *d.ActiveUntil
		state.Expiration = &exp
	}
	return state
}

// FingerprintPrefix shortens a fingerprint for logs and audit events.
func FingerprintPrefix(fp string) string {
	if len(fp) > 8 {
		return fp[:8]
	}
	return fp
}
