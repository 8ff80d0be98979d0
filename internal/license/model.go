package license

import (
	"fmt"
	"math"
	"time"

	apperrors "mailreg/internal/errors"
)

// Status is the administrative state of a ledger record.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
	StatusRevoked  Status = "REVOKED"
)

// Record is one row of the license ledger.
type Record struct {
	Key            string     `json:"key"`
	DurationDays   int        `json:"duration_days"`
	DurationLabel  string     `json:"duration_label"`
	Status         Status     `json:"status"`
	IsUsed         bool       `json:"is_used"`
	CreatedDate    time.Time  `json:"created_date"`
	BatchID        string     `json:"batch_id"`
	CreatedBy      string     `json:"created_by,omitempty"`
	UsedDate       *time.Time `json:"used_date,omitempty"`
	ActivationDate *time.Time `json:"activation_date,omitempty"`
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`
	UsedDomain     string     `json:"used_domain,omitempty"`
	UsedIP         string     `json:"used_ip,omitempty"`
}

// Redeemable reports whether the record passes the state preconditions of a
// redemption. The returned error names the first failing precondition.
func (r *Record) Redeemable() error {
	if r.Status != StatusActive {
		return fmt.Errorf("%w: status %s", apperrors.ErrKeyInactive, r.Status)
	}
	if r.IsUsed {
		return apperrors.ErrKeyAlreadyUsed
	}
	return nil
}

// LedgerStats summarises the ledger for the admin surface.
type LedgerStats struct {
	Total      int            `json:"total"`
	Used       int            `json:"used"`
	Unused     int            `json:"unused"`
	Active     int            `json:"active"`
	Inactive   int            `json:"inactive"`
	Revoked    int            `json:"revoked"`
	Batches    int            `json:"batches"`
	ByDuration map[string]int `json:"by_duration"`
}

// ActivationEntry is one redeemed key on a domain timeline.
type ActivationEntry struct {
	LicenseKey     string    `json:"license_key"`
	DurationDays   int       `json:"duration_days"`
	DurationLabel  string    `json:"duration_label"`
	ActivationDate time.Time `json:"activation_date"`
	Expiration     time.Time `json:"expiration"`
}

// DomainActivation is the cumulative entitlement timeline of one fingerprint.
type DomainActivation struct {
	DomainFingerprint string            `json:"domain_fingerprint"`
	Licenses          []ActivationEntry `json:"licenses"`
	ActiveUntil       *time.Time        `json:"active_until,omitempty"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// IsActive reports whether the timeline grants entitlement at now.
func (d *DomainActivation) IsActive(now time.Time) bool {
	return d != nil && d.ActiveUntil != nil && now.Before(*d.ActiveUntil)
}

// DaysRemaining rounds the remaining entitlement up to whole days.
func (d *DomainActivation) DaysRemaining(now time.Time) int {
	if !d.IsActive(now) {
		return 0
	}
	return int(math.Ceil(d.ActiveUntil.Sub(now).Hours() / 24))
}

// HasKey reports whether key is already on the timeline.
func (d *DomainActivation) HasKey(key string) (ActivationEntry, bool) {
	if d == nil {
		return ActivationEntry{}, false
	}
	for _, e := range d.Licenses {
		if e.LicenseKey == key {
			return e, true
		}
	}
	return ActivationEntry{}, false
}

// Clone returns a deep copy.
func (d *DomainActivation) Clone() *DomainActivation {
	if d == nil {
		return nil
	}
	c := *d
	c.Licenses = append([]ActivationEntry(nil), d.Licenses...)
	if d.ActiveUntil != nil {
		t := *d.ActiveUntil
		c.ActiveUntil = &t
	}
	return &c
}

// State is the validator state machine.
type State string

const (
	StateUnlicensed        State = "UNLICENSED"
	StatePendingActivation State = "PENDING_ACTIVATION"
	StateActive            State = "ACTIVE"
	StateExpired           State = "EXPIRED"
)

// StateOf derives the steady state of a timeline at now.
func StateOf(d *DomainActivation, now time.Time) State {
	switch {
	case d == nil || len(d.Licenses) == 0:
		return StateUnlicensed
	case d.IsActive(now):
		return StateActive
	default:
		return StateExpired
	}
}

// Duration classes offered by the batch issuer.
var DurationClasses = []struct {
	Label string
	Days  int
}{
	{"1 Day", 1},
	{"7 Days", 7},
	{"1 Month", 30},
	{"3 Months", 90},
	{"6 Months", 180},
	{"1 Year", 365},
}

// LabelForDays returns the class label for days, or "N Days" for a custom
// duration.
func LabelForDays(days int) string {
	for _, c := range DurationClasses {
		if c.Days == days {
			return c.Label
		}
	}
	return fmt.Sprintf("%d Days", days)
}
