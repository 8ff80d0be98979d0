package license

import (
	"context"
	"time"
)

// RedeemRequest carries the inputs of one redemption.
type RedeemRequest struct {
	Key               string
	DomainFingerprint string
	ClientIP          string
	At                time.Time
}

// Ledger is the authoritative store of issued keys.
//
// Implementations must make Redeem atomic: of any number of concurrent
// redemptions of one key, exactly one succeeds. Failures are reported with
// the sentinels of mailreg/internal/errors, and transport or driver faults
// as ErrStoreUnavailable.
type Ledger interface {
	Lookup(ctx context.Context, key string) (*Record, error)
	Redeem(ctx context.Context, req RedeemRequest) (*Record, error)
	InsertBatch(ctx context.Context, records []Record) error
	KeyExists(ctx context.Context, key string) (bool, error)
	RedeemedBy(ctx context.Context, fingerprint string) ([]Record, error)
	Stats(ctx context.Context) (*LedgerStats, error)
	Revoke(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// ActivationStore persists domain timelines.
type ActivationStore interface {
	// Get returns nil without error when the fingerprint has no timeline.
	Get(ctx context.Context, fingerprint string) (*DomainActivation, error)

	// Update runs fn against the current timeline (empty when absent) and
	// persists the result. Calls for the same fingerprint are serialised.
	Update(ctx context.Context, fingerprint string, fn func(*DomainActivation) error) (*DomainActivation, error)

	Delete(ctx context.Context, fingerprint string) error
}
