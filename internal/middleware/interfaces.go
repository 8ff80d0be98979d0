package middleware

import "context"

// LicenseChecker reports whether host routes may be served. A cache miss
// must be re-checked against the ledger rather than denied outright.
// services.LicenseService satisfies it.
type LicenseChecker interface {
	Licensed(ctx context.Context) (bool, error)
}
