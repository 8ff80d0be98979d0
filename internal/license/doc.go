// Package license implements license validation and activation for mailreg.
// A deployment is identified by its domain fingerprint; keys issued into a
// central ledger are redeemed once and stack onto the fingerprint's
// cumulative entitlement timeline, which is mirrored into an encrypted local
// cache so status can be answered offline.
//
// # Architecture Overview
//
// The license system consists of several components:
//
//	- Ledger: authoritative store of issued keys with atomic redemption
//	- Tracker: cumulative activation timeline per fingerprint
//	- LocalCache: encrypted on-disk copy of this deployment's timeline
//	- Manager: validation and activation state machine
//	- Issuer: batch key generation
//	- AttemptGuard: per-identifier throttling of activation attempts
//	- LicenseHealthCheck: ledger and cache health reporting
//
// # Validation Flow
//
//	1. Derive the deployment fingerprint
//	2. Load the local cache for that fingerprint
//	3. If the cache is valid and unexpired, the deployment is licensed
//	4. Otherwise re-read the timeline from the store and rewrite the cache
//	5. If the store is unreachable, report the cached state
//
// # Activation Process
//
//	1. Normalise the key and check its syntax (checksum keys are verified)
//	2. Consult the attempt guard
//	3. Redeem the key in the ledger with a single conditional update
//	4. Extend the fingerprint's timeline
//	5. Rewrite the encrypted cache
//
// A failure after step 3 is reported as ErrPersistenceAfterRedeem. The key
// stays consumed; Refresh reconciles the ledger's redeemed records into the
// timeline.
//
// # Cumulative Stacking
//
// A key redeemed while an earlier window is still running extends from the
// end of that window; a key redeemed after expiry starts at the redemption
// instant. See ComputeExtension.
//
// # Error Handling
//
// Errors wrap the sentinels of mailreg/internal/errors and are classified
// with LicenseErrorCode. A corrupt or unreadable cache is never fatal; it is
// treated as absent.
package license
