// Package services implements the business logic layer between the HTTP
// handlers and the license subsystem.
//
// # Available Services
//
//	- LicenseService: status, activation, history and refresh of the
//	  license of the running deployment (wraps license.Manager)
//	- LedgerService: operator operations on the ledger (validate, redeem
//	  for a fingerprint, stats, batch issuance, revocation, domain reset)
//	- HealthService: liveness, readiness and component health
//
// # Error Handling
//
// Services return the sentinels of mailreg/internal/errors wrapped with
// context. Handlers classify them with errors.LicenseErrorCode, so the
// stable code taxonomy is decided in one place.
//
// # Logging
//
// License keys are masked with license.MaskKey before they reach a log
// record or an audit event. Fingerprints are shortened to their prefix.
package services
