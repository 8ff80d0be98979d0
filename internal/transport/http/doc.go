// Package http implements the HTTP handlers of the license server. Handlers
// stay thin: they decode and validate requests, call the service layer and
// render the result.
//
// # Surfaces
//
// The client surface under /api/license reports and activates the license of
// this deployment. Errors are RFC 7807 problem documents carrying a stable
// error_code:
//
//	GET  /api/license/status
//	POST /api/license/activate   {"license_key": "..."}
//	GET  /api/license/history
//	POST /api/license/refresh
//
// The administrative surface is used by operator tooling and requires the
// X-Admin-Token header. Every response is an envelope:
//
//	{"success": false, "error_code": "ALREADY_USED", "message": "...", "data": {...}}
//
//	GET  /api/validate/{key}
//	POST /api/activate           {"key": "...", "domain_fingerprint": "..."}
//	GET  /api/stats
//	POST /api/revoke/{key}
//	POST /generate_licenses      {"count": 10, "duration_days": 30, "duration_label": "1 Month"}
//
// Health probes live under /api/health, Prometheus metrics under /metrics.
package http
