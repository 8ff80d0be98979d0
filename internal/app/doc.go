// Package app wires the license server together.
//
// BuildCore assembles the transport-free license subsystem (ledger driver,
// activation store, tracker, issuer, attempt guard and, when a cache secret
// is configured, the client-side Manager). Both cmd/license-server and
// cmd/licensectl start from it.
//
// Application adds the HTTP shell on top of a Core:
//
//	/api/license/*        client license surface (RFC 7807 errors)
//	/api/validate/{key}   administrative surface behind X-Admin-Token
//	/api/activate         (envelope responses)
//	/api/stats
//	/api/revoke/{key}
//	/generate_licenses
//	/api/health/*         health, readiness and liveness probes
//	/metrics              Prometheus scrape endpoint
//	/ws/audit             live audit stream
//
// Host application handlers attached with Mount sit behind the license gate
// and answer 428 until this deployment holds an active license.
//
// Run blocks until SIGINT or SIGTERM, then drains the server and releases
// the hub, the ledger pool and the telemetry providers in that order.
package app
