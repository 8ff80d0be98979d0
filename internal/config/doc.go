// Package config provides centralized configuration management for the
// license subsystem.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//	1. Environment variables (highest priority)
//	2. YAML configuration file
//	3. Default values (lowest priority)
//
// # Environment Variables
//
// All environment variables follow the pattern MAILREG_<SECTION>_<FIELD>:
//
//	MAILREG_SERVER_PORT=8080
//	MAILREG_LEDGER_DRIVER=postgres
//	MAILREG_LEDGER_DSN=postgres://...
//	MAILREG_LICENSE_CACHE_SECRET=...
//	MAILREG_ADMIN_TOKEN=...
//
// The YAML file is taken from MAILREG_CONFIG_FILE, or config.yaml /
// configs/config.yaml when present. Secrets (cache secret, admin token) are
// only read from the environment.
package config
