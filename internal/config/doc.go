// Package config provides configuration management for the license
// delegation service.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//	1. Environment variables (highest priority)
//	2. YAML configuration file (config.yaml, configs/config.yaml or DLS_CONFIG_FILE)
//	3. Default values (lowest priority)
//
// # Environment Variables
//
// All environment variables follow the pattern DLS_<SECTION>_<FIELD>:
//
//	DLS_SERVER_PORT=443
//	DLS_DATABASE_URL=sqlite:///db.sqlite
//	DLS_INSTANCE_URL=dls.example.lan
//	DLS_INSTANCE_LEASE_EXPIRE=2160h
//	DLS_INSTANCE_LEASE_RENEWAL_PERIOD=0.15
//	DLS_SWEEPER_INTERVAL=1h
//
// # Instance Identity
//
// InstanceConfig carries the identity of the service instance: its
// references, signing key locations and the token and lease lifetimes.
// It is validated once at load time and never changed afterwards.
package config
