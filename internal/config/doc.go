// Package config loads the coordinator's YAML configuration.
//
// # Environment Variable Expansion
//
// Values may reference environment variables with ${VAR} or $VAR:
//
//	auth:
//	  cluster_secret: "${PULSE_CLUSTER_SECRET}"
//
// # Duration Parsing
//
// Duration fields use Go's time.ParseDuration syntax:
//
//	cluster:
//	  heartbeat_interval: "10s"
//	  invoke_timeout: "30s"
//	  drain_grace: "5s"
//
// # Sections
//
//	server:     agent listener and HTTP addresses
//	tailscale:  optional tsnet overlay listener
//	cluster:    heartbeat interval, suspect/dead multipliers, queue sizes,
//	            frame limit, invoke timeout, drain grace
//	auth:       shared cluster secret (empty runs open and unencrypted)
//	ledger:     optional sqlite audit log
//	logging:    level and format
//	metrics:    prometheus endpoint toggle and path
//
// Load applies defaults and validates; dead_multiplier must exceed
// suspect_multiplier, and tailscale needs a hostname.
package config
