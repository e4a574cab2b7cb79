// Package config handles configuration loading for warren-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${WARREN_DB_PATH}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	commands:
//	  default_ttl: "1h"
//	sweeper:
//	  interval: "30s"
//	  retry_after: "1m"
//
// # Configuration Sections
//
// Server and transport:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	nats:
//	  url: "nats://127.0.0.1:4222"
//	  name: "warren-gateway"
//
// Database:
//
//	database:
//	  path: "/var/lib/warren/gateway.db"
//
// Logging and metrics:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// # Usage
//
//	cfg, err := config.Load("/etc/warren/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
