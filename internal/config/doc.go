// Package config handles configuration loading for agent-hub.
//
// # Overview
//
// Configuration is loaded from a YAML file, or a TOML file when the path ends
// in .toml. Values missing from the file keep the defaults from Default().
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  key: "${AGENT_HUB_KEY}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	hub:
//	  address: "0.0.0.0"
//	  address6: "::"
//	  enable_ipv6: false
//	  tcp_port: 3001
//	  auth_timeout: "120s"      # unauthenticated connections
//	  idle_timeout: "60s"       # authenticated connections
//	  keepalive_period: "30s"
//	  write_timeout: "10s"      # per-frame write deadline
//	  max_frame_size: 16777216
//
//	http:
//	  addr: ""                  # admin API, disabled when empty
//
//	database:
//	  path: "agent-hub.db"
//
//	auth:
//	  key: "${AGENT_HUB_KEY}"   # or key_hash (bcrypt), not both
//	  admin_secret: "${AGENT_HUB_ADMIN_SECRET}"
//	  token_ttl: "24h"
//
//	agents:                     # seconds, sent to agents in CONFIG
//	  system_info_interval: 60
//	  heartbeat_interval: 30
//	  reconnect_interval: 5
//
//	logging:
//	  level: "info"
//	  format: "text"            # text, json
package config
