// Package config handles configuration loading for stagehand.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by the .toml
// extension) with environment variable expansion. Anything the file leaves
// out keeps the value from Default, and Validate reports the first problem.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from STAGEHAND_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/stagehand/config.yaml
//  3. ~/.config/stagehand/config.yaml
//
// `stagehand init` writes a starter file to the resolved location.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	admin:
//	  jwt_secret: "${STAGEHAND_JWT_SECRET}"
//
// Unset variables expand to the empty string. llm.api_key falls back to
// ANTHROPIC_API_KEY when left empty.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	flow:
//	  greeting_delay: "15s"
//	  first_reminder: "4h"
//	  second_reminder: "12h"
//	  final_reminder: "4h"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
//	server:       http_addr, grpc_addr
//	tailscale:    enabled, hostname, auth_key, state_dir, ephemeral
//	database:     path (SQLite file for records, journal and tasks)
//	scheduler:    backend (memory|sqlite|redis), poll_interval, misfire_grace, batch_size, redis.*
//	intake:       late_drop_window, dedupe_ttl, dedupe_size
//	flow:         required_fields, max_attempts, allow_missing, journal_lines, greeting_delay, reminders,
//	              offer_document, offer_video
//	admin:        allow (chat command users), jwt_secret (admin API)
//	llm:          api_key, model, max_tokens, system, timeout
//	matrix:       enabled, homeserver, user_id, access_token, allowed_rooms
//	owner:        address (receives handoff summaries)
//	export:       driver (sqlite|postgres), dsn, retry_delay, max_attempts
//	telemetry:    enabled, service_name, environment, endpoint, headers, insecure, sample_ratio
//	logging:      level, format (text|json)
package config
