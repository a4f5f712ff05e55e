// Package gateway wires stagehand together and runs its servers.
//
// # Overview
//
// New builds every long-lived component from the configuration: the SQLite
// conversation store, the task store (memory, SQLite or Redis), the
// scheduler, the stage router with the default flow installed, the intake
// gate, the admin commands, the lead exporter and the outbound transport
// (the Matrix bridge, or a logging sender when Matrix is disabled).
//
// Run opens the listeners, starts the scheduler loop and the Matrix sync,
// and blocks until the context is canceled.
//
// # Inbound
//
// Deliver is the entry point for transports that authenticate the sender,
// like the Matrix bridge. It gives operator commands the first look and
// hands everything else to the router, which applies the idempotency gate
// before any stage runs. The HTTP webhook cannot vouch for user_id, so it
// goes straight to the router and "#reset" or "#jobs" there are ordinary
// client text.
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET /health/ready - Store reachable and scheduler running
//   - POST /v1/events - Inbound message webhook
//   - GET /admin/tasks - Pending tasks (admin JWT)
//   - GET /admin/records/{userID} - Record and recent journal (admin JWT)
//   - POST /admin/records/{userID}/reset - Clear a user (admin JWT)
//
// The /admin routes are only mounted when admin.jwt_secret is set.
//
// # gRPC
//
// The gRPC listener serves grpc.health.v1.Health for the overall status and
// for the "stagehand" service. `stagehand health` queries it.
//
// # Tailscale
//
// With tailscale.enabled the gateway joins the tailnet through tsnet and
// listens on :80 (HTTP) and :50051 (gRPC) there instead of server.* addresses.
package gateway
