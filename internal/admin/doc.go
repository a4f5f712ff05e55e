// Package admin implements operator controls for stagehand.
//
// # Chat commands
//
// Commands are checked before a message reaches the stage machine:
//
//   - #reset clears the sender's record and journal, cancels all of their
//     pending tasks and forgets their remembered message IDs. Senders that
//     are not on the allow-list get "Command unavailable."
//   - #jobs lists every pending task ID. For senders that are not on the
//     allow-list the text is treated as a normal message.
//
// Reset runs under the same per-user lock as inbound dispatch and timers,
// so it never interleaves with a half-finished turn.
//
// # HTTP API
//
// Handler exposes the same operations over JSON for the gateway's
// authenticated /admin routes: list pending tasks, show a record, reset a
// user.
package admin
