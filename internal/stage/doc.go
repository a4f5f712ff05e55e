// Package stage implements the per-user stage machine.
//
// A Router turns accepted inbound events into handler invocations. Every
// event first passes the intake gate, then the target stage is resolved
// (forced stage, stored stage, initial stage) and the escape hatch gets a
// chance to divert user messages to Handoff. Handlers return a Result whose
// Next field names the stage to jump to within the same turn; the router
// follows those jumps in a loop rather than recursing.
//
// Timers re-enter the machine through Router.Timer, which wraps a TimerFunc
// into a scheduler.Handler that runs under the same per-user lock as inbound
// dispatch. Flags on the record remain the idempotency contract; the lock
// only closes the read-then-write window between a firing timer and a live
// reply.
//
// Clarify and ReminderChain package the two patterns every data-collecting
// stage uses: bounded clarification questions, and the reminder ladder that
// ends in Handoff when the user stays silent.
package stage
