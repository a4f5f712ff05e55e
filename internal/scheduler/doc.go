// Package scheduler runs delayed, single-shot callbacks keyed by
// (user, task reference).
//
// Plan is idempotent by replacement: planning the same identity twice
// leaves one pending task, the most recent one. The background loop claims
// due tasks with a compare-and-delete so a task replaced while the loop was
// looking at it is never consumed. Tasks later than their misfire grace are
// dropped without running.
//
// Task references resolve through a Registry populated at startup, so
// persisted tasks keep working across restarts. Three TaskStore backends
// share the same semantics: MemoryTaskStore, SQLTaskStore (sqlx over
// SQLite) and RedisTaskStore.
package scheduler
