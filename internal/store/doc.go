// Package store provides persistent conversation state for stagehand.
//
// # Architecture
//
// Store is the single source of truth for per-user conversation records.
// Every other component reads a snapshot with Get and writes partial
// updates with MergeUpdate; nothing ever replaces a record wholesale, so
// updates from inbound dispatch and from timers compose instead of
// clobbering each other.
//
// Two implementations share the same contract:
//
//   - SQLiteStore: production backend using modernc.org/sqlite. Records are
//     JSON documents in the conversations table; MergeUpdate reads, merges
//     and writes inside one transaction.
//   - MemoryStore: map-backed store for tests and local runs.
//
// # Records
//
// A Record is a flat key/value document. Well-known keys (KeyStage,
// KeyLastSender, the fingerprint keys, KeyAddress, KeyHandoverReason) are
// shared by the gate, the router and the stages; everything else is free
// form. Typed accessors tolerate JSON-decoded numbers.
//
// # Journal
//
// The journal keeps the inbound and outbound messages of a conversation so
// handoff summaries can quote the latest exchange. It is cleared together
// with the record on administrative reset.
package store
