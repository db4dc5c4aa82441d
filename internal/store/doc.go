// Package store provides the SQLite-backed document processing engine used
// behind the verification layer: the file queue and per-action statuses,
// the engine's own sessions, task sessions, versioned attribute sets, and
// the page cache table.
//
// # Page cache rows
//
// One row per (task_session_id, page) holds the four cached kinds (image,
// text, word_zone, edit_draft) plus an error stand-in. Writes are upserts
// that only touch the columns they carry.
//
//   - crucial is sticky: once a row is crucial, a later non-crucial write
//     cannot replace its edit_draft or its modified/user/modified_at stamp.
//   - PruneCache never deletes crucial rows.
//   - Rows are scoped to their task session; DiscardCacheExcept and
//     DeleteSessionCache remove rows of other/ended sessions.
//
// # Timestamps
//
// All times are stored as INTEGER unix microseconds. Ordering between
// uncommitted edits and attribute sets compares these values directly, so
// callers should stamp cache writes with the same clock the store uses.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
