// Package store caches compiled plans in SQLite.
//
// Two tables:
//   - plans: one row per (graph fingerprint, options fingerprint, compiler
//     version), holding the lz4-compressed explain document
//   - runs: one row per engine run against a cached plan
//
// Ordering uses logical sequence numbers, never timestamps. Every list query
// orders by seq, then id COLLATE BINARY, so history output is stable.
//
// The database runs in WAL mode with synchronous=NORMAL, a 5 second busy
// timeout and foreign keys on. Schema changes go through PRAGMA user_version
// migrations.
package store
