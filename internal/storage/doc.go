// Package storage persists broadcast job records.
//
// Drivers:
//   - memory: process-local map, for tests and one-shot runs
//   - file: JSON-lines journal replayed on open, compacted into a snapshot
//   - sqlite: embedded database file (modernc.org/sqlite, no cgo)
//   - postgres: shared database through lib/pq
//
// All drivers apply partial updates with the same rules: a job that reached
// a terminal status never changes status again, while counters and log lines
// written by an in-flight send are still accepted.
package storage
