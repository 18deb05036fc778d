// Package storage persists broadcast jobs and their chunks between invocations.
//
// Drivers:
//   - "file": one JSON document per record in a flat directory
//   - "sqlite": a single SQLite database file (modernc, pure Go)
//   - "redis": JSON values under a key prefix, expired with key TTLs
package storage
