package storage

// Package storage persists run history.
//
// It currently supports:
//   - Append-only run records (one per completed/failed/skipped run)
//   - Recent-run queries for the admin API
