// Package storage persists what the daemon produces.
//
// It currently supports:
//   - Result batches (one per submitted pool chunk)
//   - Audit entries (pool lifecycle events)
package storage
