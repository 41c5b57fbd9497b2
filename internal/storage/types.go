package storage

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines files next to Path
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RecordRow is the stored form of one task result.
type RecordRow struct {
	Seq        uint64          `json:"seq"`
	Outcome    string          `json:"outcome"`
	Value      json.RawMessage `json:"value,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// Batch is one submitted chunk.
type Batch struct {
	ID      uuid.UUID   `json:"id"`
	Pool    string      `json:"pool"`
	At      time.Time   `json:"at"`
	Records []RecordRow `json:"records"`
}

// NewBatch stamps rows with a fresh id and the current time.
func NewBatch(pool string, rows []RecordRow) Batch {
	return Batch{ID: uuid.New(), Pool: pool, At: time.Now().UTC(), Records: rows}
}

// AuditEntry records a pool lifecycle event.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At     time.Time       `json:"at"`
	Source string          `json:"source"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
}
