package storage

import (
	"context"
	"fmt"
	"strings"

	logx "taskpool/pkg/logx"
)

// Store is the persistence API used by the daemon.
type Store interface {
	AppendBatch(ctx context.Context, b Batch) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	// RecentBatches returns up to limit batches, newest first.
	RecentBatches(ctx context.Context, limit int) ([]Batch, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
