package app

import (
	"context"
	"encoding/json"
	"time"

	"taskpool/internal/eventbus"
	"taskpool/internal/storage"
	"taskpool/internal/task/feed"
	"taskpool/internal/task/pool"
	logx "taskpool/pkg/logx"
)

// auditPrefixes selects the events worth keeping. Per-task start/finish
// events are left out; the result batches already cover them.
var auditPrefixes = []string{
	"pool.",
	"chunk.",
	pool.EventTaskFailed,
	pool.EventTaskDeleted,
	pool.EventTaskAbandoned,
	feed.EventTriggered,
}

// auditLoop copies selected bus events into the store's audit stream until
// ctx is done.
func auditLoop(ctx context.Context, bus eventbus.Bus, store storage.Store, log logx.Logger) {
	events, unsub := bus.Subscribe(256, auditPrefixes...)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if store == nil {
				log.Debug("event", logx.String("type", e.Type), logx.String("source", e.Source))
				continue
			}
			entry := storage.AuditEntry{At: e.Time, Source: e.Source, Type: e.Type}
			if entry.At.IsZero() {
				entry.At = time.Now()
			}
			if e.Data != nil {
				b, err := json.Marshal(e.Data)
				if err != nil {
					log.Warn("audit encode failed", logx.String("type", e.Type), logx.Err(err))
					continue
				}
				entry.Data = b
			}
			// The write outlives ctx so events seen during shutdown still land.
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			err := store.AppendAudit(wctx, entry)
			cancel()
			if err != nil {
				log.Warn("audit write failed", logx.String("type", e.Type), logx.Err(err))
			}
		}
	}
}
