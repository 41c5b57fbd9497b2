package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"taskpool/internal/runtime/supervisor"
	"taskpool/internal/storage"
	"taskpool/internal/task/pool"
)

// Status is the JSON view served at /status.
type Status struct {
	Pool       PoolStatus                  `json:"pool"`
	Tasks      []TaskStatus                `json:"tasks"`
	FeedNext   *time.Time                  `json:"feed_next,omitempty"`
	FeedFired  uint64                      `json:"feed_fired"`
	BusDropped uint64                      `json:"bus_dropped"`
	Goroutines []supervisor.GoroutineStats `json:"goroutines,omitempty"`
	Batches    []storage.Batch             `json:"recent_batches,omitempty"`
	StorageErr string                      `json:"storage_error,omitempty"`
	Uptime     string                      `json:"uptime"`
	Succeeded  uint64                      `json:"succeeded"`
	Failed     uint64                      `json:"failed"`
}

type PoolStatus struct {
	Name        string `json:"name"`
	Concurrency int    `json:"concurrency"`
	Running     int    `json:"running"`
	Waiting     int    `json:"waiting"`
	Finished    int    `json:"finished"`
	Chunk       int    `json:"chunk"`
	Paused      bool   `json:"paused"`
	Active      bool   `json:"active"`
}

type TaskStatus struct {
	Seq   uint64         `json:"seq"`
	State pool.TaskState `json:"state"`
	Job   string         `json:"job"`
}

const recentBatches = 5

// Status collects the current view. It is safe to call from any goroutine
// once the app has started.
func (a *App) Status(ctx context.Context) (Status, error) {
	a.mu.Lock()
	p, f, sup := a.pool, a.feed, a.sup
	a.mu.Unlock()
	if p == nil {
		return Status{}, ErrNotStarted
	}

	snap := p.Status()
	st := Status{
		Pool: PoolStatus{
			Name:        snap.Name,
			Concurrency: snap.Concurrency,
			Running:     snap.Running,
			Waiting:     snap.Waiting,
			Finished:    snap.Finished,
			Chunk:       snap.Chunk,
			Paused:      snap.Paused,
			Active:      snap.Active,
		},
		BusDropped: a.bus.Dropped(),
		Uptime:     time.Since(a.started).Truncate(time.Second).String(),
		Succeeded:  a.succeeded.Load(),
		Failed:     a.failed.Load(),
	}
	for _, ti := range p.AllTasks() {
		st.Tasks = append(st.Tasks, TaskStatus{Seq: ti.Seq, State: ti.State, Job: ti.Args.Name})
	}
	if f != nil {
		if next := f.Next(); !next.IsZero() {
			st.FeedNext = &next
		}
		st.FeedFired = f.Fired()
	}
	if sup != nil {
		st.Goroutines = sup.Snapshot()
	}
	if a.store != nil {
		batches, err := a.store.RecentBatches(ctx, recentBatches)
		if err != nil {
			st.StorageErr = err.Error()
		}
		st.Batches = batches
	}
	return st, nil
}

func (a *App) statusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st, err := a.Status(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(st)
	})
}
