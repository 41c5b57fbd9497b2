package pool

import (
	"time"

	"taskpool/internal/eventbus"
)

const (
	EventTaskAccepted  = "task.accepted"
	EventTaskStarted   = "task.started"
	EventTaskFinished  = "task.finished"
	EventTaskFailed    = "task.failed"
	EventTaskDeleted   = "task.deleted"
	EventTaskAbandoned = "task.abandoned"

	EventPoolDrained = "pool.drained"
	EventPoolStopped = "pool.stopped"
	EventPoolReset   = "pool.reset"

	EventChunkSubmitted    = "chunk.submitted"
	EventChunkSubmitFailed = "chunk.submit_failed"
)

type TaskEvent struct {
	Pool     string        `json:"pool"`
	Seq      uint64        `json:"seq"`
	State    TaskState     `json:"state,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type StopEvent struct {
	Pool      string `json:"pool"`
	Discarded int    `json:"discarded"`
}

type DrainEvent struct {
	Pool    string `json:"pool"`
	Results int    `json:"results"`
	Chunk   int    `json:"chunk"`
}

type ChunkEvent struct {
	Pool     string `json:"pool"`
	Records  int    `json:"records"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

func (p *Pool[A, R]) publish(typ string, data any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Source: "pool/" + p.name, Time: time.Now(), Data: data})
}
