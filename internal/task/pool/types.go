package pool

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Outcome discriminates a Record.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// Record is the settled result of one task.
//
// Value is whatever Run returned. It is meaningful when Outcome is
// OutcomeSuccess; on OutcomeError it may carry partial output or the zero
// value. Err is non-nil only when Outcome is OutcomeError.
type Record[R any] struct {
	Seq      uint64
	Value    R
	Err      error
	Outcome  Outcome
	Duration time.Duration
}

func (r Record[R]) OK() bool { return r.Outcome == OutcomeSuccess }

// Task is a unit of work.
//
// Run receives the pool's base context and the task's own Args. Cleanup is
// optional and is invoked with Args when the task is removed via DeleteTask
// (or Stop, when CleanupOnStop is set).
type Task[A, R any] struct {
	Args    A
	Run     func(ctx context.Context, args A) (R, error)
	Cleanup func(args A) error
}

// ResultFunc receives a copy of the accumulated results. current is set when
// the call reports a single completion (Immediately mode) and nil for the
// drain report.
type ResultFunc[R any] func(results []Record[R], current *Record[R])

// SubmitFunc receives the chunk of records collected since the previous flush.
type SubmitFunc[R any] func(ctx context.Context, chunk []Record[R]) error

// SubmitPolicy decides what happens to a chunk whose Submit call failed.
type SubmitPolicy int

const (
	// SubmitDiscard drops the chunk.
	SubmitDiscard SubmitPolicy = iota
	// SubmitRetain puts the records back in front of the chunk so the next
	// drain hands them off again.
	SubmitRetain
	// SubmitRetry retries with exponential backoff, then discards.
	SubmitRetry
)

func (p SubmitPolicy) String() string {
	switch p {
	case SubmitDiscard:
		return "discard"
	case SubmitRetain:
		return "retain"
	case SubmitRetry:
		return "retry"
	default:
		return fmt.Sprintf("SubmitPolicy(%d)", int(p))
	}
}

// ParseSubmitPolicy maps a config string to a policy. Empty means discard.
func ParseSubmitPolicy(s string) (SubmitPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "discard":
		return SubmitDiscard, nil
	case "retain":
		return SubmitRetain, nil
	case "retry":
		return SubmitRetry, nil
	default:
		return SubmitDiscard, fmt.Errorf("unknown submit policy %q", s)
	}
}

// Config controls a Pool.
//
// Concurrency, Immediately and AutoSchedule can be changed later through the
// corresponding setters; everything else is fixed at construction.
type Config[R any] struct {
	Name string

	// Concurrency bounds the number of running tasks. Values <= 0 are
	// accepted and stall dispatch.
	Concurrency int

	// MaintainOrder sorts every delivered slice by seq.
	MaintainOrder bool

	// Immediately reports each completion to OnResult instead of a single
	// report at drain.
	Immediately bool

	// AutoSchedule makes AddTask start dispatch. nil means true.
	AutoSchedule *bool

	OnResult ResultFunc[R]

	// AutoSubmit hands the chunk to Submit at every drain.
	AutoSubmit   bool
	Submit       SubmitFunc[R]
	SubmitPolicy SubmitPolicy

	// Retry policy bounds (SubmitRetry only). Zero values get defaults.
	SubmitRetryBase    time.Duration
	SubmitRetryMax     time.Duration
	SubmitRetryElapsed time.Duration

	// CleanupOnStop runs Cleanup for every waiting and running task that
	// Stop discards.
	CleanupOnStop bool
}

func (c Config[R]) withDefaults() Config[R] {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = "default"
	}
	if c.SubmitRetryBase <= 0 {
		c.SubmitRetryBase = 250 * time.Millisecond
	}
	if c.SubmitRetryMax <= 0 {
		c.SubmitRetryMax = 5 * time.Second
	}
	if c.SubmitRetryElapsed <= 0 {
		c.SubmitRetryElapsed = 30 * time.Second
	}
	return c
}

// Bool is a helper for optional config flags such as AutoSchedule.
func Bool(v bool) *bool { return &v }

// TaskState is the position of a known task.
type TaskState string

const (
	StateWaiting  TaskState = "waiting"
	StateRunning  TaskState = "running"
	StateFinished TaskState = "finished"
)

// TaskInfo is a read-only view of a known task.
type TaskInfo[A any] struct {
	Seq   uint64
	State TaskState
	Args  A
}

// Snapshot is a point-in-time view of the pool. Results is a copy.
type Snapshot[R any] struct {
	Name        string
	Total       int
	Running     int
	Waiting     int
	Finished    int
	Results     []Record[R]
	Paused      bool
	Active      bool
	Chunk       int
	Concurrency int
}
