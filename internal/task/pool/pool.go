package pool

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"taskpool/internal/eventbus"
	logx "taskpool/pkg/logx"
)

type entry[A, R any] struct {
	seq   uint64
	task  Task[A, R]
	state TaskState
}

// proxy is a running entry. deleted is its cancellation token: once set, the
// settlement of the underlying body commits nothing.
type proxy[A, R any] struct {
	*entry[A, R]
	deleted bool
	started time.Time
}

// Pool is a bounded-concurrency task scheduler. Create it with New.
type Pool[A, R any] struct {
	ctx  context.Context
	name string
	log  logx.Logger
	bus  eventbus.Bus

	mu           sync.Mutex
	cfg          Config[R]
	autoSchedule bool

	// seq is the next sequence number; gen changes on Reset so that callbacks
	// produced before a reset can tell their seqs are stale.
	seq uint64
	gen uint64

	rest    deque.Deque[*entry[A, R]]
	running map[uint64]*proxy[A, R]
	results []Record[R]
	chunk   []Record[R]
	all     map[uint64]*entry[A, R]

	active bool
	paused bool
	// settled is set when a record commits and cleared at drain. Only a
	// drain that follows a settlement reports results.
	settled bool

	outbox     deque.Deque[delivery[R]]
	delivering bool

	idle       chan struct{}
	idleClosed bool

	failLimiter    *rate.Limiter
	failSuppressed uint64
}

// New builds a pool, accepts the initial tasks and, unless AutoSchedule is
// disabled, starts it right away.
//
// Task bodies and Submit receive ctx; canceling it does not stop the pool.
func New[A, R any](ctx context.Context, cfg Config[R], log logx.Logger, bus eventbus.Bus, tasks ...Task[A, R]) (*Pool[A, R], error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := validate(tasks); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	auto := true
	if cfg.AutoSchedule != nil {
		auto = *cfg.AutoSchedule
	}

	initMetrics()

	p := &Pool[A, R]{
		ctx:          ctx,
		name:         cfg.Name,
		log:          log,
		bus:          bus,
		cfg:          cfg,
		autoSchedule: auto,
		running:      make(map[uint64]*proxy[A, R]),
		all:          make(map[uint64]*entry[A, R]),
		idle:         make(chan struct{}),
		failLimiter:  rate.NewLimiter(rate.Every(200*time.Millisecond), 10),
	}
	close(p.idle)
	p.idleClosed = true

	p.mu.Lock()
	p.acceptLocked(tasks)
	if p.autoSchedule {
		p.active = true
		p.scheduleLocked()
	} else {
		p.updateGaugesLocked()
	}
	p.releaseLocked()
	return p, nil
}

func validate[A, R any](tasks []Task[A, R]) error {
	for i, t := range tasks {
		if t.Run == nil {
			return fmt.Errorf("task %d: %w", i, ErrNilRun)
		}
	}
	return nil
}

func (p *Pool[A, R]) acceptLocked(tasks []Task[A, R]) []uint64 {
	seqs := make([]uint64, 0, len(tasks))
	for _, t := range tasks {
		e := &entry[A, R]{seq: p.seq, task: t, state: StateWaiting}
		p.seq++
		p.rest.PushBack(e)
		p.all[e.seq] = e
		seqs = append(seqs, e.seq)
		p.publish(EventTaskAccepted, TaskEvent{Pool: p.name, Seq: e.seq})
	}
	return seqs
}

// AddTask accepts tasks in order and returns their seqs. With AutoSchedule
// enabled the pool starts (or runs a pass) immediately. Adding nothing is a
// no-op. A task without Run rejects the whole call.
func (p *Pool[A, R]) AddTask(tasks ...Task[A, R]) ([]uint64, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	if err := validate(tasks); err != nil {
		return nil, err
	}

	p.mu.Lock()
	seqs := p.acceptLocked(tasks)
	if p.autoSchedule {
		p.active = true
		p.scheduleLocked()
	} else {
		p.updateGaugesLocked()
	}
	p.releaseLocked()
	return seqs, nil
}

// DeleteTask removes a task wherever it is.
//
// A running task is marked deleted (its body keeps running, its result is
// ignored) and its slot is refilled. A waiting task leaves the queue. A
// finished task is dropped from the results and the pending chunk. Cleanup
// runs with the task's own Args and its error is returned. An unknown seq is
// a no-op. Every call ends with a scheduling pass.
func (p *Pool[A, R]) DeleteTask(seq uint64) error {
	defer p.reschedule()

	p.mu.Lock()
	var target *entry[A, R]
	if px, ok := p.running[seq]; ok {
		px.deleted = true
		delete(p.running, seq)
		delete(p.all, seq)
		target = px.entry
	} else if i := p.rest.Index(func(e *entry[A, R]) bool { return e.seq == seq }); i >= 0 {
		target = p.rest.Remove(i)
		delete(p.all, seq)
	} else if e, ok := p.all[seq]; ok && e.state == StateFinished {
		delete(p.all, seq)
		p.results = dropSeq(p.results, seq)
		p.chunk = dropSeq(p.chunk, seq)
		target = e
	}
	if target != nil {
		deletedTasks.WithLabelValues(p.name, string(target.state)).Inc()
		p.publish(EventTaskDeleted, TaskEvent{Pool: p.name, Seq: seq, State: target.state})
		p.log.Debug("task.deleted", logx.Uint64("seq", seq), logx.String("state", string(target.state)))
	}
	p.mu.Unlock()

	if target == nil {
		return nil
	}
	return runCleanup(target)
}

func runCleanup[A, R any](e *entry[A, R]) error {
	if e.task.Cleanup == nil {
		return nil
	}
	if err := e.task.Cleanup(e.task.Args); err != nil {
		return &CleanupError{Seq: e.seq, Err: err}
	}
	return nil
}

func dropSeq[R any](recs []Record[R], seq uint64) []Record[R] {
	return slices.DeleteFunc(recs, func(r Record[R]) bool { return r.Seq == seq })
}

func (p *Pool[A, R]) reschedule() {
	p.mu.Lock()
	p.scheduleLocked()
	p.releaseLocked()
}

// Start activates the pool and runs a pass. It is a no-op while the pool is
// already active; the active flag clears by itself at drain.
func (p *Pool[A, R]) Start() {
	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		return
	}
	p.active = true
	p.log.Debug("pool.started", logx.Int("waiting", p.rest.Len()))
	p.scheduleLocked()
	p.releaseLocked()
}

// Stop discards every waiting and running task and clears the active and
// paused flags. Recorded results are kept. Running bodies cannot be
// interrupted; their settlement is ignored. With CleanupOnStop, Cleanup runs
// for each discarded task in seq order and the errors are combined.
func (p *Pool[A, R]) Stop() error {
	p.mu.Lock()
	discarded := make([]*entry[A, R], 0, p.rest.Len()+len(p.running))
	for p.rest.Len() > 0 {
		discarded = append(discarded, p.rest.PopFront())
	}
	for _, px := range p.running {
		px.deleted = true
		discarded = append(discarded, px.entry)
	}
	clear(p.running)
	for _, e := range discarded {
		delete(p.all, e.seq)
	}
	p.active = false
	p.paused = false
	cleanup := p.cfg.CleanupOnStop
	p.publish(EventPoolStopped, StopEvent{Pool: p.name, Discarded: len(discarded)})
	p.log.Info("pool.stopped", logx.Int("discarded", len(discarded)), logx.Int("results", len(p.results)))
	p.updateGaugesLocked()
	p.releaseLocked()

	if !cleanup {
		return nil
	}
	slices.SortFunc(discarded, func(a, b *entry[A, R]) int { return cmp.Compare(a.seq, b.seq) })
	var err error
	for _, e := range discarded {
		err = multierr.Append(err, runCleanup(e))
	}
	return err
}

// Reset empties every pool and restarts seq numbering at zero. In-flight
// bodies are abandoned like on Stop.
func (p *Pool[A, R]) Reset() {
	p.mu.Lock()
	for _, px := range p.running {
		px.deleted = true
	}
	clear(p.running)
	p.rest.Clear()
	p.results = nil
	p.chunk = nil
	clear(p.all)
	p.seq = 0
	p.gen++
	p.settled = false
	p.active = false
	p.paused = false
	p.publish(EventPoolReset, StopEvent{Pool: p.name})
	p.log.Debug("pool.reset")
	p.updateGaugesLocked()
	p.releaseLocked()
}

// SetConcurrency changes the limit for the next pass. Running tasks are never
// preempted.
func (p *Pool[A, R]) SetConcurrency(n int) {
	p.mu.Lock()
	p.cfg.Concurrency = n
	p.updateGaugesLocked()
	p.mu.Unlock()
}

func (p *Pool[A, R]) SetImmediately(v bool) {
	p.mu.Lock()
	p.cfg.Immediately = v
	p.mu.Unlock()
}

func (p *Pool[A, R]) SetAutoSchedule(v bool) {
	p.mu.Lock()
	p.autoSchedule = v
	p.mu.Unlock()
}

// Pause blocks dequeuing in future passes. Running tasks finish normally.
func (p *Pool[A, R]) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

// Resume lifts Pause and (re)starts dispatch.
func (p *Pool[A, R]) Resume() {
	p.mu.Lock()
	p.paused = false
	p.active = true
	p.scheduleLocked()
	p.releaseLocked()
}

func (p *Pool[A, R]) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Status returns a snapshot. Results is a copy in settlement order.
func (p *Pool[A, R]) Status() Snapshot[R] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot[R]{
		Name:        p.name,
		Total:       len(p.all),
		Running:     len(p.running),
		Waiting:     p.rest.Len(),
		Finished:    len(p.results),
		Results:     slices.Clone(p.results),
		Paused:      p.paused,
		Active:      p.active,
		Chunk:       len(p.chunk),
		Concurrency: p.cfg.Concurrency,
	}
}

// AllTasks lists every known task (waiting, running or finished) by seq.
func (p *Pool[A, R]) AllTasks() []TaskInfo[A] {
	p.mu.Lock()
	out := make([]TaskInfo[A], 0, len(p.all))
	for _, e := range p.all {
		out = append(out, TaskInfo[A]{Seq: e.seq, State: e.state, Args: e.task.Args})
	}
	p.mu.Unlock()
	slices.SortFunc(out, func(a, b TaskInfo[A]) int { return cmp.Compare(a.Seq, b.Seq) })
	return out
}

// Wait blocks until the pool is idle: inactive, nothing waiting or running,
// and every callback delivered. It must not be called from a callback.
func (p *Pool[A, R]) Wait(ctx context.Context) error {
	p.mu.Lock()
	ch := p.idle
	p.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool[A, R]) updateIdleLocked() {
	idle := !p.active && p.rest.Len() == 0 && len(p.running) == 0 && p.outbox.Len() == 0 && !p.delivering
	switch {
	case idle && !p.idleClosed:
		close(p.idle)
		p.idleClosed = true
	case !idle && p.idleClosed:
		p.idle = make(chan struct{})
		p.idleClosed = false
	}
}
