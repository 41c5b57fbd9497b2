package pool

import (
	"cmp"
	"errors"
	"runtime/debug"
	"slices"
	"time"

	logx "taskpool/pkg/logx"
)

// scheduleLocked is one scheduling pass: dispatch what the limit allows,
// then check for drain.
func (p *Pool[A, R]) scheduleLocked() {
	if p.active && !p.paused {
		p.dispatchLocked()
	}
	p.drainLocked()
	p.updateGaugesLocked()
}

// dispatchLocked starts waiting tasks in FIFO order while slots are free.
// A non-positive limit never frees a slot.
func (p *Pool[A, R]) dispatchLocked() {
	for p.rest.Len() > 0 && len(p.running) < p.cfg.Concurrency {
		e := p.rest.PopFront()
		e.state = StateRunning
		px := &proxy[A, R]{entry: e, started: time.Now()}
		p.running[e.seq] = px

		p.publish(EventTaskStarted, TaskEvent{Pool: p.name, Seq: e.seq})
		p.log.Debug("task.started", logx.Uint64("seq", e.seq), logx.Int("running", len(p.running)))

		go p.execute(px)
	}
}

func (p *Pool[A, R]) execute(px *proxy[A, R]) {
	val, err := p.invoke(px.task)
	dur := time.Since(px.started)

	p.mu.Lock()
	p.settleLocked(px, val, err, dur)
	p.releaseLocked()
}

// invoke runs the body and turns a panic into a PanicError so one bad task
// cannot take the process down.
func (p *Pool[A, R]) invoke(t Task[A, R]) (val R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return t.Run(p.ctx, t.Args)
}

func (p *Pool[A, R]) settleLocked(px *proxy[A, R], val R, err error, dur time.Duration) {
	if px.deleted {
		abandonedTasks.WithLabelValues(p.name).Inc()
		p.publish(EventTaskAbandoned, TaskEvent{Pool: p.name, Seq: px.seq, Duration: dur})
		return
	}

	rec := Record[R]{Seq: px.seq, Value: val, Duration: dur, Outcome: OutcomeSuccess}
	if err != nil {
		rec.Err = err
		rec.Outcome = OutcomeError
	}
	p.results = append(p.results, rec)
	p.settled = true
	p.chunk = append(p.chunk, rec)
	observeRecord(p.name, rec.Outcome, dur)

	if err != nil {
		p.logFailureLocked(rec)
		p.publish(EventTaskFailed, TaskEvent{Pool: p.name, Seq: rec.Seq, Duration: dur, Error: err.Error()})
	} else {
		p.log.Debug("task.completed", logx.Uint64("seq", rec.Seq), logx.Duration("dur", dur))
		p.publish(EventTaskFinished, TaskEvent{Pool: p.name, Seq: rec.Seq, Duration: dur})
	}

	if p.cfg.Immediately && p.cfg.OnResult != nil {
		cur := rec
		p.outbox.PushBack(delivery[R]{
			onResult: p.cfg.OnResult,
			results:  p.orderedLocked(p.results),
			current:  &cur,
		})
	}

	delete(p.running, px.seq)
	px.state = StateFinished

	p.scheduleLocked()
}

// drainLocked fires the drain actions once nothing is waiting or running.
// Results are reported only when something settled since the last drain, so
// Start or Resume on a drained pool does not repeat the report.
func (p *Pool[A, R]) drainLocked() {
	if !p.active || p.rest.Len() > 0 || len(p.running) > 0 {
		return
	}
	if p.settled && !p.cfg.Immediately && p.cfg.OnResult != nil && len(p.results) > 0 {
		p.outbox.PushBack(delivery[R]{
			onResult: p.cfg.OnResult,
			results:  p.orderedLocked(p.results),
		})
	}
	chunk := len(p.chunk)
	if p.cfg.AutoSubmit && p.cfg.Submit != nil && chunk > 0 {
		p.outbox.PushBack(delivery[R]{
			submit:      p.cfg.Submit,
			chunk:       p.orderedLocked(p.chunk),
			gen:         p.gen,
			policy:      p.cfg.SubmitPolicy,
			retryBase:   p.cfg.SubmitRetryBase,
			retryMax:    p.cfg.SubmitRetryMax,
			retryBudget: p.cfg.SubmitRetryElapsed,
		})
		p.chunk = nil
	}
	p.active = false
	p.settled = false

	drains.WithLabelValues(p.name).Inc()
	p.publish(EventPoolDrained, DrainEvent{Pool: p.name, Results: len(p.results), Chunk: chunk})
	p.log.Debug("pool.drained", logx.Int("results", len(p.results)), logx.Int("chunk", chunk))
}

// orderedLocked copies recs, sorted by seq when MaintainOrder is set.
func (p *Pool[A, R]) orderedLocked(recs []Record[R]) []Record[R] {
	out := slices.Clone(recs)
	if p.cfg.MaintainOrder {
		slices.SortFunc(out, func(a, b Record[R]) int { return cmp.Compare(a.Seq, b.Seq) })
	}
	return out
}

func (p *Pool[A, R]) logFailureLocked(rec Record[R]) {
	if !p.failLimiter.Allow() {
		p.failSuppressed++
		return
	}
	fields := []logx.Field{logx.Uint64("seq", rec.Seq), logx.Err(rec.Err), logx.Duration("dur", rec.Duration)}
	if p.failSuppressed > 0 {
		fields = append(fields, logx.Uint64("suppressed", p.failSuppressed))
		p.failSuppressed = 0
	}
	var pe *PanicError
	if errors.As(rec.Err, &pe) {
		fields = append(fields, logx.Stack(pe.Stack))
	}
	p.log.Warn("task.failed", fields...)
}
