package pool

import (
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"

	logx "taskpool/pkg/logx"
)

// delivery is one queued callback invocation. Exactly one of onResult or
// submit is set.
type delivery[R any] struct {
	onResult ResultFunc[R]
	results  []Record[R]
	current  *Record[R]

	submit      SubmitFunc[R]
	chunk       []Record[R]
	gen         uint64
	policy      SubmitPolicy
	retryBase   time.Duration
	retryMax    time.Duration
	retryBudget time.Duration
}

// releaseLocked drains the outbox and unlocks. Callbacks run without the lock
// in the order they were queued. If another goroutine is already delivering,
// the queued items are left to it.
func (p *Pool[A, R]) releaseLocked() {
	if p.delivering {
		p.updateIdleLocked()
		p.mu.Unlock()
		return
	}
	p.delivering = true
	for p.outbox.Len() > 0 {
		d := p.outbox.PopFront()
		p.updateIdleLocked()
		p.mu.Unlock()
		p.deliver(d)
		p.mu.Lock()
	}
	p.delivering = false
	p.updateIdleLocked()
	p.mu.Unlock()
}

func (p *Pool[A, R]) deliver(d delivery[R]) {
	if d.onResult != nil {
		p.callResult(d)
		return
	}
	if d.submit != nil {
		p.submitChunk(d)
	}
}

func (p *Pool[A, R]) callResult(d delivery[R]) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("result callback panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	d.onResult(d.results, d.current)
}

// callSubmit awaits the sink and turns a panic into an error.
func (p *Pool[A, R]) callSubmit(d delivery[R]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return d.submit(p.ctx, d.chunk)
}

func (p *Pool[A, R]) submitChunk(d delivery[R]) {
	attempts := 0
	var err error
	switch d.policy {
	case SubmitRetry:
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = d.retryBase
		b.MaxInterval = d.retryMax
		b.MaxElapsedTime = d.retryBudget
		op := func() error {
			attempts++
			return p.callSubmit(d)
		}
		notify := func(err error, wait time.Duration) {
			p.log.Warn("chunk submit failed, retrying",
				logx.Int("records", len(d.chunk)),
				logx.Int("attempt", attempts),
				logx.Duration("wait", wait),
				logx.Err(err),
			)
		}
		err = backoff.RetryNotify(op, backoff.WithContext(b, p.ctx), notify)
	default:
		attempts = 1
		err = p.callSubmit(d)
	}

	if err == nil {
		chunkSubmits.WithLabelValues(p.name, "ok").Inc()
		p.publish(EventChunkSubmitted, ChunkEvent{Pool: p.name, Records: len(d.chunk), Attempts: attempts})
		p.log.Debug("chunk submitted", logx.Int("records", len(d.chunk)), logx.Int("attempts", attempts))
		return
	}

	p.publish(EventChunkSubmitFailed, ChunkEvent{Pool: p.name, Records: len(d.chunk), Attempts: attempts, Error: err.Error()})
	if d.policy == SubmitRetain {
		kept := p.retain(d)
		chunkSubmits.WithLabelValues(p.name, "retained").Inc()
		p.log.Warn("chunk submit failed, records retained",
			logx.Int("records", len(d.chunk)),
			logx.Int("retained", kept),
			logx.Err(err),
		)
		return
	}
	chunkSubmits.WithLabelValues(p.name, "discarded").Inc()
	p.log.Warn("chunk submit failed, records discarded",
		logx.Int("records", len(d.chunk)),
		logx.Int("attempts", attempts),
		logx.String("policy", d.policy.String()),
		logx.Err(err),
	)
}

// retain puts a failed chunk back in front of the pending one. Records that
// were deleted meanwhile, or belong to a generation before a Reset, are
// dropped.
func (p *Pool[A, R]) retain(d delivery[R]) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d.gen != p.gen {
		return 0
	}
	kept := make([]Record[R], 0, len(d.chunk)+len(p.chunk))
	for _, rec := range d.chunk {
		if e, ok := p.all[rec.Seq]; ok && e.state == StateFinished {
			kept = append(kept, rec)
		}
	}
	n := len(kept)
	p.chunk = append(kept, p.chunk...)
	p.updateGaugesLocked()
	return n
}

