// Package feed triggers a producer on a schedule. The daemon uses it to add
// the configured jobs to the pool periodically.
package feed

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"taskpool/internal/eventbus"
	logx "taskpool/pkg/logx"
)

const EventTriggered = "feed.triggered"

var (
	triggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpool_feed_triggers_total",
			Help: "Feed triggers by result (ok, error).",
		},
		[]string{"feed", "result"},
	)
	metricsOnce sync.Once
)

// ProduceFunc adds work and reports how many tasks it added.
type ProduceFunc func(ctx context.Context) (int, error)

type Config struct {
	Name     string
	Schedule string
	Timezone string
}

// TriggerEvent is published after every trigger.
type TriggerEvent struct {
	Feed  string `json:"feed"`
	Added int    `json:"added"`
	Error string `json:"error,omitempty"`
}

type Feed struct {
	name    string
	sched   cron.Schedule
	loc     *time.Location
	produce ProduceFunc
	log     logx.Logger
	bus     eventbus.Bus

	mu sync.Mutex
	c  *cron.Cron
	id cron.EntryID

	fired atomic.Uint64
}

func New(cfg Config, produce ProduceFunc, log logx.Logger, bus eventbus.Bus) (*Feed, error) {
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return nil, err
		}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	name := cfg.Name
	if name == "" {
		name = "feed"
	}
	metricsOnce.Do(func() { prometheus.MustRegister(triggers) })
	return &Feed{
		name:    name,
		sched:   sched,
		loc:     loc,
		produce: produce,
		log:     log.With(logx.String("feed", name)),
		bus:     bus,
	}, nil
}

// Start begins triggering. Producers receive ctx. Calling Start twice is a
// no-op.
func (f *Feed) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.c != nil {
		return
	}
	f.c = cron.New(cron.WithLocation(f.loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	f.id = f.c.Schedule(f.sched, cron.FuncJob(func() { f.Trigger(ctx) }))
	f.c.Start()
	f.log.Info("feed started", logx.String("tz", f.loc.String()), logx.Time("next", f.sched.Next(time.Now().In(f.loc))))
}

// Stop halts triggering and waits for a running trigger or ctx.
func (f *Feed) Stop(ctx context.Context) {
	f.mu.Lock()
	c := f.c
	f.c = nil
	f.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	f.log.Info("feed stopped", logx.Uint64("fired", f.fired.Load()))
}

// Next reports the next trigger time, or zero when stopped.
func (f *Feed) Next() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.c == nil {
		return time.Time{}
	}
	return f.c.Entry(f.id).Next
}

// Fired counts triggers so far.
func (f *Feed) Fired() uint64 { return f.fired.Load() }

// Trigger runs the producer once.
func (f *Feed) Trigger(ctx context.Context) {
	f.fired.Add(1)
	n, err := f.produce(ctx)
	ev := TriggerEvent{Feed: f.name, Added: n}
	if err != nil {
		ev.Error = err.Error()
		triggers.WithLabelValues(f.name, "error").Inc()
		f.log.Warn("feed trigger failed", logx.Err(err))
	} else {
		triggers.WithLabelValues(f.name, "ok").Inc()
		f.log.Debug("feed triggered", logx.Int("added", n))
	}
	if f.bus != nil {
		f.bus.Publish(eventbus.Event{Type: EventTriggered, Source: "feed/" + f.name, Time: time.Now(), Data: ev})
	}
}
