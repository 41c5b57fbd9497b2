package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/multierr"

	"taskpool/internal/config"
	"taskpool/internal/eventbus"
	"taskpool/internal/observability/metrics"
	"taskpool/internal/runtime/supervisor"
	"taskpool/internal/storage"
	"taskpool/internal/task/feed"
	"taskpool/internal/task/pool"
	logx "taskpool/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager

	root    logx.Logger
	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Service

	mu   sync.Mutex
	sup  *supervisor.Supervisor
	pool *pool.Pool[Job, JobOutput]
	feed *feed.Feed

	autoSubmit bool
	policy     pool.SubmitPolicy
	countFrom  uint64
	started    time.Time
	succeeded  atomic.Uint64
	failed     atomic.Uint64
}

// NewApp loads and validates the config and opens storage. Nothing runs
// until Start or RunOnce.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	// transactional config reload: validate before commit/publish
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return ValidateConfig(cfg)
	})
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogging(cfg))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))
	log := root.With(logx.String("comp", "app"))

	var store storage.Store
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if enabled {
		if store, err = storage.Open(sc, root); err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	a := &App{
		cfgm:  cfgm,
		root:  root,
		log:   log,
		logs:  logSvc,
		bus:   eventbus.New(),
		store: store,
	}
	a.metrics = metrics.New(mapMetricsConfig(cfg), root.With(logx.String("comp", "metrics")), a.statusHandler())
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Err()
}

// startCore builds the supervisor and the pool and starts the audit loop.
func (a *App) startCore(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil {
		return errors.New("app already started")
	}

	cfg := a.cfgm.Get()
	pc, err := mapPoolConfig(cfg, a.store != nil)
	if err != nil {
		return err
	}
	if pc.AutoSubmit && a.store == nil {
		a.log.Warn("pool.auto_submit is set but storage is disabled; chunks are not persisted")
		pc.AutoSubmit = false
	}
	a.autoSubmit = pc.AutoSubmit
	a.policy = pc.SubmitPolicy

	sup := supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	var p *pool.Pool[Job, JobOutput]
	pc.OnResult = func(results []pool.Record[JobOutput], current *pool.Record[JobOutput]) {
		a.onResult(p, results, current)
	}
	if pc.AutoSubmit {
		pc.Submit = func(c context.Context, chunk []pool.Record[JobOutput]) error {
			return a.submit(c, p, pc.Name, chunk)
		}
	}
	p, err = pool.New[Job, JobOutput](sup.Context(), pc, a.root.With(logx.String("comp", "pool")), a.bus)
	if err != nil {
		sup.Cancel()
		return err
	}
	if cfg.Pool.Paused {
		p.Pause()
	}

	a.sup = sup
	a.pool = p
	a.started = time.Now()

	auditLog := a.root.With(logx.String("comp", "audit"))
	sup.Go0("audit", func(c context.Context) { auditLoop(c, a.bus, a.store, auditLog) })
	return nil
}

// Start runs the daemon: the initial batch of jobs, the feed, the metrics
// endpoint and config hot reload.
func (a *App) Start(ctx context.Context) error {
	if err := a.startCore(ctx); err != nil {
		return err
	}
	cfg := a.cfgm.Get()
	sup := a.sup

	a.metrics.Start(sup.Context())

	if cfg.Feed.Enabled {
		f, err := feed.New(mapFeedConfig(cfg), a.enqueue, a.root.With(logx.String("comp", "feed")), a.bus)
		if err != nil {
			return err
		}
		a.mu.Lock()
		a.feed = f
		a.mu.Unlock()
		f.Start(sup.Context())
	}

	n, err := a.enqueue(sup.Context())
	if err != nil {
		return err
	}

	sup.Go0("config.reload", a.reloadLoop)
	sup.Go("config.watch", a.cfgm.Watch)
	sup.Go0("systemd.watchdog", a.watchdogLoop)

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.String("pool", cfg.Pool.EffectiveName()),
		logx.Int("concurrency", cfg.Pool.EffectiveConcurrency()),
		logx.Int("jobs", n),
		logx.Bool("feed", cfg.Feed.Enabled),
		logx.Bool("metrics", cfg.Metrics.Enabled),
	)
	return nil
}

// RunOnce adds every configured job, waits for the pool to drain and for the
// drained chunk to be handed to storage. It returns ErrJobsFailed when any
// job failed. The caller still calls Stop.
func (a *App) RunOnce(ctx context.Context) error {
	if err := a.startCore(ctx); err != nil {
		return err
	}
	if c := a.cfgm.Get().Pool.EffectiveConcurrency(); c <= 0 {
		a.log.Warn("pool.concurrency <= 0: no job will start", logx.Int("concurrency", c))
	}
	n, err := a.enqueue(ctx)
	if err != nil {
		return err
	}
	a.log.Info("running jobs once", logx.Int("jobs", n))
	if err := a.pool.Wait(ctx); err != nil {
		return err
	}
	ok, failed := a.succeeded.Load(), a.failed.Load()
	a.log.Info("jobs done", logx.Uint64("succeeded", ok), logx.Uint64("failed", failed))
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrJobsFailed, failed, ok+failed)
	}
	return nil
}

// enqueue adds the configured jobs. A job whose previous run is still
// waiting or running is skipped.
func (a *App) enqueue(context.Context) (int, error) {
	jobs, err := buildJobs(a.cfgm.Get().Jobs)
	if err != nil {
		return 0, err
	}
	busy := make(map[string]struct{})
	for _, ti := range a.pool.AllTasks() {
		if ti.State != pool.StateFinished {
			busy[ti.Args.Name] = struct{}{}
		}
	}
	fresh := jobs[:0]
	for _, j := range jobs {
		if _, ok := busy[j.Name]; ok {
			a.log.Debug("job still pending; skipped", logx.String("job", j.Name))
			continue
		}
		fresh = append(fresh, j)
	}
	seqs, err := a.pool.AddTask(jobTasks(fresh)...)
	return len(seqs), err
}

// onResult logs and counts reports, then prunes tasks nothing else needs.
// Callbacks are delivered one at a time, so countFrom needs no lock.
func (a *App) onResult(p *pool.Pool[Job, JobOutput], results []pool.Record[JobOutput], current *pool.Record[JobOutput]) {
	if current != nil {
		a.count(*current)
		a.logRecord(*current)
		if !a.autoSubmit {
			_ = p.DeleteTask(current.Seq)
		}
		return
	}

	// With retained chunks a drain report can repeat records seen in an
	// earlier one. Every seq below countFrom has been counted already.
	var fresh, failed int
	next := a.countFrom
	for _, r := range results {
		if r.Seq < a.countFrom {
			continue
		}
		fresh++
		a.count(r)
		if !r.OK() {
			failed++
			a.logRecord(r)
		}
		next = max(next, r.Seq+1)
	}
	a.countFrom = next
	a.log.Info("batch finished", logx.Int("jobs", fresh), logx.Int("failed", failed))

	// With auto-submit, submit prunes once the chunk is handled.
	if !a.autoSubmit {
		for _, r := range results {
			_ = p.DeleteTask(r.Seq)
		}
	}
}

func (a *App) count(r pool.Record[JobOutput]) {
	if r.OK() {
		a.succeeded.Add(1)
	} else {
		a.failed.Add(1)
	}
}

func (a *App) logRecord(r pool.Record[JobOutput]) {
	if r.OK() {
		a.log.Info("job finished",
			logx.String("job", r.Value.Name),
			logx.Uint64("seq", r.Seq),
			logx.Duration("took", r.Duration),
		)
		return
	}
	a.log.Warn("job failed",
		logx.String("job", r.Value.Name),
		logx.Uint64("seq", r.Seq),
		logx.Duration("took", r.Duration),
		logx.Err(r.Err),
	)
}

// submit persists one chunk as a storage batch and removes the handled tasks
// from the pool.
func (a *App) submit(ctx context.Context, p *pool.Pool[Job, JobOutput], name string, chunk []pool.Record[JobOutput]) error {
	rows := make([]storage.RecordRow, 0, len(chunk))
	for _, r := range chunk {
		row := storage.RecordRow{
			Seq:        r.Seq,
			Outcome:    string(r.Outcome),
			DurationMS: r.Duration.Milliseconds(),
		}
		if r.Err != nil {
			row.Error = r.Err.Error()
		}
		// A failed job still carries its captured output.
		if r.OK() || r.Value.Name != "" {
			b, err := json.Marshal(r.Value)
			if err != nil {
				return fmt.Errorf("encode record %d: %w", r.Seq, err)
			}
			row.Value = b
		}
		rows = append(rows, row)
	}

	// Stop cancels ctx; a drained chunk should still reach the store.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := a.store.AppendBatch(wctx, storage.NewBatch(name, rows))
	// A retained chunk comes back on the next drain and needs its tasks kept.
	if err == nil || a.policy != pool.SubmitRetain {
		for _, r := range chunk {
			_ = p.DeleteTask(r.Seq)
		}
	}
	return err
}

// reloadLoop applies committed config changes. Logging, metrics and the live
// pool knobs change in place; other sections are reported as needing a
// restart.
func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(oldCfg, newCfg); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(newCfg))

	a.mu.Lock()
	p := a.pool
	a.mu.Unlock()
	if p != nil {
		prev := p.Status()
		next := newCfg.Pool.EffectiveConcurrency()
		p.SetConcurrency(next)
		p.SetImmediately(newCfg.Pool.Immediately)
		switch {
		case newCfg.Pool.Paused && !prev.Paused:
			p.Pause()
			a.log.Info("pool paused via config")
		case !newCfg.Pool.Paused && prev.Paused:
			p.Resume()
			a.log.Info("pool resumed via config")
		case next > prev.Concurrency && prev.Waiting > 0 && !prev.Paused:
			// New slots are only filled by a pass.
			p.Resume()
		}
	}

	a.metrics.Reconfigure(c, mapMetricsConfig(newCfg))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts everything down in dependency order: feed, pool, metrics,
// supervised goroutines, storage. Each step is bounded so one component
// cannot stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.mu.Lock()
	sup, p, f := a.sup, a.pool, a.feed
	a.mu.Unlock()
	if sup == nil {
		return a.closeStore()
	}
	a.log.Info("stopping", logx.String("reason", reason.String()))
	a.sdNotify(daemon.SdNotifyStopping)

	var err error
	err = multierr.Append(err, a.step(ctx, "feed", 2*time.Second, func(c context.Context) error {
		if f != nil {
			f.Stop(c)
		}
		return nil
	}))
	err = multierr.Append(err, a.step(ctx, "pool", 2*time.Second, func(context.Context) error {
		return p.Stop()
	}))

	// Cancel the run context so jobs still executing are killed and loops unwind.
	sup.Cancel()

	err = multierr.Append(err, a.step(ctx, "metrics", 2*time.Second, func(c context.Context) error {
		a.metrics.Stop(c)
		return nil
	}))
	err = multierr.Append(err, a.step(ctx, "supervisor", 3*time.Second, sup.Wait))
	err = multierr.Append(err, a.step(ctx, "storage", time.Second, func(context.Context) error {
		return a.closeStore()
	}))

	a.log.Info("stopped", logx.Uint64("succeeded", a.succeeded.Load()), logx.Uint64("failed", a.failed.Load()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

// step runs one shutdown step with an upper bound that never extends the
// caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return fmt.Errorf("stop %s: %w", name, context.DeadlineExceeded)
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			return fmt.Errorf("stop %s: %w", name, err)
		}
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return nil
	case <-stepCtx.Done():
		// fn must honor stepCtx; if it doesn't, log when it eventually finishes.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name),
				logx.Duration("took", time.Since(start)),
				logx.Bool("error", err != nil),
			)
		}()
		return fmt.Errorf("stop %s: %w", name, stepCtx.Err())
	}
}
