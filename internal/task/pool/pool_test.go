package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskpool/internal/eventbus"
	logx "taskpool/pkg/logx"
)

func waitIdle(t *testing.T, p interface{ Wait(context.Context) error }) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
}

func sumTask(a, b int) Task[[2]int, int] {
	return Task[[2]int, int]{
		Args: [2]int{a, b},
		Run: func(_ context.Context, args [2]int) (int, error) {
			time.Sleep(time.Duration(5-args[0]) * time.Millisecond)
			return args[0] + args[1], nil
		},
	}
}

// gate is a body that blocks until released.
type gate struct {
	started chan uint64
	release map[int]chan struct{}
}

func newGate(n int) *gate {
	g := &gate{started: make(chan uint64, n), release: map[int]chan struct{}{}}
	for i := 0; i < n; i++ {
		g.release[i] = make(chan struct{})
	}
	return g
}

func (g *gate) task(i int, cleanup func(int) error) Task[int, int] {
	return Task[int, int]{
		Args: i,
		Run: func(_ context.Context, args int) (int, error) {
			g.started <- uint64(args)
			<-g.release[args]
			return args * 10, nil
		},
		Cleanup: cleanup,
	}
}

func (g *gate) waitStarted(t *testing.T, want uint64) {
	t.Helper()
	select {
	case got := <-g.started:
		require.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("task %d did not start", want)
	}
}

func seqsOf[R any](recs []Record[R]) []uint64 {
	out := make([]uint64, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Seq)
	}
	return out
}

func TestDrainReportsOnceInOrder(t *testing.T) {
	var (
		mu      sync.Mutex
		calls   int
		got     []Record[int]
		current *Record[int]
	)
	var inFlight, peak atomic.Int32
	tasks := make([]Task[[2]int, int], 0, 5)
	for i := 0; i < 5; i++ {
		tk := sumTask(i+1, i+1)
		run := tk.Run
		tk.Run = func(ctx context.Context, args [2]int) (int, error) {
			n := inFlight.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			defer inFlight.Add(-1)
			return run(ctx, args)
		}
		tasks = append(tasks, tk)
	}

	p, err := New(context.Background(), Config[int]{
		Name:          "drain-once",
		Concurrency:   2,
		MaintainOrder: true,
		OnResult: func(results []Record[int], cur *Record[int]) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			got = results
			current = cur
		},
	}, logx.Nop(), nil, tasks...)
	require.NoError(t, err)
	waitIdle(t, p)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
	require.Nil(t, current)
	require.Equal(t, []uint64{0, 1, 2, 3, 4}, seqsOf(got))
	for i, rec := range got {
		require.True(t, rec.OK())
		require.Equal(t, 2*(i+1), rec.Value)
	}
	require.LessOrEqual(t, peak.Load(), int32(2))

	st := p.Status()
	require.Equal(t, 5, st.Total)
	require.Equal(t, 5, st.Finished)
	require.False(t, st.Active)
}

func TestImmediatelyReportsEachCompletion(t *testing.T) {
	var (
		mu       sync.Mutex
		currents []uint64
		lastLen  int
	)
	p, err := New(context.Background(), Config[int]{
		Name:        "immediate",
		Concurrency: 3,
		Immediately: true,
		OnResult: func(results []Record[int], cur *Record[int]) {
			mu.Lock()
			defer mu.Unlock()
			if cur == nil {
				t.Error("current record missing in immediate report")
				return
			}
			currents = append(currents, cur.Seq)
			lastLen = len(results)
		},
	}, logx.Nop(), nil, sumTask(1, 1), sumTask(2, 2), sumTask(3, 3))
	require.NoError(t, err)
	waitIdle(t, p)

	mu.Lock()
	defer mu.Unlock()
	require.ElementsMatch(t, []uint64{0, 1, 2}, currents)
	require.Equal(t, 3, lastLen)
}

func TestUnorderedReportFollowsSettlement(t *testing.T) {
	sleepy := func(d time.Duration) Task[time.Duration, int] {
		return Task[time.Duration, int]{
			Args: d,
			Run: func(_ context.Context, d time.Duration) (int, error) {
				time.Sleep(d)
				return int(d / time.Millisecond), nil
			},
		}
	}
	var (
		mu  sync.Mutex
		got []Record[int]
	)
	p, err := New(context.Background(), Config[int]{
		Name:        "unordered",
		Concurrency: 3,
		OnResult: func(results []Record[int], _ *Record[int]) {
			mu.Lock()
			defer mu.Unlock()
			got = results
		},
	}, logx.Nop(), nil, sleepy(90*time.Millisecond), sleepy(10*time.Millisecond), sleepy(50*time.Millisecond))
	require.NoError(t, err)
	waitIdle(t, p)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint64{1, 2, 0}, seqsOf(got))
	require.Equal(t, seqsOf(p.Status().Results), seqsOf(got))
	require.Equal(t, []int{10, 50, 90}, []int{got[0].Value, got[1].Value, got[2].Value})
}

func TestSetImmediatelySwitchesReporting(t *testing.T) {
	type report struct {
		n       int
		current bool
	}
	var (
		mu      sync.Mutex
		reports []report
	)
	p, err := New(context.Background(), Config[int]{
		Name:          "switch-immediately",
		Concurrency:   1,
		MaintainOrder: true,
		OnResult: func(results []Record[int], cur *Record[int]) {
			mu.Lock()
			defer mu.Unlock()
			reports = append(reports, report{n: len(results), current: cur != nil})
		},
	}, logx.Nop(), nil, sumTask(1, 1))
	require.NoError(t, err)
	waitIdle(t, p)

	p.SetImmediately(true)
	_, err = p.AddTask(sumTask(2, 2), sumTask(3, 3))
	require.NoError(t, err)
	waitIdle(t, p)

	p.SetImmediately(false)
	_, err = p.AddTask(sumTask(4, 4))
	require.NoError(t, err)
	waitIdle(t, p)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []report{
		{n: 1, current: false},
		{n: 2, current: true},
		{n: 3, current: true},
		{n: 4, current: false},
	}, reports)
}

func TestSetAutoScheduleControlsDispatch(t *testing.T) {
	p, err := New[[2]int, int](context.Background(), Config[int]{
		Name:         "switch-auto",
		Concurrency:  2,
		AutoSchedule: Bool(false),
	}, logx.Nop(), nil)
	require.NoError(t, err)

	_, err = p.AddTask(sumTask(1, 1))
	require.NoError(t, err)
	st := p.Status()
	require.Equal(t, 1, st.Waiting)
	require.False(t, st.Active)

	p.SetAutoSchedule(true)
	_, err = p.AddTask(sumTask(2, 2))
	require.NoError(t, err)
	waitIdle(t, p)
	require.Equal(t, 2, p.Status().Finished)

	p.SetAutoSchedule(false)
	_, err = p.AddTask(sumTask(3, 3))
	require.NoError(t, err)
	require.Equal(t, 1, p.Status().Waiting)

	p.Start()
	waitIdle(t, p)
	st = p.Status()
	require.Equal(t, 3, st.Finished)
	require.Zero(t, st.Waiting)
}

func TestRestartDrainedPoolDoesNotRepeatReport(t *testing.T) {
	var calls atomic.Int32
	p, err := New(context.Background(), Config[int]{
		Name:        "restart-drained",
		Concurrency: 1,
		OnResult:    func([]Record[int], *Record[int]) { calls.Add(1) },
	}, logx.Nop(), nil, sumTask(1, 1))
	require.NoError(t, err)
	waitIdle(t, p)
	require.Equal(t, int32(1), calls.Load())

	p.Resume()
	waitIdle(t, p)
	p.Start()
	waitIdle(t, p)
	require.Equal(t, int32(1), calls.Load())
	require.False(t, p.Status().Active)

	_, err = p.AddTask(sumTask(2, 2))
	require.NoError(t, err)
	waitIdle(t, p)
	require.Equal(t, int32(2), calls.Load())
}

func TestPauseBlocksDispatch(t *testing.T) {
	var calls atomic.Int32
	p, err := New[[2]int, int](context.Background(), Config[int]{
		Name:         "paused",
		Concurrency:  2,
		AutoSchedule: Bool(false),
		OnResult:     func([]Record[int], *Record[int]) { calls.Add(1) },
	}, logx.Nop(), nil)
	require.NoError(t, err)

	seqs, err := p.AddTask(sumTask(1, 2), sumTask(3, 4), sumTask(5, 6))
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 1, 2}, seqs)

	st := p.Status()
	require.Equal(t, 3, st.Waiting)
	require.Equal(t, 0, st.Running)
	require.False(t, st.Active)

	p.Pause()
	require.True(t, p.IsPaused())
	p.Start()
	st = p.Status()
	require.Equal(t, 0, st.Running)
	require.Equal(t, 3, st.Waiting)
	require.Equal(t, 0, st.Finished)

	p.Resume()
	require.False(t, p.IsPaused())
	waitIdle(t, p)

	st = p.Status()
	require.Equal(t, 3, st.Finished)
	require.Equal(t, int32(1), calls.Load())
}

func TestDeleteRunningBackfillsAndIgnoresResult(t *testing.T) {
	bus := eventbus.New()
	abandoned, unsub := bus.Subscribe(4, EventTaskAbandoned)
	defer unsub()

	g := newGate(2)
	var cleaned []int
	cleanup := func(args int) error {
		cleaned = append(cleaned, args)
		return nil
	}
	p, err := New(context.Background(), Config[int]{Name: "delete-running", Concurrency: 1}, logx.Nop(), bus,
		g.task(0, cleanup), g.task(1, cleanup))
	require.NoError(t, err)

	g.waitStarted(t, 0)
	require.NoError(t, p.DeleteTask(0))
	require.Equal(t, []int{0}, cleaned)
	g.waitStarted(t, 1)

	close(g.release[0])
	select {
	case ev := <-abandoned:
		require.Equal(t, uint64(0), ev.Data.(TaskEvent).Seq)
	case <-time.After(5 * time.Second):
		t.Fatal("abandoned settlement not observed")
	}
	close(g.release[1])
	waitIdle(t, p)

	st := p.Status()
	require.Equal(t, []uint64{1}, seqsOf(st.Results))
	require.Equal(t, 1, st.Total)

	// Deleting again is a no-op and skips cleanup.
	require.NoError(t, p.DeleteTask(0))
	require.NoError(t, p.DeleteTask(42))
	require.Equal(t, []int{0}, cleaned)
}

func TestDeleteWaitingAndFinished(t *testing.T) {
	p, err := New(context.Background(), Config[int]{
		Name:         "delete-states",
		Concurrency:  0,
		AutoSchedule: Bool(false),
	}, logx.Nop(), nil, sumTask(1, 1), sumTask(2, 2), sumTask(3, 3))
	require.NoError(t, err)

	require.NoError(t, p.DeleteTask(1))
	infos := p.AllTasks()
	require.Len(t, infos, 2)
	require.Equal(t, uint64(0), infos[0].Seq)
	require.Equal(t, uint64(2), infos[1].Seq)
	require.Equal(t, StateWaiting, infos[0].State)

	p.SetConcurrency(2)
	p.Start()
	waitIdle(t, p)

	st := p.Status()
	require.Equal(t, 2, st.Finished)
	require.Equal(t, 2, st.Chunk)

	require.NoError(t, p.DeleteTask(2))
	st = p.Status()
	require.Equal(t, []uint64{0}, seqsOf(st.Results))
	require.Equal(t, 1, st.Chunk)
	require.Equal(t, 1, st.Total)
}

func TestDeleteCleanupErrorReturned(t *testing.T) {
	boom := errors.New("boom")
	p, err := New(context.Background(), Config[int]{Name: "cleanup-err", Concurrency: 1, AutoSchedule: Bool(false)}, logx.Nop(), nil,
		Task[int, int]{
			Args:    7,
			Run:     func(context.Context, int) (int, error) { return 0, nil },
			Cleanup: func(args int) error { return boom },
		})
	require.NoError(t, err)

	err = p.DeleteTask(0)
	require.ErrorIs(t, err, boom)
	var ce *CleanupError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, uint64(0), ce.Seq)
}

func TestNonPositiveConcurrencyStalls(t *testing.T) {
	p, err := New(context.Background(), Config[int]{Name: "stalled", Concurrency: 0}, logx.Nop(), nil,
		sumTask(1, 1), sumTask(2, 2))
	require.NoError(t, err)

	st := p.Status()
	require.Equal(t, 2, st.Waiting)
	require.Equal(t, 0, st.Running)
	require.True(t, st.Active)

	p.SetConcurrency(2)
	p.Resume()
	waitIdle(t, p)
	require.Equal(t, 2, p.Status().Finished)
}

func TestEmptyStartNeverReports(t *testing.T) {
	var calls atomic.Int32
	p, err := New[[2]int, int](context.Background(), Config[int]{
		Name:        "empty",
		Concurrency: 2,
		OnResult:    func([]Record[int], *Record[int]) { calls.Add(1) },
	}, logx.Nop(), nil)
	require.NoError(t, err)
	p.Start()
	waitIdle(t, p)

	seqs, err := p.AddTask()
	require.NoError(t, err)
	require.Empty(t, seqs)
	require.Equal(t, int32(0), calls.Load())
}

func TestFailuresAndPanicsBecomeRecords(t *testing.T) {
	bad := errors.New("bad input")
	p, err := New(context.Background(), Config[int]{Name: "failures", Concurrency: 2, MaintainOrder: true}, logx.Nop(), nil,
		Task[int, int]{Run: func(context.Context, int) (int, error) { return 7, bad }},
		Task[int, int]{Run: func(context.Context, int) (int, error) { panic("kaboom") }},
		Task[int, int]{Args: 3, Run: func(_ context.Context, a int) (int, error) { return a, nil }},
	)
	require.NoError(t, err)
	waitIdle(t, p)

	st := p.Status()
	require.Len(t, st.Results, 3)
	byseq := map[uint64]Record[int]{}
	for _, r := range st.Results {
		byseq[r.Seq] = r
	}
	require.Equal(t, OutcomeError, byseq[0].Outcome)
	require.ErrorIs(t, byseq[0].Err, bad)
	require.Equal(t, 7, byseq[0].Value)
	require.Equal(t, OutcomeError, byseq[1].Outcome)
	require.True(t, IsPanic(byseq[1].Err))
	require.True(t, byseq[2].OK())
	require.Equal(t, 3, byseq[2].Value)
}

func TestNilRunRejected(t *testing.T) {
	_, err := New(context.Background(), Config[int]{}, logx.Nop(), nil, Task[int, int]{})
	require.ErrorIs(t, err, ErrNilRun)

	p, err := New[int, int](context.Background(), Config[int]{Name: "nil-run", Concurrency: 1}, logx.Nop(), nil)
	require.NoError(t, err)
	_, err = p.AddTask(Task[int, int]{Run: func(context.Context, int) (int, error) { return 1, nil }}, Task[int, int]{})
	require.ErrorIs(t, err, ErrNilRun)
	require.Equal(t, 0, p.Status().Total)
}

func TestSubmitFailureDiscardsChunk(t *testing.T) {
	var (
		mu     sync.Mutex
		chunks [][]uint64
	)
	p, err := New(context.Background(), Config[int]{
		Name:          "submit-discard",
		Concurrency:   2,
		MaintainOrder: true,
		AutoSubmit:    true,
		Submit: func(_ context.Context, chunk []Record[int]) error {
			mu.Lock()
			defer mu.Unlock()
			chunks = append(chunks, seqsOf(chunk))
			return errors.New("sink rejected")
		},
	}, logx.Nop(), nil, sumTask(1, 1), sumTask(2, 2), sumTask(3, 3))
	require.NoError(t, err)
	waitIdle(t, p)

	mu.Lock()
	require.Equal(t, [][]uint64{{0, 1, 2}}, chunks)
	mu.Unlock()
	st := p.Status()
	require.Equal(t, 0, st.Chunk)
	require.Equal(t, 3, st.Finished)
}

func TestSubmitRetainRequeuesChunk(t *testing.T) {
	var (
		mu     sync.Mutex
		chunks [][]uint64
	)
	p, err := New(context.Background(), Config[int]{
		Name:          "submit-retain",
		Concurrency:   2,
		MaintainOrder: true,
		AutoSubmit:    true,
		SubmitPolicy:  SubmitRetain,
		Submit: func(_ context.Context, chunk []Record[int]) error {
			mu.Lock()
			defer mu.Unlock()
			chunks = append(chunks, seqsOf(chunk))
			if len(chunks) == 1 {
				return errors.New("sink offline")
			}
			return nil
		},
	}, logx.Nop(), nil, sumTask(1, 1), sumTask(2, 2))
	require.NoError(t, err)
	waitIdle(t, p)
	require.Equal(t, 2, p.Status().Chunk)

	_, err = p.AddTask(sumTask(3, 3))
	require.NoError(t, err)
	waitIdle(t, p)

	mu.Lock()
	require.Equal(t, [][]uint64{{0, 1}, {0, 1, 2}}, chunks)
	mu.Unlock()
	require.Equal(t, 0, p.Status().Chunk)
}

func TestSubmitRetryBacksOff(t *testing.T) {
	var attempts atomic.Int32
	p, err := New(context.Background(), Config[int]{
		Name:               "submit-retry",
		Concurrency:        1,
		AutoSubmit:         true,
		SubmitPolicy:       SubmitRetry,
		SubmitRetryBase:    time.Millisecond,
		SubmitRetryMax:     2 * time.Millisecond,
		SubmitRetryElapsed: 2 * time.Second,
		Submit: func(context.Context, []Record[int]) error {
			if attempts.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	}, logx.Nop(), nil, sumTask(1, 1))
	require.NoError(t, err)
	waitIdle(t, p)

	require.Equal(t, int32(3), attempts.Load())
	require.Equal(t, 0, p.Status().Chunk)
}

func TestStopRunsCleanupForDiscarded(t *testing.T) {
	g := newGate(3)
	var (
		mu      sync.Mutex
		cleaned []int
	)
	boom := errors.New("cleanup failed")
	cleanup := func(args int) error {
		mu.Lock()
		cleaned = append(cleaned, args)
		mu.Unlock()
		if args == 2 {
			return boom
		}
		return nil
	}
	p, err := New(context.Background(), Config[int]{Name: "stop", Concurrency: 1, CleanupOnStop: true}, logx.Nop(), nil,
		g.task(0, cleanup), g.task(1, cleanup), g.task(2, cleanup))
	require.NoError(t, err)
	g.waitStarted(t, 0)

	err = p.Stop()
	require.ErrorIs(t, err, boom)
	require.Equal(t, []int{0, 1, 2}, cleaned)

	st := p.Status()
	require.Equal(t, 0, st.Total)
	require.Equal(t, 0, st.Running)
	require.Equal(t, 0, st.Waiting)
	require.False(t, st.Active)

	for _, ch := range g.release {
		close(ch)
	}
	waitIdle(t, p)
	require.Empty(t, p.Status().Results)
}

func TestResetRestartsSeq(t *testing.T) {
	p, err := New(context.Background(), Config[int]{Name: "reset", Concurrency: 2}, logx.Nop(), nil,
		sumTask(1, 1), sumTask(2, 2))
	require.NoError(t, err)
	waitIdle(t, p)
	require.Equal(t, 2, p.Status().Finished)

	p.Reset()
	st := p.Status()
	require.Equal(t, 0, st.Total)
	require.Empty(t, st.Results)

	seqs, err := p.AddTask(sumTask(5, 5))
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, seqs)
	waitIdle(t, p)
	require.Equal(t, []uint64{0}, seqsOf(p.Status().Results))
}

func TestCallbackMayReenterPool(t *testing.T) {
	var (
		p     *Pool[[2]int, int]
		calls atomic.Int32
	)
	p, err := New[[2]int, int](context.Background(), Config[int]{
		Name:        "reenter",
		Concurrency: 1,
		OnResult: func([]Record[int], *Record[int]) {
			if calls.Add(1) == 1 {
				if _, err := p.AddTask(sumTask(9, 9)); err != nil {
					t.Errorf("AddTask from callback: %v", err)
				}
			}
			_ = p.Status()
		},
	}, logx.Nop(), nil)
	require.NoError(t, err)

	_, err = p.AddTask(sumTask(1, 1))
	require.NoError(t, err)
	waitIdle(t, p)

	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, 2, p.Status().Finished)
}

func TestWaitHonorsContext(t *testing.T) {
	g := newGate(1)
	p, err := New(context.Background(), Config[int]{Name: "wait-ctx", Concurrency: 1}, logx.Nop(), nil, g.task(0, nil))
	require.NoError(t, err)
	g.waitStarted(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Wait(ctx), context.DeadlineExceeded)

	close(g.release[0])
	waitIdle(t, p)
}

func TestParseSubmitPolicy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want SubmitPolicy
		err  bool
	}{
		{in: "", want: SubmitDiscard},
		{in: "discard", want: SubmitDiscard},
		{in: " Retain ", want: SubmitRetain},
		{in: "retry", want: SubmitRetry},
		{in: "sometimes", err: true},
	}
	for _, tt := range tests {
		got, err := ParseSubmitPolicy(tt.in)
		if tt.err {
			require.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got)
		require.Equal(t, tt.want.String(), got.String())
	}
}
