package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "taskpool/pkg/logx"
)

func stopWithin(t *testing.T, s *Supervisor) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Stop(ctx)
}

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	s := New(context.Background(), WithLogger(logx.Nop()), WithCancelOnError(true))
	boom := errors.New("boom")

	s.Go("failing", func(context.Context) error { return boom })
	s.Go0("waiter", func(ctx context.Context) { <-ctx.Done() })

	select {
	case <-s.Context().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor context not canceled")
	}
	err := stopWithin(t, s)
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "failing")
	require.Equal(t, int64(0), s.Counters().Active)
	require.Equal(t, uint64(2), s.Counters().Started)
}

func TestGoRecoversPanic(t *testing.T) {
	s := New(context.Background())
	s.Go0("panicky", func(context.Context) { panic("oops") })

	require.Eventually(t, func() bool { return s.Err() != nil }, 5*time.Second, 5*time.Millisecond)
	require.Contains(t, s.Err().Error(), "panic: oops")

	_ = stopWithin(t, s)
	snap := s.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, uint64(1), snap[0].Panics)
}

func TestGoRestartRetriesUntilCleanExit(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	require.NoError(t, stopWithinAfter(t, s, func() bool { return runs.Load() >= 3 }))
	require.Equal(t, int32(3), runs.Load())
	snap := s.Snapshot()
	require.Equal(t, uint64(2), snap[0].Restarts)
}

func TestGoRestartGivesUp(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("broken", func(context.Context) error {
		runs.Add(1)
		return errors.New("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	require.Eventually(t, func() bool { return s.Err() != nil }, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(3), runs.Load())
	require.Error(t, stopWithin(t, s))
}

func stopWithinAfter(t *testing.T, s *Supervisor, cond func() bool) error {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Wait(ctx)
}
