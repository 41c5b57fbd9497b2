package app

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskpool/internal/config"
	"taskpool/internal/storage"
	"taskpool/internal/task/pool"
	logx "taskpool/pkg/logx"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "taskpool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func stopApp(t *testing.T, a *App, reason StopReason) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, reason))
}

func TestRunOncePersistsBatch(t *testing.T) {
	dir := t.TempDir()
	store := filepath.Join(dir, "results")
	path := writeConfig(t, dir, `
logging:
  level: error
pool:
  name: once
  concurrency: 2
  maintain_order: true
storage:
  driver: file
  path: `+store+`
jobs:
  - name: first
    command: sh
    args: ["-c", "echo one"]
  - name: second
    command: sh
    args: ["-c", "echo two"]
  - name: third
    command: "true"
`)

	a, err := NewApp(path)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.RunOnce(ctx))

	st, err := a.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), st.Succeeded)
	require.Zero(t, st.Pool.Finished, "persisted tasks are pruned")
	stopApp(t, a, StopOnceDone)

	reopened, err := storage.Open(storage.Config{Driver: "file", Path: store}, logx.Nop())
	require.NoError(t, err)
	defer reopened.Close()
	batches, err := reopened.RecentBatches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, "once", batches[0].Pool)
	require.Len(t, batches[0].Records, 3)

	var out JobOutput
	require.NoError(t, json.Unmarshal(batches[0].Records[0].Value, &out))
	require.Equal(t, "first", out.Name)
	require.Equal(t, "one\n", out.Stdout)
}

func TestRunOnceReportsFailures(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
logging:
  level: error
pool:
  immediately: true
jobs:
  - name: good
    command: "true"
  - name: bad
    command: "false"
`)

	a, err := NewApp(path)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = a.RunOnce(ctx)
	require.ErrorIs(t, err, ErrJobsFailed)
	require.ErrorContains(t, err, "1 of 2")
	stopApp(t, a, StopOnceDone)
}

func TestRunOncePersistsFailedOutput(t *testing.T) {
	dir := t.TempDir()
	store := filepath.Join(dir, "results")
	path := writeConfig(t, dir, `
logging:
  level: error
storage:
  driver: file
  path: `+store+`
jobs:
  - name: broken
    command: sh
    args: ["-c", "echo partial; echo boom >&2; exit 3"]
`)

	a, err := NewApp(path)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.ErrorIs(t, a.RunOnce(ctx), ErrJobsFailed)
	stopApp(t, a, StopOnceDone)

	reopened, err := storage.Open(storage.Config{Driver: "file", Path: store}, logx.Nop())
	require.NoError(t, err)
	defer reopened.Close()
	batches, err := reopened.RecentBatches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Records, 1)

	rec := batches[0].Records[0]
	require.Equal(t, "error", rec.Outcome)
	require.Contains(t, rec.Error, "exit 3: boom")
	var out JobOutput
	require.NoError(t, json.Unmarshal(rec.Value, &out))
	require.Equal(t, "broken", out.Name)
	require.Equal(t, 3, out.ExitCode)
	require.Equal(t, "partial\n", out.Stdout)
	require.Equal(t, "boom\n", out.Stderr)
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfig(t, dir, `
pool:
  submit_policy: sometimes
jobs: []
`)
	_, err := NewApp(path)
	require.Error(t, err)
}

func TestStartAppliesReload(t *testing.T) {
	dir := t.TempDir()
	body := func(concurrency int, paused bool) string {
		return `
logging:
  level: error
pool:
  concurrency: ` + strconv.Itoa(concurrency) + `
  paused: ` + strconv.FormatBool(paused) + `
jobs:
  - name: tick
    command: "true"
`
	}
	path := writeConfig(t, dir, body(1, false))

	a, err := NewApp(path)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer stopApp(t, a, StopAppStop)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		st, err := a.Status(ctx)
		return err == nil && st.Succeeded == 1
	}, 5*time.Second, 20*time.Millisecond)

	// Let the watcher attach before touching the file.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, body(4, true))
	require.Eventually(t, func() bool {
		st, err := a.Status(ctx)
		return err == nil && st.Pool.Concurrency == 4 && st.Pool.Paused
	}, 5*time.Second, 20*time.Millisecond)
}

func TestExampleConfigValidates(t *testing.T) {
	t.Parallel()
	cfg, err := config.NewConfigManager(filepath.Join("..", "..", "taskpool.example.yaml")).Parse()
	require.NoError(t, err)
	require.NoError(t, ValidateConfig(cfg))
	require.True(t, cfg.Feed.Enabled)
}

func TestDrainReportsCountEachSeqOnce(t *testing.T) {
	t.Parallel()
	a := &App{log: logx.Nop(), autoSubmit: true}

	ok := func(seq uint64) pool.Record[JobOutput] {
		return pool.Record[JobOutput]{Seq: seq, Outcome: pool.OutcomeSuccess, Value: JobOutput{Name: "j"}}
	}
	bad := pool.Record[JobOutput]{Seq: 1, Outcome: pool.OutcomeError, Err: errors.New("exit 1")}

	a.onResult(nil, []pool.Record[JobOutput]{ok(0), bad}, nil)
	require.Equal(t, uint64(1), a.succeeded.Load())
	require.Equal(t, uint64(1), a.failed.Load())

	// A retained chunk shows up again next to the new record.
	a.onResult(nil, []pool.Record[JobOutput]{ok(0), bad, ok(2)}, nil)
	require.Equal(t, uint64(2), a.succeeded.Load())
	require.Equal(t, uint64(1), a.failed.Load())
}

func TestStopReasonString(t *testing.T) {
	t.Parallel()
	require.Equal(t, "unknown", StopReason("").String())
	require.Equal(t, "sigterm", StopSIGTERM.String())
}
