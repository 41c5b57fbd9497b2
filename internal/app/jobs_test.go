package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskpool/internal/config"
)

func TestRunJob(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		job     Job
		stdout  string
		exit    int
		errPart string
	}{
		{name: "ok", job: Job{Name: "echo", Command: "sh", Args: []string{"-c", "echo hello"}}, stdout: "hello\n"},
		{name: "env", job: Job{Name: "env", Command: "sh", Args: []string{"-c", "echo $GREETING"}, Env: map[string]string{"GREETING": "hi"}}, stdout: "hi\n"},
		{name: "exit code", job: Job{Name: "bad", Command: "sh", Args: []string{"-c", "echo boom >&2; exit 3"}}, exit: 3, errPart: "exit 3: boom"},
		{name: "timeout", job: Job{Name: "slow", Command: "sleep", Args: []string{"5"}, Timeout: 50 * time.Millisecond}, exit: -1, errPart: "timed out"},
		{name: "missing binary", job: Job{Name: "nope", Command: "/nonexistent/taskpool-test"}, errPart: "job nope"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, err := runJob(context.Background(), tt.job)
			require.Equal(t, tt.job.Name, out.Name)
			if tt.errPart != "" {
				require.ErrorContains(t, err, tt.errPart)
			} else {
				require.NoError(t, err)
				require.Equal(t, tt.stdout, out.Stdout)
			}
			if tt.exit != 0 {
				require.Equal(t, tt.exit, out.ExitCode)
			}
		})
	}
}

func TestTailBufferKeepsTail(t *testing.T) {
	t.Parallel()

	var b tailBuffer
	_, _ = b.Write([]byte(strings.Repeat("a", maxOutput-2)))
	_, _ = b.Write([]byte("bcde"))
	got := b.String()
	require.True(t, strings.HasPrefix(got, "…"))
	require.True(t, strings.HasSuffix(got, "bcde"))
	require.Len(t, strings.TrimPrefix(got, "…"), maxOutput)

	var big tailBuffer
	_, _ = big.Write([]byte(strings.Repeat("x", maxOutput) + "tail"))
	require.True(t, strings.HasSuffix(big.String(), "tail"))
}

func TestBuildJobs(t *testing.T) {
	t.Parallel()

	jobs, err := buildJobs([]config.JobConfig{
		{Name: " a ", Command: "true", Timeout: "2s"},
		{Name: "b", Command: "false"},
	})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "a", jobs[0].Name)
	require.Equal(t, 2*time.Second, jobs[0].Timeout)
	require.Zero(t, jobs[1].Timeout)

	_, err = buildJobs([]config.JobConfig{{Name: "c", Command: "true", Timeout: "soon"}})
	require.Error(t, err)
}
