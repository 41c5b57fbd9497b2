package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"taskpool/internal/config"
	"taskpool/internal/task/pool"
)

// maxOutput caps the captured stdout/stderr per stream. Only the tail is kept.
const maxOutput = 16 << 10

// Job is the argument of one pool task: a command line plus its limits.
type Job struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"-"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

// JobOutput is what a finished job reports.
type JobOutput struct {
	Name     string `json:"name"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

func buildJobs(cfgs []config.JobConfig) ([]Job, error) {
	out := make([]Job, 0, len(cfgs))
	for i, jc := range cfgs {
		timeout, err := config.ParseDurationField(fmt.Sprintf("jobs[%d].timeout", i), jc.Timeout)
		if err != nil {
			return nil, err
		}
		out = append(out, Job{
			Name:    strings.TrimSpace(jc.Name),
			Command: jc.Command,
			Args:    append([]string(nil), jc.Args...),
			Dir:     jc.Dir,
			Env:     jc.Env,
			Timeout: timeout,
		})
	}
	return out, nil
}

func jobTasks(jobs []Job) []pool.Task[Job, JobOutput] {
	tasks := make([]pool.Task[Job, JobOutput], 0, len(jobs))
	for _, j := range jobs {
		tasks = append(tasks, pool.Task[Job, JobOutput]{Args: j, Run: runJob})
	}
	return tasks
}

// runJob executes the command. A non-zero exit is an error; the captured
// output is still returned and ends up in the failed record.
func runJob(ctx context.Context, j Job) (JobOutput, error) {
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, j.Command, j.Args...)
	cmd.Dir = j.Dir
	if len(j.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(j.Env)...)
	}
	// Give the child a moment to exit after SIGKILL before Wait gives up on
	// its pipes.
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr tailBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := JobOutput{
		Name:   j.Name,
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out, fmt.Errorf("job %s: timed out after %s", j.Name, j.Timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if tail := lastLine(out.Stderr); tail != "" {
			return out, fmt.Errorf("job %s: exit %d: %s", j.Name, out.ExitCode, tail)
		}
		return out, fmt.Errorf("job %s: exit %d", j.Name, out.ExitCode)
	}
	return out, fmt.Errorf("job %s: %w", j.Name, err)
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

// tailBuffer keeps the last maxOutput bytes written to it.
type tailBuffer struct {
	buf       bytes.Buffer
	truncated bool
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= maxOutput {
		t.buf.Reset()
		t.buf.Write(p[n-maxOutput:])
		t.truncated = true
		return n, nil
	}
	if over := t.buf.Len() + n - maxOutput; over > 0 {
		t.buf.Next(over)
		t.truncated = true
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	if t.truncated {
		return "…" + t.buf.String()
	}
	return t.buf.String()
}
