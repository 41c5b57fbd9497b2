package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/multierr"

	"taskpool/internal/task/feed"
	logx "taskpool/pkg/logx"
)

var (
	ErrNoJobs        = errors.New("jobs: at least one job is required")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Validate checks the whole config and reports every problem at once.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var err error

	if !logx.ValidLevel(c.Logging.Level) {
		err = multierr.Append(err, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		err = multierr.Append(err, errors.New("logging.file.path: required when file logging is enabled"))
	}

	if _, perr := parseSubmitPolicy(c.Pool.SubmitPolicy); perr != nil {
		err = multierr.Append(err, fmt.Errorf("pool.submit_policy: %w", perr))
	}
	for _, f := range [...]struct{ path, raw string }{
		{"pool.submit_retry_base", c.Pool.SubmitRetryBase},
		{"pool.submit_retry_max", c.Pool.SubmitRetryMax},
		{"pool.submit_retry_elapsed", c.Pool.SubmitRetryElapsed},
	} {
		if _, derr := ParseDurationField(f.path, f.raw); derr != nil {
			err = multierr.Append(err, derr)
		}
	}

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "file", "sqlite":
		default:
			err = multierr.Append(err, fmt.Errorf("storage.driver: %w %q", ErrUnknownDriver, s.Driver))
		}
		if strings.TrimSpace(s.Path) == "" {
			err = multierr.Append(err, errors.New("storage.path: required"))
		}
		if _, derr := ParseDurationField("storage.busy_timeout", s.BusyTimeout); derr != nil {
			err = multierr.Append(err, derr)
		}
	}

	if c.Feed.Enabled {
		if _, cerr := feed.ParseSchedule(c.Feed.Schedule); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("feed.schedule: %w", cerr))
		}
		if tz := strings.TrimSpace(c.Feed.Timezone); tz != "" {
			if _, lerr := time.LoadLocation(tz); lerr != nil {
				err = multierr.Append(err, fmt.Errorf("feed.timezone: %w", lerr))
			}
		}
	}

	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Addr) != "" {
		if _, _, aerr := net.SplitHostPort(c.Metrics.Addr); aerr != nil {
			err = multierr.Append(err, fmt.Errorf("metrics.addr: %w", aerr))
		}
	}
	if p := strings.TrimSpace(c.Metrics.Path); p != "" && !strings.HasPrefix(p, "/") {
		err = multierr.Append(err, fmt.Errorf("metrics.path: must start with '/' (got %q)", p))
	} else if p == "/healthz" || p == "/status" || strings.HasPrefix(p, "/debug/pprof/") {
		err = multierr.Append(err, fmt.Errorf("metrics.path: %q is reserved", p))
	}

	if len(c.Jobs) == 0 {
		err = multierr.Append(err, ErrNoJobs)
	}
	seen := make(map[string]struct{}, len(c.Jobs))
	for i, j := range c.Jobs {
		name := strings.TrimSpace(j.Name)
		if name == "" {
			err = multierr.Append(err, fmt.Errorf("jobs[%d].name: required", i))
		} else if _, dup := seen[name]; dup {
			err = multierr.Append(err, fmt.Errorf("jobs[%d].name: duplicate %q", i, name))
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(j.Command) == "" {
			err = multierr.Append(err, fmt.Errorf("jobs[%d].command: required", i))
		}
		if _, derr := ParseDurationField(fmt.Sprintf("jobs[%d].timeout", i), j.Timeout); derr != nil {
			err = multierr.Append(err, derr)
		}
	}
	return err
}

func parseSubmitPolicy(s string) (string, error) {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "", "discard", "retain", "retry":
		return v, nil
	default:
		return "", fmt.Errorf("unknown policy %q", s)
	}
}
