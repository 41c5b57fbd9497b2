package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string. Empty means zero; negative
// values are rejected. path names the field in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// SubmitRetry resolves the retry bounds. Zero values are left for the pool
// to default.
type SubmitRetry struct {
	Base    time.Duration
	Max     time.Duration
	Elapsed time.Duration
}

func (p PoolConfig) SubmitRetryBounds() (SubmitRetry, error) {
	var (
		r   SubmitRetry
		err error
	)
	if r.Base, err = ParseDurationField("pool.submit_retry_base", p.SubmitRetryBase); err != nil {
		return r, err
	}
	if r.Max, err = ParseDurationField("pool.submit_retry_max", p.SubmitRetryMax); err != nil {
		return r, err
	}
	if r.Elapsed, err = ParseDurationField("pool.submit_retry_elapsed", p.SubmitRetryElapsed); err != nil {
		return r, err
	}
	return r, nil
}
