package config

import (
	"reflect"
	"strings"

	logx "taskpool/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging the reload. Job commands and environment are
// never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Pool, newCfg.Pool) {
		changed = append(changed, "pool")
		attrs = append(attrs,
			logx.Int("pool.concurrency", newCfg.Pool.EffectiveConcurrency()),
			logx.Bool("pool.immediately", newCfg.Pool.Immediately),
			logx.Bool("pool.paused", newCfg.Pool.Paused),
			logx.String("pool.submit_policy", strings.TrimSpace(newCfg.Pool.SubmitPolicy)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		driver := ""
		if newCfg.Storage != nil {
			driver = newCfg.Storage.Driver
		}
		attrs = append(attrs, logx.String("storage.driver", driver))
	}

	if oldCfg.Feed != newCfg.Feed {
		changed = append(changed, "feed")
		attrs = append(attrs,
			logx.Bool("feed.enabled", newCfg.Feed.Enabled),
			logx.String("feed.schedule", strings.TrimSpace(newCfg.Feed.Schedule)),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.Addr),
			logx.Bool("metrics.token_set", newCfg.Metrics.Token != ""),
			logx.Bool("metrics.pprof", newCfg.Metrics.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		changed = append(changed, "jobs")
		attrs = append(attrs, logx.Int("jobs.count", len(newCfg.Jobs)))
	}

	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a
// restart. Logging, metrics and the live pool knobs are applied in place.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	o, n := oldCfg.Pool, newCfg.Pool
	o.Concurrency, n.Concurrency = nil, nil
	o.Immediately, n.Immediately = false, false
	o.Paused, n.Paused = false, false
	if !reflect.DeepEqual(o, n) {
		out = append(out, "pool")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	if oldCfg.Feed != newCfg.Feed {
		out = append(out, "feed")
	}
	return out
}
