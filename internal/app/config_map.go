package app

import (
	"fmt"
	"strings"
	"time"

	"taskpool/internal/config"
	"taskpool/internal/observability/metrics"
	"taskpool/internal/storage"
	"taskpool/internal/task/feed"
	"taskpool/internal/task/pool"
	logx "taskpool/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapPoolConfig fills everything except the callbacks.
func mapPoolConfig(cfg *config.Config, storeEnabled bool) (pool.Config[JobOutput], error) {
	pc := cfg.Pool
	policy, err := pool.ParseSubmitPolicy(pc.SubmitPolicy)
	if err != nil {
		return pool.Config[JobOutput]{}, fmt.Errorf("pool.submit_policy: %w", err)
	}
	retry, err := pc.SubmitRetryBounds()
	if err != nil {
		return pool.Config[JobOutput]{}, err
	}
	autoSubmit := storeEnabled
	if pc.AutoSubmit != nil {
		autoSubmit = *pc.AutoSubmit
	}
	return pool.Config[JobOutput]{
		Name:               pc.EffectiveName(),
		Concurrency:        pc.EffectiveConcurrency(),
		MaintainOrder:      pc.MaintainOrder,
		Immediately:        pc.Immediately,
		AutoSchedule:       pool.Bool(true),
		AutoSubmit:         autoSubmit,
		SubmitPolicy:       policy,
		SubmitRetryBase:    retry.Base,
		SubmitRetryMax:     retry.Max,
		SubmitRetryElapsed: retry.Elapsed,
		CleanupOnStop:      pc.CleanupOnStop,
	}, nil
}

func mapFeedConfig(cfg *config.Config) feed.Config {
	return feed.Config{
		Name:     cfg.Pool.EffectiveName(),
		Schedule: cfg.Feed.Schedule,
		Timezone: cfg.Feed.Timezone,
	}
}

func mapMetricsConfig(cfg *config.Config) metrics.Config {
	mc := cfg.Metrics
	addr := strings.TrimSpace(mc.Addr)
	if addr == "" {
		addr = config.DefaultMetricsAddr
	}
	path := strings.TrimSpace(mc.Path)
	if path == "" {
		path = config.DefaultMetricsPath
	}
	return metrics.Config{
		Enabled:       mc.Enabled,
		Addr:          addr,
		Path:          path,
		Token:         mc.Token,
		AllowInsecure: mc.AllowInsecure,
		Pprof:         mc.Pprof,
		ReadTimeout:   5 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   60 * time.Second,
	}
}

// ValidateConfig is the reload gate: a config that fails here is never
// committed.
func ValidateConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	_, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	if _, err := mapPoolConfig(cfg, enabled); err != nil {
		return err
	}
	_, err = buildJobs(cfg.Jobs)
	return err
}
