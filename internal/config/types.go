package config

type Config struct {
	Logging LoggingConfig  `json:"logging"`
	Pool    PoolConfig     `json:"pool"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Feed    FeedConfig     `json:"feed"`
	Metrics MetricsConfig  `json:"metrics"`
	Jobs    []JobConfig    `json:"jobs"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	// JSON switches the console sink to raw JSON lines (journald friendly).
	JSON bool        `json:"json,omitempty"`
	File LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// PoolConfig controls the task pool.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - name: "jobs"
//   - concurrency: 2 (explicit values <= 0 are kept and stall dispatch)
//   - auto_submit: true when storage is configured
//   - submit_policy: "discard"
//   - submit_retry_base / _max / _elapsed: "250ms" / "5s" / "30s"
//
// Concurrency, immediately and paused are applied live on reload.
type PoolConfig struct {
	Name          string `json:"name,omitempty"`
	Concurrency   *int   `json:"concurrency,omitempty"`
	MaintainOrder bool   `json:"maintain_order"`
	Immediately   bool   `json:"immediately"`
	Paused        bool   `json:"paused,omitempty"`

	AutoSubmit         *bool  `json:"auto_submit,omitempty"`
	SubmitPolicy       string `json:"submit_policy,omitempty"`
	SubmitRetryBase    string `json:"submit_retry_base,omitempty"`
	SubmitRetryMax     string `json:"submit_retry_max,omitempty"`
	SubmitRetryElapsed string `json:"submit_retry_elapsed,omitempty"`

	CleanupOnStop bool `json:"cleanup_on_stop,omitempty"`
}

// StorageConfig selects the sink that receives result chunks and the audit
// stream.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./taskpool.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// FeedConfig controls the periodic producer. Schedule accepts a cron
// expression (optional seconds field) or a descriptor such as "@every 30s".
type FeedConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone,omitempty"`
}

// MetricsConfig controls the HTTP endpoint serving /metrics, /healthz and
// /status. Applied live on reload.
//
// Security: a non-loopback addr requires token or allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	Path          string `json:"path,omitempty"` // default: "/metrics"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	// Pprof also mounts net/http/pprof under /debug/pprof/.
	Pprof bool `json:"pprof,omitempty"`
}

// JobConfig describes one command the daemon runs as a pool task.
type JobConfig struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	// Timeout is a Go duration string. "0s" or empty disables it.
	Timeout string `json:"timeout,omitempty"`
}

const (
	DefaultPoolName    = "jobs"
	DefaultConcurrency = 2
	DefaultMetricsAddr = "127.0.0.1:9464"
	DefaultMetricsPath = "/metrics"
)

// EffectiveConcurrency resolves the pool limit, keeping explicit
// non-positive values.
func (p PoolConfig) EffectiveConcurrency() int {
	if p.Concurrency == nil {
		return DefaultConcurrency
	}
	return *p.Concurrency
}

func (p PoolConfig) EffectiveName() string {
	if p.Name == "" {
		return DefaultPoolName
	}
	return p.Name
}
