package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "1m"). Empty
// values take the defaults documented per field.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Browser   BrowserConfig   `json:"browser"`
	Platforms PlatformsConfig `json:"platforms"`
	Sessions  SessionsConfig  `json:"sessions"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Storage   StorageConfig   `json:"storage"`
	HTTP      HTTPConfig      `json:"http"`
	AMQP      AMQPConfig      `json:"amqp"`
	Notifier  NotifierConfig  `json:"notifier"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`

	// Format is "console" (default) or "json"; json suits journald.
	Format string `json:"format,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards records at or above MinLevel to the notifier chat.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// BrowserConfig is the profile template shared by every account.
type BrowserConfig struct {
	ExecPath  string `json:"exec_path,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	// Headless defaults to false: the operator scans QR codes in the window.
	Headless  bool `json:"headless"`
	NoSandbox bool `json:"no_sandbox,omitempty"`
}

type PlatformsConfig struct {
	WhatsApp PlatformConfig `json:"whatsapp"`
	Telegram PlatformConfig `json:"telegram"`
}

// PlatformConfig overrides a platform's pacing. Empty fields keep the
// built-in values.
type PlatformConfig struct {
	LineDelayMin   string `json:"line_delay_min,omitempty"`
	LineDelayMax   string `json:"line_delay_max,omitempty"`
	PacingMin      string `json:"pacing_min,omitempty"`
	PacingMax      string `json:"pacing_max,omitempty"`
	ProbeTimeout   string `json:"probe_timeout,omitempty"`
	OpenTimeout    string `json:"open_timeout,omitempty"`
	SubmitTimeout  string `json:"submit_timeout,omitempty"`
	ConfirmTimeout string `json:"confirm_timeout,omitempty"`
	Settle         string `json:"settle,omitempty"`
}

// SessionsConfig controls browser sessions.
//
// Defaults:
//   - profile_root: "./data/profiles"
//   - launch_timeout: "60s"
//   - lock_policy: "wait" ("reject" fails a second job on a busy account)
//   - probe_schedule: "" (disabled), e.g. "@every 10m"
//   - probe_timeout: "30s"
type SessionsConfig struct {
	ProfileRoot   string `json:"profile_root"`
	LaunchTimeout string `json:"launch_timeout"`
	LockPolicy    string `json:"lock_policy"`
	ProbeSchedule string `json:"probe_schedule,omitempty"`
	ProbeTimeout  string `json:"probe_timeout,omitempty"`
}

type DispatchConfig struct {
	// RatePerMinute caps sends per account on top of pacing. 0 disables.
	RatePerMinute int `json:"rate_per_minute"`
}

// StorageConfig selects the job store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/sender.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // postgres; SENDER_STORAGE_DSN overrides
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	CompactEvery int    `json:"compact_every,omitempty"`
}

// HTTPConfig controls the ops surface. Bind to localhost or set a token.
type HTTPConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token        string `json:"token,omitempty"` // bearer token; SENDER_HTTP_TOKEN overrides
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof/ behind the same token.
	Pprof bool `json:"pprof,omitempty"`
}

// AMQPConfig controls the start/stop command consumer.
type AMQPConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url,omitempty"` // SENDER_AMQP_URL overrides
	Queue    string `json:"queue,omitempty"`
	Prefetch int    `json:"prefetch,omitempty"`
}

// NotifierConfig controls operator messages through a Telegram bot.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Token         string `json:"token,omitempty"` // SENDER_TELEGRAM_TOKEN overrides
	ChatID        int64  `json:"chat_id,omitempty"`
	ThreadID      int    `json:"thread_id,omitempty"`
	RatePerMinute int    `json:"rate_per_minute,omitempty"`
}
