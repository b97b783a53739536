package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"sender/internal/browser"
	"sender/internal/platform"
	"sender/internal/session"
	"sender/internal/storage"
	logx "sender/pkg/logx"
)

// Validate checks every field that Resolve would reject, joined.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := c.WhatsAppTiming(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.TelegramTiming(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.SessionConfig(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.StorageConfig(); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := c.HTTPTimeouts(); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseDuration("sessions.probe_timeout", c.Sessions.ProbeTimeout); err != nil {
		errs = append(errs, err)
	}
	if c.Dispatch.RatePerMinute < 0 {
		errs = append(errs, errors.New("dispatch.rate_per_minute must be >= 0"))
	}
	if c.AMQP.Enabled {
		if strings.TrimSpace(c.AMQP.URL) == "" {
			errs = append(errs, errors.New("amqp.url is required when amqp is enabled"))
		}
		if strings.TrimSpace(c.AMQP.Queue) == "" {
			errs = append(errs, errors.New("amqp.queue is required when amqp is enabled"))
		}
	}
	if c.Notifier.Enabled {
		if strings.TrimSpace(c.Notifier.Token) == "" {
			errs = append(errs, errors.New("notifier.token is required when notifier is enabled"))
		}
		if c.Notifier.ChatID == 0 {
			errs = append(errs, errors.New("notifier.chat_id is required when notifier is enabled"))
		}
	}
	if c.Logging.Alert.Enabled && !c.Notifier.Enabled {
		errs = append(errs, errors.New("logging.alert requires the notifier"))
	}
	return errors.Join(errs...)
}

// LogConfig maps the logging section onto logx.
func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		Format:  c.Logging.Format,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    c.Logging.Alert.Enabled,
			MinLevel:   c.Logging.Alert.MinLevel,
			RatePerSec: c.Logging.Alert.RatePerSec,
		},
	}
}

func (c *Config) BrowserOptions() browser.Options {
	b := c.Browser
	return browser.Options{
		ExecPath:  strings.TrimSpace(b.ExecPath),
		UserAgent: strings.TrimSpace(b.UserAgent),
		Width:     b.Width,
		Height:    b.Height,
		Headless:  b.Headless,
		NoSandbox: b.NoSandbox,
	}
}

func (c *Config) WhatsAppTiming() (platform.Timing, error) {
	return c.Platforms.WhatsApp.timing("platforms.whatsapp", platform.DefaultWhatsAppTiming())
}

func (c *Config) TelegramTiming() (platform.Timing, error) {
	return c.Platforms.Telegram.timing("platforms.telegram", platform.DefaultTelegramTiming())
}

// Adapters builds the adapter set with the configured timing.
func (c *Config) Adapters() ([]platform.Adapter, error) {
	wa, err := c.WhatsAppTiming()
	if err != nil {
		return nil, err
	}
	tg, err := c.TelegramTiming()
	if err != nil {
		return nil, err
	}
	return []platform.Adapter{platform.NewWhatsApp(wa), platform.NewTelegram(tg)}, nil
}

func (p PlatformConfig) timing(path string, t platform.Timing) (platform.Timing, error) {
	var ds durations
	key := func(k string) string { return path + "." + k }
	t.LineDelay.Min = ds.or(key("line_delay_min"), p.LineDelayMin, t.LineDelay.Min)
	t.LineDelay.Max = ds.or(key("line_delay_max"), p.LineDelayMax, t.LineDelay.Max)
	t.Pacing.Min = ds.or(key("pacing_min"), p.PacingMin, t.Pacing.Min)
	t.Pacing.Max = ds.or(key("pacing_max"), p.PacingMax, t.Pacing.Max)
	t.ProbeTimeout = ds.or(key("probe_timeout"), p.ProbeTimeout, t.ProbeTimeout)
	t.OpenTimeout = ds.or(key("open_timeout"), p.OpenTimeout, t.OpenTimeout)
	t.SubmitTimeout = ds.or(key("submit_timeout"), p.SubmitTimeout, t.SubmitTimeout)
	t.ConfirmTimeout = ds.or(key("confirm_timeout"), p.ConfirmTimeout, t.ConfirmTimeout)
	t.Settle = ds.or(key("settle"), p.Settle, t.Settle)
	if t.LineDelay.Max < t.LineDelay.Min {
		ds.errs = append(ds.errs, fmt.Errorf("%s: line_delay_max < line_delay_min", path))
	}
	if t.Pacing.Max < t.Pacing.Min {
		ds.errs = append(ds.errs, fmt.Errorf("%s: pacing_max < pacing_min", path))
	}
	return t, ds.err()
}

func (c *Config) SessionConfig() (session.Config, error) {
	s := c.Sessions
	launch, err := parseDuration("sessions.launch_timeout", s.LaunchTimeout)
	if err != nil {
		return session.Config{}, err
	}
	policy := session.LockPolicy(strings.ToLower(strings.TrimSpace(s.LockPolicy)))
	switch policy {
	case "", session.PolicyWait, session.PolicyReject:
	default:
		return session.Config{}, fmt.Errorf("sessions.lock_policy: unknown policy %q", s.LockPolicy)
	}
	return session.Config{
		ProfileRoot:   strings.TrimSpace(s.ProfileRoot),
		Browser:       c.BrowserOptions(),
		LaunchTimeout: launch,
		LockPolicy:    policy,
	}, nil
}

// ProbeTimeout is the per-session budget of a scheduled probe.
func (c *Config) ProbeTimeout() time.Duration {
	var ds durations
	return ds.or("sessions.probe_timeout", c.Sessions.ProbeTimeout, 30*time.Second)
}

func (c *Config) StorageConfig() (storage.Config, error) {
	s := c.Storage
	busy, err := parseDuration("storage.busy_timeout", s.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	switch strings.ToLower(strings.TrimSpace(s.Driver)) {
	case "", "memory", "mem":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(s.Path) == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required for driver %q", s.Driver)
		}
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(s.DSN) == "" {
			return storage.Config{}, errors.New("storage.dsn is required for postgres")
		}
	default:
		return storage.Config{}, fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
	}
	return storage.Config{
		Driver:       s.Driver,
		Path:         s.Path,
		DSN:          s.DSN,
		BusyTimeout:  busy,
		CompactEvery: s.CompactEvery,
	}, nil
}

// HTTPAddr returns the listen address, defaulting to localhost.
func (c *Config) HTTPAddr() string {
	if a := strings.TrimSpace(c.HTTP.Addr); a != "" {
		return a
	}
	return "127.0.0.1:8080"
}

func (c *Config) HTTPTimeouts() (read, write time.Duration, err error) {
	var ds durations
	read = ds.or("http.read_timeout", c.HTTP.ReadTimeout, 15*time.Second)
	write = ds.or("http.write_timeout", c.HTTP.WriteTimeout, 30*time.Second)
	return read, write, ds.err()
}
