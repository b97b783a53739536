package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alert   AlertConfig

	// Format of the stdout sink: "console" (default) or "json".
	Format string
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// AlertConfig copies records at or above MinLevel to the AlertSink.
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// Service owns the sinks. Loggers obtained from it survive Apply.
type Service struct {
	src *source

	mu     sync.Mutex
	file   *os.File
	alerts *alerter
}

func New(cfg Config) (*Service, Logger) {
	s := &Service{
		src:    newSource(zerolog.New(consoleWriter(os.Stdout)).With().Timestamp().Logger()),
		alerts: newAlerter(),
	}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{src: s.src} }

// SetAlertSink installs the alert destination; nil turns alerts off.
func (s *Service) SetAlertSink(sink AlertSink) { s.alerts.setSink(sink) }

// Apply rebuilds the sink set. Records already in flight finish on the old set.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, stdoutWriter(cfg.Format))
	}

	var file *os.File
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./sender.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		} else {
			file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}

	s.alerts.configure(cfg.Alert)
	if cfg.Alert.Enabled {
		s.alerts.start()
		sinks = append(sinks, s.alerts)
	}
	if len(sinks) == 0 {
		sinks = append(sinks, stdoutWriter(cfg.Format))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.src.zl.Store(&zl)

	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = file
}

// Close stops alert delivery and closes the log file.
func (s *Service) Close() error {
	s.alerts.stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.src.zl.Store(ptr(zerolog.New(consoleWriter(os.Stdout)).With().Timestamp().Logger()))
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func ptr[T any](v T) *T { return &v }

func stdoutWriter(format string) io.Writer {
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return os.Stdout
	}
	return consoleWriter(os.Stdout)
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05.000",
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}
